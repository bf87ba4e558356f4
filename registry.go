package vda

import (
	"container/list"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/igel-oss/chromium-renesas-vda/internal/engine"
)

// inputBinding is the side-channel record attached to an input header for
// as long as it sits at-engine (§3 InputBufferHeader). It exists only
// between Decode handing the header to the engine and InputReturned
// reclaiming it.
type inputBinding struct {
	shm ShmHandle
	id  int32
}

// outputPicture pairs a client-assigned picture id with its engine buffer
// header and pre-filled ready record (§3 OutputPicture).
type outputPicture struct {
	pictureBufferID int32
	header          *engine.BufferHeader
	ready           PictureReadyRecord
}

// registry tracks the two buffer populations and their location
// (free / at-engine / at-client), per §4.2. It is only ever touched from
// the Decoder's event-loop goroutine — no internal locking.
type registry struct {
	freeInput     *list.List // *engine.BufferHeader
	inputAtEngine int
	outputAtEngine int

	bindings map[int32]*inputBinding // by bitstream buffer id, while at-engine

	pictures    map[int32]*outputPicture
	pictureIDs  []int32 // insertion order, for deterministic FreeAll/iteration
	fakeOutputs map[*engine.BufferHeader]struct{}

	queuedPictures  *list.List // int32, deferred during RESETTING
	queuedBitstream *list.List // BitstreamBuffer, deferred during transitions
}

func newRegistry() *registry {
	return &registry{
		freeInput:       list.New(),
		bindings:        make(map[int32]*inputBinding),
		pictures:        make(map[int32]*outputPicture),
		fakeOutputs:     make(map[*engine.BufferHeader]struct{}),
		queuedPictures:  list.New(),
		queuedBitstream: list.New(),
	}
}

// allocateInputs registers n zero-copy input buffer headers, all placed
// in the free list (§4.2 AllocateInputs). Buffer memory is supplied later
// per-decode.
func (r *registry) allocateInputs(eng engine.Bindings, n int) error {
	for i := 0; i < n; i++ {
		hdr, err := eng.UseBuffer(engine.PortInput, nil)
		if err != nil {
			return fmt.Errorf("registry: allocateInputs: %w", err)
		}
		r.freeInput.PushBack(hdr)
	}
	slog.Debug("vda: input buffers allocated", "count", n)
	return nil
}

// allocateFakeOutputs allocates k engine-owned output buffers used only
// to drive the engine from EXECUTING through the first settings-change
// event (§4.2 AllocateFakeOutputs).
func (r *registry) allocateFakeOutputs(eng engine.Bindings, k int, size int) error {
	for i := 0; i < k; i++ {
		hdr, err := eng.AllocateBuffer(engine.PortOutput, size)
		if err != nil {
			return fmt.Errorf("registry: allocateFakeOutputs: %w", err)
		}
		hdr.Timestamp = -1
		r.fakeOutputs[hdr] = struct{}{}
	}
	slog.Debug("vda: fake output buffers allocated", "count", k)
	return nil
}

// adoptPictureBuffers registers a client-supplied ordered sequence of
// picture buffers (§4.2 AdoptPictureBuffers). buffers must equal the
// negotiated count; callers enforce that before calling this.
func (r *registry) adoptPictureBuffers(eng engine.Bindings, buffers []PictureBuffer) error {
	if len(r.pictures) != 0 {
		return fmt.Errorf("registry: adoptPictureBuffers called with existing output state")
	}
	for _, pb := range buffers {
		hdr, err := eng.UseBuffer(engine.PortOutput, nil)
		if err != nil {
			return fmt.Errorf("registry: adoptPictureBuffers: %w", err)
		}
		hdr.Timestamp = -1
		op := &outputPicture{
			pictureBufferID: pb.ID,
			header:          hdr,
			ready: PictureReadyRecord{
				PictureBufferID:   pb.ID,
				BitstreamBufferID: -1,
				TraceID:           uuid.New().String(),
			},
		}
		hdr.AppPrivate = op
		r.pictures[pb.ID] = op
		r.pictureIDs = append(r.pictureIDs, pb.ID)
	}
	slog.Info("vda: picture buffers adopted", "count", len(buffers))
	return nil
}

// takeFreeInput pops a free input header, or reports none available.
// Invariant 1 (§3): the buffer now counts as at-engine.
func (r *registry) takeFreeInput() (*engine.BufferHeader, bool) {
	front := r.freeInput.Front()
	if front == nil {
		return nil, false
	}
	r.freeInput.Remove(front)
	r.inputAtEngine++
	return front.Value.(*engine.BufferHeader), true
}

// returnInput pops the binding for hdr (if any) out of the registry and
// returns hdr to the free list (§4.2 ReturnInput). The caller owns the
// returned binding and is responsible for closing its shm handle before
// it goes out of scope.
func (r *registry) returnInput(hdr *engine.BufferHeader) *inputBinding {
	id := int32(hdr.Timestamp)
	binding := r.bindings[id]
	delete(r.bindings, id)
	hdr.AppPrivate = nil
	r.inputAtEngine--
	r.freeInput.PushBack(hdr)
	return binding
}

// freeAll drains both buffer populations, tolerating per-buffer failure
// so one stuck buffer does not leak the rest (§4.2 FreeAll, §7). Returns
// the first error seen, after attempting every buffer.
func (r *registry) freeAll(eng engine.Bindings, client Client) error {
	var firstErr error
	note := func(err error) {
		if err != nil {
			slog.Error("vda: buffer free failed", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	for e := r.freeInput.Front(); e != nil; e = e.Next() {
		note(eng.FreeBuffer(e.Value.(*engine.BufferHeader)))
	}
	r.freeInput.Init()
	r.inputAtEngine = 0

	for _, id := range r.pictureIDs {
		op, ok := r.pictures[id]
		if !ok {
			continue
		}
		note(eng.FreeBuffer(op.header))
		if client != nil {
			client.DismissPictureBuffer(id)
		}
	}
	r.pictures = make(map[int32]*outputPicture)
	r.pictureIDs = nil

	for hdr := range r.fakeOutputs {
		note(eng.FreeBuffer(hdr))
	}
	r.fakeOutputs = make(map[*engine.BufferHeader]struct{})

	if client != nil {
		for e := r.queuedPictures.Front(); e != nil; e = e.Next() {
			client.DismissPictureBuffer(e.Value.(int32))
		}
	}
	r.queuedPictures.Init()
	r.queuedBitstream.Init()
	r.bindings = make(map[int32]*inputBinding)
	r.outputAtEngine = 0

	if firstErr != nil {
		return newError(ErrorPlatformFailure, fmt.Sprintf("FreeAll: %v", firstErr))
	}
	return nil
}

// markOutputAtEngine and markOutputReturned track output_at_engine. They
// are pure bookkeeping: no code path reads the counter, and the output
// flush-done step of a reset does not check it.
func (r *registry) markOutputAtEngine() {
	r.outputAtEngine++
}

func (r *registry) markOutputReturned() {
	r.outputAtEngine--
}

func (r *registry) isFake(hdr *engine.BufferHeader) bool {
	_, ok := r.fakeOutputs[hdr]
	return ok
}

func (r *registry) dropFake(hdr *engine.BufferHeader) {
	delete(r.fakeOutputs, hdr)
}

func (r *registry) pictureByHeader(hdr *engine.BufferHeader) *outputPicture {
	if op, ok := hdr.AppPrivate.(*outputPicture); ok {
		return op
	}
	return nil
}

func (r *registry) pictureByID(id int32) (*outputPicture, bool) {
	op, ok := r.pictures[id]
	return op, ok
}

// allPictureIDs returns picture ids in registration order.
func (r *registry) allPictureIDs() []int32 {
	out := make([]int32, len(r.pictureIDs))
	copy(out, r.pictureIDs)
	return out
}
