package vda

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/igel-oss/chromium-renesas-vda/internal/engine"
)

// fakeEngine is a deterministic stand-in for internal/engine/gst.Engine,
// used to drive the core state machine without a real GStreamer pipeline.
// It acknowledges state-set and port commands immediately, each on its own
// goroutine (through the same callback plumbing a real binding would
// use); output delivery is
// left to the test, which pulls headers off filled and stamps them.
type fakeEngine struct {
	cb engine.Callbacks

	nextID uint64
	width  int
	height int

	filled    chan *engine.BufferHeader
	freed     int
	shutdowns int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{filled: make(chan *engine.BufferHeader, 64)}
}

func (f *fakeEngine) Init(role engine.Role, cb engine.Callbacks) error {
	f.cb = cb
	return nil
}
func (f *fakeEngine) Shutdown() error {
	f.shutdowns++
	return nil
}
func (f *fakeEngine) GetPorts() (engine.Port, engine.Port, error) {
	return engine.PortInput, engine.PortOutput, nil
}
func (f *fakeEngine) SetRole(engine.Role) error { return nil }
func (f *fakeEngine) GetPortDefinition(p engine.Port) (engine.PortDefinition, error) {
	def := engine.PortDefinition{Port: p, BufferCount: 4, BufferCountMin: 1}
	if p == engine.PortOutput {
		def.Width, def.Height = f.width, f.height
	}
	return def, nil
}
func (f *fakeEngine) SetPortDefinition(engine.PortDefinition) error { return nil }

func (f *fakeEngine) UseBuffer(p engine.Port, data []byte) (*engine.BufferHeader, error) {
	f.nextID++
	return &engine.BufferHeader{ID: f.nextID, Port: p, Data: data, Timestamp: -1}, nil
}

func (f *fakeEngine) AllocateBuffer(p engine.Port, size int) (*engine.BufferHeader, error) {
	f.nextID++
	return &engine.BufferHeader{ID: f.nextID, Port: p, AllocLen: size, Timestamp: -1}, nil
}

func (f *fakeEngine) FreeBuffer(*engine.BufferHeader) error {
	f.freed++
	return nil
}

func (f *fakeEngine) EmptyThisBuffer(hdr *engine.BufferHeader) error {
	go f.cb.InputReturned(hdr)
	return nil
}

func (f *fakeEngine) FillThisBuffer(hdr *engine.BufferHeader) error {
	f.filled <- hdr
	return nil
}

func (f *fakeEngine) SendCommand(cmd engine.Command, arg int) error {
	switch cmd {
	case engine.CommandStateSet:
		go f.cb.EventNotify(engine.EventCmdComplete, uint32(engine.CommandStateSet), uint32(arg))
	case engine.CommandFlush, engine.CommandPortEnable, engine.CommandPortDisable:
		go f.cb.EventNotify(engine.EventCmdComplete, uint32(cmd), uint32(arg))
	}
	return nil
}

// triggerSettingsChange simulates the engine discovering stream
// dimensions and announcing the output port settings change (§4.4-D).
func (f *fakeEngine) triggerSettingsChange(width, height int) {
	f.width, f.height = width, height
	go f.cb.EventNotify(engine.EventPortSettingsChanged, uint32(engine.PortOutput), 0)
}

// signalEOS simulates the pipeline reaching end-of-stream on the output
// side (§4.4-F), the way the gst binding's bus-EOS handler does.
func (f *fakeEngine) signalEOS() {
	go f.cb.OutputProduced(&engine.BufferHeader{Port: engine.PortOutput, Flags: engine.FlagEOS})
}

type fakeClient struct {
	initComplete chan bool
	provided     chan Dimensions
	pictureReady chan PictureReadyRecord
	eob          chan int32
	flushDone    chan struct{}
	resetDone    chan struct{}
	errs         chan *Error
	dismissed    chan int32
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		initComplete: make(chan bool, 4),
		provided:     make(chan Dimensions, 4),
		pictureReady: make(chan PictureReadyRecord, 64),
		eob:          make(chan int32, 64),
		flushDone:    make(chan struct{}, 4),
		resetDone:    make(chan struct{}, 4),
		errs:         make(chan *Error, 4),
		dismissed:    make(chan int32, 64),
	}
}

func (c *fakeClient) NotifyInitializationComplete(ok bool) { c.initComplete <- ok }
func (c *fakeClient) ProvidePictureBuffers(count int, format PixelFormat, planes int, dims Dimensions, textureTarget uint32) {
	c.provided <- dims
}
func (c *fakeClient) DismissPictureBuffer(id int32)        { c.dismissed <- id }
func (c *fakeClient) PictureReady(rec PictureReadyRecord)  { c.pictureReady <- rec }
func (c *fakeClient) NotifyEndOfBitstreamBuffer(id int32)  { c.eob <- id }
func (c *fakeClient) NotifyFlushDone()                     { c.flushDone <- struct{}{} }
func (c *fakeClient) NotifyResetDone()                     { c.resetDone <- struct{}{} }
func (c *fakeClient) NotifyError(err *Error)                { c.errs <- err }

type fakeShm struct {
	data []byte

	mapErr error
	closed bool
}

func (f *fakeShm) Map(size int) ([]byte, error) {
	if f.mapErr != nil {
		return nil, f.mapErr
	}
	return f.data[:size], nil
}
func (f *fakeShm) Close() error {
	f.closed = true
	return nil
}

// fakeFence signals true on its signalAfter'th poll, matching the way a
// real EGL/GL fence would go from unsignaled to signaled after a few
// polling ticks rather than immediately (§4.3, §8 scenario 5).
type fakeFence struct {
	mu          sync.Mutex
	signalAfter int
	polls       int
	released    bool
}

func (f *fakeFence) Poll() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	return f.polls >= f.signalAfter, nil
}

func (f *fakeFence) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = true
}

func (f *fakeFence) wasReleased() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released
}

const testTimeout = 2 * time.Second

func requireRecv[T any](t *testing.T, ch chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for %s", what)
		var zero T
		return zero
	}
}

func requireNoRecv[T any](t *testing.T, ch chan T, what string) {
	t.Helper()
	select {
	case <-ch:
		t.Fatalf("unexpected %s", what)
	case <-time.After(50 * time.Millisecond):
	}
}

// newTestDecoder wires a Decoder to a fakeEngine/fakeClient pair and
// drives it through Initialize + dimension discovery + picture buffer
// assignment, returning once the decoder is ready to Decode. The 8 real
// picture headers handed to FillThisBuffer during assignment are
// returned so tests can simulate OutputProduced on them directly.
func newTestDecoder(t *testing.T, opts ...Option) (dec *Decoder, eng *fakeEngine, client *fakeClient, pictures []*engine.BufferHeader) {
	t.Helper()
	eng = newFakeEngine()
	client = newFakeClient()
	dec, err := NewDecoder(Config{Profile: ProfileH264Main, Client: client}, append([]Option{WithEngineBindings(eng)}, opts...)...)
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}

	dec.Initialize()
	if ok := requireRecv(t, client.initComplete, "NotifyInitializationComplete"); !ok {
		t.Fatalf("initialization reported failure")
	}

	// Drain the 8 fake-output fill-this-buffer calls issued while
	// reaching EXECUTING; they carry no picture identity.
	for i := 0; i < numPictureBuffers; i++ {
		requireRecv(t, eng.filled, "FillThisBuffer(fake)")
	}

	eng.triggerSettingsChange(640, 480)
	dims := requireRecv(t, client.provided, "ProvidePictureBuffers")
	if dims.Width != 640 || dims.Height != 480 {
		t.Fatalf("ProvidePictureBuffers dims = %+v, want 640x480", dims)
	}

	buffers := make([]PictureBuffer, numPictureBuffers)
	for i := range buffers {
		buffers[i] = PictureBuffer{ID: int32(i)}
	}
	if err := dec.AssignPictureBuffers(buffers); err != nil {
		t.Fatalf("AssignPictureBuffers: %v", err)
	}

	for i := 0; i < numPictureBuffers; i++ {
		pictures = append(pictures, requireRecv(t, eng.filled, "FillThisBuffer(picture)"))
	}

	return dec, eng, client, pictures
}

func TestInitializeHappyPath(t *testing.T) {
	dec, _, _, _ := newTestDecoder(t)
	dec.Destroy()
}

// TestDestroyCompletesTeardown exercises §4.4-H end to end from a running
// EXECUTING state: Destroy must drive EXECUTING->IDLE->LOADED, free every
// buffer, shut down the engine, and let the event-loop goroutine exit
// (d.done closes) — not just return from the Destroy call itself. This is
// the regression test for routeEvent/routeOutputProduced having gated the
// whole DESTROYING transition table on the same "alive" flag Destroy
// itself flips false before that table gets a chance to run.
func TestDestroyCompletesTeardown(t *testing.T) {
	dec, eng, _, _ := newTestDecoder(t)

	dec.Destroy()

	select {
	case <-dec.done:
	case <-time.After(testTimeout):
		t.Fatalf("event loop did not exit after Destroy: teardown never completed")
	}

	if eng.shutdowns != 1 {
		t.Fatalf("eng.shutdowns = %d, want 1 (engine never shut down)", eng.shutdowns)
	}
	// 4 free inputs + 8 adopted pictures + 8 untouched fake outputs, all
	// reclaimed by registry.freeAll's pass through onDestroyingIdleReached.
	const wantFreed = 4 + numPictureBuffers + numPictureBuffers
	if eng.freed != wantFreed {
		t.Fatalf("eng.freed = %d, want %d (buffers leaked at the engine)", eng.freed, wantFreed)
	}
}

// TestStopOnErrorCompletesTeardown mirrors TestDestroyCompletesTeardown for
// the §4.4-I error path: StopOnError must drive EXECUTING->INVALID, free
// every buffer and shut down the engine, even though stopOnError also
// flips alive false before requesting that transition.
func TestStopOnErrorCompletesTeardown(t *testing.T) {
	dec, eng, client, _ := newTestDecoder(t)
	defer dec.Destroy()

	dec.post(func() { dec.stopOnError(ErrorPlatformFailure, "engine reported an error") })

	requireRecv(t, client.errs, "NotifyError")

	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		var shutdowns int
		dec.post(func() { shutdowns = eng.shutdowns })
		if shutdowns == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if eng.shutdowns != 1 {
		t.Fatalf("eng.shutdowns = %d, want 1 (onErroringInvalidReached never ran)", eng.shutdowns)
	}
}

func TestDecodeDeliversPictureAndEndOfBitstream(t *testing.T) {
	dec, eng, client, pictures := newTestDecoder(t)
	defer dec.Destroy()

	shm := &fakeShm{data: make([]byte, 4096)}
	if err := dec.Decode(BitstreamBuffer{ID: 7, Handle: shm, Size: 1024}); err != nil {
		t.Fatalf("Decode: %v", err)
	}

	id := requireRecv(t, client.eob, "NotifyEndOfBitstreamBuffer")
	if id != 7 {
		t.Fatalf("NotifyEndOfBitstreamBuffer id = %d, want 7", id)
	}

	hdr := pictures[0]
	hdr.Timestamp = 7
	hdr.FilledLen = 4096
	go eng.cb.OutputProduced(hdr)

	rec := requireRecv(t, client.pictureReady, "PictureReady")
	if rec.BitstreamBufferID != 7 {
		t.Fatalf("PictureReady.BitstreamBufferID = %d, want 7 (property 7, §8)", rec.BitstreamBufferID)
	}
}

func TestFlushDeliversExactlyOnce(t *testing.T) {
	dec, eng, client, _ := newTestDecoder(t)
	defer dec.Destroy()

	if err := dec.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	// The EOS sentinel takes a free input and is immediately returned;
	// then the pipeline reports end-of-stream on the output side.
	eng.signalEOS()

	requireRecv(t, client.flushDone, "NotifyFlushDone")
	requireNoRecv(t, client.flushDone, "second NotifyFlushDone")
}

func TestAssignPictureBuffersWrongCountErrors(t *testing.T) {
	eng := newFakeEngine()
	client := newFakeClient()
	dec, err := NewDecoder(Config{Profile: ProfileH264Main, Client: client}, WithEngineBindings(eng))
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}
	defer dec.Destroy()

	dec.Initialize()
	requireRecv(t, client.initComplete, "NotifyInitializationComplete")
	eng.triggerSettingsChange(320, 240)
	requireRecv(t, client.provided, "ProvidePictureBuffers")

	short := make([]PictureBuffer, numPictureBuffers-1)
	if err := dec.AssignPictureBuffers(short); err == nil {
		t.Fatalf("AssignPictureBuffers with wrong count: want error, got nil")
	}

	errRec := requireRecv(t, client.errs, "NotifyError")
	if errRec.Kind != ErrorInvalidArgument {
		t.Fatalf("NotifyError kind = %v, want %v", errRec.Kind, ErrorInvalidArgument)
	}
}

func TestDestroyDuringFlushSuppressesFlushDone(t *testing.T) {
	dec, _, client, _ := newTestDecoder(t)

	if err := dec.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	dec.Destroy()

	requireNoRecv(t, client.flushDone, "NotifyFlushDone after Destroy during flush")
}

func TestNewDecoderRejectsNilClient(t *testing.T) {
	if _, err := NewDecoder(Config{Profile: ProfileH264Main}); err == nil {
		t.Fatalf("NewDecoder with nil Client: want error, got nil")
	}
}

// TestResetDrainsPortsAndCompletes exercises §4.4-G end to end: PAUSED,
// both ports flushed in order, back to EXECUTING, NotifyResetDone fires
// exactly once (§8 scenario 2).
func TestResetDrainsPortsAndCompletes(t *testing.T) {
	dec, _, client, _ := newTestDecoder(t)
	defer dec.Destroy()

	if err := dec.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	requireRecv(t, client.resetDone, "NotifyResetDone")
	requireNoRecv(t, client.resetDone, "second NotifyResetDone")
}

// TestQueuePictureDeferredDuringReset exercises the §4.4-E RESETTING
// variant directly: a picture returned while a reset is in progress is
// stashed rather than handed back to the engine, and is drained once the
// reset completes.
func TestQueuePictureDeferredDuringReset(t *testing.T) {
	dec, eng, _, pictures := newTestDecoder(t)
	defer dec.Destroy()

	var queuedLen int
	dec.post(func() {
		dec.opState = OpResetting
		dec.queuePicture(0)
		queuedLen = dec.reg.queuedPictures.Len()
	})
	if queuedLen != 1 {
		t.Fatalf("queuedPictures.Len() = %d, want 1", queuedLen)
	}

	dec.post(func() {
		dec.opState = OpNone
		dec.drainQueuedPictures()
	})

	hdr := requireRecv(t, eng.filled, "FillThisBuffer(drained reuse)")
	if hdr != pictures[0] {
		t.Fatalf("drained reuse handed back the wrong header")
	}
}

// TestReusePictureBufferWaitsForFence exercises §4.3/§8 scenario 5: a
// picture is not handed back to the engine until its fence polls signaled.
func TestReusePictureBufferWaitsForFence(t *testing.T) {
	fence := &fakeFence{signalAfter: 3}
	dec, eng, _, pictures := newTestDecoder(t, WithFenceFactory(func(int32) Fence { return fence }))
	defer dec.Destroy()

	dec.ReusePictureBuffer(0)

	hdr := requireRecv(t, eng.filled, "FillThisBuffer(reuse) after fence signals")
	if hdr != pictures[0] {
		t.Fatalf("reuse handed back the wrong header")
	}
	if !fence.wasReleased() {
		t.Fatalf("fence was not released after signaling")
	}
}

// TestDecodeUnreadableShmSurfacesError exercises §7/§8 scenario 4: a
// bitstream buffer whose shm handle fails to map surfaces
// ErrorUnreadableInput without ever reaching EmptyThisBuffer, and the
// input header is returned to the free list rather than leaked at-engine.
func TestDecodeUnreadableShmSurfacesError(t *testing.T) {
	dec, _, client, _ := newTestDecoder(t)
	defer dec.Destroy()

	shm := &fakeShm{mapErr: errors.New("shm: permission denied")}
	if err := dec.Decode(BitstreamBuffer{ID: 3, Handle: shm, Size: 64}); err == nil {
		t.Fatalf("Decode with unmappable shm: want error, got nil")
	}

	errRec := requireRecv(t, client.errs, "NotifyError")
	if errRec.Kind != ErrorUnreadableInput {
		t.Fatalf("NotifyError kind = %v, want %v", errRec.Kind, ErrorUnreadableInput)
	}
}
