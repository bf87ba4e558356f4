package vda

import (
	"log/slog"
	"time"

	"github.com/igel-oss/chromium-renesas-vda/internal/engine"
	"github.com/igel-oss/chromium-renesas-vda/internal/engine/gst"
)

// Decoder is the client-facing video decode adapter (C6). Every method is
// safe to call from any goroutine: calls are marshaled onto a single
// internal event-loop goroutine that owns all adapter state, the same way
// the source adapter confines itself to one client thread (§5). No method
// blocks on an engine acknowledgement — it either acts immediately or
// queues the request and returns.
type Decoder struct {
	cfg    Config
	client Client
	role   engine.Role
	eng    engine.Bindings

	reg  *registry
	gate *syncGate
	fenceFactory func(pictureBufferID int32) Fence

	opState     OperationState
	engineState EngineState

	width, height  int
	awaitingAssign bool

	alive       bool // weak client-notification route (§9); false once torn down
	initStarted bool
	errNotified bool

	destroyStop chan struct{}

	tasks chan task
	quit  chan struct{}
	done  chan struct{}
}

type task struct {
	fn   func()
	done chan struct{}
}

// Option configures optional Decoder behavior at construction time.
type Option func(*Decoder)

// WithFenceFactory supplies the graphics-interop fence constructor used by
// ReusePictureBuffer (§4.3). Without one, reused pictures are treated as
// immediately safe to reuse — appropriate for engines/tests that don't
// model GPU-side consumption latency.
func WithFenceFactory(f func(pictureBufferID int32) Fence) Option {
	return func(d *Decoder) { d.fenceFactory = f }
}

// WithEngineBindings overrides the default GStreamer-backed engine
// binding, primarily for tests.
func WithEngineBindings(b engine.Bindings) Option {
	return func(d *Decoder) { d.eng = b }
}

// NewDecoder validates cfg and constructs a Decoder. The engine component
// is not opened until Initialize is called.
func NewDecoder(cfg Config, opts ...Option) (*Decoder, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	role := engine.RoleVP8
	if cfg.Profile.isH264() {
		role = engine.RoleH264
	}

	d := &Decoder{
		cfg:    cfg,
		client: cfg.Client,
		role:   role,
		reg:    newRegistry(),
		alive:  true,
		tasks:  make(chan task, 64),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.eng == nil {
		d.eng = gst.New(gst.Config{Role: role})
	}
	d.gate = newSyncGate(func(id int32) { d.postAsync(func() { d.queuePicture(id) }) })
	d.gate.start()

	go d.loop()
	slog.Info("vda: decoder created", "profile", cfg.Profile.String())
	return d, nil
}

// loop is the event-loop goroutine: the adapter's single "client thread".
func (d *Decoder) loop() {
	defer close(d.done)
	for {
		select {
		case t := <-d.tasks:
			t.fn()
			if t.done != nil {
				close(t.done)
			}
		case <-d.quit:
			d.drainRemaining()
			return
		}
	}
}

// drainRemaining runs any tasks already queued before quit was observed,
// so in-flight Destroy-path callbacks still land somewhere sane.
func (d *Decoder) drainRemaining() {
	for {
		select {
		case t := <-d.tasks:
			t.fn()
			if t.done != nil {
				close(t.done)
			}
		default:
			return
		}
	}
}

// post runs fn on the event loop and blocks until it completes — this is
// what gives the public API its synchronous feel (§1) while keeping all
// state access confined to one goroutine.
func (d *Decoder) post(fn func()) {
	done := make(chan struct{})
	select {
	case d.tasks <- task{fn: fn, done: done}:
		<-done
	case <-d.done:
	}
}

// postAsync enqueues fn without waiting. Used by engine callbacks arriving
// on a foreign thread (§4.1, §9): if the loop has already exited, this is
// a silent no-op, matching the "weak self reference" behavior required of
// the foreign thread.
func (d *Decoder) postAsync(fn func()) {
	select {
	case d.tasks <- task{fn: fn}:
	case <-d.done:
	}
}

// Initialize opens the engine component and begins the LOADED→IDLE→
// EXECUTING handshake (§4.4-A). Completion is reported asynchronously via
// Client.NotifyInitializationComplete.
func (d *Decoder) Initialize() {
	d.post(func() {
		d.initStarted = true
		d.beginInitialize()
	})
}

// Decode submits a compressed input buffer, or enqueues it if the adapter
// cannot accept it yet (§4.4-B).
func (d *Decoder) Decode(b BitstreamBuffer) error {
	var err error
	d.post(func() { err = d.decode(b) })
	return err
}

// AssignPictureBuffers supplies the client-owned output buffers requested
// via Client.ProvidePictureBuffers (§4.4-D step 3).
func (d *Decoder) AssignPictureBuffers(buffers []PictureBuffer) error {
	var err error
	d.post(func() { err = d.assignPictureBuffers(buffers) })
	return err
}

// ReusePictureBuffer returns a previously delivered picture for reuse. The
// picture is not handed back to the engine until its graphics fence
// signals (§4.3).
func (d *Decoder) ReusePictureBuffer(id int32) {
	d.post(func() { d.reusePictureBuffer(id) })
}

func (d *Decoder) reusePictureBuffer(id int32) {
	if _, ok := d.reg.pictureByID(id); !ok {
		return
	}
	var fence Fence
	if d.fenceFactory != nil {
		fence = d.fenceFactory(id)
	}
	d.gate.add(id, fence)
}

// Flush drains in-flight work and reports completion via
// Client.NotifyFlushDone (§4.4-F).
func (d *Decoder) Flush() error {
	var err error
	d.post(func() { err = d.flush() })
	return err
}

// Reset returns the engine to EXECUTING with both ports drained, reporting
// completion via Client.NotifyResetDone (§4.4-G).
func (d *Decoder) Reset() error {
	var err error
	d.post(func() { err = d.reset() })
	return err
}

// Destroy returns as soon as the client-notification route is invalidated
// (§5 "Destroy fires no client callback after it returns to the caller").
// The underlying engine teardown it triggers is self-owned and completes
// asynchronously on the event loop; the caller does not wait for it.
func (d *Decoder) Destroy() {
	d.post(func() { d.destroy() })
}

// startDestroyKeepAlive begins the periodic self-repost that keeps the
// event loop alive while the engine's asynchronous Destroy
// acknowledgements land (§4.4-H, §9 "Asynchronous Destroy keep-alive").
func (d *Decoder) startDestroyKeepAlive() {
	d.destroyStop = make(chan struct{})
	go func() {
		ticker := time.NewTicker(destroyKeepAliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-d.destroyStop:
				return
			case <-ticker.C:
				d.postAsync(func() {})
			}
		}
	}()
}

// finalizeDestroy is the terminal step of §4.4-H: stop the keep-alive
// task, cancel the sync gate, and let the loop goroutine exit. Safe to
// call from within the loop itself.
func (d *Decoder) finalizeDestroy() {
	if d.destroyStop != nil {
		close(d.destroyStop)
		d.destroyStop = nil
	}
	d.gate.cancel()
	close(d.quit)
}

// ---- client notification wrappers ----------------------------------
//
// Every outgoing call checks d.alive first (§9 "weak client reference");
// once Destroy or StopOnError has fired, these become no-ops even if a
// late callback still reaches them.

func (d *Decoder) notifyInitComplete(ok bool) {
	if !d.alive {
		return
	}
	d.client.NotifyInitializationComplete(ok)
}

func (d *Decoder) notifyEndOfBitstreamBuffer(id int32) {
	if !d.alive {
		return
	}
	d.client.NotifyEndOfBitstreamBuffer(id)
}

func (d *Decoder) notifyFlushDone() {
	if !d.alive {
		return
	}
	d.client.NotifyFlushDone()
}

func (d *Decoder) notifyResetDone() {
	if !d.alive {
		return
	}
	d.client.NotifyResetDone()
}

func (d *Decoder) pictureReady(rec PictureReadyRecord) {
	if !d.alive {
		return
	}
	d.client.PictureReady(rec)
}

func (d *Decoder) notifyError(kind ErrorKind, msg string) {
	if d.errNotified {
		return
	}
	d.errNotified = true
	if !d.alive {
		return
	}
	d.client.NotifyError(newError(kind, msg))
}
