package vda

import (
	"log/slog"

	"github.com/igel-oss/chromium-renesas-vda/internal/engine"
)

// OperationState is the adapter's own view of what the client most
// recently asked for (§3, §4.4). Exactly one is active at a time.
type OperationState int

const (
	OpNone OperationState = iota
	OpInitializing
	OpFlushing
	OpResetting
	OpDestroying
	OpErroring
)

func (s OperationState) String() string {
	switch s {
	case OpNone:
		return "none"
	case OpInitializing:
		return "initializing"
	case OpFlushing:
		return "flushing"
	case OpResetting:
		return "resetting"
	case OpDestroying:
		return "destroying"
	case OpErroring:
		return "erroring"
	default:
		return "unknown"
	}
}

// EngineState mirrors the backend engine's last-acknowledged lifecycle
// state (§3). Only the event router may write it.
type EngineState int

const (
	EngineUnknown EngineState = iota
	EngineLoaded
	EngineIdle
	EngineExecuting
	EnginePaused
	EngineInvalid
	EngineFinal
)

func (s EngineState) String() string {
	switch s {
	case EngineLoaded:
		return "loaded"
	case EngineIdle:
		return "idle"
	case EngineExecuting:
		return "executing"
	case EnginePaused:
		return "paused"
	case EngineInvalid:
		return "invalid"
	case EngineFinal:
		return "final"
	default:
		return "unknown"
	}
}

func engineStateFromBindings(s engine.State) EngineState {
	switch s {
	case engine.StateLoaded:
		return EngineLoaded
	case engine.StateIdle:
		return EngineIdle
	case engine.StateExecuting:
		return EngineExecuting
	case engine.StatePaused:
		return EnginePaused
	case engine.StateInvalid:
		return EngineInvalid
	case engine.StateFinal:
		return EngineFinal
	default:
		return EngineUnknown
	}
}

func (s EngineState) toBindings() engine.State {
	switch s {
	case EngineLoaded:
		return engine.StateLoaded
	case EngineIdle:
		return engine.StateIdle
	case EngineExecuting:
		return engine.StateExecuting
	case EnginePaused:
		return engine.StatePaused
	case EngineInvalid:
		return engine.StateInvalid
	case EngineFinal:
		return engine.StateFinal
	default:
		return engine.StateUnknown
	}
}

// canFillBuffer reports whether a picture may currently be handed back to
// the engine (§4.4-E).
func (d *Decoder) canFillBuffer() bool {
	switch d.opState {
	case OpDestroying, OpErroring, OpResetting:
		return false
	}
	switch d.engineState {
	case EngineIdle, EngineExecuting, EnginePaused:
		return true
	default:
		return false
	}
}

// requestState issues a STATE_SET command. The target is not recorded; the
// event router dispatches the acknowledgement by (opState, reached state).
func (d *Decoder) requestState(target EngineState) {
	if err := d.eng.SendCommand(engine.CommandStateSet, int(target.toBindings())); err != nil {
		d.stopOnError(ErrorPlatformFailure, "SendCommand(StateSet): "+err.Error())
	}
}

// ---- A. Initialization ----------------------------------------------

func (d *Decoder) beginInitialize() {
	d.opState = OpInitializing
	if err := d.eng.Init(d.role, d.engineCallbacks()); err != nil {
		d.stopOnError(ErrorPlatformFailure, "Init: "+err.Error())
		return
	}
	d.engineState = EngineLoaded
	d.requestState(EngineIdle)
}

// onInitializingIdleReached implements §4.4-A step "on reached IDLE".
func (d *Decoder) onInitializingIdleReached() {
	def, err := d.eng.GetPortDefinition(engine.PortInput)
	if err != nil {
		d.stopOnError(ErrorPlatformFailure, "GetPortDefinition: "+err.Error())
		return
	}
	count := def.BufferCount
	if count <= 0 {
		count = numPictureBuffers
	}
	if err := d.reg.allocateInputs(d.eng, count); err != nil {
		d.stopOnError(ErrorPlatformFailure, err.Error())
		return
	}
	if err := d.reg.allocateFakeOutputs(d.eng, numPictureBuffers, d.fakeOutputSize()); err != nil {
		d.stopOnError(ErrorPlatformFailure, err.Error())
		return
	}
	d.requestState(EngineExecuting)
}

// fakeOutputSize is conservatively sized to the max negotiated frame
// resolution, large enough that no real decoded frame overflows it.
func (d *Decoder) fakeOutputSize() int {
	const bytesPerPixel = 2 // NV12 4:2:0 ~ 1.5, rounded up for headroom
	return 1920 * 1080 * bytesPerPixel
}

// onInitializingExecutingReached implements §4.4-A step "on reached
// EXECUTING": fill-this-buffer all fake outputs, then announce init done.
func (d *Decoder) onInitializingExecutingReached() {
	for hdr := range d.reg.fakeOutputs {
		if err := d.eng.FillThisBuffer(hdr); err != nil {
			d.stopOnError(ErrorPlatformFailure, "FillThisBuffer(fake): "+err.Error())
			return
		}
		d.reg.markOutputAtEngine()
	}
	d.opState = OpNone
	slog.Info("vda: initialization complete")
	d.notifyInitComplete(true)
}

// ---- B/C. Decode & input return ---------------------------------------

func (d *Decoder) decode(b BitstreamBuffer) error {
	if d.opState == OpResetting || d.opState == OpInitializing ||
		d.reg.queuedBitstream.Len() > 0 || d.reg.freeInput.Len() == 0 {
		d.reg.queuedBitstream.PushBack(b)
		return nil
	}
	if !(d.opState == OpNone || d.opState == OpFlushing) ||
		!(d.engineState == EngineIdle || d.engineState == EngineExecuting) {
		err := newError(ErrorIllegalState, "Decode called outside a valid state")
		d.stopOnError(err.Kind, err.Msg)
		return err
	}
	return d.issueDecode(b)
}

// issueDecode actually hands a bitstream buffer to a free input header,
// bypassing the queueing checks (used both by decode and by queue
// drains, which only run while the operation state is NONE or FLUSHING).
func (d *Decoder) issueDecode(b BitstreamBuffer) error {
	hdr, ok := d.reg.takeFreeInput()
	if !ok {
		d.reg.queuedBitstream.PushBack(b)
		return nil
	}

	if b.isEOSSentinel() {
		hdr.Flags |= engine.FlagEOS
		hdr.Timestamp = -2
		hdr.FilledLen = 0
		hdr.Data = nil
		if err := d.eng.EmptyThisBuffer(hdr); err != nil {
			d.stopOnError(ErrorPlatformFailure, "EmptyThisBuffer(EOS): "+err.Error())
			return err
		}
		return nil
	}

	data, err := b.Handle.Map(b.Size)
	if err != nil {
		d.reg.inputAtEngine--
		d.reg.freeInput.PushBack(hdr)
		kindErr := newError(ErrorUnreadableInput, "failed to map bitstream shm: "+err.Error())
		d.stopOnError(kindErr.Kind, kindErr.Msg)
		return kindErr
	}

	d.reg.bindings[b.ID] = &inputBinding{shm: b.Handle, id: b.ID}
	hdr.Flags &^= engine.FlagEOS
	hdr.Data = data
	hdr.FilledLen = len(data)
	hdr.Timestamp = int64(b.ID)
	hdr.AppPrivate = b.ID

	if err := d.eng.EmptyThisBuffer(hdr); err != nil {
		delete(d.reg.bindings, b.ID)
		d.reg.inputAtEngine--
		d.reg.freeInput.PushBack(hdr)
		d.stopOnError(ErrorPlatformFailure, "EmptyThisBuffer: "+err.Error())
		return err
	}
	return nil
}

// onInputReturned implements §4.2/§4.4-C: the registry reclaims the
// header, the client is told the bitstream id completed (unless this was
// the EOS sentinel), and the queued-decode FIFO drains while free inputs
// remain.
func (d *Decoder) onInputReturned(hdr *engine.BufferHeader) {
	wasEOS := hdr.Flags&engine.FlagEOS != 0
	id, hadBinding := hdr.AppPrivate.(int32)

	binding := d.reg.returnInput(hdr)

	if !wasEOS && hadBinding {
		if binding != nil && binding.shm != nil {
			binding.shm.Close()
		}
		d.notifyEndOfBitstreamBuffer(id)
	}

	d.drainQueuedBitstream()
}

func (d *Decoder) drainQueuedBitstream() {
	if d.opState != OpNone && d.opState != OpFlushing {
		return
	}
	for d.reg.queuedBitstream.Len() > 0 {
		if d.reg.freeInput.Len() == 0 {
			return
		}
		front := d.reg.queuedBitstream.Remove(d.reg.queuedBitstream.Front())
		if err := d.issueDecode(front.(BitstreamBuffer)); err != nil {
			return
		}
	}
}

// ---- D. First port settings change / dimension discovery ---------------

func (d *Decoder) onPortSettingsChanged(port engine.Port) {
	if port != engine.PortOutput {
		return
	}
	d.requestPortDisable(engine.PortOutput)
}

func (d *Decoder) requestPortDisable(port engine.Port) {
	if err := d.eng.SendCommand(engine.CommandPortDisable, int(port)); err != nil {
		d.stopOnError(ErrorPlatformFailure, "SendCommand(PortDisable): "+err.Error())
	}
}

// onPortDisabled implements §4.4-D step 2.
func (d *Decoder) onPortDisabled(port engine.Port) {
	if port != engine.PortOutput {
		return
	}
	def, err := d.eng.GetPortDefinition(engine.PortOutput)
	if err != nil {
		d.stopOnError(ErrorPlatformFailure, "GetPortDefinition: "+err.Error())
		return
	}
	d.width, d.height = def.Width, def.Height
	d.awaitingAssign = true
	if !d.alive {
		return
	}
	d.client.ProvidePictureBuffers(numPictureBuffers, PixelFormatNV12, 1,
		Dimensions{Width: d.width, Height: d.height}, 0)
}

// assignPictureBuffers implements §4.4-D step 3.
func (d *Decoder) assignPictureBuffers(buffers []PictureBuffer) error {
	if !d.awaitingAssign {
		err := newError(ErrorIllegalState, "AssignPictureBuffers called unexpectedly")
		d.stopOnError(err.Kind, err.Msg)
		return err
	}
	if len(buffers) != numPictureBuffers {
		err := newError(ErrorInvalidArgument, "AssignPictureBuffers: wrong buffer count")
		d.stopOnError(err.Kind, err.Msg)
		return err
	}
	d.awaitingAssign = false

	if err := d.reg.adoptPictureBuffers(d.eng, buffers); err != nil {
		d.stopOnError(ErrorPlatformFailure, err.Error())
		return err
	}
	if err := d.eng.SetPortDefinition(engine.PortDefinition{
		Port: engine.PortOutput, Width: d.width, Height: d.height,
		BufferCount: numPictureBuffers,
	}); err != nil {
		d.stopOnError(ErrorPlatformFailure, "SetPortDefinition: "+err.Error())
		return err
	}
	if err := d.eng.SendCommand(engine.CommandPortEnable, int(engine.PortOutput)); err != nil {
		d.stopOnError(ErrorPlatformFailure, "SendCommand(PortEnable): "+err.Error())
		return err
	}
	return nil
}

// onPortEnabled implements §4.4-D step 4, with the §4.5 RESETTING
// variant: if a reset is concurrently in progress, newly (re)enabled
// pictures are stashed as queued instead of being fed to the engine.
func (d *Decoder) onPortEnabled(port engine.Port) {
	if port != engine.PortOutput {
		return
	}
	if d.opState == OpResetting {
		for _, id := range d.reg.allPictureIDs() {
			d.reg.queuedPictures.PushBack(id)
		}
		return
	}
	for _, id := range d.reg.allPictureIDs() {
		op, ok := d.reg.pictureByID(id)
		if !ok {
			continue
		}
		op.header.Flags &^= engine.FlagEOS
		if err := d.eng.FillThisBuffer(op.header); err != nil {
			d.stopOnError(ErrorPlatformFailure, "FillThisBuffer(picture): "+err.Error())
			return
		}
		d.reg.markOutputAtEngine()
	}
}

// ---- E. Picture reuse ---------------------------------------------------

// queuePicture implements §4.4-E, invoked once the sync gate reports a
// returned picture's fence as signaled.
func (d *Decoder) queuePicture(id int32) {
	if d.opState == OpResetting {
		d.reg.queuedPictures.PushBack(id)
		return
	}
	if !d.canFillBuffer() {
		return
	}
	op, ok := d.reg.pictureByID(id)
	if !ok {
		return
	}
	op.header.Flags &^= engine.FlagEOS
	if err := d.eng.FillThisBuffer(op.header); err != nil {
		d.stopOnError(ErrorPlatformFailure, "FillThisBuffer(reuse): "+err.Error())
		return
	}
	d.reg.markOutputAtEngine()
}

func (d *Decoder) drainQueuedPictures() {
	for d.reg.queuedPictures.Len() > 0 {
		front := d.reg.queuedPictures.Remove(d.reg.queuedPictures.Front())
		d.queuePicture(front.(int32))
	}
}

// ---- F. Flush ------------------------------------------------------------

func (d *Decoder) flush() error {
	if d.opState != OpNone || d.engineState != EngineExecuting {
		err := newError(ErrorIllegalState, "Flush called outside a valid state")
		d.stopOnError(err.Kind, err.Msg)
		return err
	}
	d.opState = OpFlushing
	slog.Debug("vda: flush requested")
	return d.decode(eosSentinel())
}

// onFlushEOSProduced implements §4.4-F's "on OutputProduced with EOS".
func (d *Decoder) onFlushEOSProduced(hdr *engine.BufferHeader) {
	d.opState = OpNone
	d.notifyFlushDone()
	if op := d.reg.pictureByHeader(hdr); op != nil {
		d.reusePictureBuffer(op.pictureBufferID)
	}
}

// ---- G. Reset -------------------------------------------------------------

func (d *Decoder) reset() error {
	if d.opState != OpNone || d.engineState != EngineExecuting {
		err := newError(ErrorIllegalState, "Reset called outside a valid state")
		d.stopOnError(err.Kind, err.Msg)
		return err
	}
	d.opState = OpResetting
	slog.Debug("vda: reset requested")
	d.requestState(EnginePaused)
	return nil
}

// onResettingPausedReached implements §4.4-G "on reached PAUSED".
func (d *Decoder) onResettingPausedReached() {
	if err := d.eng.SendCommand(engine.CommandFlush, int(engine.PortInput)); err != nil {
		d.stopOnError(ErrorPlatformFailure, "SendCommand(Flush input): "+err.Error())
	}
}

// onFlushDone implements the two §4.4-G flush-done steps and the §4.4-F
// flush-done-is-ignored-elsewhere rule (via the caller's opState check).
func (d *Decoder) onFlushDone(port engine.Port) {
	if d.opState != OpResetting {
		return
	}
	switch port {
	case engine.PortInput:
		if d.reg.inputAtEngine != 0 {
			d.stopOnError(ErrorPlatformFailure, "input flush-done with buffers still at-engine")
			return
		}
		if err := d.eng.SendCommand(engine.CommandFlush, int(engine.PortOutput)); err != nil {
			d.stopOnError(ErrorPlatformFailure, "SendCommand(Flush output): "+err.Error())
		}
	case engine.PortOutput:
		d.requestState(EngineExecuting)
	}
}

// onResettingExecutingReached implements §4.4-G "on reached EXECUTING".
func (d *Decoder) onResettingExecutingReached() {
	d.opState = OpNone
	slog.Info("vda: reset complete")
	d.drainQueuedBitstream()
	d.drainQueuedPictures()
	d.notifyResetDone()
}

// ---- H. Destroy ------------------------------------------------------------

func (d *Decoder) destroy() {
	if d.opState == OpErroring || d.opState == OpDestroying {
		return
	}
	slog.Info("vda: destroy requested", "operation", d.opState.String(), "engine_state", d.engineState.String())
	d.alive = false

	if d.engineState == EngineUnknown {
		d.finalizeDestroy()
		return
	}
	if d.engineState == EngineInvalid || d.engineState == EngineLoaded {
		d.eng.Shutdown()
		d.finalizeDestroy()
		return
	}

	d.opState = OpDestroying
	d.requestState(EngineIdle)
	d.startDestroyKeepAlive()
}

// onDestroyingIdleReached implements §4.4-H "on reached IDLE".
func (d *Decoder) onDestroyingIdleReached() {
	d.reg.freeAll(d.eng, d.client)
	d.requestState(EngineLoaded)
}

// onDestroyingLoadedReached implements §4.4-H "on reached LOADED".
func (d *Decoder) onDestroyingLoadedReached() {
	d.eng.Shutdown()
	d.engineState = EngineFinal
	d.finalizeDestroy()
}

// ---- I. Error -------------------------------------------------------------

func (d *Decoder) stopOnError(kind ErrorKind, msg string) {
	if d.opState == OpErroring {
		return
	}
	slog.Error("vda: stopping on error", "kind", kind.String(), "error", msg)
	if d.initStarted {
		d.notifyError(kind, msg)
	}
	d.alive = false

	if d.engineState == EngineInvalid || d.engineState == EngineFinal {
		return
	}
	d.requestState(EngineInvalid)
	d.opState = OpErroring
}

// onErroringInvalidReached implements §4.4-I "on reached INVALID".
func (d *Decoder) onErroringInvalidReached() {
	d.reg.freeAll(d.eng, d.client)
	d.eng.Shutdown()
}
