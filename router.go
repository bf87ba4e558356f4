package vda

import (
	"log/slog"

	"github.com/igel-oss/chromium-renesas-vda/internal/engine"
)

// engineCallbacks builds the engine.Callbacks the binding invokes on its
// own thread (§4.1, §4.5). Every entry point re-posts onto the event loop
// via postAsync, which is itself the weak self-reference: once the loop
// has exited, postAsync silently drops the call. Nothing below this line
// touches Decoder state directly from the calling goroutine.
func (d *Decoder) engineCallbacks() engine.Callbacks {
	return engine.Callbacks{
		EventNotify: func(kind engine.EventKind, d1, d2 uint32) {
			d.postAsync(func() { d.routeEvent(kind, d1, d2) })
		},
		InputReturned: func(hdr *engine.BufferHeader) {
			d.postAsync(func() { d.onInputReturned(hdr) })
		},
		OutputProduced: func(hdr *engine.BufferHeader) {
			d.postAsync(func() { d.routeOutputProduced(hdr) })
		},
	}
}

// routeEvent implements the §4.5 dispatch table for EventNotify. It runs
// unconditionally even after alive has gone false: alive only gates the
// client-notification wrappers (decoder.go), not the internal DESTROYING/
// ERRORING transition table, which must keep running on its own dead
// client in order to ever reach its terminal step.
func (d *Decoder) routeEvent(kind engine.EventKind, d1, d2 uint32) {
	switch kind {
	case engine.EventCmdComplete:
		d.routeCmdComplete(engine.Command(d1), d2)

	case engine.EventError:
		if d.opState == OpDestroying || d.opState == OpErroring {
			return
		}
		d.stopOnError(ErrorPlatformFailure, "engine reported an error")

	case engine.EventPortSettingsChanged:
		if engine.Port(d1) != engine.PortOutput {
			return
		}
		d.onPortSettingsChanged(engine.PortOutput)

	case engine.EventBufferFlag:
		// §4.5: relies on the later EOS-flagged OutputProduced to fire
		// flush completion; nothing to do here.
	}
}

func (d *Decoder) routeCmdComplete(cmd engine.Command, arg uint32) {
	switch cmd {
	case engine.CommandPortDisable:
		d.onPortDisabled(engine.Port(arg))

	case engine.CommandPortEnable:
		d.onPortEnabled(engine.Port(arg))

	case engine.CommandStateSet:
		reached := engineStateFromBindings(engine.State(arg))
		d.engineState = reached
		d.dispatchStateReached(reached)

	case engine.CommandFlush:
		if d.opState == OpDestroying || d.opState == OpErroring {
			return
		}
		d.onFlushDone(engine.Port(arg))
	}
}

// dispatchStateReached is the (OperationState, reached EngineState) table
// from §4.4. Combinations not listed here are simply ignored — they are
// either benign (e.g. a reset ack arriving after Destroy overwrote
// OperationState, §4.4-H) or correspond to states this adapter never
// requests together with that operation.
func (d *Decoder) dispatchStateReached(reached EngineState) {
	switch {
	case d.opState == OpInitializing && reached == EngineIdle:
		d.onInitializingIdleReached()
	case d.opState == OpInitializing && reached == EngineExecuting:
		d.onInitializingExecutingReached()

	case d.opState == OpResetting && reached == EnginePaused:
		d.onResettingPausedReached()
	case d.opState == OpResetting && reached == EngineExecuting:
		d.onResettingExecutingReached()

	case d.opState == OpDestroying && reached == EngineIdle:
		d.onDestroyingIdleReached()
	case d.opState == OpDestroying && reached == EngineLoaded:
		d.onDestroyingLoadedReached()

	case d.opState == OpErroring && reached == EngineInvalid:
		d.onErroringInvalidReached()

	default:
		slog.Debug("vda: state-reached event with no matching transition",
			"operation", d.opState.String(), "engine_state", reached.String())
	}
}

// routeOutputProduced implements the §4.2/§4.4 routing of a decoded (or
// EOS-flagged) output buffer. Like routeEvent, this runs regardless of
// alive so that a Destroy or StopOnError in progress still sees its
// buffers returned and its teardown sequence reach completion.
func (d *Decoder) routeOutputProduced(hdr *engine.BufferHeader) {
	if d.reg.isFake(hdr) {
		// Fake outputs only exist to reach the first settings-change
		// event; once it fires the pipeline stops feeding them new
		// samples, so this one is freed at the engine and dropped from
		// the registry rather than recycled back to FillThisBuffer.
		d.reg.markOutputReturned()
		d.reg.dropFake(hdr)
		if err := d.eng.FreeBuffer(hdr); err != nil {
			slog.Warn("vda: failed to free fake output buffer", "error", err)
		}
		return
	}

	eos := hdr.Flags&engine.FlagEOS != 0
	if eos && d.opState == OpFlushing {
		// A synthetic end-of-stream header (no registry identity) is
		// fine here: it never occupied a counted output-at-engine slot.
		if op := d.reg.pictureByHeader(hdr); op != nil {
			d.reg.markOutputReturned()
		}
		d.onFlushEOSProduced(hdr)
		return
	}

	op := d.reg.pictureByHeader(hdr)
	if op == nil {
		return
	}
	d.reg.markOutputReturned()
	if d.opState == OpDestroying || d.opState == OpErroring {
		return
	}

	rec := op.ready
	rec.BitstreamBufferID = int32(hdr.Timestamp)
	rec.VisibleRect = Dimensions{Width: d.width, Height: d.height}
	d.pictureReady(rec)
}
