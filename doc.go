// Package vda implements the client-facing half of a hardware-accelerated
// video decode adapter: a synchronous-feeling, single-threaded API over an
// asynchronous, callback-driven codec engine.
//
// This module is the core state machine and buffer-ownership engine that
// sits between a client (which wants decoded pictures) and the engine
// binding in internal/engine (which talks to whatever hardware/library
// actually decodes bitstreams). It does not decode anything itself; it
// enforces ordering of lifecycle transitions, owns input/output buffer
// headers, coalesces concurrent high-level operations (flush during reset,
// destroy during flush, ...), and guarantees no engine callback reaches the
// client after Destroy returns, apart from the DismissPictureBuffer calls
// made while teardown frees the picture buffers.
//
// # Quick Start
//
//	dec, err := vda.NewDecoder(vda.Config{
//	    Profile: vda.ProfileH264Main,
//	    Client:  myClient,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	dec.Initialize()
//	// myClient.NotifyInitializationComplete arrives asynchronously.
//
//	dec.Decode(vda.BitstreamBuffer{ID: 0, Handle: shm, Size: n})
//	// ... myClient.ProvidePictureBuffers / AssignPictureBuffers dance ...
//	dec.Flush()
//	dec.Destroy()
//
// # Threading model
//
// Every exported method on Decoder may be called from any goroutine; each
// call is marshaled onto a single internal event-loop goroutine (the
// "client thread" of the design), which is the only goroutine that ever
// touches OperationState, EngineState, the buffer registry, or the work
// queues. Engine callbacks arrive on whatever goroutine the engine binding
// uses internally (GStreamer's own streaming/bus threads, in the default
// binding) and are marshaled onto the same event loop before anything is
// touched. No lock is needed inside the core for that reason.
//
// # Supported profiles
//
// Reported statically: H264 Baseline/Main/High and VP8 (any), minimum
// resolution 16x16, maximum 1920x1080, unencrypted only. Mid-stream
// resolution re-negotiation beyond the initial dimension discovery,
// encrypted content, and multi-stream sharing of one Decoder are all
// explicitly out of scope.
package vda
