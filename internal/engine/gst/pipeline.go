package gst

import (
	"fmt"
	"log/slog"

	gstreamer "github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/igel-oss/chromium-renesas-vda/internal/engine"
)

// pipelineElements holds references to the GStreamer elements needed to
// drive and tear down a decode pipeline.
type pipelineElements struct {
	pipeline   *gstreamer.Pipeline
	appSrc     *app.Source
	decoder    *gstreamer.Element
	appSink    *app.Sink
}

// buildPipeline creates an unstarted GStreamer pipeline for the given
// role. Structure:
//
//	appsrc ! h264parse ! avdec_h264 ! videoconvert ! appsink   (RoleH264)
//	appsrc ! vp8dec ! videoconvert ! appsink                   (RoleVP8)
//
// The pipeline is left in the NULL state; callers drive it to PLAYING via
// SendCommand(CommandStateSet, ...) the same way the core drives the
// adapter's engine state (§4.4-A).
func buildPipeline(role engine.Role) (*pipelineElements, error) {
	gstreamer.Init(nil)

	pipeline, err := gstreamer.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("gst: failed to create pipeline: %w", err)
	}

	appSrc, err := app.NewAppSrc()
	if err != nil {
		return nil, fmt.Errorf("gst: failed to create appsrc: %w", err)
	}
	appSrc.SetProperty("is-live", true)
	appSrc.SetProperty("format", gstreamer.FormatTime)
	appSrc.SetProperty("block", false)

	var decodeElements []*gstreamer.Element
	var parser, decoder *gstreamer.Element

	switch role {
	case engine.RoleH264:
		parser, err = gstreamer.NewElement("h264parse")
		if err != nil {
			return nil, fmt.Errorf("gst: failed to create h264parse: %w", err)
		}
		decoder, err = gstreamer.NewElement("avdec_h264")
		if err != nil {
			return nil, fmt.Errorf("gst: failed to create avdec_h264: %w", err)
		}
		decoder.SetProperty("max-threads", 0)
		decodeElements = append(decodeElements, parser, decoder)
	case engine.RoleVP8:
		decoder, err = gstreamer.NewElement("vp8dec")
		if err != nil {
			return nil, fmt.Errorf("gst: failed to create vp8dec: %w", err)
		}
		decodeElements = append(decodeElements, decoder)
	default:
		return nil, fmt.Errorf("gst: unsupported role: %v", role)
	}

	converter, err := gstreamer.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("gst: failed to create videoconvert: %w", err)
	}

	appSink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("gst: failed to create appsink: %w", err)
	}
	appSink.SetProperty("sync", false)
	appSink.SetProperty("max-buffers", 1)
	appSink.SetProperty("drop", true)

	elems := append([]*gstreamer.Element{appSrc.Element}, decodeElements...)
	elems = append(elems, converter, appSink.Element)
	if err := pipeline.AddMany(elems...); err != nil {
		return nil, fmt.Errorf("gst: failed to add elements: %w", err)
	}
	if err := gstreamer.ElementLinkMany(elems...); err != nil {
		return nil, fmt.Errorf("gst: failed to link elements: %w", err)
	}

	slog.Debug("engine/gst: pipeline built", "role", role)

	return &pipelineElements{
		pipeline: pipeline,
		appSrc:   appSrc,
		decoder:  decoder,
		appSink:  appSink,
	}, nil
}

// destroy sets the pipeline to NULL and releases its resources. Safe to
// call on an already-torn-down pipeline.
func (p *pipelineElements) destroy() error {
	if p == nil || p.pipeline == nil {
		return nil
	}
	if err := p.pipeline.SetState(gstreamer.StateNull); err != nil {
		return fmt.Errorf("gst: failed to set pipeline to NULL: %w", err)
	}
	return nil
}

// gstStateFor maps an engine lifecycle state onto the nearest GStreamer
// pipeline state. LOADED (no resources) is NULL; IDLE (resources
// allocated, not streaming) is READY; EXECUTING is PLAYING; PAUSED is
// PAUSED.
func gstStateFor(s engine.State) gstreamer.State {
	switch s {
	case engine.StateLoaded:
		return gstreamer.StateNull
	case engine.StateIdle:
		return gstreamer.StateReady
	case engine.StateExecuting:
		return gstreamer.StatePlaying
	case engine.StatePaused:
		return gstreamer.StatePaused
	default:
		return gstreamer.StateNull
	}
}

func engineStateFor(s gstreamer.State) engine.State {
	switch s {
	case gstreamer.StateNull:
		return engine.StateLoaded
	case gstreamer.StateReady:
		return engine.StateIdle
	case gstreamer.StatePlaying:
		return engine.StateExecuting
	case gstreamer.StatePaused:
		return engine.StatePaused
	default:
		return engine.StateUnknown
	}
}
