package gst

import (
	"strconv"
	"strings"
)

// parseVideoDims extracts width/height out of a GStreamer caps string such
// as "video/x-raw, format=(string)I420, width=(int)1280, height=(int)720,
// ...". Good enough for dimension discovery (§4.4-D). When either field
// cannot be parsed it reports ok=false; onNewSample tries this only on the
// first sample and announces the settings change either way, so the
// dimensions then stay at their previous values.
func parseVideoDims(caps string) (width, height int, ok bool) {
	w, wok := extractIntField(caps, "width")
	h, hok := extractIntField(caps, "height")
	if wok && hok {
		return w, h, true
	}
	return 0, 0, false
}

func extractIntField(caps, field string) (int, bool) {
	idx := strings.Index(caps, field+"=")
	if idx < 0 {
		return 0, false
	}
	rest := caps[idx+len(field)+1:]
	if i := strings.Index(rest, ")"); i >= 0 && strings.HasPrefix(rest, "(int)") {
		rest = rest[i+1:]
	}
	rest = strings.TrimLeft(rest, "(int)")
	end := strings.IndexAny(rest, ", ")
	if end < 0 {
		end = len(rest)
	}
	v, err := strconv.Atoi(strings.TrimSpace(rest[:end]))
	if err != nil {
		return 0, false
	}
	return v, true
}
