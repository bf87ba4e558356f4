package engine

import "strings"

// FailureCategory classifies an engine failure for telemetry, bucketing
// GStreamer GErrors by keyword before they're logged.
type FailureCategory int

const (
	FailureUnknown FailureCategory = iota
	FailureNetwork
	FailureCodec
	FailureAuth
	FailureResource
)

func (c FailureCategory) String() string {
	switch c {
	case FailureNetwork:
		return "network"
	case FailureCodec:
		return "codec"
	case FailureAuth:
		return "auth"
	case FailureResource:
		return "resource"
	default:
		return "unknown"
	}
}

// ClassifyFailure buckets an engine error message for telemetry. It never
// changes what StopOnError does (every engine failure still surfaces to
// the client as PLATFORM_FAILURE, §7) — it only improves the log line's
// diagnostic value.
func ClassifyFailure(err error) FailureCategory {
	if err == nil {
		return FailureUnknown
	}
	msg := strings.ToLower(err.Error())

	if containsAny(msg, "unauthorized", "forbidden", "permission", "credential") {
		return FailureAuth
	}
	if containsAny(msg, "codec", "decode", "format", "negotiat", "caps", "profile", "unsupported") {
		return FailureCodec
	}
	if containsAny(msg, "buffer", "allocat", "resource", "out of memory", "oom") {
		return FailureResource
	}
	if containsAny(msg, "timeout", "connection", "pipe", "closed", "unreachable") {
		return FailureNetwork
	}
	return FailureUnknown
}

func containsAny(haystack string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}
