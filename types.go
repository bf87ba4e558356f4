package vda

import "time"

// Profile identifies a codec profile the adapter reports support for.
type Profile int

const (
	ProfileH264Baseline Profile = iota
	ProfileH264Main
	ProfileH264Extended
	ProfileH264High
	ProfileVP8Any
)

// String returns a human-readable profile name.
func (p Profile) String() string {
	switch p {
	case ProfileH264Baseline:
		return "h264-baseline"
	case ProfileH264Main:
		return "h264-main"
	case ProfileH264Extended:
		return "h264-extended"
	case ProfileH264High:
		return "h264-high"
	case ProfileVP8Any:
		return "vp8-any"
	default:
		return "unknown"
	}
}

// isH264 reports whether p belongs to the H264 family.
func (p Profile) isH264() bool {
	switch p {
	case ProfileH264Baseline, ProfileH264Main, ProfileH264Extended, ProfileH264High:
		return true
	default:
		return false
	}
}

// Dimensions describes a width x height pair.
type Dimensions struct {
	Width  int
	Height int
}

// SupportedProfile describes one statically-reported decode capability.
type SupportedProfile struct {
	Profile       Profile
	MinResolution Dimensions
	MaxResolution Dimensions
	EncryptedOnly bool
}

// SupportedProfiles returns the fixed, statically-reported list of
// supported profiles (§6). All H264 profiles above Main are conservatively
// costed as if they required High-profile resources, since whether a
// lighter allocation would suffice depends on hardware this adapter
// cannot query ahead of time.
func SupportedProfiles() []SupportedProfile {
	minRes := Dimensions{Width: 16, Height: 16}
	maxRes := Dimensions{Width: 1920, Height: 1080}
	profiles := []Profile{ProfileH264Baseline, ProfileH264Main, ProfileH264High, ProfileVP8Any}
	out := make([]SupportedProfile, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, SupportedProfile{
			Profile:       p,
			MinResolution: minRes,
			MaxResolution: maxRes,
			EncryptedOnly: false,
		})
	}
	return out
}

// numPictureBuffers is the fixed number of output picture buffers the
// adapter negotiates with the client (K in §4.4-D).
const numPictureBuffers = 8

// syncPollInterval is the cadence at which the picture sync gate polls a
// fence for completion (§4.3). 5ms allows roughly 3 frames of pipeline
// depth ahead of the GPU consumer without adding excessive latency.
const syncPollInterval = 5 * time.Millisecond

// destroyKeepAliveInterval is the cadence of the self-reposting task that
// keeps the event loop alive during teardown (§4.4-H, design note).
const destroyKeepAliveInterval = 5 * time.Millisecond

// ShmHandle is an opaque handle to client-owned shared memory backing a
// compressed bitstream buffer. The adapter maps it read-only and never
// writes through it.
type ShmHandle interface {
	// Map returns a read-only view of the first size bytes of the region.
	Map(size int) ([]byte, error)
	// Close releases any adapter-side mapping. Safe to call more than once.
	Close() error
}

// BitstreamBuffer is a client-supplied compressed input buffer.
//
// ID == -1 && Size == 0 is the reserved end-of-stream sentinel (§4.4-B);
// callers never need to construct it directly, Flush does so internally.
type BitstreamBuffer struct {
	ID     int32
	Handle ShmHandle
	Size   int
}

// isEOSSentinel reports whether b is the reserved end-of-stream marker.
func (b BitstreamBuffer) isEOSSentinel() bool {
	return b.ID == -1 && b.Size == 0
}

// eosSentinel constructs the reserved end-of-stream BitstreamBuffer used
// internally by Flush (§4.4-F).
func eosSentinel() BitstreamBuffer {
	return BitstreamBuffer{ID: -1, Handle: nil, Size: 0}
}

// PictureBuffer is a client-owned output buffer, supplied in response to
// ProvidePictureBuffers and handed back via AssignPictureBuffers.
type PictureBuffer struct {
	ID            int32
	TextureTarget uint32
}

// PictureReadyRecord carries everything needed to notify the client that a
// decoded frame is ready. BitstreamBufferID is overwritten on every
// delivery with the id most recently stamped by Decode on the producing
// input buffer (§4.2, §8 property 7).
type PictureReadyRecord struct {
	PictureBufferID   int32
	BitstreamBufferID int32
	VisibleRect       Dimensions
	TraceID           string
}

// ErrorKind classifies an error surfaced to the client (§7).
type ErrorKind int

const (
	ErrorIllegalState ErrorKind = iota
	ErrorInvalidArgument
	ErrorUnreadableInput
	ErrorPlatformFailure
)

// String returns a human-readable error kind name.
func (e ErrorKind) String() string {
	switch e {
	case ErrorIllegalState:
		return "illegal-state"
	case ErrorInvalidArgument:
		return "invalid-argument"
	case ErrorUnreadableInput:
		return "unreadable-input"
	case ErrorPlatformFailure:
		return "platform-failure"
	default:
		return "unknown"
	}
}

// Error is the error type passed to Client.NotifyError.
type Error struct {
	Kind ErrorKind
	Msg  string
}

func (e *Error) Error() string {
	return "vda: " + e.Kind.String() + ": " + e.Msg
}

func newError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// PixelFormat is reported to the client in ProvidePictureBuffers.
type PixelFormat int

const (
	PixelFormatUnknown PixelFormat = iota
	PixelFormatNV12
	PixelFormatRGB
)

// Client receives notifications from a Decoder. Every method is called
// only from the Decoder's internal event loop, never concurrently.
// NotifyInitializationComplete, ProvidePictureBuffers, PictureReady,
// NotifyEndOfBitstreamBuffer, NotifyFlushDone, and NotifyResetDone never
// fire after Destroy returns to the caller (§8 property 5); NotifyError
// fires at most once and may still be in flight when Destroy is called.
// DismissPictureBuffer is the one exception: teardown frees picture
// buffers on its own schedule, so it can fire after Destroy has already
// returned.
type Client interface {
	NotifyInitializationComplete(ok bool)
	ProvidePictureBuffers(count int, format PixelFormat, planes int, dims Dimensions, textureTarget uint32)
	DismissPictureBuffer(id int32)
	PictureReady(rec PictureReadyRecord)
	NotifyEndOfBitstreamBuffer(id int32)
	NotifyFlushDone()
	NotifyResetDone()
	NotifyError(err *Error)
}

// Config configures a Decoder at construction time. Validated fail-fast
// by NewDecoder.
type Config struct {
	// Profile is the codec profile this stream was announced as.
	Profile Profile
	// Client receives lifecycle and picture notifications.
	Client Client
}

func (c Config) validate() error {
	if c.Client == nil {
		return newError(ErrorInvalidArgument, "Config.Client is required")
	}
	switch c.Profile {
	case ProfileH264Baseline, ProfileH264Main, ProfileH264Extended, ProfileH264High, ProfileVP8Any:
	default:
		return newError(ErrorInvalidArgument, "unsupported profile")
	}
	return nil
}
