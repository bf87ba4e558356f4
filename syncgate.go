package vda

import (
	"sync"
	"time"
)

// Fence is a client-created synchronization primitive associated with a
// returned picture buffer (§4.3). On real display hardware this would be
// an EGL/GL fence sync object; here it is an adapter-defined interface so
// a client (or a test) can plug in whatever completion signal its
// rendering backend provides. A nil Fence is treated as already-signaled.
type Fence interface {
	// Poll reports whether the fence has signaled yet. It must not block.
	Poll() (signaled bool, err error)
	// Release frees any resources held by the fence. Safe to call more
	// than once.
	Release()
}

// pendingFence is one in-flight ReusePictureBuffer waiting on its fence.
type pendingFence struct {
	pictureBufferID int32
	fence           Fence
}

// syncGate polls outstanding picture fences on a fixed cadence and feeds
// signaled picture ids back to the owning Decoder's event loop, the way
// the original's PictureSyncObject polls an EGLSync from a repeating
// task (§4.3). It owns no Decoder state directly — on signal it only
// ever posts to onSignaled, which runs on the event loop.
type syncGate struct {
	mu         sync.Mutex
	pending    []*pendingFence
	onSignaled func(pictureBufferID int32)

	stop chan struct{}
	done chan struct{}
}

func newSyncGate(onSignaled func(int32)) *syncGate {
	return &syncGate{
		onSignaled: onSignaled,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// add registers a fence for pictureBufferID. If fence is nil the picture
// is considered already synced and is posted back immediately.
func (g *syncGate) add(pictureBufferID int32, fence Fence) {
	if fence == nil {
		g.onSignaled(pictureBufferID)
		return
	}
	g.mu.Lock()
	g.pending = append(g.pending, &pendingFence{pictureBufferID: pictureBufferID, fence: fence})
	g.mu.Unlock()
}

// start begins the polling loop. Safe to call once per syncGate.
func (g *syncGate) start() {
	go g.run()
}

// cancel stops the polling loop and releases every outstanding fence
// without posting a signal, used during Destroy teardown (§4.4-H) where
// nothing is left to receive the callback.
func (g *syncGate) cancel() {
	close(g.stop)
	<-g.done
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, pf := range g.pending {
		pf.fence.Release()
	}
	g.pending = nil
}

func (g *syncGate) run() {
	defer close(g.done)
	ticker := time.NewTicker(syncPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
			g.pollOnce()
		}
	}
}

func (g *syncGate) pollOnce() {
	g.mu.Lock()
	if len(g.pending) == 0 {
		g.mu.Unlock()
		return
	}
	remaining := g.pending[:0]
	var signaled []int32
	for _, pf := range g.pending {
		ok, err := pf.fence.Poll()
		if err != nil || ok {
			pf.fence.Release()
			signaled = append(signaled, pf.pictureBufferID)
			continue
		}
		remaining = append(remaining, pf)
	}
	g.pending = remaining
	g.mu.Unlock()

	for _, id := range signaled {
		g.onSignaled(id)
	}
}
