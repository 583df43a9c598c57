package rebuffer

import (
	"context"
	"sync"

	"github.com/aminofox/zenplay/pkg/reference"
	"github.com/aminofox/zenplay/pkg/types"
)

// PlaybackRateUpdater forces the playback rate to 0 while rebuffering and
// follows the wanted speed otherwise.
type PlaybackRateUpdater struct {
	observer types.PlaybackObserver
	speed    *reference.Ref[float64]

	mu          sync.Mutex
	cancelSpeed context.CancelFunc
	rebuffering bool
	disposed    bool
}

// NewPlaybackRateUpdater starts applying speed to observer right away
func NewPlaybackRateUpdater(observer types.PlaybackObserver, speed *reference.Ref[float64]) *PlaybackRateUpdater {
	u := &PlaybackRateUpdater{observer: observer, speed: speed}
	u.mu.Lock()
	u.followSpeedLocked()
	u.mu.Unlock()
	return u
}

// StartRebuffering sets the rate to 0 until StopRebuffering
func (u *PlaybackRateUpdater) StartRebuffering() {
	u.mu.Lock()
	if u.rebuffering || u.disposed {
		u.mu.Unlock()
		return
	}
	u.rebuffering = true
	u.cancelSpeed()
	u.cancelSpeed = nil
	u.mu.Unlock()

	u.observer.SetPlaybackRate(0)
}

// StopRebuffering restores the wanted speed and follows its updates again
func (u *PlaybackRateUpdater) StopRebuffering() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.rebuffering || u.disposed {
		return
	}
	u.rebuffering = false
	u.followSpeedLocked()
}

// IsRebuffering reports whether the rate is currently forced to 0
func (u *PlaybackRateUpdater) IsRebuffering() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.rebuffering
}

// Dispose stops following the wanted speed. It is idempotent.
func (u *PlaybackRateUpdater) Dispose() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.disposed {
		return
	}
	u.disposed = true
	if u.cancelSpeed != nil {
		u.cancelSpeed()
		u.cancelSpeed = nil
	}
}

func (u *PlaybackRateUpdater) followSpeedLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	u.cancelSpeed = cancel
	u.speed.OnUpdate(ctx, func(s float64) {
		u.observer.SetPlaybackRate(s)
	}, true)
}
