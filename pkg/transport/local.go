package transport

import "github.com/aminofox/zenplay/pkg/types"

// Transport gives the core access to the media side, wherever it runs
type Transport interface {
	Pipeline() types.MediaPipeline
	Observer() types.PlaybackObserver
	Close() error
}

var (
	_ Transport = (*Local)(nil)
	_ Transport = (*Client)(nil)
)

// Local is the single-context transport: calls go straight to the pipeline
type Local struct {
	pipeline types.MediaPipeline
	observer types.PlaybackObserver
}

// NewLocal wraps an in-process pipeline and observer
func NewLocal(p types.MediaPipeline, o types.PlaybackObserver) *Local {
	return &Local{pipeline: p, observer: o}
}

// Pipeline returns the media pipeline
func (l *Local) Pipeline() types.MediaPipeline {
	return l.pipeline
}

// Observer returns the playback observer
func (l *Local) Observer() types.PlaybackObserver {
	return l.observer
}

// Close is a no-op
func (l *Local) Close() error {
	return nil
}
