// Package worker hosts simulated media sessions for remote players: each
// websocket connection gets its own in-memory pipeline and playback clock.
package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aminofox/zenplay/pkg/logger"
	"github.com/aminofox/zenplay/pkg/metrics"
	"github.com/aminofox/zenplay/pkg/pipeline"
	"github.com/aminofox/zenplay/pkg/playback"
	"github.com/aminofox/zenplay/pkg/transport"
)

// Options configures the media sessions of a Worker
type Options struct {
	// SupportedCodecs is passed to each session's pipeline
	SupportedCodecs []string

	// ObservationInterval is the playback clock tick, 250ms when zero
	ObservationInterval time.Duration

	Logger  logger.Logger
	Metrics *metrics.Metrics
}

// Worker serves the websocket endpoint, health and metrics
type Worker struct {
	opts   Options
	logger logger.Logger
	server *transport.Server
	router chi.Router
}

// New creates a Worker
func New(opts Options) *Worker {
	if opts.ObservationInterval <= 0 {
		opts.ObservationInterval = playback.DefaultOptions().Interval
	}
	w := &Worker{
		opts:   opts,
		logger: logger.OrDefault(opts.Logger).With(logger.Component("worker")),
	}
	w.server = transport.NewServer(w.newSession, w.logger, opts.Metrics)

	r := chi.NewRouter()
	r.Get("/healthz", w.health)
	r.Handle("/ws", w.server)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics.Handler())
	}
	w.router = r
	return w
}

// ServeHTTP implements http.Handler
func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	w.router.ServeHTTP(rw, r)
}

func (w *Worker) health(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(map[string]interface{}{
		"status":   "ok",
		"sessions": w.server.ClientCount(),
	})
}

// newSession builds the media side of a connection. The element plays as
// soon as data is buffered; the clock stops with ctx.
func (w *Worker) newSession(ctx context.Context) (*transport.Session, error) {
	p := pipeline.New(pipeline.Options{SupportedCodecs: w.opts.SupportedCodecs}, w.logger)
	el := playback.NewSimulatedElement(p)
	el.LoadMetadata()
	el.Play()

	observer := playback.New(el, playback.Options{
		Interval: w.opts.ObservationInterval,
		Logger:   w.logger,
	})

	ctx, cancel := context.WithCancel(ctx)
	observer.Start(ctx)
	go playback.RunClock(ctx, el, w.opts.ObservationInterval)

	w.logger.Info("Media session created")
	return &transport.Session{
		Pipeline: p,
		Observer: observer,
		Close:    cancel,
	}, nil
}
