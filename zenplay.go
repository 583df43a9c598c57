// Package zenplay is the entry point of the playback core: a Player wires
// configuration, logging, metrics, the codec-support cache, the segment
// fetcher and a media transport into a content initializer.
package zenplay

import (
	"context"
	"net/http"
	"sync"

	"github.com/aminofox/zenplay/pkg/abr"
	"github.com/aminofox/zenplay/pkg/cache"
	"github.com/aminofox/zenplay/pkg/config"
	"github.com/aminofox/zenplay/pkg/errors"
	"github.com/aminofox/zenplay/pkg/fetch"
	"github.com/aminofox/zenplay/pkg/initializer"
	"github.com/aminofox/zenplay/pkg/logger"
	"github.com/aminofox/zenplay/pkg/metrics"
	"github.com/aminofox/zenplay/pkg/pipeline"
	"github.com/aminofox/zenplay/pkg/playback"
	"github.com/aminofox/zenplay/pkg/reference"
	"github.com/aminofox/zenplay/pkg/transport"
	"github.com/aminofox/zenplay/pkg/types"
)

// Options customizes a Player beyond its configuration
type Options struct {
	// Loader replaces the default HTTP and S3 segment loaders
	Loader fetch.Loader

	// Parser replaces the passthrough chunk parser
	Parser fetch.Parser

	// SupportedCodecs restricts the local pipeline, every codec when empty
	SupportedCodecs []string

	// BufferGoal is how many seconds ahead of the position are loaded
	BufferGoal float64

	Callbacks initializer.Callbacks

	// Logger overrides the logger built from the configuration
	Logger logger.Logger
}

// Player plays one content at a time
type Player struct {
	config     *config.Config
	opts       Options
	logger     logger.Logger
	metrics    *metrics.Metrics
	codecCache *cache.CodecSupportCache
	estimator  *abr.WeightedEstimator
	fetcher    *fetch.Fetcher
	speed      *reference.Ref[float64]

	mu        sync.Mutex
	transport transport.Transport
	element   *playback.SimulatedElement
	init      *initializer.Initializer
	cancel    context.CancelFunc
	closed    bool
}

// New creates a Player. A nil cfg uses the default configuration.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Player, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := opts.Logger
	if log == nil {
		log = logger.New(cfg.Logging.Backend, logger.ParseLevel(cfg.Logging.Level), cfg.Logging.Format)
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	codecCache, err := cache.New(cfg.Cache, log, m)
	if err != nil {
		return nil, err
	}

	loader := opts.Loader
	if loader == nil {
		router := fetch.NewRouter(fetch.NewHTTPLoader(&http.Client{Timeout: cfg.Fetch.RequestTimeout}))
		if cfg.Fetch.S3Region != "" {
			s3Loader, err := fetch.NewS3Loader(ctx, fetch.S3Options{
				Region:   cfg.Fetch.S3Region,
				Endpoint: cfg.Fetch.S3Endpoint,
			}, log)
			if err != nil {
				return nil, err
			}
			router.Handle("s3", s3Loader)
		}
		loader = router
	}

	estimator := abr.NewWeightedEstimator(10)
	fetcher := fetch.New(fetch.Options{
		Config:    cfg.Fetch,
		Loader:    loader,
		Parser:    opts.Parser,
		Estimator: estimator,
		Logger:    log,
		Metrics:   m,
	})

	log.Info("Player created",
		logger.String("transport", cfg.Transport.Mode),
		logger.String("cache", cfg.Cache.Kind),
	)

	return &Player{
		config:     cfg,
		opts:       opts,
		logger:     log,
		metrics:    m,
		codecCache: codecCache,
		estimator:  estimator,
		fetcher:    fetcher,
		speed:      reference.NewRef(1.0),
	}, nil
}

// Load starts playing manifest from position. A content already loaded is
// stopped first.
func (p *Player) Load(ctx context.Context, manifest types.Manifest, position float64, autoPlay bool) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.NewInvalidStateError("player is closed")
	}
	p.mu.Unlock()
	p.Stop()

	ctx, cancel := context.WithCancel(ctx)
	tr, element, err := p.openTransport(ctx)
	if err != nil {
		cancel()
		return err
	}

	callbacks := p.opts.Callbacks
	userLoaded := callbacks.OnLoaded
	callbacks.OnLoaded = func(autoPlay bool) {
		if autoPlay && element != nil {
			element.Play()
		}
		if userLoaded != nil {
			userLoaded(autoPlay)
		}
	}

	init, err := initializer.New(manifest, callbacks, initializer.Options{
		Config:     p.config,
		Transport:  tr,
		Fetcher:    p.fetcher,
		Estimator:  p.estimator,
		CodecCache: p.codecCache,
		Speed:      p.speed,
		BufferGoal: p.opts.BufferGoal,
		Logger:     p.logger,
		Metrics:    p.metrics,
	})
	if err != nil {
		cancel()
		tr.Close()
		return err
	}

	p.mu.Lock()
	p.transport = tr
	p.element = element
	p.init = init
	p.cancel = cancel
	p.mu.Unlock()

	return init.Start(ctx, position, autoPlay)
}

// openTransport returns the local in-memory media stack, or a connection
// to a worker in remote mode.
func (p *Player) openTransport(ctx context.Context) (transport.Transport, *playback.SimulatedElement, error) {
	if p.config.Transport.Mode == "remote" {
		client, err := transport.Dial(ctx, p.config.Transport.WorkerURL, transport.Options{
			RequestTimeout: p.config.Transport.RequestTimeout,
			Logger:         p.logger,
			Metrics:        p.metrics,
		})
		if err != nil {
			return nil, nil, err
		}
		return client, nil, nil
	}

	pl := pipeline.New(pipeline.Options{SupportedCodecs: p.opts.SupportedCodecs}, p.logger)
	el := playback.NewSimulatedElement(pl)
	el.LoadMetadata()
	observer := playback.New(el, playback.Options{Logger: p.logger})
	observer.Start(ctx)
	go playback.RunClock(ctx, el, playback.DefaultOptions().Interval)
	return transport.NewLocal(pl, observer), el, nil
}

// State returns the state of the current content, StateIdle when none
func (p *Player) State() initializer.State {
	p.mu.Lock()
	init := p.init
	p.mu.Unlock()
	if init == nil {
		return initializer.StateIdle
	}
	return init.State()
}

// Reload rebuilds the current content's buffers from position
func (p *Player) Reload(position float64, autoPlay bool) error {
	p.mu.Lock()
	init := p.init
	p.mu.Unlock()
	if init == nil {
		return errors.NewInvalidStateError("no content loaded")
	}
	return init.Reload(position, autoPlay)
}

// Seek moves the playback position
func (p *Player) Seek(position float64) error {
	p.mu.Lock()
	tr := p.transport
	p.mu.Unlock()
	if tr == nil {
		return errors.NewInvalidStateError("no content loaded")
	}
	tr.Observer().SetCurrentTime(position)
	return nil
}

// CurrentTime returns the playback position, 0 when nothing is loaded
func (p *Player) CurrentTime() float64 {
	p.mu.Lock()
	tr := p.transport
	p.mu.Unlock()
	if tr == nil {
		return 0
	}
	return tr.Observer().GetCurrentTime()
}

// SetSpeed changes the playback rate wanted outside of rebuffering
func (p *Player) SetSpeed(rate float64) {
	p.speed.Set(rate)
}

// Speed returns the playback rate wanted outside of rebuffering
func (p *Player) Speed() float64 {
	return p.speed.Get()
}

// MetricsHandler serves the Prometheus metrics, nil when disabled
func (p *Player) MetricsHandler() http.Handler {
	if p.metrics == nil {
		return nil
	}
	return p.metrics.Handler()
}

// Stop stops the current content, if any
func (p *Player) Stop() {
	p.mu.Lock()
	init := p.init
	tr := p.transport
	cancel := p.cancel
	p.init = nil
	p.transport = nil
	p.element = nil
	p.cancel = nil
	p.mu.Unlock()

	if init != nil {
		init.Stop()
	}
	if cancel != nil {
		cancel()
	}
	if tr != nil {
		if err := tr.Close(); err != nil {
			p.logger.Warn("Failed to close transport", logger.Err(err))
		}
	}
}

// Close stops the current content and releases the player's resources
func (p *Player) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.Stop()
	return p.codecCache.Close()
}
