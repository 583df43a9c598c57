package fetch

import (
	"context"
	"net/url"

	"github.com/aminofox/zenplay/pkg/errors"
	"github.com/aminofox/zenplay/pkg/types"
)

// Router dispatches segment loads to a Loader chosen by URL scheme
type Router struct {
	loaders  map[string]Loader
	fallback Loader
}

// NewRouter creates a router using fallback for unregistered schemes
func NewRouter(fallback Loader) *Router {
	return &Router{
		loaders:  make(map[string]Loader),
		fallback: fallback,
	}
}

// Handle registers loader for scheme
func (rt *Router) Handle(scheme string, loader Loader) *Router {
	rt.loaders[scheme] = loader
	return rt
}

// Load implements Loader
func (rt *Router) Load(ctx context.Context, segment types.Segment) ([]byte, error) {
	u, err := url.Parse(segment.URL)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidConfig, "invalid segment url", err).AsFatal()
	}
	if loader, ok := rt.loaders[u.Scheme]; ok {
		return loader.Load(ctx, segment)
	}
	if rt.fallback == nil {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "no loader for scheme "+u.Scheme).AsFatal()
	}
	return rt.fallback.Load(ctx, segment)
}
