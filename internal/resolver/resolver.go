package resolver

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Resolver runs the three-stage breakpoint resolution pipeline: cache
// lookup, offline pattern match, remote fallback.
type Resolver struct {
	cache *Cache
}

// New builds a Resolver with a fresh cache.
func New() *Resolver {
	return &Resolver{cache: NewCache()}
}

// Resolve converts text into a BreakpointSpec, consulting the cache,
// then the offline matcher, then (only if both miss) the remote API.
func (r *Resolver) Resolve(ctx context.Context, text string, catalog FunctionCatalog) (Spec, error) {
	if spec, ok := r.cache.Get(text); ok {
		return spec, nil
	}

	if spec, ok := matchOffline(text, catalog); ok {
		r.cache.Put(text, spec)
		return spec, nil
	}

	logrus.WithField("text", text).Debug("falling back to remote LLM breakpoint resolution")
	spec, err := resolveRemote(ctx, text, catalog)
	if err != nil {
		return Spec{}, err
	}

	r.cache.Put(text, spec)
	return spec, nil
}
