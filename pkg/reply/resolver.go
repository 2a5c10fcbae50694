// Package reply maps universal message ids to the native ids a target
// platform knows, and back.
package reply

import (
	"context"
	"errors"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"

	"acople/pkg/message"
	"acople/pkg/store"
)

const (
	DefaultSearchWindow = 1000
	DefaultCacheSize    = 1024
)

type Options struct {
	SearchWindow int
	CacheSize    int
	Logger       *slog.Logger
}

// Resolver answers reply lookups using the store indexes with a bounded
// history scan as fallback. Only hits are cached; the indexes are write-once.
type Resolver struct {
	store  store.Store
	window int
	cache  *lru.Cache[string, string]
	log    *slog.Logger
}

func New(s store.Store, opts Options) (*Resolver, error) {
	if s == nil {
		return nil, errors.New("store is required")
	}

	window := opts.SearchWindow
	if window <= 0 {
		window = DefaultSearchWindow
	}
	size := opts.CacheSize
	if size <= 0 {
		size = DefaultCacheSize
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	cache, err := lru.New[string, string](size)
	if err != nil {
		return nil, err
	}

	return &Resolver{
		store:  s,
		window: window,
		cache:  cache,
		log:    log.With("component", "reply.resolver"),
	}, nil
}

// ResolveReply returns the native id of universalID inside target.
func (r *Resolver) ResolveReply(ctx context.Context, universalID string, target message.Endpoint) (string, bool) {
	if universalID == "" {
		return "", false
	}

	cacheKey := universalID + "|" + target.Key()
	if nativeID, ok := r.cache.Get(cacheKey); ok {
		return nativeID, true
	}

	nativeID, ok := r.resolve(ctx, universalID, target)
	if ok {
		r.cache.Add(cacheKey, nativeID)
	}
	return nativeID, ok
}

func (r *Resolver) resolve(ctx context.Context, universalID string, target message.Endpoint) (string, bool) {
	projection, err := r.store.GetByUniversalID(ctx, universalID)
	switch {
	case err == nil:
		if projection.Endpoint() == target && projection.MessageID != "" {
			return projection.MessageID, true
		}
	case !errors.Is(err, store.ErrNotFound):
		r.log.Warn("Projection lookup failed", "universal_id", universalID, "error", err)
	}

	nativeID, err := r.store.GetNativeID(ctx, universalID, target)
	switch {
	case err == nil:
		return nativeID, true
	case !errors.Is(err, store.ErrNotFound):
		r.log.Warn("Native id lookup failed", "universal_id", universalID, "target", target.Key(), "error", err)
	}

	platform, _, _ := message.ParseAdapterID(target.AdapterID)
	matches, err := r.store.ScanRecent(ctx, func(p store.Projection) bool {
		return p.UniversalID == universalID &&
			(platform == "" || p.Platform == platform) &&
			p.Endpoint() == target &&
			p.MessageID != ""
	}, r.window)
	if err != nil {
		r.log.Warn("History scan failed", "universal_id", universalID, "error", err)
		return "", false
	}
	if len(matches) == 0 {
		return "", false
	}
	return matches[0].MessageID, true
}

// ResolveOrigin finds the stored message a platform user replied to, given
// the native id seen in that adapter. An empty threadID matches any thread.
func (r *Resolver) ResolveOrigin(ctx context.Context, adapterID, nativeID, threadID string) (store.Projection, bool) {
	if adapterID == "" || nativeID == "" {
		return store.Projection{}, false
	}

	universalID, err := r.store.LookupUniversalID(ctx, adapterID, nativeID)
	switch {
	case err == nil:
		projection, err := r.store.GetByUniversalID(ctx, universalID)
		if err == nil {
			return projection, true
		}
		if !errors.Is(err, store.ErrNotFound) {
			r.log.Warn("Projection lookup failed", "universal_id", universalID, "error", err)
		}
		return store.Projection{UniversalID: universalID, AdapterID: adapterID, MessageID: nativeID}, true
	case !errors.Is(err, store.ErrNotFound):
		r.log.Warn("Reverse lookup failed", "adapter_id", adapterID, "native_id", nativeID, "error", err)
	}

	matches, err := r.store.ScanRecent(ctx, func(p store.Projection) bool {
		return p.AdapterID == adapterID &&
			p.MessageID == nativeID &&
			(threadID == "" || p.ThreadID == threadID)
	}, r.window)
	if err != nil {
		r.log.Warn("History scan failed", "adapter_id", adapterID, "error", err)
		return store.Projection{}, false
	}
	if len(matches) == 0 {
		return store.Projection{}, false
	}
	return matches[0], true
}
