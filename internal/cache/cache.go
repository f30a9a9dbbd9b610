package cache

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"
)

// Entry is a value produced by a Factory together with its absolute
// expiration. A zero ExpiresAt keeps the entry until it is overwritten.
type Entry[T any] struct {
	Value     T
	ExpiresAt time.Time
}

// Factory produces the value for a missing key. Returning ok=false stores
// nothing, so the next lookup calls the factory again.
type Factory[T any] func(ctx context.Context) (entry Entry[T], ok bool)

// Codec converts values to and from their stored form.
type Codec[T any] interface {
	Encode(T) ([]byte, error)
	Decode([]byte) (T, error)
}

// StringCodec stores strings as their raw bytes.
type StringCodec struct{}

// Encode implements Codec.
func (StringCodec) Encode(v string) ([]byte, error) { return []byte(v), nil }

// Decode implements Codec.
func (StringCodec) Decode(b []byte) (string, error) { return string(b), nil }

// created is the outcome of a shared factory call.
type created[T any] struct {
	value T
	ok    bool
}

// Observer is notified of lookups; metrics implement it.
type Observer interface {
	CacheHit()
	CacheMiss()
}

// DefaultCreateTimeout bounds a shared factory call.
const DefaultCreateTimeout = 30 * time.Second

// Cache is a typed cache-aside layer over a Store. Concurrent misses for the
// same key within one process share a single factory call.
type Cache[T any] struct {
	store         Store
	codec         Codec[T]
	logger        *slog.Logger
	observer      Observer
	group         singleflight.Group
	now           func() time.Time
	createTimeout time.Duration
}

// Option configures a Cache.
type Option[T any] func(*Cache[T])

// WithObserver reports hits and misses to o.
func WithObserver[T any](o Observer) Option[T] {
	return func(c *Cache[T]) { c.observer = o }
}

// WithClock overrides the time source used to turn ExpiresAt into a TTL.
func WithClock[T any](now func() time.Time) Option[T] {
	return func(c *Cache[T]) { c.now = now }
}

// WithCreateTimeout bounds each shared factory call by d. Non-positive
// values keep DefaultCreateTimeout.
func WithCreateTimeout[T any](d time.Duration) Option[T] {
	return func(c *Cache[T]) {
		if d > 0 {
			c.createTimeout = d
		}
	}
}

// New creates a Cache over store.
func New[T any](store Store, codec Codec[T], logger *slog.Logger, opts ...Option[T]) *Cache[T] {
	c := &Cache[T]{
		store:  store,
		codec:  codec,
		logger:        logger.With("component", "cache"),
		now:           time.Now,
		createTimeout: DefaultCreateTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewString creates a Cache of strings over store.
func NewString(store Store, logger *slog.Logger, opts ...Option[string]) *Cache[string] {
	return New[string](store, StringCodec{}, logger, opts...)
}

// Get returns the value stored under key. Missing or expired keys and store
// failures all report found=false.
func (c *Cache[T]) Get(ctx context.Context, key string) (T, bool) {
	var zero T

	raw, found, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.Warn("cache read failed", "key", key, "err", err)
		return zero, false
	}
	if !found {
		return zero, false
	}

	v, err := c.codec.Decode(raw)
	if err != nil {
		c.logger.Warn("cache decode failed", "key", key, "err", err)
		return zero, false
	}
	return v, true
}

// Set stores value under key for ttl (0 = no expiry) and returns value.
func (c *Cache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) T {
	raw, err := c.codec.Encode(value)
	if err != nil {
		c.logger.Warn("cache encode failed", "key", key, "err", err)
		return value
	}
	if err := c.store.Set(ctx, key, raw, ttl); err != nil {
		c.logger.Warn("cache write failed", "key", key, "err", err)
	}
	return value
}

// GetOrCreate returns the cached value for key, calling factory on a miss.
// The returned error is non-nil only when ctx ends first. A ctx that is
// already done writes nothing. The factory runs detached from any single
// caller, bounded by the create timeout, so a caller leaving mid-fetch
// does not fail the others waiting on the same key.
func (c *Cache[T]) GetOrCreate(ctx context.Context, key string, factory Factory[T]) (T, bool, error) {
	var zero T

	if err := ctx.Err(); err != nil {
		return zero, false, err
	}

	if v, ok := c.Get(ctx, key); ok {
		c.hit()
		return v, true, nil
	}
	c.miss()

	ch := c.group.DoChan(key, func() (any, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.createTimeout)
		defer cancel()

		entry, ok := factory(fctx)
		if !ok {
			return created[T]{}, nil
		}
		c.put(fctx, key, entry)
		return created[T]{value: entry.Value, ok: true}, nil
	})

	select {
	case <-ctx.Done():
		return zero, false, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			// The caller that started the shared call was done before the
			// factory ran; for everyone else it is simply a miss.
			if err := ctx.Err(); err != nil {
				return zero, false, err
			}
			return zero, false, nil
		}
		res := r.Val.(created[T])
		return res.value, res.ok, nil
	}
}

// put writes a freshly created entry unless it has already expired.
func (c *Cache[T]) put(ctx context.Context, key string, entry Entry[T]) {
	var ttl time.Duration
	if !entry.ExpiresAt.IsZero() {
		ttl = entry.ExpiresAt.Sub(c.now())
		if ttl <= 0 {
			return
		}
	}
	c.Set(ctx, key, entry.Value, ttl)
}

func (c *Cache[T]) hit() {
	if c.observer != nil {
		c.observer.CacheHit()
	}
}

func (c *Cache[T]) miss() {
	if c.observer != nil {
		c.observer.CacheMiss()
	}
}
