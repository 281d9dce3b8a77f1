package memocell

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	cd "github.com/unkn0wn-root/memocell/codec"
	"github.com/unkn0wn-root/memocell/internal/wire"
	st "github.com/unkn0wn-root/memocell/store"
)

// pair is immutable once published. Replacing the slot pointer is the only
// mutation, so readers can never see a key from one compute paired with a
// value from another.
type pair[K comparable, V any] struct {
	key K
	val V
}

type cell[K comparable, V any] struct {
	ns      string
	fn      ComputeFunc[K, V]
	log     Logger
	hooks   Hooks
	enabled bool
	dedupe  bool

	slot atomic.Pointer[pair[K, V]]

	// Flights are keyed by tokens issued per exact key value, not by a
	// rendered form of the key: fmt renderings of distinct keys can
	// collide, and a collision would hand a caller f(other-key).
	sf        singleflight.Group
	flightMu  sync.Mutex
	flights   map[K]string
	flightSeq uint64

	mirror    st.Store
	keyCodec  cd.Codec[K]
	valCodec  cd.Codec[V]
	mirrorTTL time.Duration
}

func newCell[K comparable, V any](opts Options[K, V]) (*cell[K, V], error) {
	if opts.Compute == nil {
		return nil, fmt.Errorf("memocell: compute func is required")
	}
	if opts.Mirror != nil {
		if opts.Namespace == "" {
			return nil, fmt.Errorf("memocell: namespace is required with a mirror")
		}
		if opts.KeyCodec == nil || opts.Codec == nil {
			return nil, fmt.Errorf("memocell: key and value codecs are required with a mirror")
		}
	}

	c := &cell[K, V]{
		ns:       opts.Namespace,
		fn:       opts.Compute,
		enabled:  !opts.Disabled,
		dedupe:   opts.Dedupe,
		mirror:   opts.Mirror,
		keyCodec: opts.KeyCodec,
		valCodec: opts.Codec,
	}

	// defaults
	c.log = coalesce[Logger](opts.Logger, NopLogger{})
	c.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	c.mirrorTTL = coalesce[time.Duration](opts.MirrorTTL, 10*time.Minute)

	if c.dedupe {
		c.flights = make(map[K]string)
	}

	if c.enabled && c.mirror != nil {
		c.warmStart(context.Background())
	}
	return c, nil
}

func (c *cell[K, V]) Enabled() bool { return c.enabled }

func (c *cell[K, V]) Close(ctx context.Context) error {
	if c.mirror != nil {
		return c.mirror.Close(ctx)
	}
	return nil
}

func (c *cell[K, V]) Do(ctx context.Context, key K) (V, error) {
	if !c.enabled {
		return c.fn(ctx, key)
	}
	if p := c.slot.Load(); p != nil && p.key == key {
		return p.val, nil
	}

	if c.dedupe {
		// Collapse concurrent computes for the same key. Waiters share the
		// leader's result (and its ctx, the usual singleflight caveat).
		tok := c.flightToken(key)
		v, err, _ := c.sf.Do(tok, func() (any, error) {
			defer c.clearFlight(key, tok)
			return c.computeAndPublish(ctx, key)
		})
		if err != nil {
			var zero V
			return zero, err
		}
		return v.(V), nil
	}
	return c.computeAndPublish(ctx, key)
}

func (c *cell[K, V]) computeAndPublish(ctx context.Context, key K) (V, error) {
	v, err := c.fn(ctx, key)
	if err != nil {
		// slot is untouched; the error is the caller's alone
		var zero V
		return zero, err
	}

	old := c.slot.Swap(&pair[K, V]{key: key, val: v})
	if old != nil && old.key == key {
		// a racing caller already published this key
		c.hooks.DuplicateCompute(c.ns)
	}
	c.mirrorSet(ctx, key, v)
	return v, nil
}

// flightToken returns the singleflight key for key, issuing a fresh
// token when no flight is up. Tokens are never reused, so two flights
// can only share a token when their keys compare equal.
func (c *cell[K, V]) flightToken(key K) string {
	c.flightMu.Lock()
	defer c.flightMu.Unlock()
	if tok, ok := c.flights[key]; ok {
		return tok
	}
	c.flightSeq++
	tok := strconv.FormatUint(c.flightSeq, 10)
	c.flights[key] = tok
	return tok
}

func (c *cell[K, V]) clearFlight(key K, tok string) {
	c.flightMu.Lock()
	if cur, ok := c.flights[key]; ok && cur == tok {
		delete(c.flights, key)
	}
	c.flightMu.Unlock()
}

func (c *cell[K, V]) Peek() (K, V, bool) {
	p := c.slot.Load()
	if p == nil {
		var zk K
		var zv V
		return zk, zv, false
	}
	return p.key, p.val, true
}

func (c *cell[K, V]) Invalidate(ctx context.Context) error {
	c.slot.Store(nil)
	if c.mirror != nil {
		if err := c.mirror.Del(ctx, c.cellKey()); err != nil {
			return err
		}
	}
	c.log.Debug("invalidated cell", Fields{"ns": c.ns})
	return nil
}

// mirrorSet persists the published pair best-effort. A failed mirror write
// never fails Do; the next warm start simply recomputes.
func (c *cell[K, V]) mirrorSet(ctx context.Context, key K, v V) {
	if c.mirror == nil {
		return
	}
	k := c.cellKey()
	kb, err := c.keyCodec.Encode(key)
	if err != nil {
		c.log.Warn("mirror key encode failed", Fields{"ns": c.ns, "err": err})
		return
	}
	vb, err := c.valCodec.Encode(v)
	if err != nil {
		c.log.Warn("mirror value encode failed", Fields{"ns": c.ns, "err": err})
		return
	}
	ok, err := c.mirror.Set(ctx, k, wire.EncodePair(kb, vb), c.mirrorTTL)
	if err != nil {
		c.hooks.StoreWriteError(k, err)
		c.log.Warn("mirror set failed", Fields{"key": k, "err": err})
		return
	}
	if !ok {
		c.hooks.StoreSetRejected(k, false)
		c.log.Debug("mirror set rejected by store (pressure)", Fields{"key": k})
	}
}

// warmStart publishes the mirrored pair, if any. Corrupt or undecodable
// entries are deleted (self-heal) and the cell starts empty.
func (c *cell[K, V]) warmStart(ctx context.Context) {
	k := c.cellKey()
	raw, ok, err := c.mirror.Get(ctx, k)
	if err != nil || !ok {
		return
	}
	kb, vb, err := wire.DecodePair(raw)
	if err != nil {
		c.selfHeal(ctx, k, "corrupt")
		return
	}
	key, err := c.keyCodec.Decode(kb)
	if err != nil {
		c.selfHeal(ctx, k, "key_decode")
		return
	}
	v, err := c.valCodec.Decode(vb)
	if err != nil {
		c.selfHeal(ctx, k, "value_decode")
		return
	}
	c.slot.Store(&pair[K, V]{key: key, val: v})
	c.log.Debug("warm start from mirror", Fields{"ns": c.ns})
}

func (c *cell[K, V]) selfHeal(ctx context.Context, storageKey, reason string) {
	_ = c.mirror.Del(ctx, storageKey)
	c.hooks.MirrorSelfHeal(storageKey, reason)
}

func (c *cell[K, V]) cellKey() string {
	// isolate by namespace
	return "cell:" + c.ns
}
