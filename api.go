package memocell

import (
	"context"
	"time"

	cd "github.com/unkn0wn-root/memocell/codec"
	st "github.com/unkn0wn-root/memocell/store"
)

// ComputeFunc produces the value for a key. It must be pure: no observable
// side effects and no dependency on mutable external state, or the
// key/value consistency guarantee of Cell cannot hold. It runs without any
// cell lock held, so it may be slow without blocking readers.
type ComputeFunc[K comparable, V any] func(ctx context.Context, key K) (V, error)

// Cell is a single-slot memo of the last (key, value) pair of a pure
// function. The pair is always published as one atomic unit: Do and Peek
// observe either the entirely-old or the entirely-new pair, never a mix.
//
// Concurrent Do calls that miss may each invoke the compute function; the
// last writer wins the slot (enable Options.Dedupe to collapse same-key
// concurrent computes). A failed compute propagates to its caller only and
// leaves the slot untouched.
type Cell[K comparable, V any] interface {
	Enabled() bool
	Close(context.Context) error

	// Do returns f(key), serving the published pair when its key matches.
	Do(ctx context.Context, key K) (V, error)

	// Peek samples the published pair without computing.
	Peek() (key K, value V, ok bool)

	// Invalidate clears the slot (and the mirrored entry, when configured).
	Invalidate(ctx context.Context) error
}

// Options tune the behavior of a Cell.
// Only Compute is required; Namespace becomes required when Mirror is set.
type Options[K comparable, V any] struct {
	// Required
	Compute ComputeFunc[K, V]

	Namespace string // isolates storage keys. e.g. "pricing", "profile"
	Logger    Logger // if nil, NopLogger is used
	Hooks     Hooks  // if nil, NopHooks is used
	Disabled  bool   // disabled cell always recomputes and never publishes
	Dedupe    bool   // collapse concurrent same-key computes (singleflight)

	// Mirror persists the published pair under "cell:<ns>" for warm starts.
	// Requires KeyCodec and Codec. Mirror failures never fail Do.
	Mirror    st.Store
	KeyCodec  cd.Codec[K]
	Codec     cd.Codec[V]
	MirrorTTL time.Duration // 0 => 10m
}

func New[K comparable, V any](opts Options[K, V]) (Cell[K, V], error) {
	return newCell[K, V](opts)
}
