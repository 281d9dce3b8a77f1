package memocell

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	cd "github.com/unkn0wn-root/memocell/codec"
	"github.com/unkn0wn-root/memocell/internal/wire"
	st "github.com/unkn0wn-root/memocell/store"
)

type memEntry struct {
	v   []byte
	exp time.Time // zero => no TTL
}

type memStore struct {
	mu sync.Mutex
	m  map[string]memEntry
}

var _ st.Store = (*memStore)(nil)

func newMemStore() *memStore { return &memStore{m: make(map[string]memEntry)} }

func (s *memStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.m[key]
	if !ok {
		return nil, false, nil
	}
	if !e.exp.IsZero() && time.Now().After(e.exp) {
		delete(s.m, key)
		return nil, false, nil
	}
	return e.v, true, nil
}

func (s *memStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	s.mu.Lock()
	s.m[key] = memEntry{v: value, exp: exp}
	s.mu.Unlock()
	return true, nil
}

func (s *memStore) Del(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.m, key)
	s.mu.Unlock()
	return nil
}

func (s *memStore) Close(_ context.Context) error { return nil }

func (s *memStore) raw(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.m[key]
	return e.v, ok
}

// recHooks records hook invocations for assertions.
type recHooks struct {
	mu        sync.Mutex
	selfHeal  []string // reasons
	rejected  int
	writeErrs int
	dup       int
	exhausted int
}

var _ Hooks = (*recHooks)(nil)

func (h *recHooks) MirrorSelfHeal(_, reason string) {
	h.mu.Lock()
	h.selfHeal = append(h.selfHeal, reason)
	h.mu.Unlock()
}
func (h *recHooks) StoreSetRejected(string, bool) { h.mu.Lock(); h.rejected++; h.mu.Unlock() }
func (h *recHooks) StoreWriteError(string, error) { h.mu.Lock(); h.writeErrs++; h.mu.Unlock() }
func (h *recHooks) DuplicateCompute(string)       { h.mu.Lock(); h.dup++; h.mu.Unlock() }
func (h *recHooks) SequenceExhausted(string, uint64) {
	h.mu.Lock()
	h.exhausted++
	h.mu.Unlock()
}

func square(_ context.Context, k int) (int, error) { return k * k, nil }

func newSquareCell(t *testing.T, calls *atomic.Int64, optsOpt func(*Options[int, int])) Cell[int, int] {
	t.Helper()
	opts := Options[int, int]{
		Compute: func(ctx context.Context, k int) (int, error) {
			if calls != nil {
				calls.Add(1)
			}
			return square(ctx, k)
		},
	}
	if optsOpt != nil {
		optsOpt(&opts)
	}
	c, err := New[int, int](opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

// ==============================
// Core contract
// ==============================

// TestCellComputeAndHit verifies miss->compute->publish and that an
// immediate second call is a hit (no recompute).
func TestCellComputeAndHit(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int64
	c := newSquareCell(t, &calls, nil)
	defer c.Close(ctx)

	if _, _, ok := c.Peek(); ok {
		t.Fatalf("fresh cell should be empty")
	}

	v, err := c.Do(ctx, 5)
	if err != nil || v != 25 {
		t.Fatalf("Do(5): got %d err=%v", v, err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected 1 compute, got %d", calls.Load())
	}

	// hit: same key, no recompute
	v, err = c.Do(ctx, 5)
	if err != nil || v != 25 {
		t.Fatalf("Do(5) hit: got %d err=%v", v, err)
	}
	if calls.Load() != 1 {
		t.Fatalf("hit should not recompute, got %d calls", calls.Load())
	}

	// different key replaces the pair
	if v, err := c.Do(ctx, 7); err != nil || v != 49 {
		t.Fatalf("Do(7): got %d err=%v", v, err)
	}
	k, v, ok := c.Peek()
	if !ok || k != 7 || v != 49 {
		t.Fatalf("Peek after replace: ok=%v k=%d v=%d", ok, k, v)
	}
}

// TestCellConcurrentFixedKey: 100 callers with key 5 all observe 25.
func TestCellConcurrentFixedKey(t *testing.T) {
	ctx := context.Background()
	c := newSquareCell(t, nil, nil)
	defer c.Close(ctx)

	const callers = 100
	var wg sync.WaitGroup
	errs := make(chan error, callers)

	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			v, err := c.Do(ctx, 5)
			if err != nil {
				errs <- err
				return
			}
			if v != 25 {
				errs <- fmt.Errorf("got %d want 25", v)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent Do: %v", err)
	}
}

// TestCellNeverMixedPair interleaves computations of two keys while
// readers sample the pair; every observed pair must satisfy v == k*k.
func TestCellNeverMixedPair(t *testing.T) {
	ctx := context.Background()
	c := newSquareCell(t, nil, nil)
	defer c.Close(ctx)

	stop := make(chan struct{})
	var bad atomic.Int64

	var readers sync.WaitGroup
	for i := 0; i < 4; i++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if k, v, ok := c.Peek(); ok && v != k*k {
					bad.Add(1)
					return
				}
			}
		}()
	}

	var writers sync.WaitGroup
	for i := 0; i < 4; i++ {
		writers.Add(1)
		go func(key int) {
			defer writers.Done()
			for j := 0; j < 2000; j++ {
				if v, err := c.Do(ctx, key); err != nil || v != key*key {
					bad.Add(1)
					return
				}
			}
		}(2 + i%2) // keys 2 and 3
	}
	writers.Wait()
	close(stop)
	readers.Wait()

	if n := bad.Load(); n != 0 {
		t.Fatalf("observed %d inconsistent pairs", n)
	}
}

// ==============================
// Failure semantics
// ==============================

// TestCellComputeErrorLeavesState ensures a failing compute propagates
// verbatim, leaves the slot untouched, and does not affect other keys.
func TestCellComputeErrorLeavesState(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	c, err := New[int, int](Options[int, int]{
		Compute: func(_ context.Context, k int) (int, error) {
			if k == 13 {
				return 0, boom
			}
			return k * k, nil
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close(ctx)

	if _, err := c.Do(ctx, 5); err != nil {
		t.Fatalf("Do(5): %v", err)
	}

	if _, err := c.Do(ctx, 13); !errors.Is(err, boom) {
		t.Fatalf("Do(13): want boom, got %v", err)
	}

	// slot still holds the previous pair
	k, v, ok := c.Peek()
	if !ok || k != 5 || v != 25 {
		t.Fatalf("failed compute must not touch the slot: ok=%v k=%d v=%d", ok, k, v)
	}

	// a different key still succeeds after the failure
	if v, err := c.Do(ctx, 6); err != nil || v != 36 {
		t.Fatalf("Do(6) after failure: got %d err=%v", v, err)
	}
}

func TestCellInvalidate(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int64
	c := newSquareCell(t, &calls, nil)
	defer c.Close(ctx)

	if _, err := c.Do(ctx, 5); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if err := c.Invalidate(ctx); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, _, ok := c.Peek(); ok {
		t.Fatalf("Peek after invalidate should be empty")
	}
	if _, err := c.Do(ctx, 5); err != nil {
		t.Fatalf("Do after invalidate: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected recompute after invalidate, got %d calls", calls.Load())
	}
}

func TestCellDisabled(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int64
	c := newSquareCell(t, &calls, func(o *Options[int, int]) { o.Disabled = true })
	defer c.Close(ctx)

	if c.Enabled() {
		t.Fatalf("cell should report disabled")
	}
	for i := 0; i < 3; i++ {
		if v, err := c.Do(ctx, 5); err != nil || v != 25 {
			t.Fatalf("Do: got %d err=%v", v, err)
		}
	}
	if calls.Load() != 3 {
		t.Fatalf("disabled cell must recompute every call, got %d", calls.Load())
	}
	if _, _, ok := c.Peek(); ok {
		t.Fatalf("disabled cell must never publish")
	}
}

// ==============================
// Dedupe (singleflight)
// ==============================

func TestCellDedupeCollapsesConcurrentComputes(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int64
	release := make(chan struct{})

	c, err := New[int, int](Options[int, int]{
		Dedupe: true,
		Compute: func(_ context.Context, k int) (int, error) {
			calls.Add(1)
			<-release
			return k * k, nil
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close(ctx)

	const callers = 50
	var wg sync.WaitGroup
	results := make([]int, callers)

	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			v, err := c.Do(ctx, 9)
			if err != nil {
				t.Errorf("Do: %v", err)
				return
			}
			results[i] = v
		}(i)
	}

	// give every caller time to join the in-flight compute
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, v := range results {
		if v != 81 {
			t.Fatalf("caller %d got %d want 81", i, v)
		}
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("dedupe should collapse to 1 compute, got %d", n)
	}
}

// TestCellDedupeDistinctKeysDoNotShareFlight: distinct keys whose fmt
// renderings collide must never share a flight - each caller gets f of
// its own key.
func TestCellDedupeDistinctKeysDoNotShareFlight(t *testing.T) {
	ctx := context.Background()
	type span struct{ A, B string }
	// both render as "{x y z}" via %v
	k1 := span{A: "x y", B: "z"}
	k2 := span{A: "x", B: "y z"}

	var calls atomic.Int64
	release := make(chan struct{})
	c, err := New[span, string](Options[span, string]{
		Dedupe: true,
		Compute: func(_ context.Context, k span) (string, error) {
			calls.Add(1)
			<-release
			return k.A + "|" + k.B, nil
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close(ctx)

	var wg sync.WaitGroup
	var v1, v2 string
	var err1, err2 error

	wg.Add(1)
	go func() {
		defer wg.Done()
		v1, err1 = c.Do(ctx, k1)
	}()
	// let k1's compute get in flight before k2 arrives
	time.Sleep(50 * time.Millisecond)

	wg.Add(1)
	go func() {
		defer wg.Done()
		v2, err2 = c.Do(ctx, k2)
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if err1 != nil || err2 != nil {
		t.Fatalf("Do: err1=%v err2=%v", err1, err2)
	}
	if v1 != "x y|z" {
		t.Fatalf("Do(k1): got %q want %q", v1, "x y|z")
	}
	if v2 != "x|y z" {
		t.Fatalf("Do(k2) returned another key's value: got %q want %q", v2, "x|y z")
	}
	if n := calls.Load(); n != 2 {
		t.Fatalf("distinct keys must compute independently: got %d computes", n)
	}
}

// ==============================
// Mirror (warm start / self-heal)
// ==============================

func TestCellMirrorWarmStart(t *testing.T) {
	ctx := context.Background()
	ms := newMemStore()

	var calls atomic.Int64
	mirrored := func(o *Options[int, int]) {
		o.Namespace = "sq"
		o.Mirror = ms
		o.KeyCodec = cd.JSON[int]{}
		o.Codec = cd.JSON[int]{}
	}

	c1 := newSquareCell(t, &calls, mirrored)
	if _, err := c1.Do(ctx, 5); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if err := c1.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := ms.raw("cell:sq"); !ok {
		t.Fatalf("mirror entry missing after publish")
	}

	// second cell warm-starts from the mirror; no recompute for the same key
	c2 := newSquareCell(t, &calls, mirrored)
	defer c2.Close(ctx)

	k, v, ok := c2.Peek()
	if !ok || k != 5 || v != 25 {
		t.Fatalf("warm start: ok=%v k=%d v=%d", ok, k, v)
	}
	if v, err := c2.Do(ctx, 5); err != nil || v != 25 {
		t.Fatalf("Do after warm start: got %d err=%v", v, err)
	}
	if calls.Load() != 1 {
		t.Fatalf("warm-started hit must not recompute, got %d calls", calls.Load())
	}
}

func TestCellMirrorSelfHealOnCorrupt(t *testing.T) {
	ctx := context.Background()
	ms := newMemStore()
	if _, err := ms.Set(ctx, "cell:sq", []byte("garbage"), 0); err != nil {
		t.Fatalf("seed: %v", err)
	}

	h := &recHooks{}
	c := newSquareCell(t, nil, func(o *Options[int, int]) {
		o.Namespace = "sq"
		o.Mirror = ms
		o.KeyCodec = cd.JSON[int]{}
		o.Codec = cd.JSON[int]{}
		o.Hooks = h
	})
	defer c.Close(ctx)

	if _, _, ok := c.Peek(); ok {
		t.Fatalf("corrupt mirror must not warm-start the cell")
	}
	if _, ok := ms.raw("cell:sq"); ok {
		t.Fatalf("corrupt mirror entry should be deleted")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.selfHeal) != 1 || h.selfHeal[0] != "corrupt" {
		t.Fatalf("expected one corrupt self-heal, got %v", h.selfHeal)
	}
}

func TestCellMirrorSelfHealOnBadValue(t *testing.T) {
	ctx := context.Background()
	ms := newMemStore()
	// valid frame, undecodable value payload
	frame := wire.EncodePair([]byte("5"), []byte("not-json"))
	if _, err := ms.Set(ctx, "cell:sq", frame, 0); err != nil {
		t.Fatalf("seed: %v", err)
	}

	h := &recHooks{}
	c := newSquareCell(t, nil, func(o *Options[int, int]) {
		o.Namespace = "sq"
		o.Mirror = ms
		o.KeyCodec = cd.JSON[int]{}
		o.Codec = cd.JSON[int]{}
		o.Hooks = h
	})
	defer c.Close(ctx)

	if _, _, ok := c.Peek(); ok {
		t.Fatalf("undecodable mirror must not warm-start the cell")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.selfHeal) != 1 || h.selfHeal[0] != "value_decode" {
		t.Fatalf("expected value_decode self-heal, got %v", h.selfHeal)
	}
}

// ==============================
// Options validation
// ==============================

func TestCellOptionsValidation(t *testing.T) {
	if _, err := New[int, int](Options[int, int]{}); err == nil {
		t.Fatalf("missing compute should fail")
	}
	if _, err := New[int, int](Options[int, int]{
		Compute: square,
		Mirror:  newMemStore(),
	}); err == nil {
		t.Fatalf("mirror without namespace should fail")
	}
	if _, err := New[int, int](Options[int, int]{
		Compute:   square,
		Namespace: "sq",
		Mirror:    newMemStore(),
	}); err == nil {
		t.Fatalf("mirror without codecs should fail")
	}
}
