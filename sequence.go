package memocell

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/unkn0wn-root/memocell/internal/wire"
	st "github.com/unkn0wn-root/memocell/store"
)

// Sequence hands out unique monotonically increasing values starting at 0.
// Safe for any number of concurrent callers: after N completed Next calls
// the returned set is exactly {0..N-1}, each value exactly once.
//
// The zero value is not usable; construct with NewSequence.
type Sequence struct {
	// n is the number of completed assignments, i.e. the next value to
	// hand out. Mutated only through the CAS loop in Next.
	n     atomic.Uint64
	limit uint64

	ns    string
	log   Logger
	hooks Hooks

	ckpt  st.Store
	every uint64

	// flushMu serializes checkpoint writes; flushed is the highest mark
	// persisted so far. Concurrent Next callers can cross different
	// interval boundaries and race their flushes - without the monotonic
	// guard a stale mark could land last and a restart would reissue IDs.
	flushMu sync.Mutex
	flushed uint64
}

// SequenceOptions tune a Sequence. The zero value is valid: an unbounded
// (up to MaxUint64), non-persistent sequence.
type SequenceOptions struct {
	Namespace string // required when Checkpoint is set
	Limit     uint64 // Next fails once the counter would pass it; 0 => MaxUint64
	Logger    Logger
	Hooks     Hooks

	// Checkpoint persists the high-water mark under "seq:<ns>" every
	// CheckpointEvery assignments (best-effort). On construction the
	// sequence resumes at checkpoint+CheckpointEvery, so a value is never
	// reissued even when the tail of an interval was never flushed.
	Checkpoint      st.Store
	CheckpointEvery uint64 // 0 => 1024
}

func NewSequence(opts SequenceOptions) (*Sequence, error) {
	if opts.Checkpoint != nil && opts.Namespace == "" {
		return nil, fmt.Errorf("memocell: namespace is required with a checkpoint store")
	}

	s := &Sequence{
		ns:    opts.Namespace,
		limit: coalesce[uint64](opts.Limit, math.MaxUint64),
		ckpt:  opts.Checkpoint,
	}
	s.log = coalesce[Logger](opts.Logger, NopLogger{})
	s.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	s.every = coalesce[uint64](opts.CheckpointEvery, 1024)

	if s.ckpt != nil {
		s.resume(context.Background())
	}
	return s, nil
}

// Next returns a previously unreturned value, or *OverflowError once the
// counter would pass the configured limit. The counter is left unchanged
// on overflow: no partial increment, no wraparound.
func (s *Sequence) Next() (uint64, error) {
	for {
		cur := s.n.Load()
		if cur >= s.limit {
			s.hooks.SequenceExhausted(s.ns, s.limit)
			return 0, &OverflowError{Namespace: s.ns, Limit: s.limit}
		}
		if !s.n.CompareAndSwap(cur, cur+1) {
			continue // lost the race; re-read and retry
		}
		if s.ckpt != nil && (cur+1)%s.every == 0 {
			s.flush(cur + 1)
		}
		return cur, nil
	}
}

// Current returns the number of completed assignments (equivalently the
// next value to be assigned). Best-effort snapshot; takes no part in the
// uniqueness contract.
func (s *Sequence) Current() uint64 { return s.n.Load() }

// Close flushes a final checkpoint and releases the checkpoint store.
func (s *Sequence) Close(ctx context.Context) error {
	if s.ckpt == nil {
		return nil
	}
	s.flush(s.n.Load())
	return s.ckpt.Close(ctx)
}

// flush persists mark unless a later mark has already been persisted.
func (s *Sequence) flush(mark uint64) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	if mark <= s.flushed {
		return // a racing caller already persisted a later mark
	}
	k := s.seqKey()
	ok, err := s.ckpt.Set(context.Background(), k, wire.EncodeCheckpoint(mark), 0)
	if err != nil {
		s.hooks.StoreWriteError(k, err)
		s.log.Warn("checkpoint flush failed", Fields{"key": k, "mark": mark, "err": err})
		return
	}
	if !ok {
		s.hooks.StoreSetRejected(k, true)
		return
	}
	s.flushed = mark
}

// resume skips past the last persisted interval. Corrupt checkpoints are
// deleted (self-heal) and the sequence starts at 0.
func (s *Sequence) resume(ctx context.Context) {
	k := s.seqKey()
	raw, ok, err := s.ckpt.Get(ctx, k)
	if err != nil || !ok {
		return
	}
	mark, err := wire.DecodeCheckpoint(raw)
	if err != nil {
		_ = s.ckpt.Del(ctx, k)
		s.hooks.MirrorSelfHeal(k, "corrupt")
		return
	}
	start := mark + s.every
	if start < mark { // checkpoint near the top of the range
		start = math.MaxUint64
	}
	s.n.Store(start)
	s.flushed = mark
	s.log.Debug("sequence resumed from checkpoint", Fields{"key": k, "mark": mark, "start": start})
}

func (s *Sequence) seqKey() string {
	return "seq:" + s.ns
}
