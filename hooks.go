package memocell

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking.
// The cell and sequence call them on hot paths.
type Hooks interface {
	// A mirrored entry was deleted on read.
	// reason ∈ {"corrupt", "key_decode", "value_decode"}
	MirrorSelfHeal(storageKey, reason string)

	// Store returned ok=false on Set (backpressure/eviction).
	StoreSetRejected(storageKey string, isCheckpoint bool)

	// A mirror or checkpoint write failed (IO/remote error).
	StoreWriteError(storageKey string, err error)

	// A computed pair replaced an already-published pair for the same key:
	// two callers raced on the same miss. Frequent firing suggests
	// enabling Options.Dedupe.
	DuplicateCompute(namespace string)

	// Sequence hit its limit; every Next from now on fails.
	SequenceExhausted(namespace string, limit uint64)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) MirrorSelfHeal(string, string)    {}
func (NopHooks) StoreSetRejected(string, bool)    {}
func (NopHooks) StoreWriteError(string, error)    {}
func (NopHooks) DuplicateCompute(string)          {}
func (NopHooks) SequenceExhausted(string, uint64) {}
