package memocell

import "fmt"

// OverflowError reports that a Sequence would pass its configured limit.
// The counter is left unchanged; callers must treat this as fatal for the
// sequence (there is no saturation and no silent wraparound).
type OverflowError struct {
	Namespace string
	Limit     uint64
}

func (e *OverflowError) Error() string {
	if e.Namespace != "" {
		return fmt.Sprintf("memocell: sequence %q exhausted at limit %d", e.Namespace, e.Limit)
	}
	return fmt.Sprintf("memocell: sequence exhausted at limit %d", e.Limit)
}
