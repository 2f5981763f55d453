package engine

// Lane names the two geocoding dispatch paths.
type Lane string

// Dispatch lanes. The fast lane favors per-request latency for routine
// daily deltas; the bulk lane favors per-call address capacity for
// backfills.
const (
	LaneFast Lane = "fast"
	LaneBulk Lane = "bulk"
)

// ChooseLane picks the dispatch lane for a pending set. A pure function
// of pending-set size and fast-provider availability: nothing about run
// type or time of day enters the decision.
func ChooseLane(pending, fastLimit int, fastAvailable bool) Lane {
	if fastAvailable && pending <= fastLimit {
		return LaneFast
	}
	return LaneBulk
}

// partition splits work into batches of at most size elements, preserving
// order.
func partition[T any](items []T, size int) [][]T {
	if size <= 0 || len(items) == 0 {
		if len(items) == 0 {
			return nil
		}
		return [][]T{items}
	}
	var out [][]T
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[start:end])
	}
	return out
}
