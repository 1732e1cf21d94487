package analytics

import "sort"

// SortNewestFirst orders events by CreatedAt descending. Ties keep their
// relative order.
func SortNewestFirst(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].CreatedAt > events[j].CreatedAt
	})
}

// Merge prepends the incoming events that are not already present in existing
// and returns the result newest first. Duplicates inside incoming collapse to
// their first occurrence. The inputs are not modified.
func Merge(incoming, existing []Event) (merged []Event, added int) {
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	for _, evt := range existing {
		seen[evt.LocalID] = struct{}{}
	}
	merged = make([]Event, 0, len(existing)+len(incoming))
	for _, evt := range incoming {
		if _, ok := seen[evt.LocalID]; ok {
			continue
		}
		seen[evt.LocalID] = struct{}{}
		merged = append(merged, evt)
		added++
	}
	merged = append(merged, existing...)
	SortNewestFirst(merged)
	return merged, added
}

// Chunk splits events into consecutive sub-batches of at most size elements.
func Chunk(events []Event, size int) [][]Event {
	if len(events) == 0 {
		return nil
	}
	if size <= 0 || size >= len(events) {
		return [][]Event{events}
	}
	chunks := make([][]Event, 0, (len(events)+size-1)/size)
	for start := 0; start < len(events); start += size {
		end := start + size
		if end > len(events) {
			end = len(events)
		}
		chunks = append(chunks, events[start:end])
	}
	return chunks
}

// LocalIDs returns the set of identifiers carried by events.
func LocalIDs(events []Event) map[string]struct{} {
	ids := make(map[string]struct{}, len(events))
	for _, evt := range events {
		ids[evt.LocalID] = struct{}{}
	}
	return ids
}

// Without returns the events whose LocalID is not in ids.
func Without(events []Event, ids map[string]struct{}) []Event {
	kept := make([]Event, 0, len(events))
	for _, evt := range events {
		if _, drop := ids[evt.LocalID]; drop {
			continue
		}
		kept = append(kept, evt)
	}
	return kept
}

// AddressedTo returns the events whose analytics URL equals url. An empty url
// selects the diagnostic events.
func AddressedTo(events []Event, url string) []Event {
	var out []Event
	for _, evt := range events {
		if evt.AnalyticsURL == url {
			out = append(out, evt)
		}
	}
	return out
}
