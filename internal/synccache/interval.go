package synccache

import "sort"

// Interval is a closed block range already fetched and durable for a given
// (chainId, fingerprint), per spec §3's intervals entity.
type Interval struct {
	FromBlock uint64
	ToBlock   uint64
}

// sortIntervals returns a copy of intervals sorted by FromBlock ascending.
func sortIntervals(intervals []Interval) []Interval {
	sorted := make([]Interval, len(intervals))
	copy(sorted, intervals)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].FromBlock < sorted[j].FromBlock })
	return sorted
}

// IsCovered reports whether [from, to] is entirely contained in a single
// one of the given intervals.
func IsCovered(from, to uint64, intervals []Interval) bool {
	for _, r := range intervals {
		if r.FromBlock <= from && r.ToBlock >= to {
			return true
		}
	}
	return false
}

// MissingRanges returns the sub-ranges of [from, to] not covered by
// intervals, i.e. what historical sync still needs to fetch.
func MissingRanges(from, to uint64, intervals []Interval) []Interval {
	if len(intervals) == 0 {
		return []Interval{{FromBlock: from, ToBlock: to}}
	}

	sorted := sortIntervals(intervals)

	var missing []Interval
	cursor := from

	for _, r := range sorted {
		if r.FromBlock > cursor {
			end := r.FromBlock - 1
			if end > to {
				end = to
			}
			missing = append(missing, Interval{FromBlock: cursor, ToBlock: end})
		}
		if r.ToBlock >= cursor {
			cursor = r.ToBlock + 1
		}
		if cursor > to {
			break
		}
	}

	if cursor <= to {
		missing = append(missing, Interval{FromBlock: cursor, ToBlock: to})
	}

	return missing
}

// MergeAdjoining coalesces intervals that touch or overlap, e.g. [a,b] and
// [b+1,c] collapse into [a,c]. The store calls this on every interval
// write to compact the fingerprint's rows; historical sync also uses it to
// find the highest covered block.
func MergeAdjoining(intervals []Interval) []Interval {
	if len(intervals) == 0 {
		return nil
	}

	sorted := sortIntervals(intervals)

	merged := []Interval{sorted[0]}
	for _, next := range sorted[1:] {
		last := &merged[len(merged)-1]
		if next.FromBlock <= last.ToBlock+1 {
			if next.ToBlock > last.ToBlock {
				last.ToBlock = next.ToBlock
			}
			continue
		}
		merged = append(merged, next)
	}

	return merged
}
