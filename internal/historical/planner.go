package historical

import "github.com/ponder-sh/ponder-core/internal/synccache"

// Plan computes the chunks historical sync still needs to fetch for one
// source: the missing sub-ranges of [startBlock, min(endBlock, finalizedTip)]
// given what the Sync Cache already covers, partitioned into chunks no
// larger than chunkSize.
func Plan(startBlock uint64, endBlock *uint64, finalizedTip uint64, covered []synccache.Interval, chunkSize uint64) []synccache.Interval {
	upper := finalizedTip
	if endBlock != nil && *endBlock < upper {
		upper = *endBlock
	}
	if startBlock > upper {
		return nil
	}

	missing := synccache.MissingRanges(startBlock, upper, covered)

	var chunks []synccache.Interval
	for _, r := range missing {
		for from := r.FromBlock; from <= r.ToBlock; {
			to := from + chunkSize - 1
			if to > r.ToBlock {
				to = r.ToBlock
			}
			chunks = append(chunks, synccache.Interval{FromBlock: from, ToBlock: to})
			if to == r.ToBlock {
				break
			}
			from = to + 1
		}
	}
	return chunks
}
