package rpc

import (
	"errors"
	"fmt"
	"regexp"

	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"github.com/ponder-sh/ponder-core/internal/common"
)

var tooManyResultsPattern = regexp.MustCompile(`Query returned more than \d+ results`)

// IsTooManyResultsError reports whether err is an RPC provider's "response
// too large" rejection, along with the raw error data for
// ParseSuggestedBlockRange.
func IsTooManyResultsError(err error) (bool, string) {
	if err == nil {
		return false, ""
	}

	var dataErr gethrpc.DataError
	if errors.As(err, &dataErr) {
		errData := fmt.Sprintf("%v", dataErr.ErrorData())
		return tooManyResultsPattern.MatchString(errData), errData
	}

	return false, ""
}

var suggestedRangePattern = regexp.MustCompile(`\[(0x[0-9a-fA-F]+),\s*(0x[0-9a-fA-F]+)\]`)

// ParseSuggestedBlockRange extracts a provider-suggested block range from an
// error message, e.g. "... Try with this block range [0x7dfd25, 0x7e0fcc]."
func ParseSuggestedBlockRange(errData string) (fromBlock, toBlock uint64, ok bool) {
	if errData == "" {
		return 0, 0, false
	}

	matches := suggestedRangePattern.FindStringSubmatch(errData)
	const expectedMatches = 3
	if len(matches) != expectedMatches {
		return 0, 0, false
	}

	from, err1 := common.ParseUint64orHex(&matches[1])
	to, err2 := common.ParseUint64orHex(&matches[2])
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}

	return from, to, true
}
