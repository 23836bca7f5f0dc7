package ponderevent

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// fingerprint hashes the parts of a SubscriptionSource that determine which
// logs it covers (chain, contract, address or factory, event topic and
// argument filter) but not its block range,
// so that historical sync can look up cached intervals for a subscription
// independent of how much of it has been fetched so far.
func fingerprint(s SubscriptionSource) string {
	var b strings.Builder

	fmt.Fprintf(&b, "chain=%d;contract=%s;", s.ChainID, s.Contract)

	switch {
	case s.Address != nil:
		fmt.Fprintf(&b, "address=%s;", strings.ToLower(s.Address.Hex()))
	case s.Factory != nil:
		fmt.Fprintf(&b, "factory=%s;factoryEvent=%s;paramIdx=%d;",
			strings.ToLower(s.Factory.Address.Hex()),
			strings.ToLower(s.Factory.Event.Hex()),
			s.Factory.ParameterIndex)
	}

	fmt.Fprintf(&b, "event=%s;", strings.ToLower(s.Filter.Event.Hex()))

	keys := make([]string, 0, len(s.Filter.Args))
	for k := range s.Filter.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		vals := make([]string, 0, len(s.Filter.Args[k]))
		for _, v := range s.Filter.Args[k] {
			vals = append(vals, fmt.Sprintf("%v", v))
		}
		sort.Strings(vals)
		fmt.Fprintf(&b, "arg[%s]=%s;", k, strings.Join(vals, ","))
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
