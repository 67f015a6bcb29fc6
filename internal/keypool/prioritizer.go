package keypool

import "sort"

// Tiebreaker lets a service profile prefer one key over another after the
// rate-limit ordering and before last-used recency. Negative means a first.
type Tiebreaker func(a, b *Key) int

// prioritize stable-sorts candidates from most to least preferable:
//
//  1. keys outside any lockout window before rate-limited ones;
//  2. among rate-limited keys, the earliest lockout expiry first;
//  3. the profile tiebreaker, if any;
//  4. least recently used first.
//
// Pure ordering over the slice it is given. Callers hold the provider lock.
func prioritize(keys []*Key, nowMS int64, tb Tiebreaker) {
	sort.SliceStable(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]

		aLimited, bLimited := a.RateLimited(nowMS), b.RateLimited(nowMS)
		if aLimited != bLimited {
			return !aLimited
		}
		if aLimited && a.RateLimitedUntil != b.RateLimitedUntil {
			return a.RateLimitedUntil < b.RateLimitedUntil
		}
		if tb != nil {
			if c := tb(a, b); c != 0 {
				return c < 0
			}
		}
		return a.LastUsed < b.LastUsed
	})
}
