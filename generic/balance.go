/*
balance.go - Quantity held at an instant

PURPOSE:
  Answers "how much of this item does the customer hold at time T?" from a
  flat list of records. Each record is one grant (positive amount) or one
  usage (negative amount) with the time it took effect and the time it stops
  counting.

KEY INSIGHT:
  A granted unit can be used or it can expire, never both. Summing usage and
  expiry independently would double-subtract units that were used and then
  reached their expiry. The sweep therefore keeps a running "gone" total:

    usedOrExpired = max(usedOrExpired + usedThisTick, expiredSoFar)

  Expiry can only push "gone" up to the cumulative expired amount; usage that
  already consumed those units is not subtracted again.

BUCKETING (for query instant now):
  grantedAt[grant]   += amount   if amount > 0 and grant <= now
  usedAt[grant]      += -amount  if amount < 0 and grant <= now and expiry > now
  expiredAt[expiry]  += amount   if amount > 0 and expiry <= now

EXAMPLE:
  grant 5 at t0 expiring t100, usage 3 at t5  -> balance(t6) = 2
  grant 5 at t0 expiring t5,   usage 3 at t5  -> balance(t6) = 0 (not -3)

SEE ALSO:
  - payments/items.go: Converts ledger entries to records
  - reconcile/expected.go: Builds records straight from storage rows
*/
package generic

import "sort"

// LedgerRecord is one contribution to an item balance.
type LedgerRecord struct {
	Amount         int64
	GrantTime      Millis
	ExpirationTime Millis
}

// BalanceAt computes the quantity held at now.
func BalanceAt(records []LedgerRecord, now Millis) int64 {
	grantedAt := make(map[Millis]int64)
	usedAt := make(map[Millis]int64)
	expiredAt := make(map[Millis]int64)
	ticks := make(map[Millis]struct{})

	for _, r := range records {
		switch {
		case r.Amount > 0:
			if r.GrantTime <= now {
				grantedAt[r.GrantTime] += r.Amount
				ticks[r.GrantTime] = struct{}{}
			}
			if r.ExpirationTime <= now {
				expiredAt[r.ExpirationTime] += r.Amount
				ticks[r.ExpirationTime] = struct{}{}
			}
		case r.Amount < 0:
			if r.GrantTime <= now && r.ExpirationTime > now {
				usedAt[r.GrantTime] += -r.Amount
				ticks[r.GrantTime] = struct{}{}
			}
		}
	}

	order := make([]Millis, 0, len(ticks))
	for t := range ticks {
		order = append(order, t)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	var granted, expired, usedOrExpired int64
	for _, t := range order {
		granted += grantedAt[t]
		expired += expiredAt[t]
		usedOrExpired = max(usedOrExpired+usedAt[t], expired)
	}
	return granted - usedOrExpired
}
