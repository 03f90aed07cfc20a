package pricing

// BreakdownEntry is one queue item as the aggregator sees it: its
// estimated cost, the rail the balance gate selected, and whether the
// operation touches only metadata. The queue owns the real item records;
// only these snapshots cross into the pricing layer.
type BreakdownEntry struct {
	Cost         Cost
	Rail         Rail
	MetadataOnly bool
}

// CostBreakdown aggregates the approval view over all conflict-free
// items in the queue. Unresolved conflicted items are excluded by the
// caller before aggregation, so freeFiles+creditFiles+tokenFiles always
// equals the number of conflict-free items.
type CostBreakdown struct {
	FreeFiles   int
	CreditFiles int
	TokenFiles  int

	// MetadataOps counts move/rename/hide/unhide/delete operations,
	// which are free by virtue of being well under the free threshold.
	MetadataOps int

	TotalWinston int64
	TotalCredits int64
}

// Breakdown computes the aggregate cost view from per-item entries.
// Pure; recomputed whenever the queue or the price snapshot changes.
func Breakdown(entries []BreakdownEntry) CostBreakdown {
	var b CostBreakdown

	for _, e := range entries {
		if e.MetadataOnly {
			b.MetadataOps++
		}

		switch e.Rail {
		case RailFree:
			b.FreeFiles++
		case RailCredit:
			b.CreditFiles++
			b.TotalCredits += e.Cost.Credits
		case RailToken:
			b.TokenFiles++
			b.TotalWinston += e.Cost.Winston
		}
	}

	return b
}
