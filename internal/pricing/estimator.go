// Package pricing implements per-item cost estimation and queue-level
// cost aggregation for the upload queue. Every function here is pure and
// safe for concurrent use; live rates and balances are resolved by the
// caller (see internal/gateway) and passed in as a Params snapshot.
package pricing

import "math"

// GiB is the byte count the per-gigabyte rates in Params refer to.
const GiB = 1 << 30

// Rail identifies the payment mechanism chosen for an item.
type Rail int

const (
	// RailFree covers items under the free-tier threshold and
	// metadata-only operations.
	RailFree Rail = iota

	// RailCredit charges the prepaid credit balance.
	RailCredit

	// RailToken charges the native token wallet.
	RailToken
)

// String returns the rail name used in logs and the approval view.
func (r Rail) String() string {
	switch r {
	case RailFree:
		return "free"
	case RailCredit:
		return "credit"
	case RailToken:
		return "token"
	default:
		return "unknown"
	}
}

// Params is a snapshot of the inputs Estimate needs. Rates are advisory
// quotes from the gateway; the balance gate decides which rail is
// actually charged.
type Params struct {
	// FreeThresholdBytes is the size cutoff under which publishing is
	// free. Items at or below the threshold cost nothing.
	FreeThresholdBytes int64

	// WinstonPerGiB is the native-token price quote for one GiB.
	WinstonPerGiB int64

	// CreditsPerGiB is the prepaid-credit price quote for one GiB.
	CreditsPerGiB int64
}

// Cost is the advisory estimate for a single item. Winston and Credits
// are mutually informative, never both authoritative: the balance gate
// picks which one is charged. A zero Winston or Credits value on a
// non-free item is a valid quote (promotional pricing), not an error.
type Cost struct {
	Winston int64
	Credits int64
	Free    bool
}

// Estimate prices a single candidate item. Items at or under the free
// threshold, and metadata-only operations (move, rename, hide, unhide,
// delete), are free regardless of the quoted rates: metadata mutations
// are minuscule by definition.
func Estimate(size int64, metadataOnly bool, p Params) Cost {
	if metadataOnly || size <= p.FreeThresholdBytes {
		return Cost{Free: true}
	}

	return Cost{
		Winston: scaleRate(size, p.WinstonPerGiB),
		Credits: scaleRate(size, p.CreditsPerGiB),
	}
}

// scaleRate converts a per-GiB rate to a cost for size bytes, rounding
// up so a fractional unit is never quoted as zero unless the rate
// itself is zero.
func scaleRate(size, ratePerGiB int64) int64 {
	if ratePerGiB <= 0 || size <= 0 {
		return 0
	}

	return int64(math.Ceil(float64(size) * float64(ratePerGiB) / float64(GiB)))
}
