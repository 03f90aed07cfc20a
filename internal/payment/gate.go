// Package payment implements the balance gate: given an item's advisory
// cost estimate, live wallet balances, and the user's payment-method
// preference, it decides which rail the item is charged on and whether
// the balance covers it. Pure functions; the queue owns all state.
package payment

import "github.com/jbracken/permasync/internal/pricing"

// Preference constrains which rails the gate may select.
type Preference int

const (
	// PreferAuto lets the gate pick: free, then credit, then token.
	PreferAuto Preference = iota

	// PreferCreditOnly never falls back to the token rail. Insufficient
	// credit yields an explicit insufficiency flag instead.
	PreferCreditOnly

	// PreferTokenOnly skips the credit rail entirely.
	PreferTokenOnly
)

// String returns the preference name as it appears in configuration.
func (p Preference) String() string {
	switch p {
	case PreferAuto:
		return "auto"
	case PreferCreditOnly:
		return "credit-only"
	case PreferTokenOnly:
		return "token-only"
	default:
		return "unknown"
	}
}

// ParsePreference converts a configuration string to a Preference.
func ParsePreference(s string) (Preference, bool) {
	switch s {
	case "auto", "":
		return PreferAuto, true
	case "credit-only":
		return PreferCreditOnly, true
	case "token-only":
		return PreferTokenOnly, true
	default:
		return PreferAuto, false
	}
}

// Balances is a snapshot of the wallet state at gate time.
type Balances struct {
	// Credits is the prepaid credit balance.
	Credits int64

	// Winston is the native token balance.
	Winston int64
}

// RailSelection is the gate's discriminated result. Exactly one rail
// applies; callers never infer the rail from which cost field happens
// to be populated.
type RailSelection struct {
	Rail       pricing.Rail
	Sufficient bool

	// Shortfall is how much the selected rail's balance misses the
	// charge by, in that rail's units. Zero when Sufficient.
	Shortfall int64
}

// SelectRail resolves the payment rail for one item.
//
// Decision order: a free item always rides the free rail. Otherwise the
// credit rail is used when the preference allows it and the credit
// balance covers the estimate. Otherwise the token rail, sufficient only
// when the token balance covers the estimate. Under PreferCreditOnly an
// uncovered credit charge is reported as insufficient rather than
// silently downgraded to the token rail.
func SelectRail(cost pricing.Cost, bal Balances, pref Preference) RailSelection {
	if cost.Free {
		return RailSelection{Rail: pricing.RailFree, Sufficient: true}
	}

	switch pref {
	case PreferCreditOnly:
		return creditSelection(cost, bal)

	case PreferTokenOnly:
		return tokenSelection(cost, bal)

	default:
		if bal.Credits >= cost.Credits {
			return RailSelection{Rail: pricing.RailCredit, Sufficient: true}
		}

		return tokenSelection(cost, bal)
	}
}

func creditSelection(cost pricing.Cost, bal Balances) RailSelection {
	sel := RailSelection{Rail: pricing.RailCredit, Sufficient: bal.Credits >= cost.Credits}
	if !sel.Sufficient {
		sel.Shortfall = cost.Credits - bal.Credits
	}

	return sel
}

func tokenSelection(cost pricing.Cost, bal Balances) RailSelection {
	sel := RailSelection{Rail: pricing.RailToken, Sufficient: bal.Winston >= cost.Winston}
	if !sel.Sufficient {
		sel.Shortfall = cost.Winston - bal.Winston
	}

	return sel
}
