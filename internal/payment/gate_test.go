package payment

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jbracken/permasync/internal/pricing"
)

func TestSelectRail_FreeAlwaysSufficient(t *testing.T) {
	// Free items ride the free rail even with empty balances.
	sel := SelectRail(pricing.Cost{Free: true}, Balances{}, PreferAuto)
	assert.Equal(t, pricing.RailFree, sel.Rail)
	assert.True(t, sel.Sufficient)
	assert.Zero(t, sel.Shortfall)
}

func TestSelectRail_Auto(t *testing.T) {
	cost := pricing.Cost{Credits: 100, Winston: 900}

	tests := []struct {
		name       string
		bal        Balances
		wantRail   pricing.Rail
		sufficient bool
		shortfall  int64
	}{
		{name: "credit covers", bal: Balances{Credits: 100, Winston: 0}, wantRail: pricing.RailCredit, sufficient: true},
		{name: "credit short falls back to token", bal: Balances{Credits: 99, Winston: 900}, wantRail: pricing.RailToken, sufficient: true},
		{name: "both short reports token shortfall", bal: Balances{Credits: 0, Winston: 850}, wantRail: pricing.RailToken, sufficient: false, shortfall: 50},
		{name: "empty wallet", bal: Balances{}, wantRail: pricing.RailToken, sufficient: false, shortfall: 900},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sel := SelectRail(cost, tt.bal, PreferAuto)
			assert.Equal(t, tt.wantRail, sel.Rail)
			assert.Equal(t, tt.sufficient, sel.Sufficient)
			assert.Equal(t, tt.shortfall, sel.Shortfall)
		})
	}
}

func TestSelectRail_CreditOnly_NeverFallsBack(t *testing.T) {
	cost := pricing.Cost{Credits: 100, Winston: 900}

	// Token balance covers the charge, but the preference forbids it.
	sel := SelectRail(cost, Balances{Credits: 40, Winston: 10_000}, PreferCreditOnly)
	assert.Equal(t, pricing.RailCredit, sel.Rail)
	assert.False(t, sel.Sufficient)
	assert.Equal(t, int64(60), sel.Shortfall)
}

func TestSelectRail_CreditOnly_Sufficient(t *testing.T) {
	sel := SelectRail(pricing.Cost{Credits: 100}, Balances{Credits: 100}, PreferCreditOnly)
	assert.Equal(t, pricing.RailCredit, sel.Rail)
	assert.True(t, sel.Sufficient)
	assert.Zero(t, sel.Shortfall)
}

func TestSelectRail_TokenOnly_SkipsCredit(t *testing.T) {
	cost := pricing.Cost{Credits: 100, Winston: 900}

	sel := SelectRail(cost, Balances{Credits: 10_000, Winston: 900}, PreferTokenOnly)
	assert.Equal(t, pricing.RailToken, sel.Rail)
	assert.True(t, sel.Sufficient)

	sel = SelectRail(cost, Balances{Credits: 10_000, Winston: 100}, PreferTokenOnly)
	assert.Equal(t, pricing.RailToken, sel.Rail)
	assert.False(t, sel.Sufficient)
	assert.Equal(t, int64(800), sel.Shortfall)
}

func TestSelectRail_ZeroCostQuoteOnPaidRail(t *testing.T) {
	// Promotional zero quote: non-free item, zero charge, always covered.
	sel := SelectRail(pricing.Cost{Credits: 0, Winston: 0}, Balances{}, PreferAuto)
	assert.Equal(t, pricing.RailCredit, sel.Rail)
	assert.True(t, sel.Sufficient)
}

func TestParsePreference(t *testing.T) {
	tests := []struct {
		raw  string
		want Preference
		ok   bool
	}{
		{raw: "auto", want: PreferAuto, ok: true},
		{raw: "", want: PreferAuto, ok: true},
		{raw: "credit-only", want: PreferCreditOnly, ok: true},
		{raw: "token-only", want: PreferTokenOnly, ok: true},
		{raw: "cash", want: PreferAuto, ok: false},
	}

	for _, tt := range tests {
		t.Run("input "+tt.raw, func(t *testing.T) {
			got, ok := ParsePreference(tt.raw)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestPreferenceString_RoundTrips(t *testing.T) {
	for _, pref := range []Preference{PreferAuto, PreferCreditOnly, PreferTokenOnly} {
		got, ok := ParsePreference(pref.String())
		assert.True(t, ok)
		assert.Equal(t, pref, got)
	}
}
