package parser

import (
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/alert_trader/internal/models"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestParse_Rules(t *testing.T) {
	p := New(nil)

	tests := []struct {
		name       string
		text       string
		rule       string
		action     models.Action
		ticker     string
		strike     string
		optionType models.OptionType
		price      string
		qty        models.QuantitySpec
	}{
		{
			name:       "bought full",
			text:       "BOUGHT SPY 450C $3.20 [10 contracts]",
			rule:       RuleBoughtFull,
			action:     models.ActionBought,
			ticker:     "SPY",
			strike:     "450",
			optionType: models.OptionTypeCall,
			price:      "3.20",
			qty:        models.Explicit(10),
		},
		{
			name:       "bought single contract with commentary",
			text:       "BOUGHT QQQ 380.5P $1.05 lotto size [1 contract]",
			rule:       RuleBoughtFull,
			action:     models.ActionBought,
			ticker:     "QQQ",
			strike:     "380.5",
			optionType: models.OptionTypePut,
			price:      "1.05",
			qty:        models.Explicit(1),
		},
		{
			name:       "bold and lowercase",
			text:       "**bought** spy 450c 3.20 [2 contracts]",
			rule:       RuleBoughtFull,
			action:     models.ActionBought,
			ticker:     "SPY",
			strike:     "450",
			optionType: models.OptionTypeCall,
			price:      "3.20",
			qty:        models.Explicit(2),
		},
		{
			name:       "sold full",
			text:       "SOLD SPY 450C $4.00 [10 contracts]",
			rule:       RuleSoldFull,
			action:     models.ActionSold,
			ticker:     "SPY",
			strike:     "450",
			optionType: models.OptionTypeCall,
			price:      "4.00",
			qty:        models.Explicit(10),
		},
		{
			name:       "sold partial prefix",
			text:       "SOLD 3/5 TSLA 250P $2.10",
			rule:       RuleSoldPartialPrefix,
			action:     models.ActionSold,
			ticker:     "TSLA",
			strike:     "250",
			optionType: models.OptionTypePut,
			price:      "2.10",
			qty:        models.Explicit(2),
		},
		{
			name:       "sold all out",
			text:       "__SOLD__ AAPL 190C $1.50 all out",
			rule:       RuleSoldAllOut,
			action:     models.ActionSold,
			ticker:     "AAPL",
			strike:     "190",
			optionType: models.OptionTypeCall,
			price:      "1.50",
			qty:        models.AllOut(),
		},
		{
			name:       "sold glyph fraction",
			text:       "SOLD SPY 450C $3.20 ⅓ trimming",
			rule:       RuleSoldFraction,
			action:     models.ActionSold,
			ticker:     "SPY",
			strike:     "450",
			optionType: models.OptionTypeCall,
			price:      "3.20",
			qty:        models.Fraction(1, 3),
		},
		{
			name:       "sold ascii fraction",
			text:       "SOLD SPY 450C $3.20 taking 3/4 off",
			rule:       RuleSoldFraction,
			action:     models.ActionSold,
			ticker:     "SPY",
			strike:     "450",
			optionType: models.OptionTypeCall,
			price:      "3.20",
			qty:        models.Fraction(3, 4),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.Parse(tt.text)
			require.True(t, got.Valid)
			assert.Equal(t, tt.rule, got.Rule)
			assert.Equal(t, tt.action, got.Action)
			assert.Equal(t, tt.ticker, got.Ticker)
			assert.True(t, dec(tt.strike).Equal(got.Strike), "strike %s", got.Strike)
			assert.Equal(t, tt.optionType, got.OptionType)
			require.NotNil(t, got.Price)
			assert.True(t, dec(tt.price).Equal(*got.Price), "price %s", got.Price)
			assert.Equal(t, tt.qty, got.Quantity)
		})
	}
}

func TestParse_PartialPrefixIsExplicit(t *testing.T) {
	got := New(nil).Parse("SOLD 1/2 SPY 450C $3.20 [10 contracts]")

	require.True(t, got.Valid)
	assert.Equal(t, RuleSoldPartialPrefix, got.Rule)
	assert.Equal(t, models.QuantityExplicit, got.Quantity.Kind)
	assert.Equal(t, 1, got.Quantity.Contracts)
}

func TestParse_GlyphAndASCIIFractionsAgree(t *testing.T) {
	p := New(nil)
	for glyph, want := range glyphFractions {
		ascii := p.Parse("SOLD SPY 450C $3.20 " + asciiFraction(want))
		unicode := p.Parse("SOLD SPY 450C $3.20 " + glyph)

		require.True(t, ascii.Valid, glyph)
		require.True(t, unicode.Valid, glyph)
		assert.Equal(t, models.Fraction(want[0], want[1]), unicode.Quantity, glyph)
		assert.Equal(t, ascii.Quantity, unicode.Quantity, glyph)
		assert.Equal(t, ascii.Rule, unicode.Rule, glyph)
	}
}

func TestParse_FractionShadowsPartialSuffix(t *testing.T) {
	// An ASCII n/d after the price is read as a fraction of the position,
	// so the suffix rule is only reachable through a custom table.
	got := New(nil).Parse("SOLD SPY 450C $3.20 2/5")
	require.True(t, got.Valid)
	assert.Equal(t, RuleSoldFraction, got.Rule)
	assert.Equal(t, models.Fraction(2, 5), got.Quantity)

	var suffix []Rule
	for _, r := range Rules() {
		if r.Name == RuleSoldPartialSuffix {
			suffix = append(suffix, r)
		}
	}
	require.Len(t, suffix, 1)
	got = NewWithRules(suffix, nil).Parse("SOLD SPY 450C $3.20 2/5")
	require.True(t, got.Valid)
	assert.Equal(t, models.Explicit(3), got.Quantity)
}

func TestParse_ZeroNumeratorIsFraction(t *testing.T) {
	// 0 is a valid number: the token stays a fraction and sizing rejects it later
	got := New(nil).Parse("SOLD SPY 450C $3.20 0/5")
	require.True(t, got.Valid)
	assert.Equal(t, RuleSoldFraction, got.Rule)
	assert.Equal(t, models.Fraction(0, 5), got.Quantity)
}

func TestParse_FallsThroughOnBadFields(t *testing.T) {
	p := New(nil)

	// sold > total: partial-prefix rejects, nothing else matches the shape
	assert.False(t, p.Parse("SOLD 6/5 SPY 450C $3.20").Valid)

	// zero denominator in the fraction rule falls through to partial-suffix,
	// which also rejects it
	assert.False(t, p.Parse("SOLD SPY 450C $3.20 1/0").Valid)

	// malformed price
	assert.False(t, p.Parse("BOUGHT SPY 450C $3.2.1 [10 contracts]").Valid)
}

func TestParse_Invalid(t *testing.T) {
	p := New(nil)
	for _, text := range []string{
		"",
		"good morning everyone",
		"BOUGHT SPY 450C $3.20",
		"SOLD SPY 450X $3.20 ALL OUT",
		"watching SPY 450C for a bounce",
	} {
		got := p.Parse(text)
		assert.False(t, got.Valid, text)
		assert.Equal(t, models.Invalid(), got, text)
	}
}

func TestRules_Precedence(t *testing.T) {
	names := make([]string, 0, 6)
	for _, r := range Rules() {
		names = append(names, r.Name)
	}
	assert.Equal(t, []string{
		RuleBoughtFull,
		RuleSoldFull,
		RuleSoldPartialPrefix,
		RuleSoldAllOut,
		RuleSoldFraction,
		RuleSoldPartialSuffix,
	}, names)
}

func TestRules_EachRuleMatchesAlone(t *testing.T) {
	samples := map[string]string{
		RuleBoughtFull:        "BOUGHT SPY 450C $3.20 [10 contracts]",
		RuleSoldFull:          "SOLD SPY 450C $3.20 [10 contracts]",
		RuleSoldPartialPrefix: "SOLD 1/4 SPY 450C $3.20",
		RuleSoldAllOut:        "SOLD SPY 450C $3.20 ALL OUT",
		RuleSoldFraction:      "SOLD SPY 450C $3.20 ½",
		RuleSoldPartialSuffix: "SOLD SPY 450C $3.20 1/4",
	}
	for _, r := range Rules() {
		t.Run(r.Name, func(t *testing.T) {
			got := NewWithRules([]Rule{r}, nil).Parse(samples[r.Name])
			assert.True(t, got.Valid)
			assert.Equal(t, r.Name, got.Rule)
		})
	}
}

func asciiFraction(f [2]int) string {
	return fmt.Sprintf("%d/%d", f[0], f[1])
}

func TestTruncate_KeepsRunesWhole(t *testing.T) {
	s := strings.Repeat("a", 99) + "½ of the rest"
	got := truncate(s, 100)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("a", 99), got)
	assert.Equal(t, "short", truncate("short", 100))
}
