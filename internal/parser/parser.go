// Package parser turns free-text trade alerts into TradeIntents.
//
// Alerts are matched against an ordered table of grammar rules; the first rule
// that matches and whose captured fields all parse wins. Text no rule accepts
// yields an invalid intent, never an error.
package parser

import (
	"io"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/alert_trader/internal/models"
)

// Rule names, in precedence order.
const (
	RuleBoughtFull         = "bought_full"
	RuleSoldFull           = "sold_full"
	RuleSoldPartialPrefix  = "sold_partial_prefix"
	RuleSoldAllOut         = "sold_all_out"
	RuleSoldFraction       = "sold_fraction"
	RuleSoldPartialSuffix  = "sold_partial_suffix"
	maxLoggedMessagePrefix = 100
)

// Building blocks shared by the grammar. Emphasis markers (**SOLD**, __SOLD__)
// are tolerated around the action word.
const (
	emphasis = `[*_~]{0,2}`
	contract = `\s+([A-Z]+)\s+(\d+\.?\d*)([CP])\s+\$?([\d.]+)`
)

var glyphFractions = map[string][2]int{
	"½": {1, 2},
	"⅓": {1, 3},
	"⅔": {2, 3},
	"¼": {1, 4},
	"¾": {3, 4},
	"⅕": {1, 5},
	"⅖": {2, 5},
	"⅗": {3, 5},
	"⅘": {4, 5},
	"⅙": {1, 6},
	"⅚": {5, 6},
	"⅛": {1, 8},
	"⅜": {3, 8},
	"⅝": {5, 8},
	"⅞": {7, 8},
}

func action(word string) string {
	return `(?i)` + emphasis + word + emphasis
}

// Rule is one grammar production: a pattern and the constructor for its captures.
// Build returns false when a captured field does not parse, which sends the
// parser on to the next rule.
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
	Build   func(m []string) (models.TradeIntent, bool)
}

// Rules returns the grammar in precedence order.
func Rules() []Rule {
	return []Rule{
		{
			Name:    RuleBoughtFull,
			Pattern: regexp.MustCompile(action("BOUGHT") + contract + `\s+.*?\[(\d+)\s+contracts?\]`),
			Build: func(m []string) (models.TradeIntent, bool) {
				n, ok := parseCount(m[5])
				if !ok {
					return models.TradeIntent{}, false
				}
				return buildIntent(models.ActionBought, m[1], m[2], m[3], m[4], models.Explicit(n))
			},
		},
		{
			Name:    RuleSoldFull,
			Pattern: regexp.MustCompile(action("SOLD") + contract + `\s+.*?\[(\d+)\s+contracts?\]`),
			Build: func(m []string) (models.TradeIntent, bool) {
				n, ok := parseCount(m[5])
				if !ok {
					return models.TradeIntent{}, false
				}
				return buildIntent(models.ActionSold, m[1], m[2], m[3], m[4], models.Explicit(n))
			},
		},
		{
			Name:    RuleSoldPartialPrefix,
			Pattern: regexp.MustCompile(action("SOLD") + `\s+(\d+)/(\d+)` + contract),
			Build: func(m []string) (models.TradeIntent, bool) {
				remaining, ok := remainingContracts(m[1], m[2])
				if !ok {
					return models.TradeIntent{}, false
				}
				return buildIntent(models.ActionSold, m[3], m[4], m[5], m[6], models.Explicit(remaining))
			},
		},
		{
			Name:    RuleSoldAllOut,
			Pattern: regexp.MustCompile(action("SOLD") + contract + `\s+ALL\s+OUT`),
			Build: func(m []string) (models.TradeIntent, bool) {
				return buildIntent(models.ActionSold, m[1], m[2], m[3], m[4], models.AllOut())
			},
		},
		{
			Name:    RuleSoldFraction,
			Pattern: regexp.MustCompile(action("SOLD") + contract + `\s+.*?(` + glyphClass() + `|\d+/\d+)`),
			Build: func(m []string) (models.TradeIntent, bool) {
				num, den, ok := parseFraction(m[5])
				if !ok {
					return models.TradeIntent{}, false
				}
				return buildIntent(models.ActionSold, m[1], m[2], m[3], m[4], models.Fraction(num, den))
			},
		},
		{
			Name:    RuleSoldPartialSuffix,
			Pattern: regexp.MustCompile(action("SOLD") + contract + `\s+.*?(\d+)/(\d+)`),
			Build: func(m []string) (models.TradeIntent, bool) {
				remaining, ok := remainingContracts(m[5], m[6])
				if !ok {
					return models.TradeIntent{}, false
				}
				return buildIntent(models.ActionSold, m[1], m[2], m[3], m[4], models.Explicit(remaining))
			},
		},
	}
}

// Parser applies the grammar table to alert text.
type Parser struct {
	rules  []Rule
	logger logrus.FieldLogger
}

// New creates a parser over the default grammar.
func New(logger logrus.FieldLogger) *Parser {
	return NewWithRules(Rules(), logger)
}

// NewWithRules creates a parser over a custom rule table.
func NewWithRules(rules []Rule, logger logrus.FieldLogger) *Parser {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	return &Parser{rules: rules, logger: logger}
}

// Parse returns the intent of the first matching rule, or an invalid intent.
func (p *Parser) Parse(text string) models.TradeIntent {
	text = strings.TrimSpace(text)
	for _, rule := range p.rules {
		m := rule.Pattern.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		intent, ok := rule.Build(m)
		if !ok {
			p.logger.WithField("rule", rule.Name).Debug("Rule matched but a field did not parse, trying next rule")
			continue
		}
		intent.Rule = rule.Name
		intent.Valid = true
		return intent
	}
	p.logger.WithField("text", truncate(text, maxLoggedMessagePrefix)).Debug("Message did not match any rule")
	return models.Invalid()
}

func buildIntent(a models.Action, ticker, strike, optionType, price string, qty models.QuantitySpec) (models.TradeIntent, bool) {
	k, err := decimal.NewFromString(strike)
	if err != nil || !k.IsPositive() {
		return models.TradeIntent{}, false
	}
	px, err := decimal.NewFromString(price)
	if err != nil || px.IsNegative() {
		return models.TradeIntent{}, false
	}
	return models.TradeIntent{
		Action:     a,
		Ticker:     strings.ToUpper(ticker),
		Strike:     k,
		OptionType: models.OptionType(strings.ToUpper(optionType)),
		Price:      &px,
		Quantity:   qty,
	}, true
}

func parseCount(s string) (int, bool) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// remainingContracts handles "sold/total" tokens: what is left after the sale.
func remainingContracts(sold, total string) (int, bool) {
	s, ok1 := parseCount(sold)
	t, ok2 := parseCount(total)
	if !ok1 || !ok2 || t == 0 || s > t {
		return 0, false
	}
	return t - s, true
}

func parseFraction(s string) (int, int, bool) {
	if f, ok := glyphFractions[s]; ok {
		return f[0], f[1], true
	}
	num, den, found := strings.Cut(s, "/")
	if !found {
		return 0, 0, false
	}
	n, ok1 := parseCount(num)
	d, ok2 := parseCount(den)
	if !ok1 || !ok2 || d == 0 {
		return 0, 0, false
	}
	return n, d, true
}

func glyphClass() string {
	var b strings.Builder
	b.WriteString("[")
	for g := range glyphFractions {
		b.WriteString(g)
	}
	b.WriteString("]")
	return b.String()
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
