// Package models holds the domain types shared by the alert pipeline:
// parsed trade intents, contract identities, position records and trade records.
package models

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Action is the side of a trade as announced in an alert.
type Action string

const (
	// ActionBought opens or adds to a long option position.
	ActionBought Action = "BOUGHT"
	// ActionSold closes some or all of a long option position.
	ActionSold Action = "SOLD"
)

// Valid returns true if the Action is one of the defined constants
func (a Action) Valid() bool {
	return a == ActionBought || a == ActionSold
}

// ParseAction normalizes s into an Action.
func ParseAction(s string) (Action, error) {
	a := Action(strings.ToUpper(strings.TrimSpace(s)))
	if !a.Valid() {
		return "", fmt.Errorf("unknown action %q", s)
	}
	return a, nil
}

// OptionType is the single-letter option type used in alerts and keys.
type OptionType string

const (
	// OptionTypeCall is a call option.
	OptionTypeCall OptionType = "C"
	// OptionTypePut is a put option.
	OptionTypePut OptionType = "P"
)

// Valid returns true if the OptionType is one of the defined constants
func (t OptionType) Valid() bool {
	return t == OptionTypeCall || t == OptionTypePut
}

// ChainType maps the letter to the option_type string used in option chains.
func (t OptionType) ChainType() string {
	switch t {
	case OptionTypeCall:
		return "call"
	case OptionTypePut:
		return "put"
	default:
		return ""
	}
}

// ParseOptionType accepts C/P (any case) as well as call/put.
func ParseOptionType(s string) (OptionType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "c", "call":
		return OptionTypeCall, nil
	case "p", "put":
		return OptionTypePut, nil
	default:
		return "", fmt.Errorf("unknown option type %q", s)
	}
}

// QuantityKind tags which QuantitySpec variant is populated.
type QuantityKind string

const (
	// QuantityExplicit is a fixed number of contracts.
	QuantityExplicit QuantityKind = "explicit"
	// QuantityFraction sells a fraction of the current position.
	QuantityFraction QuantityKind = "fraction"
	// QuantityAllOut sells the entire current position.
	QuantityAllOut QuantityKind = "all_out"
)

// QuantitySpec says how many contracts an intent refers to.
// Build it with Explicit, Fraction or AllOut so exactly one variant is set.
type QuantitySpec struct {
	Kind        QuantityKind `json:"kind"`
	Contracts   int          `json:"contracts,omitempty"`
	Numerator   int          `json:"numerator,omitempty"`
	Denominator int          `json:"denominator,omitempty"`
}

// Explicit returns a spec for n contracts.
func Explicit(n int) QuantitySpec {
	return QuantitySpec{Kind: QuantityExplicit, Contracts: n}
}

// Fraction returns a spec for numerator/denominator of the current position.
func Fraction(numerator, denominator int) QuantitySpec {
	return QuantitySpec{Kind: QuantityFraction, Numerator: numerator, Denominator: denominator}
}

// AllOut returns a spec for the entire current position.
func AllOut() QuantitySpec {
	return QuantitySpec{Kind: QuantityAllOut}
}

// NeedsPosition reports whether the spec can only be resolved against a live position.
func (q QuantitySpec) NeedsPosition() bool {
	return q.Kind == QuantityFraction || q.Kind == QuantityAllOut
}

func (q QuantitySpec) String() string {
	switch q.Kind {
	case QuantityExplicit:
		return fmt.Sprintf("%d", q.Contracts)
	case QuantityFraction:
		return fmt.Sprintf("%d/%d", q.Numerator, q.Denominator)
	case QuantityAllOut:
		return "all out"
	default:
		return "unknown"
	}
}

// TradeIntent is what a parsed alert asks us to do.
// Price is nil when the alert carried no usable price.
type TradeIntent struct {
	Action     Action           `json:"action,omitempty"`
	Ticker     string           `json:"ticker,omitempty"`
	Strike     decimal.Decimal  `json:"strike"`
	OptionType OptionType       `json:"option_type,omitempty"`
	Price      *decimal.Decimal `json:"price,omitempty"`
	Quantity   QuantitySpec     `json:"quantity"`
	Rule       string           `json:"rule,omitempty"`
	Valid      bool             `json:"valid"`
}

// Invalid is the intent returned for text no grammar rule understood.
func Invalid() TradeIntent {
	return TradeIntent{Valid: false}
}

// Key returns the contract key the intent refers to.
func (i TradeIntent) Key() ContractKey {
	return NewContractKey(i.Ticker, i.Strike, i.OptionType)
}

// HasPrice reports whether the alert stated a price.
func (i TradeIntent) HasPrice() bool {
	return i.Price != nil
}

func (i TradeIntent) String() string {
	if !i.Valid {
		return "invalid intent"
	}
	s := fmt.Sprintf("%s %s %s%s x%s", i.Action, i.Ticker, i.Strike.String(), i.OptionType, i.Quantity)
	if i.Price != nil {
		s += " @ " + i.Price.StringFixed(2)
	}
	return s
}
