package models

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// StrikeMatchEpsilon is the tolerance for treating two strikes as the same.
// Upstream feeds sometimes report 449.99999 for 450.
var StrikeMatchEpsilon = decimal.New(1, -2)

// ContractKey identifies one option series regardless of expiration.
type ContractKey struct {
	Ticker     string          `json:"ticker" db:"ticker"`
	Strike     decimal.Decimal `json:"strike" db:"strike"`
	OptionType OptionType      `json:"option_type" db:"option_type"`
}

// KeyID is the comparable form of a ContractKey, suitable for map keys.
type KeyID struct {
	Ticker      string
	StrikeCents int64
	OptionType  OptionType
}

// NewContractKey builds a normalized key: uppercase ticker, strike rounded to cents.
func NewContractKey(ticker string, strike decimal.Decimal, optionType OptionType) ContractKey {
	return ContractKey{
		Ticker:     strings.ToUpper(strings.TrimSpace(ticker)),
		Strike:     strike.Round(2),
		OptionType: OptionType(strings.ToUpper(string(optionType))),
	}
}

// Normalize returns the key with ticker/type uppercased and strike rounded to cents.
func (k ContractKey) Normalize() ContractKey {
	return NewContractKey(k.Ticker, k.Strike, k.OptionType)
}

// ID returns the comparable identity of the key.
func (k ContractKey) ID() KeyID {
	n := k.Normalize()
	return KeyID{
		Ticker:      n.Ticker,
		StrikeCents: n.Strike.Shift(2).Round(0).IntPart(),
		OptionType:  n.OptionType,
	}
}

// Matches reports whether two keys refer to the same series.
func (k ContractKey) Matches(other ContractKey) bool {
	return strings.EqualFold(k.Ticker, other.Ticker) &&
		strings.EqualFold(string(k.OptionType), string(other.OptionType)) &&
		SameStrike(k.Strike, other.Strike)
}

func (k ContractKey) String() string {
	return fmt.Sprintf("%s %s%s", k.Ticker, k.Strike.String(), k.OptionType)
}

// SameStrike reports whether a and b are within StrikeMatchEpsilon of each other.
func SameStrike(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThan(StrikeMatchEpsilon)
}
