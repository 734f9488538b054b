package broker

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/alert_trader/internal/models"
)

const osiDateLayout = "060102"

// OSISymbol is a decoded OCC/OSI option symbol, e.g. SPY241220C00450000.
type OSISymbol struct {
	Underlying string
	Expiration time.Time
	OptionType models.OptionType
	Strike     decimal.Decimal
}

// Key returns the contract key of the symbol, ignoring expiration.
func (s OSISymbol) Key() models.ContractKey {
	return models.NewContractKey(s.Underlying, s.Strike, s.OptionType)
}

// ParseOSI decodes an OSI option symbol.
func ParseOSI(symbol string) (OSISymbol, error) {
	s := strings.TrimSpace(symbol)
	underlying := extractUnderlyingFromOSI(s)
	if underlying == "" {
		return OSISymbol{}, fmt.Errorf("not an OSI option symbol: %q", symbol)
	}
	rest := s[len(s)-15:]

	exp, err := time.Parse(osiDateLayout, rest[:6])
	if err != nil {
		return OSISymbol{}, fmt.Errorf("bad expiration in %q: %w", symbol, err)
	}
	ot, err := models.ParseOptionType(optionTypeFromSymbol(s))
	if err != nil {
		return OSISymbol{}, fmt.Errorf("bad option type in %q: %w", symbol, err)
	}
	strike, err := decimal.NewFromString(rest[7:])
	if err != nil {
		return OSISymbol{}, fmt.Errorf("bad strike in %q: %w", symbol, err)
	}

	return OSISymbol{
		Underlying: underlying,
		Expiration: exp,
		OptionType: ot,
		Strike:     strike.Shift(-3),
	}, nil
}

// FormatOSI builds the OSI symbol for a contract expiring on expiration.
func FormatOSI(key models.ContractKey, expiration time.Time) string {
	k := key.Normalize()
	return fmt.Sprintf("%s%s%s%08d", k.Ticker, expiration.Format(osiDateLayout), k.OptionType, k.Strike.Shift(3).Round(0).IntPart())
}

// extractUnderlyingFromOSI extracts the underlying symbol from an OSI-formatted option symbol
// e.g., "SPY241220P00450000" -> "SPY"
func extractUnderlyingFromOSI(s string) string {
	// OSI format: UNDERLYING + YYMMDD + P/C + 8-digit strike
	trimmed := strings.TrimSpace(s)
	if len(trimmed) < 16 {
		return ""
	}

	i := len(trimmed) - 15
	if !isDigits(trimmed[i:i+6], 6) {
		return ""
	}
	if c := trimmed[i-1]; c >= '0' && c <= '9' {
		return ""
	}
	switch trimmed[i+6] {
	case 'P', 'p', 'C', 'c':
	default:
		return ""
	}
	if !isDigits(trimmed[i+7:], 8) {
		return ""
	}
	return strings.TrimSpace(trimmed[:i])
}

// optionTypeFromSymbol returns "put" | "call" | "" from OSI-like symbols, e.g. SPY241220P00450000
func optionTypeFromSymbol(s string) string {
	if len(s) < 9 {
		return ""
	}
	i := len(s) - 9
	if !isDigits(s[i+1:], 8) {
		return ""
	}
	switch s[i] {
	case 'P', 'p':
		return "put"
	case 'C', 'c':
		return "call"
	default:
		return ""
	}
}

// isDigits checks if s consists of exactly n ASCII digits
func isDigits(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
