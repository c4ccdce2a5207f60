package models

import (
	"fmt"
	"strconv"
	"strings"
)

const milliSatsPerSat = int64(1000)

// MilliSats is an amount expressed in thousandths of a satoshi. Metering works
// on this unit so per-second pricing never needs floating point balances.
type MilliSats int64

// Sats returns the whole-satoshi portion of the amount, truncated toward zero.
func (m MilliSats) Sats() int64 {
	return int64(m) / milliSatsPerSat
}

// DecimalString renders the amount in satoshis with up to three fractional
// digits, e.g. 1500 -> "1.5".
func (m MilliSats) DecimalString() string {
	value := int64(m)
	negative := value < 0
	if negative {
		value = -value
	}
	whole := value / milliSatsPerSat
	frac := value % milliSatsPerSat
	var b strings.Builder
	if negative {
		b.WriteByte('-')
	}
	b.WriteString(strconv.FormatInt(whole, 10))
	if frac != 0 {
		digits := strings.TrimRight(fmt.Sprintf("%03d", frac), "0")
		b.WriteByte('.')
		b.WriteString(digits)
	}
	return b.String()
}

func (m MilliSats) String() string {
	return m.DecimalString() + " sats"
}

// ParseSats converts a decimal satoshi amount with at most three fractional
// digits into MilliSats.
func ParseSats(input string) (MilliSats, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return 0, fmt.Errorf("amount is required")
	}
	negative := false
	switch trimmed[0] {
	case '-':
		negative = true
		trimmed = trimmed[1:]
	case '+':
		trimmed = trimmed[1:]
	}
	wholePart, fracPart, hasFrac := strings.Cut(trimmed, ".")
	if wholePart == "" {
		wholePart = "0"
	}
	if hasFrac && (fracPart == "" || len(fracPart) > 3) {
		return 0, fmt.Errorf("invalid amount %q", input)
	}
	whole, err := strconv.ParseInt(wholePart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", input, err)
	}
	var frac int64
	if hasFrac {
		padded := fracPart + strings.Repeat("0", 3-len(fracPart))
		frac, err = strconv.ParseInt(padded, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid amount %q: %w", input, err)
		}
	}
	total := whole*milliSatsPerSat + frac
	if negative {
		total = -total
	}
	return MilliSats(total), nil
}
