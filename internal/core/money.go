// Package core provides the domain model of the ledger and money handling.
//
// Amounts are exact decimals (shopspring/decimal). Every stored amount is a
// whole number of currency units of 0.01; percentages may carry more digits.
package core

import (
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

// CurrencyScale is the number of fractional digits of the smallest currency unit.
const CurrencyScale = 2

var (
	// Unit is the smallest representable currency amount.
	Unit    = decimal.New(1, -CurrencyScale)
	Hundred = decimal.NewFromInt(100)
)

// ParseAmount converts a decimal string to an exact amount.
//
// It accepts both dot (12.34) and comma (12,34) decimal separators. Unlike a
// display parser it never rounds: more than two fractional digits, negative
// values and zero are rejected.
//
// Examples:
//
//	ParseAmount("12.34") -> 12.34, nil
//	ParseAmount("12,34") -> 12.34, nil
//	ParseAmount("12.345") -> error
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, ErrInvalidAmount
	}
	s = strings.ReplaceAll(s, ",", ".")
	if strings.HasPrefix(s, "+") || strings.HasPrefix(s, "-") {
		return decimal.Zero, ErrInvalidAmount
	}
	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return decimal.Zero, ErrInvalidAmount
	}
	for _, p := range parts {
		for _, r := range p {
			if !unicode.IsDigit(r) {
				return decimal.Zero, ErrInvalidAmount
			}
		}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	if err := ValidateAmount(d); err != nil {
		return decimal.Zero, err
	}
	return d, nil
}

// ValidateAmount checks that d is positive and a whole number of units.
func ValidateAmount(d decimal.Decimal) error {
	if !d.IsPositive() {
		return Wrapf(ErrInvalidAmount, "%s must be greater than zero", d.String())
	}
	if !IsWholeUnits(d) {
		return Wrapf(ErrInvalidAmount, "%s has more than %d fractional digits", d.String(), CurrencyScale)
	}
	return nil
}

// IsWholeUnits reports whether d has no digits below the currency unit.
func IsWholeUnits(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(CurrencyScale))
}

// Sum adds up amounts exactly.
func Sum(ds ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, d := range ds {
		total = total.Add(d)
	}
	return total
}

// FormatAmount renders d with exactly two fractional digits.
func FormatAmount(d decimal.Decimal) string {
	return d.StringFixed(CurrencyScale)
}
