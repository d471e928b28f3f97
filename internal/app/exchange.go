package app

import (
	"fmt"
	"math"
	"strings"

	"github.com/soutien/donation-service/internal/domain"
)

// ExchangeRateVersion identifies the rate table below. It is stored on every donation
// so historical conversions stay explainable after the table changes.
const ExchangeRateVersion = "eur-hbar-v1"

// DefaultCurrency is applied when a donation request omits the currency.
const DefaultCurrency = "EUR"

const tinybarsPerHbar = 100_000_000

// tinybarsPerCent maps a currency to the ledger amount one cent buys.
// eur-hbar-v1: 1 HBAR = 0.05 EUR, so 1 EUR = 20 HBAR and 1 cent = 0.2 HBAR.
var tinybarsPerCent = map[string]int64{
	"EUR": 20 * tinybarsPerHbar / 100,
}

// NormalizeCurrency upper-cases the code and applies the default.
func NormalizeCurrency(currency string) string {
	c := strings.ToUpper(strings.TrimSpace(currency))
	if c == "" {
		return DefaultCurrency
	}
	return c
}

// ToLedgerAmount converts an amount in cents of currency to tinybar.
func ToLedgerAmount(amount int64, currency string) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("%w: amount must be positive", domain.ErrValidation)
	}
	rate, ok := tinybarsPerCent[NormalizeCurrency(currency)]
	if !ok {
		return 0, fmt.Errorf("%w: unsupported currency %q", domain.ErrValidation, currency)
	}
	if amount > math.MaxInt64/rate {
		return 0, fmt.Errorf("%w: amount too large", domain.ErrValidation)
	}
	return amount * rate, nil
}
