package marketdata

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"qbtrade/internal/domain/models"
)

// ErrIncompleteTick rejects raw frames missing required fields.
var ErrIncompleteTick = errors.New("marketdata: incomplete tick")

// RawTick is a source frame before normalization. Field names vary per
// source; adapters map their wire format into this shape.
type RawTick struct {
	Symbol string
	TS     time.Time
	Open   string
	High   string
	Low    string
	Close  string
	Volume string
	Source models.TickSource
}

// Normalizer canonicalizes symbols and parses numeric fields.
type Normalizer struct{}

// NewNormalizer creates a Normalizer.
func NewNormalizer() *Normalizer { return &Normalizer{} }

// CanonicalSymbol strips exchange suffixes ("005930.KS" -> "005930") and
// known prefixes, yielding the 6-digit code the rest of the system keys on.
func CanonicalSymbol(s string) string {
	s = strings.TrimSpace(strings.ToUpper(s))
	if i := strings.IndexByte(s, '.'); i > 0 {
		s = s[:i]
	}
	s = strings.TrimPrefix(s, "KRX:")
	s = strings.TrimPrefix(s, "A") // legacy account-style prefix
	return s
}

// Normalize converts a raw frame into a MarketTick, rejecting frames that
// cannot populate every required field.
func (n *Normalizer) Normalize(raw RawTick) (models.MarketTick, error) {
	symbol := CanonicalSymbol(raw.Symbol)
	if symbol == "" || raw.TS.IsZero() || raw.Close == "" {
		return models.MarketTick{}, ErrIncompleteTick
	}

	closeP, err := decimal.NewFromString(strings.ReplaceAll(raw.Close, ",", ""))
	if err != nil {
		return models.MarketTick{}, fmt.Errorf("parse close %q: %w", raw.Close, err)
	}

	tick := models.MarketTick{
		Symbol: symbol,
		TS:     raw.TS.UTC(),
		Close:  closeP,
		Source: raw.Source,
	}

	if tick.Open, err = parseOptional(raw.Open); err != nil {
		return models.MarketTick{}, fmt.Errorf("parse open %q: %w", raw.Open, err)
	}
	if tick.High, err = parseOptional(raw.High); err != nil {
		return models.MarketTick{}, fmt.Errorf("parse high %q: %w", raw.High, err)
	}
	if tick.Low, err = parseOptional(raw.Low); err != nil {
		return models.MarketTick{}, fmt.Errorf("parse low %q: %w", raw.Low, err)
	}
	if tick.Volume, err = parseOptional(raw.Volume); err != nil {
		return models.MarketTick{}, fmt.Errorf("parse volume %q: %w", raw.Volume, err)
	}
	return tick, nil
}

func parseOptional(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(strings.ReplaceAll(s, ",", ""))
}
