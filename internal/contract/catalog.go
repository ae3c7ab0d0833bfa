package contract

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Catalog is the on-disk contract list, usually contracts.yaml.
type Catalog struct {
	Contracts []CatalogEntry `yaml:"contracts"`
}

type CatalogEntry struct {
	Symbol      string  `yaml:"symbol"`
	Exchange    string  `yaml:"exchange"`
	VarietyCode string  `yaml:"variety_code"`
	VarietyName string  `yaml:"variety_name"`
	Multiplier  float64 `yaml:"multiplier"`
	MarginRatio float64 `yaml:"margin_ratio"`
	PriceTick   float64 `yaml:"price_tick"`
	ExpireDate  string  `yaml:"expire_date"` // 2006-01-02
	IsMain      bool    `yaml:"is_main"`
	Inactive    bool    `yaml:"inactive"`
}

// ReadCatalog parses a catalog file. A missing file yields an empty catalog.
func ReadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Catalog{}, nil
		}
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(data)
}

func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	return &c, nil
}

// ToContract converts a catalog entry, applying the default multiplier and
// margin ratio when the entry leaves them out.
func (e CatalogEntry) ToContract() (*Contract, error) {
	if e.Symbol == "" {
		return nil, errors.New("catalog entry without symbol")
	}
	c := &Contract{
		Symbol:      e.Symbol,
		Exchange:    e.Exchange,
		VarietyCode: e.VarietyCode,
		VarietyName: e.VarietyName,
		Multiplier:  DefaultMultiplier,
		MarginRatio: DefaultMarginRatio,
		PriceTick:   decimal.NewFromFloat(e.PriceTick),
		IsMain:      e.IsMain,
		IsActive:    !e.Inactive,
	}
	if e.Multiplier > 0 {
		c.Multiplier = decimal.NewFromFloat(e.Multiplier)
	}
	if e.MarginRatio > 0 {
		c.MarginRatio = decimal.NewFromFloat(e.MarginRatio)
	}
	if e.ExpireDate != "" {
		t, err := time.Parse("2006-01-02", e.ExpireDate)
		if err != nil {
			return nil, fmt.Errorf("contract %s: bad expire_date %q: %w", e.Symbol, e.ExpireDate, err)
		}
		c.ExpireDate = t
	}
	return c, nil
}
