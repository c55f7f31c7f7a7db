// Package membership содержит статическую таблицу уровней членства.
package membership

import (
	"fmt"
	"os"
	"sort"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/mmeshcher/coinledger/internal/apperr"
	"github.com/mmeshcher/coinledger/internal/model"
)

// Table хранит уровни членства по имени. После создания не изменяется.
type Table struct {
	tiers map[string]model.MembershipTier
}

// Default возвращает таблицу уровней, используемую без файла конфигурации.
func Default() *Table {
	t, _ := New([]model.MembershipTier{
		{Name: "Basic", SecurityFee: 10_000, LoanLimit: 100_000, InvestmentLimit: 100_000, CommissionRate: decimal.RequireFromString("0.02")},
		{Name: "Silver", SecurityFee: 50_000, LoanLimit: 500_000, InvestmentLimit: 500_000, CommissionRate: decimal.RequireFromString("0.03")},
		{Name: "Gold", SecurityFee: 100_000, LoanLimit: 2_000_000, InvestmentLimit: 2_000_000, CommissionRate: decimal.RequireFromString("0.05")},
		{Name: "Platinum", SecurityFee: 500_000, LoanLimit: 10_000_000, InvestmentLimit: 10_000_000, CommissionRate: decimal.RequireFromString("0.07")},
	})
	return t
}

// New проверяет уровни и строит из них таблицу.
func New(tiers []model.MembershipTier) (*Table, error) {
	if len(tiers) == 0 {
		return nil, apperr.Validationf("no membership tiers configured")
	}

	t := &Table{tiers: make(map[string]model.MembershipTier, len(tiers))}
	for _, tier := range tiers {
		if tier.Name == "" {
			return nil, apperr.Validationf("membership tier without name")
		}
		if _, ok := t.tiers[tier.Name]; ok {
			return nil, apperr.Validationf("duplicate membership tier %q", tier.Name)
		}
		if tier.SecurityFee < 0 || tier.LoanLimit < 0 || tier.InvestmentLimit < 0 {
			return nil, apperr.Validationf("membership tier %q has negative limits", tier.Name)
		}
		if tier.CommissionRate.IsNegative() || tier.CommissionRate.GreaterThan(decimal.NewFromInt(1)) {
			return nil, apperr.Validationf("membership tier %q commission rate must be within [0, 1]", tier.Name)
		}
		t.tiers[tier.Name] = tier
	}

	return t, nil
}

type fileTier struct {
	Name            string `yaml:"name"`
	SecurityFee     int64  `yaml:"security_fee"`
	LoanLimit       int64  `yaml:"loan_limit"`
	InvestmentLimit int64  `yaml:"investment_limit"`
	CommissionRate  string `yaml:"commission_rate"`
}

type fileConfig struct {
	Tiers []fileTier `yaml:"tiers"`
}

// Load читает таблицу уровней из YAML-файла.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tiers file: %w", err)
	}
	return Parse(data)
}

// Parse разбирает таблицу уровней из YAML.
func Parse(data []byte) (*Table, error) {
	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, apperr.Validationf("parse tiers: %v", err)
	}

	tiers := make([]model.MembershipTier, 0, len(cfg.Tiers))
	for _, ft := range cfg.Tiers {
		rate, err := decimal.NewFromString(ft.CommissionRate)
		if err != nil {
			return nil, apperr.Validationf("tier %q commission rate %q: %v", ft.Name, ft.CommissionRate, err)
		}
		tiers = append(tiers, model.MembershipTier{
			Name:            ft.Name,
			SecurityFee:     ft.SecurityFee,
			LoanLimit:       ft.LoanLimit,
			InvestmentLimit: ft.InvestmentLimit,
			CommissionRate:  rate,
		})
	}

	return New(tiers)
}

// Get возвращает уровень по имени.
func (t *Table) Get(name string) (model.MembershipTier, error) {
	tier, ok := t.tiers[name]
	if !ok {
		return model.MembershipTier{}, fmt.Errorf("%w: membership tier %q", apperr.ErrNotFound, name)
	}
	return tier, nil
}

// Names возвращает имена уровней в алфавитном порядке.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.tiers))
	for name := range t.tiers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
