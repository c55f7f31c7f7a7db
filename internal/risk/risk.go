// Package risk вычисляет детерминированную оценку риска транзакции.
package risk

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/coinledger/internal/apperr"
)

// Level описывает уровень риска.
type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

// Названия факторов риска.
const (
	FactorHighValue   = "high-value-transaction"
	FactorUnusualHour = "unusual-hours"
	FactorRapid       = "rapid-transactions"
	FactorEscalating  = "escalating-amounts"
)

// Веса и пороги правил.
const (
	weightHighValue   = 20
	weightUnusualHour = 15
	weightRapid       = 25
	weightEscalating  = 30

	mediumThreshold = 30
	highThreshold   = 50

	rapidWindow    = time.Hour
	rapidMinCount  = 2
	escalatingSpan = 3
)

var highValueThreshold = decimal.NewFromInt(20_000)

// Transaction описывает транзакцию пользователя. Amount указан в основных единицах.
type Transaction struct {
	ID             string          `json:"id"`
	UserID         string          `json:"userId"`
	Amount         decimal.Decimal `json:"amount"`
	Timestamp      time.Time       `json:"timestamp"`
	CounterpartyID string          `json:"counterpartyId,omitempty"`
}

// Assessment содержит результат оценки риска. Не сохраняется и пересчитывается при каждом вызове.
type Assessment struct {
	TransactionID string   `json:"transactionId"`
	Score         int      `json:"riskScore"`
	Level         Level    `json:"riskLevel"`
	Factors       []string `json:"riskFactors"`
}

// Assess оценивает транзакцию tx с учётом истории пользователя history.
// История может быть неупорядоченной; в расчёт идут только записи строго раньше tx.
func Assess(tx Transaction, history []Transaction) (Assessment, error) {
	if tx.Timestamp.IsZero() {
		return Assessment{}, apperr.Validationf("transaction %q has no timestamp", tx.ID)
	}
	if tx.Amount.IsNegative() {
		return Assessment{}, apperr.Validationf("transaction %q has negative amount", tx.ID)
	}

	prior := make([]Transaction, 0, len(history))
	for _, h := range history {
		if h.Timestamp.IsZero() {
			return Assessment{}, apperr.Validationf("history transaction %q has no timestamp", h.ID)
		}
		if h.Timestamp.Before(tx.Timestamp) {
			prior = append(prior, h)
		}
	}

	sort.SliceStable(prior, func(i, j int) bool {
		return prior[i].Timestamp.After(prior[j].Timestamp)
	})

	a := Assessment{
		TransactionID: tx.ID,
		Factors:       []string{},
	}

	if tx.Amount.GreaterThan(highValueThreshold) {
		a.Score += weightHighValue
		a.Factors = append(a.Factors, FactorHighValue)
	}

	if isUnusualHour(tx.Timestamp.Hour()) {
		a.Score += weightUnusualHour
		a.Factors = append(a.Factors, FactorUnusualHour)
	}

	if countWithin(prior, tx.Timestamp, rapidWindow) >= rapidMinCount {
		a.Score += weightRapid
		a.Factors = append(a.Factors, FactorRapid)
	}

	if isEscalating(prior, tx.Amount) {
		a.Score += weightEscalating
		a.Factors = append(a.Factors, FactorEscalating)
	}

	a.Level = levelFor(a.Score)
	return a, nil
}

// isUnusualHour — интервал [23:00, 24:00) и часы с 0 по 5 включительно.
func isUnusualHour(hour int) bool {
	return hour >= 23 || hour <= 5
}

// countWithin считает записи из окна [at-window, at). prior отсортирован по убыванию времени.
func countWithin(prior []Transaction, at time.Time, window time.Duration) int {
	from := at.Add(-window)
	n := 0
	for _, h := range prior {
		if h.Timestamp.Before(from) {
			break
		}
		n++
	}
	return n
}

func isEscalating(prior []Transaction, current decimal.Decimal) bool {
	if len(prior) < escalatingSpan {
		return false
	}

	next := current
	for _, h := range prior[:escalatingSpan] {
		if !h.Amount.LessThan(next) {
			return false
		}
		next = h.Amount
	}
	return true
}

func levelFor(score int) Level {
	switch {
	case score >= highThreshold:
		return LevelHigh
	case score >= mediumThreshold:
		return LevelMedium
	default:
		return LevelLow
	}
}
