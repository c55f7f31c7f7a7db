// Package repayment рассчитывает план погашения займа.
package repayment

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/coinledger/internal/apperr"
)

// BorrowerRebate — доля суммы погашения, возвращаемая на кошелёк заёмщика.
var BorrowerRebate = decimal.RequireFromString("0.05")

// Plan описывает план погашения займа. Суммы указаны в основных единицах.
type Plan struct {
	Principal            decimal.Decimal `json:"principal"`
	InterestRate         decimal.Decimal `json:"interestRate"`
	DurationDays         int             `json:"durationDays"`
	TotalRepayment       decimal.Decimal `json:"totalRepayment"`
	BorrowerWalletAmount decimal.Decimal `json:"borrowerWalletAmount"`
	LenderAmount         decimal.Decimal `json:"lenderAmount"`
	CreatedAt            time.Time       `json:"createdAt"`
	DueDate              time.Time       `json:"dueDate"`
}

// Calculate рассчитывает план для займа principal под ratePercent процентов на durationDays дней.
// Вычисления точные, без округления.
func Calculate(principal, ratePercent decimal.Decimal, durationDays int, createdAt time.Time) (Plan, error) {
	if !principal.IsPositive() {
		return Plan{}, apperr.Validationf("principal must be positive, got %s", principal)
	}
	if ratePercent.IsNegative() {
		return Plan{}, apperr.Validationf("interest rate must not be negative, got %s", ratePercent)
	}
	if durationDays <= 0 {
		return Plan{}, apperr.Validationf("duration must be positive, got %d days", durationDays)
	}

	total := principal.Mul(decimal.NewFromInt(1).Add(ratePercent.Shift(-2)))
	borrower := total.Mul(BorrowerRebate)

	return Plan{
		Principal:            principal,
		InterestRate:         ratePercent,
		DurationDays:         durationDays,
		TotalRepayment:       total,
		BorrowerWalletAmount: borrower,
		LenderAmount:         total.Sub(borrower),
		CreatedAt:            createdAt,
		DueDate:              createdAt.Add(time.Duration(durationDays) * 24 * time.Hour),
	}, nil
}

// DailyAccrual возвращает начисляемые за день проценты, округлённые до копеек.
func (p Plan) DailyAccrual() decimal.Decimal {
	interest := p.TotalRepayment.Sub(p.Principal)
	return interest.Div(decimal.NewFromInt(int64(p.DurationDays))).Round(2)
}
