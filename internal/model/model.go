// Package model содержит доменные сущности сервиса coinledger.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// User представляет участника P2P-площадки.
type User struct {
	ID             string
	ReferrerID     string
	MembershipTier string
	CreatedAt      time.Time
}

// TicketType описывает направление заявки: занять или инвестировать.
type TicketType string

const (
	TicketTypeBorrow TicketType = "Borrow"
	TicketTypeInvest TicketType = "Invest"
)

// Valid сообщает, является ли тип заявки допустимым.
func (t TicketType) Valid() bool {
	return t == TicketTypeBorrow || t == TicketTypeInvest
}

// Opposite возвращает встречный тип заявки.
func (t TicketType) Opposite() TicketType {
	if t == TicketTypeBorrow {
		return TicketTypeInvest
	}
	return TicketTypeBorrow
}

// TicketStatus описывает статус заявки.
type TicketStatus string

const (
	TicketStatusOpen      TicketStatus = "Open"
	TicketStatusMatched   TicketStatus = "Matched"
	TicketStatusCompleted TicketStatus = "Completed"
	TicketStatusCancelled TicketStatus = "Cancelled"
)

// CanTransition сообщает, разрешён ли переход из текущего статуса в to.
func (s TicketStatus) CanTransition(to TicketStatus) bool {
	switch s {
	case TicketStatusOpen:
		return to == TicketStatusMatched || to == TicketStatusCancelled
	case TicketStatusMatched:
		return to == TicketStatusCompleted
	}
	return false
}

// Ticket описывает заявку на заём или инвестицию фиксированной суммы.
// Amount хранится в минимальных единицах валюты.
type Ticket struct {
	ID              string
	UserID          string
	Type            TicketType
	Amount          int64
	Interest        decimal.Decimal
	Status          TicketStatus
	MembershipTier  string
	MatchedTicketID string
	Confirmed       bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// TicketFilter задаёт условия выборки заявок. Нулевые значения полей не участвуют в фильтре.
type TicketFilter struct {
	UserID       string
	Type         TicketType
	Status       TicketStatus
	Amount       int64
	CreatedAfter time.Time
}

// Match сообщает, удовлетворяет ли заявка фильтру.
func (f TicketFilter) Match(t Ticket) bool {
	if f.UserID != "" && t.UserID != f.UserID {
		return false
	}
	if f.Type != "" && t.Type != f.Type {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.Amount != 0 && t.Amount != f.Amount {
		return false
	}
	if !f.CreatedAfter.IsZero() && !t.CreatedAt.After(f.CreatedAfter) {
		return false
	}
	return true
}

// Wallet содержит баланс пользователя в минимальных единицах.
// LockedBalance удерживается под открытые инвестиционные заявки.
type Wallet struct {
	UserID        string
	Balance       int64
	LockedBalance int64
	UpdatedAt     time.Time
}

// Available возвращает сумму, доступную для блокировки.
func (w Wallet) Available() int64 {
	return w.Balance - w.LockedBalance
}

// CommissionStatus описывает статус реферального начисления.
type CommissionStatus string

const (
	CommissionStatusPending CommissionStatus = "Pending"
	CommissionStatusPaid    CommissionStatus = "Paid"
)

// CommissionRecord описывает реферальное вознаграждение, причитающееся рефереру.
// Amount неизменяем после создания записи.
type CommissionRecord struct {
	ID              string
	ReferrerID      string
	PayerID         string
	TransactionID   string
	TransactionType string
	Amount          decimal.Decimal
	TierRateApplied decimal.Decimal
	Status          CommissionStatus
	CreatedAt       time.Time
	PaidAt          *time.Time
}

// MembershipTier содержит параметры уровня членства. Лимиты и взнос указаны в минимальных единицах.
type MembershipTier struct {
	Name            string
	SecurityFee     int64
	LoanLimit       int64
	InvestmentLimit int64
	CommissionRate  decimal.Decimal
}

// ReferrerTotal содержит сумму всех начислений реферера.
type ReferrerTotal struct {
	ReferrerID        string
	Total             decimal.Decimal
	ReferrerCreatedAt time.Time
}

// FromMinor переводит сумму в минимальных единицах в десятичную сумму в основных единицах.
func FromMinor(v int64) decimal.Decimal {
	return decimal.New(v, -2)
}

// ToMinor переводит десятичную сумму в минимальные единицы, отбрасывая дробную часть копеек.
func ToMinor(d decimal.Decimal) int64 {
	return d.Shift(2).IntPart()
}
