package model

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestTicketStatusTransitions(t *testing.T) {
	tests := []struct {
		from TicketStatus
		to   TicketStatus
		ok   bool
	}{
		{TicketStatusOpen, TicketStatusMatched, true},
		{TicketStatusOpen, TicketStatusCancelled, true},
		{TicketStatusMatched, TicketStatusCompleted, true},
		{TicketStatusOpen, TicketStatusCompleted, false},
		{TicketStatusMatched, TicketStatusCancelled, false},
		{TicketStatusMatched, TicketStatusOpen, false},
		{TicketStatusCompleted, TicketStatusOpen, false},
		{TicketStatusCancelled, TicketStatusOpen, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.ok {
			t.Fatalf("%s -> %s: got %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
}

func TestTicketTypeOpposite(t *testing.T) {
	if TicketTypeBorrow.Opposite() != TicketTypeInvest || TicketTypeInvest.Opposite() != TicketTypeBorrow {
		t.Fatalf("unexpected opposite types")
	}
	if TicketType("Lend").Valid() {
		t.Fatalf("Lend must not be a valid ticket type")
	}
}

func TestTicketFilterMatch(t *testing.T) {
	now := time.Now()
	tk := Ticket{ID: "t", UserID: "u", Type: TicketTypeInvest, Amount: 100, Status: TicketStatusOpen, CreatedAt: now}

	if !(TicketFilter{}).Match(tk) {
		t.Fatalf("empty filter must match everything")
	}
	if !(TicketFilter{UserID: "u", Type: TicketTypeInvest, Status: TicketStatusOpen, Amount: 100}).Match(tk) {
		t.Fatalf("exact filter must match")
	}
	if (TicketFilter{Amount: 99}).Match(tk) {
		t.Fatalf("amount must match exactly")
	}
	if (TicketFilter{CreatedAfter: now}).Match(tk) {
		t.Fatalf("CreatedAfter is exclusive")
	}
}

func TestMinorUnits(t *testing.T) {
	if got := FromMinor(1235).String(); got != "12.35" {
		t.Fatalf("FromMinor(1235) = %s", got)
	}
	if got := ToMinor(decimal.RequireFromString("12.35")); got != 1235 {
		t.Fatalf("ToMinor(12.35) = %d", got)
	}
	if got := ToMinor(decimal.RequireFromString("0.019")); got != 1 {
		t.Fatalf("ToMinor(0.019) = %d", got)
	}
}
