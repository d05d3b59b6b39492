package alerting

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ycliu-tw/quantd/internal/types"
)

func sampleMetrics() types.ExecutionMetrics {
	return types.ExecutionMetrics{
		Timestamp:       time.Date(2026, 8, 23, 15, 30, 0, 0, time.UTC),
		Intents:         4,
		Orders:          10,
		FilledOrders:    7,
		CancelledOrders: 2,
		RejectedOrders:  1,
		OrphanFills:     1,
		FilledQuantity:  700,
		TargetQuantity:  1000,
		FillRatio:       decimal.RequireFromString("0.7"),
		AvgSlippage:     decimal.RequireFromString("0.0125"),
		AvgSubmitDelay:  42 * time.Millisecond,
		BySymbol: map[string]types.SymbolMetrics{
			"AAPL": {Symbol: "AAPL", AvgSlippage: decimal.RequireFromString("0.01")},
			"2330": {Symbol: "2330", AvgSlippage: decimal.RequireFromString("0.03")},
		},
	}
}

func TestNewExecutionSummary(t *testing.T) {
	s := NewExecutionSummary(sampleMetrics(), time.Hour)

	if !s.FillRatioPct.Equal(decimal.RequireFromString("70")) {
		t.Errorf("FillRatioPct = %s, want 70", s.FillRatioPct)
	}
	if s.Orders != 10 || s.FilledOrders != 7 || s.RejectedOrders != 1 {
		t.Errorf("counts = %d/%d/%d", s.Orders, s.FilledOrders, s.RejectedOrders)
	}
	if s.WorstSymbol != "2330" {
		t.Errorf("WorstSymbol = %s, want 2330 (highest avg slippage)", s.WorstSymbol)
	}
	if !s.WorstSlippage.Equal(decimal.RequireFromString("0.03")) {
		t.Errorf("WorstSlippage = %s, want 0.03", s.WorstSlippage)
	}
}

func TestNewExecutionSummary_Empty(t *testing.T) {
	s := NewExecutionSummary(types.ExecutionMetrics{}, time.Hour)

	if s.WorstSymbol != "" {
		t.Errorf("WorstSymbol = %s, want empty", s.WorstSymbol)
	}
	if !s.FillRatioPct.IsZero() {
		t.Errorf("FillRatioPct = %s, want 0", s.FillRatioPct)
	}
}

func TestExecutionSummary_Format(t *testing.T) {
	msg := NewExecutionSummary(sampleMetrics(), time.Hour).Format()

	for _, want := range []string{
		"fill ratio=70.0%",
		"orders=10",
		"orphan fills=1",
		"worst symbol=2330",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("Format() missing %q in:\n%s", want, msg)
		}
	}
}

func TestExecutionSummary_Format_NoOrphans(t *testing.T) {
	m := sampleMetrics()
	m.OrphanFills = 0
	msg := NewExecutionSummary(m, time.Hour).Format()

	if strings.Contains(msg, "orphan") {
		t.Errorf("Format() must omit the orphan line when zero:\n%s", msg)
	}
}
