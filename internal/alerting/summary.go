package alerting

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ycliu-tw/quantd/internal/types"
)

// ExecutionSummary is the periodic execution-quality report derived from
// a tracker metrics snapshot.
type ExecutionSummary struct {
	Timestamp       time.Time
	Window          time.Duration
	Intents         int
	Orders          int
	FilledOrders    int
	CancelledOrders int
	RejectedOrders  int
	OrphanFills     int
	FillRatioPct    decimal.Decimal
	AvgSlippage     decimal.Decimal
	AvgSubmitDelay  time.Duration
	WorstSymbol     string
	WorstSlippage   decimal.Decimal
}

// NewExecutionSummary builds a summary from a metrics snapshot.
func NewExecutionSummary(m types.ExecutionMetrics, window time.Duration) ExecutionSummary {
	s := ExecutionSummary{
		Timestamp:       m.Timestamp,
		Window:          window,
		Intents:         m.Intents,
		Orders:          m.Orders,
		FilledOrders:    m.FilledOrders,
		CancelledOrders: m.CancelledOrders,
		RejectedOrders:  m.RejectedOrders,
		OrphanFills:     m.OrphanFills,
		FillRatioPct:    m.FillRatio.Mul(decimal.NewFromInt(100)),
		AvgSlippage:     m.AvgSlippage,
		AvgSubmitDelay:  m.AvgSubmitDelay,
	}

	// Deterministic worst-symbol pick: highest avg slippage, ties by name.
	symbols := make([]string, 0, len(m.BySymbol))
	for sym := range m.BySymbol {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	for _, sym := range symbols {
		sm := m.BySymbol[sym]
		if s.WorstSymbol == "" || sm.AvgSlippage.GreaterThan(s.WorstSlippage) {
			s.WorstSymbol = sym
			s.WorstSlippage = sm.AvgSlippage
		}
	}
	return s
}

// Format renders the summary as a multi-line alert message.
func (s ExecutionSummary) Format() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Execution summary (%s)\n", s.Window)
	fmt.Fprintf(&b, "intents=%d orders=%d filled=%d cancelled=%d rejected=%d\n",
		s.Intents, s.Orders, s.FilledOrders, s.CancelledOrders, s.RejectedOrders)
	fmt.Fprintf(&b, "fill ratio=%s%% avg slippage=%s avg submit delay=%s",
		s.FillRatioPct.StringFixed(1), s.AvgSlippage.StringFixed(4), s.AvgSubmitDelay.Round(time.Millisecond))
	if s.OrphanFills > 0 {
		fmt.Fprintf(&b, "\norphan fills=%d", s.OrphanFills)
	}
	if s.WorstSymbol != "" {
		fmt.Fprintf(&b, "\nworst symbol=%s slippage=%s", s.WorstSymbol, s.WorstSlippage.StringFixed(4))
	}
	return b.String()
}
