package position

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ycliu-tw/quantd/internal/types"
)

// TestManager_Concurrent_ApplyFill tests that a storm of fills across
// symbols never loses an update: per-symbol serialization must make the
// final quantities exact.
func TestManager_Concurrent_ApplyFill(t *testing.T) {
	m := newTestManager()

	symbols := []string{"AAPL", "MSFT", "NVDA", "TSLA"}
	fillsPerSymbol := 200

	var wg sync.WaitGroup
	for _, symbol := range symbols {
		for i := 0; i < fillsPerSymbol; i++ {
			wg.Add(1)
			go func(symbol string, i int) {
				defer wg.Done()
				err := m.ApplyFill(types.Fill{
					OrderID:       fmt.Sprintf("%s-o%d", symbol, i),
					Symbol:        symbol,
					Side:          types.SideBuy,
					Quantity:      1,
					CumulativeQty: 1,
					Price:         decimal.NewFromInt(100),
					Timestamp:     time.Now(),
				})
				if err != nil {
					t.Errorf("ApplyFill() error = %v", err)
				}
			}(symbol, i)
		}
	}
	wg.Wait()

	for _, symbol := range symbols {
		if got := m.GetPosition(symbol).Quantity; got != fillsPerSymbol {
			t.Errorf("%s quantity = %d, want %d", symbol, got, fillsPerSymbol)
		}
	}
}

// TestManager_Concurrent_DuplicateDelivery tests exactly-once apply
// under concurrent redelivery of the same fill.
func TestManager_Concurrent_DuplicateDelivery(t *testing.T) {
	m := newTestManager()

	fill := types.Fill{
		OrderID:       "o1",
		Symbol:        "AAPL",
		Side:          types.SideBuy,
		Quantity:      100,
		CumulativeQty: 100,
		Price:         decimal.NewFromInt(150),
		Timestamp:     time.Now(),
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	applied := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.ApplyFill(fill)
			if err == nil {
				mu.Lock()
				applied++
				mu.Unlock()
			} else if !errors.Is(err, types.ErrDuplicateFill) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if applied != 1 {
		t.Errorf("fill applied %d times, want exactly once", applied)
	}
	if got := m.GetPosition("AAPL").Quantity; got != 100 {
		t.Errorf("quantity = %d, want 100", got)
	}
}

// TestManager_Concurrent_ReadDuringWrite tests readers and the equity
// tracker racing the fill path without corruption.
func TestManager_Concurrent_ReadDuringWrite(t *testing.T) {
	m := newTestManager()

	done := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			_ = m.ApplyFill(types.Fill{
				OrderID:       fmt.Sprintf("o%d", i),
				Symbol:        "AAPL",
				Side:          types.SideBuy,
				Quantity:      1,
				CumulativeQty: 1,
				Price:         decimal.NewFromInt(100),
				Timestamp:     time.Now(),
			})
		}
		close(done)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
				pos := m.GetPosition("AAPL")
				if pos.Quantity < 0 || pos.Quantity > 500 {
					t.Errorf("impossible quantity observed: %d", pos.Quantity)
					return
				}
				m.UpdateEquity(decimal.NewFromInt(int64(100000 + pos.Quantity)))
			}
		}
	}()

	wg.Wait()

	if got := m.GetPosition("AAPL").Quantity; got != 500 {
		t.Errorf("final quantity = %d, want 500", got)
	}
}
