package engine

import (
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"github.com/efreitasn/matchengine/internal/domain"
)

// genOrder draws a random limit or market order over a narrow price band so
// that crossing is frequent.
func genOrder() *rapid.Generator[*domain.Order] {
	return rapid.Custom(func(t *rapid.T) *domain.Order {
		side := rapid.SampledFrom([]domain.Side{domain.SideBuy, domain.SideSell}).Draw(t, "side")
		user := rapid.SampledFrom([]string{"U1", "U2", "U3", ""}).Draw(t, "user")
		qty := decimal.New(rapid.Int64Range(1, 500).Draw(t, "qty"), -1)
		if rapid.IntRange(0, 5).Draw(t, "kind") == 0 {
			return newMarketOrder(user, side, qty)
		}
		price := decimal.New(rapid.Int64Range(990, 1010).Draw(t, "cents"), -2)
		tif := rapid.SampledFrom([]domain.TimeInForce{"", "", "", domain.TimeInForceIOC, domain.TimeInForceFOK, domain.TimeInForcePostOnly}).Draw(t, "tif")
		return &domain.Order{
			Symbol:      "TEST",
			Side:        side,
			Type:        domain.OrderTypeLimit,
			Price:       price,
			Quantity:    qty,
			UserID:      user,
			TimeInForce: tif,
		}
	})
}

func newMarketOrder(user string, side domain.Side, qty decimal.Decimal) *domain.Order {
	return &domain.Order{Symbol: "TEST", Side: side, Type: domain.OrderTypeMarket, Quantity: qty, UserID: user}
}

// Feature: matching-engine, Property 1: Book invariants hold after every mutation
func TestProperty_BookInvariantsAfterEveryMutation(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		protection := rapid.Bool().Draw(t, "protection")
		ob, rec := newTestBook(WithFiveLevelProtection(protection))
		var submitted []*domain.Order

		steps := rapid.IntRange(1, 80).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			if len(submitted) > 0 && rapid.IntRange(0, 4).Draw(t, fmt.Sprintf("op-%d", i)) == 0 {
				target := rapid.SampledFrom(submitted).Draw(t, fmt.Sprintf("cancel-%d", i))
				ob.CancelOrder(target.ID)
			} else {
				o := genOrder().Draw(t, fmt.Sprintf("order-%d", i))
				ob.ProcessOrder(o)
				submitted = append(submitted, o)
			}

			if err := ob.checkInvariants(); err != nil {
				t.Fatalf("step %d: %v", i, err)
			}
			// The latest reported quantity for every price equals the live
			// level total, or zero once the level is gone.
			live := make(map[string]decimal.Decimal)
			depth := ob.Depth(1 << 30)
			for _, lvl := range depth.Bids {
				live[string(domain.SideBuy)+"@"+lvl.Price.String()] = lvl.Quantity
			}
			for _, lvl := range depth.Asks {
				live[string(domain.SideSell)+"@"+lvl.Price.String()] = lvl.Quantity
			}
			for key, q := range live {
				if got, ok := rec.latest[key]; !ok || !got.Equal(q) {
					t.Fatalf("step %d: listener has %s for %s, book has %s", i, got, key, q)
				}
			}
			for key, q := range rec.latest {
				if _, ok := live[key]; !ok && !q.IsZero() {
					t.Fatalf("step %d: listener has %s for removed level %s", i, q, key)
				}
			}
		}
	})
}

// Feature: matching-engine, Property 2: Fill accounting
func TestProperty_TradeQuantitiesMatchFills(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ob, _ := newTestBook()
		makers := make(map[string]*domain.Order)

		steps := rapid.IntRange(1, 60).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			o := genOrder().Draw(t, fmt.Sprintf("order-%d", i))
			trades := ob.ProcessOrder(o)

			sum := decimal.Zero
			for _, tr := range trades {
				if tr.TakerOrderID != o.ID {
					t.Fatalf("trade taker %s, want %s", tr.TakerOrderID, o.ID)
				}
				if tr.Quantity.Sign() <= 0 {
					t.Fatalf("non-positive trade quantity %s", tr.Quantity)
				}
				if selfTrade(o, &domain.Order{UserID: tr.MakerUserID}) {
					t.Fatalf("self trade between %s and %s for user %s", tr.TakerOrderID, tr.MakerOrderID, o.UserID)
				}
				if o.Type == domain.OrderTypeLimit && !acceptable(o, tr.Price) {
					t.Fatalf("trade at %s violates limit %s", tr.Price, o.Price)
				}
				sum = sum.Add(tr.Quantity)
			}
			if !sum.Equal(o.Filled) {
				t.Fatalf("sum of trades %s != filled %s", sum, o.Filled)
			}
			if !o.Remaining.Equal(o.Quantity.Sub(o.Filled)) || o.Filled.IsNegative() {
				t.Fatalf("quantity invariant broken: qty=%s filled=%s remaining=%s", o.Quantity, o.Filled, o.Remaining)
			}
			makers[o.ID] = o
			for _, m := range makers {
				if m.Filled.GreaterThan(m.Quantity) {
					t.Fatalf("maker %s overfilled: %s > %s", m.ID, m.Filled, m.Quantity)
				}
			}
		}
	})
}

// Feature: matching-engine, Property 7: Five-level protection bounds every taker
func TestProperty_TradesSpanAtMostFiveLevels(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ob, _ := newTestBook()

		steps := rapid.IntRange(1, 80).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			o := genOrder().Draw(t, fmt.Sprintf("order-%d", i))
			trades := ob.ProcessOrder(o)

			prices := make(map[string]struct{})
			for _, tr := range trades {
				prices[tr.Price.String()] = struct{}{}
			}
			if len(prices) > maxLevels {
				t.Fatalf("order %s traded at %d levels", o.ID, len(prices))
			}
			if o.RejectReason == domain.ReasonSweepFiveLevels && len(trades) != 0 {
				t.Fatalf("sweep rejection of %s produced %d trades", o.ID, len(trades))
			}
		}
	})
}

// Feature: matching-engine, Property 3: Price-time priority within a level
func TestProperty_FIFOAtSinglePrice(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ob, _ := newTestBook(WithFiveLevelProtection(false))
		n := rapid.IntRange(1, 20).Draw(t, "makers")
		var makers []*domain.Order
		total := decimal.Zero
		for i := 0; i < n; i++ {
			qty := decimal.NewFromInt(rapid.Int64Range(1, 50).Draw(t, fmt.Sprintf("qty-%d", i)))
			o := newLimit(fmt.Sprintf("M%d", i), domain.SideBuy, "10", qty.String())
			ob.ProcessOrder(o)
			makers = append(makers, o)
			total = total.Add(qty)
		}

		take := decimal.NewFromInt(rapid.Int64Range(1, total.IntPart()).Draw(t, "take"))
		trades := ob.ProcessOrder(newLimit("T", domain.SideSell, "10", take.String()))

		// Trades consume makers strictly in admission order; every maker
		// before the last one touched is completely filled.
		for i, tr := range trades {
			if tr.MakerOrderID != makers[i].ID {
				t.Fatalf("trade %d hit %s, want %s", i, tr.MakerOrderID, makers[i].ID)
			}
			if i < len(trades)-1 && makers[i].Status != domain.OrderStatusFilled {
				t.Fatalf("maker %d not filled before maker %d received quantity", i, i+1)
			}
		}
		for _, m := range makers[len(trades):] {
			if !m.Filled.IsZero() {
				t.Fatalf("maker %s filled out of order", m.ID)
			}
		}
	})
}

// Feature: matching-engine, Property 4: Cancel is idempotent
func TestProperty_CancelIdempotent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ob, _ := newTestBook()
		var ids []string
		n := rapid.IntRange(1, 30).Draw(t, "orders")
		for i := 0; i < n; i++ {
			o := genOrder().Draw(t, fmt.Sprintf("order-%d", i))
			ob.ProcessOrder(o)
			ids = append(ids, o.ID)
		}

		id := rapid.SampledFrom(ids).Draw(t, "target")
		_, resting := ob.Order(id)
		first := ob.CancelOrder(id)
		if first != resting {
			t.Fatalf("first cancel = %v, order resting = %v", first, resting)
		}
		before := ob.Depth(1 << 30)
		if ob.CancelOrder(id) {
			t.Fatal("second cancel must return false")
		}
		if !equalDepth(before, ob.Depth(1<<30)) {
			t.Fatal("second cancel must not change the book")
		}
	})
}
