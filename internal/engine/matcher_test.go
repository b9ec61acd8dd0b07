package engine

import (
	"testing"
	"time"

	"github.com/efreitasn/matchengine/internal/domain"
)

func TestScenario_FullCrossLeavesEmptyBook(t *testing.T) {
	ob, _ := newTestBook()

	buy := newLimit("U1", domain.SideBuy, "10.00", "100")
	ob.ProcessOrder(buy)
	sell := newLimit("U2", domain.SideSell, "10.00", "100")
	trades := ob.ProcessOrder(sell)

	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}
	tr := trades[0]
	if !tr.Price.Equal(d("10.00")) || !tr.Quantity.Equal(d("100")) {
		t.Errorf("trade = %s@%s, want 100@10.00", tr.Quantity, tr.Price)
	}
	if tr.TakerOrderID != sell.ID || tr.MakerOrderID != buy.ID || tr.Side != domain.SideSell {
		t.Errorf("trade parties = %+v", tr)
	}
	if buy.Status != domain.OrderStatusFilled || sell.Status != domain.OrderStatusFilled {
		t.Errorf("statuses = %s/%s, want filled/filled", buy.Status, sell.Status)
	}
	if bids, asks := ob.LevelCount(); bids != 0 || asks != 0 {
		t.Errorf("book should be empty, got %d bid and %d ask levels", bids, asks)
	}
	if ob.OrderCount() != 0 {
		t.Errorf("index should be empty, got %d", ob.OrderCount())
	}
}

func TestScenario_MarketSellWalksTwoLevels(t *testing.T) {
	ob, _ := newTestBook()
	ob.ProcessOrder(newLimit("U1", domain.SideBuy, "10.00", "50"))
	ob.ProcessOrder(newLimit("U1", domain.SideBuy, "9.99", "50"))

	sell := newMarket("", domain.SideSell, "70")
	trades := ob.ProcessOrder(sell)

	if len(trades) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(trades))
	}
	if !trades[0].Price.Equal(d("10.00")) || !trades[0].Quantity.Equal(d("50")) || trades[0].MakerUserID != "U1" {
		t.Errorf("trade1 = %s@%s (%s), want 50@10.00 (U1)", trades[0].Quantity, trades[0].Price, trades[0].MakerUserID)
	}
	if !trades[1].Price.Equal(d("9.99")) || !trades[1].Quantity.Equal(d("20")) || trades[1].MakerUserID != "U1" {
		t.Errorf("trade2 = %s@%s (%s), want 20@9.99 (U1)", trades[1].Quantity, trades[1].Price, trades[1].MakerUserID)
	}
	if sell.Status != domain.OrderStatusFilled {
		t.Errorf("status = %s, want filled", sell.Status)
	}

	depth := ob.Depth(5)
	if len(depth.Bids) != 1 || !depth.Bids[0].Price.Equal(d("9.99")) || !depth.Bids[0].Quantity.Equal(d("30")) {
		t.Fatalf("remaining bids = %+v, want 30@9.99", depth.Bids)
	}
	mustInvariants(t, ob)
}

func TestMatch_FIFOWithinLevel(t *testing.T) {
	ob, _ := newTestBook()
	a := newLimit("A", domain.SideBuy, "10", "3")
	b := newLimit("B", domain.SideBuy, "10", "3")
	ob.ProcessOrder(a)
	ob.ProcessOrder(b)

	trades := ob.ProcessOrder(newLimit("S", domain.SideSell, "10", "4"))

	if len(trades) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(trades))
	}
	if trades[0].MakerOrderID != a.ID || !trades[0].Quantity.Equal(d("3")) {
		t.Errorf("A must fill completely first, got %+v", trades[0])
	}
	if trades[1].MakerOrderID != b.ID || !trades[1].Quantity.Equal(d("1")) {
		t.Errorf("B gets the remainder, got %+v", trades[1])
	}
	if a.Status != domain.OrderStatusFilled || b.Status != domain.OrderStatusPartiallyFilled {
		t.Errorf("statuses = %s/%s", a.Status, b.Status)
	}
}

func TestMatch_ExecutesAtMakerPrice(t *testing.T) {
	ob, _ := newTestBook()
	ob.ProcessOrder(newLimit("M", domain.SideSell, "10.00", "1"))

	trades := ob.ProcessOrder(newLimit("T", domain.SideBuy, "10.50", "1"))

	if len(trades) != 1 || !trades[0].Price.Equal(d("10.00")) {
		t.Fatalf("expected a fill at the maker price 10.00, got %+v", trades)
	}
}

func TestMatch_LimitStopsAtWorsePriceAndRests(t *testing.T) {
	ob, _ := newTestBook()
	ob.ProcessOrder(newLimit("M", domain.SideSell, "10", "2"))
	ob.ProcessOrder(newLimit("M", domain.SideSell, "11", "2"))

	buy := newLimit("T", domain.SideBuy, "10", "5")
	trades := ob.ProcessOrder(buy)

	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}
	if buy.Status != domain.OrderStatusPartiallyFilled || !buy.Remaining.Equal(d("3")) {
		t.Errorf("buy = %s remaining %s, want partially_filled remaining 3", buy.Status, buy.Remaining)
	}
	best, _ := ob.BestBid()
	if !best.Price.Equal(d("10")) || !best.Quantity.Equal(d("3")) {
		t.Errorf("best bid = %+v, want 3@10", best)
	}
	ask, _ := ob.BestAsk()
	if !ask.Price.Equal(d("11")) {
		t.Errorf("best ask = %s, want 11", ask.Price)
	}
	mustInvariants(t, ob)
}

func TestMatch_SelfTradeSkippedNotRejected(t *testing.T) {
	ob, _ := newTestBook()
	own := newLimit("U1", domain.SideSell, "10", "5")
	other := newLimit("U2", domain.SideSell, "10", "5")
	ob.ProcessOrder(own)
	ob.ProcessOrder(other)

	buy := newLimit("U1", domain.SideBuy, "10", "5")
	trades := ob.ProcessOrder(buy)

	if len(trades) != 1 || trades[0].MakerOrderID != other.ID {
		t.Fatalf("expected a single fill against U2, got %+v", trades)
	}
	if buy.Status != domain.OrderStatusFilled {
		t.Errorf("status = %s, want filled", buy.Status)
	}
	if !own.Remaining.Equal(d("5")) {
		t.Errorf("own order must be untouched, remaining %s", own.Remaining)
	}
	mustInvariants(t, ob)
}

func TestMatch_SelfTradeContinuesToNextLevel(t *testing.T) {
	ob, _ := newTestBook()
	ob.ProcessOrder(newLimit("U1", domain.SideSell, "10", "5"))
	ob.ProcessOrder(newLimit("U2", domain.SideSell, "11", "5"))

	trades := ob.ProcessOrder(newMarket("U1", domain.SideBuy, "5"))

	if len(trades) != 1 || !trades[0].Price.Equal(d("11")) {
		t.Fatalf("expected fill at 11 after skipping own level, got %+v", trades)
	}
}

func TestMarket_ExceedsFiveLevelsRejectedKeepsTrades(t *testing.T) {
	ob, _ := newTestBook()
	for _, p := range []string{"10", "11", "12", "13", "14", "15"} {
		ob.ProcessOrder(newLimit("M", domain.SideSell, p, "1"))
	}

	buy := newMarket("T", domain.SideBuy, "10")
	trades := ob.ProcessOrder(buy)

	if len(trades) != 5 {
		t.Fatalf("expected 5 trades before the cap, got %d", len(trades))
	}
	if buy.Status != domain.OrderStatusRejected || buy.RejectReason != domain.ReasonExceedFiveLevels {
		t.Errorf("order = %s/%s, want rejected/EXCEED_FIVE_LEVELS", buy.Status, buy.RejectReason)
	}
	if !buy.Filled.Equal(d("5")) {
		t.Errorf("filled = %s, want 5", buy.Filled)
	}
	ask, _ := ob.BestAsk()
	if !ask.Price.Equal(d("15")) {
		t.Errorf("sixth level must be untouched, best ask %s", ask.Price)
	}
	if _, ok := ob.BestBid(); ok {
		t.Error("market order must never rest")
	}
	mustInvariants(t, ob)
}

func TestMarket_FiveLevelsExactlyFills(t *testing.T) {
	ob, _ := newTestBook()
	for _, p := range []string{"10", "11", "12", "13", "14", "15"} {
		ob.ProcessOrder(newLimit("M", domain.SideSell, p, "1"))
	}

	buy := newMarket("T", domain.SideBuy, "5")
	ob.ProcessOrder(buy)

	if buy.Status != domain.OrderStatusFilled {
		t.Errorf("status = %s, want filled", buy.Status)
	}
}

func TestMarket_ProtectionDisabledSweepsDeeper(t *testing.T) {
	ob, _ := newTestBook(WithFiveLevelProtection(false))
	for _, p := range []string{"10", "11", "12", "13", "14", "15"} {
		ob.ProcessOrder(newLimit("M", domain.SideSell, p, "1"))
	}

	buy := newMarket("T", domain.SideBuy, "6")
	trades := ob.ProcessOrder(buy)

	if len(trades) != 6 || buy.Status != domain.OrderStatusFilled {
		t.Fatalf("got %d trades and status %s, want 6 and filled", len(trades), buy.Status)
	}
}

func TestMarket_InsufficientLiquidity(t *testing.T) {
	ob, _ := newTestBook()
	ob.ProcessOrder(newLimit("M", domain.SideBuy, "10", "2"))

	sell := newMarket("T", domain.SideSell, "3")
	trades := ob.ProcessOrder(sell)

	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}
	if sell.Status != domain.OrderStatusRejected || sell.RejectReason != domain.ReasonInsufficientLiquidity {
		t.Errorf("order = %s/%s, want rejected/INSUFFICIENT_LIQUIDITY", sell.Status, sell.RejectReason)
	}
	if _, ok := ob.BestAsk(); ok {
		t.Error("market remainder must not rest")
	}
}

func TestLimit_SweepPrecheckRejectsWithoutTrades(t *testing.T) {
	ob, rec := newTestBook()
	for _, p := range []string{"10", "11", "12", "13", "14", "15"} {
		ob.ProcessOrder(newLimit("M", domain.SideSell, p, "1"))
	}
	rec.changes = nil

	buy := newLimit("T", domain.SideBuy, "15", "6")
	trades := ob.ProcessOrder(buy)

	if len(trades) != 0 {
		t.Fatalf("sweep rejection must produce no trades, got %d", len(trades))
	}
	if buy.Status != domain.OrderStatusRejected || buy.RejectReason != domain.ReasonSweepFiveLevels {
		t.Errorf("order = %s/%s, want rejected/SWEEP_FIVE_LEVELS", buy.Status, buy.RejectReason)
	}
	if _, asks := ob.LevelCount(); asks != 6 {
		t.Errorf("book must be unchanged, got %d ask levels", asks)
	}
	if len(rec.changes) != 0 {
		t.Error("rejected order must not emit depth changes")
	}
}

func TestLimit_AbsorbedWithinFiveLevels(t *testing.T) {
	ob, _ := newTestBook()
	for _, p := range []string{"10", "11", "12", "13", "14", "15"} {
		ob.ProcessOrder(newLimit("M", domain.SideSell, p, "1"))
	}

	buy := newLimit("T", domain.SideBuy, "15", "5")
	trades := ob.ProcessOrder(buy)

	if len(trades) != 5 || buy.Status != domain.OrderStatusFilled {
		t.Fatalf("got %d trades and status %s, want 5 and filled", len(trades), buy.Status)
	}
}

func TestLimit_SweepPrecheckIgnoresOwnLiquidity(t *testing.T) {
	ob, rec := newTestBook()
	for _, p := range []string{"10", "11", "12", "13", "14"} {
		ob.ProcessOrder(newLimit("U1", domain.SideSell, p, "10"))
	}
	for _, p := range []string{"15", "16", "17"} {
		ob.ProcessOrder(newLimit("U2", domain.SideSell, p, "10"))
	}
	rec.changes = nil

	buy := newLimit("U1", domain.SideBuy, "20", "30")
	trades := ob.ProcessOrder(buy)

	if len(trades) != 0 {
		t.Fatalf("own levels must not absorb the order, got %d trades", len(trades))
	}
	if buy.Status != domain.OrderStatusRejected || buy.RejectReason != domain.ReasonSweepFiveLevels {
		t.Errorf("order = %s/%s, want rejected/SWEEP_FIVE_LEVELS", buy.Status, buy.RejectReason)
	}
	if _, asks := ob.LevelCount(); asks != 8 {
		t.Errorf("book must be unchanged, got %d ask levels", asks)
	}
	if len(rec.changes) != 0 {
		t.Error("rejected order must not emit depth changes")
	}
	mustInvariants(t, ob)
}

func TestLimit_OwnLiquidityWithinFiveLevelsStillFills(t *testing.T) {
	ob, _ := newTestBook()
	ob.ProcessOrder(newLimit("U1", domain.SideSell, "10", "10"))
	ob.ProcessOrder(newLimit("U2", domain.SideSell, "10", "5"))
	ob.ProcessOrder(newLimit("U2", domain.SideSell, "11", "5"))
	for _, p := range []string{"12", "13", "14", "15"} {
		ob.ProcessOrder(newLimit("U2", domain.SideSell, p, "1"))
	}

	buy := newLimit("U1", domain.SideBuy, "20", "10")
	trades := ob.ProcessOrder(buy)

	if len(trades) != 2 || buy.Status != domain.OrderStatusFilled {
		t.Fatalf("got %d trades and status %s, want 2 and filled", len(trades), buy.Status)
	}
	for _, tr := range trades {
		if tr.MakerUserID != "U2" {
			t.Errorf("trade against %s, want U2", tr.MakerUserID)
		}
	}
	mustInvariants(t, ob)
}

func TestLimit_FewMarketableLevelsRestsRemainder(t *testing.T) {
	ob, _ := newTestBook()
	ob.ProcessOrder(newLimit("M", domain.SideSell, "10", "1"))
	ob.ProcessOrder(newLimit("M", domain.SideSell, "11", "1"))

	buy := newLimit("T", domain.SideBuy, "11", "10")
	trades := ob.ProcessOrder(buy)

	if len(trades) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(trades))
	}
	if buy.Status != domain.OrderStatusPartiallyFilled {
		t.Errorf("status = %s, want partially_filled", buy.Status)
	}
	best, _ := ob.BestBid()
	if !best.Price.Equal(d("11")) || !best.Quantity.Equal(d("8")) {
		t.Errorf("rested = %+v, want 8@11", best)
	}
}

func TestLimit_IOCCancelsRemainder(t *testing.T) {
	ob, _ := newTestBook()
	ob.ProcessOrder(newLimit("M", domain.SideSell, "10", "2"))

	buy := newLimit("T", domain.SideBuy, "10", "5")
	buy.TimeInForce = domain.TimeInForceIOC
	trades := ob.ProcessOrder(buy)

	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}
	if buy.Status != domain.OrderStatusCanceled {
		t.Errorf("status = %s, want canceled", buy.Status)
	}
	if _, ok := ob.BestBid(); ok {
		t.Error("IOC remainder must not rest")
	}
}

func TestLimit_FOK(t *testing.T) {
	ob, _ := newTestBook()
	ob.ProcessOrder(newLimit("M", domain.SideSell, "10", "2"))
	ob.ProcessOrder(newLimit("T", domain.SideSell, "10", "5")) // same user as taker

	short := newLimit("T", domain.SideBuy, "10", "3")
	short.TimeInForce = domain.TimeInForceFOK
	if trades := ob.ProcessOrder(short); len(trades) != 0 {
		t.Fatalf("unfillable FOK must not trade, got %d", len(trades))
	}
	if short.RejectReason != domain.ReasonFOKNotFillable {
		t.Errorf("reason = %s, want FOK_NOT_FILLABLE", short.RejectReason)
	}

	ok := newLimit("T", domain.SideBuy, "10", "2")
	ok.TimeInForce = domain.TimeInForceFOK
	ob.ProcessOrder(ok)
	if ok.Status != domain.OrderStatusFilled {
		t.Errorf("fillable FOK status = %s, want filled", ok.Status)
	}
}

func TestLimit_PostOnly(t *testing.T) {
	ob, _ := newTestBook()
	ob.ProcessOrder(newLimit("M", domain.SideSell, "10", "2"))

	taking := newLimit("T", domain.SideBuy, "10", "1")
	taking.PostOnly = true
	if trades := ob.ProcessOrder(taking); len(trades) != 0 {
		t.Fatal("post-only order must never take")
	}
	if taking.RejectReason != domain.ReasonPostOnlyWouldTake {
		t.Errorf("reason = %s, want POST_ONLY_WOULD_TAKE", taking.RejectReason)
	}

	passive := newLimit("T", domain.SideBuy, "9.99", "1")
	passive.TimeInForce = domain.TimeInForcePostOnly
	ob.ProcessOrder(passive)
	if passive.Status != domain.OrderStatusNew {
		t.Errorf("passive post-only status = %s, want new", passive.Status)
	}
}

func TestProcessOrder_InputRejections(t *testing.T) {
	tests := []struct {
		name   string
		order  *domain.Order
		reason domain.RejectReason
	}{
		{"zero quantity", newLimit("U", domain.SideBuy, "10", "0"), domain.ReasonInvalidQuantity},
		{"negative quantity", newLimit("U", domain.SideBuy, "10", "-1"), domain.ReasonInvalidQuantity},
		{"missing price", newLimit("U", domain.SideBuy, "0", "1"), domain.ReasonInvalidPrice},
		{"bad side", &domain.Order{Side: "hold", Type: domain.OrderTypeLimit, Price: d("1"), Quantity: d("1")}, domain.ReasonInvalidSide},
		{"stop order", &domain.Order{Side: domain.SideBuy, Type: domain.OrderTypeStopLimit, Price: d("1"), Quantity: d("1")}, domain.ReasonUnsupportedOrderType},
		{"other symbol", &domain.Order{Symbol: "OTHER", Side: domain.SideBuy, Type: domain.OrderTypeLimit, Price: d("1"), Quantity: d("1")}, domain.ReasonInvalidSymbol},
		{"bad tif", &domain.Order{Side: domain.SideBuy, Type: domain.OrderTypeLimit, Price: d("1"), Quantity: d("1"), TimeInForce: "DAY"}, domain.ReasonInvalidTimeInForce},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ob, _ := newTestBook()
			trades := ob.ProcessOrder(tt.order)
			if len(trades) != 0 {
				t.Errorf("expected no trades, got %d", len(trades))
			}
			if tt.order.Status != domain.OrderStatusRejected || tt.order.RejectReason != tt.reason {
				t.Errorf("order = %s/%s, want rejected/%s", tt.order.Status, tt.order.RejectReason, tt.reason)
			}
			if ob.OrderCount() != 0 {
				t.Error("rejected order must not rest")
			}
		})
	}
}

func TestProcessOrder_DuplicateRestingID(t *testing.T) {
	ob, _ := newTestBook()
	a := newLimit("U", domain.SideBuy, "10", "1")
	a.ID = "dup"
	ob.ProcessOrder(a)

	b := newLimit("U", domain.SideBuy, "9", "1")
	b.ID = "dup"
	ob.ProcessOrder(b)

	if b.RejectReason != domain.ReasonDuplicateOrderID {
		t.Errorf("reason = %s, want DUPLICATE_ORDER_ID", b.RejectReason)
	}
	if o, _ := ob.Order("dup"); o != a {
		t.Error("original order must stay indexed")
	}
}

func TestProcessOrder_FaultRejectsWithSystemError(t *testing.T) {
	calls := 0
	faulty := func() time.Time {
		calls++
		if calls == 8 {
			panic("clock failure")
		}
		return time.Unix(0, int64(calls))
	}
	ob, _ := newTestBook(WithClock(faulty))

	// Makers: 2 calls each (timestamp, created_at).
	a := newLimit("M", domain.SideSell, "10", "1")
	b := newLimit("M", domain.SideSell, "10", "1")
	ob.ProcessOrder(a)
	ob.ProcessOrder(b)

	// Taker: timestamp (5), created_at (6), first trade (7), second trade (8, panics).
	buy := newLimit("T", domain.SideBuy, "10", "3")
	trades := ob.ProcessOrder(buy)

	if len(trades) != 1 || trades[0].MakerOrderID != a.ID {
		t.Fatalf("trades before the fault must be kept, got %+v", trades)
	}
	if buy.Status != domain.OrderStatusRejected || buy.RejectReason != domain.ReasonSystemError {
		t.Errorf("order = %s/%s, want rejected/SYSTEM_ERROR", buy.Status, buy.RejectReason)
	}
	if _, ok := ob.BestBid(); ok {
		t.Error("faulting order must not rest")
	}
	if o, ok := ob.Order(b.ID); !ok || !o.Remaining.Equal(d("1")) {
		t.Error("maker interrupted by the fault must stay intact")
	}
	mustInvariants(t, ob)
}

func TestReplay_KeepsIdentityAndAdvancesCounters(t *testing.T) {
	ob, _ := newTestBook()

	o := newLimit("U", domain.SideBuy, "10", "1")
	o.ID = "TEST_41"
	o.Timestamp = 1_000
	ob.Replay(o)

	if o.ID != "TEST_41" || o.Timestamp != 1_000 {
		t.Fatalf("replay changed identity: %s/%d", o.ID, o.Timestamp)
	}

	next := newLimit("U", domain.SideBuy, "10", "1")
	ob.ProcessOrder(next)
	if next.ID != "TEST_42" {
		t.Errorf("next id = %s, want TEST_42", next.ID)
	}
	if next.Timestamp <= 1_000 {
		t.Errorf("next timestamp %d must exceed the replayed one", next.Timestamp)
	}
}
