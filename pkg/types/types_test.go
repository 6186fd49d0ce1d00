package types

import (
	"testing"
	"time"
)

func TestParseWindowContains(t *testing.T) {
	t.Parallel()

	w, err := ParseWindow("09:10-13:00")
	if err != nil {
		t.Fatalf("ParseWindow: %v", err)
	}

	in := time.Date(2026, 3, 2, 10, 30, 0, 0, KST())
	out := time.Date(2026, 3, 2, 13, 1, 0, 0, KST())
	if !w.Contains(in) {
		t.Errorf("expected %v inside window", in)
	}
	if w.Contains(out) {
		t.Errorf("expected %v outside window", out)
	}
}

func TestParseWindowOvernight(t *testing.T) {
	t.Parallel()

	w, err := ParseWindow("22:00-02:00")
	if err != nil {
		t.Fatalf("ParseWindow: %v", err)
	}
	if !w.Contains(time.Date(2026, 3, 2, 23, 0, 0, 0, KST())) {
		t.Error("23:00 should be inside an overnight window")
	}
	if !w.Contains(time.Date(2026, 3, 2, 1, 0, 0, 0, KST())) {
		t.Error("01:00 should be inside an overnight window")
	}
	if w.Contains(time.Date(2026, 3, 2, 12, 0, 0, 0, KST())) {
		t.Error("12:00 should be outside an overnight window")
	}
}

func TestParseWindowInvalid(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"0910/1300", "25:00-26:00", "09:10"} {
		if _, err := ParseWindow(s); err == nil {
			t.Errorf("ParseWindow(%q) should fail", s)
		}
	}
}

func TestSignalRiskReward(t *testing.T) {
	t.Parallel()

	sig := Signal{Entry: 50000, Stop: 49000, Target: 52000}
	risk, reward, rr := sig.RiskReward()
	if risk != 1000 {
		t.Errorf("risk = %v, want 1000", risk)
	}
	if reward != 2000 {
		t.Errorf("reward = %v, want 2000", reward)
	}
	if rr != 2 {
		t.Errorf("rr = %v, want 2", rr)
	}

	flat := Signal{Entry: 50000, Stop: 50000, Target: 52000}
	if _, _, rr := flat.RiskReward(); rr != 0 {
		t.Errorf("rr with zero risk = %v, want 0", rr)
	}
}

func TestBestBidAskDegenerate(t *testing.T) {
	t.Parallel()

	ob := &OrderbookSnapshot{Levels: []OrderbookLevel{{BidPrice: 100, AskPrice: 99}}}
	if _, _, ok := ob.BestBidAsk(); ok {
		t.Error("crossed book should not be ok")
	}

	var empty *OrderbookSnapshot
	if _, _, ok := empty.BestBidAsk(); ok {
		t.Error("nil snapshot should not be ok")
	}
}

func TestCandleOpenTime(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 3, 2, 10, 37, 45, 0, KST())
	open := CandleOpenTime(ts, 5)
	want := time.Date(2026, 3, 2, 10, 35, 0, 0, KST())
	if !open.Equal(want) {
		t.Errorf("CandleOpenTime = %v, want %v", open, want)
	}
}

func TestOrderStatusTerminal(t *testing.T) {
	t.Parallel()

	for _, s := range []OrderStatus{StatusFilled, StatusCancelled, StatusRejected, StatusExpired} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []OrderStatus{StatusPending, StatusSubmitted, StatusPartiallyFilled} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestSignalKindPriority(t *testing.T) {
	t.Parallel()

	if SignalORB.Priority() >= SignalSVWAP.Priority() {
		t.Error("ORB must outrank sVWAP")
	}
	if SignalSVWAP.Priority() >= SignalSweep.Priority() {
		t.Error("sVWAP must outrank sweep")
	}
}
