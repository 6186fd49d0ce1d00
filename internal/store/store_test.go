package store

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"upbit-intraday/pkg/types"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), quietLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndLoadPositions(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	pos := map[string]*types.Position{
		"KRW-BTC": {
			ID:         "p1",
			Market:     "KRW-BTC",
			Side:       types.Buy,
			EntryPrice: 50_000_000,
			Quantity:   0.01,
			StopPrice:  49_000_000,
			Active:     true,
		},
	}
	if err := s.SavePositions(pos); err != nil {
		t.Fatalf("SavePositions: %v", err)
	}

	loaded, err := s.LoadPositions()
	if err != nil {
		t.Fatalf("LoadPositions: %v", err)
	}
	got, ok := loaded["KRW-BTC"]
	if !ok {
		t.Fatal("position missing after round trip")
	}
	if got.EntryPrice != 50_000_000 || !got.Active {
		t.Errorf("position = %+v", got)
	}
}

func TestLoadPositionsMissingFile(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	loaded, err := s.LoadPositions()
	if err != nil {
		t.Fatalf("LoadPositions: %v", err)
	}
	if len(loaded) != 0 {
		t.Errorf("expected empty map, got %+v", loaded)
	}
}

func TestAppendOrderAccumulates(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	for i, id := range []string{"o1", "o2"} {
		res := types.OrderResult{
			OrderID:     id,
			Market:      "KRW-BTC",
			Side:        types.Buy,
			Status:      types.StatusFilled,
			SubmittedAt: time.Now().Add(time.Duration(i) * time.Second),
		}
		if err := s.AppendOrder(res); err != nil {
			t.Fatalf("AppendOrder: %v", err)
		}
	}

	orders, err := s.LoadOrders()
	if err != nil {
		t.Fatalf("LoadOrders: %v", err)
	}
	if len(orders) != 2 || orders["o2"].Market != "KRW-BTC" {
		t.Errorf("orders = %+v", orders)
	}
}

func TestAppendOrderOverwritesSameID(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	first := types.OrderResult{OrderID: "o1", Market: "KRW-BTC", Status: types.StatusSubmitted}
	if err := s.AppendOrder(first); err != nil {
		t.Fatalf("AppendOrder: %v", err)
	}
	first.Status = types.StatusFilled
	if err := s.AppendOrder(first); err != nil {
		t.Fatalf("AppendOrder: %v", err)
	}

	orders, err := s.LoadOrders()
	if err != nil {
		t.Fatalf("LoadOrders: %v", err)
	}
	if len(orders) != 1 || orders["o1"].Status != types.StatusFilled {
		t.Errorf("orders = %+v, want one filled o1", orders)
	}
}

func TestDailyRiskRoundTrip(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	if d, err := s.LoadDailyRisk(); err != nil || d != nil {
		t.Fatalf("fresh store: daily = %+v, err = %v", d, err)
	}

	want := &types.DailyRisk{Date: "2026-08-26", StartingBalance: 1_000_000, CurrentBalance: 990_000}
	if err := s.SaveDailyRisk(want); err != nil {
		t.Fatalf("SaveDailyRisk: %v", err)
	}

	got, err := s.LoadDailyRisk()
	if err != nil {
		t.Fatalf("LoadDailyRisk: %v", err)
	}
	if got == nil || got.Date != want.Date || got.CurrentBalance != want.CurrentBalance {
		t.Errorf("daily = %+v, want %+v", got, want)
	}
}

func TestMarketRiskRoundTrip(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	in := map[string]*types.MarketRisk{
		"KRW-ETH": {Market: "KRW-ETH", ConsecutiveLosses: 2, Banned: true, BanExpiry: "2026-08-27"},
	}
	if err := s.SaveMarketRisk(in); err != nil {
		t.Fatalf("SaveMarketRisk: %v", err)
	}

	got, err := s.LoadMarketRisk()
	if err != nil {
		t.Fatalf("LoadMarketRisk: %v", err)
	}
	if mr := got["KRW-ETH"]; mr == nil || !mr.Banned || mr.BanExpiry != "2026-08-27" {
		t.Errorf("market risk = %+v", got)
	}
}

func TestCorruptDocumentStartsEmpty(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s, err := Open(dir, quietLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := os.WriteFile(filepath.Join(dir, positionsFile), []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}

	loaded, err := s.LoadPositions()
	if err != nil {
		t.Fatalf("LoadPositions on corrupt file: %v", err)
	}
	if len(loaded) != 0 {
		t.Errorf("expected empty map, got %+v", loaded)
	}
}

func TestSavePositionsOverwrites(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	_ = s.SavePositions(map[string]*types.Position{"KRW-BTC": {ID: "p1", Quantity: 10}})
	_ = s.SavePositions(map[string]*types.Position{"KRW-BTC": {ID: "p1", Quantity: 20}})

	loaded, err := s.LoadPositions()
	if err != nil {
		t.Fatalf("LoadPositions: %v", err)
	}
	if loaded["KRW-BTC"].Quantity != 20 {
		t.Errorf("quantity = %v, want 20 (latest save)", loaded["KRW-BTC"].Quantity)
	}
}
