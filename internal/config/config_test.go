package config

import "testing"

func validConfig() Config {
	return Config{
		Mode: ModePaper,
		Exchange: ExchangeConfig{
			BaseURL:    "https://api.upbit.com",
			MaxRetries: 3,
		},
		Scanner: ScannerConfig{
			CandleUnit:     5,
			CandleCount:    200,
			RSReference:    "KRW-BTC",
			WeightRS:       0.4,
			WeightRVOL:     0.3,
			WeightTrend:    0.2,
			WeightDepth:    0.1,
			CandidateCount: 3,
		},
		Signals: SignalsConfig{
			ORB: ORBConfig{BoxWindow: "09:00-10:00", ActiveWindow: "10:00-13:00"},
		},
		Risk: RiskConfig{
			PerTradeRiskPct:      0.004,
			MinPositionKRW:       10_000,
			MaxPositionKRW:       500_000,
			DailyDrawdownStopPct: 0.01,
			ConsecutiveLossStop:  2,
			MinRiskRewardRatio:   1.0,
		},
		Orders: OrdersConfig{
			TimeInForce: "IOC",
			Paper:       PaperConfig{FillProbability: 0.95},
		},
		Runtime: RuntimeConfig{
			SessionWindows: []string{"09:10-13:00", "17:10-19:00"},
		},
	}
}

func TestValidateAccepts(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejectsBadWeights(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Scanner.WeightRS = 0.6 // sums to 1.2
	if err := cfg.Validate(); err == nil {
		t.Error("expected weight-sum error")
	}
}

func TestValidateRejectsBadMode(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Mode = "replay"
	if err := cfg.Validate(); err == nil {
		t.Error("expected mode error")
	}
}

func TestValidateLiveRequiresKeys(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Mode = ModeLive
	if err := cfg.Validate(); err == nil {
		t.Error("live mode without credentials should fail")
	}
}

func TestValidateRejectsBadWindow(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Runtime.SessionWindows = []string{"nine-ten"}
	if err := cfg.Validate(); err == nil {
		t.Error("expected window parse error")
	}
}

func TestSessionWindows(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	windows := cfg.SessionWindows()
	if len(windows) != 2 {
		t.Fatalf("expected 2 windows, got %d", len(windows))
	}
	if windows[0].Start != 9*60+10 {
		t.Errorf("first window start = %d, want %d", windows[0].Start, 9*60+10)
	}
}
