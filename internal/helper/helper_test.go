package helper

import (
	"testing"
	"time"
)

func TestBucketStart(t *testing.T) {
	base := time.Date(2024, 3, 1, 10, 7, 42, 0, time.UTC)

	cases := []struct {
		tf   string
		want time.Time
	}{
		{"1m", time.Date(2024, 3, 1, 10, 7, 0, 0, time.UTC)},
		{"5m", time.Date(2024, 3, 1, 10, 5, 0, 0, time.UTC)},
		{"1h", time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)},
		{"1H", time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)},
		{"1d", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
		{"7x", time.Date(2024, 3, 1, 10, 7, 0, 0, time.UTC)},
	}
	for _, c := range cases {
		got := BucketStart(base, c.tf)
		if got != c.want.UnixMilli() {
			t.Errorf("BucketStart(%s) = %d, want %d", c.tf, got, c.want.UnixMilli())
		}
	}
}

func TestOKXBar(t *testing.T) {
	cases := map[string]string{"1m": "1m", "15m": "15m", "1h": "1H", "60m": "1H", "4h": "4H", "1d": "1D"}
	for in, want := range cases {
		got, err := OKXBar(in)
		if err != nil {
			t.Fatalf("OKXBar(%s): %v", in, err)
		}
		if got != want {
			t.Errorf("OKXBar(%s) = %s, want %s", in, got, want)
		}
	}
	if _, err := OKXBar("2w"); err == nil {
		t.Error("expected error for unsupported bar")
	}
}

func TestRoundToTick(t *testing.T) {
	if got := RoundDownToTick(101.37, 0.1); got < 101.29 || got > 101.31 {
		t.Errorf("RoundDownToTick = %v", got)
	}
	if got := RoundUpToTick(101.31, 0.1); got < 101.39 || got > 101.41 {
		t.Errorf("RoundUpToTick = %v", got)
	}
	if got := RoundDownToTick(5, 0); got != 5 {
		t.Errorf("zero tick must pass through, got %v", got)
	}
}

func TestCacheKey(t *testing.T) {
	if got := CacheKey("btc-usdt-swap", "60m"); got != "BTC-USDT-SWAP_1h" {
		t.Errorf("CacheKey = %s", got)
	}
}

func TestInstID(t *testing.T) {
	cases := map[string]string{
		"BTCUSDT":       "BTC-USDT-SWAP",
		"ethusdc":       "ETH-USDC-SWAP",
		"BTC-USDT-SWAP": "BTC-USDT-SWAP",
		"sol-usdt-swap": "SOL-USDT-SWAP",
		"USDT":          "USDT",
	}
	for in, want := range cases {
		if got := InstID(in); got != want {
			t.Errorf("InstID(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSymbolFromInstID(t *testing.T) {
	for _, sym := range []string{"BTCUSDT", "ETHUSDC", "DOGEUSD"} {
		if got := SymbolFromInstID(InstID(sym)); got != sym {
			t.Errorf("round trip %s -> %s", sym, got)
		}
	}
}
