package helper

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// DefaultTimeframe используется, если таймфрейм стратегии не распознан.
const DefaultTimeframe = "1m"

func NormTF(raw string) string {
	s := strings.TrimSpace(strings.ToLower(raw))
	s = strings.TrimPrefix(s, "candle")
	switch s {
	case "60m", "1h":
		return "1h"
	case "240m":
		return "4h"
	case "1440m", "24h":
		return "1d"
	default:
		return s
	}
}

// TimeframeDuration возвращает длину бара. Неизвестные таймфреймы трактуются как 1m.
func TimeframeDuration(tf string) time.Duration {
	switch NormTF(tf) {
	case "1m":
		return time.Minute
	case "3m":
		return 3 * time.Minute
	case "5m":
		return 5 * time.Minute
	case "15m":
		return 15 * time.Minute
	case "30m":
		return 30 * time.Minute
	case "1h":
		return time.Hour
	case "2h":
		return 2 * time.Hour
	case "4h":
		return 4 * time.Hour
	case "6h":
		return 6 * time.Hour
	case "8h":
		return 8 * time.Hour
	case "12h":
		return 12 * time.Hour
	case "1d":
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

// BucketStart = floor(now/interval)*interval в миллисекундах.
func BucketStart(now time.Time, tf string) int64 {
	ms := TimeframeDuration(tf).Milliseconds()
	return (now.UnixMilli() / ms) * ms
}

// CacheKey ключ буфера свечей: "BTC-USDT-SWAP_5m".
func CacheKey(symbol, tf string) string {
	return strings.ToUpper(symbol) + "_" + NormTF(tf)
}

// OKXBar переводит таймфрейм в формат bar у OKX (1h -> 1H).
func OKXBar(tf string) (string, error) {
	switch NormTF(tf) {
	case "1m", "3m", "5m", "15m", "30m":
		return NormTF(tf), nil
	case "1h":
		return "1H", nil
	case "2h":
		return "2H", nil
	case "4h":
		return "4H", nil
	case "6h":
		return "6H", nil
	case "8h":
		return "8H", nil
	case "12h":
		return "12H", nil
	case "1d":
		return "1D", nil
	}
	return "", fmt.Errorf("unsupported timeframe for OKX bar: %q", tf)
}

func RoundDownToTick(px, tick float64) float64 {
	if tick <= 0 {
		return px
	}
	steps := math.Floor(px/tick + 1e-12)
	return steps * tick
}

func RoundUpToTick(px, tick float64) float64 {
	if tick <= 0 {
		return px
	}
	steps := math.Ceil(px/tick - 1e-12)
	return steps * tick
}

// PositionKey ключ позиции в памяти движка: "BTCUSDT_long".
func PositionKey(symbol, direction string) string {
	return symbol + "_" + direction
}

// InstID приводит символ к instId бессрочного контракта OKX: BTCUSDT -> BTC-USDT-SWAP.
// Символы с дефисом считаются уже готовыми instId.
func InstID(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if strings.Contains(s, "-") {
		return s
	}
	for _, quote := range []string{"USDT", "USDC", "USD"} {
		if base, ok := strings.CutSuffix(s, quote); ok && base != "" {
			return base + "-" + quote + "-SWAP"
		}
	}
	return s
}

// SymbolFromInstID обратное к InstID: BTC-USDT-SWAP -> BTCUSDT.
func SymbolFromInstID(instID string) string {
	s := strings.TrimSuffix(strings.ToUpper(instID), "-SWAP")
	return strings.ReplaceAll(s, "-", "")
}
