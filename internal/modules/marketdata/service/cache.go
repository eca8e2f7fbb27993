package service

import (
	"sort"
	"sync"

	"futures_engine/internal/helper"
	"futures_engine/internal/models"
)

const DefaultCacheSize = 500

// Cache кольцевые буферы свечей по ключу SYMBOL_interval. У каждого ключа свой лок.
type Cache struct {
	limit int

	mu     sync.RWMutex
	series map[string]*series
}

type series struct {
	mu      sync.RWMutex
	candles []models.Candle
}

type Stats struct {
	TotalSymbols int      `json:"totalSymbols"`
	TotalCandles int      `json:"totalCandles"`
	Keys         []string `json:"keys"`
}

func NewCache(limit int) *Cache {
	if limit <= 0 {
		limit = DefaultCacheSize
	}
	return &Cache{limit: limit, series: make(map[string]*series)}
}

func (c *Cache) get(key string, create bool) *series {
	c.mu.RLock()
	s := c.series[key]
	c.mu.RUnlock()
	if s != nil || !create {
		return s
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s = c.series[key]; s == nil {
		s = &series{}
		c.series[key] = s
	}
	return s
}

// Upsert добавляет свечу. Та же openTime перезаписывает последнюю, более старая игнорируется.
// Возвращает false, если свеча отброшена.
func (c *Cache) Upsert(symbol, interval string, candle models.Candle) bool {
	s := c.get(helper.CacheKey(symbol, interval), true)
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.candles)
	if n > 0 {
		last := s.candles[n-1].OpenTime
		switch {
		case candle.OpenTime.Equal(last):
			s.candles[n-1] = candle
			return true
		case candle.OpenTime.Before(last):
			return false
		}
	}
	s.candles = append(s.candles, candle)
	if len(s.candles) > c.limit {
		// копия, чтобы не держать старый массив
		s.candles = append([]models.Candle(nil), s.candles[len(s.candles)-c.limit:]...)
	}
	return true
}

// Set заменяет содержимое ключа (бэкфилл). Свечи сортируются по времени и дедуплицируются.
func (c *Cache) Set(symbol, interval string, candles []models.Candle) {
	sorted := append([]models.Candle(nil), candles...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].OpenTime.Before(sorted[j].OpenTime) })

	out := sorted[:0]
	for _, cd := range sorted {
		if n := len(out); n > 0 && out[n-1].OpenTime.Equal(cd.OpenTime) {
			out[n-1] = cd
			continue
		}
		out = append(out, cd)
	}
	if len(out) > c.limit {
		out = out[len(out)-c.limit:]
	}

	s := c.get(helper.CacheKey(symbol, interval), true)
	s.mu.Lock()
	s.candles = append([]models.Candle(nil), out...)
	s.mu.Unlock()
}

// Klines последние limit свечей (limit <= 0 все), копия.
func (c *Cache) Klines(symbol, interval string, limit int) []models.Candle {
	s := c.get(helper.CacheKey(symbol, interval), false)
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	from := 0
	if limit > 0 && len(s.candles) > limit {
		from = len(s.candles) - limit
	}
	return append([]models.Candle(nil), s.candles[from:]...)
}

// ClosedKlines только закрытые свечи.
func (c *Cache) ClosedKlines(symbol, interval string) []models.Candle {
	all := c.Klines(symbol, interval, 0)
	out := all[:0]
	for _, cd := range all {
		if cd.Closed {
			out = append(out, cd)
		}
	}
	return out
}

func (c *Cache) Last(symbol, interval string) (models.Candle, bool) {
	k := c.Klines(symbol, interval, 1)
	if len(k) == 0 {
		return models.Candle{}, false
	}
	return k[0], true
}

// CurrentPrice close последней свечи.
func (c *Cache) CurrentPrice(symbol, interval string) (float64, bool) {
	last, ok := c.Last(symbol, interval)
	if !ok || !(last.Close > 0) {
		return 0, false
	}
	return last.Close, true
}

func (c *Cache) Closes(symbol, interval string) []float64 {
	return c.pluck(symbol, interval, func(cd models.Candle) float64 { return cd.Close })
}

func (c *Cache) Highs(symbol, interval string) []float64 {
	return c.pluck(symbol, interval, func(cd models.Candle) float64 { return cd.High })
}

func (c *Cache) Lows(symbol, interval string) []float64 {
	return c.pluck(symbol, interval, func(cd models.Candle) float64 { return cd.Low })
}

func (c *Cache) Volumes(symbol, interval string) []float64 {
	return c.pluck(symbol, interval, func(cd models.Candle) float64 { return cd.Volume })
}

func (c *Cache) pluck(symbol, interval string, fn func(models.Candle) float64) []float64 {
	k := c.Klines(symbol, interval, 0)
	out := make([]float64, len(k))
	for i, cd := range k {
		out[i] = fn(cd)
	}
	return out
}

func (c *Cache) Count(symbol, interval string) int {
	s := c.get(helper.CacheKey(symbol, interval), false)
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.candles)
}

func (c *Cache) Clear(symbol, interval string) {
	c.mu.Lock()
	delete(c.series, helper.CacheKey(symbol, interval))
	c.mu.Unlock()
}

func (c *Cache) ClearAll() {
	c.mu.Lock()
	c.series = make(map[string]*series)
	c.mu.Unlock()
}

func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st := Stats{TotalSymbols: len(c.series), Keys: make([]string, 0, len(c.series))}
	for key, s := range c.series {
		s.mu.RLock()
		st.TotalCandles += len(s.candles)
		s.mu.RUnlock()
		st.Keys = append(st.Keys, key)
	}
	sort.Strings(st.Keys)
	return st
}
