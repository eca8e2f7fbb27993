package models

import "time"

// Candle одна OHLCV-свеча. Последняя в буфере может быть незакрытой.
type Candle struct {
	Symbol    string    `json:"symbol,omitempty"`
	Interval  string    `json:"interval,omitempty"`
	OpenTime  time.Time `json:"openTime"`
	CloseTime time.Time `json:"closeTime"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	Closed    bool      `json:"closed"`
}

// CandleField поле свечи для сравнения.
type CandleField string

const (
	FieldOpen   CandleField = "open"
	FieldHigh   CandleField = "high"
	FieldLow    CandleField = "low"
	FieldClose  CandleField = "close"
	FieldVolume CandleField = "volume"
)

// Field возвращает значение поля, ok=false для неизвестного поля.
func (c Candle) Field(f CandleField) (float64, bool) {
	switch f {
	case FieldOpen:
		return c.Open, true
	case FieldHigh:
		return c.High, true
	case FieldLow:
		return c.Low, true
	case FieldClose:
		return c.Close, true
	case FieldVolume:
		return c.Volume, true
	}
	return 0, false
}

// CandleReference текущая или предыдущая свеча.
type CandleReference string

const (
	RefCurrent  CandleReference = "current"
	RefPrevious CandleReference = "previous"
)

// CandlePair две последние свечи для контекста оценки.
type CandlePair struct {
	Current  *Candle `json:"current,omitempty"`
	Previous *Candle `json:"previous,omitempty"`
}

// Pick выбирает свечу по ссылке. Пустая ссылка = current.
func (p CandlePair) Pick(ref CandleReference) *Candle {
	if ref == RefPrevious {
		return p.Previous
	}
	return p.Current
}
