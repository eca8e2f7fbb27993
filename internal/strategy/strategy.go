// Package strategy описывает пользовательскую стратегию: символы, деревья входа/выхода
// и параметры размера позиции.
package strategy

import (
	"os"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"

	"futures_engine/internal/condition"
	"futures_engine/internal/helper"
	"futures_engine/internal/models"
)

const DefaultTimeframe = "5m"

type LeverageMode string

const (
	LeverageUniform LeverageMode = "uniform"
	LeverageCustom  LeverageMode = "custom"
)

// Leverage плечо. В режиме custom значение по символу берётся из Custom.
type Leverage struct {
	Mode   LeverageMode       `json:"mode"`
	Value  float64            `json:"value"`
	Custom map[string]float64 `json:"custom,omitempty"`
}

// For плечо для символа, не меньше 1.
func (l Leverage) For(symbol string) float64 {
	v := l.Value
	if l.Mode == LeverageCustom {
		if c, ok := l.Custom[strings.ToUpper(symbol)]; ok && c > 0 {
			v = c
		}
	}
	if v < 1 {
		return 1
	}
	return v
}

type MarginMode string

const (
	MarginUSDTAmount           MarginMode = "usdt_amount"
	MarginPerSymbolPercentage  MarginMode = "per_symbol_percentage"
	MarginAllSymbolsPercentage MarginMode = "all_symbols_percentage"
)

type InitialMargin struct {
	Mode  MarginMode `json:"mode"`
	Value float64    `json:"value"`
}

type PositionMode string

const (
	PositionOneWay PositionMode = "one_way"
	PositionHedge  PositionMode = "hedge"
)

// Side условия одной стороны. Indicators старое имя поля conditions.
type Side struct {
	Enabled    bool           `json:"enabled"`
	Conditions condition.Tree `json:"conditions"`
	Indicators condition.Tree `json:"indicators,omitempty"`
}

type Sides struct {
	Long  Side `json:"long"`
	Short Side `json:"short"`
}

type SymbolSelection struct {
	ManualSymbols []string `json:"manualSymbols,omitempty"`
}

// Strategy стратегия в том виде, в каком её хранит БД.
type Strategy struct {
	ID              string           `json:"id"`
	Name            string           `json:"name"`
	Active          bool             `json:"active"`
	UserID          string           `json:"userId,omitempty"`
	Symbols         []string         `json:"symbols"`
	SymbolSelection *SymbolSelection `json:"symbolSelection,omitempty"`
	Timeframe       string           `json:"timeframe"`
	Leverage        *Leverage        `json:"leverage,omitempty"`
	InitialMargin   *InitialMargin   `json:"initialMargin,omitempty"`
	PositionMode    PositionMode     `json:"positionMode"`
	Entry           Sides            `json:"entry"`
	Exit            Sides            `json:"exit"`
}

// Normalize проставляет значения по умолчанию и переносит старые поля.
func (s *Strategy) Normalize() {
	if len(s.Symbols) == 0 && s.SymbolSelection != nil {
		s.Symbols = append([]string(nil), s.SymbolSelection.ManualSymbols...)
	}
	for i, sym := range s.Symbols {
		s.Symbols[i] = strings.ToUpper(strings.TrimSpace(sym))
	}

	for _, side := range []*Side{&s.Entry.Long, &s.Entry.Short, &s.Exit.Long, &s.Exit.Short} {
		if side.Conditions.Root == nil && side.Indicators.Root != nil {
			side.Conditions = side.Indicators
		}
		side.Indicators = condition.Tree{}
	}

	if s.Timeframe == "" {
		s.Timeframe = DefaultTimeframe
	}
	s.Timeframe = helper.NormTF(s.Timeframe)

	if s.Leverage == nil {
		s.Leverage = &Leverage{Mode: LeverageUniform, Value: 1}
	}
	if s.Leverage.Mode == "" {
		s.Leverage.Mode = LeverageUniform
	}
	if s.InitialMargin == nil || s.InitialMargin.Mode == "" {
		s.InitialMargin = &InitialMargin{Mode: MarginUSDTAmount, Value: 100}
	}

	switch strings.ReplaceAll(string(s.PositionMode), "-", "_") {
	case string(PositionHedge):
		s.PositionMode = PositionHedge
	default:
		s.PositionMode = PositionOneWay
	}
}

// EntryTree дерево входа для направления, nil если сторона выключена.
func (s *Strategy) EntryTree(d models.Direction) condition.Node {
	return s.Entry.side(d).tree()
}

// ExitTree дерево выхода для направления.
func (s *Strategy) ExitTree(d models.Direction) condition.Node {
	return s.Exit.side(d).tree()
}

func (s *Sides) side(d models.Direction) *Side {
	if d == models.Short {
		return &s.Short
	}
	return &s.Long
}

func (s *Side) tree() condition.Node {
	if !s.Enabled {
		return nil
	}
	return s.Conditions.Root
}

// Hedge позиции long и short раздельные.
func (s *Strategy) Hedge() bool { return s.PositionMode == PositionHedge }

// Runtime счётчики стратегии, живут только в памяти процесса.
type Runtime struct {
	Evaluations int       `json:"evaluations"`
	Signals     int       `json:"signals"`
	Errors      int       `json:"errors"`
	LastError   string    `json:"lastError,omitempty"`
	LastErrorAt time.Time `json:"lastErrorAt,omitempty"`
	LastEvalAt  time.Time `json:"lastEvalAt,omitempty"`
}

// Decode разбирает одну стратегию или массив стратегий.
func Decode(data []byte) ([]Strategy, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var list []Strategy
		if err := sonic.Unmarshal(data, &list); err != nil {
			return nil, errors.Wrap(err, "strategy.Decode")
		}
		return list, nil
	}
	var one Strategy
	if err := sonic.Unmarshal(data, &one); err != nil {
		return nil, errors.Wrap(err, "strategy.Decode")
	}
	return []Strategy{one}, nil
}

// LoadFile читает стратегии из JSON-файла и нормализует их.
func LoadFile(path string) ([]Strategy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "strategy.LoadFile")
	}
	list, err := Decode(data)
	if err != nil {
		return nil, err
	}
	for i := range list {
		if list[i].ID == "" {
			return nil, errors.Errorf("strategy.LoadFile: strategy #%d without id", i)
		}
		list[i].Normalize()
	}
	return list, nil
}
