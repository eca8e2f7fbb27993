package planner

import (
	"futures_engine/internal/models"
)

// Constraints ограничения инструмента на бирже.
type Constraints struct {
	PriceStep     float64 `json:"priceStep"`
	QuantityStep  float64 `json:"quantityStep"`
	MinNotional   float64 `json:"minNotional"`
	MinQuantity   float64 `json:"minQuantity"`
	MaxQuantity   float64 `json:"maxQuantity,omitempty"`
	ContractValue float64 `json:"contractValue"`
}

// Runtime базы для процентных режимов размера.
type Runtime struct {
	PositionNotional     float64
	WalletBalance        float64
	InitialEntryNotional float64
}

type Options struct {
	UseMinNotionalFallback bool
}

func DefaultOptions() Options {
	return Options{UseMinNotionalFallback: true}
}

const (
	ReasonStopUnresolved  = "stop price unresolved"
	ReasonLimitUnresolved = "limit price unresolved"
	ReasonMinNotional     = "min_notional_aligned"
)

// Materialize считает ордера по действиям. Функция без побочных эффектов, отправка на биржу делает вызывающий.
func Materialize(intents []models.ActionIntent, c Constraints, lastPrice float64, rt Runtime, opts Options) []models.PlannedOrder {
	orders := make([]models.PlannedOrder, 0, len(intents))
	minNotional := positive(c.MinNotional)

	for _, it := range intents {
		o := models.PlannedOrder{
			ID:      it.ID,
			GroupID: it.GroupID,
			Type:    models.TypeMarket,
			Raw:     it.Raw,
		}

		switch it.Kind {
		case models.ActionStoploss:
			o.Side = models.SideStoploss
			o.Type = models.TypeStopMarket
			o.ReduceOnly = true
			o.WorkingType = "MARK_PRICE"
			if it.Price != nil {
				p := RoundToStep(*it.Price, c.PriceStep, RoundHalf)
				o.StopPrice = &p
			} else {
				o.Reason = ReasonStopUnresolved
			}
			orders = append(orders, o)
			continue
		case models.ActionSell:
			o.Side = models.SideSell
		default:
			o.Side = models.SideBuy
		}

		refPrice := positive(lastPrice)
		if it.OrderType == models.OrderLimit {
			o.Type = models.TypeLimit
			refPrice = 0
			if it.Price != nil {
				p := RoundToStep(*it.Price, c.PriceStep, RoundHalf)
				o.Price = &p
				refPrice = positive(p)
			} else {
				o.Reason = ReasonLimitUnresolved
			}
		}

		target := targetNotional(it.Amount, rt, minNotional)
		if refPrice == 0 || target == 0 {
			orders = append(orders, o)
			continue
		}

		o.Quantity, o.Notional = QuantityForNotional(refPrice, target, c.MinQuantity, c.QuantityStep, c.ContractValue)
		if opts.UseMinNotionalFallback && minNotional > 0 && o.Notional < minNotional {
			o.Quantity, o.Notional = quantityCeil(refPrice, minNotional, c.MinQuantity, c.QuantityStep, c.ContractValue)
			if o.Reason == "" {
				o.Reason = ReasonMinNotional
			}
		}
		orders = append(orders, o)
	}
	return orders
}

func targetNotional(a models.Amount, rt Runtime, minNotional float64) float64 {
	pct := func(base float64) float64 {
		b, p := positive(base), positive(a.Value)
		if b == 0 || p == 0 {
			return 0
		}
		return b * p / 100
	}
	switch a.Mode {
	case models.AmountUSDT, "":
		return positive(a.Value)
	case models.AmountPositionPercent:
		return pct(rt.PositionNotional)
	case models.AmountWalletPercent:
		return pct(rt.WalletBalance)
	case models.AmountInitialPercent:
		return pct(rt.InitialEntryNotional)
	case models.AmountMinNotional:
		return minNotional
	}
	return 0
}

// positive значение или 0, если оно не конечное положительное.
func positive(v float64) float64 {
	if finite(v) && v > 0 {
		return v
	}
	return 0
}
