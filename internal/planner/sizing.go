package planner

import (
	"fmt"

	"futures_engine/internal/strategy"
)

// EntryRequest входные данные расчёта объёма входа.
type EntryRequest struct {
	Margin        strategy.InitialMargin
	Leverage      float64
	Price         float64
	SymbolCount   int
	WalletBalance float64
}

// EntryQuantity объём входа в контрактах: маржа * плечо / цена / ctVal, floor к шагу,
// ограничен сверху MaxQuantity. Ниже минимального количества ошибка.
func EntryQuantity(req EntryRequest, c Constraints) (float64, error) {
	if !(req.Price > 0) {
		return 0, fmt.Errorf("planner.EntryQuantity: invalid price %v", req.Price)
	}

	var margin float64
	switch req.Margin.Mode {
	case strategy.MarginUSDTAmount, "":
		margin = req.Margin.Value
	case strategy.MarginPerSymbolPercentage:
		margin = req.WalletBalance * req.Margin.Value / 100
	case strategy.MarginAllSymbolsPercentage:
		margin = req.WalletBalance * req.Margin.Value / 100 / float64(max(req.SymbolCount, 1))
	default:
		return 0, fmt.Errorf("planner.EntryQuantity: unknown margin mode %q", req.Margin.Mode)
	}

	leverage := req.Leverage
	if leverage < 1 {
		leverage = 1
	}
	notional := margin * leverage
	qty := RoundToStep(notional/(req.Price*contractValue(c.ContractValue)), c.QuantityStep, RoundFloor)

	if qty <= 0 || (c.MinQuantity > 0 && qty < c.MinQuantity) {
		return 0, fmt.Errorf("planner.EntryQuantity: quantity %v below minimum %v", qty, c.MinQuantity)
	}
	if c.MaxQuantity > 0 && qty > c.MaxQuantity {
		qty = RoundToStep(c.MaxQuantity, c.QuantityStep, RoundFloor)
	}
	return qty, nil
}
