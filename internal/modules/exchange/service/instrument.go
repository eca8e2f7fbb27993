package service

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"futures_engine/internal/helper"
	"futures_engine/internal/models"
	"futures_engine/internal/planner"
)

type instrumentRow struct {
	InstID    string `json:"instId"`
	TickSz    string `json:"tickSz"`
	LotSz     string `json:"lotSz"`
	MinSz     string `json:"minSz"`
	CtVal     string `json:"ctVal"`
	CtMult    string `json:"ctMult"`
	State     string `json:"state"`
	MaxMktSz  string `json:"maxMktSz"`
	CtType    string `json:"ctType"`
	SettleCcy string `json:"settleCcy"`
	CtValCcy  string `json:"ctValCcy"`
}

type tickerRow struct {
	InstID string `json:"instId"`
	Last   string `json:"last"`
}

// Instrument метаданные SWAP-инструмента и последняя цена.
func (c *Client) Instrument(ctx context.Context, symbol string) (models.Instrument, error) {
	instID := helper.InstID(symbol)
	rows, err := call[instrumentRow](ctx, c, "GET", "/api/v5/public/instruments?instType=SWAP&instId="+url.QueryEscape(instID), nil, false)
	if err != nil {
		return models.Instrument{}, err
	}
	if len(rows) == 0 {
		return models.Instrument{}, fmt.Errorf("instrument %s not found", instID)
	}

	inst := rows[0]
	if inst.State != "" && inst.State != "live" {
		return models.Instrument{}, fmt.Errorf("instrument %s not live: state=%s", instID, inst.State)
	}

	lotSz, minSz, tickSz, ctVal := parseNum(inst.LotSz), parseNum(inst.MinSz), parseNum(inst.TickSz), parseNum(inst.CtVal)
	if lotSz <= 0 || minSz <= 0 || tickSz <= 0 || ctVal <= 0 {
		return models.Instrument{}, fmt.Errorf("instrument %s: bad meta lotSz=%q minSz=%q tickSz=%q ctVal=%q",
			instID, inst.LotSz, inst.MinSz, inst.TickSz, inst.CtVal)
	}
	if mult := parseNum(inst.CtMult); mult > 0 {
		ctVal *= mult
	}

	lastPx, err := c.LastPrice(ctx, symbol)
	if err != nil {
		return models.Instrument{}, fmt.Errorf("ticker: %w", err)
	}

	kind := models.ContractUnknown
	switch strings.ToLower(strings.TrimSpace(inst.CtType)) {
	case "linear":
		kind = models.ContractLinearUSDT
	case "inverse":
		kind = models.ContractInverseCoin
	}

	return models.Instrument{
		InstID:      inst.InstID,
		Kind:        kind,
		SettleCcy:   inst.SettleCcy,
		CtValCcy:    inst.CtValCcy,
		LastPx:      lastPx,
		TickSz:      tickSz,
		LotSz:       lotSz,
		MinSz:       minSz,
		CtVal:       ctVal,
		MaxMktSz:    parseNum(inst.MaxMktSz),
		MinNotional: c.MinNotional,
	}, nil
}

// Constraints переводит метаданные в ограничения планировщика.
func Constraints(inst models.Instrument) planner.Constraints {
	return planner.Constraints{
		PriceStep:     inst.TickSz,
		QuantityStep:  inst.LotSz,
		MinNotional:   inst.MinNotional,
		MinQuantity:   inst.MinSz,
		MaxQuantity:   inst.MaxMktSz,
		ContractValue: inst.CtVal,
	}
}

func (c *Client) LastPrice(ctx context.Context, symbol string) (float64, error) {
	instID := helper.InstID(symbol)
	rows, err := call[tickerRow](ctx, c, "GET", "/api/v5/market/ticker?instId="+url.QueryEscape(instID), nil, false)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, fmt.Errorf("ticker %s: empty", instID)
	}
	px := parseNum(rows[0].Last)
	if px <= 0 {
		return 0, fmt.Errorf("ticker %s: last=%q", instID, rows[0].Last)
	}
	return px, nil
}
