package service

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"futures_engine/internal/helper"
	"futures_engine/internal/models"
)

type Balance struct {
	Currency  string  `json:"currency"`
	Equity    float64 `json:"equity"`
	Available float64 `json:"available"`
}

type balanceRow struct {
	Details []struct {
		Ccy      string `json:"ccy"`
		Eq       string `json:"eq"`
		AvailBal string `json:"availBal"`
		AvailEq  string `json:"availEq"`
	} `json:"details"`
}

// Balance баланс торгового счёта по валюте.
func (c *Client) Balance(ctx context.Context, ccy string) (Balance, error) {
	ccy = strings.ToUpper(ccy)
	rows, err := call[balanceRow](ctx, c, "GET", "/api/v5/account/balance?ccy="+url.QueryEscape(ccy), nil, true)
	if err != nil {
		return Balance{}, err
	}
	for _, row := range rows {
		for _, d := range row.Details {
			if strings.ToUpper(d.Ccy) != ccy {
				continue
			}
			avail := parseNum(d.AvailEq)
			if avail == 0 {
				avail = parseNum(d.AvailBal)
			}
			return Balance{Currency: ccy, Equity: parseNum(d.Eq), Available: avail}, nil
		}
	}
	return Balance{Currency: ccy}, nil
}

type leverageRow struct {
	InstID  string `json:"instId"`
	Lever   string `json:"lever"`
	MgnMode string `json:"mgnMode"`
	PosSide string `json:"posSide"`
}

// SetLeverage плечо по инструменту. posSide нужен только для isolated в hedge-режиме.
func (c *Client) SetLeverage(ctx context.Context, symbol string, lever float64, marginMode, posSide string) error {
	if lever < 1 {
		lever = 1
	}
	if marginMode == "" {
		marginMode = "cross"
	}
	body := map[string]string{
		"instId":  helper.InstID(symbol),
		"lever":   formatNum(lever),
		"mgnMode": marginMode,
	}
	if marginMode == "isolated" && (posSide == "long" || posSide == "short") {
		body["posSide"] = posSide
	}
	_, err := call[leverageRow](ctx, c, "POST", "/api/v5/account/set-leverage", body, true)
	return err
}

type positionRow struct {
	InstID      string `json:"instId"`
	PosSide     string `json:"posSide"`
	Pos         string `json:"pos"`
	AvgPx       string `json:"avgPx"`
	Lever       string `json:"lever"`
	Upl         string `json:"upl"`
	RealizedPnl string `json:"realizedPnl"`
	PosID       string `json:"posId"`
	CTime       string `json:"cTime"`
}

// OpenPositions открытые SWAP-позиции счёта. Размер в контрактах, всегда положительный.
func (c *Client) OpenPositions(ctx context.Context) ([]models.Position, error) {
	rows, err := call[positionRow](ctx, c, "GET", "/api/v5/account/positions?instType=SWAP", nil, true)
	if err != nil {
		return nil, err
	}

	out := make([]models.Position, 0, len(rows))
	for _, d := range rows {
		pos := parseNum(d.Pos)
		if pos == 0 {
			continue
		}
		dir := models.Long
		switch {
		case d.PosSide == "short":
			dir = models.Short
		case d.PosSide == "net" && pos < 0:
			dir = models.Short
		}
		if pos < 0 {
			pos = -pos
		}

		var entry time.Time
		if ms := parseNum(d.CTime); ms > 0 {
			entry = time.UnixMilli(int64(ms)).UTC()
		}

		out = append(out, models.Position{
			ID:            d.PosID,
			Symbol:        helper.SymbolFromInstID(d.InstID),
			Direction:     dir,
			EntryPrice:    parseNum(d.AvgPx),
			EntryTime:     entry,
			Quantity:      pos,
			Leverage:      parseNum(d.Lever),
			UnrealizedPnl: parseNum(d.Upl),
			RealizedPnl:   parseNum(d.RealizedPnl),
			Status:        models.PositionOpen,
		})
	}
	return out, nil
}

func (b Balance) String() string {
	return fmt.Sprintf("%s eq=%.2f avail=%.2f", b.Currency, b.Equity, b.Available)
}
