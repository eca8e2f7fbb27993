package service

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"futures_engine/internal/helper"
	"futures_engine/internal/models"
)

type orderRow struct {
	OrdID   string `json:"ordId"`
	AlgoID  string `json:"algoId"`
	ClOrdID string `json:"clOrdId"`
	SCode   string `json:"sCode"`
	SMsg    string `json:"sMsg"`
}

// PlaceOrder отправляет ордер. STOP_MARKET уходит в order-algo как conditional.
// Отказ биржи возвращается как OrderResult{OK:false}, error только для сетевых и прочих сбоев.
func (c *Client) PlaceOrder(ctx context.Context, req models.OrderRequest) (models.OrderResult, error) {
	if !c.HasCredentials() {
		return models.OrderResult{Reason: ErrNoCredentials.Error()}, ErrNoCredentials
	}
	if req.Quantity <= 0 {
		return models.OrderResult{Reason: "quantity <= 0"}, nil
	}
	side := strings.ToLower(req.Side)
	if side != "buy" && side != "sell" {
		return models.OrderResult{Reason: "unsupported side " + req.Side}, nil
	}
	tdMode := req.MarginMode
	if tdMode == "" {
		tdMode = "cross"
	}

	body := map[string]any{
		"instId":  helper.InstID(req.Symbol),
		"tdMode":  tdMode,
		"side":    side,
		"sz":      formatNum(req.Quantity),
		"clOrdId": strings.ReplaceAll(uuid.NewString(), "-", ""),
	}
	if req.PosSide == "long" || req.PosSide == "short" {
		body["posSide"] = req.PosSide
	}
	if req.ReduceOnly {
		body["reduceOnly"] = true
	}

	path := "/api/v5/trade/order"
	switch req.Type {
	case models.TypeMarket, "":
		body["ordType"] = "market"
	case models.TypeLimit:
		if req.Price <= 0 {
			return models.OrderResult{Reason: "limit price <= 0"}, nil
		}
		body["ordType"] = "limit"
		body["px"] = formatNum(req.Price)
	case models.TypeStopMarket:
		if req.StopPrice <= 0 {
			return models.OrderResult{Reason: "stop price <= 0"}, nil
		}
		path = "/api/v5/trade/order-algo"
		body["ordType"] = "conditional"
		body["slTriggerPx"] = formatNum(req.StopPrice)
		body["slOrdPx"] = "-1"
		body["slTriggerPxType"] = "mark"
		delete(body, "clOrdId")
		body["algoClOrdId"] = strings.ReplaceAll(uuid.NewString(), "-", "")
	default:
		return models.OrderResult{Reason: "unsupported order type " + string(req.Type)}, nil
	}

	rows, err := call[orderRow](ctx, c, "POST", path, body, true)
	if len(rows) > 0 && rows[0].SCode != "" && rows[0].SCode != "0" {
		return models.OrderResult{Reason: "sCode=" + rows[0].SCode + " " + rows[0].SMsg}, nil
	}
	if errors.Is(err, ErrRejected) {
		return models.OrderResult{Reason: err.Error()}, nil
	}
	if err != nil {
		return models.OrderResult{Reason: err.Error()}, err
	}
	if len(rows) == 0 {
		return models.OrderResult{Reason: "empty response"}, nil
	}

	id := rows[0].OrdID
	if id == "" {
		id = rows[0].AlgoID
	}
	return models.OrderResult{OK: true, OrderID: id}, nil
}
