package service

import (
	"strconv"
	"time"

	"futures_engine/internal/helper"
	"futures_engine/internal/models"
)

const (
	DefaultWSURL   = "wss://ws.okx.com:8443/ws/v5/business"
	DefaultRestURL = "https://www.okx.com"
)

type wsArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

type wsRequest struct {
	Op   string  `json:"op"`
	Args []wsArg `json:"args,omitempty"`
}

// wsFrame входящий кадр: данные свечей или событие subscribe/error.
type wsFrame struct {
	Event string     `json:"event"`
	Code  string     `json:"code"`
	Msg   string     `json:"msg"`
	Arg   wsArg      `json:"arg"`
	Data  [][]string `json:"data"`
}

type restCandles struct {
	Code string     `json:"code"`
	Msg  string     `json:"msg"`
	Data [][]string `json:"data"`
}

// parseRow разбирает строку OKX: [ts, o, h, l, c, vol, volCcy, volCcyQuote, confirm].
func parseRow(row []string, symbol, interval string) (models.Candle, bool) {
	if len(row) < 5 {
		return models.Candle{}, false
	}
	tsMs, err := strconv.ParseInt(row[0], 10, 64)
	if err != nil {
		return models.Candle{}, false
	}
	open, err1 := strconv.ParseFloat(row[1], 64)
	high, err2 := strconv.ParseFloat(row[2], 64)
	low, err3 := strconv.ParseFloat(row[3], 64)
	closep, err4 := strconv.ParseFloat(row[4], 64)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil || closep <= 0 {
		return models.Candle{}, false
	}

	var vol float64
	if len(row) >= 6 {
		vol, _ = strconv.ParseFloat(row[5], 64)
	}

	start := time.UnixMilli(tsMs).UTC()
	return models.Candle{
		Symbol:    symbol,
		Interval:  helper.NormTF(interval),
		OpenTime:  start,
		CloseTime: start.Add(helper.TimeframeDuration(interval)),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closep,
		Volume:    vol,
		// confirm всегда последний элемент
		Closed: len(row) >= 9 && row[len(row)-1] == "1",
	}, true
}
