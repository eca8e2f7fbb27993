package service

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"

	"futures_engine/internal/helper"
	"futures_engine/internal/models"
)

// OKX отдаёт не больше 300 свечей за запрос
const restPageLimit = 300

// RestClient публичный REST OKX для истории свечей.
type RestClient struct {
	base string
	http *http.Client
}

func NewRestClient(base string, httpClient *http.Client) *RestClient {
	if base == "" {
		base = DefaultRestURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &RestClient{base: base, http: httpClient}
}

// Candles последние limit свечей, от старых к новым. Все свечи помечаются закрытыми.
func (c *RestClient) Candles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	if limit <= 0 {
		limit = 100
	}
	bar, err := helper.OKXBar(interval)
	if err != nil {
		return nil, err
	}
	instID := helper.InstID(symbol)

	// страницы идут от новых к старым через after=<ts самой старой>
	var newestFirst [][]string
	after := ""
	for len(newestFirst) < limit {
		page, err := c.page(ctx, instID, bar, min(restPageLimit, limit-len(newestFirst)), after)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		newestFirst = append(newestFirst, page...)
		oldest := page[len(page)-1]
		if len(page) < restPageLimit || len(oldest) == 0 {
			break
		}
		after = oldest[0]
	}

	out := make([]models.Candle, 0, len(newestFirst))
	for i := len(newestFirst) - 1; i >= 0; i-- {
		cd, ok := parseRow(newestFirst[i], strings.ToUpper(symbol), interval)
		if !ok {
			continue
		}
		cd.Closed = true
		out = append(out, cd)
	}
	return out, nil
}

func (c *RestClient) page(ctx context.Context, instID, bar string, limit int, after string) ([][]string, error) {
	q := url.Values{}
	q.Set("instId", instID)
	q.Set("bar", bar)
	q.Set("limit", strconv.Itoa(limit))
	if after != "" {
		q.Set("after", after)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/v5/market/candles?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "okx candles")
	}
	defer resp.Body.Close()

	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("okx candles: http %d: %s", resp.StatusCode, string(b))
	}

	var r restCandles
	if err := sonic.Unmarshal(b, &r); err != nil {
		return nil, errors.Wrap(err, "okx candles decode")
	}
	if r.Code != "0" {
		return nil, fmt.Errorf("okx candles error: code=%s msg=%s", r.Code, r.Msg)
	}
	return r.Data, nil
}
