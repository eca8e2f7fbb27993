package service

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

var (
	ErrNoCredentials = errors.New("okx credentials are not configured")
	ErrRejected      = errors.New("okx rejected the request")
)

const DefaultBaseURL = "https://www.okx.com"

type Credentials struct {
	APIKey     string
	APISecret  string
	Passphrase string
}

// Client подписанный REST OKX v5.
type Client struct {
	base      string
	http      *http.Client
	creds     Credentials
	simulated bool

	// OKX не отдаёт minNotional, берём из конфига
	MinNotional float64
	now         func() time.Time
}

func NewClient(base string, creds Credentials, simulated bool, httpClient *http.Client) *Client {
	if base == "" {
		base = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		base:        strings.TrimRight(base, "/"),
		http:        httpClient,
		creds:       creds,
		simulated:   simulated,
		MinNotional: 5,
		now:         time.Now,
	}
}

func (c *Client) HasCredentials() bool {
	return c.creds.APIKey != "" && c.creds.APISecret != "" && c.creds.Passphrase != ""
}

// SetCredentials подменяет ключи, например после загрузки из хранилища.
func (c *Client) SetCredentials(creds Credentials) { c.creds = creds }

func (c *Client) sign(ts, method, requestPath, body string) string {
	h := hmac.New(sha256.New, []byte(c.creds.APISecret))
	h.Write([]byte(ts + strings.ToUpper(method) + requestPath + body))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

type envelope[T any] struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data []T    `json:"data"`
}

// call выполняет запрос и возвращает data из ответа. requestPath включает query.
func call[T any](ctx context.Context, c *Client, method, requestPath string, body any, private bool) ([]T, error) {
	if private && !c.HasCredentials() {
		return nil, ErrNoCredentials
	}

	var payload []byte
	if body != nil {
		var err error
		if payload, err = sonic.Marshal(body); err != nil {
			return nil, errors.Wrap(err, "okx encode")
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+requestPath, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "okx new request")
	}
	req.Header.Set("Content-Type", "application/json")
	if private {
		ts := c.now().UTC().Format("2006-01-02T15:04:05.000Z")
		req.Header.Set("OK-ACCESS-KEY", c.creds.APIKey)
		req.Header.Set("OK-ACCESS-SIGN", c.sign(ts, method, requestPath, string(payload)))
		req.Header.Set("OK-ACCESS-TIMESTAMP", ts)
		req.Header.Set("OK-ACCESS-PASSPHRASE", c.creds.Passphrase)
	}
	if c.simulated {
		req.Header.Set("x-simulated-trading", "1")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "okx %s %s", method, requestPath)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("okx %s http %d: %s", requestPath, resp.StatusCode, string(data))
	}

	var r envelope[T]
	if err := sonic.Unmarshal(data, &r); err != nil {
		return nil, errors.Wrapf(err, "okx decode %s", requestPath)
	}
	if r.Code != "0" {
		return r.Data, fmt.Errorf("%w: code=%s msg=%s", ErrRejected, r.Code, r.Msg)
	}
	return r.Data, nil
}

func formatNum(v float64) string {
	return decimal.NewFromFloat(v).String()
}

func parseNum(s string) float64 {
	if s == "" {
		return 0
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	f, _ := d.Float64()
	return f
}
