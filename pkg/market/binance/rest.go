package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"spot-engine/pkg/exchanges/common"
)

// MaxKlinesPerRequest is the exchange cap for one /klines call.
const MaxKlinesPerRequest = 1000

const klinesPath = "/api/v3/klines"

// Client reads public kline history. It needs no credentials.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	// OnWeight receives the X-MBX-USED-WEIGHT-1M header of every response. Klines
	// count against the same IP budget as signed calls.
	OnWeight func(header string)
}

func NewClient(testnet bool) *Client {
	base := "https://api.binance.com"
	if testnet {
		base = "https://testnet.binance.vision"
	}
	return &Client{BaseURL: base, HTTPClient: &http.Client{Timeout: 10 * time.Second}}
}

// GetKlines fetches up to limit klines in [startTime, endTime]. Zero bounds are left
// to the exchange, which then returns the most recent candles.
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, limit int, startTime, endTime int64) ([]Kline, error) {
	q := url.Values{"symbol": {symbol}, "interval": {interval}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(min(limit, MaxKlinesPerRequest)))
	}
	if startTime > 0 {
		q.Set("startTime", strconv.FormatInt(startTime, 10))
	}
	if endTime > 0 {
		q.Set("endTime", strconv.FormatInt(endTime, 10))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(c.BaseURL, "/")+klinesPath+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	res, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if c.OnWeight != nil {
		c.OnWeight(res.Header.Get("X-MBX-USED-WEIGHT-1M"))
	}

	if res.StatusCode != http.StatusOK {
		return nil, decodeError(res)
	}
	var rows []klineRow
	if err := json.NewDecoder(res.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("decode klines %s: %w", symbol, err)
	}
	out := make([]Kline, len(rows))
	for i, r := range rows {
		out[i] = Kline(r)
		out[i].Symbol = symbol
	}
	return out, nil
}

func decodeError(res *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	apiErr := &common.APIError{HTTPStatus: res.StatusCode, Endpoint: "GET " + klinesPath}
	var payload struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Code != 0 {
		apiErr.Code, apiErr.Msg = payload.Code, payload.Msg
	} else {
		apiErr.Msg = string(body)
	}
	return apiErr
}

// klineRow decodes the positional array form:
// [openTime, open, high, low, close, volume, closeTime, quoteVolume, trades,
// takerBase, takerQuote, ignore]. Prices and volumes arrive as strings.
type klineRow Kline

func (k *klineRow) UnmarshalJSON(b []byte) error {
	var f []json.RawMessage
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	if len(f) < 11 {
		return fmt.Errorf("kline row has %d fields", len(f))
	}
	var err error
	num := func(raw json.RawMessage) float64 {
		if err != nil {
			return 0
		}
		var v float64
		v, err = strconv.ParseFloat(strings.Trim(string(raw), `"`), 64)
		return v
	}
	ms := func(raw json.RawMessage) int64 {
		if err != nil {
			return 0
		}
		var v int64
		v, err = strconv.ParseInt(string(raw), 10, 64)
		return v
	}
	*k = klineRow{
		OpenTime:            ms(f[0]),
		Open:                num(f[1]),
		High:                num(f[2]),
		Low:                 num(f[3]),
		Close:               num(f[4]),
		Volume:              num(f[5]),
		CloseTime:           ms(f[6]),
		QuoteVolume:         num(f[7]),
		NumberOfTrades:      int(ms(f[8])),
		TakerBuyBaseVolume:  num(f[9]),
		TakerBuyQuoteVolume: num(f[10]),
	}
	return err
}
