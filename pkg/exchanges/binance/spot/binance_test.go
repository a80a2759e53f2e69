package spot

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"spot-engine/pkg/exchanges/common"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{APIKey: "key", APISecret: "secret", BaseURL: srv.URL}, zerolog.Nop())
}

func TestSubmitQuoteMarketOrder(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.Header.Get("X-MBX-APIKEY") != "key" {
			t.Errorf("missing api key header")
		}
		if r.PostForm.Get("quoteOrderQty") != "1000" {
			t.Errorf("quoteOrderQty=%q, expected 1000", r.PostForm.Get("quoteOrderQty"))
		}
		if r.PostForm.Get("quantity") != "" {
			t.Errorf("quantity must not be sent with quoteOrderQty")
		}
		if r.PostForm.Get("signature") == "" || r.PostForm.Get("timestamp") == "" {
			t.Errorf("request not signed")
		}
		if r.PostForm.Get("newClientOrderId") != "tok-1" {
			t.Errorf("client id not forwarded")
		}
		w.Write([]byte(`{"symbol":"BTCUSDT","orderId":42,"clientOrderId":"tok-1","origQty":"10","executedQty":"10",
			"cummulativeQuoteQty":"1000","status":"FILLED","type":"MARKET","side":"BUY","transactTime":1700000000000,
			"fills":[{"price":"100","qty":"6","commission":"0.006","commissionAsset":"BTC"},
			         {"price":"100","qty":"4","commission":"0.004","commissionAsset":"BTC"}]}`))
	})

	res, err := c.SubmitOrder(context.Background(), common.OrderRequest{
		Symbol: "BTCUSDT", Side: common.SideBuy, Type: common.OrderTypeMarket, QuoteQty: 1000, ClientID: "tok-1",
	})
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	if res.ExchangeOrderID != "42" || res.Status != common.StatusFilled {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.AvgPrice() != 100 {
		t.Fatalf("AvgPrice=%v, expected 100", res.AvgPrice())
	}
	if res.Commission < 0.00999 || res.Commission > 0.01001 || res.CommissionAsset != "BTC" {
		t.Fatalf("commission=%v %s, expected 0.01 BTC", res.Commission, res.CommissionAsset)
	}
}

func TestInsufficientBalanceIsTyped(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-2010,"msg":"Account has insufficient balance for requested action."}`))
	})

	_, err := c.SubmitOrder(context.Background(), common.OrderRequest{
		Symbol: "BTCUSDT", Side: common.SideSell, Type: common.OrderTypeMarket, Qty: 1,
	})
	if !common.IsInsufficientBalance(err) {
		t.Fatalf("expected insufficient balance error, got %v", err)
	}
	if common.Retryable(err) {
		t.Fatalf("insufficient balance must not be retryable")
	}
}

func TestGetOrderByClientIDNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("origClientOrderId") != "tok-9" {
			t.Errorf("expected lookup by client id, got %s", r.URL.RawQuery)
		}
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-2013,"msg":"Order does not exist."}`))
	})

	_, err := c.GetOrder(context.Background(), "BTCUSDT", "", "tok-9")
	if !errors.Is(err, common.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestGetSymbolRules(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"symbols":[{"symbol":"ETHUSDT","baseAsset":"ETH","quoteAsset":"USDT","filters":[
			{"filterType":"PRICE_FILTER","tickSize":"0.01000000"},
			{"filterType":"LOT_SIZE","stepSize":"0.00010000","minQty":"0.00010000","maxQty":"9000.00000000"},
			{"filterType":"NOTIONAL","minNotional":"5.00000000"}]}]}`))
	})

	rules, err := c.GetSymbolRules(context.Background(), "ETHUSDT")
	if err != nil {
		t.Fatalf("GetSymbolRules: %v", err)
	}
	if rules.PricePrecision() != 2 || rules.QtyPrecision() != 4 {
		t.Fatalf("precision price=%d qty=%d, expected 2/4", rules.PricePrecision(), rules.QtyPrecision())
	}
	if rules.MinNotional != 5 || rules.BaseAsset != "ETH" {
		t.Fatalf("unexpected rules %+v", rules)
	}
}

func TestCredentialsRequired(t *testing.T) {
	c := New(Config{}, zerolog.Nop())
	_, err := c.GetOpenOrders(context.Background(), "BTCUSDT")
	if !errors.Is(err, common.ErrCredentialsMissing) {
		t.Fatalf("expected ErrCredentialsMissing, got %v", err)
	}
}
