package spot

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"spot-engine/pkg/exchanges/common"
)

// GetBalances converts the account snapshot into normalized balances, skipping zeroes.
func (c *Client) GetBalances(ctx context.Context) ([]common.Balance, error) {
	info, err := c.GetAccountInfo(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]common.Balance, 0, len(info.Balances))
	for _, bal := range info.Balances {
		free, locked := parseFloat(bal.Free), parseFloat(bal.Locked)
		if free == 0 && locked == 0 {
			continue
		}
		out = append(out, common.Balance{Asset: bal.Asset, Free: free, Locked: locked})
	}
	return out, nil
}

type exchangeInfo struct {
	Symbols []struct {
		Symbol     string `json:"symbol"`
		Status     string `json:"status"`
		BaseAsset  string `json:"baseAsset"`
		QuoteAsset string `json:"quoteAsset"`
		Filters    []struct {
			FilterType  string `json:"filterType"`
			TickSize    string `json:"tickSize"`
			StepSize    string `json:"stepSize"`
			MinQty      string `json:"minQty"`
			MaxQty      string `json:"maxQty"`
			MinNotional string `json:"minNotional"`
		} `json:"filters"`
	} `json:"symbols"`
}

// GetSymbolRules reads PRICE_FILTER, LOT_SIZE and (MIN_)NOTIONAL from exchangeInfo.
func (c *Client) GetSymbolRules(ctx context.Context, symbol string) (common.SymbolRules, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.doPublic(ctx, "/api/v3/exchangeInfo", params)
	if err != nil {
		return common.SymbolRules{}, err
	}
	var info exchangeInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return common.SymbolRules{}, fmt.Errorf("decode exchange info: %w", err)
	}
	for _, s := range info.Symbols {
		if !strings.EqualFold(s.Symbol, symbol) {
			continue
		}
		rules := common.SymbolRules{
			Symbol:     s.Symbol,
			BaseAsset:  s.BaseAsset,
			QuoteAsset: s.QuoteAsset,
			FetchedAt:  time.Now(),
		}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				rules.TickSize = parseFloat(f.TickSize)
			case "LOT_SIZE":
				rules.StepSize = parseFloat(f.StepSize)
				rules.MinQty = parseFloat(f.MinQty)
				rules.MaxQty = parseFloat(f.MaxQty)
			case "NOTIONAL", "MIN_NOTIONAL":
				rules.MinNotional = parseFloat(f.MinNotional)
			}
		}
		return rules, nil
	}
	return common.SymbolRules{}, fmt.Errorf("binance: symbol %s not listed", symbol)
}
