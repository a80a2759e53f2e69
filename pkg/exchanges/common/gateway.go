package common

import "context"

// Exchange is the REST surface of a spot venue the order gateway wraps.
type Exchange interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	GetOrder(ctx context.Context, symbol, exchangeOrderID, clientID string) (OrderResult, error)
	CancelOrder(ctx context.Context, symbol, exchangeOrderID, clientID string) (OrderResult, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]OrderResult, error)
	GetAllOrders(ctx context.Context, symbol string, startTime, endTime int64, limit int) ([]OrderResult, error)
	GetBalances(ctx context.Context) ([]Balance, error)
	GetPrice(ctx context.Context, symbol string) (float64, error)
	GetSymbolRules(ctx context.Context, symbol string) (SymbolRules, error)
	GetServerTime(ctx context.Context) (int64, error)
}
