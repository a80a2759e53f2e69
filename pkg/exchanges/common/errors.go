package common

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
)

var (
	// ErrOrderStatusUnknown marks a placement whose outcome could not be observed: the
	// request may or may not have reached the matching engine.
	ErrOrderStatusUnknown = errors.New("order status unknown")
	// ErrOrderNotFound is returned by order queries for ids the exchange does not know.
	ErrOrderNotFound = errors.New("order not found")
	// ErrCredentialsMissing is returned by signed endpoints without an API key/secret.
	ErrCredentialsMissing = errors.New("API key/secret required")
)

// Binance error codes the engine reacts to.
const (
	CodeUnknown          = -1000
	CodeDisconnected     = -1001
	CodeTooManyRequests  = -1003
	CodeTimeout          = -1007
	CodeServerBusy       = -1008
	CodeNewOrderRejected = -2010
	CodeNoSuchOrder      = -2013
	CodeCancelRejected   = -2011
)

// APIError is a non-2xx response from the exchange.
type APIError struct {
	HTTPStatus int
	Code       int
	Msg        string
	Endpoint   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance %s status %d code %d: %s", e.Endpoint, e.HTTPStatus, e.Code, e.Msg)
}

// IsInsufficientBalance reports whether err is the exchange's insufficient-balance rejection.
func IsInsufficientBalance(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == CodeNewOrderRejected && strings.Contains(strings.ToLower(apiErr.Msg), "insufficient balance")
}

// IsNotFound reports whether err says the order does not exist.
func IsNotFound(err error) bool {
	if errors.Is(err, ErrOrderNotFound) {
		return true
	}
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == CodeNoSuchOrder
}

// Retryable classifies err as transient (network, timeouts, throttling, server side).
// Parent context cancellation is never retryable.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case CodeUnknown, CodeDisconnected, CodeTooManyRequests, CodeTimeout, CodeServerBusy:
			return true
		}
		return apiErr.HTTPStatus >= 500 ||
			apiErr.HTTPStatus == http.StatusTooManyRequests ||
			apiErr.HTTPStatus == http.StatusTeapot
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Ambiguous reports whether a failed placement may still have executed. Throttling
// rejections are answered before the matching engine sees the order, so they are not.
func Ambiguous(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == CodeTimeout || apiErr.Code == CodeUnknown {
			return true
		}
		return apiErr.HTTPStatus >= 500
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return false
	}
	return Retryable(err)
}
