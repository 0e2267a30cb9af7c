package binance

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Position modes of a USD-M futures account.
const (
	PositionModeOneWay = "ONE_WAY"
	PositionModeHedge  = "HEDGE"
)

// Order sides and types.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"

	OrderTypeMarket = "MARKET"
	OrderTypeLimit  = "LIMIT"
)

// Order statuses reported by the venue.
const (
	OrderStatusNew             = "NEW"
	OrderStatusPartiallyFilled = "PARTIALLY_FILLED"
	OrderStatusFilled          = "FILLED"
	OrderStatusCanceled        = "CANCELED"
	OrderStatusRejected        = "REJECTED"
	OrderStatusExpired         = "EXPIRED"
)

// APIError is a venue business error (4xx with an error code).
type APIError struct {
	Code       int    `json:"code"`
	Message    string `json:"msg"`
	HTTPStatus int    `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance API error %d (http %d): %s", e.Code, e.HTTPStatus, e.Message)
}

// IsAuth reports whether the error is a signature/credentials rejection,
// which must never be retried.
func (e *APIError) IsAuth() bool {
	return e.HTTPStatus == 401 || e.Code == -2014 || e.Code == -2015
}

// Order is the venue's order representation for submit and query responses.
type Order struct {
	OrderID       int64           `json:"orderId"`
	ClientOrderID string          `json:"clientOrderId"`
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"`
	Type          string          `json:"type"`
	Status        string          `json:"status"`
	Price         decimal.Decimal `json:"price"`
	AvgPrice      decimal.Decimal `json:"avgPrice"`
	OrigQty       decimal.Decimal `json:"origQty"`
	ExecutedQty   decimal.Decimal `json:"executedQty"`
	TimeInForce   string          `json:"timeInForce"`
	ReduceOnly    bool            `json:"reduceOnly"`
	PositionSide  string          `json:"positionSide"`
	UpdateTime    int64           `json:"updateTime"`
}

// IsTerminalNonFill reports a status that will never fill.
func (o *Order) IsTerminalNonFill() bool {
	switch o.Status {
	case OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// FillPrice returns avgPrice, falling back to the limit price when the venue
// omits it.
func (o *Order) FillPrice() decimal.Decimal {
	if o.AvgPrice.IsPositive() {
		return o.AvgPrice
	}
	return o.Price
}

// ExchangePosition is a normalized open position from /fapi/v2/positionRisk.
// Quantity is the absolute size; Side is derived from the sign of the raw
// positionAmt.
type ExchangePosition struct {
	Symbol       string
	Side         string // BUY (long) or SELL (short)
	PositionSide string // LONG, SHORT or BOTH
	Quantity     decimal.Decimal
	EntryPrice   decimal.Decimal
	MarkPrice    decimal.Decimal
	Leverage     int
	UpdateTime   time.Time
}

// SymbolFilters are the per-symbol quanta from /fapi/v1/exchangeInfo.
type SymbolFilters struct {
	StepSize decimal.Decimal
	TickSize decimal.Decimal
}

// Kline is one candle from /fapi/v1/klines.
type Kline struct {
	OpenTime time.Time
	Open     decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
	Volume   decimal.Decimal
}
