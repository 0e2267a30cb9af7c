package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"futures-listing-bot/config"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Default quanta used when exchangeInfo is unavailable.
var (
	defaultStepSize = decimal.RequireFromString("0.1")
	defaultTickSize = decimal.RequireFromString("0.01")
)

const recvWindowMs = 10000

// Client is the signed REST gateway to USD-M futures. All state (caches,
// failure streak, position mode) is instance-owned so tests can build fresh
// clients.
type Client struct {
	apiKey     string
	secretKey  string
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger

	maxRetries   int
	retryBackoff time.Duration

	prices    *priceCache
	allPrices *allPricesCache
	balances  *balanceCache
	filters   *filtersCache

	failures *failureTracker

	modeMu       sync.Mutex
	positionMode string // cached after the first successful lookup
}

// NewClient builds a gateway from configuration.
func NewClient(cfg config.BinanceConfig, logger zerolog.Logger) *Client {
	return &Client{
		apiKey:    cfg.APIKey,
		secretKey: cfg.SecretKey,
		baseURL:   cfg.BaseURL,
		httpClient: &http.Client{
			Timeout: cfg.HTTPTimeout,
		},
		logger:       logger.With().Str("component", "binance_client").Logger(),
		maxRetries:   cfg.MaxRetries,
		retryBackoff: cfg.RetryBackoff,
		prices:       newPriceCache(cfg.PriceCacheTTL),
		allPrices:    newAllPricesCache(cfg.PriceCacheTTL),
		balances:     newBalanceCache(cfg.BalanceCacheTTL),
		filters:      newFiltersCache(),
		failures:     newFailureTracker(cfg.FailStreakLimit, cfg.FailStreakCooloff, logger),
	}
}

// ==================== Signing & transport ====================

func (c *Client) sign(queryString string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(queryString))
	return hex.EncodeToString(mac.Sum(nil))
}

// doRequest performs one REST call with the retry policy. Signed requests
// regenerate the timestamp and signature on every attempt so a slow retry
// never reuses an expired signature.
func (c *Client) doRequest(ctx context.Context, method, path string, params url.Values, signed bool, out interface{}) error {
	if params == nil {
		params = url.Values{}
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.retryDelay(attempt - 1)
			c.logger.Debug().Str("path", path).Int("attempt", attempt).
				Dur("delay", delay).Msg("retrying request")
			select {
			case <-ctx.Done():
				c.failures.failure(path)
				return fmt.Errorf("request %s cancelled: %w", path, ctx.Err())
			case <-time.After(delay):
			}
		}

		retryable, err := c.attempt(ctx, method, path, params, signed, out)
		if err == nil {
			c.failures.success()
			return nil
		}
		lastErr = err
		if !retryable {
			c.failures.failure(path)
			return err
		}
	}

	c.failures.failure(path)
	return fmt.Errorf("request %s %s failed after %d attempts: %w", method, path, c.maxRetries+1, lastErr)
}

func (c *Client) attempt(ctx context.Context, method, path string, params url.Values, signed bool, out interface{}) (retryable bool, err error) {
	query := params
	if signed {
		query = cloneValues(params)
		query.Set("timestamp", strconv.FormatInt(time.Now().UTC().UnixMilli(), 10))
	}

	queryString := query.Encode()
	if signed {
		queryString += "&signature=" + c.sign(queryString)
	}

	fullURL := c.baseURL + path
	if queryString != "" {
		fullURL += "?" + queryString
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, nil)
	if err != nil {
		return false, fmt.Errorf("error building request: %w", err)
	}
	if signed {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return true, fmt.Errorf("transport error on %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return true, fmt.Errorf("error reading response from %s: %w", path, err)
	}

	if resp.StatusCode == http.StatusOK {
		if out != nil {
			if err := json.Unmarshal(body, out); err != nil {
				return false, fmt.Errorf("error parsing response from %s: %w", path, err)
			}
		}
		return false, nil
	}

	apiErr := &APIError{HTTPStatus: resp.StatusCode}
	if err := json.Unmarshal(body, apiErr); err != nil {
		apiErr.Message = string(body)
	}

	if apiErr.IsAuth() {
		return false, apiErr
	}
	return isRetryable(apiErr), apiErr
}

func isRetryable(e *APIError) bool {
	if e.HTTPStatus == 429 || e.HTTPStatus == 418 || e.HTTPStatus >= 500 {
		return true
	}
	switch e.Code {
	case -1001, -1003, -1007, -1015, -1016:
		return true
	}
	return false
}

// retryDelay is exponential backoff capped at 5s with +/-25% jitter.
func (c *Client) retryDelay(attempt int) time.Duration {
	delay := c.retryBackoff * time.Duration(1<<uint(attempt))
	if delay > 5*time.Second {
		delay = 5 * time.Second
	}
	if delay < 2 {
		return delay
	}
	jitter := time.Duration(rand.Int63n(int64(delay) / 2))
	return delay*3/4 + jitter
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}

// FailureStreak returns the current consecutive REST failure count.
func (c *Client) FailureStreak() int {
	return c.failures.streakCount()
}

// ==================== Balances ====================

type balanceRow struct {
	Asset            string          `json:"asset"`
	AvailableBalance decimal.Decimal `json:"availableBalance"`
	WalletBalance    decimal.Decimal `json:"walletBalance"`
}

// GetAvailableBalance returns the USDT available balance of the futures
// account, cached for the configured balance TTL.
func (c *Client) GetAvailableBalance(ctx context.Context) (decimal.Decimal, error) {
	if v, ok := c.balances.get("futures"); ok {
		return v, nil
	}
	rows, err := c.fetchBalances(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	for _, row := range rows {
		if row.Asset == "USDT" {
			c.balances.set("futures", row.AvailableBalance)
			c.balances.set("wallet", row.WalletBalance)
			return row.AvailableBalance, nil
		}
	}
	return decimal.Zero, nil
}

// GetWalletBalance returns the USDT wallet balance of the futures account.
func (c *Client) GetWalletBalance(ctx context.Context) (decimal.Decimal, error) {
	if v, ok := c.balances.get("wallet"); ok {
		return v, nil
	}
	rows, err := c.fetchBalances(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	for _, row := range rows {
		if row.Asset == "USDT" {
			c.balances.set("futures", row.AvailableBalance)
			c.balances.set("wallet", row.WalletBalance)
			return row.WalletBalance, nil
		}
	}
	return decimal.Zero, nil
}

func (c *Client) fetchBalances(ctx context.Context) ([]balanceRow, error) {
	var rows []balanceRow
	if err := c.doRequest(ctx, http.MethodGet, "/fapi/v2/balance", nil, true, &rows); err != nil {
		return nil, fmt.Errorf("error fetching futures balance: %w", err)
	}
	return rows, nil
}

// ClearBalanceCache drops cached balances. The execution engine calls this
// before sizing an entry so margin is never computed from a stale read.
// An empty kind clears everything.
func (c *Client) ClearBalanceCache(kind string) {
	c.balances.clear(kind)
}

// ==================== Mark prices ====================

type markPriceRow struct {
	Symbol    string          `json:"symbol"`
	MarkPrice decimal.Decimal `json:"markPrice"`
}

// GetMarkPrice returns the mark price for one symbol, cached for the price
// TTL.
func (c *Client) GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if v, ok := c.prices.get(symbol); ok {
		return v, nil
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	var row markPriceRow
	if err := c.doRequest(ctx, http.MethodGet, "/fapi/v1/premiumIndex", params, false, &row); err != nil {
		return decimal.Zero, fmt.Errorf("error fetching mark price for %s: %w", symbol, err)
	}

	c.prices.set(symbol, row.MarkPrice)
	return row.MarkPrice, nil
}

// GetAllMarkPrices returns the full symbol -> mark price snapshot.
func (c *Client) GetAllMarkPrices(ctx context.Context) (map[string]decimal.Decimal, error) {
	if prices, ok := c.allPrices.get(); ok {
		return prices, nil
	}

	var rows []markPriceRow
	if err := c.doRequest(ctx, http.MethodGet, "/fapi/v1/premiumIndex", nil, false, &rows); err != nil {
		return nil, fmt.Errorf("error fetching mark prices: %w", err)
	}

	prices := make(map[string]decimal.Decimal, len(rows))
	for _, row := range rows {
		if row.Symbol != "" {
			prices[row.Symbol] = row.MarkPrice
		}
	}
	c.allPrices.set(prices)
	c.prices.setAll(prices)
	return prices, nil
}

// GetMarkPricesBatch resolves several symbols at once. More than five
// symbols go through the all-prices endpoint; few symbols are fetched in
// parallel.
func (c *Client) GetMarkPricesBatch(ctx context.Context, symbols []string) map[string]decimal.Decimal {
	result := make(map[string]decimal.Decimal, len(symbols))
	if len(symbols) == 0 {
		return result
	}

	if len(symbols) > 5 {
		all, err := c.GetAllMarkPrices(ctx)
		if err != nil {
			c.logger.Warn().Err(err).Msg("batch mark price fetch failed")
			return result
		}
		for _, symbol := range symbols {
			if price, ok := all[symbol]; ok {
				result[symbol] = price
			}
		}
		return result
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, symbol := range symbols {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			price, err := c.GetMarkPrice(ctx, symbol)
			if err != nil {
				return
			}
			mu.Lock()
			result[symbol] = price
			mu.Unlock()
		}(symbol)
	}
	wg.Wait()
	return result
}

// ==================== Klines ====================

// GetKlines fetches candles. start and end are optional.
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, limit int, start, end *time.Time) ([]Kline, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if start != nil {
		params.Set("startTime", strconv.FormatInt(start.UnixMilli(), 10))
	}
	if end != nil {
		params.Set("endTime", strconv.FormatInt(end.UnixMilli(), 10))
	}

	var raw [][]interface{}
	if err := c.doRequest(ctx, http.MethodGet, "/fapi/v1/klines", params, false, &raw); err != nil {
		return nil, fmt.Errorf("error fetching klines for %s: %w", symbol, err)
	}

	klines := make([]Kline, 0, len(raw))
	for _, row := range raw {
		if len(row) < 6 {
			continue
		}
		openTime, ok := row[0].(float64)
		if !ok {
			continue
		}
		k := Kline{OpenTime: time.UnixMilli(int64(openTime)).UTC()}
		var err error
		if k.Open, err = parseDecimalField(row[1]); err != nil {
			continue
		}
		if k.High, err = parseDecimalField(row[2]); err != nil {
			continue
		}
		if k.Low, err = parseDecimalField(row[3]); err != nil {
			continue
		}
		if k.Close, err = parseDecimalField(row[4]); err != nil {
			continue
		}
		if k.Volume, err = parseDecimalField(row[5]); err != nil {
			continue
		}
		klines = append(klines, k)
	}
	return klines, nil
}

func parseDecimalField(v interface{}) (decimal.Decimal, error) {
	s, ok := v.(string)
	if !ok {
		return decimal.Zero, errors.New("unexpected kline field type")
	}
	return decimal.NewFromString(s)
}

// ==================== Symbol filters ====================

type exchangeInfoResponse struct {
	Symbols []struct {
		Symbol  string `json:"symbol"`
		Filters []struct {
			FilterType string `json:"filterType"`
			StepSize   string `json:"stepSize"`
			TickSize   string `json:"tickSize"`
		} `json:"filters"`
	} `json:"symbols"`
}

// GetSymbolFilters returns the LOT_SIZE/PRICE_FILTER quanta for a symbol.
// The result is cached permanently; lookup failure falls back to defaults so
// order placement can still proceed with conservative quantization.
func (c *Client) GetSymbolFilters(ctx context.Context, symbol string) SymbolFilters {
	if f, ok := c.filters.get(symbol); ok {
		return f
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	var info exchangeInfoResponse
	err := c.doRequest(ctx, http.MethodGet, "/fapi/v1/exchangeInfo", params, false, &info)
	if err != nil {
		c.logger.Warn().Err(err).Str("symbol", symbol).
			Msg("exchangeInfo lookup failed, using default filters")
		fallback := SymbolFilters{StepSize: defaultStepSize, TickSize: defaultTickSize}
		c.filters.set(symbol, fallback)
		return fallback
	}

	result := SymbolFilters{StepSize: defaultStepSize, TickSize: defaultTickSize}
	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "LOT_SIZE":
				if step, err := decimal.NewFromString(f.StepSize); err == nil {
					result.StepSize = step
				}
			case "PRICE_FILTER":
				if tick, err := decimal.NewFromString(f.TickSize); err == nil {
					result.TickSize = tick
				}
			}
		}
		break
	}

	c.filters.set(symbol, result)
	return result
}

// ==================== Account settings ====================

// GetPositionMode returns ONE_WAY or HEDGE. The first successful answer is
// cached; lookup failure defaults to ONE_WAY.
func (c *Client) GetPositionMode(ctx context.Context) string {
	c.modeMu.Lock()
	if c.positionMode != "" {
		mode := c.positionMode
		c.modeMu.Unlock()
		return mode
	}
	c.modeMu.Unlock()

	var resp struct {
		DualSidePosition bool `json:"dualSidePosition"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/fapi/v1/positionSide/dual", nil, true, &resp); err != nil {
		c.logger.Warn().Err(err).Msg("position mode lookup failed, assuming ONE_WAY")
		return PositionModeOneWay
	}

	mode := PositionModeOneWay
	if resp.DualSidePosition {
		mode = PositionModeHedge
	}

	c.modeMu.Lock()
	c.positionMode = mode
	c.modeMu.Unlock()
	return mode
}

// SetLeverage sets the leverage for a symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	if err := c.doRequest(ctx, http.MethodPost, "/fapi/v1/leverage", params, true, nil); err != nil {
		return fmt.Errorf("error setting leverage for %s: %w", symbol, err)
	}
	return nil
}

// ==================== Orders ====================

// PlaceMarketOrder submits a market order. Quantity is floored to the
// symbol's stepSize before submission. In HEDGE mode a positionSide is
// required and reduceOnly is forbidden; in ONE_WAY mode closes carry
// reduceOnly instead.
func (c *Client) PlaceMarketOrder(ctx context.Context, symbol, side string, quantity decimal.Decimal, reduceOnly bool, positionSide string) (*Order, error) {
	filters := c.GetSymbolFilters(ctx, symbol)
	quantity = FloorToStep(quantity, filters.StepSize)
	if !quantity.IsPositive() {
		return nil, fmt.Errorf("quantity %s rounds to zero at step %s", quantity, filters.StepSize)
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", side)
	params.Set("type", OrderTypeMarket)
	params.Set("quantity", FormatQuantity(quantity))
	params.Set("recvWindow", strconv.Itoa(recvWindowMs))

	mode := c.GetPositionMode(ctx)
	if mode == PositionModeHedge {
		if positionSide == "" {
			positionSide = hedgeSideForEntry(side)
		}
		params.Set("positionSide", positionSide)
	} else if reduceOnly {
		params.Set("reduceOnly", "true")
	}

	var order Order
	if err := c.doRequest(ctx, http.MethodPost, "/fapi/v1/order", params, true, &order); err != nil {
		return nil, fmt.Errorf("error placing market order for %s: %w", symbol, err)
	}
	return &order, nil
}

// PlaceLimitOrder submits a limit order at the given price with the given
// time-in-force. Quantity and price are floored to the symbol's quanta.
func (c *Client) PlaceLimitOrder(ctx context.Context, symbol, side string, quantity, price decimal.Decimal, timeInForce string) (*Order, error) {
	filters := c.GetSymbolFilters(ctx, symbol)
	quantity = FloorToStep(quantity, filters.StepSize)
	price = FloorToTick(price, filters.TickSize)
	if !quantity.IsPositive() {
		return nil, fmt.Errorf("quantity %s rounds to zero at step %s", quantity, filters.StepSize)
	}
	if !price.IsPositive() {
		return nil, fmt.Errorf("price %s rounds to zero at tick %s", price, filters.TickSize)
	}
	if timeInForce == "" {
		timeInForce = "GTC"
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", side)
	params.Set("type", OrderTypeLimit)
	params.Set("timeInForce", timeInForce)
	params.Set("quantity", FormatQuantity(quantity))
	params.Set("price", FormatQuantity(price))
	params.Set("recvWindow", strconv.Itoa(recvWindowMs))

	if c.GetPositionMode(ctx) == PositionModeHedge {
		params.Set("positionSide", hedgeSideForEntry(side))
	}

	var order Order
	if err := c.doRequest(ctx, http.MethodPost, "/fapi/v1/order", params, true, &order); err != nil {
		return nil, fmt.Errorf("error placing limit order for %s: %w", symbol, err)
	}
	return &order, nil
}

// CancelOrder cancels an order by id.
func (c *Client) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))
	if err := c.doRequest(ctx, http.MethodDelete, "/fapi/v1/order", params, true, nil); err != nil {
		return fmt.Errorf("error cancelling order %d for %s: %w", orderID, symbol, err)
	}
	return nil
}

// GetOrderStatus queries an order by id.
func (c *Client) GetOrderStatus(ctx context.Context, symbol string, orderID int64) (*Order, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))

	var order Order
	if err := c.doRequest(ctx, http.MethodGet, "/fapi/v1/order", params, true, &order); err != nil {
		return nil, fmt.Errorf("error fetching order %d for %s: %w", orderID, symbol, err)
	}
	return &order, nil
}

func hedgeSideForEntry(side string) string {
	if side == SideBuy {
		return "LONG"
	}
	return "SHORT"
}

// ==================== Position snapshot ====================

type positionRiskRow struct {
	Symbol       string          `json:"symbol"`
	PositionSide string          `json:"positionSide"`
	PositionAmt  decimal.Decimal `json:"positionAmt"`
	EntryPrice   decimal.Decimal `json:"entryPrice"`
	MarkPrice    decimal.Decimal `json:"markPrice"`
	Leverage     string          `json:"leverage"`
	UpdateTime   int64           `json:"updateTime"`
}

// GetOpenPositions returns the open positions on the exchange. A nil slice
// with an error means "unknown" and must never be treated as "no positions";
// an empty non-nil slice is a confirmed flat account.
func (c *Client) GetOpenPositions(ctx context.Context) ([]ExchangePosition, error) {
	var rows []positionRiskRow
	if err := c.doRequest(ctx, http.MethodGet, "/fapi/v2/positionRisk", nil, true, &rows); err != nil {
		return nil, fmt.Errorf("error fetching open positions: %w", err)
	}

	positions := make([]ExchangePosition, 0, len(rows))
	for _, row := range rows {
		if row.PositionAmt.IsZero() {
			continue
		}
		side := SideBuy
		if row.PositionAmt.IsNegative() {
			side = SideSell
		}
		leverage, _ := strconv.Atoi(row.Leverage)
		if leverage == 0 {
			leverage = 1
		}
		positions = append(positions, ExchangePosition{
			Symbol:       row.Symbol,
			Side:         side,
			PositionSide: row.PositionSide,
			Quantity:     row.PositionAmt.Abs(),
			EntryPrice:   row.EntryPrice,
			MarkPrice:    row.MarkPrice,
			Leverage:     leverage,
			UpdateTime:   time.UnixMilli(row.UpdateTime).UTC(),
		})
	}
	return positions, nil
}
