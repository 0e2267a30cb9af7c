package binance

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// priceCache holds per-symbol mark prices with a freshness TTL.
type priceCache struct {
	mu      sync.Mutex
	entries map[string]priceEntry
	ttl     time.Duration
}

type priceEntry struct {
	price decimal.Decimal
	at    time.Time
}

func newPriceCache(ttl time.Duration) *priceCache {
	return &priceCache{entries: make(map[string]priceEntry), ttl: ttl}
}

func (c *priceCache) get(symbol string) (decimal.Decimal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[symbol]
	if !ok || time.Since(entry.at) >= c.ttl {
		return decimal.Zero, false
	}
	return entry.price, true
}

func (c *priceCache) set(symbol string, price decimal.Decimal) {
	c.mu.Lock()
	c.entries[symbol] = priceEntry{price: price, at: time.Now()}
	c.mu.Unlock()
}

func (c *priceCache) setAll(prices map[string]decimal.Decimal) {
	now := time.Now()
	c.mu.Lock()
	for symbol, price := range prices {
		c.entries[symbol] = priceEntry{price: price, at: now}
	}
	c.mu.Unlock()
}

func (c *priceCache) clear(symbol string) {
	c.mu.Lock()
	if symbol == "" {
		c.entries = make(map[string]priceEntry)
	} else {
		delete(c.entries, symbol)
	}
	c.mu.Unlock()
}

// balanceCache holds balances per kind ("futures", "wallet") with a TTL.
type balanceCache struct {
	mu      sync.Mutex
	entries map[string]priceEntry
	ttl     time.Duration
}

func newBalanceCache(ttl time.Duration) *balanceCache {
	return &balanceCache{entries: make(map[string]priceEntry), ttl: ttl}
}

func (c *balanceCache) get(kind string) (decimal.Decimal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[kind]
	if !ok || time.Since(entry.at) >= c.ttl {
		return decimal.Zero, false
	}
	return entry.price, true
}

func (c *balanceCache) set(kind string, value decimal.Decimal) {
	c.mu.Lock()
	c.entries[kind] = priceEntry{price: value, at: time.Now()}
	c.mu.Unlock()
}

func (c *balanceCache) clear(kind string) {
	c.mu.Lock()
	if kind == "" {
		c.entries = make(map[string]priceEntry)
	} else {
		delete(c.entries, kind)
	}
	c.mu.Unlock()
}

// allPricesCache holds the full premiumIndex snapshot.
type allPricesCache struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
	at     time.Time
	ttl    time.Duration
}

func newAllPricesCache(ttl time.Duration) *allPricesCache {
	return &allPricesCache{ttl: ttl}
}

func (c *allPricesCache) get() (map[string]decimal.Decimal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.prices == nil || time.Since(c.at) >= c.ttl {
		return nil, false
	}
	return c.prices, true
}

func (c *allPricesCache) set(prices map[string]decimal.Decimal) {
	c.mu.Lock()
	c.prices = prices
	c.at = time.Now()
	c.mu.Unlock()
}

// filtersCache holds symbol filters permanently; quanta do not change within
// a process lifetime.
type filtersCache struct {
	mu      sync.Mutex
	entries map[string]SymbolFilters
}

func newFiltersCache() *filtersCache {
	return &filtersCache{entries: make(map[string]SymbolFilters)}
}

func (c *filtersCache) get(symbol string) (SymbolFilters, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.entries[symbol]
	return f, ok
}

func (c *filtersCache) set(symbol string, f SymbolFilters) {
	c.mu.Lock()
	c.entries[symbol] = f
	c.mu.Unlock()
}
