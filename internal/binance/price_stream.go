package binance

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	streamStaleAfter     = 5 * time.Second
	streamDeadAfter      = 10 * time.Second
	streamSuperviseEvery = 10 * time.Second
	streamReconnectWait  = 5 * time.Second
)

// markPriceUpdate is the per-symbol mark price stream message.
type markPriceUpdate struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	Price     string `json:"p"`
}

// PriceStream maintains one WebSocket connection per subscribed symbol and a
// shared symbol -> (price, timestamp) cache. A supervisor goroutine restarts
// any stream whose cache entry goes silent.
type PriceStream struct {
	wsBaseURL string
	logger    zerolog.Logger
	dialer    *websocket.Dialer

	mu         sync.Mutex
	cache      map[string]priceEntry
	conns      map[string]*websocket.Conn
	subscribed map[string]struct{}
	running    bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// StreamStatus is the health surface of the price stream.
type StreamStatus struct {
	Running    bool `json:"running"`
	Subscribed int  `json:"subscribed_symbols"`
	Cached     int  `json:"cached_symbols"`
}

func NewPriceStream(wsBaseURL string, logger zerolog.Logger) *PriceStream {
	return &PriceStream{
		wsBaseURL:  wsBaseURL,
		logger:     logger.With().Str("component", "price_stream").Logger(),
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		cache:      make(map[string]priceEntry),
		conns:      make(map[string]*websocket.Conn),
		subscribed: make(map[string]struct{}),
	}
}

// Start begins the supervisor and connects any initial symbols. Starting an
// already-running stream is a no-op.
func (s *PriceStream) Start(symbols []string) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn().Msg("price stream already running")
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	for _, symbol := range symbols {
		s.subscribed[strings.ToUpper(symbol)] = struct{}{}
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go s.supervise()
	s.logger.Info().Int("symbols", len(symbols)).Msg("price stream started")
}

// Stop closes every connection and stops the supervisor.
func (s *PriceStream) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	for symbol, conn := range s.conns {
		conn.Close()
		delete(s.conns, symbol)
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info().Msg("price stream stopped")
}

// Subscribe adds a symbol; idempotent. If the stream is running the
// connection is established immediately.
func (s *PriceStream) Subscribe(symbol string) {
	symbol = strings.ToUpper(symbol)

	s.mu.Lock()
	if _, ok := s.subscribed[symbol]; ok {
		s.mu.Unlock()
		return
	}
	s.subscribed[symbol] = struct{}{}
	running := s.running
	s.mu.Unlock()

	s.logger.Info().Str("symbol", symbol).Msg("subscribing mark price stream")
	if running {
		s.connect(symbol)
	}
}

// Unsubscribe closes the symbol's stream and forgets it. The cached price is
// kept; it ages out through the staleness check.
func (s *PriceStream) Unsubscribe(symbol string) {
	symbol = strings.ToUpper(symbol)

	s.mu.Lock()
	if _, ok := s.subscribed[symbol]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.subscribed, symbol)
	if conn, ok := s.conns[symbol]; ok {
		conn.Close()
		delete(s.conns, symbol)
	}
	s.mu.Unlock()

	s.logger.Info().Str("symbol", symbol).Msg("unsubscribed mark price stream")
}

// Price returns the cached mark price, or nil when missing or older than 5s.
// Asking for an unsubscribed symbol while running subscribes it so the next
// call can be served from the stream.
func (s *PriceStream) Price(symbol string) *decimal.Decimal {
	symbol = strings.ToUpper(symbol)

	s.mu.Lock()
	entry, ok := s.cache[symbol]
	_, isSubscribed := s.subscribed[symbol]
	running := s.running
	s.mu.Unlock()

	if ok && time.Since(entry.at) < streamStaleAfter {
		price := entry.price
		return &price
	}

	if !isSubscribed && running {
		s.Subscribe(symbol)
	}
	return nil
}

// Prices returns every fresh cached price.
func (s *PriceStream) Prices() map[string]decimal.Decimal {
	result := make(map[string]decimal.Decimal)
	s.mu.Lock()
	for symbol, entry := range s.cache {
		if time.Since(entry.at) < streamStaleAfter {
			result[symbol] = entry.price
		}
	}
	s.mu.Unlock()
	return result
}

// Status reports stream health for the dashboard.
func (s *PriceStream) Status() StreamStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StreamStatus{
		Running:    s.running,
		Subscribed: len(s.subscribed),
		Cached:     len(s.cache),
	}
}

// supervise connects missing streams and recycles silent ones every 10s.
func (s *PriceStream) supervise() {
	defer s.wg.Done()

	ticker := time.NewTicker(streamSuperviseEvery)
	defer ticker.Stop()

	s.checkStreams()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.checkStreams()
		}
	}
}

func (s *PriceStream) checkStreams() {
	s.mu.Lock()
	var toConnect []string
	for symbol := range s.subscribed {
		conn, connected := s.conns[symbol]
		if !connected {
			toConnect = append(toConnect, symbol)
			continue
		}
		if entry, ok := s.cache[symbol]; ok && time.Since(entry.at) > streamDeadAfter {
			s.logger.Warn().Str("symbol", symbol).Msg("mark price stream silent, reconnecting")
			conn.Close()
			delete(s.conns, symbol)
			toConnect = append(toConnect, symbol)
		}
	}
	s.mu.Unlock()

	for _, symbol := range toConnect {
		s.connect(symbol)
	}
}

func (s *PriceStream) connect(symbol string) {
	streamURL := s.wsBaseURL + "/" + strings.ToLower(symbol) + "@markPrice"

	conn, _, err := s.dialer.Dial(streamURL, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("symbol", symbol).Msg("mark price stream dial failed")
		return
	}

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		conn.Close()
		return
	}
	if _, subscribed := s.subscribed[symbol]; !subscribed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	if existing, ok := s.conns[symbol]; ok {
		// A competing connect won; keep the existing stream.
		s.mu.Unlock()
		_ = existing
		conn.Close()
		return
	}
	s.conns[symbol] = conn
	s.mu.Unlock()

	s.logger.Info().Str("symbol", symbol).Msg("mark price stream connected")
	s.wg.Add(1)
	go s.readLoop(symbol, conn)
}

func (s *PriceStream) readLoop(symbol string, conn *websocket.Conn) {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Str("symbol", symbol).
				Msg("recovered panic in stream reader")
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			break
		}

		var update markPriceUpdate
		if err := json.Unmarshal(message, &update); err != nil {
			continue
		}
		if update.EventType != "markPriceUpdate" || update.Symbol == "" {
			continue
		}
		price, err := decimal.NewFromString(update.Price)
		if err != nil {
			continue
		}

		s.mu.Lock()
		s.cache[strings.ToUpper(update.Symbol)] = priceEntry{price: price, at: time.Now()}
		s.mu.Unlock()
	}

	conn.Close()
	s.mu.Lock()
	if current, ok := s.conns[symbol]; ok && current == conn {
		delete(s.conns, symbol)
	}
	stillWanted := s.running
	if _, ok := s.subscribed[symbol]; !ok {
		stillWanted = false
	}
	s.mu.Unlock()

	if !stillWanted {
		return
	}

	// Reconnect after a short wait; the supervisor would also pick it up on
	// its next pass.
	select {
	case <-s.stopCh:
		return
	case <-time.After(streamReconnectWait):
	}
	s.connect(symbol)
}
