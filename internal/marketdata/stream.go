package marketdata

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trade_guard/internal/models"
)

const (
	StreamURL        = "wss://fstream.binance.com/stream"
	TestnetStreamURL = "wss://stream.binancefuture.com/stream"

	// defaultReadTimeout: столько тишины, и соединение считается мёртвым
	defaultReadTimeout = 30 * time.Second
	writeWait          = 5 * time.Second
)

// Stream: кэш лучших bid/ask по bookTicker потоку Binance USD-M.
// Один WebSocket на все символы, переподключение с тем же набором подписок.
type Stream struct {
	url         string
	dialer      *websocket.Dialer
	log         *zap.Logger
	readTimeout time.Duration

	mu      sync.RWMutex
	symbols map[string]struct{}
	book    map[string]models.Ticker

	connMu sync.Mutex
	conn   *websocket.Conn

	reqID   atomic.Int64
	onState func(connected bool)
}

func NewStream(url string, symbols []string, log *zap.Logger) *Stream {
	s := &Stream{
		url:         url,
		dialer:      websocket.DefaultDialer,
		log:         log,
		readTimeout: defaultReadTimeout,
		symbols:     make(map[string]struct{}),
		book:        make(map[string]models.Ticker),
		onState:     func(bool) {},
	}
	for _, sym := range symbols {
		s.symbols[strings.ToUpper(sym)] = struct{}{}
	}
	return s
}

// WithReadTimeout: сколько ждать кадр или pong до переподключения.
func (s *Stream) WithReadTimeout(d time.Duration) *Stream {
	if d > 0 {
		s.readTimeout = d
	}
	return s
}

// OnConnState: колбэк на смену состояния соединения (health).
func (s *Stream) OnConnState(fn func(connected bool)) { s.onState = fn }

// FetchTicker отдаёт последний снимок из кэша. Если символа нет - подписываемся
// и возвращаем пустой тикер, гейт посчитает его протухшим.
func (s *Stream) FetchTicker(_ context.Context, symbol string) (models.Ticker, error) {
	symbol = strings.ToUpper(symbol)
	s.mu.RLock()
	t, ok := s.book[symbol]
	_, subscribed := s.symbols[symbol]
	s.mu.RUnlock()
	if !subscribed {
		s.Subscribe(symbol)
	}
	if !ok {
		return models.Ticker{Symbol: symbol}, nil
	}
	return t, nil
}

// Subscribe добавляет символ; если соединение живо - досылаем SUBSCRIBE.
func (s *Stream) Subscribe(symbol string) {
	symbol = strings.ToUpper(symbol)
	s.mu.Lock()
	if _, ok := s.symbols[symbol]; ok {
		s.mu.Unlock()
		return
	}
	s.symbols[symbol] = struct{}{}
	s.mu.Unlock()

	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return
	}
	if err := s.writeSubscribe(s.conn, []string{symbol}); err != nil {
		s.log.Warn("[WS] subscribe error", zap.String("symbol", symbol), zap.Error(err))
	}
}

func (s *Stream) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.symbols))
	for sym := range s.symbols {
		out = append(out, sym)
	}
	return out
}

// Run: цикл переподключения, блокирует до отмены ctx.
func (s *Stream) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		symbols := s.Symbols()
		s.log.Info("[WS] connect", zap.String("url", s.url), zap.Int("symbols", len(symbols)))

		conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
		if err != nil {
			s.log.Warn("[WS] dial error", zap.Error(err))
			if !sleepCtx(ctx, time.Second) {
				return
			}
			continue
		}

		s.connMu.Lock()
		err = s.writeSubscribe(conn, symbols)
		if err == nil {
			s.conn = conn
		}
		s.connMu.Unlock()
		if err != nil {
			s.log.Warn("[WS] subscribe error", zap.Error(err))
			_ = conn.Close()
			continue
		}
		s.onState(true)

		// полуоткрытое соединение: без кадров и pong дедлайн истекает, ReadMessage падает
		s.keepDeadline(conn)

		// закрываем соединение по ctx, чтобы разблокировать ReadMessage
		stop := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				_ = conn.Close()
			case <-stop:
			}
		}()
		go s.ping(conn, stop)

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil {
					s.log.Warn("[WS] read error", zap.Error(err))
				}
				break
			}
			_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))
			s.handleFrame(msg)
		}
		close(stop)

		s.connMu.Lock()
		s.conn = nil
		s.connMu.Unlock()
		_ = conn.Close()
		s.onState(false)

		if !sleepCtx(ctx, time.Second) {
			return
		}
	}
}

func (s *Stream) keepDeadline(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	})
	// Binance шлёт ping и рвёт соединение без pong
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})
}

// ping: свой keepalive на случай тихих символов, pong продлевает дедлайн.
func (s *Stream) ping(conn *websocket.Conn, stop <-chan struct{}) {
	t := time.NewTicker(s.readTimeout / 3)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (s *Stream) writeSubscribe(conn *websocket.Conn, symbols []string) error {
	if len(symbols) == 0 {
		return nil
	}
	params := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		params = append(params, strings.ToLower(sym)+"@bookTicker")
	}
	body, err := sonic.Marshal(map[string]any{
		"method": "SUBSCRIBE",
		"params": params,
		"id":     s.reqID.Add(1),
	})
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, body)
}

type bookTickerFrame struct {
	Stream string `json:"stream"`
	Data   struct {
		Event     string `json:"e"`
		Symbol    string `json:"s"`
		Bid       string `json:"b"`
		Ask       string `json:"a"`
		EventTime int64  `json:"E"`
	} `json:"data"`
}

// handleFrame обновляет кэш; ответы на SUBSCRIBE и мусор игнорируются.
func (s *Stream) handleFrame(msg []byte) bool {
	var frame bookTickerFrame
	if err := sonic.Unmarshal(msg, &frame); err != nil {
		return false
	}
	if frame.Data.Event != "bookTicker" || frame.Data.Symbol == "" {
		return false
	}
	bid, err := decimal.NewFromString(frame.Data.Bid)
	if err != nil {
		return false
	}
	ask, err := decimal.NewFromString(frame.Data.Ask)
	if err != nil {
		return false
	}
	t := models.Ticker{
		Symbol:    frame.Data.Symbol,
		Bid:       bid,
		Ask:       ask,
		Timestamp: time.UnixMilli(frame.Data.EventTime),
	}

	s.mu.Lock()
	// старые кадры после переподключения не должны затирать свежие
	if prev, ok := s.book[t.Symbol]; ok && prev.Timestamp.After(t.Timestamp) {
		s.mu.Unlock()
		return false
	}
	s.book[t.Symbol] = t
	s.mu.Unlock()
	return true
}

// LastTicker: последний снимок без проверки свежести, возраст проверяет вызывающий.
func (s *Stream) LastTicker(symbol string) (models.Ticker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.book[strings.ToUpper(symbol)]
	return t, ok
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
