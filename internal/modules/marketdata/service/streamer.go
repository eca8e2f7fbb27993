package service

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"futures_engine/internal/helper"
	"futures_engine/internal/models"
	"futures_engine/pkg/logger"
)

var ErrStreamClosed = errors.New("market stream is not connected")

// Handler получает и незакрытые, и закрытые обновления свечи.
type Handler func(models.Candle)

type StreamerConfig struct {
	URL          string
	Retry        RetryPolicy
	PingInterval time.Duration
}

// Streamer одно WebSocket-соединение OKX business на все подписки.
// После обрыва переподключается по RetryPolicy и повторяет все активные подписки.
type Streamer struct {
	cfg    StreamerConfig
	dialer *websocket.Dialer

	// OnReconnect вызывается на каждой попытке переподключения
	OnReconnect func()
	// OnConnState вызывается при смене состояния соединения
	OnConnState func(connected bool)
	// OnGiveUp вызывается, когда попытки переподключения исчерпаны и цикл остановлен
	OnGiveUp func()

	mu      sync.Mutex
	subs    map[string]*subscription // instId|bar
	nextID  int
	conn    *websocket.Conn
	cancel  context.CancelFunc
	running bool
	done    chan struct{}

	writeMu    sync.Mutex
	connected  atomic.Bool
	reconnects atomic.Int64
}

type subscription struct {
	instID   string
	bar      string
	symbol   string
	interval string
	handlers map[int]Handler
}

func NewStreamer(cfg StreamerConfig) *Streamer {
	if cfg.URL == "" {
		cfg.URL = DefaultWSURL
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	return &Streamer{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		subs:   make(map[string]*subscription),
	}
}

func subKey(instID, bar string) string { return instID + "|" + bar }

// Subscribe подписывает handler на свечи symbol/interval. Соединение поднимается лениво.
func (s *Streamer) Subscribe(symbol, interval string, h Handler) (func(), error) {
	bar, err := helper.OKXBar(interval)
	if err != nil {
		return nil, err
	}
	instID := helper.InstID(symbol)
	key := subKey(instID, bar)

	s.mu.Lock()
	sub, exists := s.subs[key]
	if !exists {
		sub = &subscription{
			instID:   instID,
			bar:      bar,
			symbol:   strings.ToUpper(symbol),
			interval: helper.NormTF(interval),
			handlers: make(map[int]Handler),
		}
		s.subs[key] = sub
	}
	s.nextID++
	id := s.nextID
	sub.handlers[id] = h
	s.ensureRunningLocked()
	s.mu.Unlock()

	if !exists {
		// без соединения подписка уйдёт при подключении
		if err := s.send(wsRequest{Op: "subscribe", Args: []wsArg{{Channel: "candle" + bar, InstID: instID}}}); err != nil && !errors.Is(err, ErrStreamClosed) {
			logger.Warn("[WS] subscribe %s %s: %v", instID, bar, err)
		}
	}

	var once sync.Once
	return func() { once.Do(func() { s.unsubscribe(key, id) }) }, nil
}

func (s *Streamer) unsubscribe(key string, id int) {
	s.mu.Lock()
	sub, ok := s.subs[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(sub.handlers, id)
	empty := len(sub.handlers) == 0
	if empty {
		delete(s.subs, key)
	}
	s.mu.Unlock()

	if empty {
		if err := s.send(wsRequest{Op: "unsubscribe", Args: []wsArg{{Channel: "candle" + sub.bar, InstID: sub.instID}}}); err != nil && !errors.Is(err, ErrStreamClosed) {
			logger.Warn("[WS] unsubscribe %s %s: %v", sub.instID, sub.bar, err)
		}
	}
}

// Subscriptions активные подписки в виде SYMBOL_interval.
func (s *Streamer) Subscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, helper.CacheKey(sub.symbol, sub.interval))
	}
	sort.Strings(out)
	return out
}

func (s *Streamer) Connected() bool { return s.connected.Load() }

func (s *Streamer) Reconnects() int64 { return s.reconnects.Load() }

// Shutdown закрывает соединение и снимает все подписки. Повторный вызов безопасен,
// новая подписка поднимет соединение заново.
func (s *Streamer) Shutdown() {
	s.mu.Lock()
	cancel, conn, done := s.cancel, s.conn, s.done
	s.subs = make(map[string]*subscription)
	s.cancel = nil
	s.running = false
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if conn != nil {
		_ = conn.Close()
	}
	<-done
}

func (s *Streamer) ensureRunningLocked() {
	if s.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running = true
	s.done = make(chan struct{})
	go s.run(ctx, s.done)
}

func (s *Streamer) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer s.setConnected(false)

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := s.dialer.DialContext(ctx, s.cfg.URL, nil)
		if err == nil {
			attempt = 0
			s.serve(ctx, conn)
		} else {
			logger.Warn("[WS] dial %s: %v", s.cfg.URL, err)
		}

		if ctx.Err() != nil {
			return
		}
		attempt++
		if !s.cfg.Retry.Allow(attempt) {
			logger.Error("[WS] reconnect attempts exhausted (%d), stream stopped", attempt-1)
			s.mu.Lock()
			if s.done == done {
				s.running = false
				s.cancel = nil
			}
			s.mu.Unlock()
			s.setConnected(false)
			if s.OnGiveUp != nil {
				s.OnGiveUp()
			}
			return
		}
		s.reconnects.Add(1)
		if s.OnReconnect != nil {
			s.OnReconnect()
		}
		delay := s.cfg.Retry.Delay(attempt)
		logger.Info("[WS] reconnect #%d in %s", attempt, delay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// serve обслуживает одно соединение до ошибки чтения.
func (s *Streamer) serve(ctx context.Context, conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	args := make([]wsArg, 0, len(s.subs))
	for _, sub := range s.subs {
		args = append(args, wsArg{Channel: "candle" + sub.bar, InstID: sub.instID})
	}
	s.mu.Unlock()

	s.setConnected(true)
	logger.Info("[WS] connected %s, resubscribing %d channels", s.cfg.URL, len(args))

	if len(args) > 0 {
		if err := s.send(wsRequest{Op: "subscribe", Args: args}); err != nil {
			logger.Warn("[WS] resubscribe: %v", err)
		}
	}

	// keepalive ping, иначе OKX рвёт соединение
	stopPing := make(chan struct{})
	go func() {
		t := time.NewTicker(s.cfg.PingInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = conn.Close()
				return
			case <-stopPing:
				return
			case <-t.C:
				_ = s.writeRaw(conn, []byte("ping"))
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn("[WS] read: %v", err)
			}
			break
		}
		s.dispatch(msg)
	}

	close(stopPing)
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
	_ = conn.Close()
	s.setConnected(false)
}

func (s *Streamer) dispatch(msg []byte) {
	if string(msg) == "pong" {
		return
	}
	var frame wsFrame
	if err := sonic.Unmarshal(msg, &frame); err != nil {
		return
	}
	if frame.Event == "error" {
		logger.Warn("[WS] error event code=%s msg=%s", frame.Code, frame.Msg)
		return
	}
	if !strings.HasPrefix(frame.Arg.Channel, "candle") || len(frame.Data) == 0 {
		return
	}
	bar := strings.TrimPrefix(frame.Arg.Channel, "candle")

	s.mu.Lock()
	sub, ok := s.subs[subKey(frame.Arg.InstID, bar)]
	var handlers []Handler
	var symbol, interval string
	if ok {
		symbol, interval = sub.symbol, sub.interval
		handlers = make([]Handler, 0, len(sub.handlers))
		for _, h := range sub.handlers {
			handlers = append(handlers, h)
		}
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	for _, row := range frame.Data {
		candle, ok := parseRow(row, symbol, interval)
		if !ok {
			continue
		}
		for _, h := range handlers {
			h(candle)
		}
	}
}

func (s *Streamer) send(req wsRequest) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrStreamClosed
	}
	payload, err := sonic.Marshal(req)
	if err != nil {
		return err
	}
	return s.writeRaw(conn, payload)
}

func (s *Streamer) writeRaw(conn *websocket.Conn, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *Streamer) setConnected(v bool) {
	if s.connected.Swap(v) != v && s.OnConnState != nil {
		s.OnConnState(v)
	}
}
