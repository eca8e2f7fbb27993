package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"futures_engine/internal/condition"
	"futures_engine/internal/helper"
	"futures_engine/internal/models"
	exchange "futures_engine/internal/modules/exchange/service"
	storage "futures_engine/internal/modules/storage/service"
	"futures_engine/internal/strategy"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeMarket

type fakeMarket struct {
	mu       sync.Mutex
	candles  map[string][]models.Candle
	fetchErr error
	fetches  int
	streams  map[string]int
	stopped  int
	shutdown int
}

func newFakeMarket() *fakeMarket {
	return &fakeMarket{candles: map[string][]models.Candle{}, streams: map[string]int{}}
}

// setCloses кладёт свечи с заданными close, последняя незакрытая.
func (f *fakeMarket) setCloses(symbol, tf string, closes ...float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Candle, len(closes))
	for i, c := range closes {
		open := t0.Add(time.Duration(i) * time.Minute)
		out[i] = models.Candle{
			Symbol: symbol, Interval: tf, OpenTime: open, CloseTime: open.Add(time.Minute),
			Open: c, High: c, Low: c, Close: c, Volume: 1, Closed: i < len(closes)-1,
		}
	}
	f.candles[helper.CacheKey(symbol, tf)] = out
}

func (f *fakeMarket) StartStream(_ context.Context, symbol, interval string, _ bool) error {
	f.mu.Lock()
	f.streams[helper.CacheKey(symbol, interval)]++
	f.mu.Unlock()
	return nil
}

func (f *fakeMarket) StopAllStreams() {
	f.mu.Lock()
	f.stopped++
	f.mu.Unlock()
}

func (f *fakeMarket) Shutdown() {
	f.mu.Lock()
	f.shutdown++
	f.mu.Unlock()
}

func (f *fakeMarket) Klines(symbol, interval string, _ int) []models.Candle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Candle(nil), f.candles[helper.CacheKey(symbol, interval)]...)
}

func (f *fakeMarket) FetchKlines(_ context.Context, _, _ string, _ int) ([]models.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	return nil, f.fetchErr
}

func (f *fakeMarket) CurrentPrice(symbol, interval string) (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cs := f.candles[helper.CacheKey(symbol, interval)]
	if len(cs) == 0 {
		return 0, false
	}
	return cs[len(cs)-1].Close, true
}

func (f *fakeMarket) streamKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.streams))
	for k := range f.streams {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (f *fakeMarket) setFetchErr(err error) {
	f.mu.Lock()
	f.fetchErr = err
	f.mu.Unlock()
}

func (f *fakeMarket) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

// fakeExchange

type fakeExchange struct {
	mu        sync.Mutex
	creds     bool
	inst      models.Instrument
	instErr   error
	balance   exchange.Balance
	reject    bool
	hold      chan struct{} // PlaceOrder ждёт закрытия, если задан
	orders    []models.OrderRequest
	leverages []string
	positions []models.Position
}

func (f *fakeExchange) HasCredentials() bool { return f.creds }

func (f *fakeExchange) Instrument(_ context.Context, symbol string) (models.Instrument, error) {
	if f.instErr != nil {
		return models.Instrument{}, f.instErr
	}
	inst := f.inst
	inst.InstID = helper.InstID(symbol)
	return inst, nil
}

func (f *fakeExchange) Balance(_ context.Context, _ string) (exchange.Balance, error) {
	return f.balance, nil
}

func (f *fakeExchange) SetLeverage(_ context.Context, symbol string, lever float64, marginMode, posSide string) error {
	f.mu.Lock()
	f.leverages = append(f.leverages, fmt.Sprintf("%s x%.0f %s %s", symbol, lever, marginMode, posSide))
	f.mu.Unlock()
	return nil
}

func (f *fakeExchange) PlaceOrder(_ context.Context, req models.OrderRequest) (models.OrderResult, error) {
	f.mu.Lock()
	f.orders = append(f.orders, req)
	n, reject, hold := len(f.orders), f.reject, f.hold
	f.mu.Unlock()
	if hold != nil {
		<-hold
	}
	if reject {
		return models.OrderResult{Reason: "sCode=51008 insufficient margin"}, nil
	}
	return models.OrderResult{OK: true, OrderID: fmt.Sprintf("ord-%d", n)}, nil
}

func (f *fakeExchange) OpenPositions(context.Context) ([]models.Position, error) {
	return f.positions, nil
}

func (f *fakeExchange) placed() []models.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.OrderRequest(nil), f.orders...)
}

// fakeStore

type fakeStore struct {
	mu          sync.Mutex
	state       *models.EngineState
	saves       int
	saveErr     error
	strategies  []strategy.Strategy
	positions   map[string]models.Position
	closed      map[string]float64 // id -> realized pnl
	evaluations []models.ConditionEvaluation
	sessions    map[string]models.SimulationSession
	simTrades   []models.SimulationTrade
	trades      []models.TradeRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		positions: map[string]models.Position{},
		closed:    map[string]float64{},
		sessions:  map[string]models.SimulationSession{},
	}
}

func (s *fakeStore) LoadState(_ context.Context, accountID string) (models.EngineState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return models.IdleState(accountID), storage.ErrNotFound
	}
	return snapshotState(*s.state), nil
}

func (s *fakeStore) SaveState(_ context.Context, st models.EngineState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	cp := snapshotState(st)
	s.state = &cp
	s.saves++
	return nil
}

func (s *fakeStore) ActiveStrategies(context.Context) ([]strategy.Strategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]strategy.Strategy(nil), s.strategies...), nil
}

func (s *fakeStore) OpenPositions(context.Context) ([]models.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Position
	for _, p := range s.positions {
		if p.Status == models.PositionOpen {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *fakeStore) SavePosition(_ context.Context, p models.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Status == "" {
		p.Status = models.PositionOpen
	}
	s.positions[p.ID] = p
	return nil
}

func (s *fakeStore) ClosePosition(_ context.Context, id string, exitPrice, realizedPnl float64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok {
		return storage.ErrNotFound
	}
	p.Status = models.PositionClosed
	p.ExitPrice = exitPrice
	p.RealizedPnl = realizedPnl
	p.ExitTime = &at
	s.positions[id] = p
	s.closed[id] = realizedPnl
	return nil
}

func (s *fakeStore) SaveEvaluation(_ context.Context, e models.ConditionEvaluation) error {
	s.mu.Lock()
	s.evaluations = append(s.evaluations, e)
	s.mu.Unlock()
	return nil
}

func (s *fakeStore) CreateSession(_ context.Context, sess models.SimulationSession) error {
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	return nil
}

func (s *fakeStore) UpdateSession(_ context.Context, sess models.SimulationSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.sessions[sess.ID]
	if !ok {
		return storage.ErrNotFound
	}
	sess.Name, sess.Status, sess.CompletedAt = prev.Name, prev.Status, prev.CompletedAt
	s.sessions[sess.ID] = sess
	return nil
}

func (s *fakeStore) CompleteSession(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return storage.ErrNotFound
	}
	sess.Status = models.SessionCompleted
	sess.CompletedAt = &at
	s.sessions[id] = sess
	return nil
}

func (s *fakeStore) SaveSimulationTrade(_ context.Context, t models.SimulationTrade) error {
	s.mu.Lock()
	s.simTrades = append(s.simTrades, t)
	s.mu.Unlock()
	return nil
}

func (s *fakeStore) SaveTrade(_ context.Context, t models.TradeRecord) error {
	s.mu.Lock()
	s.trades = append(s.trades, t)
	s.mu.Unlock()
	return nil
}

func (s *fakeStore) setStrategies(list ...strategy.Strategy) {
	s.mu.Lock()
	s.strategies = list
	s.mu.Unlock()
}

func (s *fakeStore) setSaveErr(err error) {
	s.mu.Lock()
	s.saveErr = err
	s.mu.Unlock()
}

func (s *fakeStore) evaluationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.evaluations)
}

func (s *fakeStore) savedState() models.EngineState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return models.EngineState{}
	}
	return *s.state
}

// fakeNotifier

type fakeNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (n *fakeNotifier) Sendf(_ context.Context, format string, args ...any) {
	n.mu.Lock()
	n.msgs = append(n.msgs, fmt.Sprintf(format, args...))
	n.mu.Unlock()
}

func (n *fakeNotifier) messages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.msgs...)
}

// harness

type harness struct {
	e     *Engine
	md    *fakeMarket
	ex    *fakeExchange
	store *fakeStore
	n     *fakeNotifier
	clock *clock
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	if cfg.PollInterval == 0 {
		// тики в тестах вызываются вручную
		cfg.PollInterval = time.Hour
	}
	h := &harness{
		md:    newFakeMarket(),
		ex:    &fakeExchange{},
		store: newFakeStore(),
		n:     &fakeNotifier{},
		clock: &clock{now: t0},
	}
	h.e = New(cfg, Deps{Market: h.md, Exchange: h.ex, Store: h.store, Notifier: h.n})
	h.e.now = h.clock.Now
	t.Cleanup(func() {
		if h.e.Mode().Running() {
			_ = h.e.Stop(context.Background())
		}
	})
	return h
}

func (h *harness) tick() { h.e.tick(context.Background()) }

func (h *harness) logged(sub string) bool {
	for _, l := range h.e.Logs().Logs(0) {
		if strings.Contains(l.Message, sub) {
			return true
		}
	}
	return false
}

func (h *harness) notified(sub string) int {
	n := 0
	for _, m := range h.n.messages() {
		if strings.Contains(m, sub) {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// деревья

func alwaysTrue(id string, actions ...condition.Node) condition.Tree {
	children := []condition.Node{
		&condition.CandleNode{ID: id + "-close", Enabled: true, Field: models.FieldClose, Comparator: models.CmpOver, Value: 0},
	}
	children = append(children, actions...)
	return condition.Tree{Root: &condition.GroupNode{ID: id, Operator: condition.OpAnd, Children: children}}
}

func profitOver(id string, pct float64) condition.Tree {
	return condition.Tree{Root: &condition.GroupNode{ID: id, Operator: condition.OpAnd, Children: []condition.Node{
		&condition.StatusNode{ID: id + "-pr", Metric: condition.MetricProfitRate, Comparator: models.CmpOver, Value: pct, Unit: "percent"},
	}}}
}

func testStrategy(id string, symbols ...string) strategy.Strategy {
	s := strategy.Strategy{
		ID:        id,
		Name:      "strategy " + id,
		Active:    true,
		Symbols:   symbols,
		Timeframe: "5m",
	}
	s.Entry.Long = strategy.Side{Enabled: true, Conditions: alwaysTrue(id + "-entry-long")}
	s.Exit.Long = strategy.Side{Enabled: true, Conditions: profitOver(id+"-exit-long", 1)}
	return s
}

func assertClose(t *testing.T, label string, got, want, tol float64) {
	t.Helper()
	if d := got - want; d > tol || d < -tol {
		t.Errorf("%s = %v, want %v (±%v)", label, got, want, tol)
	}
}
