package service

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"futures_engine/internal/helper"
	"futures_engine/internal/models"
	"futures_engine/pkg/logger"
)

// SnapshotStore снимки закрытых свечей между рестартами.
type SnapshotStore interface {
	Save(ctx context.Context, symbol, interval string, candles []models.Candle) error
	Load(ctx context.Context, symbol, interval string) ([]models.Candle, error)
	Close() error
}

type Options struct {
	CacheSize     int
	BackfillLimit int
	RestURL       string
	HTTPClient    *http.Client
	Stream        StreamerConfig
	// Snapshots может быть nil, тогда бэкфилл только из REST
	Snapshots SnapshotStore
}

// Service кэш свечей, который наполняется из redis/REST и поддерживается WS-потоком.
type Service struct {
	cache    *Cache
	rest     *RestClient
	streamer *Streamer
	snaps    SnapshotStore
	backfill int
	now      func() time.Time

	// OnCandle вызывается на каждое принятое кэшем обновление
	OnCandle func(models.Candle)
	// OnStreamsLost получает ключи потоков, снятых после отказа WS
	OnStreamsLost func(keys []string)

	mu      sync.Mutex
	streams map[string]func()
}

func NewService(opts Options) *Service {
	if opts.BackfillLimit <= 0 {
		opts.BackfillLimit = DefaultCacheSize
	}
	s := &Service{
		cache:    NewCache(opts.CacheSize),
		rest:     NewRestClient(opts.RestURL, opts.HTTPClient),
		streamer: NewStreamer(opts.Stream),
		snaps:    opts.Snapshots,
		backfill: opts.BackfillLimit,
		now:      time.Now,
		streams:  make(map[string]func()),
	}
	s.streamer.OnGiveUp = s.dropDeadStreams
	return s
}

// dropDeadStreams снимает потоки умершего соединения, чтобы следующий StartStream
// заново сделал бэкфилл и поднял WS.
func (s *Service) dropDeadStreams() {
	s.mu.Lock()
	streams := s.streams
	s.streams = make(map[string]func())
	s.mu.Unlock()
	if len(streams) == 0 {
		return
	}

	keys := make([]string, 0, len(streams))
	for key, unsubscribe := range streams {
		unsubscribe()
		keys = append(keys, key)
	}
	sort.Strings(keys)
	logger.Error("[MARKET] ws gave up, streams dropped: %s", strings.Join(keys, ", "))
	if s.OnStreamsLost != nil {
		s.OnStreamsLost(keys)
	}
}

func (s *Service) Cache() *Cache { return s.cache }

func (s *Service) Streamer() *Streamer { return s.streamer }

// StartStream наполняет кэш историей и подписывается на обновления. Повторный вызов для
// того же ключа ничего не делает.
func (s *Service) StartStream(ctx context.Context, symbol, interval string, backfill bool) error {
	symbol = strings.ToUpper(symbol)
	interval = helper.NormTF(interval)
	key := helper.CacheKey(symbol, interval)

	s.mu.Lock()
	_, exists := s.streams[key]
	s.mu.Unlock()
	if exists {
		return nil
	}

	if backfill {
		if err := s.backfillKey(ctx, symbol, interval); err != nil {
			// поток всё равно поднимаем, кэш наполнится по ходу
			logger.Warn("[MARKET] backfill %s: %v", key, err)
		}
	}

	unsubscribe, err := s.streamer.Subscribe(symbol, interval, func(cd models.Candle) {
		s.onCandle(symbol, interval, cd)
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	if _, raced := s.streams[key]; raced {
		s.mu.Unlock()
		unsubscribe()
		return nil
	}
	s.streams[key] = unsubscribe
	s.mu.Unlock()

	logger.Info("[MARKET] stream started %s (cached=%d)", key, s.cache.Count(symbol, interval))
	return nil
}

// backfillKey история из снимка redis, дополненная из REST свечами после снимка.
// Снимок старше окна бэкфилла заменяется целиком.
func (s *Service) backfillKey(ctx context.Context, symbol, interval string) error {
	var snap []models.Candle
	if s.snaps != nil {
		var err error
		if snap, err = s.snaps.Load(ctx, symbol, interval); err != nil {
			logger.Warn("[MARKET] snapshot %s_%s: %v", symbol, interval, err)
		}
	}
	if len(snap) == 0 {
		candles, err := s.rest.Candles(ctx, symbol, interval, s.backfill)
		if err != nil {
			return err
		}
		s.cache.Set(symbol, interval, candles)
		s.saveSnapshot(symbol, interval)
		return nil
	}

	s.cache.Set(symbol, interval, snap)
	last, _ := s.cache.Last(symbol, interval)
	missing := 1
	if tf := helper.TimeframeDuration(interval); tf > 0 {
		missing += int(s.now().Sub(last.OpenTime) / tf)
	}
	stale := missing >= s.backfill
	fresh, err := s.rest.Candles(ctx, symbol, interval, min(missing+1, s.backfill))
	if err != nil {
		logger.Warn("[MARKET] gap after snapshot %s_%s (%d bars) not filled: %v", symbol, interval, missing, err)
		return nil
	}

	if stale {
		s.cache.Set(symbol, interval, fresh)
	} else {
		for _, cd := range fresh {
			if !cd.OpenTime.Before(last.OpenTime) {
				s.cache.Upsert(symbol, interval, cd)
			}
		}
	}
	logger.Debug("[MARKET] snapshot %s_%s: %d cached, %d from REST, stale=%v", symbol, interval, len(snap), len(fresh), stale)
	s.saveSnapshot(symbol, interval)
	return nil
}

func (s *Service) onCandle(symbol, interval string, cd models.Candle) {
	if !s.cache.Upsert(symbol, interval, cd) {
		return
	}
	if s.OnCandle != nil {
		s.OnCandle(cd)
	}
	if cd.Closed {
		go s.saveSnapshot(symbol, interval)
	}
}

func (s *Service) saveSnapshot(symbol, interval string) {
	if s.snaps == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.snaps.Save(ctx, symbol, interval, s.cache.Klines(symbol, interval, 0)); err != nil {
		logger.Warn("[MARKET] snapshot save %s_%s: %v", symbol, interval, err)
	}
}

func (s *Service) StopStream(symbol, interval string) {
	key := helper.CacheKey(symbol, interval)
	s.mu.Lock()
	unsubscribe, ok := s.streams[key]
	delete(s.streams, key)
	s.mu.Unlock()
	if ok {
		unsubscribe()
		logger.Info("[MARKET] stream stopped %s", key)
	}
}

func (s *Service) StopAllStreams() {
	s.mu.Lock()
	streams := s.streams
	s.streams = make(map[string]func())
	s.mu.Unlock()
	for _, unsubscribe := range streams {
		unsubscribe()
	}
}

// Shutdown снимает все подписки и закрывает соединение.
func (s *Service) Shutdown() {
	s.StopAllStreams()
	s.streamer.Shutdown()
}

// Close Shutdown плюс закрытие redis-клиента. После Close сервис не переиспользуется.
func (s *Service) Close() error {
	s.Shutdown()
	if s.snaps != nil {
		return s.snaps.Close()
	}
	return nil
}

// Streams активные ключи SYMBOL_interval.
func (s *Service) Streams() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.streams))
	for k := range s.streams {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (s *Service) Klines(symbol, interval string, limit int) []models.Candle {
	return s.cache.Klines(strings.ToUpper(symbol), helper.NormTF(interval), limit)
}

// FetchKlines забирает свечи из REST и кладёт их в кэш.
func (s *Service) FetchKlines(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	symbol = strings.ToUpper(symbol)
	interval = helper.NormTF(interval)
	candles, err := s.rest.Candles(ctx, symbol, interval, limit)
	if err != nil {
		return nil, err
	}
	for _, cd := range candles {
		s.cache.Upsert(symbol, interval, cd)
	}
	return candles, nil
}

func (s *Service) CurrentPrice(symbol, interval string) (float64, bool) {
	return s.cache.CurrentPrice(strings.ToUpper(symbol), helper.NormTF(interval))
}

func (s *Service) Closes(symbol, interval string) []float64 {
	return s.cache.Closes(strings.ToUpper(symbol), helper.NormTF(interval))
}

func (s *Service) Stats() Stats { return s.cache.Stats() }

func (s *Service) Connected() bool { return s.streamer.Connected() }
