package service

import (
	"sync/atomic"
	"time"
)

// State пробы процесса: готовность, связь с WS и свежесть свечей.
type State struct {
	ready     atomic.Bool
	startedAt time.Time

	wsConnected  atomic.Bool
	reconnects   atomic.Int64
	streamsLost  atomic.Int64 // потоки, снятые после исчерпания переподключений
	lastTickUnix atomic.Int64 // unix seconds последней свечи
}

func NewState() *State {
	return &State{startedAt: time.Now()}
}

func (s *State) SetReady(v bool) { s.ready.Store(v) }
func (s *State) Ready() bool     { return s.ready.Load() }

func (s *State) SetWSConnected(v bool) { s.wsConnected.Store(v) }
func (s *State) WSConnected() bool     { return s.wsConnected.Load() }

func (s *State) IncReconnects()    { s.reconnects.Add(1) }
func (s *State) Reconnects() int64 { return s.reconnects.Load() }

func (s *State) AddStreamsLost(n int) { s.streamsLost.Add(int64(n)) }
func (s *State) StreamsLost() int64    { return s.streamsLost.Load() }

func (s *State) TouchTick(t time.Time) { s.lastTickUnix.Store(t.Unix()) }
func (s *State) LastTick() time.Time {
	u := s.lastTickUnix.Load()
	if u == 0 {
		return time.Time{}
	}
	return time.Unix(u, 0)
}

func (s *State) Uptime() time.Duration { return time.Since(s.startedAt) }
