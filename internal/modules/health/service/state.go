package service

import (
	"sync/atomic"
	"time"
)

type State struct {
	ready     atomic.Bool
	startedAt time.Time

	wsConnected   atomic.Bool
	halted        atomic.Bool
	haltReason    atomic.Value // string
	naked         atomic.Int64
	unresolved    atomic.Int64
	lastCycleUnix atomic.Int64 // unix seconds
}

func NewState() *State {
	s := &State{startedAt: time.Now()}
	s.ready.Store(false)
	s.haltReason.Store("")
	return s
}

func (s *State) SetReady(v bool) { s.ready.Store(v) }
func (s *State) Ready() bool     { return s.ready.Load() }

func (s *State) SetWSConnected(v bool) { s.wsConnected.Store(v) }
func (s *State) WSConnected() bool     { return s.wsConnected.Load() }

func (s *State) SetHalted(v bool, reason string) {
	s.halted.Store(v)
	s.haltReason.Store(reason)
}
func (s *State) Halted() (bool, string) { return s.halted.Load(), s.haltReason.Load().(string) }

func (s *State) SetProtection(naked, unresolved int) {
	s.naked.Store(int64(naked))
	s.unresolved.Store(int64(unresolved))
}
func (s *State) Naked() int      { return int(s.naked.Load()) }
func (s *State) Unresolved() int { return int(s.unresolved.Load()) }

// TouchCycle: цикл управления завершился. Первый цикл делает сервис ready.
func (s *State) TouchCycle(t time.Time) {
	s.lastCycleUnix.Store(t.Unix())
	s.ready.Store(true)
}
func (s *State) LastCycle() time.Time {
	u := s.lastCycleUnix.Load()
	if u == 0 {
		return time.Time{}
	}
	return time.Unix(u, 0)
}

func (s *State) Uptime() time.Duration { return time.Since(s.startedAt) }
