package scheduler

import (
	"sync"
	"time"
)

type State struct {
	mu sync.Mutex

	providerFails       map[int64]int
	providerBanStreak   map[int64]int
	providerCooldownEnd map[int64]time.Time
}

func NewState() *State {
	return &State{
		providerFails:       make(map[int64]int),
		providerBanStreak:   make(map[int64]int),
		providerCooldownEnd: make(map[int64]time.Time),
	}
}

func (s *State) RecordProviderResult(providerID int64, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if success {
		delete(s.providerFails, providerID)
		delete(s.providerBanStreak, providerID)
		delete(s.providerCooldownEnd, providerID)
		return
	}
	s.providerFails[providerID]++
}

func (s *State) ProviderFailScore(providerID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.providerFails[providerID]
}

func (s *State) IsProviderCooling(providerID int64, now time.Time) bool {
	if providerID == 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.providerCooldownEnd[providerID]
	if !ok {
		return false
	}
	if now.After(until) {
		delete(s.providerCooldownEnd, providerID)
		return false
	}
	return true
}

// CoolProvider 连续失败达到两次后进入冷却，时长随连续次数线性增长，最长 10 分钟。
func (s *State) CoolProvider(providerID int64, now time.Time, base time.Duration) time.Time {
	if providerID == 0 || base <= 0 {
		return now
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	streak := s.providerBanStreak[providerID] + 1
	if streak > 20 {
		streak = 20
	}
	s.providerBanStreak[providerID] = streak
	if streak < 2 {
		delete(s.providerCooldownEnd, providerID)
		return now
	}

	start := now
	if until, ok := s.providerCooldownEnd[providerID]; ok && until.After(now) {
		start = until
	}
	newUntil := start.Add(base * time.Duration(streak))
	if newUntil.Before(start) {
		newUntil = start.Add(24 * time.Hour)
	}
	maxUntil := now.Add(10 * time.Minute)
	if newUntil.After(maxUntil) {
		newUntil = maxUntil
	}
	s.providerCooldownEnd[providerID] = newUntil
	return newUntil
}

// Sweep 清理已过期的冷却记录。
func (s *State) Sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, until := range s.providerCooldownEnd {
		if now.After(until) {
			delete(s.providerCooldownEnd, id)
		}
	}
}
