// Package scheduler 为风格挑选 AI 服务商：按绑定层级与优先级排序，排除已尝试的服务商，冷却中的服务商排到最后。
package scheduler

import (
	"context"
	"errors"
	"sort"
	"time"

	"petstudio/internal/store"
)

var ErrNoCandidate = errors.New("没有可用的 AI 服务商")

// Result 是一次调用的结果，用于更新失败统计与冷却。
type Result struct {
	Success   bool
	ErrorKind string
}

type CandidateStore interface {
	ListTemplateCandidates(ctx context.Context, styleCategoryID *int64, styleImageID *int64) ([]store.TemplateCandidate, error)
}

type Scheduler struct {
	st           CandidateStore
	state        *State
	cooldownBase time.Duration
	now          func() time.Time
}

func New(st CandidateStore, cooldownBase time.Duration) *Scheduler {
	return &Scheduler{
		st:           st,
		state:        NewState(),
		cooldownBase: cooldownBase,
		now:          time.Now,
	}
}

// Candidates 返回按尝试顺序排好的候选；每个服务商只保留排在最前的模板，tried 中的服务商永远不会出现。
func (s *Scheduler) Candidates(ctx context.Context, styleCategoryID *int64, styleImageID *int64, tried map[int64]struct{}) ([]store.TemplateCandidate, error) {
	all, err := s.st.ListTemplateCandidates(ctx, styleCategoryID, styleImageID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	seen := make(map[int64]struct{}, len(all))
	var ready, cooling []store.TemplateCandidate
	for _, c := range all {
		pid := c.Provider.ID
		if _, ok := tried[pid]; ok {
			continue
		}
		if _, ok := seen[pid]; ok {
			continue
		}
		seen[pid] = struct{}{}
		if s.state.IsProviderCooling(pid, now) {
			cooling = append(cooling, c)
			continue
		}
		ready = append(ready, c)
	}
	sort.SliceStable(cooling, func(i, j int) bool {
		return s.state.ProviderFailScore(cooling[i].Provider.ID) < s.state.ProviderFailScore(cooling[j].Provider.ID)
	})
	return append(ready, cooling...), nil
}

// Select 返回第一个候选；没有时返回 ErrNoCandidate。
func (s *Scheduler) Select(ctx context.Context, styleCategoryID *int64, styleImageID *int64, tried map[int64]struct{}) (store.TemplateCandidate, error) {
	cands, err := s.Candidates(ctx, styleCategoryID, styleImageID, tried)
	if err != nil {
		return store.TemplateCandidate{}, err
	}
	if len(cands) == 0 {
		return store.TemplateCandidate{}, ErrNoCandidate
	}
	return cands[0], nil
}

func (s *Scheduler) Report(providerID int64, res Result) {
	if providerID == 0 {
		return
	}
	s.state.RecordProviderResult(providerID, res.Success)
	if res.Success {
		return
	}
	switch res.ErrorKind {
	case store.ErrorKindTransient, store.ErrorKindPermanent:
		s.state.CoolProvider(providerID, s.now(), s.cooldownBase)
	}
}

func (s *Scheduler) Sweep(now time.Time) {
	s.state.Sweep(now)
}
