package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"petstudio/internal/store"
)

type fakeStore struct {
	cands []store.TemplateCandidate
}

func (f *fakeStore) ListTemplateCandidates(_ context.Context, _ *int64, _ *int64) ([]store.TemplateCandidate, error) {
	return f.cands, nil
}

func cand(templateID, providerID int64) store.TemplateCandidate {
	return store.TemplateCandidate{
		Template: store.APITemplate{ID: templateID, ProviderID: providerID},
		Provider: store.APIProviderConfig{ID: providerID, RetryEnabled: true},
	}
}

func TestCandidates_ExcludesTriedAndDedupesProviders(t *testing.T) {
	st := &fakeStore{cands: []store.TemplateCandidate{cand(10, 1), cand(11, 1), cand(20, 2), cand(30, 3)}}
	s := New(st, time.Minute)

	got, err := s.Candidates(context.Background(), nil, nil, map[int64]struct{}{2: {}})
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	if len(got) != 2 || got[0].Template.ID != 10 || got[1].Template.ID != 30 {
		t.Fatalf("unexpected candidates: %+v", got)
	}
}

func TestCandidates_CoolingProvidersMoveToBack(t *testing.T) {
	st := &fakeStore{cands: []store.TemplateCandidate{cand(10, 1), cand(20, 2)}}
	s := New(st, time.Minute)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	// 第一次失败不进入冷却。
	s.Report(1, Result{ErrorKind: store.ErrorKindPermanent})
	if s.state.IsProviderCooling(1, now) {
		t.Fatalf("single failure should not cool the provider")
	}
	s.Report(1, Result{ErrorKind: store.ErrorKindPermanent})
	if !s.state.IsProviderCooling(1, now) {
		t.Fatalf("expected provider 1 cooling")
	}

	sel, err := s.Select(context.Background(), nil, nil, nil)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.Provider.ID != 2 {
		t.Fatalf("selected provider=%d want 2", sel.Provider.ID)
	}

	// 冷却不会绕过 tried 排除。
	_, err = s.Select(context.Background(), nil, nil, map[int64]struct{}{1: {}, 2: {}})
	if !errors.Is(err, ErrNoCandidate) {
		t.Fatalf("expected ErrNoCandidate, got %v", err)
	}

	s.Report(1, Result{Success: true})
	if s.state.IsProviderCooling(1, now) || s.state.ProviderFailScore(1) != 0 {
		t.Fatalf("success should reset provider state")
	}
}

func TestCoolProvider_CapsDuration(t *testing.T) {
	st := NewState()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	var until time.Time
	for i := 0; i < 30; i++ {
		until = st.CoolProvider(7, now, time.Hour)
	}
	if until.After(now.Add(10 * time.Minute)) {
		t.Fatalf("cooldown exceeds cap: %s", until.Sub(now))
	}
	st.Sweep(now.Add(11 * time.Minute))
	if st.IsProviderCooling(7, now.Add(11*time.Minute)) {
		t.Fatalf("cooldown should have expired")
	}
}
