package engine

import (
	"context"
	"sort"

	"option-arena/server/store"
)

// Report aggregates the per-session analytics across every session for the
// admin surface. The per-session streak scan is the same primitive Step2
// uses; this just groups the step-2 log by session and reduces.
type Report struct {
	store store.Store
}

func NewReport(st store.Store) *Report {
	return &Report{store: st}
}

// StreakLeader is one option's best showing across all sessions.
type StreakLeader struct {
	Option    store.Option `json:"option"`
	MaxStreak int          `json:"max_streak"`
	Sessions  int          `json:"sessions"`
}

// Step1Popularity tallies step-1 selections per option, most selected
// first. clientAddr filters to one client when non-empty.
func (r *Report) Step1Popularity(ctx context.Context, clientAddr string) ([]store.OptionCount, error) {
	return r.store.SelectionCounts(ctx, store.StepGeneration, clientAddr)
}

// StreakLeaders computes each session's longest step-2 streak and rolls the
// results up per winning option: the biggest streak seen and the number of
// sessions the option led.
func (r *Report) StreakLeaders(ctx context.Context, clientAddr string) ([]StreakLeader, error) {
	choices, err := r.store.ChoicesByStep(ctx, store.StepSelection, clientAddr)
	if err != nil {
		return nil, err
	}

	leaders := map[int64]*StreakLeader{}
	forEachSession(choices, func(sessionChoices []store.Choice) {
		bestID, best := longestStreak(sessionChoices)
		if bestID == nil {
			return
		}
		l, ok := leaders[*bestID]
		if !ok {
			l = &StreakLeader{}
			leaders[*bestID] = l
		}
		if best > l.MaxStreak {
			l.MaxStreak = best
		}
		l.Sessions++
	})

	return r.resolveLeaders(ctx, leaders)
}

// FinalWinners counts, per option, the sessions whose last step-2 choice
// selected it, most wins first.
func (r *Report) FinalWinners(ctx context.Context, clientAddr string) ([]store.OptionCount, error) {
	choices, err := r.store.ChoicesByStep(ctx, store.StepSelection, clientAddr)
	if err != nil {
		return nil, err
	}

	counts := map[int64]int{}
	forEachSession(choices, func(sessionChoices []store.Choice) {
		last := sessionChoices[len(sessionChoices)-1]
		if last.SelectedID != nil {
			counts[*last.SelectedID]++
		}
	})

	ids := make([]int64, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	options, err := r.store.OptionsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]store.OptionCount, 0, len(counts))
	for id, ct := range counts {
		out = append(out, store.OptionCount{Option: options[id], Count: ct})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Option.ID < out[j].Option.ID
	})
	return out, nil
}

// DistinctClients lists the client addresses that voted in a step, for the
// admin filter dropdown.
func (r *Report) DistinctClients(ctx context.Context, step int) ([]string, error) {
	return r.store.DistinctClients(ctx, step)
}

// forEachSession walks choices grouped by session id. Input must be ordered
// by (session_id, created_at, id), which is the ChoicesByStep contract.
func forEachSession(choices []store.Choice, fn func([]store.Choice)) {
	start := 0
	for i := 1; i <= len(choices); i++ {
		if i == len(choices) || choices[i].SessionID != choices[start].SessionID {
			fn(choices[start:i])
			start = i
		}
	}
}

func (r *Report) resolveLeaders(ctx context.Context, leaders map[int64]*StreakLeader) ([]StreakLeader, error) {
	ids := make([]int64, 0, len(leaders))
	for id := range leaders {
		ids = append(ids, id)
	}
	options, err := r.store.OptionsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]StreakLeader, 0, len(leaders))
	for id, l := range leaders {
		l.Option = options[id]
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MaxStreak != out[j].MaxStreak {
			return out[i].MaxStreak > out[j].MaxStreak
		}
		return out[i].Option.ID < out[j].Option.ID
	})
	return out, nil
}
