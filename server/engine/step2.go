package engine

import (
	"context"
	"fmt"

	"option-arena/server/store"
)

// Step2 runs the "running challenger" elimination ladder over the options
// that won at least one step-1 vote. The eligible set, ordered by ascending
// id, is the ladder order; round r pits the previous winner against
// eligible[r+1].
type Step2 struct {
	store store.Store
	locks *keyLock
}

func NewStep2(st store.Store) *Step2 {
	return &Step2{store: st, locks: newKeyLock()}
}

// EligibleOptions returns the ladder, i.e. every option ever selected in
// step 1, by ascending id.
func (s *Step2) EligibleOptions(ctx context.Context) ([]store.Option, error) {
	return s.store.EligibleOptions(ctx)
}

// TotalRounds is max(0, N-1) for N eligible options.
func (s *Step2) TotalRounds(ctx context.Context) (int, error) {
	opts, err := s.store.EligibleOptions(ctx)
	if err != nil {
		return 0, err
	}
	return max(0, len(opts)-1), nil
}

// CurrentPair computes the session's next ladder pair. A nil pair with nil
// error means the tournament is over for this session (or was never
// possible: fewer than two eligible options).
func (s *Step2) CurrentPair(ctx context.Context, sessionKey string) (*Pair, error) {
	if sessionKey == "" {
		return nil, fmt.Errorf("%w: empty session key", ErrInvalidInput)
	}
	sess, err := s.store.GetOrCreateSession(ctx, sessionKey)
	if err != nil {
		return nil, err
	}
	options, err := s.store.EligibleOptions(ctx)
	if err != nil {
		return nil, err
	}
	if len(options) < 2 {
		return nil, nil
	}
	if sess.CurrentRound >= len(options)-1 {
		return nil, nil
	}
	if sess.CurrentRound == 0 {
		return &Pair{A: options[0], B: options[1]}, nil
	}

	last, err := s.store.LastChoice(ctx, sessionKey, store.StepSelection)
	if err != nil {
		return nil, err
	}
	if last == nil || last.SelectedID == nil {
		return &Pair{A: options[0], B: options[1]}, nil
	}

	challengerIdx := sess.CurrentRound + 1
	if challengerIdx >= len(options) {
		return nil, nil
	}
	challenger := options[challengerIdx]

	winner, err := s.winnerOf(ctx, options, *last.SelectedID)
	if err != nil {
		return nil, err
	}

	// The winner keeps the screen side it held when it won, so the surviving
	// option never jumps sides between rounds. An unset position counts as
	// left (legacy rows).
	if last.SelectedPosition != nil && *last.SelectedPosition == store.PositionRight {
		return &Pair{A: challenger, B: winner}, nil
	}
	return &Pair{A: winner, B: challenger}, nil
}

func (s *Step2) winnerOf(ctx context.Context, options []store.Option, selectedID int64) (store.Option, error) {
	for _, o := range options {
		if o.ID == selectedID {
			return o, nil
		}
	}
	return s.store.OptionByID(ctx, selectedID)
}

// RecordSelection appends one step-2 choice, with the screen position the
// winner was shown at, and advances the round cursor.
func (s *Step2) RecordSelection(ctx context.Context, sessionKey string, selectedID, rejectedID int64, clientAddr string, selectedPosition *int) error {
	if err := validateVote(sessionKey, selectedID, rejectedID); err != nil {
		return err
	}
	if selectedPosition != nil && *selectedPosition != store.PositionLeft && *selectedPosition != store.PositionRight {
		return fmt.Errorf("%w: bad position %d", ErrInvalidInput, *selectedPosition)
	}
	unlock := s.locks.lock(sessionKey)
	defer unlock()

	sess, err := s.store.GetOrCreateSession(ctx, sessionKey)
	if err != nil {
		return err
	}
	if _, err := s.store.AppendChoice(ctx, store.Choice{
		SelectedID:       &selectedID,
		RejectedID:       &rejectedID,
		Step:             store.StepSelection,
		SelectedPosition: selectedPosition,
		SessionID:        sessionKey,
		ClientAddr:       clientAddr,
	}); err != nil {
		return err
	}
	sess.CurrentRound++
	total, err := s.TotalRounds(ctx)
	if err != nil {
		return err
	}
	if sess.CurrentRound >= total {
		sess.IsCompleted = true
		sess.StepCompleted = store.StepSelection
	}
	return s.store.SaveSession(ctx, sess)
}

// StreakStats returns the option with the longest consecutive-win run in
// this session's step-2 log and the run length, or (nil, 0) when the
// session has no step-2 choices. The first option to reach the maximum
// keeps it on ties.
func (s *Step2) StreakStats(ctx context.Context, sessionKey string) (*store.Option, int, error) {
	choices, err := s.store.ChoicesBySession(ctx, sessionKey, store.StepSelection)
	if err != nil {
		return nil, 0, err
	}
	bestID, best := longestStreak(choices)
	if bestID == nil {
		return nil, 0, nil
	}
	opt, err := s.store.OptionByID(ctx, *bestID)
	if err != nil {
		return nil, 0, err
	}
	return &opt, best, nil
}

// FinalWinner is the selected option of the session's chronologically last
// step-2 choice, or nil when none exist.
func (s *Step2) FinalWinner(ctx context.Context, sessionKey string) (*store.Option, error) {
	last, err := s.store.LastChoice(ctx, sessionKey, store.StepSelection)
	if err != nil {
		return nil, err
	}
	if last == nil || last.SelectedID == nil {
		return nil, nil
	}
	opt, err := s.store.OptionByID(ctx, *last.SelectedID)
	if err != nil {
		return nil, err
	}
	return &opt, nil
}

// longestStreak scans choices in log order and reduces with reset-on-change:
// the run counter restarts whenever the selected option changes, and the
// record is taken with a strict > so the first option to reach the maximum
// wins ties.
func longestStreak(choices []store.Choice) (*int64, int) {
	var (
		currentID *int64
		current   int
		bestID    *int64
		best      int
	)
	for _, c := range choices {
		if sameOption(c.SelectedID, currentID) {
			current++
		} else {
			currentID = c.SelectedID
			current = 1
		}
		if current > best {
			best = current
			bestID = currentID
		}
	}
	return bestID, best
}

func sameOption(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
