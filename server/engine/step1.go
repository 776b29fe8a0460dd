// Package engine implements the two phase cores: the step-1 generation
// engine (adaptive pairing against the session's vote history) and the
// step-2 elimination ladder, plus the streak and winner analytics derived
// from the vote log.
package engine

import (
	"context"
	"errors"
	"fmt"

	"option-arena/server/llm"
	"option-arena/server/store"
)

// ErrInvalidInput marks fail-fast validation failures (malformed ids, empty
// session keys, blank manual text).
var ErrInvalidInput = errors.New("invalid input")

// Pair is the two options shown to the client, in screen order: A left,
// B right.
type Pair struct {
	A store.Option `json:"option_a"`
	B store.Option `json:"option_b"`
}

// Step1 turns (prompt, session history) into a normalized candidate pair,
// delegating novel-text generation to the Generator capability.
type Step1 struct {
	store store.Store
	gen   llm.Generator
	locks *keyLock
}

func NewStep1(st store.Store, gen llm.Generator) *Step1 {
	return &Step1{store: st, gen: gen, locks: newKeyLock()}
}

// CurrentPair generates the pair for the session's current round. A nil
// pair with nil error means the session has finished this phase.
func (s *Step1) CurrentPair(ctx context.Context, sessionKey string) (*Pair, error) {
	if sessionKey == "" {
		return nil, fmt.Errorf("%w: empty session key", ErrInvalidInput)
	}
	cfg, err := s.store.Config(ctx)
	if err != nil {
		return nil, err
	}
	sess, err := s.store.GetOrCreateSession(ctx, sessionKey)
	if err != nil {
		return nil, err
	}
	if sess.CurrentRound >= cfg.RoundsCount {
		return nil, nil
	}

	history, err := s.store.SelectedTexts(ctx, sessionKey, store.StepGeneration)
	if err != nil {
		return nil, err
	}
	rejected, err := s.store.NeitherRejectedTexts(ctx, sessionKey, store.StepGeneration)
	if err != nil {
		return nil, err
	}

	textA, textB, err := s.gen.Generate(ctx, cfg.Prompt, history, rejected)
	if err != nil {
		return nil, err
	}

	optA, err := s.store.FindOrCreateOption(ctx, textA, store.SourceGenerated, sessionKey)
	if err != nil {
		return nil, err
	}
	optB, err := s.store.FindOrCreateOption(ctx, textB, store.SourceGenerated, sessionKey)
	if err != nil {
		return nil, err
	}
	return &Pair{A: optA, B: optB}, nil
}

// RecordSelection appends one step-1 choice and advances the round cursor.
func (s *Step1) RecordSelection(ctx context.Context, sessionKey string, selectedID, rejectedID int64, clientAddr string) error {
	if err := validateVote(sessionKey, selectedID, rejectedID); err != nil {
		return err
	}
	unlock := s.locks.lock(sessionKey)
	defer unlock()

	cfg, err := s.store.Config(ctx)
	if err != nil {
		return err
	}
	sess, err := s.store.GetOrCreateSession(ctx, sessionKey)
	if err != nil {
		return err
	}
	if _, err := s.store.AppendChoice(ctx, store.Choice{
		SelectedID: &selectedID,
		RejectedID: &rejectedID,
		Step:       store.StepGeneration,
		SessionID:  sessionKey,
		ClientAddr: clientAddr,
	}); err != nil {
		return err
	}
	sess.CurrentRound++
	if sess.CurrentRound >= cfg.RoundsCount {
		sess.IsCompleted = true
		sess.StepCompleted = store.StepGeneration
	}
	return s.store.SaveSession(ctx, sess)
}

// SubmitManualOption stores a user-submitted option and immediately records
// it as a selection with no opposing option, which makes it eligible for
// step 2 and folds it into the session's future history. The round cursor
// is deliberately untouched: manual submissions are additive, not
// round-consuming.
func (s *Step1) SubmitManualOption(ctx context.Context, sessionKey, text string) (store.Option, error) {
	if sessionKey == "" {
		return store.Option{}, fmt.Errorf("%w: empty session key", ErrInvalidInput)
	}
	if store.Normalize(text) == "" {
		return store.Option{}, fmt.Errorf("%w: blank option text", ErrInvalidInput)
	}
	unlock := s.locks.lock(sessionKey)
	defer unlock()

	opt, err := s.store.FindOrCreateOption(ctx, text, store.SourceUserSubmitted, sessionKey)
	if err != nil {
		return store.Option{}, err
	}
	id := opt.ID
	_, err = s.store.AppendChoice(ctx, store.Choice{
		SelectedID: &id,
		Step:       store.StepGeneration,
		SessionID:  sessionKey,
	})
	return opt, err
}

// RecordNeither rejects both shown options: two vote-log rows with a null
// selection, one round consumed.
func (s *Step1) RecordNeither(ctx context.Context, sessionKey string, optionAID, optionBID int64, clientAddr string) error {
	if err := validateVote(sessionKey, optionAID, optionBID); err != nil {
		return err
	}
	unlock := s.locks.lock(sessionKey)
	defer unlock()

	cfg, err := s.store.Config(ctx)
	if err != nil {
		return err
	}
	sess, err := s.store.GetOrCreateSession(ctx, sessionKey)
	if err != nil {
		return err
	}
	for _, id := range []int64{optionAID, optionBID} {
		rejected := id
		if _, err := s.store.AppendChoice(ctx, store.Choice{
			RejectedID: &rejected,
			Step:       store.StepGeneration,
			SessionID:  sessionKey,
			ClientAddr: clientAddr,
		}); err != nil {
			return err
		}
	}
	sess.CurrentRound++
	if sess.CurrentRound >= cfg.RoundsCount {
		sess.IsCompleted = true
		sess.StepCompleted = store.StepGeneration
	}
	return s.store.SaveSession(ctx, sess)
}

func validateVote(sessionKey string, a, b int64) error {
	if sessionKey == "" {
		return fmt.Errorf("%w: empty session key", ErrInvalidInput)
	}
	if a <= 0 || b <= 0 {
		return fmt.Errorf("%w: option ids must be positive, got %d and %d", ErrInvalidInput, a, b)
	}
	return nil
}
