package engine

import (
	"context"
	"errors"
	"testing"

	"option-arena/server/llm"
	"option-arena/server/store"
)

// scriptedGenerator replays canned pairs and captures what the engine
// passed in.
type scriptedGenerator struct {
	pairs        [][2]string
	calls        int
	lastHistory  []string
	lastRejected []string
	err          error
}

func (g *scriptedGenerator) Generate(ctx context.Context, prompt string, history, rejected []string) (string, string, error) {
	g.lastHistory = append([]string(nil), history...)
	g.lastRejected = append([]string(nil), rejected...)
	if g.err != nil {
		return "", "", g.err
	}
	p := g.pairs[g.calls%len(g.pairs)]
	g.calls++
	return p[0], p[1], nil
}

func newStep1Fixture(t *testing.T, rounds int, pairs ...[2]string) (*Step1, *store.Memory, *scriptedGenerator) {
	t.Helper()
	st := store.NewMemory()
	if err := st.SetConfig(context.Background(), store.Config{
		Prompt:      "Pick a dinner",
		CurrentStep: store.StepGeneration,
		RoundsCount: rounds,
	}); err != nil {
		t.Fatalf("SetConfig: %v", err)
	}
	gen := &scriptedGenerator{pairs: pairs}
	return NewStep1(st, gen), st, gen
}

func TestCurrentPairNormalizesAndStores(t *testing.T) {
	ctx := context.Background()
	s1, _, _ := newStep1Fixture(t, 3, [2]string{"  tacos ", "sushi"})

	pair, err := s1.CurrentPair(ctx, "sess-1")
	if err != nil {
		t.Fatalf("CurrentPair: %v", err)
	}
	if pair == nil {
		t.Fatal("expected a pair, got nil")
	}
	if pair.A.Text != "TACOS" || pair.B.Text != "SUSHI" {
		t.Fatalf("unexpected texts: %q, %q", pair.A.Text, pair.B.Text)
	}
	if pair.A.Source != store.SourceGenerated || pair.A.SessionID != "sess-1" {
		t.Fatalf("unexpected option metadata: %+v", pair.A)
	}
}

func TestHistoryAndRejectedAccumulate(t *testing.T) {
	ctx := context.Background()
	s1, _, gen := newStep1Fixture(t, 10,
		[2]string{"tacos", "sushi"},
		[2]string{"ramen", "pizza"},
		[2]string{"pho", "curry"},
		[2]string{"bibimbap", "gyoza"},
	)

	// Round 1: select tacos.
	pair, err := s1.CurrentPair(ctx, "sess-1")
	if err != nil {
		t.Fatalf("CurrentPair: %v", err)
	}
	if err := s1.RecordSelection(ctx, "sess-1", pair.A.ID, pair.B.ID, "10.0.0.1"); err != nil {
		t.Fatalf("RecordSelection: %v", err)
	}

	// Round 2: neither ramen nor pizza.
	pair, err = s1.CurrentPair(ctx, "sess-1")
	if err != nil {
		t.Fatalf("CurrentPair: %v", err)
	}
	if got := gen.lastHistory; len(got) != 1 || got[0] != "TACOS" {
		t.Fatalf("history after one selection = %v, want [TACOS]", got)
	}
	if err := s1.RecordNeither(ctx, "sess-1", pair.A.ID, pair.B.ID, "10.0.0.1"); err != nil {
		t.Fatalf("RecordNeither: %v", err)
	}

	// Round 3: select pho, then neither again.
	pair, err = s1.CurrentPair(ctx, "sess-1")
	if err != nil {
		t.Fatalf("CurrentPair: %v", err)
	}
	if got := gen.lastRejected; len(got) != 2 || got[0] != "RAMEN" || got[1] != "PIZZA" {
		t.Fatalf("rejected after one neither = %v, want [RAMEN PIZZA]", got)
	}
	if err := s1.RecordSelection(ctx, "sess-1", pair.A.ID, pair.B.ID, "10.0.0.1"); err != nil {
		t.Fatalf("RecordSelection: %v", err)
	}
	pair, err = s1.CurrentPair(ctx, "sess-1")
	if err != nil {
		t.Fatalf("CurrentPair: %v", err)
	}
	if err := s1.RecordNeither(ctx, "sess-1", pair.A.ID, pair.B.ID, "10.0.0.1"); err != nil {
		t.Fatalf("RecordNeither: %v", err)
	}

	if _, err := s1.CurrentPair(ctx, "sess-1"); err != nil {
		t.Fatalf("CurrentPair: %v", err)
	}
	if got := gen.lastHistory; len(got) != 2 || got[0] != "TACOS" || got[1] != "PHO" {
		t.Fatalf("history = %v, want [TACOS PHO]", got)
	}
	if got := gen.lastRejected; len(got) != 4 ||
		got[0] != "RAMEN" || got[1] != "PIZZA" || got[2] != "BIBIMBAP" || got[3] != "GYOZA" {
		t.Fatalf("rejected = %v, want [RAMEN PIZZA BIBIMBAP GYOZA]", got)
	}

	// Other sessions see none of it.
	if _, err := s1.CurrentPair(ctx, "sess-2"); err != nil {
		t.Fatalf("CurrentPair: %v", err)
	}
	if len(gen.lastHistory) != 0 || len(gen.lastRejected) != 0 {
		t.Fatalf("fresh session got history %v rejected %v", gen.lastHistory, gen.lastRejected)
	}
}

func TestRoundCompletion(t *testing.T) {
	ctx := context.Background()
	s1, st, _ := newStep1Fixture(t, 2, [2]string{"tacos", "sushi"}, [2]string{"ramen", "pizza"})

	for round := 0; round < 2; round++ {
		sess, err := st.GetOrCreateSession(ctx, "sess-1")
		if err != nil {
			t.Fatalf("GetOrCreateSession: %v", err)
		}
		if sess.IsCompleted {
			t.Fatalf("session completed early at round %d", round)
		}
		pair, err := s1.CurrentPair(ctx, "sess-1")
		if err != nil {
			t.Fatalf("CurrentPair: %v", err)
		}
		if pair == nil {
			t.Fatalf("pair is nil at round %d", round)
		}
		if err := s1.RecordSelection(ctx, "sess-1", pair.A.ID, pair.B.ID, ""); err != nil {
			t.Fatalf("RecordSelection: %v", err)
		}
	}

	sess, err := st.GetOrCreateSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	if !sess.IsCompleted || sess.StepCompleted != store.StepGeneration || sess.CurrentRound != 2 {
		t.Fatalf("unexpected session after completion: %+v", sess)
	}
	pair, err := s1.CurrentPair(ctx, "sess-1")
	if err != nil {
		t.Fatalf("CurrentPair: %v", err)
	}
	if pair != nil {
		t.Fatalf("expected nil pair after completion, got %+v", pair)
	}
}

func TestNeitherConsumesOneRound(t *testing.T) {
	ctx := context.Background()
	s1, st, _ := newStep1Fixture(t, 5, [2]string{"tacos", "sushi"})

	pair, err := s1.CurrentPair(ctx, "sess-1")
	if err != nil {
		t.Fatalf("CurrentPair: %v", err)
	}
	if err := s1.RecordNeither(ctx, "sess-1", pair.A.ID, pair.B.ID, ""); err != nil {
		t.Fatalf("RecordNeither: %v", err)
	}

	sess, _ := st.GetOrCreateSession(ctx, "sess-1")
	if sess.CurrentRound != 1 {
		t.Fatalf("current_round = %d after one neither, want 1", sess.CurrentRound)
	}
	choices, err := st.ChoicesBySession(ctx, "sess-1", store.StepGeneration)
	if err != nil {
		t.Fatalf("ChoicesBySession: %v", err)
	}
	if len(choices) != 2 {
		t.Fatalf("neither wrote %d rows, want 2", len(choices))
	}
	for _, c := range choices {
		if c.SelectedID != nil || c.RejectedID == nil {
			t.Fatalf("bad neither row: %+v", c)
		}
	}
}

func TestManualSubmission(t *testing.T) {
	ctx := context.Background()
	s1, st, gen := newStep1Fixture(t, 5, [2]string{"tacos", "sushi"})

	opt, err := s1.SubmitManualOption(ctx, "sess-1", "  My Option  ")
	if err != nil {
		t.Fatalf("SubmitManualOption: %v", err)
	}
	if opt.Text != "MY OPTION" || opt.Source != store.SourceUserSubmitted {
		t.Fatalf("unexpected option: %+v", opt)
	}

	choices, err := st.ChoicesBySession(ctx, "sess-1", store.StepGeneration)
	if err != nil {
		t.Fatalf("ChoicesBySession: %v", err)
	}
	if len(choices) != 1 {
		t.Fatalf("manual submission wrote %d rows, want 1", len(choices))
	}
	c := choices[0]
	if c.SelectedID == nil || *c.SelectedID != opt.ID || c.RejectedID != nil {
		t.Fatalf("bad manual choice row: %+v", c)
	}

	// Manual submissions are additive: the round cursor must not move.
	sess, _ := st.GetOrCreateSession(ctx, "sess-1")
	if sess.CurrentRound != 0 {
		t.Fatalf("current_round = %d after manual submission, want 0", sess.CurrentRound)
	}

	// And the option folds into future history for this session.
	if _, err := s1.CurrentPair(ctx, "sess-1"); err != nil {
		t.Fatalf("CurrentPair: %v", err)
	}
	if len(gen.lastHistory) != 1 || gen.lastHistory[0] != "MY OPTION" {
		t.Fatalf("history = %v, want [MY OPTION]", gen.lastHistory)
	}
}

func TestGenerationFailurePropagates(t *testing.T) {
	ctx := context.Background()
	s1, _, gen := newStep1Fixture(t, 5, [2]string{"tacos", "sushi"})
	gen.err = &llm.GenerationError{Err: errors.New("boom")}

	_, err := s1.CurrentPair(ctx, "sess-1")
	var genErr *llm.GenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("expected *llm.GenerationError, got %T: %v", err, err)
	}
}

func TestStep1Validation(t *testing.T) {
	ctx := context.Background()
	s1, _, _ := newStep1Fixture(t, 5, [2]string{"tacos", "sushi"})

	if err := s1.RecordSelection(ctx, "sess-1", 0, 2, ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for zero id, got %v", err)
	}
	if err := s1.RecordSelection(ctx, "", 1, 2, ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty session, got %v", err)
	}
	if _, err := s1.SubmitManualOption(ctx, "sess-1", "   "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for blank text, got %v", err)
	}
}

func TestRecordSelectionUnknownOption(t *testing.T) {
	ctx := context.Background()
	s1, _, _ := newStep1Fixture(t, 5, [2]string{"tacos", "sushi"})

	if err := s1.RecordSelection(ctx, "sess-1", 41, 42, ""); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown option ids, got %v", err)
	}
}
