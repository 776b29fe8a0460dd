// Package store holds the experiment's persisted state: the deduplicated
// option catalog, the append-only vote log, per-session progress cursors,
// and the singleton experiment config.
package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Option sources.
const (
	SourceGenerated     = "llm_generated"
	SourceUserSubmitted = "user_submitted"
)

// Experiment phases.
const (
	StepDisabled   = 0
	StepGeneration = 1
	StepSelection  = 2
)

// Screen positions recorded on step-2 choices.
const (
	PositionLeft  = 0
	PositionRight = 1
)

// ErrNotFound is returned when a referenced option or session does not exist.
var ErrNotFound = errors.New("not found")

// Config is the singleton experiment configuration. It is loaded fresh for
// every engine operation; callers must not cache it across operations.
type Config struct {
	Prompt      string `json:"prompt"`
	CurrentStep int    `json:"current_step"`
	RoundsCount int    `json:"rounds_count"`
}

// Option is one candidate string, stored under its normalized text.
// No two options share a normalized text.
type Option struct {
	ID        int64     `json:"id"`
	Text      string    `json:"text"`
	Source    string    `json:"source"`
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Choice is one vote-log entry. SelectedID == nil encodes a "neither"
// rejection row. The log is append-only; reads are ordered by
// (created_at, id) so history, ladder and streak scans are deterministic.
type Choice struct {
	ID               int64     `json:"id"`
	SelectedID       *int64    `json:"selected_id"`
	RejectedID       *int64    `json:"rejected_id"`
	Step             int       `json:"step"`
	SelectedPosition *int      `json:"selected_position"`
	SessionID        string    `json:"session_id"`
	ClientAddr       string    `json:"client_addr"`
	CreatedAt        time.Time `json:"created_at"`
}

// Session is the per-client progress cursor. CurrentRound increments exactly
// once per recorded decision; the completion flags are set when a phase's
// termination condition is reached and never reset.
type Session struct {
	SessionKey    string `json:"session_key"`
	CurrentRound  int    `json:"current_round"`
	IsCompleted   bool   `json:"is_completed"`
	StepCompleted int    `json:"step_completed"`
}

// OptionCount pairs an option with how many times it was selected.
type OptionCount struct {
	Option Option `json:"option"`
	Count  int    `json:"count"`
}

// Merge describes one dedupe action: Into survives, From is repointed and
// deleted.
type Merge struct {
	From Option `json:"from"`
	Into Option `json:"into"`
}

// Normalize maps option text to its catalog key. Idempotent.
func Normalize(text string) string {
	return strings.ToUpper(strings.TrimSpace(text))
}

// Store is the persistence boundary the engines talk to. Two implementations
// exist: Postgres (pgx) and an in-memory store used by tests and the
// no-database dev mode.
type Store interface {
	Config(ctx context.Context) (Config, error)
	SetConfig(ctx context.Context, cfg Config) error

	// FindOrCreateOption normalizes text and inserts it if absent. When the
	// normalized text already exists the stored option is returned unchanged:
	// the first writer's source and session metadata win.
	FindOrCreateOption(ctx context.Context, text, source, sessionID string) (Option, error)
	OptionByID(ctx context.Context, id int64) (Option, error)
	OptionsByIDs(ctx context.Context, ids []int64) (map[int64]Option, error)

	GetOrCreateSession(ctx context.Context, sessionKey string) (Session, error)
	SaveSession(ctx context.Context, s Session) error

	// AppendChoice validates the referenced option ids and appends one
	// vote-log row, returning it with id and created_at filled in.
	AppendChoice(ctx context.Context, c Choice) (Choice, error)
	// ChoicesBySession returns the session's choices for one step, ordered
	// by (created_at, id).
	ChoicesBySession(ctx context.Context, sessionID string, step int) ([]Choice, error)
	// LastChoice returns the chronologically last choice for the session and
	// step, or nil when none exist.
	LastChoice(ctx context.Context, sessionID string, step int) (*Choice, error)
	// SelectedTexts returns the text of every selected option for the
	// session and step, in creation order.
	SelectedTexts(ctx context.Context, sessionID string, step int) ([]string, error)
	// NeitherRejectedTexts returns the text of every option rejected in a
	// "neither" round (selected is null) for the session and step, in
	// creation order.
	NeitherRejectedTexts(ctx context.Context, sessionID string, step int) ([]string, error)
	// ChoicesByStep returns every choice for a step, optionally filtered by
	// client address, ordered by (session_id, created_at, id).
	ChoicesByStep(ctx context.Context, step int, clientAddr string) ([]Choice, error)

	// EligibleOptions returns the distinct options ever selected in a step-1
	// choice, ordered by ascending id. This fixed order is the ladder order.
	EligibleOptions(ctx context.Context) ([]Option, error)
	// SelectionCounts returns selection tallies for a step, most selected
	// first, optionally filtered by client address.
	SelectionCounts(ctx context.Context, step int, clientAddr string) ([]OptionCount, error)
	// DistinctClients returns the distinct client addresses that voted in a
	// step.
	DistinctClients(ctx context.Context, step int) ([]string, error)

	// DedupeOptions merges options whose normalized texts collide into the
	// oldest survivor, repointing vote-log references. With dryRun the
	// planned merges are reported without writing.
	DedupeOptions(ctx context.Context, dryRun bool) ([]Merge, error)
}
