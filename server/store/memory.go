package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store. It backs the test suite and the
// no-database dev mode; ordering matches the Postgres store because ids are
// assigned monotonically and scans sort by (created_at, id).
type Memory struct {
	mu         sync.RWMutex
	cfg        Config
	nextOption int64
	nextChoice int64
	options    map[int64]Option
	byText     map[string]int64
	choices    []Choice
	sessions   map[string]Session
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		cfg:      Config{RoundsCount: 5},
		options:  map[int64]Option{},
		byText:   map[string]int64{},
		sessions: map[string]Session{},
	}
}

func (m *Memory) Config(ctx context.Context) (Config, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg, nil
}

func (m *Memory) SetConfig(ctx context.Context, cfg Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
	return nil
}

func (m *Memory) FindOrCreateOption(ctx context.Context, text, source, sessionID string) (Option, error) {
	normalized := Normalize(text)
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byText[normalized]; ok {
		return m.options[id], nil
	}
	m.nextOption++
	o := Option{
		ID:        m.nextOption,
		Text:      normalized,
		Source:    source,
		SessionID: sessionID,
		CreatedAt: time.Now(),
	}
	m.options[o.ID] = o
	m.byText[normalized] = o.ID
	return o, nil
}

func (m *Memory) OptionByID(ctx context.Context, id int64) (Option, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.options[id]
	if !ok {
		return Option{}, fmt.Errorf("option %d: %w", id, ErrNotFound)
	}
	return o, nil
}

func (m *Memory) OptionsByIDs(ctx context.Context, ids []int64) (map[int64]Option, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[int64]Option, len(ids))
	for _, id := range ids {
		if o, ok := m.options[id]; ok {
			out[id] = o
		}
	}
	return out, nil
}

func (m *Memory) GetOrCreateSession(ctx context.Context, sessionKey string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionKey]; ok {
		return s, nil
	}
	s := Session{SessionKey: sessionKey}
	m.sessions[sessionKey] = s
	return s, nil
}

func (m *Memory) SaveSession(ctx context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.SessionKey]; !ok {
		return fmt.Errorf("session %q: %w", s.SessionKey, ErrNotFound)
	}
	m.sessions[s.SessionKey] = s
	return nil
}

func (m *Memory) AppendChoice(ctx context.Context, c Choice) (Choice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ref := range []*int64{c.SelectedID, c.RejectedID} {
		if ref == nil {
			continue
		}
		if _, ok := m.options[*ref]; !ok {
			return Choice{}, fmt.Errorf("choice references missing option %d: %w", *ref, ErrNotFound)
		}
	}
	m.nextChoice++
	c.ID = m.nextChoice
	c.CreatedAt = time.Now()
	m.choices = append(m.choices, c)
	return c, nil
}

func (m *Memory) ChoicesBySession(ctx context.Context, sessionID string, step int) ([]Choice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Choice
	for _, c := range m.choices {
		if c.SessionID == sessionID && c.Step == step {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *Memory) LastChoice(ctx context.Context, sessionID string, step int) (*Choice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.choices) - 1; i >= 0; i-- {
		if m.choices[i].SessionID == sessionID && m.choices[i].Step == step {
			c := m.choices[i]
			return &c, nil
		}
	}
	return nil, nil
}

func (m *Memory) SelectedTexts(ctx context.Context, sessionID string, step int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for _, c := range m.choices {
		if c.SessionID == sessionID && c.Step == step && c.SelectedID != nil {
			out = append(out, m.options[*c.SelectedID].Text)
		}
	}
	return out, nil
}

func (m *Memory) NeitherRejectedTexts(ctx context.Context, sessionID string, step int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for _, c := range m.choices {
		if c.SessionID == sessionID && c.Step == step && c.SelectedID == nil && c.RejectedID != nil {
			out = append(out, m.options[*c.RejectedID].Text)
		}
	}
	return out, nil
}

func (m *Memory) ChoicesByStep(ctx context.Context, step int, clientAddr string) ([]Choice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Choice
	for _, c := range m.choices {
		if c.Step != step {
			continue
		}
		if clientAddr != "" && c.ClientAddr != clientAddr {
			continue
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SessionID != out[j].SessionID {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) EligibleOptions(ctx context.Context) ([]Option, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := map[int64]struct{}{}
	var out []Option
	for _, c := range m.choices {
		if c.Step != StepGeneration || c.SelectedID == nil {
			continue
		}
		if _, ok := seen[*c.SelectedID]; ok {
			continue
		}
		seen[*c.SelectedID] = struct{}{}
		out = append(out, m.options[*c.SelectedID])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SelectionCounts(ctx context.Context, step int, clientAddr string) ([]OptionCount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := map[int64]int{}
	for _, c := range m.choices {
		if c.Step != step || c.SelectedID == nil {
			continue
		}
		if clientAddr != "" && c.ClientAddr != clientAddr {
			continue
		}
		counts[*c.SelectedID]++
	}
	out := make([]OptionCount, 0, len(counts))
	for id, ct := range counts {
		out = append(out, OptionCount{Option: m.options[id], Count: ct})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Option.ID < out[j].Option.ID
	})
	return out, nil
}

func (m *Memory) DistinctClients(ctx context.Context, step int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := map[string]struct{}{}
	var out []string
	for _, c := range m.choices {
		if c.Step != step || c.ClientAddr == "" {
			continue
		}
		if _, ok := seen[c.ClientAddr]; ok {
			continue
		}
		seen[c.ClientAddr] = struct{}{}
		out = append(out, c.ClientAddr)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) DedupeOptions(ctx context.Context, dryRun bool) ([]Merge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := make([]Option, 0, len(m.options))
	for _, o := range m.options {
		all = append(all, o)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	merges := planMerges(all)
	if dryRun {
		return merges, nil
	}
	for _, mg := range merges {
		for i := range m.choices {
			if m.choices[i].SelectedID != nil && *m.choices[i].SelectedID == mg.From.ID {
				id := mg.Into.ID
				m.choices[i].SelectedID = &id
			}
			if m.choices[i].RejectedID != nil && *m.choices[i].RejectedID == mg.From.ID {
				id := mg.Into.ID
				m.choices[i].RejectedID = &id
			}
		}
		delete(m.options, mg.From.ID)
		survivor := m.options[mg.Into.ID]
		survivor.Text = Normalize(survivor.Text)
		m.options[mg.Into.ID] = survivor
		m.byText[survivor.Text] = survivor.ID
	}
	return merges, nil
}
