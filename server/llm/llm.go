// Package llm is the option-generation capability: given the experiment
// prompt plus the session's selected and rejected history, produce exactly
// two candidate strings. The exploit/explore framing lives in the system
// prompt, not in the engines.
package llm

import (
	"context"
	"fmt"
	"strings"
)

// Generator is the capability contract the step-1 engine depends on.
type Generator interface {
	Generate(ctx context.Context, prompt string, history, rejected []string) (string, string, error)
}

// GenerationError wraps any failure of the underlying model call (network,
// HTTP status, malformed response). The engines surface it unmodified and
// never retry.
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string { return fmt.Sprintf("generation failed: %v", e.Err) }
func (e *GenerationError) Unwrap() error { return e.Err }

func generationErrorf(format string, args ...any) error {
	return &GenerationError{Err: fmt.Errorf(format, args...)}
}

const systemPrompt = `You are a creative assistant that generates options based on given criteria.
When history is provided, use an exploitation/exploration balance:
- Option 1 should EXPLOIT: go deeper in the direction of previously selected options
- Option 2 should EXPLORE: try a different area of the criteria space
Always respond with exactly 2 options, one per line, without numbering or prefixes.`

func buildUserContent(prompt string, history, rejected []string) string {
	var b strings.Builder
	b.WriteString(prompt)
	if len(history) > 0 {
		b.WriteString("\n\nPreviously selected options (use as positive examples): ")
		b.WriteString(strings.Join(history, ", "))
	}
	if len(rejected) > 0 {
		b.WriteString("\n\nDeprioritize these options (user rejected both): ")
		b.WriteString(strings.Join(rejected, ", "))
	}
	b.WriteString("\n\nGenerate exactly 2 options, one per line.")
	return b.String()
}

// parseOptionPair extracts the two candidate lines from a model response.
// Blank lines and common list markers are tolerated even though the system
// prompt asks for none.
func parseOptionPair(text string) (string, string, error) {
	var opts []string
	for _, line := range strings.Split(text, "\n") {
		line = stripListMarker(strings.TrimSpace(line))
		if line == "" {
			continue
		}
		opts = append(opts, line)
		if len(opts) == 2 {
			return opts[0], opts[1], nil
		}
	}
	return "", "", generationErrorf("expected 2 options, got %d in %q", len(opts), truncate(text, 200))
}

func stripListMarker(line string) string {
	for _, marker := range []string{"- ", "* "} {
		if strings.HasPrefix(line, marker) {
			return strings.TrimSpace(line[len(marker):])
		}
	}
	if len(line) > 1 && (line[0] >= '1' && line[0] <= '9') {
		if rest, ok := strings.CutPrefix(line[1:], "."); ok {
			return strings.TrimSpace(rest)
		}
		if rest, ok := strings.CutPrefix(line[1:], ")"); ok {
			return strings.TrimSpace(rest)
		}
	}
	return line
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
