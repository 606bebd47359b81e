package window

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/tbourn/go-keypool-backend/internal/domain"
)

// Digest is a deterministic Summarizer: one clipped line per turn, newest
// lines kept when the total would exceed MaxRunes. A previous summary is
// carried forward as its own line.
type Digest struct {
	PerTurnRunes int // default 200
	MaxRunes     int // default 4000
}

// Summarize never fails.
func (d Digest) Summarize(_ context.Context, _ string, turns []domain.Turn) (string, error) {
	per, total := d.PerTurnRunes, d.MaxRunes
	if per <= 0 {
		per = 200
	}
	if total <= 0 {
		total = 4000
	}

	header := fmt.Sprintf("Summary of %d earlier turns:", len(turns))
	budget := total - utf8.RuneCountInString(header)

	// Walk newest to oldest so the most recent context survives the budget.
	lines := make([]string, 0, len(turns))
	for i := len(turns) - 1; i >= 0; i-- {
		t := turns[i]
		label := t.Role
		if t.Summary {
			label = "earlier"
		}
		line := "- " + label + ": " + clip(oneLine(t.Content), per)
		n := utf8.RuneCountInString(line) + 1
		if n > budget {
			break
		}
		budget -= n
		lines = append(lines, line)
	}

	var b strings.Builder
	b.WriteString(header)
	for i := len(lines) - 1; i >= 0; i-- {
		b.WriteByte('\n')
		b.WriteString(lines[i])
	}
	return b.String(), nil
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func clip(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max-1]) + "…"
}
