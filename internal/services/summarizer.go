// Package services – UpstreamSummarizer
//
// UpstreamSummarizer is a window.Summarizer that asks the upstream model to
// condense the turns being compressed, using the user's own credential and
// selected model. Transient failures are retried in place; anything left
// over falls back to the local digest so compression never blocks a
// conversation.
package services

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/go-keypool-backend/internal/domain"
	"github.com/tbourn/go-keypool-backend/internal/keypool"
	"github.com/tbourn/go-keypool-backend/internal/upstream"
	"github.com/tbourn/go-keypool-backend/internal/window"
)

const summaryInstruction = "Summarize the conversation so far in a few sentences. " +
	"Keep names, numbers, decisions and open questions. Reply with the summary only."

// UpstreamSummarizer implements window.Summarizer.
type UpstreamSummarizer struct {
	DB        *gorm.DB // profiles, for the user's model
	Keys      *keypool.Allocator
	Generator upstream.Generator
	Catalog   *upstream.Catalog
	Retries   int
	Backoff   time.Duration
	Fallback  window.Summarizer
}

// Summarize implements window.Summarizer.
func (s *UpstreamSummarizer) Summarize(ctx context.Context, userID string, turns []domain.Turn) (string, error) {
	out, err := s.summarize(ctx, userID, turns)
	if err == nil {
		summariesTotal.WithLabelValues("upstream").Inc()
		return "Summary of earlier conversation:\n" + out, nil
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	zerolog.Ctx(ctx).Warn().Err(err).Str("user_id", userID).Msg("upstream summary failed, using digest")
	summariesTotal.WithLabelValues("fallback").Inc()
	fb := s.Fallback
	if fb == nil {
		fb = window.Digest{}
	}
	return fb.Summarize(ctx, userID, turns)
}

func (s *UpstreamSummarizer) summarize(ctx context.Context, userID string, turns []domain.Turn) (string, error) {
	lease, err := s.Keys.Assign(ctx, userID)
	if err != nil {
		return "", err
	}
	model, err := modelFor(ctx, s.DB, s.Catalog, userID)
	if err != nil {
		return "", err
	}
	prompt := make([]domain.Turn, 0, len(turns)+1)
	prompt = append(prompt, turns...)
	prompt = append(prompt, domain.Turn{Role: domain.RoleUser, Content: summaryInstruction})

	var out string
	err = upstream.Retry(ctx, s.Retries, s.Backoff, func(ctx context.Context) error {
		var gerr error
		out, gerr = s.Generator.Generate(ctx, upstream.Request{
			APIKey: lease.Credential.APIKey,
			Model:  model.Name,
			Turns:  prompt,
		})
		if gerr != nil {
			upstreamErrors.WithLabelValues(errorClass(gerr)).Inc()
		}
		return gerr
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}
