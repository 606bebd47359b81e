// Package services – MessageService
//
// This file implements MessageService, which runs one conversational
// exchange: it records the user's turn, builds the bounded prompt window,
// calls the upstream with the user's leased credential and records the
// model's reply.
//
// Upstream failures are handled here so that callers only ever see a reply,
// keypool.ErrCapacityExhausted or ErrUpstreamFailed:
//   - transient failures are retried on the same credential with backoff;
//   - a revoked credential, or one whose transient failures outlast the
//     retries, is reported to the allocator and the call is retried on the
//     replacement, up to MaxReassignments times.
//
// Observability: all public methods are OpenTelemetry-instrumented; spans
// include the user identifier, lease status and attempt counts.
package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"golang.org/x/text/unicode/norm"

	"github.com/tbourn/go-keypool-backend/internal/domain"
	"github.com/tbourn/go-keypool-backend/internal/keypool"
	"github.com/tbourn/go-keypool-backend/internal/repo"
	"github.com/tbourn/go-keypool-backend/internal/upstream"
	"github.com/tbourn/go-keypool-backend/internal/utils"
	"github.com/tbourn/go-keypool-backend/internal/window"
)

// Reply is the result of Send.
type Reply struct {
	Turn          domain.Turn `json:"turn"`
	Model         string      `json:"model" example:"flash"`
	CredentialID  string      `json:"credential_id"`
	Attempts      int         `json:"attempts"`
	Reassignments int         `json:"reassignments"`
}

// MessageService coordinates the allocator, the window manager and the
// upstream generator for one user message at a time.
type MessageService struct {
	DB        *gorm.DB
	Keys      *keypool.Allocator
	Windows   *window.Manager
	Generator upstream.Generator
	Catalog   *upstream.Catalog

	SystemPrompt string

	// Optional guards
	MaxPromptRunes int

	// Upstream failure handling
	Retries          int
	Backoff          time.Duration
	MaxReassignments int

	// IdempotencyTTL bounds how long a replayable reply is kept.
	IdempotencyTTL time.Duration
}

func (s *MessageService) tracer() trace.Tracer { return otel.Tracer("services/MessageService") }

// nlCollapseRE collapses runs of 3+ newlines to two, preserving paragraphs.
var nlCollapseRE = regexp.MustCompile(`\n{3,}`)

// SanitizeContent normalizes user text: NFC, LF line endings, at most one
// blank line between paragraphs, surrounding whitespace trimmed.
func SanitizeContent(raw string) string {
	s := norm.NFC.String(raw)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = nlCollapseRE.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// Send appends the user's text, asks the upstream for a reply and appends
// the reply. The user's turn stays in the window even when no reply could be
// produced.
func (s *MessageService) Send(ctx context.Context, userID, text string) (*Reply, error) {
	ctx, span := s.tracer().Start(ctx, "Send", trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	userID, err := validUser(userID)
	if err != nil {
		return nil, err
	}
	text = SanitizeContent(text)
	if text == "" {
		return nil, ErrEmptyPrompt
	}
	if s.MaxPromptRunes > 0 && utf8.RuneCountInString(text) > s.MaxPromptRunes {
		return nil, ErrTooLong
	}

	lease, err := s.Keys.Assign(ctx, userID)
	observeLease(lease, err)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	model, err := modelFor(ctx, s.DB, s.Catalog, userID)
	if err != nil {
		return nil, err
	}

	if _, err := s.Windows.AppendTurn(ctx, userID, domain.RoleUser, text); err != nil {
		return nil, err
	}
	prompt, err := s.Windows.BuildPrompt(ctx, userID)
	if err != nil {
		return nil, err
	}

	out, attempts, reassigned, lease, err := s.generate(ctx, userID, lease, model, prompt)
	span.SetAttributes(
		attribute.Int("upstream.attempts", attempts),
		attribute.Int("upstream.reassignments", reassigned),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	turn, err := s.Windows.AppendTurn(ctx, userID, domain.RoleModel, out)
	if err != nil {
		return nil, err
	}
	return &Reply{
		Turn:          turn,
		Model:         model.ID,
		CredentialID:  lease.Credential.ID,
		Attempts:      attempts,
		Reassignments: reassigned,
	}, nil
}

// generate calls the upstream, moving the user to a fresh credential each
// time the current one is revoked or keeps failing.
func (s *MessageService) generate(ctx context.Context, userID string, lease keypool.Lease, model upstream.Model, prompt []domain.Turn) (out string, attempts, reassigned int, _ keypool.Lease, err error) {
	lg := zerolog.Ctx(ctx)
	for {
		err = upstream.Retry(ctx, s.Retries, s.Backoff, func(ctx context.Context) error {
			attempts++
			start := time.Now()
			var gerr error
			out, gerr = s.Generator.Generate(ctx, upstream.Request{
				APIKey:       lease.Credential.APIKey,
				Model:        model.Name,
				SystemPrompt: s.SystemPrompt,
				Turns:        prompt,
			})
			if gerr != nil {
				upstreamErrors.WithLabelValues(errorClass(gerr)).Inc()
				return gerr
			}
			upstreamLatency.Observe(time.Since(start).Seconds())
			return nil
		})
		if err == nil {
			return out, attempts, reassigned, lease, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", attempts, reassigned, lease, ctxErr
		}
		// A revoked key, or one still failing after in-place retries, is
		// reported; anything else is the request's fault.
		if !errors.Is(err, upstream.ErrCredentialRevoked) && !errors.Is(err, upstream.ErrTransient) {
			return "", attempts, reassigned, lease, fmt.Errorf("%w: %w", ErrUpstreamFailed, err)
		}

		lg.Warn().
			Err(err).
			Str("user_id", userID).
			Str("credential_id", lease.Credential.ID).
			Str("class", errorClass(err)).
			Msg("reporting failed credential")
		revocationsTotal.Inc()

		next, rerr := s.Keys.ReportFailure(ctx, userID, lease.Credential.ID, err)
		observeLease(next, rerr)
		if rerr != nil {
			return "", attempts, reassigned, lease, rerr
		}
		if reassigned >= s.MaxReassignments {
			return "", attempts, reassigned, next, fmt.Errorf("%w: %w", ErrUpstreamFailed, err)
		}
		reassigned++
		lease = next
	}
}

// errorClass maps an upstream error to a metrics label.
func errorClass(err error) string {
	switch {
	case errors.Is(err, upstream.ErrCredentialRevoked):
		return "revoked"
	case errors.Is(err, upstream.ErrTransient):
		return "transient"
	case errors.Is(err, upstream.ErrEmptyReply):
		return "empty"
	case errors.Is(err, upstream.ErrRejected):
		return "rejected"
	default:
		return "canceled"
	}
}

// History returns a page of the active chat's transcript (oldest first) and
// its total. Compressed turns are included; summaries are not.
func (s *MessageService) History(ctx context.Context, userID string, page, pageSize int) ([]domain.Turn, int64, error) {
	ctx, span := s.tracer().Start(ctx, "History",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}

	chat, err := repo.ActiveChat(ctx, s.DB, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return []domain.Turn{}, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	total, err := repo.CountTranscript(ctx, s.DB, chat.ID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Turn{}, 0, nil
	}
	items, err := repo.ListTranscriptPage(ctx, s.DB, chat.ID, utils.Offset(page, pageSize), pageSize)
	return items, total, err
}

// HistoryTag returns a weak ETag for the active chat's transcript, or "" if
// the user has no chat.
func (s *MessageService) HistoryTag(ctx context.Context, userID string) (string, error) {
	chat, err := repo.ActiveChat(ctx, s.DB, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	count, newest, err := repo.TranscriptStats(ctx, s.DB, chat.ID)
	if err != nil {
		return "", err
	}
	var ts int64
	if newest != nil {
		ts = newest.UnixNano()
	}
	return fmt.Sprintf(`W/"history:%s:%d:%d"`, chat.ID, count, ts), nil
}

// Replay returns the reply recorded under an idempotency key, or nil when
// the key is unknown or expired.
func (s *MessageService) Replay(ctx context.Context, userID, key string) (*domain.Turn, error) {
	rec, err := repo.GetIdempotency(ctx, s.DB, userID, key, time.Now().UTC())
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t, err := repo.GetTurn(ctx, s.DB, rec.TurnID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrTurnNotFound
	}
	return t, err
}

// Remember records a reply under an idempotency key. A concurrent request
// that already recorded the key wins.
func (s *MessageService) Remember(ctx context.Context, userID, key, turnID string, status int) error {
	ttl := s.IdempotencyTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	_, err := repo.CreateIdempotency(ctx, s.DB, userID, key, turnID, status, ttl)
	if errors.Is(err, repo.ErrDuplicate) {
		return nil
	}
	return err
}
