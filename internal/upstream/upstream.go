// Package upstream talks to the text-generation backend on behalf of a user,
// authenticating with whichever pool credential the user currently holds.
//
// Providers classify every failure into one of three kinds so the caller can
// react without inspecting provider-specific payloads:
//
//   - ErrCredentialRevoked: the key is exhausted or rejected; report it to the
//     allocator and retry with the replacement.
//   - ErrTransient: network trouble, timeouts, 5xx; retry the same key.
//   - ErrRejected: the request itself was refused; do not retry.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/tbourn/go-keypool-backend/internal/domain"
)

var (
	ErrCredentialRevoked = errors.New("upstream credential revoked")
	ErrTransient         = errors.New("upstream temporarily unavailable")
	ErrRejected          = errors.New("upstream rejected request")
	ErrEmptyReply        = errors.New("upstream returned no content")
)

// Request is one generation call.
type Request struct {
	APIKey       string
	Model        string // upstream model name, already resolved through the Catalog
	SystemPrompt string
	Turns        []domain.Turn
}

// Generator produces the model's next turn for a prompt window.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Error carries the provider's view of a failed call. Kind is one of the
// package sentinels and is what errors.Is matches against.
type Error struct {
	Provider string
	Status   int
	Reason   string
	Message  string
	Kind     error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %v", e.Provider, e.Kind)
	if e.Status > 0 {
		fmt.Fprintf(&b, " (status %d", e.Status)
		if e.Reason != "" {
			fmt.Fprintf(&b, ", %s", e.Reason)
		}
		b.WriteString(")")
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Kind }

// revokingReasons are provider status/reason codes that mean the key itself
// is unusable, whatever the HTTP status says.
var revokingReasons = []string{
	"RESOURCE_EXHAUSTED",
	"API_KEY_INVALID",
	"PERMISSION_DENIED",
	"UNAUTHENTICATED",
	"insufficient_quota",
	"invalid_api_key",
}

// Classify maps an HTTP status and any provider reason codes to an error kind.
func Classify(status int, reasons ...string) error {
	for _, r := range reasons {
		for _, rr := range revokingReasons {
			if r != "" && strings.EqualFold(r, rr) {
				return ErrCredentialRevoked
			}
		}
	}
	switch {
	case status == 401, status == 403, status == 429:
		return ErrCredentialRevoked
	case status == 408, status >= 500:
		return ErrTransient
	default:
		return ErrRejected
	}
}

// transportError classifies a failure that happened before any response.
// Cancellation by the caller is passed through untouched.
func transportError(ctx context.Context, provider string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return &Error{Provider: provider, Message: err.Error(), Kind: ErrTransient}
}

// Retry runs fn up to attempts times, retrying only ErrTransient failures
// with exponential backoff and jitter starting at wait. The last error is
// returned; any other error stops the loop at once.
func Retry(ctx context.Context, attempts int, wait time.Duration, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = wait
	b.RandomizationFactor = 0.25
	b.Multiplier = 2
	b.MaxInterval = wait << attempts

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := fn(ctx)
		if err != nil && !errors.Is(err, ErrTransient) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(attempts)))
	return err
}
