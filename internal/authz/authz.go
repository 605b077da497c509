// Package authz authenticates bearer tokens on incoming requests and
// enforces capability requirements per route.
package authz

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aims-io/aims/internal/token"
	"github.com/aims-io/aims/pkg/types"
)

// Gate errors
var (
	ErrMissingToken = errors.New("not authenticated")
	ErrInvalidToken = errors.New("invalid or expired token")
)

// Actor is the authenticated identity attached to a request.
type Actor struct {
	AgentID string
	Scopes  []string
}

// HasCapability reports whether the actor's scope snapshot satisfies the
// required capability. The admin wildcard satisfies everything.
func (a *Actor) HasCapability(required string) bool {
	for _, scope := range a.Scopes {
		if scope == required || scope == types.CapabilityAdminWildcard {
			return true
		}
	}
	return false
}

type contextKey struct{}

// ActorFromContext returns the authenticated actor, if any.
func ActorFromContext(ctx context.Context) (*Actor, bool) {
	actor, ok := ctx.Value(contextKey{}).(*Actor)
	return actor, ok
}

// WithActor attaches an actor to a context. Exposed for handler tests.
func WithActor(ctx context.Context, actor *Actor) context.Context {
	return context.WithValue(ctx, contextKey{}, actor)
}

// Gate verifies bearer tokens and populates the request context.
type Gate struct {
	codec *token.Codec
}

// NewGate creates a gate around the given token codec.
func NewGate(codec *token.Codec) *Gate {
	return &Gate{codec: codec}
}

// Authenticate extracts and verifies the Authorization header, returning the
// actor it identifies.
func (g *Gate) Authenticate(r *http.Request) (*Actor, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, ErrMissingToken
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return nil, ErrInvalidToken
	}

	claims, err := g.codec.Verify(parts[1])
	if err != nil {
		return nil, ErrInvalidToken
	}

	return &Actor{AgentID: claims.Subject, Scopes: claims.Scopes}, nil
}

// CapabilityError reports a missing capability. The message is surfaced
// verbatim in the 403 response body.
type CapabilityError struct {
	Required string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("Missing required capability: %s", e.Required)
}

// Require returns the actor if the request is authenticated and holds the
// required capability.
func (g *Gate) Require(r *http.Request, capability string) (*Actor, error) {
	actor, ok := ActorFromContext(r.Context())
	if !ok {
		var err error
		actor, err = g.Authenticate(r)
		if err != nil {
			return nil, err
		}
	}
	if !actor.HasCapability(capability) {
		return nil, &CapabilityError{Required: capability}
	}
	return actor, nil
}

// Middleware authenticates every request it wraps and stores the actor in
// the request context. Unauthenticated requests are rejected before the
// handler runs.
func (g *Gate) Middleware(reject func(w http.ResponseWriter, r *http.Request, err error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, err := g.Authenticate(r)
			if err != nil {
				reject(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}
