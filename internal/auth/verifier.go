// Package auth verifies inbound bearer tokens at connect time. Two
// strategies are tried in order: a signed full-identity credential checked
// against the identity provider's published keys, then a widget-scoped
// access token resolved through the widget store. Neither succeeding is a
// hard deny.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pscheid92/widgetsync/internal/domain"
	"github.com/pscheid92/widgetsync/internal/metrics"
)

type Verifier struct {
	jwks     *JWKSClient
	audience string
	widgets  domain.WidgetRepository
}

func NewVerifier(jwks *JWKSClient, audience string, widgets domain.WidgetRepository) *Verifier {
	return &Verifier{jwks: jwks, audience: audience, widgets: widgets}
}

// Verify checks a bearer token, tolerating an optional "Bearer " prefix.
// Returns the identity descriptor or domain.ErrUnauthorized. The two
// strategies are mutually exclusive: the UUID shape gate keeps a JWT from
// ever reaching the widget-token store lookup.
func (v *Verifier) Verify(ctx context.Context, token string) (*domain.AuthContext, error) {
	token = strings.TrimPrefix(token, "Bearer ")
	if token == "" {
		return nil, domain.ErrUnauthorized
	}

	if authCtx, err := v.verifyFullIdentity(ctx, token); err == nil {
		metrics.AuthDecisionsTotal.WithLabelValues(string(domain.AuthFullAccess), "allow").Inc()
		return authCtx, nil
	} else {
		// Non-fatal: the token may still be a widget token.
		slog.Debug("Not a full-identity token", "error", err)
	}

	if authCtx, err := v.verifyWidgetToken(ctx, token); err == nil {
		metrics.AuthDecisionsTotal.WithLabelValues(string(domain.AuthWidgetAccess), "allow").Inc()
		return authCtx, nil
	} else if !errors.Is(err, errNotWidgetToken) {
		slog.Warn("Widget token verification failed", "error", err)
	}

	metrics.AuthDecisionsTotal.WithLabelValues("none", "deny").Inc()
	return nil, domain.ErrUnauthorized
}

// Decide wraps Verify into the allow/deny policy shape the transport
// layer's connect hook consumes, with the identity flattened into an
// opaque context map for later retrieval.
func (v *Verifier) Decide(ctx context.Context, token string) domain.Decision {
	authCtx, err := v.Verify(ctx, token)
	if err != nil {
		return domain.Decision{Allow: false}
	}

	decisionCtx := map[string]string{
		"authType": string(authCtx.AuthType),
		"userId":   authCtx.UserID,
	}
	if authCtx.Email != "" {
		decisionCtx["email"] = authCtx.Email
	}
	if authCtx.WidgetID != "" {
		decisionCtx["widgetId"] = authCtx.WidgetID
	}
	return domain.Decision{Allow: true, Context: decisionCtx}
}

func (v *Verifier) verifyFullIdentity(ctx context.Context, tokenStr string) (*domain.AuthContext, error) {
	keyfunc := func(t *jwt.Token) (any, error) {
		kid, ok := t.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("token header has no kid")
		}
		return v.jwks.SigningKey(ctx, kid)
	}

	token, err := jwt.Parse(tokenStr, keyfunc,
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("unexpected claims type %T", token.Claims)
	}

	userID, _ := claims["sub"].(string)
	if userID == "" {
		return nil, fmt.Errorf("token has no subject")
	}
	email, _ := claims["email"].(string)

	return &domain.AuthContext{
		AuthType: domain.AuthFullAccess,
		UserID:   userID,
		Email:    email,
	}, nil
}

// errNotWidgetToken marks tokens that fail the shape gate, so the store is
// never consulted for them.
var errNotWidgetToken = errors.New("not a widget token")

func (v *Verifier) verifyWidgetToken(ctx context.Context, token string) (*domain.AuthContext, error) {
	if _, err := uuid.Parse(token); err != nil {
		return nil, errNotWidgetToken
	}

	widget, err := v.widgets.GetByAccessToken(ctx, token)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("widget token not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up widget token: %w", err)
	}

	return &domain.AuthContext{
		AuthType: domain.AuthWidgetAccess,
		UserID:   widget.UserID,
		WidgetID: widget.ID,
	}, nil
}
