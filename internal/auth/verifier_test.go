package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/widgetsync/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKid = "test-key-1"
const testAudience = "widgetsync-client"

type widgetByToken struct {
	widgets map[string]*domain.Widget
	lookups int
}

func (f *widgetByToken) Get(_ context.Context, _ string) (*domain.Widget, error) {
	return nil, domain.ErrNotFound
}

func (f *widgetByToken) GetByAccessToken(_ context.Context, token string) (*domain.Widget, error) {
	f.lookups++
	if w, ok := f.widgets[token]; ok {
		return w, nil
	}
	return nil, domain.ErrNotFound
}

func (f *widgetByToken) UpdateState(_ context.Context, _ string, _ map[string]any) error {
	return nil
}

func (f *widgetByToken) ListEnabledByType(_ context.Context, _ string) ([]*domain.Widget, error) {
	return nil, nil
}

// jwksServer serves a single-key JWKS document for the given key.
func jwksServer(t *testing.T, pub *rsa.PublicKey) *httptest.Server {
	t.Helper()
	doc := map[string]any{
		"keys": []map[string]any{{
			"kid": testKid,
			"kty": "RSA",
			"use": "sig",
			"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}},
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(doc)
	}))
	t.Cleanup(server.Close)
	return server
}

func signToken(t *testing.T, key *rsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKid
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func setupVerifier(t *testing.T, widgets *widgetByToken) (*Verifier, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	server := jwksServer(t, &key.PublicKey)
	jwks := NewJWKSClient(server.URL, server.Client(), clockwork.NewRealClock())

	if widgets == nil {
		widgets = &widgetByToken{widgets: map[string]*domain.Widget{}}
	}
	return NewVerifier(jwks, testAudience, widgets), key
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":   "user-123",
		"email": "streamer@example.com",
		"aud":   testAudience,
		"exp":   time.Now().Add(time.Hour).Unix(),
	}
}

func TestVerify_FullIdentity(t *testing.T) {
	verifier, key := setupVerifier(t, nil)

	token := signToken(t, key, validClaims())
	authCtx, err := verifier.Verify(context.Background(), token)
	require.NoError(t, err)

	assert.Equal(t, domain.AuthFullAccess, authCtx.AuthType)
	assert.Equal(t, "user-123", authCtx.UserID)
	assert.Equal(t, "streamer@example.com", authCtx.Email)
	assert.Empty(t, authCtx.WidgetID)
}

func TestVerify_BearerPrefixTolerated(t *testing.T) {
	verifier, key := setupVerifier(t, nil)

	token := signToken(t, key, validClaims())
	authCtx, err := verifier.Verify(context.Background(), "Bearer "+token)
	require.NoError(t, err)
	assert.Equal(t, "user-123", authCtx.UserID)
}

func TestVerify_ExpiredToken(t *testing.T) {
	verifier, key := setupVerifier(t, nil)

	claims := validClaims()
	claims["exp"] = time.Now().Add(-time.Hour).Unix()
	_, err := verifier.Verify(context.Background(), signToken(t, key, claims))
	require.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestVerify_WrongAudience(t *testing.T) {
	verifier, key := setupVerifier(t, nil)

	claims := validClaims()
	claims["aud"] = "someone-else"
	_, err := verifier.Verify(context.Background(), signToken(t, key, claims))
	require.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestVerify_BadSignature(t *testing.T) {
	verifier, _ := setupVerifier(t, nil)

	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	_, err = verifier.Verify(context.Background(), signToken(t, otherKey, validClaims()))
	require.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestVerify_WidgetToken(t *testing.T) {
	token := uuid.NewString()
	widgets := &widgetByToken{widgets: map[string]*domain.Widget{
		token: {ID: "widget-1", UserID: "owner-9", Type: "countdown"},
	}}
	verifier, _ := setupVerifier(t, widgets)

	authCtx, err := verifier.Verify(context.Background(), token)
	require.NoError(t, err)

	assert.Equal(t, domain.AuthWidgetAccess, authCtx.AuthType)
	assert.Equal(t, "widget-1", authCtx.WidgetID)
	assert.Equal(t, "owner-9", authCtx.UserID)
}

func TestVerify_ShapeGateSkipsStoreLookup(t *testing.T) {
	widgets := &widgetByToken{widgets: map[string]*domain.Widget{}}
	verifier, _ := setupVerifier(t, widgets)

	_, err := verifier.Verify(context.Background(), "definitely-not-a-uuid")
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.Zero(t, widgets.lookups, "non-UUID tokens must not hit the store")
}

func TestVerify_UnknownWidgetToken(t *testing.T) {
	widgets := &widgetByToken{widgets: map[string]*domain.Widget{}}
	verifier, _ := setupVerifier(t, widgets)

	_, err := verifier.Verify(context.Background(), uuid.NewString())
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.Equal(t, 1, widgets.lookups)
}

func TestVerify_EmptyToken(t *testing.T) {
	verifier, _ := setupVerifier(t, nil)

	_, err := verifier.Verify(context.Background(), "")
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = verifier.Verify(context.Background(), "Bearer ")
	require.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestDecide_ContextMap(t *testing.T) {
	token := uuid.NewString()
	widgets := &widgetByToken{widgets: map[string]*domain.Widget{
		token: {ID: "widget-1", UserID: "owner-9"},
	}}
	verifier, key := setupVerifier(t, widgets)

	decision := verifier.Decide(context.Background(), signToken(t, key, validClaims()))
	require.True(t, decision.Allow)
	assert.Equal(t, "FullAccess", decision.Context["authType"])
	assert.Equal(t, "user-123", decision.Context["userId"])
	assert.Equal(t, "streamer@example.com", decision.Context["email"])

	decision = verifier.Decide(context.Background(), token)
	require.True(t, decision.Allow)
	assert.Equal(t, "WidgetAccess", decision.Context["authType"])
	assert.Equal(t, "widget-1", decision.Context["widgetId"])

	decision = verifier.Decide(context.Background(), "nonsense")
	assert.False(t, decision.Allow)
}
