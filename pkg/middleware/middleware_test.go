package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func okHandler(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFrom(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get("X-Request-Id"))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-Id", "abc")
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "abc", seen)
}

func TestRecover(t *testing.T) {
	h := Recover(zap.NewNop().Sugar())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body["type"], "internal")
}

func TestAccessLog(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	h := AccessLog(zap.New(core).Sugar())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("x"))
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/q", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)

	require.Equal(t, 1, logs.FilterMessage("double WriteHeader").Len())
	access := logs.FilterMessage("http").All()
	require.Len(t, access, 1)
	assert.EqualValues(t, http.StatusTeapot, access[0].ContextMap()["status"])
}

func testKeys(t *testing.T) (jwk.Key, jwk.Set) {
	t.Helper()
	key, err := jwk.FromRaw([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	require.NoError(t, key.Set(jwk.KeyIDKey, "k1"))
	require.NoError(t, key.Set(jwk.AlgorithmKey, jwa.HS256))
	set := jwk.NewSet()
	require.NoError(t, set.AddKey(key))
	return key, set
}

func signed(t *testing.T, key jwk.Key, claims map[string]any) string {
	t.Helper()
	b := jwt.NewBuilder().Issuer("https://idp.example").Subject("admin-1").Expiration(time.Now().Add(time.Hour))
	for k, v := range claims {
		b = b.Claim(k, v)
	}
	tok, err := b.Build()
	require.NoError(t, err)
	raw, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, key))
	require.NoError(t, err)
	return string(raw)
}

func TestJWTAuth_RolesAndScopes(t *testing.T) {
	key, set := testKeys(t)
	auth := JWTAuth(AuthOptions{Prod: true, Issuer: "https://idp.example/", Keys: set})
	h := auth(RequireRole("gateway_admin")(http.HandlerFunc(okHandler)))

	serve := func(bearer string) int {
		req := httptest.NewRequest(http.MethodGet, "/admin/tenants", nil)
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusUnauthorized, serve(""))
	assert.Equal(t, http.StatusForbidden, serve(signed(t, key, map[string]any{"roles": []string{"viewer"}})))
	assert.Equal(t, http.StatusOK, serve(signed(t, key, map[string]any{"roles": []string{"viewer", "gateway_admin"}})))
	assert.Equal(t, http.StatusOK, serve(signed(t, key, map[string]any{"roles": "gateway_admin"})))

	var scopes []string
	var sub string
	probe := auth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scopes, sub = ScopesFrom(r.Context()), ActorSub(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer "+signed(t, key, map[string]any{"scope": "a b"}))
	probe.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, []string{"a", "b"}, scopes)
	assert.Equal(t, "admin-1", sub)
	assert.True(t, HasAnyScope(WithScopes(req.Context(), scopes), []string{"z", "b"}))
}

func TestJWTAuth_DevPassthroughAndBypass(t *testing.T) {
	h := JWTAuth(AuthOptions{})(RequireScope("gateway:query")(http.HandlerFunc(okHandler)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/tenants/a/query", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	prod := JWTAuth(AuthOptions{Prod: true})(http.HandlerFunc(okHandler))
	rec = httptest.NewRecorder()
	prod.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/x", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = httptest.NewRecorder()
	prod.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
