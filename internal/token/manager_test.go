package token

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"querygate/internal/vault"
	"querygate/pkg/problems"
	"querygate/pkg/tenants"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock { return &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// tokenServer answers token requests with handle and records the forms it saw.
type tokenServer struct {
	*httptest.Server
	mu     sync.Mutex
	forms  []url.Values
	calls  atomic.Int32
	handle func(w http.ResponseWriter, form url.Values)
}

func newTokenServer(t *testing.T, handle func(w http.ResponseWriter, form url.Values)) *tokenServer {
	ts := &tokenServer{handle: handle}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		ts.calls.Add(1)
		ts.mu.Lock()
		ts.forms = append(ts.forms, r.PostForm)
		ts.mu.Unlock()
		ts.handle(w, r.PostForm)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *tokenServer) lastForm() url.Values {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.forms[len(ts.forms)-1]
}

func writeToken(w http.ResponseWriter, access string, expiresIn int, refresh string) {
	w.Header().Set("Content-Type", "application/json")
	body := map[string]any{"access_token": access, "token_type": "bearer"}
	if expiresIn > 0 {
		body["expires_in"] = expiresIn
	}
	if refresh != "" {
		body["refresh_token"] = refresh
	}
	_ = json.NewEncoder(w).Encode(body)
}

type fixture struct {
	mgr   *Manager
	store *MemoryStore
	creds *tenants.MemoryStore
	clock *fakeClock
	reg   *prometheus.Registry
}

func newFixture(t *testing.T, srv *tokenServer, withServiceAccount bool) *fixture {
	t.Helper()
	v, err := vault.NewWithKey(make([]byte, 32))
	require.NoError(t, err)
	seal := func(s string) string {
		out, err := v.Encrypt(s)
		require.NoError(t, err)
		return out
	}
	creds := tenants.NewMemoryStore(nil)
	cred := tenants.Credential{
		Tenant:       "acme",
		ClientID:     "cid",
		ClientSecret: seal("csecret"),
		PortalURL:    srv.URL + "/ACME_TST/as/",
		TokenURL:     "token.oauth2",
		RevokeURL:    srv.URL + "/revoke",
		Scope:        "openid",
	}
	if withServiceAccount {
		cred.ServiceAccessKey = seal("sa-access")
		cred.ServiceSecretKey = seal("sa-secret")
	}
	require.NoError(t, creds.Put(context.Background(), cred))

	clock := newClock()
	reg := prometheus.NewRegistry()
	store := NewMemoryStore(time.Hour)
	mgr := NewManager(creds, v, store, srv.Client(), Options{
		SafetyMargin: 60 * time.Second,
		DefaultTTL:   5 * time.Minute,
		HTTPTimeout:  2 * time.Second,
		Now:          clock.Now,
		Metrics:      NewMetrics(reg),
	}, zap.NewNop().Sugar())
	return &fixture{mgr: mgr, store: store, creds: creds, clock: clock, reg: reg}
}

func TestGetValidToken_SingleFlightPerTenant(t *testing.T) {
	srv := newTokenServer(t, func(w http.ResponseWriter, _ url.Values) {
		time.Sleep(100 * time.Millisecond)
		writeToken(w, "tok-1", 3600, "")
	})
	f := newFixture(t, srv, false)

	const n = 25
	var wg sync.WaitGroup
	results := make([]CachedToken, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.mgr.GetValidToken(context.Background(), "acme")
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), srv.calls.Load())
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "tok-1", results[i].AccessToken)
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(f.mgr.opts.Metrics.grants.WithLabelValues("client_credentials", "ok")))
}

func TestGetValidToken_ClientCredentialsForm(t *testing.T) {
	srv := newTokenServer(t, func(w http.ResponseWriter, _ url.Values) { writeToken(w, "tok", 3600, "") })
	f := newFixture(t, srv, false)

	tok, err := f.mgr.GetValidToken(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", tok.Authorization())
	assert.Equal(t, GrantClientCredentials, tok.Grant)
	assert.Equal(t, f.clock.Now().Add(time.Hour), tok.ExpiresAt)

	form := srv.lastForm()
	assert.Equal(t, "client_credentials", form.Get("grant_type"))
	assert.Equal(t, "cid", form.Get("client_id"))
	assert.Equal(t, "csecret", form.Get("client_secret"))
	assert.Equal(t, "openid", form.Get("scope"))
	assert.Empty(t, form.Get("username"))
}

func TestGetValidToken_PasswordGrantWithServiceAccount(t *testing.T) {
	srv := newTokenServer(t, func(w http.ResponseWriter, _ url.Values) { writeToken(w, "tok", 3600, "r1") })
	f := newFixture(t, srv, true)

	tok, err := f.mgr.GetValidToken(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, GrantPassword, tok.Grant)
	assert.Equal(t, "r1", tok.RefreshToken)

	form := srv.lastForm()
	assert.Equal(t, "password", form.Get("grant_type"))
	assert.Equal(t, "sa-access", form.Get("username"))
	assert.Equal(t, "sa-secret", form.Get("password"))
}

func TestGetValidToken_ReusesFreshToken(t *testing.T) {
	srv := newTokenServer(t, func(w http.ResponseWriter, _ url.Values) { writeToken(w, "tok", 3600, "") })
	f := newFixture(t, srv, false)

	for i := 0; i < 3; i++ {
		_, err := f.mgr.GetValidToken(context.Background(), "acme")
		require.NoError(t, err)
		f.clock.Advance(10 * time.Minute)
	}
	assert.Equal(t, int32(1), srv.calls.Load())
}

func TestGetValidToken_RefreshesInsideSafetyMargin(t *testing.T) {
	srv := newTokenServer(t, func(w http.ResponseWriter, form url.Values) {
		if form.Get("grant_type") == "refresh_token" {
			writeToken(w, "refreshed", 3600, "")
			return
		}
		writeToken(w, "first", 3600, "r1")
	})
	f := newFixture(t, srv, true)

	first, err := f.mgr.GetValidToken(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, "first", first.AccessToken)

	// 30s before literal expiry, inside the 60s margin
	f.clock.Advance(time.Hour - 30*time.Second)
	got, err := f.mgr.GetValidToken(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, "refreshed", got.AccessToken)
	assert.Equal(t, GrantRefresh, got.Grant)
	assert.Equal(t, "r1", got.RefreshToken, "refresh token carried over")

	form := srv.lastForm()
	assert.Equal(t, "refresh_token", form.Get("grant_type"))
	assert.Equal(t, "r1", form.Get("refresh_token"))

	cached, ok, err := f.store.Get(context.Background(), "acme")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "refreshed", cached.AccessToken)
}

func TestGetValidToken_RefreshFailureFallsBackToFullGrant(t *testing.T) {
	srv := newTokenServer(t, func(w http.ResponseWriter, form url.Values) {
		if form.Get("grant_type") == "refresh_token" {
			http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
			return
		}
		writeToken(w, "full", 3600, "r2")
	})
	f := newFixture(t, srv, true)
	require.NoError(t, f.store.Set(context.Background(), CachedToken{
		TenantID: "acme", AccessToken: "old", RefreshToken: "stale", ExpiresAt: f.clock.Now().Add(-time.Minute),
	}))

	got, err := f.mgr.GetValidToken(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, "full", got.AccessToken)
	assert.Equal(t, GrantPassword, got.Grant)
	assert.Equal(t, int32(2), srv.calls.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.mgr.opts.Metrics.grants.WithLabelValues("refresh_token", "error")))
}

func TestGetValidToken_AuthenticationError(t *testing.T) {
	srv := newTokenServer(t, func(w http.ResponseWriter, _ url.Values) {
		http.Error(w, `{"error":"invalid_client"}`, http.StatusUnauthorized)
	})
	f := newFixture(t, srv, false)
	require.NoError(t, f.store.Set(context.Background(), CachedToken{
		TenantID: "acme", AccessToken: "expired", ExpiresAt: f.clock.Now().Add(-time.Minute),
	}))

	_, err := f.mgr.GetValidToken(context.Background(), "acme")
	require.Error(t, err)
	assert.True(t, problems.IsKind(err, problems.KindAuthentication))
	var pe *problems.Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http.StatusUnauthorized, pe.Status)
	assert.Contains(t, pe.Body, "invalid_client")

	_, ok, _ := f.store.Get(context.Background(), "acme")
	assert.False(t, ok, "slot is cleared after rejected credentials")
}

func TestGetValidToken_MissingAccessToken(t *testing.T) {
	srv := newTokenServer(t, func(w http.ResponseWriter, _ url.Values) {
		_, _ = w.Write([]byte(`{"token_type":"bearer"}`))
	})
	f := newFixture(t, srv, false)
	_, err := f.mgr.GetValidToken(context.Background(), "acme")
	assert.True(t, problems.IsKind(err, problems.KindAuthentication))
}

func TestGetValidToken_UnknownTenant(t *testing.T) {
	srv := newTokenServer(t, func(w http.ResponseWriter, _ url.Values) { writeToken(w, "tok", 3600, "") })
	f := newFixture(t, srv, false)

	_, err := f.mgr.GetValidToken(context.Background(), "ghost")
	assert.True(t, problems.IsKind(err, problems.KindCredentialNotFound))
	assert.Equal(t, int32(0), srv.calls.Load())
}

func TestGetValidToken_DeadlineKeepsOldToken(t *testing.T) {
	release := make(chan struct{})
	srv := newTokenServer(t, func(w http.ResponseWriter, _ url.Values) {
		<-release
		http.Error(w, "late", http.StatusServiceUnavailable)
	})
	defer close(release)
	f := newFixture(t, srv, true)
	old := CachedToken{TenantID: "acme", AccessToken: "old", RefreshToken: "r", ExpiresAt: f.clock.Now().Add(30 * time.Second)}
	require.NoError(t, f.store.Set(context.Background(), old))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := f.mgr.GetValidToken(ctx, "acme")
	require.Error(t, err)
	assert.True(t, problems.IsKind(err, problems.KindTimeout))

	cached, ok, err := f.store.Get(context.Background(), "acme")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "old", cached.AccessToken)
}

func TestExpiry_FallsBackToJWTExpThenDefault(t *testing.T) {
	f := newFixture(t, newTokenServer(t, func(http.ResponseWriter, url.Values) {}), false)

	exp := f.clock.Now().Add(42 * time.Minute).Truncate(time.Second)
	tok := jwt.New()
	require.NoError(t, tok.Set(jwt.ExpirationKey, exp))
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, []byte("test-key")))
	require.NoError(t, err)

	assert.True(t, exp.Equal(f.mgr.expiry(tokenResponse{AccessToken: string(signed)})))
	assert.Equal(t, f.clock.Now().Add(5*time.Minute), f.mgr.expiry(tokenResponse{AccessToken: "opaque"}))
	assert.Equal(t, f.clock.Now().Add(90*time.Second), f.mgr.expiry(tokenResponse{AccessToken: "opaque", ExpiresIn: "90"}))
}

func TestForceFullGrant(t *testing.T) {
	var n atomic.Int32
	srv := newTokenServer(t, func(w http.ResponseWriter, _ url.Values) {
		if n.Add(1) == 1 {
			writeToken(w, "first", 3600, "")
			return
		}
		writeToken(w, "second", 3600, "")
	})
	f := newFixture(t, srv, false)

	first, err := f.mgr.GetValidToken(context.Background(), "acme")
	require.NoError(t, err)

	second, err := f.mgr.ForceFullGrant(context.Background(), "acme", first.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "second", second.AccessToken)

	// a stale rejection does not trigger another grant
	again, err := f.mgr.ForceFullGrant(context.Background(), "acme", first.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "second", again.AccessToken)
	assert.Equal(t, int32(2), srv.calls.Load())
}

func TestRevokeAndHasSession(t *testing.T) {
	srv := newTokenServer(t, func(w http.ResponseWriter, form url.Values) {
		if form.Get("token_type_hint") != "" {
			w.WriteHeader(http.StatusOK)
			return
		}
		writeToken(w, "tok", 3600, "r1")
	})
	f := newFixture(t, srv, true)
	ctx := context.Background()

	assert.False(t, f.mgr.HasSession(ctx, "acme"))
	_, err := f.mgr.GetValidToken(ctx, "acme")
	require.NoError(t, err)
	assert.True(t, f.mgr.HasSession(ctx, "acme"))

	require.NoError(t, f.mgr.Revoke(ctx, "acme"))
	form := srv.lastForm()
	assert.Equal(t, "r1", form.Get("token"))
	assert.Equal(t, "refresh_token", form.Get("token_type_hint"))
	assert.False(t, f.mgr.HasSession(ctx, "acme"))

	// nothing cached: no call
	calls := srv.calls.Load()
	require.NoError(t, f.mgr.Revoke(ctx, "acme"))
	assert.Equal(t, calls, srv.calls.Load())
}

func TestResolveEndpoint(t *testing.T) {
	assert.Equal(t, "https://sso.example.com/T/as/token.oauth2", resolveEndpoint("https://sso.example.com/T/as/", "/token.oauth2"))
	assert.Equal(t, "https://other/token", resolveEndpoint("https://sso.example.com", "https://other/token"))
}

func TestCachedToken_Fresh(t *testing.T) {
	now := time.Now()
	tok := CachedToken{AccessToken: "x", ExpiresAt: now.Add(time.Minute)}
	assert.True(t, tok.Fresh(now, 59*time.Second))
	assert.False(t, tok.Fresh(now, time.Minute), "now + margin == expiry counts as expired")
	assert.False(t, CachedToken{ExpiresAt: now.Add(time.Hour)}.Fresh(now, 0))
	assert.Equal(t, tok.ExpiresAt.UnixMilli(), tok.ExpiresAtEpochMs())
}
