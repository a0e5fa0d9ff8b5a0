// Package token acquires, caches and refreshes per-tenant OAuth2 bearer tokens.
//
// Acquisition for one tenant is coalesced through a singleflight group so N
// concurrent callers without a usable token cause a single grant call, while
// different tenants proceed in parallel.
package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwt"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"querygate/pkg/problems"
	"querygate/pkg/tenants"
)

// Credentials resolves the stored credential of a tenant.
type Credentials interface {
	Get(ctx context.Context, tenant string) (tenants.Credential, error)
}

// Opener decrypts vault-sealed secrets.
type Opener interface {
	Decrypt(token string) (string, error)
}

type Options struct {
	SafetyMargin time.Duration // treat tokens as expired this long before expiry
	DefaultTTL   time.Duration // used when neither expires_in nor a JWT exp is available
	HTTPTimeout  time.Duration // bounds one shared acquisition
	Now          func() time.Time
	Metrics      *Metrics
}

type Manager struct {
	creds  Credentials
	opener Opener
	store  Store
	client *http.Client
	opts   Options
	log    *zap.SugaredLogger
	sf     singleflight.Group
}

const maxTokenBody = 1 << 20

func NewManager(creds Credentials, opener Opener, store Store, client *http.Client, opts Options, log *zap.SugaredLogger) *Manager {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 5 * time.Minute
	}
	if opts.HTTPTimeout <= 0 {
		opts.HTTPTimeout = 15 * time.Second
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Manager{creds: creds, opener: opener, store: store, client: client, opts: opts, log: log}
}

// GetValidToken returns a token for tenant that stays valid for at least the
// safety margin, refreshing or re-acquiring it when needed. If ctx ends first
// the caller gets a timeout error; the shared acquisition keeps running under
// its own timeout and only ever replaces the cached slot on success.
func (m *Manager) GetValidToken(ctx context.Context, tenant string) (CachedToken, error) {
	if tok, ok := m.lookup(ctx, tenant); ok && tok.Fresh(m.opts.Now(), m.opts.SafetyMargin) {
		return tok, nil
	}
	return m.await(ctx, tenant, func(actx context.Context) (CachedToken, error) {
		return m.acquire(actx, tenant, "")
	})
}

// ForceFullGrant discards refresh state and performs a full credential grant.
// rejected is the access token the upstream refused; if another caller has
// already replaced it, the newer token is returned instead.
func (m *Manager) ForceFullGrant(ctx context.Context, tenant, rejected string) (CachedToken, error) {
	return m.await(ctx, tenant, func(actx context.Context) (CachedToken, error) {
		return m.acquire(actx, tenant, rejected)
	})
}

// HasSession reports whether tenant holds a token that is still usable or
// refreshable.
func (m *Manager) HasSession(ctx context.Context, tenant string) bool {
	tok, ok := m.lookup(ctx, tenant)
	return ok && (tok.Fresh(m.opts.Now(), 0) || tok.RefreshToken != "")
}

// Invalidate drops the cached token of tenant.
func (m *Manager) Invalidate(ctx context.Context, tenant string) error {
	return m.store.Invalidate(ctx, tenant)
}

// Revoke asks the tenant's revoke endpoint to revoke the cached token (the
// refresh token when present) and clears the slot either way.
func (m *Manager) Revoke(ctx context.Context, tenant string) error {
	const op = "token.revoke"
	tok, ok := m.lookup(ctx, tenant)
	defer func() {
		if err := m.store.Invalidate(context.WithoutCancel(ctx), tenant); err != nil {
			m.log.Warnw("token invalidate failed", "tenant", tenant, "err", err)
		}
	}()
	if !ok {
		return nil
	}
	cred, err := m.creds.Get(ctx, tenant)
	if err != nil {
		return err
	}
	if cred.RevokeURL == "" {
		m.log.Infow("no revoke endpoint configured; token dropped locally", "tenant", tenant)
		return nil
	}
	secret, err := m.opener.Decrypt(cred.ClientSecret)
	if err != nil {
		return err
	}
	form := url.Values{}
	if tok.RefreshToken != "" {
		form.Set("token", tok.RefreshToken)
		form.Set("token_type_hint", "refresh_token")
	} else {
		form.Set("token", tok.AccessToken)
		form.Set("token_type_hint", "access_token")
	}
	form.Set("client_id", cred.ClientID)
	form.Set("client_secret", secret)

	status, body, err := m.postForm(ctx, resolveEndpoint(cred.PortalURL, cred.RevokeURL), form)
	if err != nil {
		return problems.Wrap(problems.KindAuthentication, op, "revoke endpoint unreachable", err)
	}
	if status/100 != 2 {
		return problems.Remote(problems.KindAuthentication, op, status, string(body))
	}
	m.log.Infow("token revoked", "tenant", tenant)
	return nil
}

func (m *Manager) await(ctx context.Context, tenant string, fn func(context.Context) (CachedToken, error)) (CachedToken, error) {
	ch := m.sf.DoChan(tenant, func() (any, error) {
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.HTTPTimeout)
		defer cancel()
		return fn(actx)
	})
	select {
	case <-ctx.Done():
		return CachedToken{}, problems.Wrap(problems.KindTimeout, "token.get", "gave up waiting for token", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return CachedToken{}, res.Err
		}
		return res.Val.(CachedToken), nil
	}
}

// acquire runs inside the tenant's flight. A non-empty rejected forces a full
// grant unless the cached token already differs from it.
func (m *Manager) acquire(ctx context.Context, tenant, rejected string) (CachedToken, error) {
	now := m.opts.Now()
	cur, hasCur := m.lookup(ctx, tenant)
	force := rejected != ""
	if hasCur && cur.Fresh(now, m.opts.SafetyMargin) && (!force || cur.AccessToken != rejected) {
		return cur, nil
	}

	cred, err := m.creds.Get(ctx, tenant)
	if err != nil {
		return CachedToken{}, err
	}

	if !force && hasCur && cur.RefreshToken != "" {
		tok, err := m.refresh(ctx, cred, cur)
		m.opts.Metrics.observe(GrantRefresh, err)
		if err == nil {
			m.save(ctx, tok)
			return tok, nil
		}
		m.log.Warnw("token refresh failed; falling back to full grant", "tenant", tenant, "err", err)
	}

	tok, err := m.fullGrant(ctx, cred)
	m.opts.Metrics.observe(tok.Grant, err)
	if err != nil {
		var pe *problems.Error
		if problems.IsKind(err, problems.KindAuthentication) && errors.As(err, &pe) && pe.Status/100 == 4 {
			// credentials were rejected: the old slot cannot be trusted either
			_ = m.store.Invalidate(ctx, tenant)
		}
		return CachedToken{}, err
	}
	m.save(ctx, tok)
	return tok, nil
}

func (m *Manager) refresh(ctx context.Context, cred tenants.Credential, cur CachedToken) (CachedToken, error) {
	secret, err := m.opener.Decrypt(cred.ClientSecret)
	if err != nil {
		return CachedToken{}, err
	}
	form := url.Values{}
	form.Set("grant_type", string(GrantRefresh))
	form.Set("refresh_token", cur.RefreshToken)
	form.Set("client_id", cred.ClientID)
	form.Set("client_secret", secret)
	tok, err := m.requestToken(ctx, cred, form, GrantRefresh)
	if err != nil {
		return CachedToken{}, err
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = cur.RefreshToken
	}
	return tok, nil
}

// fullGrant uses the resource-owner password grant with the service-account
// key pair when one is stored, and client_credentials otherwise.
func (m *Manager) fullGrant(ctx context.Context, cred tenants.Credential) (CachedToken, error) {
	secret, err := m.opener.Decrypt(cred.ClientSecret)
	if err != nil {
		return CachedToken{Grant: GrantClientCredentials}, err
	}
	grant := GrantClientCredentials
	form := url.Values{}
	if cred.ServiceAccessKey != "" && cred.ServiceSecretKey != "" {
		user, err := m.opener.Decrypt(cred.ServiceAccessKey)
		if err != nil {
			return CachedToken{Grant: GrantPassword}, err
		}
		pass, err := m.opener.Decrypt(cred.ServiceSecretKey)
		if err != nil {
			return CachedToken{Grant: GrantPassword}, err
		}
		grant = GrantPassword
		form.Set("username", user)
		form.Set("password", pass)
	}
	form.Set("grant_type", string(grant))
	form.Set("client_id", cred.ClientID)
	form.Set("client_secret", secret)
	if cred.Scope != "" {
		form.Set("scope", cred.Scope)
	}
	tok, err := m.requestToken(ctx, cred, form, grant)
	tok.Grant = grant
	return tok, err
}

type tokenResponse struct {
	AccessToken  string      `json:"access_token"`
	TokenType    string      `json:"token_type"`
	ExpiresIn    json.Number `json:"expires_in"`
	RefreshToken string      `json:"refresh_token"`
	Scope        string      `json:"scope"`
}

func (m *Manager) requestToken(ctx context.Context, cred tenants.Credential, form url.Values, grant Grant) (CachedToken, error) {
	const op = "token.grant"
	status, body, err := m.postForm(ctx, resolveEndpoint(cred.PortalURL, cred.TokenURL), form)
	if err != nil {
		return CachedToken{}, problems.Wrap(problems.KindAuthentication, op, "token endpoint unreachable", err)
	}
	if status/100 != 2 {
		return CachedToken{}, problems.Remote(problems.KindAuthentication, op, status, string(body))
	}
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return CachedToken{}, problems.Wrap(problems.KindAuthentication, op, "token response is not JSON", err)
	}
	if tr.AccessToken == "" {
		return CachedToken{}, problems.New(problems.KindAuthentication, op, "token response has no access_token")
	}
	tok := CachedToken{
		TenantID:     cred.Tenant,
		AccessToken:  tr.AccessToken,
		TokenType:    tr.TokenType,
		ExpiresAt:    m.expiry(tr),
		RefreshToken: tr.RefreshToken,
		Scope:        tr.Scope,
		Grant:        grant,
	}
	m.log.Infow("token acquired", "tenant", cred.Tenant, "grant", grant, "expires_at", tok.ExpiresAt)
	return tok, nil
}

// expiry prefers expires_in, then the exp claim of a JWT access token, then
// the configured default lifetime.
func (m *Manager) expiry(tr tokenResponse) time.Time {
	now := m.opts.Now()
	if secs, err := tr.ExpiresIn.Float64(); err == nil && secs > 0 {
		return now.Add(time.Duration(secs * float64(time.Second)))
	}
	if parsed, err := jwt.ParseInsecure([]byte(tr.AccessToken)); err == nil && !parsed.Expiration().IsZero() {
		return parsed.Expiration()
	}
	return now.Add(m.opts.DefaultTTL)
}

func (m *Manager) postForm(ctx context.Context, endpoint string, form url.Values) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	resp, err := m.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenBody))
	if err != nil {
		return 0, nil, fmt.Errorf("read token response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func (m *Manager) lookup(ctx context.Context, tenant string) (CachedToken, bool) {
	tok, ok, err := m.store.Get(ctx, tenant)
	if err != nil {
		m.log.Warnw("token store read failed", "tenant", tenant, "err", err)
		return CachedToken{}, false
	}
	return tok, ok
}

func (m *Manager) save(ctx context.Context, tok CachedToken) {
	if err := m.store.Set(ctx, tok); err != nil {
		m.log.Warnw("token store write failed", "tenant", tok.TenantID, "err", err)
	}
}

// resolveEndpoint returns ref as-is when absolute, else resolved against base.
func resolveEndpoint(base, ref string) string {
	if u, err := url.Parse(ref); err == nil && u.IsAbs() {
		return ref
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(ref, "/")
}
