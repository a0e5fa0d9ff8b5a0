package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"querygate/internal/filter"
	"querygate/internal/policy"
	"querygate/internal/protocol"
	"querygate/internal/token"
	"querygate/internal/vault"
	"querygate/pkg/tenants"
)

// upstream is one httptest server playing both the token endpoint and the
// business services of tenant "acme".
type upstream struct {
	*httptest.Server
	tokenCalls atomic.Int32
	dataCalls  atomic.Int32
	tokenReply func(w http.ResponseWriter, form map[string][]string)
	dataReply  func(w http.ResponseWriter, r *http.Request, body string)

	mu       sync.Mutex
	lastReq  *http.Request
	lastBody string
}

func newUpstream(t *testing.T) *upstream {
	u := &upstream{
		tokenReply: func(w http.ResponseWriter, _ map[string][]string) {
			writeJSON(w, http.StatusOK, map[string]any{"access_token": "full-token", "token_type": "Bearer", "expires_in": 3600})
		},
		dataReply: func(w http.ResponseWriter, _ *http.Request, _ string) {
			writeJSON(w, http.StatusOK, map[string]any{"value": []any{}})
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/as/token.oauth2", func(w http.ResponseWriter, r *http.Request) {
		u.tokenCalls.Add(1)
		assert.NoError(t, r.ParseForm())
		u.tokenReply(w, r.PostForm)
	})
	mux.HandleFunc("/acme/", func(w http.ResponseWriter, r *http.Request) {
		u.dataCalls.Add(1)
		b, _ := io.ReadAll(r.Body)
		u.mu.Lock()
		u.lastReq, u.lastBody = r, string(b)
		u.mu.Unlock()
		u.dataReply(w, r, string(b))
	})
	u.Server = httptest.NewServer(mux)
	t.Cleanup(u.Close)
	return u
}

func (u *upstream) last() (*http.Request, string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.lastReq, u.lastBody
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type recordingAudit struct {
	ch chan AuthFailure
}

func (a *recordingAudit) AuthenticationFailed(_ context.Context, ev AuthFailure) { a.ch <- ev }

type harness struct {
	d      *Dispatcher
	up     *upstream
	tokens *token.MemoryStore
	audit  *recordingAudit
	reg    *prometheus.Registry
}

func newHarness(t *testing.T, mut func(*Options)) *harness {
	t.Helper()
	up := newUpstream(t)
	v, err := vault.NewWithKey(make([]byte, 32))
	require.NoError(t, err)
	secret, err := v.Encrypt("csecret")
	require.NoError(t, err)

	creds := tenants.NewMemoryStore(nil)
	require.NoError(t, creds.Put(context.Background(), tenants.Credential{
		Tenant:       "acme",
		ClientID:     "cid",
		ClientSecret: secret,
		PortalURL:    up.URL + "/as/",
		TokenURL:     "token.oauth2",
		IdentityURL:  up.URL,
		CompanyCode:  "100",
	}))

	store := token.NewMemoryStore(time.Hour)
	mgr := token.NewManager(creds, v, store, up.Client(), token.Options{
		SafetyMargin: time.Minute,
		HTTPTimeout:  2 * time.Second,
	}, zap.NewNop().Sugar())

	reg := prometheus.NewRegistry()
	audit := &recordingAudit{ch: make(chan AuthFailure, 4)}
	opts := Options{
		Timeout: 5 * time.Second,
		Audit:   audit,
		Metrics: NewMetrics(reg),
	}
	if mut != nil {
		mut(&opts)
	}
	d := New(creds, mgr, up.Client(), []protocol.Translator{protocol.NewSOAP(""), protocol.NewOData()}, opts, zap.NewNop().Sugar())
	return &harness{d: d, up: up, tokens: store, audit: audit, reg: reg}
}

func restRequest(query string) Request {
	return Request{Tenant: "acme", Table: "Orders", Protocol: "rest", ODataService: "txgwi.SalesOrders", Query: query}
}

func TestExecute_UnknownTenantMakesNoNetworkCall(t *testing.T) {
	h := newHarness(t, nil)
	res := h.d.Execute(context.Background(), Request{Tenant: "nobody", Table: "Orders", Protocol: "rest", Query: "A = 1"})

	assert.False(t, res.Success)
	require.NotNil(t, res.Error)
	assert.Equal(t, "TENANT_NOT_FOUND", res.Error.Code)
	assert.NotNil(t, res.Records)
	assert.Zero(t, h.up.tokenCalls.Load())
	assert.Zero(t, h.up.dataCalls.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.d.metrics.requests.WithLabelValues("rest", "TENANT_NOT_FOUND")))
}

func TestExecute_ODataQueryWithClientSidePaging(t *testing.T) {
	h := newHarness(t, nil)
	h.up.dataReply = func(w http.ResponseWriter, _ *http.Request, _ string) {
		writeJSON(w, http.StatusOK, map[string]any{"value": []any{
			map[string]any{"Order": "1"}, map[string]any{"Order": "2"},
			map[string]any{"Order": "3"}, map[string]any{"Order": "4"},
		}})
	}

	res := h.d.Execute(context.Background(), restRequest("Status = 'Open' AND Qty >= 2 ORDER BY Order DESC LIMIT 2 OFFSET 1"))
	require.True(t, res.Success, "%+v", res.Error)
	assert.Equal(t, 2, res.RecordCount)
	assert.Equal(t, "2", res.Records[0]["Order"].Scalar())
	assert.Equal(t, "3", res.Records[1]["Order"].Scalar())
	assert.Empty(t, res.RawResponse)
	assert.GreaterOrEqual(t, res.ElapsedMs, int64(0))

	req, _ := h.up.last()
	assert.Equal(t, "/acme/LN/lnapi/odata/txgwi.SalesOrders/Orders", req.URL.Path)
	q := req.URL.Query()
	assert.Equal(t, "Status eq 'Open' and Qty ge 2", q.Get("$filter"))
	assert.Equal(t, "Order desc", q.Get("$orderby"))
	assert.False(t, q.Has("$top"))
	assert.Equal(t, "Bearer full-token", req.Header.Get("Authorization"))
	assert.Equal(t, "4.0", req.Header.Get("OData-Version"))
	assert.Equal(t, "100", req.Header.Get("X-Infor-LnCompany"))
	assert.EqualValues(t, 1, h.up.tokenCalls.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.d.metrics.requests.WithLabelValues("rest", "ok")))
}

func TestExecute_ParamsOverrideQuery(t *testing.T) {
	h := newHarness(t, nil)
	req := restRequest("Status = 'Open' AND Qty > 1")
	req.Params = filter.ParameterMap{"Status": "Closed", "Region_operator": "ne", "Region": "EU"}
	req.Select = []string{"Order"}

	res := h.d.Execute(context.Background(), req)
	require.True(t, res.Success, "%+v", res.Error)
	got, _ := h.up.last()
	assert.Equal(t, "Qty gt 1 and Region ne 'EU' and Status eq 'Closed'", got.URL.Query().Get("$filter"))
	assert.Equal(t, "Order", got.URL.Query().Get("$select"))
}

func TestExecute_SOAPEnvelopeAndRecords(t *testing.T) {
	h := newHarness(t, nil)
	h.up.dataReply = func(w http.ResponseWriter, r *http.Request, _ string) {
		w.Header().Set("Content-Type", "text/xml")
		_, _ = io.WriteString(w, `<S:Envelope xmlns:S="http://schemas.xmlsoap.org/soap/envelope/"><S:Body><ListResponse><DataArea>
			<Item><Code>A</Code></Item><Item><Code>B</Code></Item></DataArea></ListResponse></S:Body></S:Envelope>`)
	}

	res := h.d.Execute(context.Background(), Request{Tenant: "acme", Table: "Item", Protocol: "SOAP", Query: "Code IN ('A','B')", IncludeRaw: true})
	require.True(t, res.Success, "%+v", res.Error)
	assert.Equal(t, 2, res.RecordCount)
	assert.Contains(t, res.RawResponse, "<Code>A</Code>")

	req, body := h.up.last()
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/acme/LN/lnapi/Item", req.URL.Path)
	assert.Contains(t, body, "<svc:List>")
	assert.Contains(t, body, "<svc:company>100</svc:company>")
	assert.Contains(t, body, `<svc:Code operator="in">`)
}

func TestExecute_SOAPFault(t *testing.T) {
	h := newHarness(t, nil)
	h.up.dataReply = func(w http.ResponseWriter, _ *http.Request, _ string) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `<Envelope><Body><Fault><faultcode>Server</faultcode><faultstring>no such table</faultstring></Fault></Body></Envelope>`)
	}
	res := h.d.Execute(context.Background(), Request{Tenant: "acme", Table: "Nope", Protocol: "soap"})
	require.NotNil(t, res.Error)
	assert.Equal(t, "UPSTREAM_ERROR", res.Error.Code)
	assert.Equal(t, "no such table", res.Error.Message)
	assert.Equal(t, "Server", res.Error.Type)
	assert.EqualValues(t, 1, h.up.dataCalls.Load())
}

func TestExecute_Upstream5xxIsNotRetried(t *testing.T) {
	h := newHarness(t, nil)
	h.up.dataReply = func(w http.ResponseWriter, _ *http.Request, _ string) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": map[string]any{"message": "maintenance"}})
	}
	res := h.d.Execute(context.Background(), restRequest(""))
	require.NotNil(t, res.Error)
	assert.Equal(t, "UPSTREAM_ERROR", res.Error.Code)
	assert.Equal(t, http.StatusServiceUnavailable, res.Error.Status)
	assert.Equal(t, "maintenance", res.Error.Message)
	assert.EqualValues(t, 1, h.up.dataCalls.Load())
}

func TestExecute_MalformedResponse(t *testing.T) {
	h := newHarness(t, nil)
	h.up.dataReply = func(w http.ResponseWriter, _ *http.Request, _ string) {
		_, _ = io.WriteString(w, `{"value":[`)
	}
	res := h.d.Execute(context.Background(), Request{Tenant: "acme", Table: "Orders", Protocol: "rest", IncludeRaw: true})
	require.NotNil(t, res.Error)
	assert.Equal(t, "MALFORMED_RESPONSE", res.Error.Code)
	assert.Equal(t, `{"value":[`, res.RawResponse)
}

func TestExecute_RetriesOnceAfterRejectedRefreshedToken(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.tokens.Set(context.Background(), token.CachedToken{
		TenantID:     "acme",
		AccessToken:  "refreshed-token",
		RefreshToken: "r1",
		ExpiresAt:    time.Now().Add(time.Hour),
		Grant:        token.GrantRefresh,
	}))
	h.up.dataReply = func(w http.ResponseWriter, r *http.Request, _ string) {
		if r.Header.Get("Authorization") != "Bearer full-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, http.StatusOK, []any{map[string]any{"ok": true}})
	}

	res := h.d.Execute(context.Background(), restRequest(""))
	require.True(t, res.Success, "%+v", res.Error)
	assert.Equal(t, 1, res.RecordCount)
	assert.EqualValues(t, 2, h.up.dataCalls.Load())
	assert.EqualValues(t, 1, h.up.tokenCalls.Load())
}

func TestExecute_RejectedFullGrantTokenIsTerminal(t *testing.T) {
	h := newHarness(t, nil)
	h.up.dataReply = func(w http.ResponseWriter, _ *http.Request, _ string) {
		w.WriteHeader(http.StatusUnauthorized)
	}

	res := h.d.Execute(context.Background(), restRequest(""))
	require.NotNil(t, res.Error)
	assert.Equal(t, "AUTHENTICATION_FAILED", res.Error.Code)
	assert.EqualValues(t, 1, h.up.dataCalls.Load())
	assert.EqualValues(t, 1, h.up.tokenCalls.Load())

	select {
	case ev := <-h.audit.ch:
		assert.Equal(t, "acme", ev.Tenant)
		assert.Equal(t, "upstream", ev.Stage)
		assert.Equal(t, http.StatusUnauthorized, ev.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("audit sink was not notified")
	}
}

func TestExecute_TokenEndpointRejection(t *testing.T) {
	h := newHarness(t, nil)
	h.up.tokenReply = func(w http.ResponseWriter, _ map[string][]string) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid_client"})
	}

	res := h.d.Execute(context.Background(), restRequest(""))
	require.NotNil(t, res.Error)
	assert.Equal(t, "AUTHENTICATION_FAILED", res.Error.Code)
	assert.Equal(t, http.StatusUnauthorized, res.Error.Status)
	assert.Zero(t, h.up.dataCalls.Load())

	select {
	case ev := <-h.audit.ch:
		assert.Equal(t, "token", ev.Stage)
	case <-time.After(2 * time.Second):
		t.Fatal("audit sink was not notified")
	}
}

func TestExecute_CallerDeadline(t *testing.T) {
	h := newHarness(t, nil)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	h.up.dataReply = func(w http.ResponseWriter, r *http.Request, _ string) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	res := h.d.Execute(ctx, restRequest(""))
	require.NotNil(t, res.Error)
	assert.Equal(t, "TIMEOUT", res.Error.Code)
}

func TestExecute_PolicyDenialSkipsTokenCall(t *testing.T) {
	g, err := policy.New(context.Background(), `package querygate
import rego.v1
default allow := false
allow if input.table != "Payroll"
reasons contains "payroll is restricted" if input.table == "Payroll"
`, nil)
	require.NoError(t, err)
	h := newHarness(t, func(o *Options) { o.Guard = g })

	res := h.d.Execute(context.Background(), Request{Tenant: "acme", Table: "Payroll", Protocol: "rest"})
	require.NotNil(t, res.Error)
	assert.Equal(t, "QUERY_FORBIDDEN", res.Error.Code)
	assert.Contains(t, res.Error.Message, "payroll is restricted")
	assert.Zero(t, h.up.tokenCalls.Load())

	res = h.d.Execute(context.Background(), restRequest(""))
	assert.True(t, res.Success)
}

func TestExecute_InvalidProtocol(t *testing.T) {
	h := newHarness(t, nil)
	res := h.d.Execute(context.Background(), Request{Tenant: "acme", Table: "Orders", Protocol: "graphql"})
	require.NotNil(t, res.Error)
	assert.Equal(t, "INVALID_REQUEST", res.Error.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.d.metrics.requests.WithLabelValues("unknown", "INVALID_REQUEST")))
}

type panickingCreds struct{}

func (panickingCreds) Get(context.Context, string) (tenants.Credential, error) { panic("boom") }

func TestExecute_RecoversPanics(t *testing.T) {
	d := New(panickingCreds{}, nil, nil, []protocol.Translator{protocol.NewOData()}, Options{}, nil)
	res := d.Execute(context.Background(), Request{Tenant: "acme", Table: "T", Protocol: "rest"})
	require.NotNil(t, res.Error)
	assert.False(t, res.Success)
	assert.Equal(t, "INTERNAL_ERROR", res.Error.Code)
	assert.True(t, strings.Contains(res.Error.Message, "boom"))
}

func TestExecute_RateLimitHonoursDeadline(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.RatePerSec = 0.001; o.Burst = 1 })
	require.True(t, h.d.Execute(context.Background(), restRequest("")).Success)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	res := h.d.Execute(ctx, restRequest(""))
	require.NotNil(t, res.Error)
	assert.Equal(t, "TIMEOUT", res.Error.Code)
	assert.EqualValues(t, 1, h.up.dataCalls.Load())
}

func TestPage(t *testing.T) {
	recs := []protocol.Record{{"n": protocol.Scalar(1)}, {"n": protocol.Scalar(2)}, {"n": protocol.Scalar(3)}}
	assert.Len(t, page(recs, 0, 0), 3)
	assert.Len(t, page(recs, 1, 0), 2)
	assert.Len(t, page(recs, 0, 2), 2)
	assert.Equal(t, 3, page(recs, 2, 5)[0]["n"].Scalar())
	assert.NotNil(t, page(recs, 3, 1))
	assert.Empty(t, page(recs, 10, 1))
}

func TestResultJSON(t *testing.T) {
	res := success([]protocol.Record{{"a": protocol.Scalar("x"), "b": protocol.Null()}})
	b, err := json.Marshal(res)
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true,"recordCount":1,"records":[{"a":"x","b":null}],"elapsedMs":0}`, string(b))
	assert.Equal(t, "", string(res.Kind()))
}
