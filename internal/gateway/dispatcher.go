// Package gateway is the single entry point of a query: it resolves the
// tenant, obtains a bearer token, parses the query, translates it for the
// target protocol, calls the upstream and normalizes the reply.
//
// Execute never returns an error or panics past its boundary; every failure
// becomes a Result with Success=false and a stable error code.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"querygate/internal/filter"
	"querygate/internal/policy"
	"querygate/internal/protocol"
	"querygate/internal/token"
	"querygate/pkg/problems"
	"querygate/pkg/tenants"
)

// Request is one inbound query. Either Query (SQL-like text) or Params (a
// ParameterMap as produced by filter.ParseSQL) carries the filters; when both
// are given Params keys win. Non-zero Limit/Offset and non-empty
// Expand/Select/OrderBy override what the query says.
type Request struct {
	Tenant       string
	Table        string
	Protocol     string
	Action       string
	Query        string
	Params       filter.ParameterMap
	ODataService string
	EntityName   string
	ServicesPath string
	RecordsPath  string
	Expand       []string
	Select       []string
	OrderBy      []string
	Limit        int
	Offset       int
	IncludeRaw   bool

	Subject string
	Scopes  []string
}

type Credentials interface {
	Get(ctx context.Context, tenant string) (tenants.Credential, error)
}

type Tokens interface {
	GetValidToken(ctx context.Context, tenant string) (token.CachedToken, error)
	ForceFullGrant(ctx context.Context, tenant, rejected string) (token.CachedToken, error)
}

type Guard interface {
	Check(ctx context.Context, in policy.Input) error
}

type Options struct {
	Timeout      time.Duration // bounds one Execute call; zero leaves only the caller's deadline
	ServicesPath string        // default when the request does not name one
	RatePerSec   float64       // per-tenant upstream calls per second, zero for unlimited
	Burst        int
	MaxBodyBytes int64
	Guard        Guard
	Audit        AuditSink
	Metrics      *Metrics
	Now          func() time.Time
}

type Dispatcher struct {
	creds       Credentials
	tokens      Tokens
	client      *http.Client
	translators map[protocol.Protocol]protocol.Translator
	guard       Guard
	audit       AuditSink
	limiter     *tenantLimiter
	metrics     *Metrics
	opts        Options
	log         *zap.SugaredLogger
	tracer      trace.Tracer
}

func New(creds Credentials, tokens Tokens, client *http.Client, translators []protocol.Translator, opts Options, log *zap.SugaredLogger) *Dispatcher {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 32 << 20
	}
	if opts.ServicesPath == "" {
		opts.ServicesPath = "LN/lnapi"
	}
	if client == nil {
		client = http.DefaultClient
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	byProto := make(map[protocol.Protocol]protocol.Translator, len(translators))
	for _, t := range translators {
		byProto[t.Protocol()] = t
	}
	return &Dispatcher{
		creds:       creds,
		tokens:      tokens,
		client:      client,
		translators: byProto,
		guard:       opts.Guard,
		audit:       opts.Audit,
		limiter:     newTenantLimiter(opts.RatePerSec, opts.Burst),
		metrics:     opts.Metrics,
		opts:        opts,
		log:         log,
		tracer:      otel.Tracer("querygate/gateway"),
	}
}

// Execute runs req end to end.
func (d *Dispatcher) Execute(ctx context.Context, req Request) (res Result) {
	start := d.opts.Now()
	ctx, span := d.tracer.Start(ctx, "gateway.execute", trace.WithAttributes(
		attribute.String("querygate.tenant", req.Tenant),
		attribute.String("querygate.table", req.Table),
		attribute.String("querygate.protocol", req.Protocol),
	))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			d.log.Errorw("dispatcher panic", "tenant", req.Tenant, "table", req.Table, "panic", r)
			res = failure(problems.New(problems.KindInternal, "gateway.execute", fmt.Sprintf("internal error: %v", r)))
		}
		elapsed := d.opts.Now().Sub(start)
		res.ElapsedMs = elapsed.Milliseconds()
		d.metrics.observe(protocolLabel(req.Protocol), res, elapsed)
		span.SetAttributes(attribute.Int("querygate.records", res.RecordCount))
		if res.Error != nil {
			span.SetStatus(codes.Error, res.Error.Code)
			d.log.Infow("query failed", "tenant", req.Tenant, "table", req.Table, "protocol", req.Protocol,
				"code", res.Error.Code, "err", res.Error.Message, "elapsed_ms", res.ElapsedMs)
		}
	}()

	if d.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.Timeout)
		defer cancel()
	}
	return d.run(ctx, req)
}

func (d *Dispatcher) run(ctx context.Context, req Request) Result {
	proto, err := protocol.ParseProtocol(req.Protocol)
	if err != nil {
		return failure(err)
	}
	tr, ok := d.translators[proto]
	if !ok {
		return failure(problems.New(problems.KindInvalidRequest, "gateway.execute", fmt.Sprintf("protocol %s is not enabled", proto)))
	}

	cred, err := d.creds.Get(ctx, req.Tenant)
	if err != nil {
		return failure(problems.Wrap(problems.KindInternal, "gateway.credentials", "credential lookup failed", err))
	}

	conds, dirs, warns := d.parse(req)
	if len(warns) > 0 {
		d.log.Debugw("dropped filter fragments", "tenant", req.Tenant, "warnings", warns)
	}

	cfg, err := protocol.NewQueryConfig(protocol.QueryConfig{
		Tenant:       req.Tenant,
		Table:        req.Table,
		Protocol:     proto,
		Action:       req.Action,
		Filters:      filter.GenerateIONFilters(conds),
		Expand:       pick(req.Expand, dirs.Expand),
		Select:       pick(req.Select, dirs.Select),
		OrderBy:      pick(req.OrderBy, dirs.OrderBy),
		Limit:        pickInt(req.Limit, dirs.Limit),
		Offset:       pickInt(req.Offset, dirs.Offset),
		BaseURL:      cred.ServiceBaseURL(),
		ServicesPath: firstNonEmpty(req.ServicesPath, d.opts.ServicesPath),
		ODataService: req.ODataService,
		EntityName:   req.EntityName,
		RecordsPath:  req.RecordsPath,
		CompanyCode:  cred.CompanyCode,
		Identity:     cred.Identity,
	})
	if err != nil {
		return failure(err)
	}

	if d.guard != nil {
		if err := d.guard.Check(ctx, policy.Input{
			Tenant:   cfg.Tenant,
			Table:    cfg.Table,
			Protocol: string(cfg.Protocol),
			Action:   cfg.Action,
			Fields:   fieldsOf(conds, cfg.Select),
			Subject:  req.Subject,
			Scopes:   req.Scopes,
		}); err != nil {
			return failure(err)
		}
	}

	tok, err := d.tokens.GetValidToken(ctx, req.Tenant)
	if err != nil {
		if problems.IsKind(err, problems.KindAuthentication) {
			d.notifyAuth(ctx, authFailure(req, "token", err))
		}
		return failure(err)
	}

	status, header, body, err := d.call(ctx, tr, cfg, tok)
	if err == nil && status == http.StatusUnauthorized && tok.Grant == token.GrantRefresh {
		d.log.Infow("upstream rejected refreshed token, retrying with full grant", "tenant", req.Tenant)
		tok, err = d.tokens.ForceFullGrant(ctx, req.Tenant, tok.AccessToken)
		if err != nil {
			if problems.IsKind(err, problems.KindAuthentication) {
				d.notifyAuth(ctx, authFailure(req, "token", err))
			}
			return failure(err)
		}
		status, header, body, err = d.call(ctx, tr, cfg, tok)
	}
	if err != nil {
		return failure(err)
	}
	if status == http.StatusUnauthorized {
		e := problems.Remote(problems.KindAuthentication, "gateway.call", status, string(body))
		e.Message = "upstream rejected the bearer token"
		d.notifyAuth(ctx, authFailure(req, "upstream", e))
		return withRaw(failure(e), req, body)
	}

	records, err := tr.ParseResponse(cfg, status, header, body)
	if err != nil {
		return withRaw(failure(err), req, body)
	}
	res := success(page(records, cfg.Offset, cfg.Limit))
	for _, w := range warns {
		res.Warnings = append(res.Warnings, w.String())
	}
	return withRaw(res, req, body)
}

// parse merges the raw query and the structured parameters. Conditions from
// the query keep their order; Params entries replace query conditions on the
// same field and are appended in key order.
func (d *Dispatcher) parse(req Request) ([]filter.Condition, filter.Directives, []filter.Warning) {
	conds, dirs, warns := filter.ParseQuery(req.Query)
	if len(req.Params) == 0 {
		return conds, dirs, warns
	}
	pconds, pdirs, pwarns := filter.FromParams(req.Params)
	override := make(map[string]bool, len(pconds))
	for _, c := range pconds {
		override[c.Field] = true
	}
	merged := make([]filter.Condition, 0, len(conds)+len(pconds))
	for _, c := range conds {
		if !override[c.Field] {
			merged = append(merged, c)
		}
	}
	merged = append(merged, pconds...)

	dirs.Limit = pickInt(pdirs.Limit, dirs.Limit)
	dirs.Offset = pickInt(pdirs.Offset, dirs.Offset)
	dirs.Expand = pick(pdirs.Expand, dirs.Expand)
	dirs.Select = pick(pdirs.Select, dirs.Select)
	dirs.OrderBy = pick(pdirs.OrderBy, dirs.OrderBy)
	return merged, dirs, append(warns, pwarns...)
}

func (d *Dispatcher) call(ctx context.Context, tr protocol.Translator, cfg protocol.QueryConfig, tok token.CachedToken) (int, http.Header, []byte, error) {
	const op = "gateway.call"
	out, err := tr.BuildRequest(cfg, tok.Authorization())
	if err != nil {
		return 0, nil, nil, err
	}
	if err := d.limiter.wait(ctx, cfg.Tenant); err != nil {
		return 0, nil, nil, err
	}
	hreq, err := out.HTTP(ctx)
	if err != nil {
		return 0, nil, nil, problems.Wrap(problems.KindInternal, op, "build upstream request", err)
	}
	resp, err := d.client.Do(hreq)
	if err != nil {
		return 0, nil, nil, problems.Wrap(problems.KindUpstream, op, "upstream request failed", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, d.opts.MaxBodyBytes))
	if err != nil {
		return 0, nil, nil, problems.Wrap(problems.KindUpstream, op, "read upstream response", err)
	}
	return resp.StatusCode, resp.Header, body, nil
}

// page applies offset then limit. Zero limit keeps everything after offset.
func page(recs []protocol.Record, offset, limit int) []protocol.Record {
	if offset >= len(recs) {
		return []protocol.Record{}
	}
	recs = recs[offset:]
	if limit > 0 && limit < len(recs) {
		recs = recs[:limit]
	}
	return recs
}

func withRaw(res Result, req Request, body []byte) Result {
	if req.IncludeRaw {
		res.RawResponse = string(body)
	}
	return res
}

func authFailure(req Request, stage string, err error) AuthFailure {
	ev := AuthFailure{Tenant: req.Tenant, Table: req.Table, Stage: stage, Message: err.Error()}
	var pe *problems.Error
	if errors.As(err, &pe) {
		ev.Status = pe.Status
	}
	return ev
}

func fieldsOf(conds []filter.Condition, sel []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, c := range conds {
		if !seen[c.Field] {
			seen[c.Field] = true
			out = append(out, c.Field)
		}
	}
	for _, s := range sel {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func protocolLabel(s string) string {
	p, err := protocol.ParseProtocol(s)
	if err != nil {
		return "unknown"
	}
	return string(p)
}

func pick(override, fallback []string) []string {
	if len(override) > 0 {
		return override
	}
	return fallback
}

func pickInt(override, fallback int) int {
	if override > 0 {
		return override
	}
	return fallback
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
