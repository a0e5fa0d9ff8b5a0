package gateway

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// AuthFailure is reported whenever a call fails to authenticate, either at the
// token endpoint or because the upstream rejected the bearer token.
type AuthFailure struct {
	Tenant  string
	Table   string
	Stage   string // "token" or "upstream"
	Status  int
	Message string
	At      time.Time
}

// AuditSink receives authentication failures. Calls are made from their own
// goroutine and never delay the result.
type AuditSink interface {
	AuthenticationFailed(ctx context.Context, ev AuthFailure)
}

// LogAudit writes failures to the service log.
type LogAudit struct {
	Log *zap.SugaredLogger
}

func (a LogAudit) AuthenticationFailed(_ context.Context, ev AuthFailure) {
	a.Log.Warnw("authentication failed",
		"tenant", ev.Tenant, "table", ev.Table, "stage", ev.Stage,
		"status", ev.Status, "msg", ev.Message, "at", ev.At)
}

func (d *Dispatcher) notifyAuth(ctx context.Context, ev AuthFailure) {
	if d.audit == nil {
		return
	}
	ev.At = d.opts.Now()
	ctx = context.WithoutCancel(ctx)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.log.Errorw("audit sink panicked", "tenant", ev.Tenant, "panic", r)
			}
		}()
		d.audit.AuthenticationFailed(ctx, ev)
	}()
}
