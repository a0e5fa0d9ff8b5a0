package token

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	grants *prometheus.CounterVec
}

// NewMetrics creates the token grant counter and registers it with reg when
// reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		grants: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "querygate_token_grants_total",
			Help: "Token endpoint calls by grant type and outcome.",
		}, []string{"grant", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.grants)
	}
	return m
}

func (m *Metrics) observe(grant Grant, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.grants.WithLabelValues(string(grant), outcome).Inc()
}
