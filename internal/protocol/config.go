// Package protocol turns a parsed query into an upstream SOAP or OData request
// and normalizes the reply into flat records.
package protocol

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"

	"querygate/internal/filter"
	"querygate/pkg/problems"
)

type Protocol string

const (
	SOAP Protocol = "soap"
	REST Protocol = "rest"
)

// ParseProtocol accepts "soap", "rest" and "odata" in any case.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "soap":
		return SOAP, nil
	case "rest", "odata":
		return REST, nil
	}
	return "", problems.New(problems.KindInvalidRequest, "protocol.parse", fmt.Sprintf("unsupported protocol %q", s))
}

const DefaultAction = "List"

// QueryConfig describes one upstream call. Build it with NewQueryConfig and
// treat it as read-only afterwards.
type QueryConfig struct {
	Tenant       string
	Table        string
	Protocol     Protocol
	Action       string
	Filters      []filter.IONFilter
	Expand       []string
	Select       []string
	OrderBy      []string
	Limit        int
	Offset       int
	BaseURL      string
	ServicesPath string
	ODataService string
	EntityName   string
	RecordsPath  string
	CompanyCode  string
	Identity     string
}

// NewQueryConfig validates c, fills defaults and detaches its slices from the
// caller's.
func NewQueryConfig(c QueryConfig) (QueryConfig, error) {
	var errs []error
	if c.Tenant == "" {
		errs = append(errs, errors.New("tenant: required"))
	}
	if c.Table == "" && (c.Protocol == SOAP || c.ODataService == "") {
		errs = append(errs, errors.New("table: required"))
	}
	if c.Protocol != SOAP && c.Protocol != REST {
		errs = append(errs, fmt.Errorf("protocol: unsupported %q", c.Protocol))
	}
	if c.BaseURL == "" {
		errs = append(errs, errors.New("base url: required"))
	}
	if c.Limit < 0 || c.Offset < 0 {
		errs = append(errs, errors.New("limit/offset: must not be negative"))
	}
	if err := errors.Join(errs...); err != nil {
		return QueryConfig{}, problems.Wrap(problems.KindInvalidRequest, "protocol.config", "invalid query config", err)
	}
	if c.Action == "" {
		c.Action = DefaultAction
	}
	if c.ODataService == "" {
		c.ODataService = c.Table
	}
	if c.EntityName == "" {
		c.EntityName = c.Table
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	c.ServicesPath = strings.Trim(c.ServicesPath, "/")
	c.Filters = slices.Clone(c.Filters)
	c.Expand = slices.Clone(c.Expand)
	c.Select = slices.Clone(c.Select)
	c.OrderBy = slices.Clone(c.OrderBy)
	return c, nil
}

// Request is a ready-to-send upstream call.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// HTTP builds the *http.Request for r.
func (r Request) HTTP(ctx context.Context) (*http.Request, error) {
	var body io.Reader
	if r.Body != nil {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL, body)
	if err != nil {
		return nil, err
	}
	if r.Header != nil {
		req.Header = r.Header.Clone()
	}
	return req, nil
}

// Translator builds upstream requests for one protocol and parses its replies.
type Translator interface {
	Protocol() Protocol
	BuildRequest(cfg QueryConfig, authorization string) (Request, error)
	ParseResponse(cfg QueryConfig, status int, header http.Header, body []byte) ([]Record, error)
}

func joinURL(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.Trim(p, "/"); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "/")
}
