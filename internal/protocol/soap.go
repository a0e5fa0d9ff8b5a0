package protocol

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"querygate/internal/filter"
	"querygate/pkg/problems"
)

const soapEnvelopeNS = "http://schemas.xmlsoap.org/soap/envelope/"

// SOAPTranslator talks to RPC-style business interface services. Each table
// is a service whose namespace is namespaceBase + table.
type SOAPTranslator struct {
	namespaceBase string
}

func NewSOAP(namespaceBase string) *SOAPTranslator {
	if namespaceBase == "" {
		namespaceBase = "http://www.infor.com/businessinterface/"
	}
	if !strings.HasSuffix(namespaceBase, "/") {
		namespaceBase += "/"
	}
	return &SOAPTranslator{namespaceBase: namespaceBase}
}

func (t *SOAPTranslator) Protocol() Protocol { return SOAP }

// Namespace returns the service namespace used for table.
func (t *SOAPTranslator) Namespace(table string) string { return t.namespaceBase + table }

// BuildRequest renders the envelope and targets
// {base}/{tenant}/{servicesPath}/{table}.
func (t *SOAPTranslator) BuildRequest(cfg QueryConfig, authorization string) (Request, error) {
	body, err := t.envelope(cfg)
	if err != nil {
		return Request{}, err
	}
	h := http.Header{}
	h.Set("Authorization", authorization)
	h.Set("Content-Type", "text/xml; charset=utf-8")
	h.Set("Accept", "text/xml")
	h.Set("SOAPAction", `"`+cfg.Action+`"`)
	return Request{
		Method: http.MethodPost,
		URL:    joinURL(cfg.BaseURL, url.PathEscape(cfg.Tenant), cfg.ServicesPath, url.PathEscape(cfg.Table)),
		Header: h,
		Body:   body,
	}, nil
}

func (t *SOAPTranslator) envelope(cfg QueryConfig) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	w := &xmlWriter{enc: xml.NewEncoder(&buf)}

	w.open("soapenv:Envelope",
		xml.Attr{Name: xml.Name{Local: "xmlns:soapenv"}, Value: soapEnvelopeNS},
		xml.Attr{Name: xml.Name{Local: "xmlns:svc"}, Value: t.Namespace(cfg.Table)})
	w.open("soapenv:Header")
	if cfg.CompanyCode != "" || cfg.Identity != "" {
		w.open("svc:Activation")
		if cfg.CompanyCode != "" {
			w.leaf("svc:company", cfg.CompanyCode)
		}
		if cfg.Identity != "" {
			w.leaf("svc:identity", cfg.Identity)
		}
		w.close("svc:Activation")
	}
	w.close("soapenv:Header")

	w.open("soapenv:Body")
	action := "svc:" + xmlName(cfg.Action)
	w.open(action)
	for _, f := range cfg.Filters {
		if err := writeFilter(w, f); err != nil {
			return nil, err
		}
	}
	w.close(action)
	w.close("soapenv:Body")
	w.close("soapenv:Envelope")

	if err := w.flush(); err != nil {
		return nil, problems.Wrap(problems.KindInternal, "soap.envelope", "encode envelope", err)
	}
	return buf.Bytes(), nil
}

func writeFilter(w *xmlWriter, f filter.IONFilter) error {
	name := "svc:" + xmlName(f.Field)
	op := xml.Attr{Name: xml.Name{Local: "operator"}, Value: f.IONOperator}
	switch f.IONOperator {
	case "eq", "ne", "gt", "lt", "ge", "le", "like":
		w.open(name, op)
		w.text(plainText(f.Value))
	case "between":
		w.open(name, op)
		w.leaf("svc:from", plainText(f.Value))
		w.leaf("svc:to", plainText(f.Value2))
	case "in":
		w.open(name, op)
		for _, v := range listValues(f.Value) {
			w.leaf("svc:value", plainText(v))
		}
	case "isnull", "isnotnull":
		w.open(name, op)
	default:
		return problems.New(problems.KindInvalidRequest, "soap.envelope",
			fmt.Sprintf("field %s: unsupported operator %q", f.Field, f.IONOperator))
	}
	w.close(name)
	return nil
}

// xmlWriter keeps the first encoder error so envelope building reads linearly.
type xmlWriter struct {
	enc *xml.Encoder
	err error
}

func (w *xmlWriter) token(t xml.Token) {
	if w.err == nil {
		w.err = w.enc.EncodeToken(t)
	}
}

func (w *xmlWriter) open(name string, attrs ...xml.Attr) {
	w.token(xml.StartElement{Name: xml.Name{Local: name}, Attr: attrs})
}

func (w *xmlWriter) close(name string) { w.token(xml.EndElement{Name: xml.Name{Local: name}}) }

func (w *xmlWriter) text(s string) {
	if s != "" {
		w.token(xml.CharData(s))
	}
}

func (w *xmlWriter) leaf(name, s string) {
	w.open(name)
	w.text(s)
	w.close(name)
}

func (w *xmlWriter) flush() error {
	if w.err != nil {
		return w.err
	}
	return w.enc.Flush()
}

// xmlName maps s onto a valid unprefixed XML element name.
func xmlName(s string) string {
	var b strings.Builder
	for i, r := range s {
		ok := r == '_' || r >= 'A' && r <= 'Z' || r >= 'a' && r <= 'z' ||
			i > 0 && (r == '-' || r == '.' || r >= '0' && r <= '9')
		if !ok {
			if i == 0 && r >= '0' && r <= '9' {
				b.WriteByte('_')
				b.WriteRune(r)
				continue
			}
			r = '_'
		}
		b.WriteRune(r)
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}

// Fault is a SOAP 1.1 or 1.2 fault returned by the service.
type Fault struct {
	Code    string `json:"type"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

func (f *Fault) Error() string {
	if f.Code == "" {
		return "soap fault: " + f.Message
	}
	return fmt.Sprintf("soap fault %s: %s", f.Code, f.Message)
}

// Map renders the fault the way callers receive it.
func (f *Fault) Map() map[string]any {
	return map[string]any{"error": true, "message": f.Message, "type": f.Code}
}

// ParseResponse maps faults to upstream errors and otherwise returns one record
// per result element.
func (t *SOAPTranslator) ParseResponse(_ QueryConfig, status int, _ http.Header, body []byte) ([]Record, error) {
	const op = "soap.response"
	ok := status >= 200 && status < 300
	root, err := parseXML(body)
	if err != nil {
		if !ok {
			return nil, problems.Remote(problems.KindUpstream, op, status, string(body))
		}
		return nil, problems.Wrap(problems.KindMalformedResponse, op, "response is not valid XML", err)
	}
	scope := root
	if b := root.find("Body"); b != nil {
		scope = b
	}
	if f := scope.find("Fault"); f != nil {
		fault := readFault(f)
		return nil, &problems.Error{Kind: problems.KindUpstream, Op: op, Message: fault.Message, Status: status, Cause: fault}
	}
	if !ok {
		return nil, problems.Remote(problems.KindUpstream, op, status, string(body))
	}
	return collectRecords(scope), nil
}

type xnode struct {
	name     string
	attrs    []xml.Attr
	children []*xnode
	parent   *xnode
	text     strings.Builder
}

func parseXML(body []byte) (*xnode, error) {
	dec := xml.NewDecoder(bytes.NewReader(body))
	var root, cur *xnode
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			n := &xnode{name: t.Name.Local, attrs: t.Attr, parent: cur}
			switch {
			case cur != nil:
				cur.children = append(cur.children, n)
			case root == nil:
				root = n
			default:
				return nil, errors.New("multiple root elements")
			}
			cur = n
		case xml.EndElement:
			cur = cur.parent
		case xml.CharData:
			if cur != nil {
				cur.text.Write(t)
			}
		}
	}
	if root == nil {
		return nil, errors.New("empty document")
	}
	return root, nil
}

// find returns the first descendant (or n itself) with the given local name.
func (n *xnode) find(name string) *xnode {
	if n.name == name {
		return n
	}
	for _, c := range n.children {
		if f := c.find(name); f != nil {
			return f
		}
	}
	return nil
}

func (n *xnode) child(name string) *xnode {
	for _, c := range n.children {
		if c.name == name {
			return c
		}
	}
	return nil
}

func (n *xnode) allText() string {
	if n == nil {
		return ""
	}
	var b strings.Builder
	var walk func(*xnode)
	walk = func(x *xnode) {
		if s := strings.TrimSpace(x.text.String()); s != "" {
			if b.Len() > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(s)
		}
		for _, c := range x.children {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

func (n *xnode) nilled() bool {
	for _, a := range n.attrs {
		if a.Name.Local == "nil" && a.Value == "true" {
			return true
		}
	}
	return false
}

func readFault(f *xnode) *Fault {
	// SOAP 1.1
	if c := f.child("faultstring"); c != nil {
		return &Fault{
			Code:    f.child("faultcode").allText(),
			Message: c.allText(),
			Detail:  f.child("detail").allText(),
		}
	}
	// SOAP 1.2
	var code, reason *xnode
	if c := f.child("Code"); c != nil {
		code = c.child("Value")
	}
	if r := f.child("Reason"); r != nil {
		reason = r.child("Text")
	}
	return &Fault{Code: code.allText(), Message: reason.allText(), Detail: f.child("Detail").allText()}
}

var envelopeElements = map[string]bool{
	"Header":      true,
	"ControlArea": true,
	"Activation":  true,
}

// collectRecords picks the largest group of same-named siblings that carry at
// least one leaf field. Ties go to the shallower group, then to the one that
// appears last. Nested children of a row become Map values.
func collectRecords(scope *xnode) []Record {
	type key struct {
		parent *xnode
		name   string
	}
	type group struct {
		depth int
		rows  []*xnode
	}
	var order []*group
	groups := map[key]*group{}

	var walk func(*xnode, int)
	walk = func(n *xnode, depth int) {
		for _, c := range n.children {
			if envelopeElements[c.name] {
				continue
			}
			if c.rowLike() {
				k := key{parent: n, name: c.name}
				g := groups[k]
				if g == nil {
					g = &group{depth: depth}
					groups[k] = g
					order = append(order, g)
				}
				g.rows = append(g.rows, c)
			}
			walk(c, depth+1)
		}
	}
	walk(scope, 0)

	var best *group
	for _, g := range order {
		switch {
		case best == nil, len(g.rows) > len(best.rows):
			best = g
		case len(g.rows) == len(best.rows) && g.depth <= best.depth:
			best = g
		}
	}
	if best == nil {
		return []Record{}
	}
	out := make([]Record, len(best.rows))
	for i, n := range best.rows {
		out[i] = n.record()
	}
	return out
}

// rowLike reports whether n has at least one leaf child.
func (n *xnode) rowLike() bool {
	for _, c := range n.children {
		if len(c.children) == 0 {
			return true
		}
	}
	return false
}

func (n *xnode) value() Value {
	switch {
	case n.nilled():
		return Null()
	case len(n.children) > 0:
		return Map(n.record())
	default:
		return Scalar(strings.TrimSpace(n.text.String()))
	}
}

func (n *xnode) record() Record {
	r := make(Record, len(n.children))
	for _, c := range n.children {
		v := c.value()
		prev, seen := r[c.name]
		switch {
		case !seen:
			r[c.name] = v
		case prev.Kind() == ListValue:
			r[c.name] = List(append(prev.List(), v)...)
		default:
			r[c.name] = List(prev, v)
		}
	}
	return r
}
