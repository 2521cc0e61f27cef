package soap

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/hooklift/gowsdl"
)

// Operation is an operation advertised by the service WSDL.
type Operation struct {
	Name       string
	SOAPAction string
	// Known reports whether Name is one of the methods Invoke accepts.
	Known bool
}

// wsdlURL adds a "wsdl" query parameter to endpoint unless one is present.
func wsdlURL(endpoint *url.URL) string {
	u := *endpoint
	for k := range u.Query() {
		if strings.EqualFold(k, "wsdl") {
			return u.String()
		}
	}
	if u.RawQuery == "" {
		u.RawQuery = "wsdl"
	} else {
		u.RawQuery += "&wsdl"
	}
	return u.String()
}

// Operations downloads the service description over the same mutual TLS setup as
// Invoke and lists the operations of its SOAP bindings. Only the endpoint and
// identity fields of spec are used.
func (s *Client) Operations(ctx context.Context, spec RequestSpec) ([]Operation, error) {
	u, err := spec.endpoint()
	if err != nil {
		return nil, err
	}
	cert, err := LoadIdentity(spec)
	if err != nil {
		if te, ok := err.(*TransportError); ok {
			te.URL = spec.EndpointURL
		}
		return nil, err
	}

	target := wsdlURL(u)
	logger := s.opts.logger.With(slog.String("url", target))

	tr := s.makeTransport(s.tlsConfig(spec, u.Hostname(), cert))
	defer tr.CloseIdleConnections()
	client := &http.Client{Timeout: s.opts.contimeout, Transport: tr}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &ConfigError{Field: "url", Err: err}
	}
	req.Header.Set("User-Agent", s.opts.userAgent)
	req.Close = true

	res, err := client.Do(req)
	if err != nil {
		return nil, newTransportError(target, err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, newTransportError(target, fmt.Errorf("cannot read wsdl: %w", err))
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, &HTTPError{StatusCode: res.StatusCode, ResponseBody: data}
	}

	ops, err := ParseOperations(data)
	if err != nil {
		return nil, err
	}
	logger.Debug("wsdl operations loaded", slog.Int("count", len(ops)))
	return ops, nil
}

// ParseOperations decodes a WSDL 1.1 document and returns its operations sorted by
// name. SOAP actions come from the bindings; operations only present in a port
// type are listed without one.
func ParseOperations(data []byte) ([]Operation, error) {
	var doc gowsdl.WSDL
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode wsdl: %w", err)
	}

	byName := make(map[string]*Operation)
	add := func(name, action string) {
		if name == "" {
			return
		}
		op, ok := byName[name]
		if !ok {
			op = &Operation{Name: name, Known: Method(name).Valid()}
			byName[name] = op
		}
		if op.SOAPAction == "" {
			op.SOAPAction = action
		}
	}
	for _, binding := range doc.Binding {
		for _, op := range binding.Operations {
			add(op.Name, op.SOAPOperation.SOAPAction)
		}
	}
	for _, pt := range doc.PortTypes {
		for _, op := range pt.Operations {
			add(op.Name, "")
		}
	}

	out := make([]Operation, 0, len(byName))
	for _, op := range byName {
		out = append(out, *op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
