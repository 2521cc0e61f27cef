package soap

import (
	"fmt"
	"strings"
)

// ActionNamespace is the namespace every SOAPAction of the NFS-e service lives in.
const ActionNamespace = "http://www.e-governeapps2.com.br/"

// Method is the name of an operation exposed by the NFS-e web service.
type Method string

const (
	CancelarLoteNfse         Method = "CancelarLoteNfse"
	CancelarLoteRps          Method = "CancelarLoteRps"
	CancelarNfse             Method = "CancelarNfse"
	ConsultarLoteRps         Method = "ConsultarLoteRps"
	ConsultarNfse            Method = "ConsultarNfse"
	ConsultarNfsePorRps      Method = "ConsultarNfsePorRps"
	ConsultarSituacaoLoteRps Method = "ConsultarSituacaoLoteRps"
	RecepcionarLoteRps       Method = "RecepcionarLoteRps"
	RecepcionarXml           Method = "RecepcionarXml"
	ValidarXml               Method = "ValidarXml"
)

var methods = []Method{
	CancelarLoteNfse,
	CancelarLoteRps,
	CancelarNfse,
	ConsultarLoteRps,
	ConsultarNfse,
	ConsultarNfsePorRps,
	ConsultarSituacaoLoteRps,
	RecepcionarLoteRps,
	RecepcionarXml,
	ValidarXml,
}

// Methods returns every operation the service accepts, in declaration order.
func Methods() []Method {
	out := make([]Method, len(methods))
	copy(out, methods)
	return out
}

// ParseMethod matches name exactly against the known operations.
func ParseMethod(name string) (Method, error) {
	for _, m := range methods {
		if string(m) == name {
			return m, nil
		}
	}
	return "", &ConfigError{Field: "method", Err: fmt.Errorf("%w: %q", ErrUnknownMethod, name)}
}

// Valid reports whether m is one of the known operations.
func (m Method) Valid() bool {
	_, err := ParseMethod(string(m))
	return err == nil
}

// SOAPAction returns the quoted header value, e.g. "http://www.e-governeapps2.com.br/ConsultarNfse".
func (m Method) SOAPAction() string {
	return `"` + ActionNamespace + string(m) + `"`
}

// MethodNames joins the known operations for help texts.
func MethodNames(sep string) string {
	names := make([]string, len(methods))
	for i, m := range methods {
		names[i] = string(m)
	}
	return strings.Join(names, sep)
}
