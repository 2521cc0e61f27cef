package soap

import (
	"net/http"
	"time"
)

type CallContent struct {
	Header http.Header
	Body   []byte
}

// CallResult is the record of one exchange with the service. ResponseContent.Body
// holds the raw bytes the server sent, whatever the status code.
type CallResult struct {
	RequestID       string
	RequestURL      string
	Method          Method
	StatusCode      int
	RequestContent  CallContent
	ResponseContent CallContent
	InvokeAt        time.Time
	ReturnAt        time.Time
}

// Body returns the raw response body.
func (r *CallResult) Body() []byte {
	return r.ResponseContent.Body
}

// Elapsed is the time between sending the request and reading the last response byte.
func (r *CallResult) Elapsed() time.Duration {
	return r.ReturnAt.Sub(r.InvokeAt)
}

// StatusError returns an *HTTPError when the server answered with a non-2xx status.
func (r *CallResult) StatusError() error {
	if r.StatusCode >= 200 && r.StatusCode < 300 {
		return nil
	}
	return &HTTPError{
		StatusCode:   r.StatusCode,
		ResponseBody: r.ResponseContent.Body,
	}
}
