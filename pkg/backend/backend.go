// Package backend defines the driver executing resolved requests against
// third-party APIs. The core hands a driver plain strings and consumes
// an opaque decoded response; retries, timeouts, and transport error
// classification all live here, not in the core.
package backend

import (
	"context"
	"net/http"
)

// Request is a fully resolved outbound request: every field is a plain
// string produced by interpolation.
type Request struct {
	URL         string
	Method      string
	Headers     map[string]string
	QueryString map[string]string
	Data        string
}

// Response is the raw result of a transaction. Data holds the decoded
// body; the core only ever feeds it to processor chains.
type Response struct {
	Status  int
	Headers http.Header
	Data    map[string]any
	Body    []byte
}

// Driver executes resolved requests. Implementations must be safe for
// concurrent use.
type Driver interface {
	Execute(ctx context.Context, req *Request) (*Response, error)
}

// DriverFunc adapts a function to the Driver interface.
type DriverFunc func(ctx context.Context, req *Request) (*Response, error)

// Execute implements Driver.
func (f DriverFunc) Execute(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}
