package backend

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/machinelink/extsource/pkg/errors"
	"github.com/machinelink/extsource/pkg/metrics"
)

// HTTPConfig configures the HTTP driver.
type HTTPConfig struct {
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
	RetryMax       int           `yaml:"retry_max" json:"retry_max"`
	RetryWaitMin   time.Duration `yaml:"retry_wait_min" json:"retry_wait_min"`
	RetryWaitMax   time.Duration `yaml:"retry_wait_max" json:"retry_wait_max"`
}

// DefaultHTTPConfig returns the default driver configuration.
func DefaultHTTPConfig() *HTTPConfig {
	return &HTTPConfig{
		RequestTimeout: 30 * time.Second,
		RetryMax:       2,
		RetryWaitMin:   500 * time.Millisecond,
		RetryWaitMax:   10 * time.Second,
	}
}

// contentTypeHandlers maps response media types to body decoders.
var contentTypeHandlers = map[string]func([]byte) (map[string]any, error){
	"application/json": decodeJSON,
}

// HTTPDriver executes requests over HTTP with retries.
type HTTPDriver struct {
	client *retryablehttp.Client
	logger *zap.Logger
}

// NewHTTPDriver creates an HTTP driver. A nil config uses defaults; a
// nil logger is replaced with a no-op one.
func NewHTTPDriver(cfg *HTTPConfig, logger *zap.Logger) *HTTPDriver {
	if cfg == nil {
		cfg = DefaultHTTPConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := retryablehttp.NewClient()
	client.RetryMax = cfg.RetryMax
	client.RetryWaitMin = cfg.RetryWaitMin
	client.RetryWaitMax = cfg.RetryWaitMax
	client.HTTPClient.Timeout = cfg.RequestTimeout
	client.Logger = nil

	return &HTTPDriver{
		client: client,
		logger: logger,
	}
}

// Execute implements Driver.
func (d *HTTPDriver) Execute(ctx context.Context, req *Request) (resp *Response, err error) {
	start := time.Now()
	defer func() { metrics.ObserveBackend(start, err) }()

	if req.URL == "" {
		return nil, errors.New(errors.ErrorTypeConfig,
			"no URL specified, the request cannot be carried out")
	}

	target, err := url.Parse(req.URL)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig,
			fmt.Sprintf("invalid URL %q", req.URL))
	}
	if len(req.QueryString) > 0 {
		query := target.Query()
		for key, value := range req.QueryString {
			query.Set(key, value)
		}
		target.RawQuery = query.Encode()
	}

	method := req.Method
	var body io.Reader
	if req.Data != "" {
		body = strings.NewReader(req.Data)
		if method == "" {
			method = http.MethodPost
		}
	}
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := retryablehttp.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection,
			"failed to create request")
	}
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	d.logger.Debug("executing backend request",
		zap.String("method", method), zap.String("url", target.String()))

	httpResp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection,
			"request failed")
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection,
			"failed to read response body")
	}

	if httpResp.StatusCode >= http.StatusBadRequest {
		return nil, errors.Newf(errors.ErrorTypeConnection,
			"HTTP error (status=%d): %s",
			httpResp.StatusCode, strings.TrimSpace(string(raw))).
			WithDetail("status", httpResp.StatusCode)
	}

	data, err := decodeBody(httpResp.Header.Get("Content-Type"), raw)
	if err != nil {
		return nil, err
	}

	return &Response{
		Status:  httpResp.StatusCode,
		Headers: httpResp.Header,
		Data:    data,
		Body:    raw,
	}, nil
}

func decodeBody(contentType string, raw []byte) (map[string]any, error) {
	mediaType := contentType
	if parsed, _, err := mime.ParseMediaType(contentType); err == nil {
		mediaType = parsed
	}
	handler, ok := contentTypeHandlers[strings.ToLower(mediaType)]
	if !ok {
		valid := make([]string, 0, len(contentTypeHandlers))
		for key := range contentTypeHandlers {
			valid = append(valid, key)
		}
		return nil, errors.Newf(errors.ErrorTypeConnection,
			"unsupported content type %q. Supported content types: %s",
			contentType, strings.Join(valid, ", "))
	}
	data, err := handler(raw)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection,
			"failed to decode response body")
	}
	return data, nil
}

// decodeJSON decodes a JSON body. A non-object top-level value is
// wrapped under a "data" key so response fields always form a mapping.
func decodeJSON(raw []byte) (map[string]any, error) {
	var value any
	if err := gojson.Unmarshal(raw, &value); err != nil {
		return nil, err
	}
	if object, ok := value.(map[string]any); ok {
		return object, nil
	}
	return map[string]any{"data": value}, nil
}
