package config

import (
	"context"

	"github.com/machinelink/extsource/pkg/backend"
	"github.com/machinelink/extsource/pkg/errors"
	"github.com/machinelink/extsource/pkg/settings"
)

// ResolvedTransaction is the outcome of resolving a measurement: a fully
// interpolated request, plus the result rules to apply to the response.
type ResolvedTransaction struct {
	MachineID     string
	MeasurementID string

	fields map[string]any
}

// Fields returns the transaction's interpolated fields.
func (t *ResolvedTransaction) Fields() map[string]any {
	return t.fields
}

// Request builds the outbound request from the interpolated request
// fields.
func (t *ResolvedTransaction) Request() (*backend.Request, error) {
	raw, _ := t.fields[requestKey].(map[string]any)
	return requestFromFields(raw)
}

func requestFromFields(fields map[string]any) (*backend.Request, error) {
	request := &backend.Request{
		Headers:     map[string]string{},
		QueryString: map[string]string{},
	}
	for key, value := range fields {
		if value == nil {
			continue
		}
		var err error
		switch key {
		case "url":
			request.URL, err = stringField(value, key)
		case "method":
			request.Method, err = stringField(value, key)
		case "data":
			request.Data, err = stringField(value, key)
		case "headers":
			err = stringMapField(value, key, request.Headers)
		case "query_string":
			err = stringMapField(value, key, request.QueryString)
		}
		if err != nil {
			return nil, err
		}
	}
	return request, nil
}

func stringField(value any, key string) (string, error) {
	s, ok := value.(string)
	if !ok {
		return "", errors.Prepend(errors.Newf(errors.ErrorTypeConfig,
			"string expected instead of %T: %v", value, value),
			errors.ErrorTypeConfig, requestKey, key)
	}
	return s, nil
}

func stringMapField(value any, key string, out map[string]string) error {
	tree, ok := value.(map[string]any)
	if !ok {
		return errors.Prepend(errors.Newf(errors.ErrorTypeConfig,
			"mapping expected instead of %T: %v", value, value),
			errors.ErrorTypeConfig, requestKey, key)
	}
	for field, item := range tree {
		if item == nil {
			continue
		}
		out[field] = settings.Stringify(item)
	}
	return nil
}

// Fetch executes the transaction against the session's backend and
// processes the response through the result rules. Concurrency bounding
// happens in the fan-out layers, not here.
func (t *ResolvedTransaction) Fetch(ctx context.Context, ses Session) (map[string]any, error) {
	request, err := t.Request()
	if err != nil {
		return nil, err
	}
	if request.URL == "" {
		return nil, errors.Newf(errors.ErrorTypeConfig,
			"no URL configured for measurement %q of machine %q",
			t.MeasurementID, t.MachineID)
	}

	response, err := ses.Backend().Execute(ctx, request)
	if err != nil {
		return nil, errors.Prepend(err, errors.ErrorTypeConnection,
			t.MachineID, measurementsKey, t.MeasurementID)
	}

	result, err := t.ProcessResult(response.Data)
	if err != nil {
		return nil, errors.Prepend(err, errors.ErrorTypeDataValue,
			t.MachineID, measurementsKey, t.MeasurementID)
	}
	return result, nil
}

// ProcessResult applies the transaction's result rules to raw response
// data: the result subtree, copied verbatim at resolution time, is now
// interpolated with the response fields layered over the transaction's
// own fields, running any attached processor chains.
func (t *ResolvedTransaction) ProcessResult(data map[string]any) (map[string]any, error) {
	result, _ := t.fields[resultKey].(map[string]any)
	if result == nil {
		return nil, nil
	}

	params := make(map[string]any, len(t.fields)+len(data))
	for key, value := range t.fields {
		params[key] = value
	}
	for key, value := range data {
		params[key] = value
	}

	out, err := settings.InterpolateMap(result, params)
	if err != nil {
		return nil, errors.Prepend(err, errors.ErrorTypeDataValue, resultKey)
	}
	return out, nil
}
