// Package config implements the configuration records driving external
// measurement acquisition: machine, measurement, and authorization
// configurations. Records reference and override one another; resolution
// merges the reference graph into one settings tree, interpolates request
// templates, and attaches deferred processor chains for response parsing.
package config

import (
	"time"

	"github.com/machinelink/extsource/pkg/errors"
	"github.com/machinelink/extsource/pkg/process"
	"github.com/machinelink/extsource/pkg/settings"
	"github.com/machinelink/extsource/pkg/timeutil"
)

// Field names shared across record kinds.
const (
	idKey           = "id"
	requestKey      = "request"
	resultKey       = "result"
	measurementsKey = "measurements"

	machineRefsKey       = "machine_configuration_ids"
	authorizationRefsKey = "authorization_configuration_ids"
	authorizationIDKey   = "authorization_configuration_id"

	timeMarginKey      = "time_margin"
	startTimeMarginKey = "start_time_margin"
	endTimeMarginKey   = "end_time_margin"
	mergedWindowKey    = "merged_request_window"
)

func internal(key string) string { return "_" + key }

// parseReferenceIDs extracts a reference-id list field from tree and
// re-stores it under its internal key, accepting a single string, a
// string list, or an already-internalized list.
func parseReferenceIDs(tree settings.Settings, field string) error {
	saved := internal(field)

	raw, ok := tree[field]
	if ok {
		delete(tree, field)
	} else {
		raw = tree[saved]
	}

	var ids []any
	switch v := raw.(type) {
	case nil:
		ids = []any{}
	case string:
		ids = []any{v}
	case []any:
		ids = make([]any, len(v))
		copy(ids, v)
	default:
		return errors.Newf(errors.ErrorTypeConfig,
			"string or list of strings expected for %q field instead of %T: %v",
			field, raw, raw)
	}
	for _, id := range ids {
		if _, ok := id.(string); !ok {
			return errors.Newf(errors.ErrorTypeConfig,
				"string expected for reference in %q field instead of %T: %v",
				field, id, id)
		}
	}

	tree[saved] = ids
	return nil
}

func referenceIDs(tree settings.Settings, field string) []string {
	raw, _ := tree[internal(field)].([]any)
	ids := make([]string, 0, len(raw))
	for _, id := range raw {
		if s, ok := id.(string); ok {
			ids = append(ids, s)
		}
	}
	return ids
}

// parseRequest validates and normalizes a record's request subtree in
// place. Measurement requests additionally carry time margins and an
// authorization configuration reference; start_time and end_time may not
// appear, they are injected at request time.
func parseRequest(tree settings.Settings, measurement bool) error {
	raw := tree[requestKey]
	request, ok := raw.(settings.Settings)
	if !ok {
		if raw != nil {
			return errors.Prepend(errors.Newf(errors.ErrorTypeConfig,
				"mapping expected instead of %T: %v", raw, raw),
				errors.ErrorTypeConfig, requestKey)
		}
		request = settings.Settings{}
		tree[requestKey] = request
	}

	for _, key := range []string{"headers", "query_string"} {
		if _, ok := request[key].(settings.Settings); !ok {
			if request[key] != nil {
				return errors.Prepend(errors.Newf(errors.ErrorTypeConfig,
					"mapping expected instead of %T: %v", request[key], request[key]),
					errors.ErrorTypeConfig, requestKey, key)
			}
			request[key] = settings.Settings{}
		}
	}

	if !measurement {
		return nil
	}

	for _, key := range []string{"start_time", "end_time"} {
		if _, ok := request[key]; ok {
			return errors.Prepend(errors.Newf(errors.ErrorTypeConfig,
				"key %q cannot be defined in configurations, it is set"+
					" dynamically at request time from the requested"+
					" measurement window", key),
				errors.ErrorTypeConfig, requestKey)
		}
	}

	margins := map[string]time.Duration{}
	for _, key := range []string{timeMarginKey, startTimeMarginKey, endTimeMarginKey, mergedWindowKey} {
		raw, ok := request[key]
		if !ok || raw == nil {
			continue
		}
		value, err := timeutil.ParseDuration(raw)
		if err == nil && value < 0 {
			err = errors.Newf(errors.ErrorTypeConfig,
				"field %q cannot be negative: %v", key, raw)
		}
		if err != nil {
			return errors.Prepend(errors.Wrap(err, errors.ErrorTypeConfig,
				"a literal duration is expected, string interpolation is"+
					" not supported for this field"),
				errors.ErrorTypeConfig, requestKey, key)
		}
		margins[key] = value
	}
	if base, ok := margins[timeMarginKey]; ok {
		for _, key := range []string{startTimeMarginKey, endTimeMarginKey} {
			if _, ok := margins[key]; !ok {
				margins[key] = base
			}
		}
	}
	delete(request, timeMarginKey)
	for _, key := range []string{startTimeMarginKey, endTimeMarginKey, mergedWindowKey} {
		if value, ok := margins[key]; ok {
			request[key] = value
		}
	}

	if raw, ok := request[authorizationIDKey]; ok {
		delete(request, authorizationIDKey)
		if raw != nil {
			id, ok := raw.(string)
			if !ok {
				return errors.Prepend(errors.Newf(errors.ErrorTypeConfig,
					"string expected instead of %T: %v", raw, raw),
					errors.ErrorTypeConfig, requestKey, authorizationIDKey)
			}
			request[internal(authorizationIDKey)] = id
		}
	}

	return nil
}

// parseResult normalizes a record's result subtree: it is built with the
// no-interpolation marker so its fields are copied verbatim at request
// time and only interpolated later, against response data.
func parseResult(tree settings.Settings) error {
	raw := tree[resultKey]
	result, ok := raw.(settings.Settings)
	if !ok {
		if raw != nil {
			return errors.Prepend(errors.Newf(errors.ErrorTypeConfig,
				"mapping expected instead of %T: %v", raw, raw),
				errors.ErrorTypeConfig, resultKey)
		}
		result = settings.Settings{}
		tree[resultKey] = result
	}
	result[settings.InterpolateKey] = false
	return nil
}

// normalizeProcessors walks the tree and replaces every "<process" value
// with a parsed processor chain. The key must be the only public key of
// its mapping.
func normalizeProcessors(tree settings.Settings) error {
	for key, value := range tree {
		if err := normalizeProcessorValue(value); err != nil {
			return errors.Prepend(err, errors.ErrorTypeConfig, key)
		}
	}
	return nil
}

func normalizeProcessorValue(value any) error {
	switch v := value.(type) {
	case settings.Settings:
		if raw, ok := v[settings.ProcessKey]; ok {
			if _, already := raw.(*process.Chain); already {
				return nil
			}
			for other := range v {
				if other != settings.ProcessKey {
					return errors.Newf(errors.ErrorTypeConfig,
						"key %q must be the only key, but other keys were"+
							" specified: %q", settings.ProcessKey, other)
				}
			}
			chain, err := process.NewChain(raw)
			if err != nil {
				return errors.Prepend(err, errors.ErrorTypeConfig, settings.ProcessKey)
			}
			v[settings.ProcessKey] = chain
			return nil
		}
		return normalizeProcessors(v)
	case []any:
		for i, item := range v {
			if err := normalizeProcessorValue(item); err != nil {
				return errors.Prepend(err, errors.ErrorTypeConfig, i)
			}
		}
	}
	return nil
}

// recordID returns the record's id field, failing when absent on a
// non-partial record.
func recordID(tree settings.Settings, kind string, partial bool) (string, error) {
	raw, ok := tree[idKey]
	if !ok || raw == nil {
		if partial {
			return "", nil
		}
		return "", errors.Newf(errors.ErrorTypeConfig,
			"missing %s's %q", kind, idKey)
	}
	id, ok := raw.(string)
	if !ok {
		return "", errors.Newf(errors.ErrorTypeConfig,
			"string expected for %s's %q instead of %T: %v", kind, idKey, raw, raw)
	}
	return id, nil
}

// exprNamespace exposes a record's public fields as the interpolation
// parameter namespace.
func exprNamespace(tree settings.Settings) map[string]any {
	params := make(map[string]any, len(tree))
	for _, key := range tree.PublicKeys() {
		params[key] = namespaceValue(tree[key])
	}
	return params
}

func namespaceValue(value any) any {
	switch v := value.(type) {
	case settings.Settings:
		out := make(map[string]any, len(v))
		for key, item := range v {
			if len(key) > 0 && key[0] == '_' {
				continue
			}
			out[key] = namespaceValue(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = namespaceValue(item)
		}
		return out
	}
	return value
}
