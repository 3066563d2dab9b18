package config

import (
	"context"
	"time"

	"github.com/machinelink/extsource/pkg/errors"
	"github.com/machinelink/extsource/pkg/settings"
	"github.com/machinelink/extsource/pkg/timeutil"
)

// AuthorizationContext holds the processed outcome of an authentication
// transaction, typically tokens and expiry hints, injected into
// measurement requests under the "authorization" field.
type AuthorizationContext map[string]any

// Expiry hint fields an authorization context may carry. The *_in fields
// are durations from the context's creation, the *_at fields absolute
// times.
const (
	ExpiresInKey    = "expires_in"
	ExpirationInKey = "expiration_in"
	ExpiresAtKey    = "expires_at"
	ExpirationAtKey = "expiration_at"
)

// AuthorizationConfiguration describes how to authenticate against an
// external source: the credential request to execute and the rules
// extracting the authorization context from its response.
type AuthorizationConfiguration struct {
	tree    settings.Settings
	partial bool
}

// NewAuthorizationConfiguration builds an authorization configuration
// from raw decoded data.
func NewAuthorizationConfiguration(source map[string]any) (*AuthorizationConfiguration, error) {
	tree, err := settings.New(source)
	if err != nil {
		return nil, err
	}
	return newAuthorizationConfiguration(tree, false)
}

func newAuthorizationConfiguration(tree settings.Settings, partial bool) (*AuthorizationConfiguration, error) {
	id, err := recordID(tree, "authorization configuration", partial)
	if err != nil {
		return nil, err
	}
	wrap := func(err error) error {
		if id != "" {
			return errors.Prepend(err, errors.ErrorTypeConfig, id)
		}
		return err
	}

	if err := parseReferenceIDs(tree, authorizationRefsKey); err != nil {
		return nil, wrap(err)
	}
	if err := parseRequest(tree, false); err != nil {
		return nil, wrap(err)
	}
	if err := parseResult(tree); err != nil {
		return nil, wrap(err)
	}
	if err := normalizeProcessors(tree); err != nil {
		return nil, wrap(err)
	}

	return &AuthorizationConfiguration{tree: tree, partial: partial}, nil
}

// ID returns the configuration's id, empty on partial records.
func (c *AuthorizationConfiguration) ID() string {
	id, _ := c.tree[idKey].(string)
	return id
}

// ReferenceIDs returns the ids of the authorization configurations this
// record extends, in declaration order.
func (c *AuthorizationConfiguration) ReferenceIDs() []string {
	return referenceIDs(c.tree, authorizationRefsKey)
}

// Settings returns a deep copy of the record's settings tree.
func (c *AuthorizationConfiguration) Settings() settings.Settings {
	return c.tree.Copy()
}

func (c *AuthorizationConfiguration) mergedSettings(
	ctx context.Context, ses Session, visited *visitSet,
) (settings.Settings, error) {
	if id := c.ID(); id != "" {
		if err := visited.visit(id); err != nil {
			return nil, err
		}
	}
	merged, err := mergeReferences(ctx, ses, c.ReferenceIDs(), loadAuthorizationReference, visited)
	if err != nil {
		return nil, err
	}
	merged.Update(c.tree)
	return merged, nil
}

// Aggregate resolves the record's reference graph into a standalone
// authorization configuration.
func (c *AuthorizationConfiguration) Aggregate(ctx context.Context, ses Session) (*AuthorizationConfiguration, error) {
	if len(c.ReferenceIDs()) == 0 {
		return c, nil
	}
	merged, err := c.mergedSettings(ctx, ses, newVisitSet())
	if err != nil {
		return nil, err
	}
	delete(merged, internal(authorizationRefsKey))
	return newAuthorizationConfiguration(merged, c.partial)
}

// Authenticate resolves the configuration, executes the credential
// request, and processes the response into an authorization context.
func (c *AuthorizationConfiguration) Authenticate(ctx context.Context, ses Session) (AuthorizationContext, error) {
	out, err := c.authenticate(ctx, ses)
	if err != nil {
		return nil, errors.Prepend(err, errors.ErrorTypeAuthentication, c.ID())
	}
	return out, nil
}

func (c *AuthorizationConfiguration) authenticate(ctx context.Context, ses Session) (AuthorizationContext, error) {
	aggregated, err := c.Aggregate(ctx, ses)
	if err != nil {
		return nil, err
	}

	params := exprNamespace(aggregated.tree)
	interpolated, err := aggregated.tree.Interpolate(params)
	if err != nil {
		return nil, err
	}

	raw, _ := interpolated[requestKey].(map[string]any)
	request, err := requestFromFields(raw)
	if err != nil {
		return nil, err
	}
	if request.URL == "" {
		return nil, errors.Newf(errors.ErrorTypeConfig,
			"no URL configured for the authentication request")
	}

	response, err := ses.Backend().Execute(ctx, request)
	if err != nil {
		return nil, err
	}

	result, _ := interpolated[resultKey].(map[string]any)
	if result == nil {
		return AuthorizationContext(response.Data), nil
	}

	resultParams := make(map[string]any, len(interpolated)+len(response.Data))
	for key, value := range interpolated {
		resultParams[key] = value
	}
	for key, value := range response.Data {
		resultParams[key] = value
	}
	processed, err := settings.InterpolateMap(result, resultParams)
	if err != nil {
		return nil, errors.Prepend(err, errors.ErrorTypeDataValue, resultKey)
	}
	return AuthorizationContext(processed), nil
}

// ContextExpired reports whether an authorization context created at the
// given time is no longer valid at now, per its expiry hint fields.
// Absent or unparsable hints are ignored.
func ContextExpired(context AuthorizationContext, created, now time.Time) bool {
	for _, key := range []string{ExpiresInKey, ExpirationInKey} {
		raw, ok := context[key]
		if !ok || raw == nil {
			continue
		}
		delta, err := timeutil.ParseDuration(raw)
		if err == nil && !now.Before(created.Add(delta)) {
			return true
		}
	}
	for _, key := range []string{ExpiresAtKey, ExpirationAtKey} {
		raw, ok := context[key]
		if !ok || raw == nil {
			continue
		}
		deadline, err := timeutil.ParseTime(raw)
		if err == nil && !now.Before(deadline) {
			return true
		}
	}
	return false
}
