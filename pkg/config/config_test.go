package config

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/machinelink/extsource/pkg/backend"
	"github.com/machinelink/extsource/pkg/errors"
	"github.com/machinelink/extsource/pkg/pool"
)

// fakeSession serves configurations from in-memory maps and executes
// requests against an injectable driver.
type fakeSession struct {
	machines map[string]*MachineConfiguration
	auths    map[string]*AuthorizationConfiguration
	contexts map[string]AuthorizationContext
	driver   backend.Driver
	executor *pool.Pool
}

func newFakeSession(t *testing.T) *fakeSession {
	t.Helper()
	return &fakeSession{
		machines: map[string]*MachineConfiguration{},
		auths:    map[string]*AuthorizationConfiguration{},
		contexts: map[string]AuthorizationContext{},
		executor: pool.New(4),
	}
}

func (s *fakeSession) addMachine(t *testing.T, source map[string]any) *MachineConfiguration {
	t.Helper()
	machine, err := NewMachineConfiguration(source)
	require.NoError(t, err)
	s.machines[machine.ID()] = machine
	return machine
}

func (s *fakeSession) addAuthorization(t *testing.T, source map[string]any) *AuthorizationConfiguration {
	t.Helper()
	auth, err := NewAuthorizationConfiguration(source)
	require.NoError(t, err)
	s.auths[auth.ID()] = auth
	return auth
}

func (s *fakeSession) MachineConfiguration(ctx context.Context, id string) (*MachineConfiguration, error) {
	machine, ok := s.machines[id]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeLoad, "no machine configuration %q", id)
	}
	return machine, nil
}

func (s *fakeSession) AuthorizationConfiguration(ctx context.Context, id string) (*AuthorizationConfiguration, error) {
	auth, ok := s.auths[id]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeLoad, "no authorization configuration %q", id)
	}
	return auth, nil
}

func (s *fakeSession) AuthorizationContext(ctx context.Context, id string) (AuthorizationContext, error) {
	if context, ok := s.contexts[id]; ok {
		return context, nil
	}
	auth, err := s.AuthorizationConfiguration(ctx, id)
	if err != nil {
		return nil, err
	}
	return auth.Authenticate(ctx, s)
}

func (s *fakeSession) Backend() backend.Driver { return s.driver }
func (s *fakeSession) Pool() *pool.Pool        { return s.executor }

func TestMachineConfigurationRequiresID(t *testing.T) {
	_, err := NewMachineConfiguration(map[string]any{
		"request": map[string]any{"url": "https://example.com"},
	})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
	assert.Contains(t, err.Error(), `"id"`)
}

func TestMachineConfigurationForbidsWindowFields(t *testing.T) {
	for _, field := range []string{"start_time", "end_time"} {
		_, err := NewMachineConfiguration(map[string]any{
			"id":      "m1",
			"request": map[string]any{field: "2023-04-01T00:00:00Z"},
		})
		require.Error(t, err, field)
		assert.Contains(t, err.Error(), field)
	}
}

func TestMachineConfigurationTimeMargins(t *testing.T) {
	machine, err := NewMachineConfiguration(map[string]any{
		"id": "m1",
		"request": map[string]any{
			"time_margin":     "00:02:00",
			"end_time_margin": "30s",
		},
	})
	require.NoError(t, err)

	request := machine.Settings().GetSettings("request")
	assert.Equal(t, 2*time.Minute, request[startTimeMarginKey])
	assert.Equal(t, 30*time.Second, request[endTimeMarginKey])
	_, hasBase := request[timeMarginKey]
	assert.False(t, hasBase)
}

func TestMachineConfigurationNegativeMargin(t *testing.T) {
	_, err := NewMachineConfiguration(map[string]any{
		"id":      "m1",
		"request": map[string]any{"time_margin": -5},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot be negative")
}

func TestMeasurementKeyMismatch(t *testing.T) {
	_, err := NewMachineConfiguration(map[string]any{
		"id": "m1",
		"measurements": map[string]any{
			"temperature": map[string]any{"id": "pressure"},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match")
}

func TestMeasurementKeyFillsID(t *testing.T) {
	machine, err := NewMachineConfiguration(map[string]any{
		"id": "m1",
		"measurements": map[string]any{
			"temperature": map[string]any{},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"temperature"}, machine.MeasurementIDs())
}

func TestReferenceIDsSingleString(t *testing.T) {
	machine, err := NewMachineConfiguration(map[string]any{
		"id":                        "m1",
		"machine_configuration_ids": "base",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"base"}, machine.ReferenceIDs())
}

func TestAggregatePrecedence(t *testing.T) {
	ses := newFakeSession(t)
	ses.addMachine(t, map[string]any{
		"id":     "x",
		"host":   "x.example.com",
		"common": "from-x",
		"request": map[string]any{
			"headers": map[string]any{"accept": "application/json", "x-from": "x"},
		},
	})
	ses.addMachine(t, map[string]any{
		"id":     "y",
		"common": "from-y",
		"request": map[string]any{
			"headers": map[string]any{"x-from": "y"},
		},
	})
	machine := ses.addMachine(t, map[string]any{
		"id":                        "c",
		"machine_configuration_ids": []any{"x", "y"},
		"own":                       "from-c",
	})

	aggregated, err := machine.Aggregate(context.Background(), ses)
	require.NoError(t, err)
	merged := aggregated.Settings()

	// Later references override earlier ones; the referring record's own
	// fields always win; untouched fields survive from any layer.
	assert.Equal(t, "c", merged.GetString("id"))
	assert.Equal(t, "from-y", merged.GetString("common"))
	assert.Equal(t, "from-c", merged.GetString("own"))
	assert.Equal(t, "x.example.com", merged.GetString("host"))
	assert.Equal(t, "y", merged.GetString("request", "headers", "x-from"))
	assert.Equal(t, "application/json", merged.GetString("request", "headers", "accept"))
	assert.Empty(t, aggregated.ReferenceIDs())
}

func TestAggregateTransitiveReferences(t *testing.T) {
	ses := newFakeSession(t)
	ses.addMachine(t, map[string]any{"id": "base", "layer": "base", "root": "kept"})
	ses.addMachine(t, map[string]any{
		"id":                        "mid",
		"machine_configuration_ids": "base",
		"layer":                     "mid",
	})
	machine := ses.addMachine(t, map[string]any{
		"id":                        "top",
		"machine_configuration_ids": "mid",
	})

	aggregated, err := machine.Aggregate(context.Background(), ses)
	require.NoError(t, err)
	assert.Equal(t, "mid", aggregated.Settings().GetString("layer"))
	assert.Equal(t, "kept", aggregated.Settings().GetString("root"))
}

func TestAggregateCycleDetection(t *testing.T) {
	ses := newFakeSession(t)
	ses.addMachine(t, map[string]any{
		"id":                        "a",
		"machine_configuration_ids": "b",
	})
	machine := ses.addMachine(t, map[string]any{
		"id":                        "b",
		"machine_configuration_ids": "a",
	})

	_, err := machine.Aggregate(context.Background(), ses)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
	assert.Contains(t, err.Error(), "circular configuration reference")
	assert.Contains(t, err.Error(), `"b"`)
}

func TestResolveMeasurementInterpolation(t *testing.T) {
	ses := newFakeSession(t)
	machine := ses.addMachine(t, map[string]any{
		"id":   "mill-3",
		"host": "data.example.com",
		"request": map[string]any{
			"url": "https://{host}/machines/{machine_id}/{measurement_id}",
		},
		"measurements": map[string]any{
			"temperature": map[string]any{
				"request": map[string]any{
					"query_string": map[string]any{"unit": "{unit}"},
				},
				"unit": "celsius",
			},
		},
	})

	transaction, err := machine.ResolveMeasurement(context.Background(), ses, "temperature", nil)
	require.NoError(t, err)

	request, err := transaction.Request()
	require.NoError(t, err)
	assert.Equal(t, "https://data.example.com/machines/mill-3/temperature", request.URL)
	assert.Equal(t, "celsius", request.QueryString["unit"])
}

func TestResolveMeasurementWindowMargins(t *testing.T) {
	ses := newFakeSession(t)
	machine := ses.addMachine(t, map[string]any{
		"id": "mill-3",
		"request": map[string]any{
			"url":               "https://data.example.com",
			"start_time_margin": "00:01:00",
			"end_time_margin":   "00:02:00",
			"query_string": map[string]any{
				"from": "{request.start_time}",
				"to":   "{request.end_time}",
			},
		},
		"measurements": map[string]any{"temperature": map[string]any{}},
	})

	window := &Window{
		Start: mustTime(t, "2023-04-01T10:00:00Z"),
		End:   mustTime(t, "2023-04-01T11:00:00Z"),
	}
	transaction, err := machine.ResolveMeasurement(context.Background(), ses, "temperature", window)
	require.NoError(t, err)

	request, err := transaction.Request()
	require.NoError(t, err)
	assert.Equal(t, "2023-04-01T09:59:00Z", request.QueryString["from"])
	assert.Equal(t, "2023-04-01T11:02:00Z", request.QueryString["to"])
}

func TestResolveMeasurementZeroWindowTime(t *testing.T) {
	ses := newFakeSession(t)
	machine := ses.addMachine(t, map[string]any{
		"id":           "mill-3",
		"request":      map[string]any{"url": "https://data.example.com"},
		"measurements": map[string]any{"temperature": map[string]any{}},
	})

	_, err := machine.ResolveMeasurement(context.Background(), ses, "temperature",
		&Window{End: mustTime(t, "2023-04-01T11:00:00Z")})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeTime))
}

func TestResolveMeasurementUnknownID(t *testing.T) {
	ses := newFakeSession(t)
	machine := ses.addMachine(t, map[string]any{
		"id":           "mill-3",
		"measurements": map[string]any{"temperature": map[string]any{}},
	})

	_, err := machine.ResolveMeasurement(context.Background(), ses, "vibration", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `no measurement "vibration"`)
	assert.Contains(t, err.Error(), "temperature")
}

func TestResolveMeasurementMissingParameter(t *testing.T) {
	ses := newFakeSession(t)
	machine := ses.addMachine(t, map[string]any{
		"id":           "mill-3",
		"request":      map[string]any{"url": "https://{host}/x"},
		"measurements": map[string]any{"temperature": map[string]any{}},
	})

	_, err := machine.ResolveMeasurement(context.Background(), ses, "temperature", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"host"`)
	assert.Contains(t, err.Error(), `["mill-3"]["measurements"]["temperature"]`)
}

func TestResolveMeasurementAuthorizationInjection(t *testing.T) {
	ses := newFakeSession(t)
	ses.contexts["token-auth"] = AuthorizationContext{
		"token":  "tok-123",
		"scheme": "Bearer",
	}
	machine := ses.addMachine(t, map[string]any{
		"id": "mill-3",
		"request": map[string]any{
			"url":                            "https://data.example.com",
			"authorization_configuration_id": "token-auth",
			"authorization": map[string]any{
				"scheme": "MAC",
			},
			"headers": map[string]any{
				"authorization": "{request.authorization.scheme} {request.authorization.token}",
			},
		},
		"measurements": map[string]any{"temperature": map[string]any{}},
	})

	transaction, err := machine.ResolveMeasurement(context.Background(), ses, "temperature", nil)
	require.NoError(t, err)

	request, err := transaction.Request()
	require.NoError(t, err)
	// Explicit authorization settings override the cached context fields.
	assert.Equal(t, "MAC tok-123", request.Headers["authorization"])
}

func TestResolveAllMeasurements(t *testing.T) {
	ses := newFakeSession(t)
	machine := ses.addMachine(t, map[string]any{
		"id":      "mill-3",
		"request": map[string]any{"url": "https://data.example.com/{measurement_id}"},
		"measurements": map[string]any{
			"temperature": map[string]any{},
			"pressure":    map[string]any{},
		},
	})

	transactions, err := machine.Resolve(context.Background(), ses, nil)
	require.NoError(t, err)
	require.Len(t, transactions, 2)

	request, err := transactions["pressure"].Request()
	require.NoError(t, err)
	assert.Equal(t, "https://data.example.com/pressure", request.URL)
}

func TestMeasurementReferencesOtherMachines(t *testing.T) {
	ses := newFakeSession(t)
	ses.addMachine(t, map[string]any{
		"id":      "shared",
		"request": map[string]any{"headers": map[string]any{"x-shared": "yes"}},
	})
	machine := ses.addMachine(t, map[string]any{
		"id":      "mill-3",
		"request": map[string]any{"url": "https://data.example.com"},
		"measurements": map[string]any{
			"temperature": map[string]any{
				"machine_configuration_ids": "shared",
			},
		},
	})

	transaction, err := machine.ResolveMeasurement(context.Background(), ses, "temperature", nil)
	require.NoError(t, err)

	request, err := transaction.Request()
	require.NoError(t, err)
	assert.Equal(t, "yes", request.Headers["x-shared"])
	assert.Equal(t, "https://data.example.com", request.URL)
}

func mustTime(t *testing.T, value string) time.Time {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, value)
	require.NoError(t, err)
	return parsed
}
