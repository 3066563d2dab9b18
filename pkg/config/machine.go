package config

import (
	"context"
	"sort"
	"time"

	"github.com/machinelink/extsource/pkg/errors"
	"github.com/machinelink/extsource/pkg/pool"
	"github.com/machinelink/extsource/pkg/settings"
	"github.com/machinelink/extsource/pkg/timeutil"
)

// MachineConfiguration describes how to fetch measurement data for one
// machine: common request settings, per-measurement overrides, and
// references to other machine configurations it extends.
type MachineConfiguration struct {
	tree    settings.Settings
	partial bool
}

// MeasurementConfiguration describes one measurement of a machine. It
// may itself reference machine configurations for shared settings.
type MeasurementConfiguration struct {
	tree settings.Settings
}

// Window is the time range of a measurement request, widened by the
// configured margins before interpolation.
type Window struct {
	Start time.Time
	End   time.Time
}

// NewMachineConfiguration builds a machine configuration from raw
// decoded data, typically a YAML or JSON document.
func NewMachineConfiguration(source map[string]any) (*MachineConfiguration, error) {
	tree, err := settings.New(source)
	if err != nil {
		return nil, err
	}
	return newMachineConfiguration(tree, false)
}

func newMachineConfiguration(tree settings.Settings, partial bool) (*MachineConfiguration, error) {
	id, err := recordID(tree, "machine configuration", partial)
	if err != nil {
		return nil, err
	}
	wrap := func(err error) error {
		if id != "" {
			return errors.Prepend(err, errors.ErrorTypeConfig, id)
		}
		return err
	}

	if err := parseReferenceIDs(tree, machineRefsKey); err != nil {
		return nil, wrap(err)
	}
	if err := parseRequest(tree, true); err != nil {
		return nil, wrap(err)
	}
	if err := parseResult(tree); err != nil {
		return nil, wrap(err)
	}

	raw := tree[measurementsKey]
	measurements, ok := raw.(settings.Settings)
	if !ok {
		if raw != nil {
			return nil, wrap(errors.Prepend(errors.Newf(errors.ErrorTypeConfig,
				"mapping of measurement configurations expected instead of %T: %v",
				raw, raw), errors.ErrorTypeConfig, measurementsKey))
		}
		measurements = settings.Settings{}
		tree[measurementsKey] = measurements
	}
	for key, value := range measurements {
		measurement, err := newMeasurementConfiguration(key, value)
		if err != nil {
			return nil, wrap(errors.Prepend(err, errors.ErrorTypeConfig, measurementsKey, key))
		}
		measurements[key] = measurement.tree
	}

	if err := normalizeProcessors(tree); err != nil {
		return nil, wrap(err)
	}

	return &MachineConfiguration{tree: tree, partial: partial}, nil
}

func newMeasurementConfiguration(key string, raw any) (*MeasurementConfiguration, error) {
	tree, ok := raw.(settings.Settings)
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeConfig,
			"mapping expected instead of %T: %v", raw, raw)
	}

	id, err := recordID(tree, "measurement configuration", true)
	if err != nil {
		return nil, err
	}
	switch id {
	case "":
		tree[idKey] = key
	case key:
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig,
			"measurement configuration key %q does not match its %q field %q",
			key, idKey, id)
	}

	if err := parseReferenceIDs(tree, machineRefsKey); err != nil {
		return nil, err
	}
	if err := parseRequest(tree, true); err != nil {
		return nil, err
	}
	if err := parseResult(tree); err != nil {
		return nil, err
	}
	return &MeasurementConfiguration{tree: tree}, nil
}

// ID returns the configuration's id, empty on partial records.
func (c *MachineConfiguration) ID() string {
	id, _ := c.tree[idKey].(string)
	return id
}

// ReferenceIDs returns the ids of the machine configurations this record
// extends, in declaration order.
func (c *MachineConfiguration) ReferenceIDs() []string {
	return referenceIDs(c.tree, machineRefsKey)
}

// MeasurementIDs returns the machine's measurement ids, sorted.
func (c *MachineConfiguration) MeasurementIDs() []string {
	measurements, _ := c.tree[measurementsKey].(settings.Settings)
	ids := make([]string, 0, len(measurements))
	for id := range measurements {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Settings returns a deep copy of the record's settings tree.
func (c *MachineConfiguration) Settings() settings.Settings {
	return c.tree.Copy()
}

func (c *MachineConfiguration) mergedSettings(
	ctx context.Context, ses Session, visited *visitSet,
) (settings.Settings, error) {
	if id := c.ID(); id != "" {
		if err := visited.visit(id); err != nil {
			return nil, err
		}
	}
	merged, err := mergeReferences(ctx, ses, c.ReferenceIDs(), loadMachineReference, visited)
	if err != nil {
		return nil, err
	}
	merged.Update(c.tree)
	return merged, nil
}

// Aggregate resolves the record's reference graph into a standalone
// machine configuration with no remaining references.
func (c *MachineConfiguration) Aggregate(ctx context.Context, ses Session) (*MachineConfiguration, error) {
	if len(c.ReferenceIDs()) == 0 {
		return c, nil
	}
	merged, err := c.mergedSettings(ctx, ses, newVisitSet())
	if err != nil {
		return nil, err
	}
	delete(merged, internal(machineRefsKey))
	return newMachineConfiguration(merged, c.partial)
}

// aggregateMeasurement produces the fully merged settings tree for one
// measurement: the machine's common fields, the trees of the machine
// configurations the measurement references, and the measurement's own
// fields, in increasing precedence.
func (c *MachineConfiguration) aggregateMeasurement(
	ctx context.Context, ses Session, measurementID string,
) (settings.Settings, error) {
	measurements, _ := c.tree[measurementsKey].(settings.Settings)
	raw, ok := measurements[measurementID]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeConfig,
			"machine configuration %q has no measurement %q. Valid ids: %q",
			c.ID(), measurementID, c.MeasurementIDs())
	}
	measurement, _ := raw.(settings.Settings)

	common := c.tree.Copy()
	delete(common, measurementsKey)

	ids := referenceIDs(measurement, machineRefsKey)
	referencedTree, err := mergeReferences(ctx, ses, ids, loadMachineReference, newVisitSet())
	if err != nil {
		return nil, err
	}
	common.Update(referencedTree)
	common.Update(measurement)
	delete(common, internal(machineRefsKey))
	return common, nil
}

// ResolveMeasurement produces the ready-to-execute transaction for one
// measurement: references merged, authorization context attached, and
// request templates interpolated. A nil window resolves a window-less
// transaction, with no start_time or end_time fields.
func (c *MachineConfiguration) ResolveMeasurement(
	ctx context.Context, ses Session, measurementID string, window *Window,
) (*ResolvedTransaction, error) {
	transaction, err := c.resolveMeasurement(ctx, ses, measurementID, window)
	if err != nil {
		return nil, errors.Prepend(err, errors.ErrorTypeConfig,
			c.ID(), measurementsKey, measurementID)
	}
	return transaction, nil
}

func (c *MachineConfiguration) resolveMeasurement(
	ctx context.Context, ses Session, measurementID string, window *Window,
) (*ResolvedTransaction, error) {
	aggregated, err := c.Aggregate(ctx, ses)
	if err != nil {
		return nil, err
	}
	merged, err := aggregated.aggregateMeasurement(ctx, ses, measurementID)
	if err != nil {
		return nil, err
	}
	request, _ := merged[requestKey].(settings.Settings)

	if authID, ok := request[internal(authorizationIDKey)].(string); ok && authID != "" {
		authContext, err := ses.AuthorizationContext(ctx, authID)
		if err != nil {
			return nil, err
		}
		overlay, err := settings.New(map[string]any(authContext))
		if err != nil {
			return nil, err
		}
		if explicit, ok := request["authorization"].(settings.Settings); ok {
			overlay.Update(explicit)
		}
		request["authorization"] = overlay
	}

	if window != nil {
		start, end := window.Start, window.End
		if err := timeutil.RequireAware("start_time", start); err != nil {
			return nil, err
		}
		if err := timeutil.RequireAware("end_time", end); err != nil {
			return nil, err
		}
		if margin, ok := request[startTimeMarginKey].(time.Duration); ok {
			start = start.Add(-margin)
		}
		if margin, ok := request[endTimeMarginKey].(time.Duration); ok {
			end = end.Add(margin)
		}
		request["start_time"] = start
		request["end_time"] = end
	}

	params := exprNamespace(merged)
	params["machine_id"] = c.ID()
	params["measurement_id"] = measurementID

	// Only the transaction fields are interpolated; everything else in
	// the merged tree serves as the parameter namespace.
	transaction := settings.Settings{}
	for _, key := range []string{idKey, requestKey, resultKey} {
		if value, ok := merged[key]; ok {
			transaction[key] = value
		}
	}
	interpolated, err := transaction.Interpolate(params)
	if err != nil {
		return nil, err
	}

	return &ResolvedTransaction{
		MachineID:     c.ID(),
		MeasurementID: measurementID,
		fields:        interpolated,
	}, nil
}

// Resolve produces the transactions for all of the machine's
// measurements, concurrently, keyed by measurement id.
func (c *MachineConfiguration) Resolve(
	ctx context.Context, ses Session, window *Window,
) (map[string]*ResolvedTransaction, error) {
	aggregated, err := c.Aggregate(ctx, ses)
	if err != nil {
		return nil, err
	}

	ids := aggregated.MeasurementIDs()
	tasks := make([]func(context.Context) (*ResolvedTransaction, error), len(ids))
	for i, id := range ids {
		tasks[i] = func(ctx context.Context) (*ResolvedTransaction, error) {
			return aggregated.ResolveMeasurement(ctx, ses, id, window)
		}
	}
	transactions, err := pool.Gather(ctx, ses.Pool(), tasks)
	if err != nil {
		return nil, err
	}

	out := make(map[string]*ResolvedTransaction, len(ids))
	for i, id := range ids {
		out[id] = transactions[i]
	}
	return out, nil
}
