package config

import (
	"context"
	"sort"
	"time"

	"github.com/machinelink/extsource/pkg/pool"
	"github.com/machinelink/extsource/pkg/timeutil"
)

// Results is the outcome of fetching a machine's measurements over a set
// of timestamps: one row per requested timestamp, one column per
// measurement.
type Results struct {
	MeasurementIDs []string
	Rows           []ResultRow
}

// ResultRow holds the per-measurement results for one requested
// timestamp. Columns follow Results.MeasurementIDs; a nil column means
// the measurement returned nothing for that timestamp.
type ResultRow struct {
	Timestamp time.Time
	Columns   []map[string]any
}

type windowFetch struct {
	measurement int
	timestamps  []time.Time
}

// FetchResults fetches every measurement of the machine for the given
// timestamps. Timestamps close to each other are batched into a single
// request when the measurement configures a merged request window, and
// all resulting requests run concurrently through the session pool.
func (c *MachineConfiguration) FetchResults(
	ctx context.Context, ses Session, timestamps []time.Time,
) (*Results, error) {
	aggregated, err := c.Aggregate(ctx, ses)
	if err != nil {
		return nil, err
	}

	sorted := make([]time.Time, len(timestamps))
	copy(sorted, timestamps)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	ids := aggregated.MeasurementIDs()

	var plan []windowFetch
	for i, id := range ids {
		span, err := aggregated.mergedRequestWindow(ctx, ses, id)
		if err != nil {
			return nil, err
		}
		for _, window := range timeutil.SplitWindows(sorted, span) {
			plan = append(plan, windowFetch{measurement: i, timestamps: window})
		}
	}

	tasks := make([]func(context.Context) (map[string]any, error), len(plan))
	for i, fetch := range plan {
		id := ids[fetch.measurement]
		window := &Window{
			Start: fetch.timestamps[0],
			End:   fetch.timestamps[len(fetch.timestamps)-1],
		}
		tasks[i] = func(ctx context.Context) (map[string]any, error) {
			transaction, err := aggregated.ResolveMeasurement(ctx, ses, id, window)
			if err != nil {
				return nil, err
			}
			return transaction.Fetch(ctx, ses)
		}
	}
	fetched, err := pool.Gather(ctx, ses.Pool(), tasks)
	if err != nil {
		return nil, err
	}

	rows := make([]ResultRow, len(sorted))
	index := make(map[time.Time]int, len(sorted))
	for i, ts := range sorted {
		rows[i] = ResultRow{Timestamp: ts, Columns: make([]map[string]any, len(ids))}
		index[ts] = i
	}
	for i, fetch := range plan {
		for _, ts := range fetch.timestamps {
			rows[index[ts]].Columns[fetch.measurement] = fetched[i]
		}
	}

	return &Results{MeasurementIDs: ids, Rows: rows}, nil
}

func (c *MachineConfiguration) mergedRequestWindow(
	ctx context.Context, ses Session, measurementID string,
) (time.Duration, error) {
	merged, err := c.aggregateMeasurement(ctx, ses, measurementID)
	if err != nil {
		return 0, err
	}
	span, _ := merged.Get(requestKey, mergedWindowKey)
	if d, ok := span.(time.Duration); ok {
		return d, nil
	}
	return 0, nil
}
