package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/machinelink/extsource/pkg/config"
	"github.com/machinelink/extsource/pkg/loader"
	"github.com/machinelink/extsource/pkg/logger"
	"github.com/machinelink/extsource/pkg/manager"
	"github.com/machinelink/extsource/pkg/settings"
	"github.com/machinelink/extsource/pkg/timeutil"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	viper.SetEnvPrefix("EXTSOURCE")
	viper.AutomaticEnv()

	root := &cobra.Command{
		Use:   "extsource",
		Short: "extsource - configuration-driven measurement acquisition from external sources",
		Long: `extsource resolves layered machine and measurement configurations and
fetches measurement data from third-party HTTP APIs. Configurations are
plain YAML records that reference and override one another; no code is
needed to integrate a new source.`,
	}

	var configDir string
	var logLevel string
	var cacheTTL time.Duration
	var poolWidth int
	var timeout time.Duration

	root.PersistentFlags().StringVarP(&configDir, "config-dir", "c",
		viper.GetString("config_dir"), "Directory holding machines/ and authorizations/ YAML records")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "error",
		"Log level (debug, info, warn, error)")
	root.PersistentFlags().DurationVar(&cacheTTL, "cache-ttl", 0,
		"Base expiration of cached configurations (0 selects the default)")
	root.PersistentFlags().IntVar(&poolWidth, "pool-width", 0,
		"Maximum concurrent outbound requests (0 selects the default)")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute,
		"Overall command timeout")

	newManager := func() (*manager.Manager, context.Context, context.CancelFunc, error) {
		if err := logger.Init(logger.Config{Level: logLevel, Encoding: "json"}); err != nil {
			return nil, nil, nil, err
		}
		if configDir == "" {
			return nil, nil, nil, fmt.Errorf("no configuration directory: set --config-dir or EXTSOURCE_CONFIG_DIR")
		}
		dir, err := loader.NewDirectory(configDir)
		if err != nil {
			return nil, nil, nil, err
		}
		m := manager.New(manager.Loaders{
			MachineConfiguration:       dir.MachineConfiguration,
			AuthorizationConfiguration: dir.AuthorizationConfiguration,
		}, manager.Config{
			CacheTTL:  cacheTTL,
			PoolWidth: poolWidth,
			Logger:    logger.Get(),
		})
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		return m, ctx, cancel, nil
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("extsource v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	var start, end string
	resolveCmd := &cobra.Command{
		Use:   "resolve <machine-id>",
		Short: "Resolve a machine's measurement transactions without executing them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, ctx, cancel, err := newManager()
			if err != nil {
				return err
			}
			defer cancel()

			window, err := parseWindow(start, end)
			if err != nil {
				return err
			}
			transactions, err := m.Resolve(ctx, args[0], window)
			if err != nil {
				return err
			}

			out := make(map[string]any, len(transactions))
			for id, transaction := range transactions {
				out[id] = transaction.Fields()
			}
			return printJSON(out)
		},
	}
	resolveCmd.Flags().StringVar(&start, "start", "", "Window start time (RFC3339)")
	resolveCmd.Flags().StringVar(&end, "end", "", "Window end time (RFC3339)")
	root.AddCommand(resolveCmd)

	var timestamps string
	fetchCmd := &cobra.Command{
		Use:   "fetch <machine-id>",
		Short: "Fetch measurement data for a machine",
		Long: `Fetch every measurement of a machine for the given timestamps.
Timestamps close to each other are batched into merged request windows
when the configuration allows it.

Example:
  extsource fetch mill-3 --timestamps 2023-04-01T10:00:00Z,2023-04-01T11:00:00Z`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, ctx, cancel, err := newManager()
			if err != nil {
				return err
			}
			defer cancel()

			points, err := parseTimestamps(timestamps)
			if err != nil {
				return err
			}
			results, err := m.FetchResults(ctx, args[0], points)
			if err != nil {
				return err
			}
			logger.Get().Info("fetch complete",
				zap.String("machine_id", args[0]),
				zap.Int("measurements", len(results.MeasurementIDs)),
				zap.Int("rows", len(results.Rows)))
			return printJSON(results)
		},
	}
	fetchCmd.Flags().StringVar(&timestamps, "timestamps", "",
		"Comma-separated RFC3339 timestamps to fetch (required)")
	_ = fetchCmd.MarkFlagRequired("timestamps")
	root.AddCommand(fetchCmd)

	root.AddCommand(&cobra.Command{
		Use:   "authorize <authorization-configuration-id>",
		Short: "Run an authentication transaction and print the resulting context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, ctx, cancel, err := newManager()
			if err != nil {
				return err
			}
			defer cancel()

			authContext, err := m.Session().AuthorizationContext(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(map[string]any(authContext))
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parseWindow(start, end string) (*config.Window, error) {
	if start == "" && end == "" {
		return nil, nil
	}
	if start == "" || end == "" {
		return nil, fmt.Errorf("--start and --end must be given together")
	}
	startTime, err := timeutil.ParseTime(start)
	if err != nil {
		return nil, err
	}
	endTime, err := timeutil.ParseTime(end)
	if err != nil {
		return nil, err
	}
	return &config.Window{Start: startTime, End: endTime}, nil
}

func parseTimestamps(raw string) ([]time.Time, error) {
	parts := strings.Split(raw, ",")
	points := make([]time.Time, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		point, err := timeutil.ParseTime(part)
		if err != nil {
			return nil, err
		}
		points = append(points, point)
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("no timestamps given")
	}
	return points, nil
}

func printJSON(value any) error {
	data, err := json.MarshalIndent(jsonValue(value), "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// jsonValue renders values the processor pipeline may produce but JSON
// cannot encode natively.
func jsonValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = jsonValue(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = jsonValue(item)
		}
		return out
	case time.Time, time.Duration:
		return settings.Stringify(v)
	case settings.Deferred:
		return settings.ProcessKey
	case *config.Results:
		rows := make([]any, len(v.Rows))
		for i, row := range v.Rows {
			columns := make(map[string]any, len(row.Columns))
			for j, column := range row.Columns {
				columns[v.MeasurementIDs[j]] = jsonValue(column)
			}
			rows[i] = map[string]any{
				"timestamp": row.Timestamp.Format(time.RFC3339),
				"results":   columns,
			}
		}
		return rows
	}
	return value
}
