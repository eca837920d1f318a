package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"radiochild/chartmeta"
	"radiochild/chartmeta/api"
)

var (
	configPath string
	outputFmt  string
)

var rootCmd = &cobra.Command{
	Use:   "chartmeta",
	Short: "Chart configuration editor service",
	Long: `chartmeta keeps chart editor sessions: chart type switches, field
bindings, drill-down navigation and dataset refreshes, with charts stored
in SQLite or S3.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the editor session HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		defer logger.Sync()
		return serve(cmd.Context(), cfg, logger)
	},
}

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Print registry, chart config, chart or dataview details",
}

var showRegistryCmd = &cobra.Command{
	Use:   "registry",
	Short: "List the chart types in the registry",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		reg, err := chartmeta.ReadChartRegistry(cfg.Registry.Path, logger)
		if err != nil {
			return err
		}
		for _, cd := range reg.Charts {
			marker := " "
			if cd.ID == reg.DefaultID {
				marker = "*"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %-16s %-24s drill=%t sections=%v\n", marker, cd.ID, cd.Name, cd.Meta.Drill, cd.Meta.Sections)
		}
		return nil
	},
}

var showConfigCmd = &cobra.Command{
	Use:   "config <file>",
	Short: "Print a chart config document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, logger, err := setup()
		if err != nil {
			return err
		}
		chartCfg, err := chartmeta.ReadChartConfig(args[0])
		if err != nil {
			return err
		}
		chartmeta.ShowChartConfig(chartCfg, logger)
		return nil
	},
}

var showChartCmd = &cobra.Command{
	Use:   "chart <id>",
	Short: "Print a stored chart",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		outputType, err := chartmeta.ParseOutputType(outputFmt)
		if err != nil {
			return err
		}
		sqlStore, charts, err := openStores(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer sqlStore.Close()
		art, err := charts.GetChart(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return chartmeta.EncodeArtifact(cmd.OutOrStdout(), art, outputType)
	},
}

var showDataviewCmd = &cobra.Command{
	Use:   "dataview <id>",
	Short: "Print a dataview and its fields",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		sqlStore, err := chartmeta.NewSQLiteChartStore(cfg.Storage.SQLitePath, logger)
		if err != nil {
			return err
		}
		defer sqlStore.Close()
		view, err := sqlStore.GetDataview(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), view.String())
		expensive, err := view.ParseExpensiveQuery()
		if err != nil {
			logger.Warnf("%s", err.Error())
		}
		fmt.Fprintf(cmd.OutOrStdout(), "\nExpensive query: %t\n", expensive)
		return nil
	},
}

func setup() (*chartmeta.Config, *zap.SugaredLogger, error) {
	cfg, err := chartmeta.LoadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := chartmeta.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// openStores always opens SQLite for dataviews and datasets; charts go to
// S3 when that backend is configured.
func openStores(ctx context.Context, cfg *chartmeta.Config, logger *zap.SugaredLogger) (*chartmeta.SQLiteChartStore, chartmeta.ChartStore, error) {
	sqlStore, err := chartmeta.NewSQLiteChartStore(cfg.Storage.SQLitePath, logger)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Storage.Backend != "s3" {
		return sqlStore, sqlStore, nil
	}
	client, err := chartmeta.NewS3Client(ctx, cfg.Storage.S3, logger)
	if err != nil {
		sqlStore.Close()
		return nil, nil, err
	}
	return sqlStore, chartmeta.NewS3ChartStore(client, cfg.Storage.S3.Bucket, cfg.Storage.S3.Prefix, logger), nil
}

func serve(ctx context.Context, cfg *chartmeta.Config, logger *zap.SugaredLogger) error {
	registry, err := chartmeta.ReadChartRegistry(cfg.Registry.Path, logger)
	if err != nil {
		return err
	}
	sqlStore, charts, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sqlStore.Close()

	events := chartmeta.NewEventBus()
	controller, err := chartmeta.NewController(chartmeta.ControllerOptions{
		Registry:  registry,
		Refresher: chartmeta.NewSQLDatasetService(sqlStore.DB(), logger),
		Charts:    charts,
		Dataviews: sqlStore,
		Events:    events,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	handler := api.NewSessionHandler(controller, events, logger)
	handler.RegisterRoutes(app)
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Listening on %s (charts in %s)", cfg.Server.Addr(), cfg.Storage.Backend)
		errCh <- app.Listen(cfg.Server.Addr())
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		handler.Close()
		return err
	case sig := <-sigCh:
		logger.Infof("Received %s, shutting down", sig)
	}
	handler.Close()
	return app.Shutdown()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default ./chartmeta.yaml)")
	showChartCmd.Flags().StringVarP(&outputFmt, "format", "f", "text", "Output format: text, json or msgpack")

	showCmd.AddCommand(showRegistryCmd, showConfigCmd, showChartCmd, showDataviewCmd)
	rootCmd.AddCommand(serveCmd, showCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
