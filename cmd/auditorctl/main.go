package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/cuemby/auditorctl/pkg/config"
	"github.com/cuemby/auditorctl/pkg/consensus"
	"github.com/cuemby/auditorctl/pkg/executor"
	"github.com/cuemby/auditorctl/pkg/log"
	"github.com/cuemby/auditorctl/pkg/metrics"
	"github.com/cuemby/auditorctl/pkg/pipeline"
	"github.com/cuemby/auditorctl/pkg/scheduler"
	"github.com/cuemby/auditorctl/pkg/store"
	"github.com/cuemby/auditorctl/pkg/supervisor"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "auditorctl",
	Short: "Lease-based leader election and audit pipeline coordination runtime",
	Long: `auditorctl runs a single node of a fleet that elects one leader per
coordination period via a Redis-backed lease, schedules audit tasks onto a
shared queue, and executes a three-stage analysis pipeline on every other
node.`,
	Version: Version,
	RunE:    run,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"auditorctl version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	flags := rootCmd.Flags()
	flags.String("node-id", "", "unique node identifier (generated if not provided)")
	flags.Int("ttl", 5, "leader lease TTL in seconds")
	flags.Float64("heartbeat-interval", 2, "beacon period in seconds")
	flags.String("config", "", "optional YAML file supplying defaults for the other flags (except --ledger-dir)")
	flags.String("store-addr", "localhost:6379", "coordination store address")
	flags.Int("store-db", 0, "coordination store logical database")
	flags.Int("store-connect-retries", 5, "bounded connect retry count")
	flags.Duration("store-connect-delay", 2*time.Second, "delay between connect retries")
	flags.String("key-prefix", "auditorctl:", "namespace prefix for all coordination keys")
	flags.Int("missed-beacon-threshold", 3, "consecutive beacon failures before forced abdication")
	flags.Duration("node-health-ttl", 10*time.Second, "TTL of node liveness keys")
	flags.Float64("admit-fraction", 0.20, "scheduler randomized admission ratio")
	flags.Duration("graph-search-interval", 10*time.Second, "scheduler cycle period")
	flags.Duration("task-timeout", 5*time.Second, "executor blocking-pop timeout")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.Bool("log-json", false, "output logs in JSON format")
	flags.String("metrics-addr", "", "if set, serve Prometheus /metrics on this address")
	flags.String("ledger-dir", "./auditorctl-data", "local directory for the default StageC ledger")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.Flags().GetString("log-level")
	logJSON, _ := rootCmd.Flags().GetBool("log-json")
	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

// resolveValues merges parsed flags with an optional config file.
// Explicitly passed flags always win over the file.
func resolveValues(cmd *cobra.Command) (config.Values, error) {
	f := cmd.Flags()

	nodeID, _ := f.GetString("node-id")
	ttl, _ := f.GetInt("ttl")
	heartbeat, _ := f.GetFloat64("heartbeat-interval")
	storeAddr, _ := f.GetString("store-addr")
	storeDB, _ := f.GetInt("store-db")
	storeRetries, _ := f.GetInt("store-connect-retries")
	storeDelay, _ := f.GetDuration("store-connect-delay")
	keyPrefix, _ := f.GetString("key-prefix")
	missedBeacons, _ := f.GetInt("missed-beacon-threshold")
	nodeHealthTTL, _ := f.GetDuration("node-health-ttl")
	admitFraction, _ := f.GetFloat64("admit-fraction")
	graphInterval, _ := f.GetDuration("graph-search-interval")
	taskTimeout, _ := f.GetDuration("task-timeout")
	logLevel, _ := f.GetString("log-level")
	logJSON, _ := f.GetBool("log-json")
	metricsAddr, _ := f.GetString("metrics-addr")

	if nodeID == "" {
		nodeID = uuid.NewString()
	}

	values := config.Values{
		NodeID:                nodeID,
		LeaseTTL:              time.Duration(ttl) * time.Second,
		HeartbeatInterval:     time.Duration(heartbeat * float64(time.Second)),
		StoreAddr:             storeAddr,
		StoreDB:               storeDB,
		StoreConnectRetries:   storeRetries,
		StoreConnectDelay:     storeDelay,
		KeyPrefix:             keyPrefix,
		MissedBeaconThreshold: missedBeacons,
		NodeHealthTTL:         nodeHealthTTL,
		AdmitFraction:         admitFraction,
		GraphSearchInterval:   graphInterval,
		TaskTimeout:           taskTimeout,
		LogLevel:              logLevel,
		LogJSON:               logJSON,
		MetricsAddr:           metricsAddr,
	}

	configPath, _ := f.GetString("config")
	if configPath == "" {
		return values, nil
	}

	file, err := config.Load(configPath)
	if err != nil {
		return values, err
	}

	explicit := make(map[string]bool)
	f.Visit(func(flag *pflag.Flag) { explicit[flag.Name] = true })

	file.ApplyDefaults(explicit, &values)
	return values, nil
}

func run(cmd *cobra.Command, args []string) error {
	values, err := resolveValues(cmd)
	if err != nil {
		return fmt.Errorf("resolve configuration: %w", err)
	}

	// Re-initialize logging so log settings from a config file apply.
	log.Init(log.Config{
		Level:      log.Level(values.LogLevel),
		JSONOutput: values.LogJSON,
	})

	logger := log.WithNodeID(values.NodeID)
	logger.Info().
		Str("store_addr", values.StoreAddr).
		Dur("lease_ttl", values.LeaseTTL).
		Msg("starting auditorctl")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coordinator, err := store.Connect(ctx, store.Config{
		Addr:           values.StoreAddr,
		DB:             values.StoreDB,
		ConnectRetries: values.StoreConnectRetries,
		ConnectDelay:   values.StoreConnectDelay,
	})
	if err != nil {
		return fmt.Errorf("connect to coordination store: %w", err)
	}
	defer coordinator.Close()

	ledgerDir, _ := cmd.Flags().GetString("ledger-dir")
	if err := os.MkdirAll(ledgerDir, 0o755); err != nil {
		return fmt.Errorf("create ledger directory: %w", err)
	}
	ledger, err := pipeline.OpenBoltLedger(ledgerDir)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer ledger.Close()

	keys := store.NewKeys(values.KeyPrefix)

	driver := consensus.New(coordinator, keys, consensus.Config{
		NodeID:            values.NodeID,
		LeaseTTL:          values.LeaseTTL,
		NodeHealthTTL:     values.NodeHealthTTL,
		MissedBeaconLimit: values.MissedBeaconThreshold,
	})

	leaderLoop := scheduler.New(coordinator, pipeline.NewStaticGraphSource(time.Now().UnixNano()), scheduler.Config{
		NodeID:        values.NodeID,
		CycleInterval: values.GraphSearchInterval,
		AdmitFraction: values.AdmitFraction,
		WorkQueueKey:  keys.WorkQueue,
	})

	followerLoop := executor.New(
		coordinator,
		pipeline.NewDelayedAnalyzer(),
		pipeline.NewStaticVulnIndex(nil),
		ledger,
		executor.Config{
			NodeID:       values.NodeID,
			TaskTimeout:  values.TaskTimeout,
			WorkQueueKey: keys.WorkQueue,
		},
	)

	sup := supervisor.New(driver, leaderLoop, followerLoop, supervisor.Config{
		NodeID:            values.NodeID,
		LeaseTTL:          values.LeaseTTL,
		HeartbeatInterval: values.HeartbeatInterval,
	})

	var metricsServer *http.Server
	if values.MetricsAddr != "" {
		metrics.SetVersion(Version)
		metrics.RegisterComponent("store", true, "connected")
		metrics.RegisterComponent("consensus", false, "awaiting first beacon")
		metrics.RegisterComponent("supervisor", false, "starting")

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/health", metrics.HealthHandler())
		mux.Handle("/ready", metrics.ReadyHandler())
		mux.Handle("/live", metrics.LivenessHandler())
		metricsServer = &http.Server{Addr: values.MetricsAddr, Handler: mux}

		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("metrics server error")
			}
		}()
		logger.Info().Str("addr", values.MetricsAddr).Msg("metrics endpoint listening")
	}

	sup.Start(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	sup.Stop(context.Background())

	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}

	logger.Info().Msg("shutdown complete")
	return nil
}
