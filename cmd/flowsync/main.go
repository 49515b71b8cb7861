package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/mohitkumar/flowsync/agent"
	"github.com/mohitkumar/flowsync/config"
	"github.com/mohitkumar/flowsync/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type cfg struct {
	config.Config
}
type cli struct {
	cfg cfg
}

func setupFlags(cmd *cobra.Command) error {
	d := config.Default()
	cmd.Flags().String("config-file", "", "Path to config file.")
	cmd.Flags().String("log-level", d.LogLevel, "log level (debug, info, warn, error)")
	cmd.Flags().Int("http-port", d.HttpPort, "http port for rest endpoints")
	cmd.Flags().Int("grpc-port", d.GrpcPort, "grpc port for event ingestion")
	cmd.Flags().Float64("trace-sample-rate", d.TraceSampleRate, "fraction of grpc requests traced")
	cmd.Flags().String("storage-impl", string(d.StorageType), "implementation of underline storage (memory, redis)")
	cmd.Flags().String("execution-store", string(d.ExecutionStoreType), "separate store for executions (postgres), empty uses storage-impl")
	cmd.Flags().String("redis-addr", "localhost:6379", "comma separated list of redis host:port")
	cmd.Flags().String("namespace", d.RedisConfig.Namespace, "namespace used in storage")
	cmd.Flags().String("postgres-dsn", "", "postgres connection string for the execution store")
	cmd.Flags().Int("engine-workers", d.EngineConfig.Workers, "number of concurrent workflow executions")
	cmd.Flags().Int("event-buffer", d.EngineConfig.EventBuffer, "capacity of the engine event queue")
	cmd.Flags().Duration("dedup-window", d.TriggerConfig.DedupWindow, "window in which duplicate events are ignored")
	cmd.Flags().Duration("redispatch-interval", d.TriggerConfig.RedispatchInterval, "interval at which unhandled events are dispatched again")
	cmd.Flags().Duration("long-running-threshold", d.EngineConfig.LongRunningThreshold, "age after which a running execution is flagged")
	cmd.Flags().Duration("workflow-cache-ttl", d.EngineConfig.WorkflowCacheTTL, "ttl of cached workflow definitions")
	cmd.Flags().Duration("sync-window", d.SyncConfig.Window, "window in which writes from different systems conflict")
	cmd.Flags().Int("sync-lanes", d.SyncConfig.Lanes, "number of entity serialization lanes")
	cmd.Flags().StringSlice("critical-fields", d.SyncConfig.CriticalFields, "fields whose conflicts need manual resolution")
	cmd.Flags().Duration("reconcile-interval", d.SyncConfig.ReconcileInterval, "interval of the degraded entity reconciler, 0 disables it")
	cmd.Flags().Int("reconcile-failure-threshold", d.SyncConfig.ReconcileFailureThreshold, "failed reconciliations before a critical alert")
	cmd.Flags().String("analytics-log-file", "", "file receiving analytics records as json lines")
	cmd.Flags().String("kafka-brokers", "", "comma separated list of kafka brokers")
	cmd.Flags().String("kafka-analytics-topic", "", "kafka topic receiving analytics records")
	cmd.Flags().String("kafka-alert-topic", "", "kafka topic receiving alerts")
	cmd.Flags().StringSlice("systems", nil, "backing systems as name=url, url is a webhook or kafka://topic")
	return viper.BindPFlags(cmd.Flags())
}

func (c *cli) setupConfig(cmd *cobra.Command, args []string) error {
	var err error

	configFile, err := cmd.Flags().GetString("config-file")
	if err != nil {
		return err
	}
	viper.SetConfigFile(configFile)

	if err = viper.ReadInConfig(); err != nil {
		// it's ok if config file doesn't exist
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && configFile != "" {
			return err
		}
	}

	c.cfg.Config = config.Default()
	c.cfg.LogLevel = viper.GetString("log-level")
	c.cfg.HttpPort = viper.GetInt("http-port")
	c.cfg.GrpcPort = viper.GetInt("grpc-port")
	c.cfg.TraceSampleRate = viper.GetFloat64("trace-sample-rate")
	c.cfg.StorageType = config.StorageType(viper.GetString("storage-impl"))
	c.cfg.ExecutionStoreType = config.ExecutionStoreType(viper.GetString("execution-store"))
	c.cfg.RedisConfig.Addrs = config.SplitList(viper.GetString("redis-addr"))
	c.cfg.RedisConfig.Namespace = viper.GetString("namespace")
	c.cfg.PostgresConfig.DSN = viper.GetString("postgres-dsn")
	c.cfg.EngineConfig.Workers = viper.GetInt("engine-workers")
	c.cfg.EngineConfig.EventBuffer = viper.GetInt("event-buffer")
	c.cfg.EngineConfig.LongRunningThreshold = viper.GetDuration("long-running-threshold")
	c.cfg.EngineConfig.WorkflowCacheTTL = viper.GetDuration("workflow-cache-ttl")
	c.cfg.TriggerConfig.DedupWindow = viper.GetDuration("dedup-window")
	c.cfg.TriggerConfig.RedispatchInterval = viper.GetDuration("redispatch-interval")
	c.cfg.SyncConfig.Window = viper.GetDuration("sync-window")
	c.cfg.SyncConfig.Lanes = viper.GetInt("sync-lanes")
	c.cfg.SyncConfig.CriticalFields = viper.GetStringSlice("critical-fields")
	c.cfg.SyncConfig.ReconcileInterval = viper.GetDuration("reconcile-interval")
	c.cfg.SyncConfig.ReconcileFailureThreshold = viper.GetInt("reconcile-failure-threshold")
	c.cfg.AnalyticsConfig.FileName = viper.GetString("analytics-log-file")
	c.cfg.AnalyticsConfig.KafkaTopic = viper.GetString("kafka-analytics-topic")
	c.cfg.KafkaConfig.Brokers = config.SplitList(viper.GetString("kafka-brokers"))
	c.cfg.KafkaConfig.AlertTopic = viper.GetString("kafka-alert-topic")
	if c.cfg.Systems, err = config.ParseSystems(viper.GetStringSlice("systems")); err != nil {
		return err
	}
	if err = logger.SetLevel(c.cfg.LogLevel); err != nil {
		return err
	}
	return c.cfg.Validate()
}

func (c *cli) run(cmd *cobra.Command, args []string) error {
	var err error
	agent, err := agent.New(c.cfg.Config)
	if err != nil {
		return err
	}
	err = agent.Start()
	if err != nil {
		_ = agent.Shutdown()
		return err
	}
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	defer logger.Sync()
	return agent.Shutdown()
}

func main() {
	cli := &cli{}

	cmd := &cobra.Command{
		Use:     "flowsync",
		Short:   "workflow orchestration and data synchronization server",
		PreRunE: cli.setupConfig,
		RunE:    cli.run,
	}

	if err := setupFlags(cmd); err != nil {
		log.Fatal(err)
	}

	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
