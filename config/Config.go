package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mohitkumar/flowsync/model"
)

type StorageType string

const STORAGE_TYPE_REDIS StorageType = "redis"
const STORAGE_TYPE_INMEM StorageType = "memory"

type ExecutionStoreType string

// EXECUTION_STORE_DEFAULT keeps executions in the configured StorageType.
const EXECUTION_STORE_DEFAULT ExecutionStoreType = ""
const EXECUTION_STORE_POSTGRES ExecutionStoreType = "postgres"

type Config struct {
	HttpPort           int
	GrpcPort           int
	TraceSampleRate    float64
	LogLevel           string
	StorageType        StorageType
	ExecutionStoreType ExecutionStoreType
	RedisConfig        RedisStorageConfig
	PostgresConfig     PostgresConfig
	EngineConfig       EngineConfig
	TriggerConfig      TriggerConfig
	SyncConfig         SyncConfig
	AnalyticsConfig    AnalyticsConfig
	KafkaConfig        KafkaConfig
	// Systems maps a backing system name to the webhook URL of its adapter.
	Systems map[string]string
}

type RedisStorageConfig struct {
	Addrs     []string
	Namespace string
}

type PostgresConfig struct {
	DSN string
}

type EngineConfig struct {
	Workers              int
	EventBuffer          int
	LongRunningThreshold time.Duration
	LongRunningScan      time.Duration
	WorkflowCacheTTL     time.Duration
}

type TriggerConfig struct {
	DedupWindow        time.Duration
	RedispatchInterval time.Duration
}

type SyncConfig struct {
	Window                    time.Duration
	Lanes                     int
	LaneBuffer                int
	CriticalFields            []string
	ReconcileInterval         time.Duration
	ReconcileFailureThreshold int
	PropagationRetry          model.RetryPolicy
}

type AnalyticsConfig struct {
	FileName      string
	Buffer        int
	RetryInterval time.Duration
	MaxTries      int
	KafkaTopic    string
}

type KafkaConfig struct {
	Brokers    []string
	AlertTopic string
}

func Default() Config {
	return Config{
		HttpPort:        8080,
		GrpcPort:        8099,
		TraceSampleRate: 0.1,
		LogLevel:        "info",
		StorageType:     STORAGE_TYPE_INMEM,
		RedisConfig: RedisStorageConfig{
			Addrs:     []string{"localhost:6379"},
			Namespace: "flowsync",
		},
		EngineConfig: EngineConfig{
			Workers:              8,
			EventBuffer:          1024,
			LongRunningThreshold: 5 * time.Minute,
			LongRunningScan:      30 * time.Second,
			WorkflowCacheTTL:     time.Minute,
		},
		TriggerConfig: TriggerConfig{
			DedupWindow:        24 * time.Hour,
			RedispatchInterval: 30 * time.Second,
		},
		SyncConfig: SyncConfig{
			Window:                    60 * time.Second,
			Lanes:                     8,
			LaneBuffer:                256,
			CriticalFields:            []string{"payment_status", "enrollment_status"},
			ReconcileInterval:         time.Minute,
			ReconcileFailureThreshold: 3,
			PropagationRetry:          model.DefaultRetryPolicy(),
		},
		AnalyticsConfig: AnalyticsConfig{
			Buffer:        4096,
			RetryInterval: 5 * time.Second,
			MaxTries:      3,
		},
		Systems: map[string]string{},
	}
}

func (c Config) Validate() error {
	switch c.StorageType {
	case STORAGE_TYPE_INMEM, STORAGE_TYPE_REDIS:
	default:
		return fmt.Errorf("unknown storage implementation %q", c.StorageType)
	}
	switch c.ExecutionStoreType {
	case EXECUTION_STORE_DEFAULT:
	case EXECUTION_STORE_POSTGRES:
		if c.PostgresConfig.DSN == "" {
			return fmt.Errorf("postgres execution store requires postgres-dsn")
		}
	default:
		return fmt.Errorf("unknown execution store %q", c.ExecutionStoreType)
	}
	if c.StorageType == STORAGE_TYPE_REDIS && len(c.RedisConfig.Addrs) == 0 {
		return fmt.Errorf("redis storage requires redis-addr")
	}
	if c.EngineConfig.Workers <= 0 {
		return fmt.Errorf("engine-workers must be positive")
	}
	if c.SyncConfig.Lanes <= 0 {
		return fmt.Errorf("sync-lanes must be positive")
	}
	if c.SyncConfig.Window <= 0 {
		return fmt.Errorf("sync-window must be positive")
	}
	if c.AnalyticsConfig.KafkaTopic != "" && len(c.KafkaConfig.Brokers) == 0 {
		return fmt.Errorf("kafka-analytics-topic requires kafka-brokers")
	}
	if c.KafkaConfig.AlertTopic != "" && len(c.KafkaConfig.Brokers) == 0 {
		return fmt.Errorf("kafka-alert-topic requires kafka-brokers")
	}
	return nil
}

// ParseSystems reads "name=url" pairs.
func ParseSystems(pairs []string) (map[string]string, error) {
	systems := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, url, ok := strings.Cut(pair, "=")
		if !ok || name == "" || url == "" {
			return nil, fmt.Errorf("invalid system %q, expected name=url", pair)
		}
		if _, dup := systems[name]; dup {
			return nil, fmt.Errorf("system %s configured twice", name)
		}
		systems[name] = url
	}
	return systems, nil
}

// SplitList splits a comma separated flag value, dropping empty items.
func SplitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
