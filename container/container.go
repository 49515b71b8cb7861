package container

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mohitkumar/flowsync/adapter"
	"github.com/mohitkumar/flowsync/analytics"
	"github.com/mohitkumar/flowsync/config"
	"github.com/mohitkumar/flowsync/logger"
	"github.com/mohitkumar/flowsync/messaging"
	"github.com/mohitkumar/flowsync/notify"
	"github.com/mohitkumar/flowsync/persistence"
	"github.com/mohitkumar/flowsync/persistence/memory"
	"github.com/mohitkumar/flowsync/persistence/postgres"
	rd "github.com/mohitkumar/flowsync/persistence/redis"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KAFKA_SYSTEM_PREFIX marks a system url as a kafka topic, e.g. kafka://welcome-messages.
const KAFKA_SYSTEM_PREFIX = "kafka://"

const ADAPTER_TIMEOUT = 30 * time.Second

type DIContiner struct {
	initialized    bool
	eventStore     persistence.EventStore
	workflowStore  persistence.WorkflowStore
	executionStore persistence.ExecutionStore
	entityStore    persistence.EntityStore
	conflictStore  persistence.ConflictStore
	adapters       *adapter.Registry
	syncSystems    []adapter.Adapter
	notifier       notify.Notifier
	aggregator     *analytics.Aggregator
	sinks          []analytics.Sink
	kafkaWriter    *kafka.Writer
	closers        []func() error
}

func (p *DIContiner) setInitialized() {
	p.initialized = true
}

func NewDiContainer() *DIContiner {
	return &DIContiner{
		initialized: false,
	}
}

func (d *DIContiner) Init(conf config.Config) error {
	if err := d.initStorage(conf); err != nil {
		return err
	}
	if len(conf.KafkaConfig.Brokers) > 0 {
		d.kafkaWriter = messaging.NewWriter(messaging.Config{Brokers: conf.KafkaConfig.Brokers})
		d.closers = append(d.closers, d.kafkaWriter.Close)
	}
	d.initNotifier(conf)
	if err := d.initAnalytics(conf); err != nil {
		return err
	}
	if err := d.initAdapters(conf); err != nil {
		return err
	}
	d.setInitialized()
	return nil
}

func (d *DIContiner) initStorage(conf config.Config) error {
	switch conf.StorageType {
	case config.STORAGE_TYPE_REDIS:
		rdConf := rd.Config{
			Addrs:     conf.RedisConfig.Addrs,
			Namespace: conf.RedisConfig.Namespace,
		}
		client := rd.NewClient(rdConf)
		d.closers = append(d.closers, client.Close)
		d.eventStore = rd.NewRedisEventDao(client, rdConf)
		d.workflowStore = rd.NewRedisWorkflowDao(client, rdConf)
		d.executionStore = rd.NewRedisExecutionDao(client, rdConf)
		d.entityStore = rd.NewRedisEntityDao(client, rdConf)
		d.conflictStore = rd.NewRedisConflictDao(client, rdConf)
	case config.STORAGE_TYPE_INMEM:
		d.eventStore = memory.NewEventStore()
		d.workflowStore = memory.NewWorkflowStore()
		d.executionStore = memory.NewExecutionStore()
		d.entityStore = memory.NewEntityStore()
		d.conflictStore = memory.NewConflictStore()
	default:
		return fmt.Errorf("unknown storage implementation %q", conf.StorageType)
	}

	if conf.ExecutionStoreType == config.EXECUTION_STORE_POSTGRES {
		if err := postgres.Migrate(conf.PostgresConfig.DSN); err != nil {
			return err
		}
		store, err := postgres.NewExecutionStore(conf.PostgresConfig.DSN)
		if err != nil {
			return err
		}
		d.executionStore = store
		d.closers = append(d.closers, store.Close)
	}
	logger.Info("storage initialized", zap.String("storage", string(conf.StorageType)), zap.String("executionStore", string(conf.ExecutionStoreType)))
	return nil
}

func (d *DIContiner) initNotifier(conf config.Config) {
	notifiers := notify.MultiNotifier{notify.LogNotifier{}}
	if d.kafkaWriter != nil && conf.KafkaConfig.AlertTopic != "" {
		notifiers = append(notifiers, notify.NewKafkaNotifier(messaging.NewProducer(d.kafkaWriter, conf.KafkaConfig.AlertTopic)))
	}
	d.notifier = notifiers
}

func (d *DIContiner) initAnalytics(conf config.Config) error {
	d.aggregator = analytics.NewAggregator()
	d.sinks = []analytics.Sink{d.aggregator}
	if conf.AnalyticsConfig.FileName != "" {
		fileSink, err := analytics.NewLogFileSink(conf.AnalyticsConfig.FileName)
		if err != nil {
			return err
		}
		d.sinks = append(d.sinks, fileSink)
		d.closers = append(d.closers, fileSink.Close)
	}
	if d.kafkaWriter != nil && conf.AnalyticsConfig.KafkaTopic != "" {
		d.sinks = append(d.sinks, analytics.NewKafkaSink(messaging.NewProducer(d.kafkaWriter, conf.AnalyticsConfig.KafkaTopic)))
	}
	return nil
}

// initAdapters builds one adapter per configured system. Webhook systems
// also take part in entity synchronization, kafka systems only receive
// action messages.
func (d *DIContiner) initAdapters(conf config.Config) error {
	d.adapters = adapter.NewRegistry()
	names := make([]string, 0, len(conf.Systems))
	for name := range conf.Systems {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		url := conf.Systems[name]
		if topic, ok := strings.CutPrefix(url, KAFKA_SYSTEM_PREFIX); ok {
			if d.kafkaWriter == nil {
				return fmt.Errorf("system %s needs kafka-brokers", name)
			}
			d.adapters.Register(adapter.NewKafkaAdapter(name, messaging.NewProducer(d.kafkaWriter, topic)))
			continue
		}
		a := adapter.NewWebhookAdapter(name, url, ADAPTER_TIMEOUT)
		d.adapters.Register(a)
		d.syncSystems = append(d.syncSystems, a)
	}
	logger.Info("adapters initialized", zap.Strings("systems", d.adapters.Names()))
	return nil
}

// RegisterAdapter adds an adapter after Init, syncing marks it as a
// synchronization target as well.
func (d *DIContiner) RegisterAdapter(a adapter.Adapter, syncing bool) {
	d.GetAdapters().Register(a)
	if syncing {
		d.syncSystems = append(d.syncSystems, a)
	}
}

func (d *DIContiner) Close() error {
	var firstErr error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	d.closers = nil
	return firstErr
}

func (d *DIContiner) mustBeInitialized() {
	if !d.initialized {
		panic("container not initalized")
	}
}

func (d *DIContiner) GetEventStore() persistence.EventStore {
	d.mustBeInitialized()
	return d.eventStore
}

func (d *DIContiner) GetWorkflowStore() persistence.WorkflowStore {
	d.mustBeInitialized()
	return d.workflowStore
}

func (d *DIContiner) GetExecutionStore() persistence.ExecutionStore {
	d.mustBeInitialized()
	return d.executionStore
}

func (d *DIContiner) GetEntityStore() persistence.EntityStore {
	d.mustBeInitialized()
	return d.entityStore
}

func (d *DIContiner) GetConflictStore() persistence.ConflictStore {
	d.mustBeInitialized()
	return d.conflictStore
}

func (d *DIContiner) GetAdapters() *adapter.Registry {
	d.mustBeInitialized()
	return d.adapters
}

func (d *DIContiner) GetSyncSystems() []adapter.Adapter {
	d.mustBeInitialized()
	return d.syncSystems
}

func (d *DIContiner) GetNotifier() notify.Notifier {
	d.mustBeInitialized()
	return d.notifier
}

func (d *DIContiner) GetAggregator() *analytics.Aggregator {
	d.mustBeInitialized()
	return d.aggregator
}

func (d *DIContiner) GetAnalyticsSinks() []analytics.Sink {
	d.mustBeInitialized()
	return d.sinks
}
