package agent

import (
	"fmt"
	"net"
	"sync"

	"github.com/mohitkumar/flowsync/action"
	"github.com/mohitkumar/flowsync/analytics"
	"github.com/mohitkumar/flowsync/config"
	"github.com/mohitkumar/flowsync/container"
	"github.com/mohitkumar/flowsync/datasync"
	"github.com/mohitkumar/flowsync/engine"
	"github.com/mohitkumar/flowsync/logger"
	"github.com/mohitkumar/flowsync/metadata"
	"github.com/mohitkumar/flowsync/rest"
	"github.com/mohitkumar/flowsync/rpc"
	"github.com/mohitkumar/flowsync/trigger"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

type Agent struct {
	Config          config.Config
	diContainer     *container.DIContiner
	collector       *analytics.Collector
	syncService     *datasync.Service
	metadataService *metadata.MetadataServiceImpl
	executor        *action.Executor
	engine          *engine.FlowEngine
	receiver        *trigger.Receiver
	httpServer      *rest.Server
	grpcServer      *grpc.Server
	grpcListener    net.Listener
	shutdown        bool
	shutdowns       chan struct{}
	shutdownLock    sync.Mutex
	wg              sync.WaitGroup
}

func New(config config.Config) (*Agent, error) {
	a := &Agent{
		Config:    config,
		shutdowns: make(chan struct{}),
	}
	setup := []func() error{
		a.setupContainer,
		a.setupCollector,
		a.setupSyncService,
		a.setupMetadataService,
		a.setupEngine,
		a.setupHttpServer,
		a.setupGrpcServer,
	}
	for _, fn := range setup {
		if err := fn(); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *Agent) setupContainer() error {
	a.diContainer = container.NewDiContainer()
	return a.diContainer.Init(a.Config)
}

func (a *Agent) setupCollector() error {
	conf := a.Config.AnalyticsConfig
	a.collector = analytics.NewCollector(analytics.CollectorConfig{
		Buffer:        conf.Buffer,
		RetryInterval: conf.RetryInterval,
		MaxTries:      conf.MaxTries,
	}, a.diContainer.GetAnalyticsSinks(), &a.wg)
	a.collector.Start()
	return nil
}

func (a *Agent) setupSyncService() error {
	conf := a.Config.SyncConfig
	a.syncService = datasync.NewService(datasync.Config{
		Window:                    conf.Window,
		Lanes:                     conf.Lanes,
		LaneBuffer:                conf.LaneBuffer,
		CriticalFields:            conf.CriticalFields,
		ReconcileInterval:         conf.ReconcileInterval,
		ReconcileFailureThreshold: conf.ReconcileFailureThreshold,
		PropagationRetry:          conf.PropagationRetry,
	}, a.diContainer.GetEntityStore(), a.diContainer.GetConflictStore(), a.diContainer.GetNotifier(), &a.wg)
	for _, system := range a.diContainer.GetSyncSystems() {
		a.syncService.RegisterSystem(system.Name(), system)
	}
	a.syncService.Start()
	return nil
}

func (a *Agent) setupMetadataService() error {
	store := metadata.NewCachedWorkflowStore(a.diContainer.GetWorkflowStore(), a.Config.EngineConfig.WorkflowCacheTTL)
	a.metadataService = metadata.NewMetadataService(store, a.diContainer.GetAdapters())
	return nil
}

func (a *Agent) setupEngine() error {
	conf := a.Config.EngineConfig
	a.executor = action.NewExecutor(a.diContainer.GetAdapters(), a.syncService, a.collector)
	a.engine = engine.NewFlowEngine(engine.Config{
		Workers:              conf.Workers,
		EventBuffer:          conf.EventBuffer,
		LongRunningThreshold: conf.LongRunningThreshold,
		LongRunningScan:      conf.LongRunningScan,
	}, a.metadataService, a.diContainer.GetExecutionStore(), a.diContainer.GetEventStore(), a.executor, a.diContainer.GetNotifier(), a.collector, &a.wg)
	a.engine.Start()
	a.receiver = trigger.NewReceiver(a.diContainer.GetEventStore(), a.engine, a.Config.TriggerConfig.DedupWindow)
	a.receiver.StartRedispatch(a.Config.TriggerConfig.RedispatchInterval, &a.wg)
	return nil
}

func (a *Agent) setupHttpServer() error {
	var err error
	a.httpServer, err = rest.NewServer(a.Config.HttpPort, a.receiver, a.metadataService, a.engine, a.syncService, a.diContainer.GetAggregator())
	if err != nil {
		return err
	}
	return nil
}

func (a *Agent) setupGrpcServer() error {
	var err error
	conf := &rpc.GrpcConfig{
		Receiver:   a.receiver,
		Executions: a.engine,
		SampleRate: a.Config.TraceSampleRate,
	}
	a.grpcServer, err = rpc.NewGrpcServer(conf)
	if err != nil {
		return err
	}
	return nil
}

func (a *Agent) Start() error {
	logger.Info("startting grpc server on", zap.Int("port", a.Config.GrpcPort))
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", a.Config.GrpcPort))
	if err != nil {
		return err
	}
	a.grpcListener = lis

	go func() {
		if err := a.httpServer.Start(); err != nil {
			logger.Error("http server failed", zap.Error(err))
			_ = a.Shutdown()
		}
	}()

	go func() {
		if err := a.grpcServer.Serve(lis); err != nil {
			logger.Error("grpc server failed", zap.Error(err))
			_ = a.Shutdown()
		}
	}()
	return nil
}

// GrpcAddr is the address the grpc server listens on once started.
func (a *Agent) GrpcAddr() string {
	if a.grpcListener == nil {
		return ""
	}
	return fmt.Sprintf("localhost:%d", a.grpcListener.Addr().(*net.TCPAddr).Port)
}

func (a *Agent) Shutdown() error {
	logger.Info("shutting down server")
	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()
	if a.shutdown {
		return nil
	}
	a.shutdown = true
	close(a.shutdowns)

	shutdown := []func() error{
		a.httpServer.Stop,
		func() error {
			logger.Info("stopping grpc server")
			a.grpcServer.GracefulStop()
			return nil
		},
		a.receiver.Stop,
		a.engine.Stop,
		a.syncService.Stop,
		a.collector.Stop,
	}
	for _, fn := range shutdown {
		if err := fn(); err != nil {
			return err
		}
	}
	logger.Info("waiting for all services to shutdown...")
	a.wg.Wait()
	return a.diContainer.Close()
}
