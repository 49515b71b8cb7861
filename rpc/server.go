package rpc

import (
	"context"
	"time"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_zap "github.com/grpc-ecosystem/go-grpc-middleware/logging/zap"
	grpc_ctxtags "github.com/grpc-ecosystem/go-grpc-middleware/tags"
	api "github.com/mohitkumar/flowsync/api/v1"
	"github.com/mohitkumar/flowsync/util"
	"go.opencensus.io/plugin/ocgrpc"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const DEFAULT_TRACE_SAMPLE_RATE = 0.1

const (
	TAG_EVENT_SOURCE = "flowsync.event_source"
	TAG_EVENT_TYPE   = "flowsync.event_type"
	TAG_EXECUTION_ID = "flowsync.execution_id"
)

type GrpcConfig struct {
	Receiver   EventReceiver
	Executions ExecutionReader
	// SampleRate is the fraction of requests traced, zero means
	// DEFAULT_TRACE_SAMPLE_RATE.
	SampleRate float64
	// UnaryInterceptors run after the tagging and logging interceptors.
	UnaryInterceptors []grpc.UnaryServerInterceptor
}

type grpcServer struct {
	api.UnimplementedEventServiceServer
	*GrpcConfig
}

func NewGrpcServer(config *GrpcConfig) (*grpc.Server, error) {
	logger := zap.L().Named("server")
	zapOpts := []grpc_zap.Option{
		grpc_zap.WithDurationField(
			func(duration time.Duration) zapcore.Field {
				return zap.Int64(
					"grpc.time_ns",
					duration.Nanoseconds(),
				)
			},
		),
	}
	trace.ApplyConfig(trace.Config{DefaultSampler: sampler(config.SampleRate)})
	err := view.Register(ocgrpc.DefaultServerViews...)
	if err != nil {
		return nil, err
	}
	unary := []grpc.UnaryServerInterceptor{
		grpc_ctxtags.UnaryServerInterceptor(),
		requestTagsInterceptor,
		grpc_zap.UnaryServerInterceptor(logger, zapOpts...),
	}
	unary = append(unary, config.UnaryInterceptors...)
	grpcOpts := make([]grpc.ServerOption, 0)
	grpcOpts = append(grpcOpts,
		grpc.StreamInterceptor(
			grpc_middleware.ChainStreamServer(
				grpc_ctxtags.StreamServerInterceptor(),
				grpc_zap.StreamServerInterceptor(logger, zapOpts...),
			)), grpc.UnaryInterceptor(grpc_middleware.ChainUnaryServer(unary...)),
		grpc.StatsHandler(&ocgrpc.ServerHandler{}),
	)

	gsrv := grpc.NewServer(grpcOpts...)
	srv := &grpcServer{
		GrpcConfig: config,
	}
	api.RegisterEventServiceServer(gsrv, srv)
	return gsrv, nil
}

func sampler(rate float64) trace.Sampler {
	switch {
	case rate <= 0:
		return trace.ProbabilitySampler(DEFAULT_TRACE_SAMPLE_RATE)
	case rate >= 1:
		return trace.AlwaysSample()
	}
	return trace.ProbabilitySampler(rate)
}

// requestTagsInterceptor tags the request with the event source and type of
// an ingest, or the execution id of a lookup, so access logs carry them.
func requestTagsInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	body, ok := req.(*structpb.Struct)
	if !ok {
		return handler(ctx, req)
	}
	tags := grpc_ctxtags.Extract(ctx)
	switch info.FullMethod {
	case api.EventService_Ingest_FullMethodName:
		if source := util.StringField(body, "source"); source != "" {
			tags.Set(TAG_EVENT_SOURCE, source)
		}
		if eventType := util.StringField(body, "eventType"); eventType != "" {
			tags.Set(TAG_EVENT_TYPE, eventType)
		}
	case api.EventService_GetExecution_FullMethodName:
		if id := util.StringField(body, "id"); id != "" {
			tags.Set(TAG_EXECUTION_ID, id)
		}
	}
	return handler(ctx, req)
}
