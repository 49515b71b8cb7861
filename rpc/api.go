package rpc

import (
	"context"
	"encoding/json"

	api "github.com/mohitkumar/flowsync/api/v1"
	"github.com/mohitkumar/flowsync/engine"
	"github.com/mohitkumar/flowsync/logger"
	"github.com/mohitkumar/flowsync/model"
	"github.com/mohitkumar/flowsync/persistence"
	"github.com/mohitkumar/flowsync/trigger"
	"github.com/mohitkumar/flowsync/util"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

type EventReceiver interface {
	Receive(ctx context.Context, raw model.RawEvent) (trigger.Receipt, error)
}

type ExecutionReader interface {
	GetExecution(ctx context.Context, id string) (*model.WorkflowExecution, error)
}

var _ api.EventServiceServer = (*grpcServer)(nil)

func (srv *grpcServer) Ingest(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var raw model.RawEvent
	if err := fromStruct(req, &raw); err != nil {
		return nil, &api.MalformedEventError{Reason: err.Error()}
	}
	receipt, err := srv.Receiver.Receive(ctx, raw)
	if err != nil {
		var malformed model.MalformedEventError
		switch {
		case errors.As(err, &malformed):
			return nil, &api.MalformedEventError{Reason: malformed.Reason}
		case errors.Is(err, engine.ErrNotRunning):
			return nil, &api.UnavailableError{}
		}
		return nil, toStatus(err)
	}
	return toStruct(receipt)
}

func (srv *grpcServer) GetExecution(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id := util.StringField(req, "id")
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}
	exec, err := srv.Executions.GetExecution(ctx, id)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, &api.NotFoundError{Resource: "execution", Id: id}
		}
		return nil, toStatus(err)
	}
	return toStruct(exec)
}

func toStatus(err error) error {
	var storageErr persistence.StorageLayerError
	if errors.As(err, &storageErr) {
		return &api.StorageLayerError{}
	}
	logger.Error("rpc request failed", zap.Error(err))
	return status.Error(codes.Internal, err.Error())
}

func fromStruct(s *structpb.Struct, v any) error {
	data, err := json.Marshal(util.FromStruct(s))
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	out, err := util.ToStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}
