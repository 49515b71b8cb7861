package api_v1

import (
	"fmt"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	status "google.golang.org/grpc/status"
)

func withMessage(st *status.Status, msg string) *status.Status {
	d := &errdetails.LocalizedMessage{
		Locale:  "en-US",
		Message: msg,
	}
	std, err := st.WithDetails(d)
	if err != nil {
		return st
	}
	return std
}

type MalformedEventError struct {
	Reason string
}

func (e MalformedEventError) GRPCStatus() *status.Status {
	msg := fmt.Sprintf("malformed event: %s", e.Reason)
	return withMessage(status.New(codes.InvalidArgument, msg), msg)
}

func (e MalformedEventError) Error() string {
	return e.GRPCStatus().Err().Error()
}

type NotFoundError struct {
	Resource string
	Id       string
}

func (e NotFoundError) GRPCStatus() *status.Status {
	msg := fmt.Sprintf("%s %s not found", e.Resource, e.Id)
	return withMessage(status.New(codes.NotFound, msg), msg)
}

func (e NotFoundError) Error() string {
	return e.GRPCStatus().Err().Error()
}

type UnavailableError struct{}

func (e UnavailableError) GRPCStatus() *status.Status {
	msg := "workflow engine is not accepting events"
	return withMessage(status.New(codes.Unavailable, msg), msg)
}

func (e UnavailableError) Error() string {
	return e.GRPCStatus().Err().Error()
}

type StorageLayerError struct{}

func (e StorageLayerError) GRPCStatus() *status.Status {
	msg := "error in underline storage layer"
	return withMessage(status.New(codes.Internal, msg), msg)
}

func (e StorageLayerError) Error() string {
	return e.GRPCStatus().Err().Error()
}
