package errutil

import (
	"context"
	"errors"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorDomain identifies wallet errors in errdetails.ErrorInfo.
const ErrorDomain = "guildwallet"

// GRPCCode maps a CoreStatus onto the gRPC code a client should branch on.
// Conflicts are Aborted: the whole operation may be retried.
func (s CoreStatus) GRPCCode() codes.Code {
	switch s {
	case StatusUnauthorized:
		return codes.Unauthenticated
	case StatusForbidden:
		return codes.PermissionDenied
	case StatusNotFound:
		return codes.NotFound
	case StatusTimeout, StatusGatewayTimeout:
		return codes.DeadlineExceeded
	case StatusUnprocessableEntity:
		return codes.FailedPrecondition
	case StatusUnsupportedMediaType, StatusBadRequest, StatusValidationFailed:
		return codes.InvalidArgument
	case StatusConflict:
		return codes.Aborted
	case StatusTooManyRequests:
		return codes.ResourceExhausted
	case StatusClientClosedRequest:
		return codes.Canceled
	case StatusNotImplemented:
		return codes.Unimplemented
	case StatusBadGateway, StatusServiceUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// ToGRPCError converts err into a status error. A BaseError keeps its reason
// and details in an ErrorInfo so callers can tell policy violations apart.
func ToGRPCError(err error) error {
	if err == nil {
		return nil
	}

	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}

	var base BaseError
	if !errors.As(err, &base) {
		return status.Error(codes.Internal, "internal error")
	}

	message := base.messageWithErr()
	if base.Code == StatusInternal {
		message = base.Message
	}
	st := status.New(base.Code.GRPCCode(), message)

	info := &errdetails.ErrorInfo{
		Reason:   base.Reason,
		Domain:   ErrorDomain,
		Metadata: map[string]string{"code": string(base.Code)},
	}
	if info.Reason == "" {
		info.Reason = string(base.Code)
	}
	for _, d := range base.Details {
		info.Metadata[d.Field] = d.Message
	}

	withInfo, detailErr := st.WithDetails(info)
	if detailErr != nil {
		return st.Err()
	}
	return withInfo.Err()
}
