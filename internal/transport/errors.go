package transport

import (
	"context"
	"errors"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/anvil-platform/anvil-mgmt/internal/errdefs"
)

// ErrorDomain is the ErrorInfo domain attached to every management failure.
const ErrorDomain = "management.anvil.dev"

type errorKind struct {
	err    error
	reason string
	code   codes.Code
}

// Degraded comes first: a degraded resource also wraps the install failure behind it.
var errorKinds = []errorKind{
	{errdefs.ErrDegraded, "DEGRADED", codes.DataLoss},
	{errdefs.ErrConstraintViolation, "CONSTRAINT_VIOLATION", codes.InvalidArgument},
	{errdefs.ErrUnresolvedCapability, "UNRESOLVED_CAPABILITY", codes.FailedPrecondition},
	{errdefs.ErrDependentStillRegistered, "DEPENDENT_STILL_REGISTERED", codes.FailedPrecondition},
	{errdefs.ErrCyclicDependency, "CYCLIC_DEPENDENCY", codes.FailedPrecondition},
	{errdefs.ErrNoSuchResource, "NO_SUCH_RESOURCE", codes.NotFound},
	{errdefs.ErrNoSuchService, "NO_SUCH_SERVICE", codes.NotFound},
	{errdefs.ErrDuplicateResource, "DUPLICATE_RESOURCE", codes.AlreadyExists},
	{errdefs.ErrDuplicateCapability, "DUPLICATE_CAPABILITY", codes.AlreadyExists},
	{errdefs.ErrServiceInstallFailed, "SERVICE_INSTALL_FAILED", codes.Unavailable},
}

// ToStatus converts an operation error into a gRPC status error carrying the failure
// kind as an ErrorInfo reason.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err).Err()
	}
	for _, k := range errorKinds {
		if !errors.Is(err, k.err) {
			continue
		}
		st := status.New(k.code, err.Error())
		if detailed, derr := st.WithDetails(&errdetails.ErrorInfo{Reason: k.reason, Domain: ErrorDomain}); derr == nil {
			st = detailed
		}
		return st.Err()
	}
	return status.Error(codes.Internal, err.Error())
}

// RemoteError is a management failure reported by the server. It unwraps to the
// matching errdefs sentinel so callers classify it with errors.Is.
type RemoteError struct {
	Code    codes.Code
	Reason  string
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

func (e *RemoteError) Unwrap() error {
	for _, k := range errorKinds {
		if k.reason == e.Reason {
			return k.err
		}
	}
	return nil
}

// FromStatus converts a gRPC error returned by the server back into a RemoteError.
// Errors without a status are returned unchanged.
func FromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok || st.Code() == codes.OK {
		return err
	}
	out := &RemoteError{Code: st.Code(), Message: st.Message()}
	for _, d := range st.Details() {
		if info, ok := d.(*errdetails.ErrorInfo); ok && info.GetDomain() == ErrorDomain {
			out.Reason = info.GetReason()
		}
	}
	return out
}
