package server

import (
	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"
	"google.golang.org/genproto/googleapis/rpc/code"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/protoadapt"

	"github.com/frobware/go-p4node"
)

// errorSpace names the space of the target-specific code carried in
// p4v1.Error.Code.
const errorSpace = "p4node"

// grpcCode returns the canonical code of err. Errors that already carry
// a gRPC status keep it.
func grpcCode(err error) codes.Code {
	if st, ok := status.FromError(err); ok {
		return st.Code()
	}
	return p4node.CodeOf(err).GRPC()
}

// toStatus converts err into a gRPC status error.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(p4node.CodeOf(err).GRPC(), err.Error())
}

// p4Error describes one update or entity result.
func p4Error(err error) *p4v1.Error {
	if err == nil {
		return &p4v1.Error{CanonicalCode: int32(code.Code_OK)}
	}
	return &p4v1.Error{
		CanonicalCode: int32(grpcCode(err)),
		Message:       err.Error(),
		Space:         errorSpace,
		Code:          int32(p4node.CodeOf(err)),
	}
}

// detailedStatus returns an UNKNOWN status carrying one p4v1.Error per
// result, as P4Runtime prescribes for batch failures.
func detailedStatus(err error, results []error) error {
	details := make([]protoadapt.MessageV1, len(results))
	for i, r := range results {
		details[i] = p4Error(r)
	}
	st, derr := status.New(codes.Unknown, err.Error()).WithDetails(details...)
	if derr != nil {
		return status.Errorf(codes.Internal, "attach error details: %v", derr)
	}
	return st.Err()
}
