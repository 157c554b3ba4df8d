package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestGetCodeUnwraps(t *testing.T) {
	err := fmt.Errorf("fetch: %w", FileNotFound("a.txt"))

	assert.True(t, IsStorageError(err))
	assert.Equal(t, ErrCodeFileNotFound, GetCode(err))
	assert.Equal(t, ErrCodeOK, GetCode(nil))
	assert.Equal(t, ErrCodeInternal, GetCode(fmt.Errorf("plain")))
}

func TestToGRPC(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{FileNotFound("x"), codes.NotFound},
		{InvalidArgument("bad", nil), codes.InvalidArgument},
		{Timeout("get", nil), codes.DeadlineExceeded},
		{NotJoined("put"), codes.FailedPrecondition},
		{DiskFull(99, 10), codes.ResourceExhausted},
		{fmt.Errorf("plain"), codes.Internal},
	}

	for _, tt := range tests {
		st, ok := status.FromError(ToGRPC(tt.err))
		assert.True(t, ok)
		assert.Equal(t, tt.want, st.Code(), tt.err.Error())
	}
	assert.NoError(t, ToGRPC(nil))
}

func TestWithDetail(t *testing.T) {
	err := FileNotFound("a.txt")
	assert.Equal(t, "a.txt", err.Details["name"])
	assert.Contains(t, Timeout("get", fmt.Errorf("deadline")).Error(), "deadline")
}

func TestFromGRPCRoundTrip(t *testing.T) {
	for _, err := range []*StorageError{
		FileNotFound("a"),
		NotJoined("put"),
		AlreadyJoined(),
		InvalidArgument("bad", nil),
		Timeout("fetch", nil),
		Unavailable("down", nil),
		DiskFull(97, 10),
	} {
		back := FromGRPC(ToGRPC(err))
		assert.Equal(t, err.Code, GetCode(back), err.Error())
	}

	assert.Nil(t, FromGRPC(nil))
	plain := fmt.Errorf("plain")
	assert.Equal(t, plain, FromGRPC(plain))
}
