package errdefs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestKindMappings(t *testing.T) {
	tests := []struct {
		kind Kind
		http int
		grpc codes.Code
	}{
		{KindInvalidRequest, http.StatusBadRequest, codes.InvalidArgument},
		{KindUnauthenticated, http.StatusUnauthorized, codes.Unauthenticated},
		{KindForbidden, http.StatusForbidden, codes.PermissionDenied},
		{KindNotFound, http.StatusNotFound, codes.NotFound},
		{KindConflict, http.StatusConflict, codes.AlreadyExists},
		{KindPrecondition, http.StatusPreconditionFailed, codes.FailedPrecondition},
		{KindThrottled, http.StatusTooManyRequests, codes.ResourceExhausted},
		{KindTimeout, http.StatusGatewayTimeout, codes.DeadlineExceeded},
		{KindUnavailable, http.StatusServiceUnavailable, codes.Unavailable},
		{KindCircuitOpen, http.StatusServiceUnavailable, codes.Unavailable},
		{KindOverloaded, http.StatusServiceUnavailable, codes.ResourceExhausted},
		{KindInternal, http.StatusInternalServerError, codes.Internal},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.http, tt.kind.HTTPStatus())
			assert.Equal(t, tt.grpc, tt.kind.GRPCCode())
		})
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Kind
	}{
		{"typed error", New(KindNotFound, "no such service"), KindNotFound},
		{"wrapped typed error", fmt.Errorf("dispatch: %w", New(KindThrottled, "slow down")), KindThrottled},
		{"context deadline", context.DeadlineExceeded, KindTimeout},
		{"context canceled", context.Canceled, KindCanceled},
		{"grpc unavailable", status.Error(codes.Unavailable, "conn refused"), KindUnavailable},
		{"grpc unimplemented", status.Error(codes.Unimplemented, "nope"), KindNotFound},
		{"plain error", errors.New("boom"), KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, KindOf(tt.err))
		})
	}
}

func TestFromGRPCRoundTrip(t *testing.T) {
	src := status.Error(codes.NotFound, "user u1 not found")
	err := FromGRPC(src)

	var typed *Error
	assert.True(t, errors.As(err, &typed))
	assert.Equal(t, KindNotFound, typed.Kind)
	assert.Equal(t, "user u1 not found", typed.Message)

	back := ToGRPC(err)
	s, ok := status.FromError(back)
	assert.True(t, ok)
	assert.Equal(t, codes.NotFound, s.Code())
}

func TestIsRetriable(t *testing.T) {
	assert.True(t, IsRetriable(status.Error(codes.Unavailable, "x")))
	assert.True(t, IsRetriable(status.Error(codes.Aborted, "x")))
	assert.True(t, IsRetriable(New(KindTimeout, "deadline")))
	assert.False(t, IsRetriable(status.Error(codes.InvalidArgument, "x")))
	assert.False(t, IsRetriable(status.Error(codes.NotFound, "x")))
	assert.False(t, IsRetriable(status.Error(codes.Canceled, "x")))
	assert.False(t, IsRetriable(New(KindConflict, "exists")))
}

func TestCountsAsBreakerFailure(t *testing.T) {
	assert.True(t, CountsAsBreakerFailure(New(KindUnavailable, "down")))
	assert.True(t, CountsAsBreakerFailure(New(KindTimeout, "slow")))
	assert.True(t, CountsAsBreakerFailure(New(KindInternal, "bug")))
	assert.False(t, CountsAsBreakerFailure(nil))
	assert.False(t, CountsAsBreakerFailure(context.Canceled))
	assert.False(t, CountsAsBreakerFailure(New(KindNotFound, "missing")))
}

func TestRetryAfter(t *testing.T) {
	err := New(KindThrottled, "bucket empty").WithRetryAfter(250 * time.Millisecond)
	assert.Equal(t, 250*time.Millisecond, err.RetryAfter)

	var typed *Error
	assert.True(t, errors.As(fmt.Errorf("admit: %w", err), &typed))
	assert.Equal(t, 250*time.Millisecond, typed.RetryAfter)
}
