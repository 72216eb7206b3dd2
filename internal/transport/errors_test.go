package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"

	"github.com/codetrek/replix/pkg/model"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrClass
	}{
		{"nil", nil, ClassUnknown},
		{"already classified", NewError(ClassTLS, errors.New("boom")), ClassTLS},
		{"wrapped classified", fmt.Errorf("dial: %w", NewError(ClassAuth, errors.New("nope"))), ClassAuth},
		{"dns", &net.DNSError{Err: "no such host", Name: "peer"}, ClassDNS},
		{"context deadline", context.DeadlineExceeded, ClassTimeout},
		{"nats timeout", nats.ErrTimeout, ClassTimeout},
		{"nats no responders", nats.ErrNoResponders, ClassTimeout},
		{"conn reset", syscall.ECONNRESET, ClassReset},
		{"conn refused", syscall.ECONNREFUSED, ClassReset},
		{"broken pipe", syscall.EPIPE, ClassReset},
		{"nats closed", nats.ErrConnectionClosed, ClassReset},
		{"nats auth", nats.ErrAuthorization, ClassAuth},
		{"unauthorized", fmt.Errorf("hello: %w", model.ErrUnauthorized), ClassAuth},
		{"other", errors.New("whatever"), ClassUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(nats.ErrTimeout))
	assert.True(t, IsTransient(syscall.ECONNRESET))
	assert.False(t, IsTransient(model.ErrUnauthorized))
	assert.False(t, IsTransient(&net.DNSError{Err: "no such host"}))
	assert.False(t, IsTransient(nil))
}

func TestIsNetworkDependent(t *testing.T) {
	assert.True(t, IsNetworkDependent(&net.DNSError{Err: "no such host"}))
	assert.True(t, IsNetworkDependent(syscall.ENETUNREACH))
	assert.True(t, IsNetworkDependent(syscall.EHOSTUNREACH))
	assert.False(t, IsNetworkDependent(syscall.ECONNRESET))
	assert.False(t, IsNetworkDependent(nil))
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("underlying")
	err := NewError(ClassReset, cause)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "reset: underlying", err.Error())
}
