package main

import (
	"context"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"behavtrust/pkg/structlog"
)

// isolateEnv keeps the host environment from pointing run at real backends.
func isolateEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"BEHAVTRUST_CONFIG", "DATABASE_URL", "REDIS_HOST", "SENDER_EMAIL", "OTEL_EXPORTER_OTLP_ENDPOINT"} {
		t.Setenv(k, "")
	}
}

func TestRun_ConfigErrorIsReturned(t *testing.T) {
	isolateEnv(t)
	err := run(context.Background(), structlog.Discard(), filepath.Join(t.TempDir(), "missing.yaml"), nil, options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}

func TestRun_CreateUser(t *testing.T) {
	isolateEnv(t)

	t.Setenv("BEHAVAUTH_NEW_USER_PASSWORD", "short")
	err := run(context.Background(), structlog.Discard(), "", []string{"create-user", "alice@example.com"}, options{})
	assert.ErrorContains(t, err, "create user")

	err = run(context.Background(), structlog.Discard(), "", []string{"create-user"}, options{})
	assert.ErrorContains(t, err, "usage")

	t.Setenv("BEHAVAUTH_NEW_USER_PASSWORD", "long-enough-password")
	assert.NoError(t, run(context.Background(), structlog.Discard(), "", []string{"create-user", "alice@example.com"}, options{}))
}

func TestRun_ListenFailureIsReturned(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer ln.Close()

	isolateEnv(t)
	t.Setenv("PORT", strconv.Itoa(ln.Addr().(*net.TCPAddr).Port))

	done := make(chan error, 1)
	go func() { done <- run(context.Background(), structlog.Discard(), "", nil, options{}) }()

	select {
	case err := <-done:
		assert.ErrorContains(t, err, "serve")
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after the listener failed")
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	isolateEnv(t)
	t.Setenv("PORT", strconv.Itoa(port))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, structlog.Discard(), "", nil, options{}) }()
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(20 * time.Second):
		t.Fatal("run did not return after cancellation")
	}
}
