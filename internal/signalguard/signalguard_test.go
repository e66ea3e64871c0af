package signalguard

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freebsd-jails/director/internal/jaildriver"
)

func TestHandlerStopsCurrentJailAndExits(t *testing.T) {
	fake := jaildriver.NewFakeTool()
	driver := jaildriver.NewWithTool(fake)

	var stopped string
	var exitCode int
	exited := make(chan struct{})

	g := Install(driver, func(jail string) error {
		stopped = jail
		return nil
	})
	g.exit = func(code int) {
		exitCode = code
		close(exited)
	}
	g.SetCurrentJail("web-ab12")

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGTERM))

	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not fire")
	}

	assert.Equal(t, "web-ab12", stopped)
	assert.Equal(t, ExSoftware, exitCode)
	assert.True(t, g.Fired())
}

func TestDetachStopsListening(t *testing.T) {
	fake := jaildriver.NewFakeTool()
	driver := jaildriver.NewWithTool(fake)

	called := false
	g := Install(driver, func(jail string) error {
		called = true
		return nil
	})
	g.exit = func(code int) {}
	g.Detach()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	<-ctx.Done()

	assert.False(t, called)
	assert.False(t, g.Fired())
}
