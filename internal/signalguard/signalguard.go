// Package signalguard installs the termination-signal handler described in
// spec §4.7: while a run is in flight it tracks which jail is currently
// being built and the JailDriver's process registry, so a termination
// signal can stop that jail and kill its children before the process
// exits, instead of leaving a half-built jail and orphaned children
// behind.
package signalguard

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/freebsd-jails/director/internal/jaildriver"
)

// informational are ignored entirely: ambient system activity (an
// unrelated alarm, a profiling signal) must never interrupt a run.
var informational = []os.Signal{
	syscall.SIGALRM,
	syscall.SIGVTALRM,
	syscall.SIGPROF,
	syscall.SIGUSR1,
	syscall.SIGUSR2,
}

// termination signals trigger the stop-then-exit handler.
var termination = []os.Signal{
	syscall.SIGHUP,
	syscall.SIGINT,
	syscall.SIGQUIT,
	syscall.SIGTERM,
	syscall.SIGXCPU,
	syscall.SIGXFSZ,
}

// StopFunc stops a running jail by name, best-effort.
type StopFunc func(jail string) error

// Guard is the process-wide signal handler installed for the duration of
// one reconciler run.
type Guard struct {
	driver *jaildriver.Driver
	stop   StopFunc
	exit   func(code int)

	mu          sync.Mutex
	currentJail string

	sigCh    chan os.Signal
	done     chan struct{}
	fired    chan struct{}
	killWait time.Duration
}

// Install ignores the informational signals and arms the termination
// handler. driver supplies the child-process registry to clean up; stop is
// called with the current jail name (if any) before children are killed.
// Call Detach when the run completes normally.
func Install(driver *jaildriver.Driver, stop StopFunc) *Guard {
	g := &Guard{
		driver:   driver,
		stop:     stop,
		exit:     os.Exit,
		sigCh:    make(chan os.Signal, 1),
		done:     make(chan struct{}),
		fired:    make(chan struct{}),
		killWait: 10 * time.Second,
	}

	signal.Ignore(informational...)
	signal.Notify(g.sigCh, termination...)

	go g.wait()

	return g
}

// SetCurrentJail records the jail name the handler should stop if a signal
// arrives while it is being built. An empty name means "no jail in
// flight".
func (g *Guard) SetCurrentJail(jail string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.currentJail = jail
}

// Detach stops listening for signals without running the handler; used on
// a clean exit from the reconciler.
func (g *Guard) Detach() {
	signal.Stop(g.sigCh)
	close(g.done)
}

// Fired reports whether the termination handler has run. Used by tests to
// assert the handler actually ran without invoking the process-terminating
// g.exit.
func (g *Guard) Fired() bool {
	select {
	case <-g.fired:
		return true
	default:
		return false
	}
}

func (g *Guard) wait() {
	select {
	case <-g.sigCh:
		g.handle()
	case <-g.done:
		return
	}
}

// handle runs the spec §4.7 termination sequence. Disabling the handler
// first (via signal.Stop) is what makes it re-entrancy-safe: a second
// termination signal during cleanup falls through to the default action
// instead of recursing.
func (g *Guard) handle() {
	signal.Stop(g.sigCh)
	close(g.fired)

	g.mu.Lock()
	jail := g.currentJail
	g.mu.Unlock()

	if jail != "" && g.stop != nil {
		_ = g.stop(jail)
	}

	g.killChildren()

	g.exit(ExSoftware)
}

// killChildren walks the driver's process registry, terminating any child
// still running through appjail's own process-killing path, with a
// bounded wait so a wedged child cannot hang the handler forever.
func (g *Guard) killChildren() {
	if g.driver == nil || g.driver.Registry == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), g.killWait)
	defer cancel()

	for _, pid := range g.driver.Registry.Pids() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		g.driver.Terminate(pid)
	}
}

// ExSoftware is the sysexits EX_SOFTWARE value a signal-initiated
// termination exits with.
const ExSoftware = 70
