// Package jaildriver is a thin, testable wrapper around the external
// appjail tool (spec §4.3). Every operation shells out to a single
// subprocess and returns its integer exit status; a Driver never
// interprets appjail's stdout itself beyond the one narrow case (is_dirty)
// where the tool's printed value is the only signal available.
package jaildriver

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/freebsd-jails/director/internal/errutil"
)

// DefaultTimeout mirrors spec §6's [commands] timeout default.
const DefaultTimeout = 1800 * time.Second

// Tool is the subset of appjail invocation Driver depends on, so tests can
// substitute a FakeTool instead of shelling out for real.
type Tool interface {
	// Run starts appjail with args, redirecting stdout+stderr to output (nil
	// means discard), waits up to timeout, and returns the process exit
	// status.
	Run(ctx context.Context, args []string, output io.Writer, env []string, timeout time.Duration) (int, error)
	// Terminate asks appjail to kill a tracked child by pid, via its own
	// `cmd jaildir kill` path rather than a direct signal.
	Terminate(pid int)
}

// Driver drives a single appjail binary, tracking every child it starts in
// a process registry so SignalGuard can find and terminate whatever is
// still running when a termination signal arrives mid-call.
type Driver struct {
	Tool     Tool
	Registry *ProcRegistry
}

// New returns a Driver that shells out to the real appjail binary on PATH.
func New() (*Driver, error) {
	path, err := exec.LookPath("appjail")
	if err != nil {
		return nil, errutil.Wrapf(err, "jaildriver: appjail not found on PATH")
	}
	reg := NewProcRegistry()
	return &Driver{Tool: &execTool{appjail: path, registry: reg}, Registry: reg}, nil
}

// NewWithTool returns a Driver over an arbitrary Tool, used by tests.
func NewWithTool(tool Tool) *Driver {
	return &Driver{Tool: tool, Registry: NewProcRegistry()}
}

// Terminate asks appjail to kill pid through its own process-killing path.
// Used by SignalGuard when walking the registry during cleanup.
func (d *Driver) Terminate(pid int) {
	d.Tool.Terminate(pid)
}

// Check reports whether jail exists.
func (d *Driver) Check(ctx context.Context, jail string, timeout time.Duration) (int, error) {
	return d.Tool.Run(ctx, []string{"jail", "get", "--", jail, "name"}, nil, nil, timeout)
}

// Status returns 0 running, 1 stopped, other = error.
func (d *Driver) Status(ctx context.Context, jail string, timeout time.Duration) (int, error) {
	return d.Tool.Run(ctx, []string{"status", "-q", "--", jail}, nil, nil, timeout)
}

// IsDirty returns 0/1 from `jail get dirty`, or -1 if indeterminate.
func (d *Driver) IsDirty(ctx context.Context, jail string, timeout time.Duration) (int, error) {
	var buf strings.Builder
	_, err := d.Tool.Run(ctx, []string{"jail", "get", "--", jail, "dirty"}, &buf, nil, timeout)
	if err != nil {
		return -1, err
	}
	switch strings.TrimSpace(buf.String()) {
	case "0":
		return 0, nil
	case "1":
		return 1, nil
	default:
		return -1, nil
	}
}

// Start starts jail.
func (d *Driver) Start(ctx context.Context, jail string, output io.Writer, timeout time.Duration) (int, error) {
	return d.Tool.Run(ctx, []string{"start", "--", jail}, output, nil, timeout)
}

// Stop stops jail.
func (d *Driver) Stop(ctx context.Context, jail string, output io.Writer, timeout time.Duration) (int, error) {
	return d.Tool.Run(ctx, []string{"stop", "--", jail}, output, nil, timeout)
}

// DestroyOpts configures Destroy, mirroring the `[jails]` config section.
type DestroyOpts struct {
	RemoveRecursive bool
	RemoveForce     bool
}

// Destroy destroys jail per opts.
func (d *Driver) Destroy(ctx context.Context, jail string, opts DestroyOpts, output io.Writer, timeout time.Duration) (int, error) {
	args := []string{"jail", "destroy"}
	if opts.RemoveRecursive {
		args = append(args, "-R")
	}
	if opts.RemoveForce {
		args = append(args, "-f")
	}
	args = append(args, "--", jail)
	return d.Tool.Run(ctx, args, output, nil, timeout)
}

// CmdType enumerates the allowed `cmd` invocation styles.
type CmdType string

// The three styles appjail's `cmd` subcommand accepts.
const (
	CmdJexec  CmdType = "jexec"
	CmdLocal  CmdType = "local"
	CmdChroot CmdType = "chroot"
)

// Cmd runs text inside jail via shell, type-checked against the allowed
// CmdType set. SpecParser already rejects an invalid type at load time;
// Driver re-validates since it's reachable independently of the parser.
func (d *Driver) Cmd(ctx context.Context, jail, text, shell string, typ CmdType, output io.Writer, timeout time.Duration) (int, error) {
	switch typ {
	case CmdJexec, CmdLocal, CmdChroot:
	default:
		return -1, errutil.New(errutil.KindInvalidCmdType, "%s", typ)
	}
	args := []string{"cmd", string(typ), jail, "--"}
	args = append(args, strings.Fields(shell)...)
	args = append(args, text)
	return d.Tool.Run(ctx, args, output, nil, timeout)
}

// KV is a plain key=value pair, used where jaildriver doesn't need
// SpecParser's nil-vs-empty-value distinction: the caller has already
// resolved defaults by the time it builds these.
type KV struct {
	Key   string
	Value string // empty means "bare flag, no value"
	Set   bool   // true iff Value should be emitted even if empty
}

// EnableStart registers start-time arguments/environment for a subsequent
// Start call.
func (d *Driver) EnableStart(ctx context.Context, jail string, arguments, environment []KV, output io.Writer, timeout time.Duration) (int, error) {
	args := []string{"enable", jail, "start"}
	for _, a := range arguments {
		args = append(args, "-s", fmt.Sprintf("%s=%s", a.Key, a.Value))
	}
	for _, e := range environment {
		args = append(args, "-V", fmt.Sprintf("%s=%s", e.Key, e.Value))
	}
	return d.Tool.Run(ctx, args, output, nil, timeout)
}

// MakejailOpts carries everything makejail needs to assemble the flags
// documented in spec §4.3/§9's external tool contract.
type MakejailOpts struct {
	Arguments   []KV
	Environment []KV
	Options     []KV
	Volumes     []VolumeMount
	Timeout     time.Duration
}

// Makejail is the composite "build this jail from a Makejail" call. When no
// explicit environment is requested it defaults to the caller's own
// environment with GIT_ASKPASS forced to "true", matching appjail's
// non-interactive expectations for a git-backed Makejail.
func (d *Driver) Makejail(ctx context.Context, jail, makejailFile string, opts MakejailOpts, output io.Writer, env []string) (int, error) {
	args := []string{"makejail", "-j", jail, "-f", makejailFile}

	for _, e := range opts.Environment {
		if e.Value == "" && !e.Set {
			args = append(args, "-V", e.Key)
		} else {
			args = append(args, "-V", fmt.Sprintf("%s=%s", e.Key, e.Value))
		}
	}

	for _, v := range opts.Volumes {
		args = append(args, "-o", v.FstabLine())
	}

	for _, o := range opts.Options {
		if o.Value == "" && !o.Set {
			args = append(args, "-o", o.Key)
		} else {
			args = append(args, "-o", fmt.Sprintf("%s=%s", o.Key, o.Value))
		}
	}

	if len(opts.Arguments) > 0 {
		args = append(args, "--")
	}
	for _, a := range opts.Arguments {
		if a.Value == "" && !a.Set {
			args = append(args, "--"+a.Key)
		} else {
			args = append(args, "--"+a.Key, a.Value)
		}
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	if env == nil {
		env = append(os.Environ(), "GIT_ASKPASS=true")
	}

	return d.Tool.Run(ctx, args, output, env, timeout)
}
