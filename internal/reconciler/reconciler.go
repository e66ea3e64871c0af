// Package reconciler implements §4.6's top-level orchestration of a single
// up/down/ls/info/describe/check run: it is the only package that wires
// SpecParser, Project, JailDriver, LogSink and SignalGuard together into
// the diff -> destroy -> create -> start sequence.
package reconciler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/freebsd-jails/director/internal/config"
	"github.com/freebsd-jails/director/internal/errutil"
	"github.com/freebsd-jails/director/internal/jaildriver"
	"github.com/freebsd-jails/director/internal/logsink"
	"github.com/freebsd-jails/director/internal/project"
	"github.com/freebsd-jails/director/internal/signalguard"
	"github.com/freebsd-jails/director/internal/specparser"
	"github.com/freebsd-jails/director/internal/sysexits"
	"github.com/freebsd-jails/director/internal/util"
)

// Reconciler ties the core components together for one CLI invocation.
// Stdout/Stderr default to os.Stdout/os.Stderr and are overridden by tests
// that need to capture CLI output.
type Reconciler struct {
	Config config.Config
	Driver *jaildriver.Driver
	Stdout io.Writer
	Stderr io.Writer
	Now    func() time.Time
}

// New returns a Reconciler wired against cfg and driver.
func New(cfg config.Config, driver *jaildriver.Driver) *Reconciler {
	return &Reconciler{
		Config: cfg,
		Driver: driver,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		Now:    time.Now,
	}
}

func (r *Reconciler) timeout() time.Duration {
	if r.Config.CommandTimeoutSeconds <= 0 {
		return jaildriver.DefaultTimeout
	}
	return time.Duration(r.Config.CommandTimeoutSeconds) * time.Second
}

func (r *Reconciler) destroyOpts() jaildriver.DestroyOpts {
	return jaildriver.DestroyOpts{
		RemoveRecursive: r.Config.RemoveRecursive,
		RemoveForce:     r.Config.RemoveForce,
	}
}

func (r *Reconciler) openProject(name, nextFile string) (*project.Project, error) {
	return project.New(name, r.Config.ProjectsDirectory, nextFile, r.Config.LocksDirectory)
}

// resolveProjectName implements §4.6 step 2: explicit name, else
// DIRECTOR_PROJECT, else a generated random name.
func resolveProjectName(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if env := os.Getenv("DIRECTOR_PROJECT"); env != "" {
		return env
	}
	return "p-" + uuid.New().String()[:12]
}

// Up runs a single `up` reconciliation and returns the process exit status.
func (r *Reconciler) Up(ctx context.Context, specFile, projectName string, overwrite bool) (int, error) {
	name := resolveProjectName(projectName)

	specFile, err := filepath.Abs(specFile)
	if err != nil {
		return sysexits.DataErr, errutil.Wrapf(err, "reconciler: resolve spec file")
	}
	specDir := filepath.Dir(specFile)

	prevDir, err := os.Getwd()
	if err == nil {
		defer os.Chdir(prevDir) //nolint:errcheck
	}
	if err := os.Chdir(specDir); err != nil {
		return sysexits.NoInput, errutil.Wrapf(err, "reconciler: chdir %s", specDir)
	}

	p, err := r.openProject(name, specFile)
	if err != nil {
		return sysexits.Software, err
	}
	if err := p.Open(); err != nil {
		return sysexits.NoPerm, err
	}

	sink := logsink.New(r.Config.LogsDirectory, r.Now())
	guard := signalguard.Install(r.Driver, func(jail string) error {
		_, err := r.Driver.Stop(context.Background(), jail, nil, r.timeout())
		return err
	})
	defer guard.Detach()

	code, runErr := r.runUp(ctx, p, sink, guard, name, overwrite)

	if closeErr := p.Close(); closeErr != nil && runErr == nil {
		runErr = closeErr
	}
	return code, runErr
}

func (r *Reconciler) runUp(ctx context.Context, p *project.Project, sink *logsink.Sink, guard *signalguard.Guard, name string, overwrite bool) (code int, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logException(sink, fmt.Errorf("panic: %v", rec))
			code, err = sysexits.Software, fmt.Errorf("%v", rec)
		}
	}()

	if err := p.SetKey("last_log", sink.Dir()); err != nil {
		return sysexits.Software, err
	}
	if err := p.SetState(project.StateUnfinished); err != nil {
		return sysexits.Software, err
	}

	next, err := p.NextSpec()
	if err != nil {
		r.logException(sink, err)
		return sysexits.DataErr, err
	}
	current, err := p.CurrentSpec()
	if err != nil {
		r.logException(sink, err)
		return sysexits.DataErr, err
	}

	toremove, err := p.Removed()
	if err != nil {
		return sysexits.Software, err
	}
	for svc := range next.Services {
		add, err := r.shouldRemove(p, svc, overwrite)
		if err != nil {
			return sysexits.Software, err
		}
		if add {
			toremove[svc] = true
		}
	}

	anyWork := len(toremove) > 0

	// Removal phase (§4.6 step 6): every removed service uses its last
	// known jail name from the current spec.
	for _, svc := range util.SortedKeys(toremove) {
		jail, jerr := p.GetJailName(svc, project.WhereCurrent, false, true)
		if jerr != nil {
			// Never created in the first place; nothing to tear down.
			continue
		}
		if jail == "" {
			continue
		}

		if err := p.SetKey("last_log", sink.Dir()); err != nil {
			return sysexits.Software, err
		}

		guard.SetCurrentJail(jail)

		if status, _ := r.Driver.Status(ctx, jail, r.timeout()); status == 0 {
			r.beginStep("Stopping %s", jail)
			stopLog, lerr := sink.Open(filepath.Join(svc, "stop.log"))
			var stopStatus int
			var stopErr error
			if lerr == nil {
				stopStatus, stopErr = r.Driver.Stop(ctx, jail, stopLog, r.timeout())
				stopLog.Close()
			} else {
				stopStatus, stopErr = r.Driver.Stop(ctx, jail, nil, r.timeout())
			}
			r.endStep(stopErr == nil && stopStatus == 0)
		}

		r.beginStep("Destroying %s", jail)
		destroyLog, lerr := sink.Open(filepath.Join(svc, "destroy.log"))
		var destroyStatus int
		if lerr == nil {
			destroyStatus, err = r.Driver.Destroy(ctx, jail, r.destroyOpts(), destroyLog, r.timeout())
			destroyLog.Close()
		} else {
			destroyStatus, err = r.Driver.Destroy(ctx, jail, r.destroyOpts(), nil, r.timeout())
		}
		if err != nil || destroyStatus != 0 {
			r.endStep(false)
			_ = p.SetState(project.StateFailed)
			_ = p.SetFail(svc)
			rerr := wrapStatus(err, destroyStatus, "reconciler: destroy %s (%s)", svc, jail)
			if destroyStatus == 0 {
				destroyStatus = sysexits.Software
			}
			return destroyStatus, rerr
		}
		r.endStep(true)

		if _, stillNext := next.Services[svc]; !stillNext {
			_ = p.UnsetServiceKeys(svc)
		}
	}

	// Create phase (§4.6 step 7), ascending priority, ties broken by
	// document order.
	order := sortedServiceOrder(next)
	for _, svc := range order {
		def := next.Services[svc]

		jail, jerr := resolveCreateJailName(p, svc)
		if jerr != nil {
			return sysexits.Software, jerr
		}
		guard.SetCurrentJail(jail)

		checkStatus, _ := r.Driver.Check(ctx, jail, r.timeout())
		dirty, _ := r.Driver.IsDirty(ctx, jail, r.timeout())
		if checkStatus != 0 || dirty != 0 {
			anyWork = true
			r.beginStep("Creating %s (%s)", svc, jail)

			opts, oerr := r.assembleMakejailOpts(p, current, next, svc, def)
			if oerr != nil {
				r.endStep(false)
				return sysexits.DataErr, oerr
			}

			makejailPath := def.Makejail
			if makejailPath == "" {
				makejailPath = specparser.DefaultMakejail
			}
			if info, serr := os.Stat(makejailPath); serr == nil {
				if err := p.SetMakejailMtime(svc, info.ModTime()); err != nil {
					r.endStep(false)
					return sysexits.Software, err
				}
			}
			if err := p.SetKey("last_log", sink.Dir()); err != nil {
				r.endStep(false)
				return sysexits.Software, err
			}

			makejailLog, lerr := sink.Open(filepath.Join(svc, "makejail.log"))
			var status int
			if lerr == nil {
				status, err = r.Driver.Makejail(ctx, jail, makejailPath, opts, makejailLog, nil)
				makejailLog.Close()
			} else {
				status, err = r.Driver.Makejail(ctx, jail, makejailPath, opts, nil, nil)
			}
			if err != nil || status != 0 {
				r.endStep(false)
				_ = p.SetState(project.StateFailed)
				_ = p.SetFail(svc)
				rerr := wrapStatus(err, status, "reconciler: makejail %s (%s)", svc, jail)
				if status == 0 {
					status = sysexits.Software
				}
				return status, rerr
			}
			r.endStep(true)

			if len(def.Start) > 0 || len(def.StartEnvironment) > 0 {
				startArgs := kvFromSpec(def.Start)
				startEnv := kvFromSpec(def.StartEnvironment)
				enableLog, lerr := sink.Open(filepath.Join(svc, "enable-start.log"))
				if lerr == nil {
					_, _ = r.Driver.EnableStart(ctx, jail, startArgs, startEnv, enableLog, r.timeout())
					enableLog.Close()
				}
			}

			for i, sc := range def.Scripts {
				r.beginStep("- (type:%s, shell:%s)", sc.Type, sc.Shell)
				scriptLog, lerr := sink.Open(filepath.Join(svc, fmt.Sprintf("script-%d.log", i)))
				var w io.Writer
				if lerr == nil {
					w = scriptLog
				}
				if w != nil {
					fmt.Fprintf(w, "# %s (%s)\n%s\n", sc.Type, sc.Shell, sc.Text)
				}
				status, cerr := r.Driver.Cmd(ctx, jail, sc.Text, sc.Shell, jaildriver.CmdType(sc.Type), w, r.timeout())
				if scriptLog != nil {
					scriptLog.Close()
				}
				if cerr != nil || status != 0 {
					r.endStep(false)
					_ = p.SetState(project.StateFailed)
					_ = p.SetFail(svc)
					rerr := wrapStatus(cerr, status, "reconciler: script %d for %s (%s)", i, svc, jail)
					if status == 0 {
						status = sysexits.Software
					}
					return status, rerr
				}
				r.endStep(true)
			}
		}

		if status, _ := r.Driver.Status(ctx, jail, r.timeout()); status != 0 {
			anyWork = true
			r.beginStep("Starting %s", jail)
			startLog, lerr := sink.Open(filepath.Join(svc, "start.log"))
			var status2 int
			if lerr == nil {
				status2, err = r.Driver.Start(ctx, jail, startLog, r.timeout())
				startLog.Close()
			} else {
				status2, err = r.Driver.Start(ctx, jail, nil, r.timeout())
			}
			if err != nil || status2 != 0 {
				r.endStep(false)
				_ = p.SetState(project.StateFailed)
				_ = p.SetFail(svc)
				rerr := wrapStatus(err, status2, "reconciler: start %s (%s)", svc, jail)
				if status2 == 0 {
					status2 = sysexits.Software
				}
				return status2, rerr
			}
			r.endStep(true)
		}

		if err := p.SetDone(svc); err != nil {
			return sysexits.Software, err
		}
		guard.SetCurrentJail("")
	}

	if err := p.SetState(project.StateDone); err != nil {
		return sysexits.Software, err
	}

	if !anyWork {
		fmt.Fprintln(r.Stdout, "Nothing to do.")
	} else {
		fmt.Fprintf(r.Stdout, "Finished: %s\n", name)
	}
	return sysexits.OK, nil
}

// resolveCreateJailName implements §4.6 step 7's name resolution: the last
// jail name from the current spec (if any) and the next spec's own name
// (random generation allowed only when there was no last name); the next
// name wins when it differs from the last one, otherwise the last name is
// reused.
func resolveCreateJailName(p *project.Project, svc string) (string, error) {
	lastJail, err := p.GetJailName(svc, project.WhereCurrent, false, true)
	if err != nil {
		lastJail = ""
	}

	nextJail, err := p.GetJailName(svc, project.WhereNext, lastJail == "", false)
	if err != nil {
		return "", err
	}

	final := nextJail
	if final == "" {
		final = lastJail
	}
	if final == "" {
		return "", errutil.New(errutil.KindServiceNotFound, "%s: could not resolve a jail name", svc)
	}
	if final != nextJail {
		if err := p.SetKey(svc+"/name", final); err != nil {
			return "", err
		}
	}
	return final, nil
}

func (r *Reconciler) shouldRemove(p *project.Project, svc string, overwrite bool) (bool, error) {
	if overwrite {
		return true, nil
	}
	if p.HasFailed(svc) {
		return true, nil
	}

	differ, err := p.Differ(svc)
	if err != nil {
		return false, err
	}
	if differ {
		return true, nil
	}

	next, err := p.NextSpec()
	if err != nil {
		return false, err
	}
	def := next.Services[svc]

	if !def.IgnoreMtime {
		makejailPath := def.Makejail
		if makejailPath == "" {
			makejailPath = specparser.DefaultMakejail
		}
		changed, err := p.CheckMakejailMtime(svc, makejailPath)
		if err != nil {
			return false, err
		}
		if changed {
			return true, nil
		}
	}

	if !def.ResetOptions {
		diffOpts, err := p.DifferOptions()
		if err != nil {
			return false, err
		}
		if diffOpts {
			return true, nil
		}
	}

	return false, nil
}

// assembleMakejailOpts implements §4.6 step 7's option-assembly rule:
// global options unless reset_options, then local options/arguments/
// environment, then resolved volumes.
func (r *Reconciler) assembleMakejailOpts(p *project.Project, current, next *specparser.Specification, svc string, def specparser.ServiceDef) (jaildriver.MakejailOpts, error) {
	var opts []jaildriver.KV
	if !def.ResetOptions {
		opts = append(opts, kvFromSpec(next.Options)...)
	}
	opts = append(opts, kvFromSpec(def.Options)...)

	volumes, err := r.resolveVolumes(next, svc, def)
	if err != nil {
		return jaildriver.MakejailOpts{}, err
	}

	return jaildriver.MakejailOpts{
		Arguments:   kvFromSpec(def.Arguments),
		Environment: kvFromSpec(def.Environment),
		Options:     opts,
		Volumes:     volumes,
		Timeout:     r.timeout(),
	}, nil
}

func (r *Reconciler) resolveVolumes(spec *specparser.Specification, svc string, def specparser.ServiceDef) ([]jaildriver.VolumeMount, error) {
	defaultType := spec.DefaultVolumeType
	if defaultType == "" {
		defaultType = specparser.DefaultVolumeType
	}

	var mounts []jaildriver.VolumeMount
	for _, ref := range def.Volumes {
		mountpoint := ""
		if ref.Value != nil {
			mountpoint = *ref.Value
		}
		vol, ok := spec.Volumes[ref.Key]
		if !ok {
			return nil, errutil.New(errutil.KindVolumeNotFound, "%s: service %s", ref.Key, svc)
		}
		mount, err := jaildriver.ResolveVolume(ref.Key, mountpoint, vol, defaultType)
		if err != nil {
			return nil, err
		}
		mounts = append(mounts, mount)
	}
	return mounts, nil
}

// wrapStatus builds an error describing a failed operation even when the
// driver returned a non-zero status without a Go error of its own.
func wrapStatus(err error, status int, format string, args ...interface{}) error {
	if err != nil {
		return errutil.Wrapf(err, format, args...)
	}
	return fmt.Errorf(format+": exit status %d", append(args, status)...)
}

func kvFromSpec(in []specparser.KV) []jaildriver.KV {
	out := make([]jaildriver.KV, 0, len(in))
	for _, e := range in {
		if e.Value == nil {
			out = append(out, jaildriver.KV{Key: e.Key})
			continue
		}
		out = append(out, jaildriver.KV{Key: e.Key, Value: *e.Value, Set: true})
	}
	return out
}

// sortedServiceOrder returns next's service names ordered ascending by
// priority, with the document-declared order breaking ties (§8 property 3).
func sortedServiceOrder(spec *specparser.Specification) []string {
	order := make([]string, len(spec.ServiceOrder))
	copy(order, spec.ServiceOrder)
	sort.SliceStable(order, func(i, j int) bool {
		return spec.Services[order[i]].Priority < spec.Services[order[j]].Priority
	})
	return order
}

// beginStep/endStep print the concise per-step status lines spec.md's
// user-visible behavior section describes: "Creating <svc> (<jail>) ... "
// followed by "Done."/"FAIL!" on the same line, and the same pattern for
// Stopping/Destroying/Starting and script lines.
func (r *Reconciler) beginStep(format string, args ...interface{}) {
	fmt.Fprintf(r.Stdout, format+" ... ", args...)
}

func (r *Reconciler) endStep(ok bool) {
	if ok {
		fmt.Fprintln(r.Stdout, "Done.")
	} else {
		fmt.Fprintln(r.Stdout, "FAIL!")
	}
}

func (r *Reconciler) logException(sink *logsink.Sink, err error) {
	if err == nil {
		return
	}
	w, werr := sink.Open("exception.log")
	if werr != nil {
		fmt.Fprintln(r.Stderr, err)
		return
	}
	defer w.Close()
	fmt.Fprintln(w, err)
}

// Down implements §4.6's down command.
func (r *Reconciler) Down(ctx context.Context, projectName string, destroy, ignoreFailed, ignoreServices bool) (int, error) {
	p, err := r.openProject(projectName, "")
	if err != nil {
		return sysexits.Software, err
	}
	if err := p.Lock(); err != nil {
		return sysexits.NoPerm, err
	}
	defer p.Unlock() //nolint:errcheck

	if err := p.SetState(project.StateDestroying); err != nil {
		return sysexits.Software, err
	}

	current, err := p.CurrentSpec()
	if err != nil {
		if errutilIsDirectorFileNotDefined(err) {
			current = &specparser.Specification{}
		} else {
			return sysexits.DataErr, err
		}
	}

	if !ignoreServices {
		order := make([]string, len(current.ServiceOrder))
		copy(order, current.ServiceOrder)
		sort.SliceStable(order, func(i, j int) bool {
			return current.Services[order[i]].Priority > current.Services[order[j]].Priority
		})

		for _, svc := range order {
			jail, jerr := p.GetJailName(svc, project.WhereCurrent, false, true)
			if jerr != nil || jail == "" {
				continue
			}

			if status, _ := r.Driver.Status(ctx, jail, r.timeout()); status == 0 {
				r.beginStep("Stopping %s", jail)
				stopStatus, stopErr := r.Driver.Stop(ctx, jail, nil, r.timeout())
				r.endStep(stopErr == nil && stopStatus == 0)
			}

			if destroy {
				r.beginStep("Destroying %s", jail)
				status, derr := r.Driver.Destroy(ctx, jail, r.destroyOpts(), nil, r.timeout())
				ok := derr == nil && status == 0
				r.endStep(ok)
				if !ok && !ignoreFailed {
					return sysexits.Software, wrapStatus(derr, status, "reconciler: destroy %s (%s)", svc, jail)
				}
			}
		}
	}

	if destroy {
		if err := os.RemoveAll(p.Directory); err != nil {
			return sysexits.Software, errutil.Wrapf(err, "reconciler: remove project directory")
		}
		fmt.Fprintf(r.Stdout, "Finished: %s\n", projectName)
		return sysexits.OK, nil
	}

	fmt.Fprintln(r.Stdout, "Nothing to do.")
	return sysexits.OK, nil
}

func errutilIsDirectorFileNotDefined(err error) bool {
	type kinder interface{ Is(error) bool }
	k, ok := err.(kinder)
	return ok && k.Is(errutil.ErrDirectorFileNotDefined)
}

// Ls implements §4.6's ls command: one line per project directory whose
// state matches states (nil/empty means "all"), with the documented symbol.
func (r *Reconciler) Ls(states []string) (string, error) {
	entries, err := os.ReadDir(r.Config.ProjectsDirectory)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", errutil.Wrapf(err, "reconciler: list projects directory")
	}

	var buf bytes.Buffer
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		p, err := r.openProject(e.Name(), "")
		if err != nil {
			continue
		}
		state := project.State(p.GetState())
		if len(states) > 0 && !util.StrInList(string(state), states) {
			continue
		}
		fmt.Fprintf(&buf, "%s %s\n", stateSymbol(state), e.Name())
	}
	return buf.String(), nil
}

func stateSymbol(s project.State) string {
	switch s {
	case project.StateDone:
		return "+"
	case project.StateFailed:
		return "-"
	case project.StateUnfinished:
		return "!"
	case project.StateDestroying:
		return "x"
	default:
		return "?"
	}
}

// serviceStatus is one entry of Info/Describe's services array.
type serviceStatus struct {
	Name   string `json:"name"`
	Status int    `json:"status"`
	Jail   string `json:"jail"`
}

type projectInfo struct {
	Name     string            `json:"name"`
	State    string            `json:"state"`
	LastLog  string            `json:"last_log"`
	Locked   bool              `json:"locked"`
	Services []serviceStatus   `json:"services"`
	Keys     map[string]string `json:"keys"`
}

func (r *Reconciler) collectInfo(ctx context.Context, projectName string) (projectInfo, error) {
	p, err := r.openProject(projectName, "")
	if err != nil {
		return projectInfo{}, err
	}

	info := projectInfo{
		Name:    projectName,
		State:   strings.ToUpper(p.GetState()),
		LastLog: p.GetKey("last_log", ""),
		Locked:  p.Locked(),
	}
	if keys, kerr := p.DumpKeys(); kerr == nil {
		info.Keys = keys
	}

	current, err := p.CurrentSpec()
	if err != nil {
		return info, nil
	}
	for _, svc := range current.ServiceOrder {
		jail, _ := p.GetJailName(svc, project.WhereCurrent, false, true)
		status := -1
		if jail != "" {
			status, _ = r.Driver.Status(ctx, jail, r.timeout())
		}
		info.Services = append(info.Services, serviceStatus{Name: svc, Status: status, Jail: jail})
	}
	return info, nil
}

// Info renders the human-readable form of §4.6's info command.
func (r *Reconciler) Info(ctx context.Context, projectName string) (string, error) {
	info, err := r.collectInfo(ctx, projectName)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "project: %s\n", info.Name)
	fmt.Fprintf(&buf, "state: %s\n", info.State)
	fmt.Fprintf(&buf, "last_log: %s\n", info.LastLog)
	fmt.Fprintf(&buf, "locked: %v\n", info.Locked)
	for _, s := range info.Services {
		fmt.Fprintf(&buf, "  %s: status=%d jail=%s\n", s.Name, s.Status, s.Jail)
	}
	if len(info.Keys) > 0 {
		fmt.Fprintln(&buf, "keys:")
		for _, k := range util.StrMapKeys(info.Keys) {
			fmt.Fprintf(&buf, "  %s=%s\n", k, info.Keys[k])
		}
	}
	return buf.String(), nil
}

// Describe renders the JSON form of §4.6's describe command.
func (r *Reconciler) Describe(ctx context.Context, projectName string) (string, error) {
	info, err := r.collectInfo(ctx, projectName)
	if err != nil {
		return "", err
	}
	out, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return "", errutil.Wrapf(err, "reconciler: marshal describe output")
	}
	return string(out), nil
}

// Check implements §4.6's check command: exit 0 iff the project directory
// exists.
func (r *Reconciler) Check(projectName string) int {
	p, err := r.openProject(projectName, "")
	if err != nil {
		return sysexits.NoInput
	}
	if _, err := os.Stat(p.Directory); err != nil {
		return sysexits.NoInput
	}
	return sysexits.OK
}
