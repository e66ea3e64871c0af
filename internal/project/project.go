// Package project implements the per-deployment lifecycle of spec §4.5: a
// named directory holding a KeyStore, the last-applied ("current") spec
// file, and a presence-marker lock, plus accessors the Reconciler uses to
// diff the current spec against the one being applied ("next").
package project

import (
	"io"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/freebsd-jails/director/internal/errutil"
	"github.com/freebsd-jails/director/internal/keystore"
	"github.com/freebsd-jails/director/internal/specparser"
)

// DirectorFile is the fixed name the current spec is copied to inside the
// project directory.
const DirectorFile = "directorfile.yml"

// State is one of the four states a project's `state` key may hold.
type State string

// The states tracked in the `state` key.
const (
	StateDone        State = "done"
	StateFailed      State = "failed"
	StateUnfinished  State = "unfinished"
	StateDestroying  State = "destroying"
)

var nameRE = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// Where selects which spec an accessor reads from.
type Where int

// The three lookup scopes spec §4.5 documents.
const (
	WhereBoth Where = iota
	WhereNext
	WhereCurrent
)

// Project owns the on-disk state of one named deployment.
type Project struct {
	Name      string
	Directory string
	NextFile  string

	ks      *keystore.KeyStore
	lockKS  *keystore.KeyStore // optional separate locks-dir KeyStore

	currentFile string
	currentSpec *specparser.Specification
	nextSpec    *specparser.Specification
	newProject  *bool
}

// New validates name and returns a Project rooted at
// <projectsDir>/<name>. nextFile is the spec path `open` will apply; it may
// be empty for down/ls/info, which never need to parse a next spec.
// locksDir, if non-empty, relocates the `lock` key to its own KeyStore
// instead of the project directory (spec §5's "Shared resources").
func New(name, projectsDir, nextFile, locksDir string) (*Project, error) {
	if !nameRE.MatchString(name) {
		return nil, errutil.New(errutil.KindInvalidProjectName, "%s", name)
	}
	dir := filepath.Join(projectsDir, name)

	p := &Project{
		Name:        name,
		Directory:   dir,
		NextFile:    nextFile,
		ks:          keystore.New(dir),
		currentFile: filepath.Join(dir, DirectorFile),
	}
	if locksDir != "" {
		p.lockKS = keystore.New(locksDir)
	}
	return p, nil
}

func (p *Project) lockStore() *keystore.KeyStore {
	if p.lockKS != nil {
		return p.lockKS
	}
	return p.ks
}

func (p *Project) lockKey() string {
	if p.lockKS != nil {
		return p.Name
	}
	return "lock"
}

// Locked reports whether the lock marker is present.
func (p *Project) Locked() bool {
	return p.lockStore().Has(p.lockKey())
}

// Lock acquires the presence-marker lock. It is not an advisory OS lock
// (flock); presence on disk is the entire protocol, per spec §5.
func (p *Project) Lock() error {
	dir := p.lockStore().Dir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errutil.Wrapf(err, "project: create lock directory %s", dir)
	}
	f, err := os.OpenFile(filepath.Join(dir, p.lockKey()), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if os.IsExist(err) {
		return errutil.New(errutil.KindProjectLocked, "%s: run `rm -f` on the lock key if no other process holds it", p.Name)
	}
	if err != nil {
		return errutil.Wrapf(err, "project: create lock")
	}
	return f.Close()
}

// Unlock releases the lock marker.
func (p *Project) Unlock() error {
	return p.lockStore().Unset(p.lockKey())
}

// Open acquires the lock, parses the next and current specs, swaps the
// current spec file for the next one (chmod 0440), and records whether
// this is a brand-new project. On any error after the lock is acquired,
// the lock is released before the error is returned.
func (p *Project) Open() error {
	if err := p.Lock(); err != nil {
		return err
	}

	if err := p.openLocked(); err != nil {
		_ = p.Unlock()
		return err
	}
	return nil
}

func (p *Project) openLocked() error {
	if err := p.parseNextSpec(); err != nil {
		return err
	}
	if err := p.parseCurrentSpec(); err != nil {
		return err
	}

	newProject := true
	if _, err := os.Stat(p.currentFile); err == nil {
		if err := os.Remove(p.currentFile); err != nil {
			return errutil.Wrapf(err, "project: remove previous current spec")
		}
		newProject = false
	}
	p.newProject = &newProject

	if err := copyFile(p.NextFile, p.currentFile); err != nil {
		return errutil.Wrapf(err, "project: copy next spec into place")
	}
	if err := os.Chmod(p.currentFile, 0o440); err != nil {
		return errutil.Wrapf(err, "project: chmod current spec")
	}

	return nil
}

// Close releases the lock. Call it once the run (up/down) is finished,
// successfully or not.
func (p *Project) Close() error {
	return p.Unlock()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}

func (p *Project) parseNextSpec() error {
	if p.nextSpec != nil {
		return nil
	}
	if p.NextFile == "" {
		return errutil.ErrDirectorFileNotDefined
	}
	spec, err := specparser.ParseFile(p.NextFile)
	if err != nil {
		return err
	}
	p.nextSpec = spec
	return nil
}

// parseCurrentSpec loads the previously-applied spec, tolerating its
// absence: a brand-new project's "current" spec is the next spec itself
// (the same pointer, not a copy).
func (p *Project) parseCurrentSpec() error {
	if p.currentSpec != nil {
		return nil
	}
	if _, err := os.Stat(p.currentFile); err == nil {
		spec, err := specparser.ParseFile(p.currentFile)
		if err != nil {
			return err
		}
		p.currentSpec = spec
		return nil
	}
	if err := p.parseNextSpec(); err != nil {
		return err
	}
	p.currentSpec = p.nextSpec
	return nil
}

// CurrentSpec exposes the previously-applied spec for callers (e.g. down)
// that never call Open.
func (p *Project) CurrentSpec() (*specparser.Specification, error) {
	if err := p.parseCurrentSpec(); err != nil {
		return nil, err
	}
	return p.currentSpec, nil
}

// NextSpec exposes the spec being applied.
func (p *Project) NextSpec() (*specparser.Specification, error) {
	if err := p.parseNextSpec(); err != nil {
		return nil, err
	}
	return p.nextSpec, nil
}

func (p *Project) specFor(where Where) (*specparser.Specification, error) {
	switch where {
	case WhereNext:
		return p.NextSpec()
	case WhereCurrent:
		return p.CurrentSpec()
	default:
		return p.NextSpec()
	}
}

// Services returns the service-name set of the requested spec.
func (p *Project) Services(where Where) (map[string]specparser.ServiceDef, []string, error) {
	spec, err := p.specFor(where)
	if err != nil {
		return nil, nil, err
	}
	return spec.Services, spec.ServiceOrder, nil
}

// Removed returns the set of service names present in the current spec but
// absent from the next one (the initial removal set, spec §4.6 step 5).
func (p *Project) Removed() (map[string]bool, error) {
	current, err := p.CurrentSpec()
	if err != nil {
		return nil, err
	}
	next, err := p.NextSpec()
	if err != nil {
		return nil, err
	}
	removed := map[string]bool{}
	for name := range current.Services {
		if _, ok := next.Services[name]; !ok {
			removed[name] = true
		}
	}
	return removed, nil
}

// State helpers.

func (p *Project) SetState(s State) error {
	return p.ks.SetString("state", string(s))
}

func (p *Project) GetState() string {
	return p.ks.Get("state", "")
}

func (p *Project) HasFailed(service string) bool {
	return p.ks.Has(service + "/fail")
}

func (p *Project) SetFail(service string) error {
	return p.ks.SetString(service+"/fail", "")
}

func (p *Project) SetDone(service string) error {
	return p.ks.Unset(service + "/fail")
}

func (p *Project) SetKey(key, value string) error {
	return p.ks.SetString(key, value)
}

func (p *Project) GetKey(key, def string) string {
	return p.ks.Get(key, def)
}

func (p *Project) UnsetServiceKeys(service string) error {
	return p.ks.Unset(service)
}

// DumpKeys returns every raw KeyStore entry, for the describe command's
// fsck-style diagnostic listing.
func (p *Project) DumpKeys() (map[string]string, error) {
	return p.ks.Dump()
}

// SetMakejailMtime persists the Makejail's observed modification time.
func (p *Project) SetMakejailMtime(service string, mtime time.Time) error {
	return p.ks.SetString(service+"/makejail_mtime", mtime.UTC().Format(time.RFC3339Nano))
}

// CheckMakejailMtime reports true iff the stored mtime is strictly less
// than makejailPath's current filesystem mtime (0/absent is treated as
// "older", so an unseen Makejail always triggers a rebuild).
func (p *Project) CheckMakejailMtime(service, makejailPath string) (bool, error) {
	info, err := os.Stat(makejailPath)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errutil.Wrapf(err, "project: stat makejail %s", makejailPath)
	}

	stored := p.ks.Get(service+"/makejail_mtime", "")
	if stored == "" {
		return true, nil
	}
	storedTime, err := time.Parse(time.RFC3339Nano, stored)
	if err != nil {
		return true, nil
	}
	return storedTime.Before(info.ModTime()), nil
}

// GetJailName resolves a service's jail name per spec §4.5's four-step
// procedure: locate the service in the requested scope, prefer the cached
// persisted name, fall back to the spec's explicit name, then to a
// generated random name, persisting whatever is resolved.
func (p *Project) GetJailName(serviceName string, where Where, randomName, cached bool) (string, error) {
	var service *specparser.ServiceDef

	lookup := func(w Where) (*specparser.ServiceDef, error) {
		spec, err := p.specFor(w)
		if err != nil {
			return nil, err
		}
		if def, ok := spec.Services[serviceName]; ok {
			return &def, nil
		}
		return nil, nil
	}

	switch where {
	case WhereNext:
		s, err := lookup(WhereNext)
		if err != nil {
			return "", err
		}
		service = s
	case WhereCurrent:
		s, err := lookup(WhereCurrent)
		if err != nil {
			return "", err
		}
		service = s
	default:
		s, err := lookup(WhereNext)
		if err != nil {
			return "", err
		}
		service = s
		if service == nil {
			s, err := lookup(WhereCurrent)
			if err != nil {
				return "", err
			}
			service = s
		}
	}

	if service == nil {
		return "", errutil.New(errutil.KindServiceNotFound, "%s", serviceName)
	}

	var jail string
	if cached {
		jail = p.ks.Get(serviceName+"/name", service.Name)
	} else {
		jail = service.Name
	}

	if jail == "" {
		if !randomName {
			return "", nil
		}
		jail = generateRandomName()
	}

	if err := p.ks.SetString(serviceName+"/name", jail); err != nil {
		return "", err
	}
	return jail, nil
}

// generateRandomName produces a name that is never purely numeric: "j-"
// followed by the first 12 characters of a random UUID's string form (eight
// hex digits, a dash, three hex digits).
func generateRandomName() string {
	return "j-" + uuid.New().String()[:12]
}

// Differ reports structural inequality of one service's sub-mapping
// between current and next specs; always true for a brand-new project or
// when newProject hasn't been determined yet (Open not called).
func (p *Project) Differ(service string) (bool, error) {
	if p.newProject == nil || *p.newProject {
		return true, nil
	}

	current, err := p.CurrentSpec()
	if err != nil {
		return true, nil
	}
	next, err := p.NextSpec()
	if err != nil {
		return true, nil
	}

	currentSvc, ok1 := current.Raw["services"].(map[string]interface{})
	nextSvc, ok2 := next.Raw["services"].(map[string]interface{})
	if !ok1 || !ok2 {
		return true, nil
	}

	cs, ok1 := currentSvc[service]
	ns, ok2 := nextSvc[service]
	if !ok1 || !ok2 {
		return true, nil
	}

	return !reflect.DeepEqual(cs, ns), nil
}

// DifferOptions reports structural inequality of the document-level
// `options` mapping between current and next specs.
func (p *Project) DifferOptions() (bool, error) {
	if p.newProject == nil || *p.newProject {
		return true, nil
	}

	current, err := p.CurrentSpec()
	if err != nil {
		return true, nil
	}
	next, err := p.NextSpec()
	if err != nil {
		return true, nil
	}

	co, cok := current.Raw["options"]
	no, nok := next.Raw["options"]
	if !cok && !nok {
		return false, nil
	}
	return !reflect.DeepEqual(co, no), nil
}

// NewProjectRun reports whether Open determined this run created the project
// directory for the first time. It returns false if Open has not run.
func (p *Project) NewProjectRun() bool {
	return p.newProject != nil && *p.newProject
}
