// Package cli parses the command line and dispatches to the reconciler, the
// same way the teacher's cli package sits between main() and its core "lib":
// Args is the top-level go-arg struct, one pointer field per subcommand, and
// each subcommand's Run method does the actual work.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/alexflint/go-arg"

	"github.com/freebsd-jails/director/internal/config"
	"github.com/freebsd-jails/director/internal/envfile"
	"github.com/freebsd-jails/director/internal/jaildriver"
	"github.com/freebsd-jails/director/internal/reconciler"
	"github.com/freebsd-jails/director/internal/sysexits"
	"github.com/freebsd-jails/director/internal/util"
)

// Args is the top-level CLI parsing structure (spec §6's CLI surface).
type Args struct {
	Config  string `arg:"--config" help:"path to an INI config file, overrides the discovered one"`
	Prefix  string `arg:"--prefix" default:"/usr/local" help:"installation prefix searched for etc/director.ini"`
	EnvFile string `arg:"--env-file" default:".env" help:"KEY=VALUE file loaded before configuration; a missing file is ignored"`

	Up       *UpArgs       `arg:"subcommand:up" help:"apply a Director file"`
	Down     *DownArgs     `arg:"subcommand:down" help:"tear down a project"`
	Ls       *LsArgs       `arg:"subcommand:ls" help:"list known projects"`
	Info     *InfoArgs     `arg:"subcommand:info" help:"human-readable project status"`
	Describe *DescribeArgs `arg:"subcommand:describe" help:"JSON project status"`
	Check    *CheckArgs    `arg:"subcommand:check" help:"exit 0 iff a project directory exists"`

	version string `arg:"-"`
}

// Version implements go-arg's Versioned interface.
func (a *Args) Version() string {
	return a.version
}

// UpArgs is the `up` subcommand's flags (spec §4.6 `up`).
type UpArgs struct {
	File      string `arg:"positional,required" help:"path to the Director file"`
	Project   string `arg:"--project" help:"project name (defaults to $DIRECTOR_PROJECT, else a generated name)"`
	Overwrite bool   `arg:"--overwrite" help:"force every service currently defined into the removal set"`
}

// DownArgs is the `down` subcommand's flags (spec §4.6 `down`).
type DownArgs struct {
	Project        string `arg:"positional,required" help:"project name"`
	Destroy        bool   `arg:"--destroy" help:"also destroy jails and remove the project directory"`
	IgnoreFailed   bool   `arg:"--ignore-failed" help:"don't abort on a per-service destroy failure"`
	IgnoreServices bool   `arg:"--ignore-services" help:"skip per-service teardown (project-level only)"`
}

// LsArgs is the `ls` subcommand's flags (spec §4.6 `ls`).
type LsArgs struct {
	State []string `arg:"--state,separate" help:"only list projects in this state (done, failed, unfinished, destroying); repeatable"`
}

// InfoArgs is the `info` subcommand's flags.
type InfoArgs struct {
	Project string `arg:"positional,required" help:"project name"`
}

// DescribeArgs is the `describe` subcommand's flags.
type DescribeArgs struct {
	Project string `arg:"positional,required" help:"project name"`
}

// CheckArgs is the `check` subcommand's flags.
type CheckArgs struct {
	Project string `arg:"positional,required" help:"project name"`
}

// Run parses argv (excluding the program name) and dispatches to the
// matching subcommand, returning the process exit status.
func Run(ctx context.Context, program, version string, argv []string) int {
	args := &Args{version: version}
	parser, err := arg.NewParser(arg.Config{Program: program}, args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return sysexits.Software
	}

	if err := parser.Parse(argv); err != nil {
		if err == arg.ErrHelp {
			parser.WriteHelp(os.Stdout)
			return sysexits.OK
		}
		if err == arg.ErrVersion {
			fmt.Fprintln(os.Stdout, version)
			return sysexits.OK
		}
		fmt.Fprintln(os.Stderr, err)
		parser.WriteUsage(os.Stderr)
		return sysexits.Config
	}

	if err := envfile.Load(args.EnvFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return sysexits.Config
	}

	cfg, err := config.Load(args.Prefix, args.Config)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return sysexits.Config
	}

	driver, err := jaildriver.New()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return sysexits.Unavailable
	}
	rec := reconciler.New(cfg, driver)

	switch {
	case args.Up != nil:
		code, err := rec.Up(ctx, args.Up.File, args.Up.Project, args.Up.Overwrite)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
		return code

	case args.Down != nil:
		code, err := rec.Down(ctx, args.Down.Project, args.Down.Destroy, args.Down.IgnoreFailed, args.Down.IgnoreServices)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
		return code

	case args.Ls != nil:
		out, err := rec.Ls(util.StrRemoveDuplicatesInList(args.Ls.State))
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return sysexits.Software
		}
		fmt.Fprint(os.Stdout, out)
		return sysexits.OK

	case args.Info != nil:
		out, err := rec.Info(ctx, args.Info.Project)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return sysexits.NoInput
		}
		fmt.Fprint(os.Stdout, out)
		return sysexits.OK

	case args.Describe != nil:
		out, err := rec.Describe(ctx, args.Describe.Project)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return sysexits.NoInput
		}
		fmt.Fprintln(os.Stdout, out)
		return sysexits.OK

	case args.Check != nil:
		return rec.Check(args.Check.Project)
	}

	parser.WriteHelp(os.Stdout)
	return sysexits.OK
}
