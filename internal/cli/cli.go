// Package cli is the nv-helper command line: it parses the single release
// line argument, checks privileges and runs the orchestrator.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"
	"strings"

	"github.com/alecthomas/kong"

	"nvhelper/internal/config"
	"nvhelper/internal/console"
	"nvhelper/internal/errs"
	"nvhelper/internal/log"
	"nvhelper/internal/mirror"
	"nvhelper/internal/orchestrator"
	"nvhelper/internal/runner"
)

// Version is stamped at build time with -ldflags "-X nvhelper/internal/cli.Version=...".
var Version = "dev"

// Overridden in tests.
var (
	geteuid    = os.Geteuid
	lookupUser = user.Lookup
	newRunner  = func() runner.Runner { return runner.NewExecutor() }
)

// Options are the parsed command line.
type Options struct {
	Version kong.VersionFlag `help:"Print version and exit."`
	Release string           `arg:"" name:"release" help:"Driver release line to build (${releases})."`
}

// Main runs nv-helper with os.Args and exits.
func Main() {
	console.Init()
	ctx, stop := notifyContext(context.Background())
	code := Run(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

// Run executes one invocation and returns the process exit code.
func Run(ctx context.Context, args []string) int {
	if err := run(ctx, args); err != nil {
		var exit exitError
		if errors.As(err, &exit) {
			return int(exit)
		}
		console.Fatal(err)
		return 1
	}
	return 0
}

// exitError carries the status kong asked to exit with after --help or
// --version.
type exitError int

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", int(e)) }

func configPath() string {
	if p := os.Getenv(config.EnvPrefix + "CONFIG"); p != "" {
		return p
	}
	return config.DefaultFile
}

func run(ctx context.Context, args []string) error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return err
	}
	log.Setup(cfg.LogLevel())

	cat, err := config.LoadCatalog(cfg.Catalog)
	if err != nil {
		return err
	}

	opts, err := parse(args, cat)
	if err != nil {
		return err
	}
	line, err := cat.Lookup(opts.Release)
	if err != nil {
		return err
	}
	if geteuid() != 0 {
		return errs.New(errs.KindPrivilege, "", "nv-helper must be run as root")
	}
	log.WithComponent("cli").Debug("starting", "release_line", line.Name, "config", cfg.String())

	o, err := orchestrator.New(cfg, cat, newRunner())
	if err != nil {
		return err
	}
	o.Identities.Lookup = lookupUser
	if cfg.Mirror.Enabled() {
		pub, err := mirror.New(ctx, cfg.Mirror, cfg.Debug)
		if err != nil {
			return err
		}
		o.Publisher = pub
	}

	if _, err := o.Run(ctx, line.Name); err != nil {
		return err
	}
	console.Done("All packages built and installed successfully!")
	return nil
}

// parse reads args into Options. --version prints and returns an exitError
// carrying status 0; anything else that is not one release line, --help
// included, is a usage error.
func parse(args []string, cat *config.Catalog) (opts *Options, err error) {
	opts = &Options{}
	names := cat.Names()
	parser, err := kong.New(opts,
		kong.Name("nv-helper"),
		kong.Description("Build and install the legacy NVIDIA driver packages from the AUR."),
		kong.Writers(console.Stdout(), console.Stderr()),
		kong.NoDefaultHelp(),
		kong.Vars{
			"version":  Version,
			"releases": strings.Join(names, ", "),
		},
		kong.Exit(func(code int) { panic(exitError(code)) }),
	)
	if err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			exit, ok := r.(exitError)
			if !ok {
				panic(r)
			}
			opts, err = nil, exit
		}
	}()

	if _, err := parser.Parse(args); err != nil {
		log.WithComponent("cli").Debug("parse failed", "err", err)
		return nil, errs.New(errs.KindUsage, "", "usage: nv-helper <%s>", strings.Join(names, "|"))
	}
	return opts, nil
}
