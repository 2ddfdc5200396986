// Package config loads and validates the supervisor's command-line
// configuration. The result is immutable for the lifetime of the run.
package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	flag "github.com/spf13/pflag"
)

// Config is the supervisor's validated, immutable configuration.
type Config struct {
	// Command is the program to exec, argv[0] of the primary child.
	Command string
	// Args are the primary child's arguments.
	Args []string
	// Dir is the working directory for the primary child, empty means inherit.
	Dir string

	Reload       bool
	WatchPath    string
	Debounce     time.Duration
	RestartDelay time.Duration

	Ports     []int
	Bind      string
	EnvPrefix string

	GraceTimeout time.Duration
	Debug        bool
}

// Flags holds the raw pflag.FlagSet values before validation.
type Flags struct {
	dir          string
	reload       bool
	watchPath    string
	debounce     time.Duration
	restartDelay time.Duration
	ports        string
	bind         string
	envPrefix    string
	graceTimeout time.Duration
	debug        bool
}

// Register adds tinysv's flags to fs and returns the bound Flags.
func Register(fs *flag.FlagSet) *Flags {
	f := &Flags{}
	fs.StringVar(&f.dir, "dir", "", "working directory for the primary child (default: inherit)")
	fs.BoolVar(&f.reload, "reload", false, "enable live-reload on watched file changes")
	fs.StringVar(&f.watchPath, "watch", "", "path to watch for reload triggers (required with --reload)")
	fs.DurationVar(&f.debounce, "debounce", 200*time.Millisecond, "debounce interval between reload triggers")
	fs.DurationVar(&f.restartDelay, "restart-delay", 250*time.Millisecond, "delay before respawn after a reload-caused exit")
	fs.StringVar(&f.ports, "ports", "", "comma-separated TCP ports to pre-bind")
	fs.StringVar(&f.bind, "bind", "0.0.0.0", "bind address for pre-bound ports")
	fs.StringVar(&f.envPrefix, "env-prefix", "TINYSV_", "prefix for the inherited-fds environment variable")
	fs.DurationVar(&f.graceTimeout, "grace-timeout", 10*time.Second, "graceful-termination timeout before escalation")
	fs.BoolVar(&f.debug, "debug", false, "debug-level logging (no stack traces are printed)")
	return f
}

// Load validates the parsed flags plus the positional command/args into a
// Config. argv is the positional slice after flag parsing (command then
// its arguments).
func Load(f *Flags, argv []string) (*Config, error) {
	if len(argv) == 0 {
		return nil, errors.New("no command specified: usage is tinysv [flags] -- <command> [args...]")
	}

	cfg := &Config{
		Command:      argv[0],
		Args:         argv[1:],
		Dir:          f.dir,
		Reload:       f.reload,
		WatchPath:    f.watchPath,
		Debounce:     f.debounce,
		RestartDelay: f.restartDelay,
		Bind:         f.bind,
		EnvPrefix:    f.envPrefix,
		GraceTimeout: f.graceTimeout,
		Debug:        f.debug,
	}

	if cfg.Reload && cfg.WatchPath == "" {
		return nil, errors.New("--watch is required when --reload is set")
	}
	if cfg.Debounce <= 0 {
		return nil, errors.New("--debounce must be positive")
	}
	if cfg.RestartDelay < 0 {
		return nil, errors.New("--restart-delay must not be negative")
	}
	if cfg.GraceTimeout <= 0 {
		return nil, errors.New("--grace-timeout must be positive")
	}
	if cfg.EnvPrefix == "" {
		return nil, errors.New("--env-prefix must not be empty")
	}

	ports, err := parsePorts(f.ports)
	if err != nil {
		return nil, errors.Wrap(err, "invalid --ports")
	}
	cfg.Ports = ports

	return cfg, nil
}

func parsePorts(raw string) ([]int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	ports := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, errors.Errorf("port %q is not a number", p)
		}
		if n <= 0 || n > 65535 {
			return nil, errors.Errorf("port %d out of range", n)
		}
		ports = append(ports, n)
	}
	return ports, nil
}

// InheritedFDsEnvVar is the environment variable name advertising the
// inherited listener descriptors to the primary child.
func (c *Config) InheritedFDsEnvVar() string {
	return c.EnvPrefix + "INHERITED_FDS"
}
