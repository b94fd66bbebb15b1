package guard

import (
	"context"
	_ "embed"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/pkgengine/pkgengine/pkg/classify"
)

//go:embed policy.rego
var defaultPolicy string

// DefaultCommands are the programs RunCommand may start.
var DefaultCommands = []string{
	"/usr/bin/paccache",
	"/usr/bin/pacman-key",
	"/usr/bin/pacman-mirrors",
	"/usr/bin/reflector",
	"/usr/bin/systemctl",
	"/usr/bin/mkinitcpio",
}

// Options configures a Guard.
type Options struct {
	ConfigDir  string
	StagingDir string
	// Commands are absolute paths of allowed programs.
	Commands []string
	// Policy replaces the built-in rego module when set.
	Policy string
	Logger zerolog.Logger
}

// Guard evaluates helper requests against the security policy.
type Guard struct {
	query      rego.PreparedEvalQuery
	configDir  string
	stagingDir string
	logger     zerolog.Logger
}

// New compiles the policy.
func New(ctx context.Context, opts Options) (*Guard, error) {
	if opts.ConfigDir == "" {
		opts.ConfigDir = ConfigDir
	}
	if opts.StagingDir == "" {
		opts.StagingDir = StagingDir
	}
	if opts.Commands == nil {
		opts.Commands = DefaultCommands
	}
	module := opts.Policy
	if module == "" {
		module = defaultPolicy
	}

	commands := make([]interface{}, len(opts.Commands))
	for i, c := range opts.Commands {
		commands[i] = c
	}
	store := inmem.NewFromObject(map[string]interface{}{
		"guard": map[string]interface{}{
			"commands":   commands,
			"config_dir": filepath.Clean(opts.ConfigDir),
		},
	})

	query, err := rego.New(
		rego.Module("guard.rego", module),
		rego.Store(store),
		rego.Query("data.pkgengine.guard.deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile guard policy: %w", err)
	}

	return &Guard{
		query:      query,
		configDir:  opts.ConfigDir,
		stagingDir: opts.StagingDir,
		logger:     opts.Logger.With().Str("component", "guard").Logger(),
	}, nil
}

// StagingDir returns the directory local package files must live under.
func (g *Guard) StagingDir() string {
	return g.stagingDir
}

// ConfineStaged checks package files against the staging directory.
func (g *Guard) ConfineStaged(paths []string) ([]string, error) {
	return ConfinePaths(g.stagingDir, paths)
}

// CheckCommand resolves binary to an absolute program path and checks it
// against the allow-list. Bare names are looked up in /usr/bin.
func (g *Guard) CheckCommand(ctx context.Context, binary string, args []string) (string, error) {
	program := binary
	if !strings.Contains(program, "/") {
		program = filepath.Join("/usr/bin", program)
	}
	program = filepath.Clean(program)

	argList := make([]interface{}, len(args))
	for i, a := range args {
		argList[i] = a
	}
	reasons, err := g.deny(ctx, map[string]interface{}{
		"action": "run_command",
		"binary": program,
		"args":   argList,
	})
	if err != nil {
		return "", err
	}
	if len(reasons) > 0 {
		g.logger.Warn().Str("binary", binary).Strs("reasons", reasons).Msg("Command rejected")
		return "", classify.New(classify.KindUnauthorizedCommand, "Command is not allowed", strings.Join(reasons, "; "))
	}
	return program, nil
}

// CheckFile canonicalizes path and checks it may be written or removed.
// action is "write_file" or "remove_file".
func (g *Guard) CheckFile(ctx context.Context, action, path string) (string, error) {
	reasons, err := g.deny(ctx, map[string]interface{}{
		"action": action,
		"path":   path,
	})
	if err != nil {
		return "", err
	}
	if len(reasons) > 0 {
		g.logger.Warn().Str("path", path).Strs("reasons", reasons).Msg("File access rejected")
		return "", classify.New(classify.KindUnauthorizedPath, "Path is outside the allowed directory", strings.Join(reasons, "; "))
	}

	// The lexical check passed; now make sure symlinks do not escape.
	return ConfineTarget(g.configDir, path)
}

func (g *Guard) deny(ctx context.Context, input map[string]interface{}) ([]string, error) {
	results, err := g.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var reasons []string
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		if denySet, ok := result.Expressions[0].Value.([]interface{}); ok {
			for _, d := range denySet {
				if msg, ok := d.(string); ok {
					reasons = append(reasons, msg)
				}
			}
		}
	}
	sort.Strings(reasons)
	return reasons, nil
}
