package pipeline

import (
	"sort"
	"strings"
	"time"

	"github.com/mattjoyce/installman/internal/locate"
)

// DefaultPrefix is where packages land when neither request nor config says otherwise.
const DefaultPrefix = "/usr/local"

// Config holds the build recipe applied to every job.
//
// Argument lists may use the placeholders {prefix}, {source} and {workdir};
// each is substituted per argument, never through a shell.
type Config struct {
	Prefix string

	ConfigureScript string
	ConfigureArgs   []string
	BuildCommand    []string
	InstallCommand  []string
	// Elevate is prepended to InstallCommand, e.g. ["sudo", "-n"].
	Elevate []string

	MakefileNames []string
	Env           []string
	// StageTimeout bounds each external command. Zero disables it.
	StageTimeout time.Duration
}

// DefaultConfig mirrors the classic "./configure && make && make install".
func DefaultConfig() Config {
	return Config{
		Prefix:          DefaultPrefix,
		ConfigureScript: locate.DefaultConfigureScript,
		ConfigureArgs:   []string{"--prefix={prefix}"},
		BuildCommand:    []string{"make", "-j2"},
		InstallCommand:  []string{"make", "install"},
		MakefileNames:   append([]string(nil), locate.DefaultMakefileNames...),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if strings.TrimSpace(c.Prefix) == "" {
		c.Prefix = d.Prefix
	}
	if c.ConfigureScript == "" {
		c.ConfigureScript = d.ConfigureScript
	}
	if c.ConfigureArgs == nil {
		c.ConfigureArgs = d.ConfigureArgs
	}
	if len(c.BuildCommand) == 0 {
		c.BuildCommand = d.BuildCommand
	}
	if len(c.InstallCommand) == 0 {
		c.InstallCommand = d.InstallCommand
	}
	if len(c.MakefileNames) == 0 {
		c.MakefileNames = d.MakefileNames
	}
	return c
}

// expandArgs substitutes placeholders in a single left-to-right pass, so a
// value containing another placeholder is copied through literally.
func expandArgs(args []string, vars map[string]string) []string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		pairs = append(pairs, k, vars[k])
	}
	r := strings.NewReplacer(pairs...)

	out := make([]string, len(args))
	for i, a := range args {
		out[i] = r.Replace(a)
	}
	return out
}
