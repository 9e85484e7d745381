package stage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	domainjobs "github.com/aidenerard/fluxspace-site/internal/domain/jobs"
	"github.com/aidenerard/fluxspace-site/internal/jobs/workspace"
)

var ErrMissingOutput = errors.New("missing stage output")

const (
	NameValidate = "validate"
	NameAnomaly  = "anomaly"
	NameHeatmap  = "heatmap"
)

// Output declares a file a stage is expected to write. Exactly one of Name or Suffix is set.
type Output struct {
	Zone     workspace.Zone
	Name     string
	Suffix   string
	Required bool
}

func (o Output) String() string {
	if o.Name != "" {
		return filepath.Join(string(o.Zone), o.Name)
	}
	return filepath.Join(string(o.Zone), "*"+o.Suffix)
}

// Contract describes one stage: what it runs, how its flags are built and what it leaves behind.
type Contract struct {
	Name    string
	Title   string
	Script  string
	Version string
	Outputs []Output
	Args    func(input string, p domainjobs.Params) []string
}

// Resolve locates the declared outputs in ws. A required output that is absent is an error
// wrapping ErrMissingOutput.
func (c Contract) Resolve(ws *workspace.Workspace) (map[Output][]string, error) {
	found := map[Output][]string{}
	for _, out := range c.Outputs {
		var paths []string
		if out.Name != "" {
			if p := ws.Path(out.Zone, out.Name); workspace.Exists(p) {
				paths = []string{p}
			}
		} else {
			list, err := ws.List(out.Zone, out.Suffix)
			if err != nil {
				return nil, fmt.Errorf("stage %s: list %s: %w", c.Name, out, err)
			}
			paths = list
		}
		if out.Required && len(paths) == 0 {
			return nil, fmt.Errorf("stage %s: %w: %s", c.Name, ErrMissingOutput, out)
		}
		found[out] = paths
	}
	return found, nil
}

// Primary is the first required named output, used as the next stage's input.
func (c Contract) Primary(ws *workspace.Workspace) (string, bool) {
	for _, out := range c.Outputs {
		if out.Required && out.Name != "" {
			return ws.Path(out.Zone, out.Name), true
		}
	}
	return "", false
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func validateContract() Contract {
	return Contract{
		Name:    NameValidate,
		Title:   "Validating and cleaning data...",
		Script:  "validate_and_diagnosticsV1.py",
		Version: "v1",
		Outputs: []Output{
			{Zone: workspace.ZoneProcessed, Name: "mag_data_clean.csv", Required: true},
		},
		Args: func(input string, p domainjobs.Params) []string {
			args := []string{"--in", input}
			if p.DropOutliers {
				args = append(args, "--drop-outliers")
			}
			return args
		},
	}
}

func anomalyContract() Contract {
	return Contract{
		Name:    NameAnomaly,
		Title:   "Computing local anomalies...",
		Script:  "compute_local_anomaly_v2.py",
		Version: "v2",
		Outputs: []Output{
			{Zone: workspace.ZoneProcessed, Name: "mag_data_anomaly.csv", Required: true},
		},
		Args: func(input string, p domainjobs.Params) []string {
			args := []string{"--in", input, "--radius", formatFloat(p.Radius)}
			if p.DropFlagAny {
				args = append(args, "--drop-flag-any")
			}
			if p.Plot {
				args = append(args, "--plot")
			}
			return args
		},
	}
}

func heatmapContract() Contract {
	return Contract{
		Name:    NameHeatmap,
		Title:   "Generating heatmap...",
		Script:  "interpolate_to_heatmapV1.py",
		Version: "v1",
		Outputs: []Output{
			{Zone: workspace.ZoneExports, Suffix: "_grid.csv"},
			{Zone: workspace.ZoneExports, Suffix: "_heatmap.png"},
		},
		Args: func(input string, p domainjobs.Params) []string {
			return []string{"--in", input, "--value-col", p.ValueCol, "--grid-step", formatFloat(p.GridStep)}
		},
	}
}

// Pipeline is the ordered stage list plus how to launch scripts.
type Pipeline struct {
	Runtime    string
	ScriptsDir string
	Stages     []Contract
}

func DefaultPipeline(runtime, scriptsDir string) Pipeline {
	if runtime == "" {
		runtime = "python3"
	}
	return Pipeline{
		Runtime:    runtime,
		ScriptsDir: scriptsDir,
		Stages:     []Contract{validateContract(), anomalyContract(), heatmapContract()},
	}
}

// Invocation builds the command for c with workspace-relative input, run from the workspace root.
func (p Pipeline) Invocation(c Contract, ws *workspace.Workspace, input string, params domainjobs.Params) Invocation {
	script := c.Script
	if p.ScriptsDir != "" && !filepath.IsAbs(script) {
		script = filepath.Join(p.ScriptsDir, script)
	}
	args := append([]string{script}, c.Args(ws.Rel(input), params)...)
	return Invocation{
		Name:    c.Name,
		Program: p.Runtime,
		Args:    args,
		Dir:     ws.Dir,
	}
}

type fileConfig struct {
	Runtime    string `yaml:"runtime"`
	ScriptsDir string `yaml:"scripts_dir"`
	Stages     map[string]struct {
		Script  string `yaml:"script"`
		Version string `yaml:"version"`
	} `yaml:"stages"`
}

// LoadPipeline applies a YAML override file on top of base. Only runtime, scripts_dir and
// per-stage script/version may change; stage order and flags are fixed.
func LoadPipeline(path string, base Pipeline) (Pipeline, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("read stages config: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return base, fmt.Errorf("parse stages config %s: %w", path, err)
	}
	out := base
	out.Stages = append([]Contract(nil), base.Stages...)
	if fc.Runtime != "" {
		out.Runtime = fc.Runtime
	}
	if fc.ScriptsDir != "" {
		out.ScriptsDir = fc.ScriptsDir
	}
	known := map[string]int{}
	for i, c := range out.Stages {
		known[c.Name] = i
	}
	for name, override := range fc.Stages {
		i, ok := known[name]
		if !ok {
			return base, fmt.Errorf("stages config %s: unknown stage %q", path, name)
		}
		if override.Script != "" {
			out.Stages[i].Script = override.Script
		}
		if override.Version != "" {
			out.Stages[i].Version = override.Version
		}
	}
	return out, nil
}
