package stage

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/google/uuid"

	domainjobs "github.com/aidenerard/fluxspace-site/internal/domain/jobs"
	"github.com/aidenerard/fluxspace-site/internal/jobs/workspace"
)

func newWorkspace(t *testing.T) *workspace.Workspace {
	t.Helper()
	m, err := workspace.NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	ws, err := m.Create(uuid.New())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return ws
}

func TestDefaultPipelineOrder(t *testing.T) {
	p := DefaultPipeline("", "/opt/scripts")
	if p.Runtime != "python3" {
		t.Fatalf("runtime: want=python3 got=%q", p.Runtime)
	}
	names := []string{}
	for _, c := range p.Stages {
		names = append(names, c.Name)
	}
	want := []string{NameValidate, NameAnomaly, NameHeatmap}
	if !reflect.DeepEqual(names, want) {
		t.Fatalf("stage order: want=%v got=%v", want, names)
	}
}

func TestInvocationArgs(t *testing.T) {
	ws := newWorkspace(t)
	p := DefaultPipeline("python3", "/opt/scripts")
	params := domainjobs.Params{Radius: 0.25, GridStep: 0.05, ValueCol: "B_total", DropOutliers: true, DropFlagAny: true, Plot: true}

	raw := ws.Path(workspace.ZoneRaw, workspace.InputName)
	inv := p.Invocation(p.Stages[0], ws, raw, params)
	want := []string{"/opt/scripts/validate_and_diagnosticsV1.py", "--in", "data/raw/mag_data.csv", "--drop-outliers"}
	if !reflect.DeepEqual(inv.Args, want) {
		t.Fatalf("validate args: want=%v got=%v", want, inv.Args)
	}
	if inv.Dir != ws.Dir || inv.Program != "python3" {
		t.Fatalf("validate invocation: dir=%q program=%q", inv.Dir, inv.Program)
	}

	clean, _ := p.Stages[0].Primary(ws)
	inv = p.Invocation(p.Stages[1], ws, clean, params)
	want = []string{"/opt/scripts/compute_local_anomaly_v2.py", "--in", "data/processed/mag_data_clean.csv", "--radius", "0.25", "--drop-flag-any", "--plot"}
	if !reflect.DeepEqual(inv.Args, want) {
		t.Fatalf("anomaly args: want=%v got=%v", want, inv.Args)
	}

	anomaly, _ := p.Stages[1].Primary(ws)
	inv = p.Invocation(p.Stages[2], ws, anomaly, params)
	want = []string{"/opt/scripts/interpolate_to_heatmapV1.py", "--in", "data/processed/mag_data_anomaly.csv", "--value-col", "B_total", "--grid-step", "0.05"}
	if !reflect.DeepEqual(inv.Args, want) {
		t.Fatalf("heatmap args: want=%v got=%v", want, inv.Args)
	}
}

func TestInvocationOmitsFalseFlags(t *testing.T) {
	ws := newWorkspace(t)
	p := DefaultPipeline("python3", "")
	params := domainjobs.DefaultParams()

	inv := p.Invocation(p.Stages[1], ws, ws.Path(workspace.ZoneProcessed, "mag_data_clean.csv"), params)
	want := []string{"compute_local_anomaly_v2.py", "--in", "data/processed/mag_data_clean.csv", "--radius", "0.1"}
	if !reflect.DeepEqual(inv.Args, want) {
		t.Fatalf("anomaly args: want=%v got=%v", want, inv.Args)
	}
}

func TestResolveRequiredAndOptional(t *testing.T) {
	ws := newWorkspace(t)
	p := DefaultPipeline("", "")

	if _, err := p.Stages[0].Resolve(ws); !errors.Is(err, ErrMissingOutput) {
		t.Fatalf("Resolve(validate) without output: want ErrMissingOutput got=%v", err)
	}
	if err := os.WriteFile(ws.Path(workspace.ZoneProcessed, "mag_data_clean.csv"), []byte("x"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := p.Stages[0].Resolve(ws); err != nil {
		t.Fatalf("Resolve(validate): %v", err)
	}

	found, err := p.Stages[2].Resolve(ws)
	if err != nil {
		t.Fatalf("Resolve(heatmap) with no exports: %v", err)
	}
	for out, paths := range found {
		if len(paths) != 0 {
			t.Fatalf("output %s: want none got=%v", out, paths)
		}
	}
	if err := os.WriteFile(ws.Path(workspace.ZoneExports, "mag_data_anomaly_heatmap.png"), []byte("x"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	found, err = p.Stages[2].Resolve(ws)
	if err != nil {
		t.Fatalf("Resolve(heatmap): %v", err)
	}
	png := found[p.Stages[2].Outputs[1]]
	if len(png) != 1 || filepath.Base(png[0]) != "mag_data_anomaly_heatmap.png" {
		t.Fatalf("heatmap png: got=%v", png)
	}
}

func TestLoadPipelineOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stages.yaml")
	body := "runtime: /usr/bin/python3.11\nscripts_dir: /srv/scripts\nstages:\n  anomaly:\n    script: compute_local_anomaly_v3.py\n    version: v3\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	base := DefaultPipeline("", "")
	p, err := LoadPipeline(path, base)
	if err != nil {
		t.Fatalf("LoadPipeline: %v", err)
	}
	if p.Runtime != "/usr/bin/python3.11" || p.ScriptsDir != "/srv/scripts" {
		t.Fatalf("runtime/scripts_dir: got=%q %q", p.Runtime, p.ScriptsDir)
	}
	if p.Stages[1].Script != "compute_local_anomaly_v3.py" || p.Stages[1].Version != "v3" {
		t.Fatalf("anomaly override: got=%q %q", p.Stages[1].Script, p.Stages[1].Version)
	}
	if base.Stages[1].Script != "compute_local_anomaly_v2.py" {
		t.Fatalf("base pipeline mutated: %q", base.Stages[1].Script)
	}
}

func TestLoadPipelineRejectsUnknownStage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stages.yaml")
	if err := os.WriteFile(path, []byte("stages:\n  smooth:\n    script: x.py\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadPipeline(path, DefaultPipeline("", "")); err == nil {
		t.Fatalf("LoadPipeline: expected error for unknown stage")
	}
}
