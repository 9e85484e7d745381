package jobs

import "testing"

func TestDefaultParams(t *testing.T) {
	p := DefaultParams()
	if p.Radius != 0.10 || p.GridStep != 0.01 || p.ValueCol != "local_anomaly_norm" {
		t.Fatalf("defaults: got=%+v", p)
	}
	if p.DropOutliers || p.DropFlagAny || p.Plot {
		t.Fatalf("defaults: flags should be off, got=%+v", p)
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("Validate(defaults): %v", err)
	}
}

func TestParamsValidateRejectsBadInput(t *testing.T) {
	cases := map[string]Params{
		"zero radius":    {Radius: 0, GridStep: 0.01, ValueCol: ValueColLocalAnomaly},
		"negative step":  {Radius: 0.1, GridStep: -1, ValueCol: ValueColLocalAnomaly},
		"unknown column": {Radius: 0.1, GridStep: 0.01, ValueCol: "anomaly"},
	}
	for name, p := range cases {
		if err := p.Validate(); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestDecodeParamsFillsDefaults(t *testing.T) {
	p, err := DecodeParams([]byte(`{"radius":0.25,"plot":true}`))
	if err != nil {
		t.Fatalf("DecodeParams: %v", err)
	}
	if p.Radius != 0.25 || !p.Plot {
		t.Fatalf("explicit fields lost: %+v", p)
	}
	if p.GridStep != DefaultGridStep || p.ValueCol != DefaultValueCol {
		t.Fatalf("defaults not applied: %+v", p)
	}
	empty, err := DecodeParams(nil)
	if err != nil || empty != DefaultParams() {
		t.Fatalf("DecodeParams(nil): got=%+v err=%v", empty, err)
	}
}
