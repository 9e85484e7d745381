package jobs

import (
	"encoding/json"
	"fmt"
	"math"
)

const (
	ValueColLocalAnomaly     = "local_anomaly"
	ValueColLocalAnomalyNorm = "local_anomaly_norm"
	ValueColLocalAnomalyAbs  = "local_anomaly_abs"

	DefaultRadius   = 0.10
	DefaultGridStep = 0.01
	DefaultValueCol = ValueColLocalAnomalyNorm
)

// Params is the immutable per-job configuration handed to the processing stages.
type Params struct {
	Radius       float64 `json:"radius"`
	GridStep     float64 `json:"grid_step"`
	ValueCol     string  `json:"value_col"`
	DropOutliers bool    `json:"drop_outliers"`
	DropFlagAny  bool    `json:"drop_flag_any"`
	Plot         bool    `json:"plot"`
}

func DefaultParams() Params {
	return Params{
		Radius:   DefaultRadius,
		GridStep: DefaultGridStep,
		ValueCol: DefaultValueCol,
	}
}

// WithDefaults fills zero numeric fields and an empty value column.
func (p Params) WithDefaults() Params {
	if p.Radius == 0 {
		p.Radius = DefaultRadius
	}
	if p.GridStep == 0 {
		p.GridStep = DefaultGridStep
	}
	if p.ValueCol == "" {
		p.ValueCol = DefaultValueCol
	}
	return p
}

func (p Params) Validate() error {
	if math.IsNaN(p.Radius) || math.IsInf(p.Radius, 0) || p.Radius <= 0 {
		return fmt.Errorf("radius must be a positive number, got %v", p.Radius)
	}
	if math.IsNaN(p.GridStep) || math.IsInf(p.GridStep, 0) || p.GridStep <= 0 {
		return fmt.Errorf("grid_step must be a positive number, got %v", p.GridStep)
	}
	switch p.ValueCol {
	case ValueColLocalAnomaly, ValueColLocalAnomalyNorm, ValueColLocalAnomalyAbs:
	default:
		return fmt.Errorf("value_col must be one of %s, %s, %s; got %q",
			ValueColLocalAnomaly, ValueColLocalAnomalyNorm, ValueColLocalAnomalyAbs, p.ValueCol)
	}
	return nil
}

func (p Params) JSON() ([]byte, error) {
	return json.Marshal(p)
}

// DecodeParams reads a stored params blob; an empty blob yields the defaults.
func DecodeParams(raw []byte) (Params, error) {
	if len(raw) == 0 {
		return DefaultParams(), nil
	}
	var p Params
	if err := json.Unmarshal(raw, &p); err != nil {
		return Params{}, fmt.Errorf("decode params: %w", err)
	}
	return p.WithDefaults(), nil
}
