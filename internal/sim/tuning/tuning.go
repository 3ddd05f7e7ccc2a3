// Package tuning loads the simulation knobs from tuning.yaml.
package tuning

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"simcal.ai/internal/sim/calendar"
	"simcal.ai/internal/sim/runner"
	"simcal.ai/internal/sim/timestep"
)

type Tuning struct {
	// Steps per second at startup.
	InitialTargetRate int `yaml:"initial_target_rate"`
	FallbackRate      int `yaml:"fallback_rate"`

	calendar.Markers `yaml:",inline"`

	StateDebugEveryHours uint64 `yaml:"state_debug_every_hours"`

	LoopIntervalMs int `yaml:"loop_interval_ms"`
	DispatchQueue  int `yaml:"dispatch_queue"`

	// Namespace is the broadcast channel name clients attach to.
	Namespace string `yaml:"namespace"`
}

func Defaults() Tuning {
	return Tuning{
		InitialTargetRate:    100,
		FallbackRate:         timestep.DefaultFallbackRate,
		Markers:              calendar.DefaultMarkers(),
		StateDebugEveryHours: calendar.DefaultThrottleHours,
		LoopIntervalMs:       1,
		DispatchQueue:        1024,
		Namespace:            "/simulation",
	}
}

// Load reads path on top of Defaults. An empty path returns the defaults.
func Load(path string) (Tuning, error) {
	t := Defaults()
	if strings.TrimSpace(path) == "" {
		return t, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) Validate() error {
	if t.InitialTargetRate < 0 {
		return fmt.Errorf("initial_target_rate must be >= 0")
	}
	if t.FallbackRate <= 0 {
		return fmt.Errorf("fallback_rate must be > 0")
	}
	if err := t.Markers.Validate(); err != nil {
		return err
	}
	if t.StateDebugEveryHours == 0 {
		return fmt.Errorf("state_debug_every_hours must be > 0")
	}
	if t.LoopIntervalMs < 0 {
		return fmt.Errorf("loop_interval_ms must be >= 0")
	}
	if t.DispatchQueue <= 0 {
		return fmt.Errorf("dispatch_queue must be > 0")
	}
	if !strings.HasPrefix(t.Namespace, "/") {
		return fmt.Errorf("namespace must start with /")
	}
	return nil
}

// RunnerConfig maps the tuning onto a runner config. Clock and Logger are left to the caller.
func (t Tuning) RunnerConfig() runner.Config {
	cfg := runner.DefaultConfig()
	cfg.TargetRate = t.InitialTargetRate
	cfg.FallbackRate = t.FallbackRate
	cfg.Markers = t.Markers
	cfg.StateDebugEveryHours = t.StateDebugEveryHours
	cfg.LoopInterval = time.Duration(t.LoopIntervalMs) * time.Millisecond
	cfg.DispatchQueue = t.DispatchQueue
	return cfg
}
