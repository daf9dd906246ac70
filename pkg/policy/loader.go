package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

const (
	// GammaFile and CostFile are the seed locations relative to the project root.
	GammaFile = "policy/gamma.json"
	CostFile  = "policy/cost.json"

	supportedVersions = "^1"
)

// DefaultGammaConfig returns the built-in weights and thresholds.
func DefaultGammaConfig() GammaConfig {
	return GammaConfig{
		Weights: Weights{
			TestsPass:      0.4,
			RetrievalCited: 0.25,
			CostOK:         0.2,
			DiffTiny:       0.15,
		},
		Thresholds: map[Mode]float64{
			ModeSafe:  0.6,
			ModeFast:  0.5,
			ModeCheap: 0.4,
		},
	}
}

// DefaultCostConfig returns the built-in cost ceilings.
func DefaultCostConfig() CostConfig {
	return CostConfig{PerRunGBP: 3.0, PerDayGBP: 25.0}
}

type rawWeights struct {
	TestsPass      *float64 `json:"tests_pass" yaml:"tests_pass"`
	RetrievalCited *float64 `json:"retrieval_cited" yaml:"retrieval_cited"`
	CostOK         *float64 `json:"cost_ok" yaml:"cost_ok"`
	DiffTiny       *float64 `json:"diff_tiny" yaml:"diff_tiny"`
}

type rawGamma struct {
	Version    string             `json:"version" yaml:"version"`
	Weights    rawWeights         `json:"weights" yaml:"weights"`
	Thresholds map[string]float64 `json:"thresholds" yaml:"thresholds"`
	Rules      []string           `json:"rules" yaml:"rules"`
}

type rawCost struct {
	Version   string   `json:"version" yaml:"version"`
	PerRunGBP *float64 `json:"per_run_gbp" yaml:"per_run_gbp"`
	PerDayGBP *float64 `json:"per_day_gbp" yaml:"per_day_gbp"`
}

// LoadGammaConfig reads a gamma document. A missing file yields the defaults
// with a nil error; a malformed one yields the defaults and a non-nil error
// describing why, so callers can warn without failing.
func LoadGammaConfig(path string) (GammaConfig, error) {
	var raw rawGamma
	found, err := decodeFile(path, &raw)
	if err != nil {
		return DefaultGammaConfig(), err
	}
	if !found {
		return DefaultGammaConfig(), nil
	}
	if err := checkVersion(raw.Version); err != nil {
		return DefaultGammaConfig(), fmt.Errorf("gamma config %s: %w", path, err)
	}

	cfg := GammaConfig{Version: raw.Version, Rules: raw.Rules, Thresholds: map[Mode]float64{}}
	def := DefaultGammaConfig()
	cfg.Weights = Weights{
		TestsPass:      pick(raw.Weights.TestsPass, def.Weights.TestsPass),
		RetrievalCited: pick(raw.Weights.RetrievalCited, def.Weights.RetrievalCited),
		CostOK:         pick(raw.Weights.CostOK, def.Weights.CostOK),
		DiffTiny:       pick(raw.Weights.DiffTiny, def.Weights.DiffTiny),
	}
	for k, v := range raw.Thresholds {
		cfg.Thresholds[Mode(k)] = v
	}
	return sanitizeGamma(cfg), nil
}

// LoadCostConfig reads a cost document with the same fallback rules as LoadGammaConfig.
func LoadCostConfig(path string) (CostConfig, error) {
	var raw rawCost
	found, err := decodeFile(path, &raw)
	if err != nil {
		return DefaultCostConfig(), err
	}
	if !found {
		return DefaultCostConfig(), nil
	}
	if err := checkVersion(raw.Version); err != nil {
		return DefaultCostConfig(), fmt.Errorf("cost config %s: %w", path, err)
	}
	def := DefaultCostConfig()
	cfg := CostConfig{Version: raw.Version, PerRunGBP: def.PerRunGBP, PerDayGBP: def.PerDayGBP}
	if raw.PerRunGBP != nil {
		cfg.PerRunGBP = *raw.PerRunGBP
	}
	if raw.PerDayGBP != nil {
		cfg.PerDayGBP = *raw.PerDayGBP
	}
	return sanitizeCost(cfg), nil
}

// LoadEngine loads both documents under root and builds an engine.
// Load problems are logged as warnings; the engine is always usable.
func LoadEngine(root string) *Engine {
	logger := slog.Default().With("component", "policy")
	gamma, err := LoadGammaConfig(filepath.Join(root, GammaFile))
	if err != nil {
		logger.Warn("gamma config invalid, using defaults", "error", err)
	}
	cost, err := LoadCostConfig(filepath.Join(root, CostFile))
	if err != nil {
		logger.Warn("cost config invalid, using defaults", "error", err)
	}
	return NewEngine(gamma, cost)
}

// EnsureSeeds writes the default policy documents under root if they are absent.
func EnsureSeeds(root string) error {
	seeds := map[string]any{
		GammaFile: DefaultGammaConfig(),
		CostFile:  DefaultCostConfig(),
	}
	for rel, doc := range seeds {
		path := filepath.Join(root, rel)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		data, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal %s: %w", rel, err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("create policy dir: %w", err)
		}
		if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", rel, err)
		}
	}
	return nil
}

func decodeFile(path string, out any) (bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, out)
	default:
		err = json.Unmarshal(data, out)
	}
	if err != nil {
		return true, fmt.Errorf("parse %s: %w", path, err)
	}
	return true, nil
}

func checkVersion(v string) error {
	if v == "" {
		return nil
	}
	ver, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("invalid version %q: %w", v, err)
	}
	c, err := semver.NewConstraint(supportedVersions)
	if err != nil {
		return err
	}
	if !c.Check(ver) {
		return fmt.Errorf("version %s does not satisfy %s", v, supportedVersions)
	}
	return nil
}

func pick(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

func validUnit(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}

// sanitizeGamma replaces out-of-range fields with their defaults.
func sanitizeGamma(cfg GammaConfig) GammaConfig {
	def := DefaultGammaConfig()
	if !validUnit(cfg.Weights.TestsPass) {
		cfg.Weights.TestsPass = def.Weights.TestsPass
	}
	if !validUnit(cfg.Weights.RetrievalCited) {
		cfg.Weights.RetrievalCited = def.Weights.RetrievalCited
	}
	if !validUnit(cfg.Weights.CostOK) {
		cfg.Weights.CostOK = def.Weights.CostOK
	}
	if !validUnit(cfg.Weights.DiffTiny) {
		cfg.Weights.DiffTiny = def.Weights.DiffTiny
	}

	thresholds := make(map[Mode]float64, len(def.Thresholds))
	for m, v := range cfg.Thresholds {
		if validUnit(v) {
			thresholds[m] = v
		}
	}
	for m, v := range def.Thresholds {
		if _, ok := thresholds[m]; !ok {
			thresholds[m] = v
		}
	}
	cfg.Thresholds = thresholds
	return cfg
}

func sanitizeCost(cfg CostConfig) CostConfig {
	def := DefaultCostConfig()
	if math.IsNaN(cfg.PerRunGBP) || cfg.PerRunGBP < 0 {
		cfg.PerRunGBP = def.PerRunGBP
	}
	if math.IsNaN(cfg.PerDayGBP) || cfg.PerDayGBP < 0 {
		cfg.PerDayGBP = def.PerDayGBP
	}
	return cfg
}
