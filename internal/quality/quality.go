// Package quality evaluates stage artifacts and decides their fate.
//
// Evaluation runs a set of named dimension scorers over an artifact and
// folds the scores into a weighted aggregate. The release policy then maps
// the aggregate and per-dimension floors onto a release, revise, or reject
// verdict. Decide is pure: the same evaluation and profile always produce
// the same decision, so any verdict in the ledger can be replayed.
package quality

import (
	"fmt"
	"math"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/tsumugi/internal/model"
)

// weightTolerance absorbs float noise when checking that weights sum to 1.
const weightTolerance = 1e-9

// WeightProfile configures one evaluation policy: which dimensions count,
// how much, which have hard minimums, and where the release and revise
// cutoffs sit. Profiles are validated once at load and immutable after.
type WeightProfile struct {
	Name             string             `yaml:"-"`
	Weights          map[string]float64 `yaml:"weights"`
	Floors           map[string]float64 `yaml:"floors,omitempty"`
	ReleaseThreshold float64            `yaml:"release_threshold"`
	ReviseThreshold  float64            `yaml:"revise_threshold"`
}

// InvalidWeightProfileError describes why a profile is malformed. It is
// returned at configuration load, never during a run.
type InvalidWeightProfileError struct {
	Profile string
	Reason  string
}

func (e *InvalidWeightProfileError) Error() string {
	return fmt.Sprintf("quality: invalid weight profile %q: %s", e.Profile, e.Reason)
}

// Validate checks the profile invariants: weights are non-negative and sum
// to 1.0, floors are in [0,1] and name weighted dimensions, and the revise
// threshold does not exceed the release threshold.
func (p WeightProfile) Validate() error {
	fail := func(format string, args ...any) error {
		return &InvalidWeightProfileError{Profile: p.Name, Reason: fmt.Sprintf(format, args...)}
	}

	if len(p.Weights) == 0 {
		return fail("at least one weighted dimension is required")
	}
	sum := 0.0
	for name, w := range p.Weights {
		if name == "" {
			return fail("dimension names must not be empty")
		}
		if w < 0 {
			return fail("weight for %q is negative", name)
		}
		sum += w
	}
	if math.Abs(sum-1.0) > weightTolerance {
		return fail("weights sum to %v, must sum to 1.0", sum)
	}
	for name, floor := range p.Floors {
		if _, ok := p.Weights[name]; !ok {
			return fail("floor on %q, which has no weight", name)
		}
		if floor < 0 || floor > 1 {
			return fail("floor for %q is %v, must be in [0,1]", name, floor)
		}
	}
	if p.ReleaseThreshold < 0 || p.ReleaseThreshold > 1 {
		return fail("release_threshold is %v, must be in [0,1]", p.ReleaseThreshold)
	}
	if p.ReviseThreshold < 0 || p.ReviseThreshold > 1 {
		return fail("revise_threshold is %v, must be in [0,1]", p.ReviseThreshold)
	}
	if p.ReviseThreshold > p.ReleaseThreshold {
		return fail("revise_threshold %v exceeds release_threshold %v", p.ReviseThreshold, p.ReleaseThreshold)
	}
	return nil
}

// Dimensions returns the profile's weighted dimension names, sorted.
func (p WeightProfile) Dimensions() []string {
	names := make([]string, 0, len(p.Weights))
	for name := range p.Weights {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Decide maps an evaluation onto a release verdict. A violated floor vetoes
// regardless of aggregate; otherwise the aggregate is compared against the
// release and revise thresholds in turn. Floors are checked in dimension
// name order so the reported violation is stable across calls.
func Decide(result model.EvaluationResult, profile WeightProfile) model.ReleaseDecision {
	decision := model.ReleaseDecision{
		ArtifactID:       result.ArtifactID,
		ThresholdProfile: profile.Name,
	}

	floorDims := make([]string, 0, len(profile.Floors))
	for name := range profile.Floors {
		floorDims = append(floorDims, name)
	}
	sort.Strings(floorDims)
	for _, name := range floorDims {
		floor := profile.Floors[name]
		ds, scored := result.DimensionScores[name]
		if !scored {
			decision.Outcome = model.ReleaseReject
			decision.Reason = fmt.Sprintf("dimension %s has floor %.3f but was not scored", name, floor)
			return decision
		}
		if ds.Score < floor {
			decision.Outcome = model.ReleaseReject
			decision.Reason = fmt.Sprintf("%s scored %.3f, below floor %.3f", name, ds.Score, floor)
			return decision
		}
	}

	switch {
	case result.AggregateScore >= profile.ReleaseThreshold:
		decision.Outcome = model.ReleaseRelease
		decision.Reason = fmt.Sprintf("aggregate %.3f met release threshold %.3f", result.AggregateScore, profile.ReleaseThreshold)
	case result.AggregateScore >= profile.ReviseThreshold:
		decision.Outcome = model.ReleaseRevise
		decision.Reason = fmt.Sprintf("aggregate %.3f below release threshold %.3f", result.AggregateScore, profile.ReleaseThreshold)
	default:
		decision.Outcome = model.ReleaseReject
		decision.Reason = fmt.Sprintf("aggregate %.3f below revise threshold %.3f", result.AggregateScore, profile.ReviseThreshold)
	}
	return decision
}

// ProfileSet is a named collection of validated profiles with a default.
type ProfileSet struct {
	Default  string                   `yaml:"default_profile"`
	Profiles map[string]WeightProfile `yaml:"profiles"`
}

// Get resolves a profile by name, falling back to the default when name is
// empty. Unknown names are a skill configuration error.
func (s ProfileSet) Get(name string) (WeightProfile, error) {
	if name == "" {
		name = s.Default
	}
	p, ok := s.Profiles[name]
	if !ok {
		return WeightProfile{}, fmt.Errorf("quality: unknown weight profile %q", name)
	}
	return p, nil
}

// Validate checks every profile and the default reference.
func (s ProfileSet) Validate() error {
	if len(s.Profiles) == 0 {
		return &InvalidWeightProfileError{Profile: "(none)", Reason: "at least one profile is required"}
	}
	if s.Default == "" {
		return &InvalidWeightProfileError{Profile: "(default)", Reason: "default_profile is required"}
	}
	if _, ok := s.Profiles[s.Default]; !ok {
		return &InvalidWeightProfileError{Profile: s.Default, Reason: "default_profile names an unknown profile"}
	}
	for name, p := range s.Profiles {
		p.Name = name
		if err := p.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// LoadProfileSet reads and validates a profile set from a YAML file.
func LoadProfileSet(path string) (ProfileSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ProfileSet{}, fmt.Errorf("quality: read profiles %s: %w", path, err)
	}
	var set ProfileSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return ProfileSet{}, fmt.Errorf("quality: parse profiles %s: %w", path, err)
	}
	for name, p := range set.Profiles {
		p.Name = name
		set.Profiles[name] = p
	}
	if err := set.Validate(); err != nil {
		return ProfileSet{}, err
	}
	return set, nil
}

// DefaultProfileSet is the built-in policy used when no profiles file is
// configured: content quality dimensions with a hard safety floor.
func DefaultProfileSet() ProfileSet {
	standard := WeightProfile{
		Name: "standard",
		Weights: map[string]float64{
			"length":    0.10,
			"structure": 0.15,
			"safety":    0.30,
			"novelty":   0.20,
			"voice":     0.25,
		},
		Floors:           map[string]float64{"safety": 0.9},
		ReleaseThreshold: 0.75,
		ReviseThreshold:  0.5,
	}
	strict := standard
	strict.Name = "strict"
	strict.ReleaseThreshold = 0.85
	strict.ReviseThreshold = 0.65
	return ProfileSet{
		Default: "standard",
		Profiles: map[string]WeightProfile{
			"standard": standard,
			"strict":   strict,
		},
	}
}
