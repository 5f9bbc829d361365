package quality

import (
	"context"
	"strings"
	"sync"
	"unicode"

	"github.com/google/uuid"
)

// Artifact is the unit of text handed to scorers. Instructions carry the
// stage prompt so instruction-aware scorers (the judge) can see what the
// artifact was asked to be.
type Artifact struct {
	ID           uuid.UUID
	Content      string
	Instructions string
}

// Scorer rates one quality dimension of an artifact in [0,1]. An error
// means the dimension could not be scored; the evaluator records it as
// degraded with a score of 0.0 rather than dropping it.
type Scorer interface {
	Score(ctx context.Context, artifact Artifact) (float64, error)
}

// ScorerFunc adapts a function to the Scorer interface.
type ScorerFunc func(ctx context.Context, artifact Artifact) (float64, error)

// Score implements Scorer.
func (f ScorerFunc) Score(ctx context.Context, artifact Artifact) (float64, error) {
	return f(ctx, artifact)
}

// Registry maps dimension names to scorer implementations. Scorers are
// selected by configuration key, so adding a dimension is a registration,
// not a code change in the evaluator.
type Registry struct {
	mu      sync.RWMutex
	scorers map[string]Scorer
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{scorers: make(map[string]Scorer)}
}

// Register binds a scorer to a dimension name, replacing any previous one.
func (r *Registry) Register(name string, s Scorer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scorers[name] = s
}

// Lookup returns the scorer for a dimension, if registered.
func (r *Registry) Lookup(name string) (Scorer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.scorers[name]
	return s, ok
}

// Names returns the registered dimension names in no particular order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.scorers))
	for name := range r.scorers {
		names = append(names, name)
	}
	return names
}

// DefaultRegistry returns a registry with the built-in heuristic scorers.
// The judge scorer needs an invocation function, so callers wire it
// separately once a model client exists.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("length", LengthScorer{Min: 50, Max: 700})
	r.Register("structure", StructureScorer{})
	r.Register("safety", NewSafetyScorer(DefaultSafetyLexicon))
	r.Register("novelty", NoveltyScorer{})
	r.Register("voice", VoiceScorer{})
	return r
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// tokenize lowercases and splits on non-letter/digit runs.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// LengthScorer rates word count against a target band. Inside [Min,Max]
// scores 1.0; outside, the score decays with the ratio of excess or
// shortfall, so a slightly long artifact is only slightly penalized.
type LengthScorer struct {
	Min int
	Max int
}

// Score implements Scorer.
func (s LengthScorer) Score(_ context.Context, artifact Artifact) (float64, error) {
	words := len(strings.Fields(artifact.Content))
	switch {
	case words == 0:
		return 0, nil
	case words < s.Min:
		return clamp(float64(words) / float64(s.Min)), nil
	case words > s.Max:
		return clamp(float64(s.Max) / float64(words)), nil
	default:
		return 1, nil
	}
}

// StructureScorer rates how well-formed the artifact's shape is.
type StructureScorer struct{}

// Score implements Scorer.
//
// Scoring factors:
//   - Multiple paragraphs: 0.30
//   - Average sentence length in a readable band (8-30 words): 0.30
//   - Ends with terminal punctuation: 0.20
//   - Code fences balanced: 0.20
func (StructureScorer) Score(_ context.Context, artifact Artifact) (float64, error) {
	content := strings.TrimSpace(artifact.Content)
	if content == "" {
		return 0, nil
	}

	var score float64

	paragraphs := 0
	for _, p := range strings.Split(content, "\n\n") {
		if strings.TrimSpace(p) != "" {
			paragraphs++
		}
	}
	if paragraphs >= 2 {
		score += 0.30
	} else {
		score += 0.10
	}

	sentences := 0
	for _, r := range content {
		if r == '.' || r == '!' || r == '?' {
			sentences++
		}
	}
	words := len(strings.Fields(content))
	if sentences > 0 {
		avg := float64(words) / float64(sentences)
		if avg >= 8 && avg <= 30 {
			score += 0.30
		} else if avg > 0 && avg < 45 {
			score += 0.15
		}
	}

	last, _ := lastNonSpace(content)
	if last == '.' || last == '!' || last == '?' {
		score += 0.20
	}

	if strings.Count(content, "```")%2 == 0 {
		score += 0.20
	}

	return clamp(score), nil
}

func lastNonSpace(s string) (rune, bool) {
	runes := []rune(s)
	for i := len(runes) - 1; i >= 0; i-- {
		if !unicode.IsSpace(runes[i]) {
			return runes[i], true
		}
	}
	return 0, false
}

// DefaultSafetyLexicon flags claim language that compliance review keeps
// out of published client content.
var DefaultSafetyLexicon = []string{
	"guaranteed",
	"risk-free",
	"miracle",
	"act now",
	"100% free",
	"no obligation",
	"get rich",
	"limited time only",
}

// SafetyScorer penalizes flagged phrases. A clean artifact scores 1.0;
// each distinct hit costs 0.25.
type SafetyScorer struct {
	phrases []string
}

// NewSafetyScorer builds a scorer over a lowercased phrase lexicon.
func NewSafetyScorer(lexicon []string) SafetyScorer {
	phrases := make([]string, len(lexicon))
	for i, p := range lexicon {
		phrases[i] = strings.ToLower(p)
	}
	return SafetyScorer{phrases: phrases}
}

// Score implements Scorer.
func (s SafetyScorer) Score(_ context.Context, artifact Artifact) (float64, error) {
	content := strings.ToLower(artifact.Content)
	hits := 0
	for _, phrase := range s.phrases {
		if strings.Contains(content, phrase) {
			hits++
		}
	}
	return clamp(1 - 0.25*float64(hits)), nil
}

// NoveltyScorer rates lexical variety. Repetitive drafts, the usual
// failure mode of a model stuck in a loop, score low.
type NoveltyScorer struct{}

// Score implements Scorer.
//
// Scoring factors:
//   - Type-token ratio sets the base score.
//   - Repeated trigrams subtract up to 0.5.
func (NoveltyScorer) Score(_ context.Context, artifact Artifact) (float64, error) {
	tokens := tokenize(artifact.Content)
	if len(tokens) < 3 {
		// Too short to measure; stay neutral rather than veto.
		return 0.5, nil
	}

	distinct := make(map[string]struct{}, len(tokens))
	for _, tok := range tokens {
		distinct[tok] = struct{}{}
	}
	ttr := float64(len(distinct)) / float64(len(tokens))

	var base float64
	switch {
	case ttr > 0.7:
		base = 0.95
	case ttr > 0.5:
		base = 0.75
	case ttr > 0.3:
		base = 0.5
	default:
		base = 0.25
	}

	seen := make(map[string]struct{}, len(tokens))
	repeated := 0
	total := len(tokens) - 2
	for i := 0; i < total; i++ {
		tri := tokens[i] + " " + tokens[i+1] + " " + tokens[i+2]
		if _, dup := seen[tri]; dup {
			repeated++
		} else {
			seen[tri] = struct{}{}
		}
	}
	penalty := 0.5 * float64(repeated) / float64(total)

	return clamp(base - penalty), nil
}

// VoiceScorer rates stylistic authenticity with cheap proxies: direct
// address, active phrasing, and restraint with emphasis and filler.
type VoiceScorer struct{}

// Score implements Scorer.
//
// Scoring factors:
//   - Addresses the reader directly ("you", "your"): 0.20
//   - Low passive-marker density (was/were/been/being): 0.20
//   - At most one exclamation mark: 0.20
//   - No shouting (multi-letter all-caps words): 0.20
//   - Low filler density (very/really/just/actually/basically): 0.20
func (VoiceScorer) Score(_ context.Context, artifact Artifact) (float64, error) {
	content := strings.TrimSpace(artifact.Content)
	if content == "" {
		return 0, nil
	}

	var score float64
	tokens := tokenize(content)
	total := len(tokens)
	if total == 0 {
		return 0, nil
	}

	counts := make(map[string]int, total)
	for _, tok := range tokens {
		counts[tok]++
	}

	if counts["you"]+counts["your"] > 0 {
		score += 0.20
	}

	passive := counts["was"] + counts["were"] + counts["been"] + counts["being"]
	if float64(passive)/float64(total) < 0.02 {
		score += 0.20
	}

	if strings.Count(content, "!") <= 1 {
		score += 0.20
	}

	shouting := 0
	for _, w := range strings.Fields(content) {
		trimmed := strings.TrimFunc(w, func(r rune) bool { return !unicode.IsLetter(r) })
		if len(trimmed) >= 3 && trimmed == strings.ToUpper(trimmed) && trimmed != strings.ToLower(trimmed) {
			shouting++
		}
	}
	if shouting == 0 {
		score += 0.20
	}

	filler := counts["very"] + counts["really"] + counts["just"] + counts["actually"] + counts["basically"]
	if float64(filler)/float64(total) < 0.03 {
		score += 0.20
	}

	return clamp(score), nil
}
