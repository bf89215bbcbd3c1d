package services

import (
	"regexp"
	"strings"

	"filing-analyzer/models"
)

// Answers that admit missing information get discounted.
var uncertaintyPhrases = []string{
	"not available", "not provided", "unclear", "cannot determine",
	"insufficient information", "not specified", "unknown",
}

// Dollar amounts, percentages and ISO dates suggest the answer is grounded
// in concrete figures from the filing.
var concreteFigureRe = regexp.MustCompile(`\$[\d,]+|\d+(\.\d+)?%|\d{4}-\d{2}-\d{2}`)

type ConfidenceWeights struct {
	// SparsityWeight is the share of the score lost when retrieval
	// returned nothing at all out of what was requested.
	SparsityWeight float64
	// UncertaintyFactor multiplies the score when the answer hedges.
	UncertaintyFactor float64
	// FigureBonus is added when the answer quotes concrete figures.
	FigureBonus float64
}

func DefaultConfidenceWeights() ConfidenceWeights {
	return ConfidenceWeights{SparsityWeight: 0.5, UncertaintyFactor: 0.6, FigureBonus: 0.05}
}

// ConfidenceEstimator scores an answer from retrieval evidence alone; it
// makes no external calls.
type ConfidenceEstimator struct {
	weights ConfidenceWeights
}

func NewConfidenceEstimator(weights ConfidenceWeights) *ConfidenceEstimator {
	return &ConfidenceEstimator{weights: weights}
}

// Score computes
//
//	mean     = mean similarity of used chunks, each clamped to [0,1]
//	coverage = min(found/requested, 1)
//	score    = mean * (1 - SparsityWeight*(1-coverage))
//
// then applies the uncertainty factor and figure bonus and clamps to [0,1].
// No used chunks scores 0.
func (ce *ConfidenceEstimator) Score(used []models.ScoredChunk, found, requested int, answer string) float64 {
	if len(used) == 0 {
		return 0
	}

	var sum float64
	for _, c := range used {
		sum += clamp01(c.Similarity)
	}
	mean := sum / float64(len(used))

	coverage := 1.0
	if requested > 0 {
		coverage = clamp01(float64(found) / float64(requested))
	}
	score := mean * (1 - ce.weights.SparsityWeight*(1-coverage))

	lower := strings.ToLower(answer)
	for _, phrase := range uncertaintyPhrases {
		if strings.Contains(lower, phrase) {
			score *= ce.weights.UncertaintyFactor
			break
		}
	}
	if concreteFigureRe.MatchString(answer) {
		score += ce.weights.FigureBonus
	}

	return clamp01(score)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
