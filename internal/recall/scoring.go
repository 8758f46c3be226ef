// Package recall builds ranked context bundles for a prompt by fanning out
// across memory heads and reranking with a composite score.
package recall

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/ConaryLabs/mira/internal/memory"
)

// ScoredEntry carries a candidate with its component and composite scores.
type ScoredEntry struct {
	Entry      memory.Entry
	SourceHead memory.Head
	Rank       int // within-head rank at retrieval time

	Similarity float64
	Salience   float64
	Recency    float64
	Composite  float64
}

// Scorer computes composite scores. Weights are normalized at build time.
type Scorer struct {
	similarityWeight float64
	salienceWeight   float64
	recencyWeight    float64
	pinBoost         float64
	summaryBoost     float64
	halfLifeHours    float64
}

// NewScorer returns the default scorer: 40% similarity, 30% salience,
// 30% recency, pinned x2.0, summary x1.5, 24h recency half-life.
func NewScorer() *Scorer {
	return &Scorer{
		similarityWeight: 0.4,
		salienceWeight:   0.3,
		recencyWeight:    0.3,
		pinBoost:         2.0,
		summaryBoost:     1.5,
		halfLifeHours:    24,
	}
}

// NewScorerWithWeights normalizes the three weights to sum to one.
func NewScorerWithWeights(similarity, salience, recency, pinBoost, summaryBoost, halfLifeHours float64) *Scorer {
	total := similarity + salience + recency
	if total <= 0 {
		return NewScorer()
	}
	if halfLifeHours <= 0 {
		halfLifeHours = 24
	}
	return &Scorer{
		similarityWeight: similarity / total,
		salienceWeight:   salience / total,
		recencyWeight:    recency / total,
		pinBoost:         pinBoost,
		summaryBoost:     summaryBoost,
		halfLifeHours:    halfLifeHours,
	}
}

// Score fills the component and composite scores for one candidate.
// Salience comes from the database (already decayed); similarity is the
// cosine score, or a rank-degraded stand-in when none is available.
func (s *Scorer) Score(e *ScoredEntry, now time.Time) {
	e.Salience = e.Entry.Salience / 10.0

	ageHours := now.Sub(time.Unix(e.Entry.CreatedAt, 0)).Hours()
	if ageHours < 0 {
		ageHours = 0
	}
	lambda := math.Ln2 / s.halfLifeHours
	e.Recency = math.Exp(-lambda * ageHours)

	composite := s.similarityWeight*e.Similarity +
		s.salienceWeight*e.Salience +
		s.recencyWeight*e.Recency

	if e.Entry.Pinned {
		composite *= s.pinBoost
	}
	if isSummaryTagged(e.Entry.Tags) {
		composite *= s.summaryBoost
	}
	e.Composite = composite
}

// RankSimilarity degrades a missing cosine score by within-head rank.
func RankSimilarity(rank int) float64 {
	return 1.0 - float64(rank)/100.0
}

// SortEntries orders candidates by composite descending with deterministic
// tie-breaking: salience, then similarity, then id, all descending.
func SortEntries(entries []ScoredEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Composite != b.Composite {
			return a.Composite > b.Composite
		}
		if a.Entry.Salience != b.Entry.Salience {
			return a.Entry.Salience > b.Entry.Salience
		}
		if a.Similarity != b.Similarity {
			return a.Similarity > b.Similarity
		}
		return a.Entry.ID > b.Entry.ID
	})
}

// CosineSimilarity computes the cosine of the angle between two vectors.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func isSummaryTagged(tags []string) bool {
	for _, t := range tags {
		if strings.Contains(t, "summary") {
			return true
		}
	}
	return false
}
