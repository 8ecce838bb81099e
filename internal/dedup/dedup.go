// Package dedup decides whether a proposed task duplicates active work.
//
// Similarity is computed by a pluggable SimilarityScorer. The default scorer
// is the Jaccard index of the instructions' content words. Proposals for the
// same contact need a lower score to count as duplicates than proposals for
// different contacts, because the same topic recurring across different
// people is normal.
package dedup

import (
	"strings"
	"unicode"

	"github.com/google/uuid"
	"github.com/phrazzld/cadence/internal/domain"
)

// Default merge thresholds. Scores at or above the threshold merge.
const (
	SameContactThreshold  = 0.35
	CrossContactThreshold = 0.55
)

// SimilarityScorer scores two instructions in [0, 1].
type SimilarityScorer interface {
	Score(a, b string) float64
}

// ScorerFunc adapts a function to SimilarityScorer.
type ScorerFunc func(a, b string) float64

// Score implements SimilarityScorer.
func (f ScorerFunc) Score(a, b string) float64 { return f(a, b) }

var stopWords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`a an the and or but if then so of to in on at by for from with
		about into over after before as is are was were be been being it its this that these those
		i me my we us our you your he him his she her they them their
		do does did done have has had will would should could can may might must shall
		please just also very some any all each more most no not only own same too than
		up via per re`) {
		stopWords[w] = struct{}{}
	}
}

// Tokens returns the lower-cased content words of s, without duplicates,
// stop-words and single characters.
func Tokens(s string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, f := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len([]rune(f)) < 2 {
			continue
		}
		if _, stop := stopWords[f]; stop {
			continue
		}
		out[f] = struct{}{}
	}
	return out
}

// Jaccard is the default scorer: |A∩B| / |A∪B| over content words.
type Jaccard struct{}

// Score implements SimilarityScorer. Two texts without content words score 0.
func (Jaccard) Score(a, b string) float64 {
	ta, tb := Tokens(a), Tokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	inter := 0
	for t := range ta {
		if _, ok := tb[t]; ok {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	return float64(inter) / float64(union)
}

// Match describes an existing task a proposal should merge into.
type Match struct {
	Existing *domain.Task
	Score    float64
	// FollowUp is set when the proposal explicitly named Existing.
	FollowUp bool
}

// Matcher finds the active task a proposal duplicates.
type Matcher struct {
	scorer       SimilarityScorer
	sameContact  float64
	crossContact float64
}

// NewMatcher returns a Matcher using scorer and the default thresholds. A
// nil scorer selects Jaccard.
func NewMatcher(scorer SimilarityScorer) *Matcher {
	if scorer == nil {
		scorer = Jaccard{}
	}
	return &Matcher{scorer: scorer, sameContact: SameContactThreshold, crossContact: CrossContactThreshold}
}

// Threshold returns the score a proposal must reach against existing.
func (m *Matcher) Threshold(proposal, existing *domain.Task) float64 {
	if existing.SameContact(proposal.ContactID) {
		return m.sameContact
	}
	return m.crossContact
}

// Find returns the active task proposal should merge into. followUpOf, when
// set and present among active, wins outright; otherwise the best-scoring
// task that reaches its threshold is returned.
func (m *Matcher) Find(proposal *domain.Task, followUpOf *uuid.UUID, active []*domain.Task) (Match, bool) {
	if followUpOf != nil {
		for _, t := range active {
			if t.ID == *followUpOf {
				return Match{Existing: t, Score: 1, FollowUp: true}, true
			}
		}
	}

	var best Match
	found := false
	for _, t := range active {
		if t.ID == proposal.ID || t.TenantID != proposal.TenantID {
			continue
		}
		score := m.scorer.Score(proposal.Instruction, t.Instruction)
		if score < m.Threshold(proposal, t) {
			continue
		}
		if !found || score > best.Score {
			best = Match{Existing: t, Score: score}
			found = true
		}
	}
	return best, found
}
