// Package dedup finds draft records that describe the same real-world entity.
// A cheap embedding similarity pass bounds the candidate set, then an
// adjudicator examines each surviving pair. Confirmed pairs are folded into
// merge groups with a deterministic survivor.
package dedup

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"stageline/internal/config"
	"stageline/internal/domain"
	"stageline/internal/extract"
)

// Verdict is an adjudicator's judgment on one candidate pair.
type Verdict struct {
	SameEntity bool     `json:"same_entity"`
	Confidence string   `json:"confidence" enum:"high,medium,low"`
	Reasoning  string   `json:"reasoning"`
	Matched    []string `json:"matched,omitempty"`
}

type Adjudicator interface {
	Adjudicate(ctx context.Context, left, right domain.DraftRecord) (Verdict, error)
}

// MergeGroup is a set of drafts confirmed to be one entity. The survivor
// keeps its identity; the others fold into it.
type MergeGroup struct {
	SurvivorID string            `json:"survivor_id"`
	MemberIDs  []string          `json:"member_ids"`
	Title      string            `json:"title"`
	Fields     map[string]string `json:"fields,omitempty"`
	Confidence string            `json:"confidence"`
	Reasoning  string            `json:"reasoning"`
}

type Engine struct {
	Threshold     float64
	MaxCandidates int
	Adj           Adjudicator
	Log           *zap.Logger
}

func New(cfg *config.Config, adj Adjudicator, log *zap.Logger) Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return Engine{
		Threshold:     cfg.Dedup.SimilarityThreshold,
		MaxCandidates: cfg.Dedup.MaxCandidates,
		Adj:           adj,
		Log:           log,
	}
}

// CandidatePairs scores every draft pair by embedding cosine similarity and
// returns those at or above the threshold, best first, capped at
// MaxCandidates. Pairs below the threshold never reach the adjudicator.
func (e Engine) CandidatePairs(drafts []domain.DraftRecord) []domain.CandidatePair {
	var pairs []domain.CandidatePair
	for i := 0; i < len(drafts); i++ {
		for j := i + 1; j < len(drafts); j++ {
			score := extract.Cosine(drafts[i].Embedding, drafts[j].Embedding)
			if score < e.Threshold {
				continue
			}
			pairs = append(pairs, domain.CandidatePair{
				LeftID:  drafts[i].ID,
				RightID: drafts[j].ID,
				Score:   score,
			})
		}
	}
	sort.Slice(pairs, func(a, b int) bool {
		if pairs[a].Score != pairs[b].Score {
			return pairs[a].Score > pairs[b].Score
		}
		if pairs[a].LeftID != pairs[b].LeftID {
			return pairs[a].LeftID < pairs[b].LeftID
		}
		return pairs[a].RightID < pairs[b].RightID
	})
	if e.MaxCandidates > 0 && len(pairs) > e.MaxCandidates {
		pairs = pairs[:e.MaxCandidates]
	}
	return pairs
}

// Resolve runs the full two-tier pass over the drafts and returns merge
// groups for every confirmed cluster. Drafts not in any group are left alone.
func (e Engine) Resolve(ctx context.Context, drafts []domain.DraftRecord) ([]MergeGroup, error) {
	byID := make(map[string]domain.DraftRecord, len(drafts))
	for _, d := range drafts {
		byID[d.ID] = d
	}
	pairs := e.CandidatePairs(drafts)
	e.Log.Debug("similarity pass done", zap.Int("drafts", len(drafts)), zap.Int("candidates", len(pairs)))

	uf := newUnionFind()
	type link struct {
		left, right string
		verdict     Verdict
	}
	var confirmed []link
	for _, p := range pairs {
		v, err := e.Adj.Adjudicate(ctx, byID[p.LeftID], byID[p.RightID])
		if err != nil {
			return nil, fmt.Errorf("adjudicate %s/%s: %w", p.LeftID, p.RightID, err)
		}
		if !v.SameEntity {
			continue
		}
		if !corroborated(v.Matched) {
			e.Log.Debug("confirmed pair has no corroborating field, not merging",
				zap.String("left", p.LeftID), zap.String("right", p.RightID))
			continue
		}
		uf.union(p.LeftID, p.RightID)
		confirmed = append(confirmed, link{left: p.LeftID, right: p.RightID, verdict: v})
	}

	clusters := map[string][]string{}
	for _, l := range confirmed {
		root := uf.find(l.left)
		for _, id := range []string{l.left, l.right} {
			if !contains(clusters[root], id) {
				clusters[root] = append(clusters[root], id)
			}
		}
	}

	var groups []MergeGroup
	for root, ids := range clusters {
		if len(ids) < 2 {
			continue
		}
		sort.Strings(ids)
		// A group's confidence is its weakest confirmed link.
		v := confirmed[0].verdict
		first := true
		for _, l := range confirmed {
			if uf.find(l.left) != root {
				continue
			}
			if first || weaker(l.verdict.Confidence, v.Confidence) {
				v = l.verdict
				first = false
			}
		}
		groups = append(groups, buildGroup(ids, byID, v))
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].SurvivorID < groups[j].SurvivorID })
	return groups, nil
}

// buildGroup picks the survivor and merges fields. The draft with the most
// fields survives; ties break on the lexically smallest id so repeated runs
// over the same drafts converge on the same survivor.
func buildGroup(ids []string, byID map[string]domain.DraftRecord, v Verdict) MergeGroup {
	survivor := ids[0]
	for _, id := range ids[1:] {
		if len(byID[id].Fields) > len(byID[survivor].Fields) {
			survivor = id
		}
	}
	fields := map[string]string{}
	for _, id := range ids {
		if id == survivor {
			continue
		}
		for k, val := range byID[id].Fields {
			if _, taken := fields[k]; !taken {
				fields[k] = val
			}
		}
	}
	for k, val := range byID[survivor].Fields {
		fields[k] = val
	}
	if len(fields) == 0 {
		fields = nil
	}
	return MergeGroup{
		SurvivorID: survivor,
		MemberIDs:  ids,
		Title:      byID[survivor].Title,
		Fields:     fields,
		Confidence: v.Confidence,
		Reasoning:  v.Reasoning,
	}
}

// corroborated reports whether a verdict's matched fields include at least
// one corroborating field. A pair is never merged without one, whatever the
// adjudicator says about it.
func corroborated(matched []string) bool {
	for _, f := range matched {
		if extract.CorroboratingField(f) {
			return true
		}
	}
	return false
}

func weaker(a, b string) bool {
	rank := map[string]int{"high": 2, "medium": 1, "low": 0}
	return rank[a] < rank[b]
}

// HeuristicAdjudicator confirms pairs by exact-match evidence on structured
// fields. It never confirms a pair on similarity alone: at least one
// corroborating field must match after normalization.
type HeuristicAdjudicator struct{}

func (HeuristicAdjudicator) Adjudicate(ctx context.Context, left, right domain.DraftRecord) (Verdict, error) {
	var matched []string
	for k, lv := range left.Fields {
		if !extract.CorroboratingField(k) {
			continue
		}
		rv, ok := right.Fields[k]
		if !ok {
			continue
		}
		if normalizeValue(lv) == normalizeValue(rv) {
			matched = append(matched, k)
		}
	}
	sort.Strings(matched)
	if len(matched) == 0 {
		return Verdict{
			SameEntity: false,
			Confidence: "low",
			Reasoning:  "no corroborating field matches",
		}, nil
	}
	conf := "medium"
	if len(matched) >= 2 {
		conf = "high"
	}
	return Verdict{
		SameEntity: true,
		Confidence: conf,
		Reasoning:  fmt.Sprintf("matching %s", strings.Join(matched, ", ")),
		Matched:    matched,
	}, nil
}

// normalizeValue collapses case, whitespace, and punctuation so values like
// phone numbers compare on their digits.
func normalizeValue(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

type unionFind struct {
	parent map[string]string
}

func newUnionFind() *unionFind {
	return &unionFind{parent: map[string]string{}}
}

func (u *unionFind) find(id string) string {
	p, ok := u.parent[id]
	if !ok || p == id {
		return id
	}
	root := u.find(p)
	u.parent[id] = root
	return root
}

func (u *unionFind) union(a, b string) string {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return ra
	}
	// Smaller root wins to keep grouping order-independent.
	if rb < ra {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
	u.parent[a] = ra
	u.parent[b] = ra
	return ra
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
