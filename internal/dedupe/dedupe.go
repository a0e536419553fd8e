// Package dedupe clusters normalized records by fingerprint and token-set
// similarity, merging duplicates with provenance.
package dedupe

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/openlistings/harvester/internal/listing"
)

// DefaultThreshold is the token-set similarity above which two records are
// the same underlying listing.
const DefaultThreshold = 0.85

// Deduplicator clusters a batch of records against itself and against index
// candidates from the existing corpus. Comparison against history is bounded
// to same-organization candidates, never a full scan.
type Deduplicator struct {
	repo      listing.Repository
	threshold float64
	logger    *zap.Logger
}

// New builds a Deduplicator. A non-positive threshold selects the default.
func New(repo listing.Repository, threshold float64, logger *zap.Logger) *Deduplicator {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	return &Deduplicator{repo: repo, threshold: threshold, logger: logger}
}

// Dedupe clusters the batch. Within the batch merging is transitive; against
// the corpus each record is compared pairwise with candidates sharing its
// organization. Every input record lands in exactly one cluster.
func (d *Deduplicator) Dedupe(ctx context.Context, batch []listing.NormalizedRecord) ([]listing.DedupeCluster, error) {
	if len(batch) == 0 {
		return nil, nil
	}

	uf := newUnionFind(len(batch))
	for i := 0; i < len(batch); i++ {
		for j := i + 1; j < len(batch); j++ {
			if Similarity(batch[i], batch[j]) >= d.threshold {
				uf.union(i, j)
			}
		}
	}

	groups := make(map[int][]int)
	for i := range batch {
		root := uf.find(i)
		groups[root] = append(groups[root], i)
	}

	// Corpus candidates per organization, fetched once per org.
	candidates := make(map[string][]listing.NormalizedRecord)
	lookup := func(org string) ([]listing.NormalizedRecord, error) {
		if got, ok := candidates[org]; ok {
			return got, nil
		}
		got, err := d.repo.FindCandidatesForDedupe(ctx, org)
		if err != nil {
			return nil, fmt.Errorf("dedupe candidates for %q: %w", org, err)
		}
		candidates[org] = got
		return got, nil
	}

	roots := make([]int, 0, len(groups))
	for root := range groups {
		roots = append(roots, root)
	}
	sort.Ints(roots)

	clusters := make([]listing.DedupeCluster, 0, len(groups))
	for _, root := range roots {
		members := groups[root]
		winner := d.pickWinner(batch, members)

		canonical := batch[winner]
		for _, idx := range members {
			if idx != winner {
				canonical = foldFields(canonical, batch[idx])
			}
		}

		// A corpus duplicate keeps its stored identity so the upsert lands
		// on the existing row; the folded batch content rides along as the
		// fresh side of the merge.
		existing, err := d.matchCorpus(canonical, lookup)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			canonical.ID = existing.ID
			canonical.Fingerprint = existing.Fingerprint
		}

		cluster := listing.DedupeCluster{Canonical: canonical}
		for _, idx := range members {
			if existing == nil && idx == winner {
				continue
			}
			cluster.Merged = append(cluster.Merged, listing.MergedRecord{
				Record:     batch[idx],
				MergedInto: canonical.ID,
				Similarity: Similarity(batch[idx], canonical),
			})
		}
		if len(cluster.Merged) > 0 {
			d.logger.Debug("dedupe cluster formed",
				zap.String("canonical", canonical.ID),
				zap.Int("merged", len(cluster.Merged)),
			)
		}
		clusters = append(clusters, cluster)
	}
	return clusters, nil
}

// pickWinner selects the canonical member: highest completeness, tie broken
// by most recent fetch time, then stable by batch order.
func (d *Deduplicator) pickWinner(batch []listing.NormalizedRecord, members []int) int {
	winner := members[0]
	for _, idx := range members[1:] {
		a, b := batch[idx], batch[winner]
		switch {
		case a.Completeness() > b.Completeness():
			winner = idx
		case a.Completeness() == b.Completeness() && a.FetchedAt.After(b.FetchedAt):
			winner = idx
		}
	}
	return winner
}

// foldFields absorbs a merged member's content into the cluster canonical:
// longest snippet, highest salary range, union of skills, gap-fill for the
// identity fields, and the freshest fetch timestamps.
func foldFields(canonical, member listing.NormalizedRecord) listing.NormalizedRecord {
	if len(member.Snippet) > len(canonical.Snippet) {
		canonical.Snippet = member.Snippet
	}
	if member.Salary != nil && (canonical.Salary == nil || member.Salary.MaxCents > canonical.Salary.MaxCents) {
		canonical.Salary = member.Salary
	}
	if len(member.Skills) > 0 {
		merged := make(map[string][]string, len(canonical.Skills)+len(member.Skills))
		for cat, kws := range canonical.Skills {
			merged[cat] = append([]string(nil), kws...)
		}
		for cat, kws := range member.Skills {
			merged[cat] = unionStrings(merged[cat], kws)
		}
		canonical.Skills = merged
	}
	if canonical.URL == "" {
		canonical.URL = member.URL
	}
	if canonical.ExternalID == "" {
		canonical.ExternalID = member.ExternalID
	}
	if canonical.Location.Raw == "" {
		canonical.Location = member.Location
	}
	if canonical.PostedAt == nil {
		canonical.PostedAt = member.PostedAt
	}
	if (canonical.Employment == "" || canonical.Employment == listing.EmploymentUnspecified) && member.Employment != "" {
		canonical.Employment = member.Employment
	}
	if member.FetchedAt.After(canonical.FetchedAt) {
		canonical.FetchedAt = member.FetchedAt
		canonical.NormalizedAt = member.NormalizedAt
	}
	return canonical
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range a {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	for _, s := range b {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (d *Deduplicator) matchCorpus(rec listing.NormalizedRecord, lookup func(string) ([]listing.NormalizedRecord, error)) (*listing.NormalizedRecord, error) {
	if rec.Organization == "" {
		return nil, nil
	}
	got, err := lookup(rec.Organization)
	if err != nil {
		return nil, err
	}
	for i := range got {
		if Similarity(rec, got[i]) >= d.threshold {
			return &got[i], nil
		}
	}
	return nil, nil
}

// Similarity scores two records. Equal fingerprints are exact duplicates
// (1.0) and bypass the fuzzy path; otherwise it is the Jaccard overlap of
// title+organization tokens.
func Similarity(a, b listing.NormalizedRecord) float64 {
	if a.Fingerprint != "" && a.Fingerprint == b.Fingerprint {
		return 1.0
	}
	return tokenSetSimilarity(a.Title+" "+a.Organization, b.Title+" "+b.Organization)
}

// tokenSetSimilarity is the Jaccard ratio over unique lowercase word tokens.
func tokenSetSimilarity(a, b string) float64 {
	ta, tb := tokens(a), tokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}

	inter := 0
	for tok := range ta {
		if _, ok := tb[tok]; ok {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func tokens(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, f := range strings.Fields(strings.ToLower(s)) {
		f = strings.Trim(f, ".,;:()[]\"'")
		if f != "" {
			out[f] = struct{}{}
		}
	}
	return out
}

// unionFind is a plain disjoint-set over batch indices.
type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	return &unionFind{parent: p}
}

func (u *unionFind) find(i int) int {
	for u.parent[i] != i {
		u.parent[i] = u.parent[u.parent[i]]
		i = u.parent[i]
	}
	return i
}

func (u *unionFind) union(i, j int) {
	ri, rj := u.find(i), u.find(j)
	if ri == rj {
		return
	}
	if ri < rj {
		u.parent[rj] = ri
	} else {
		u.parent[ri] = rj
	}
}
