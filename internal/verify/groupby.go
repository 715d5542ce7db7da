package verify

import "github.com/remedyhq/remedy/internal/types"

// GroupStats counts total and fixed findings for one grouping key.
type GroupStats struct {
	Total int `json:"total"`
	Fixed int `json:"fixed"`
}

// FixRatePercent returns the group's fix rate rounded to one decimal.
func (g GroupStats) FixRatePercent() float64 {
	return fixRate(g.Fixed, g.Total)
}

// GroupBy buckets findings by an arbitrary key, counting totals and
// fixed findings per bucket. All breakdowns (by CWE family, by repo, by
// severity) go through this one utility rather than ad hoc grouping.
func GroupBy[K comparable](findings []*types.Finding, res *Result, keyFn func(*types.Finding) K) map[K]GroupStats {
	out := make(map[K]GroupStats)
	for _, f := range findings {
		key := keyFn(f)
		stats := out[key]
		stats.Total++
		if res.IsFixed(f) {
			stats.Fixed++
		}
		out[key] = stats
	}
	return out
}

// ByCWE breaks fix rates down by CWE family.
func ByCWE(findings []*types.Finding, res *Result) map[string]GroupStats {
	return GroupBy(findings, res, func(f *types.Finding) string { return f.CWEFamily })
}

// ByRepo breaks fix rates down by repository.
func ByRepo(findings []*types.Finding, res *Result) map[string]GroupStats {
	return GroupBy(findings, res, func(f *types.Finding) string { return f.Repo })
}

// BySeverity breaks fix rates down by canonical severity tier.
func BySeverity(findings []*types.Finding, res *Result) map[types.SeverityTier]GroupStats {
	return GroupBy(findings, res, func(f *types.Finding) types.SeverityTier {
		return types.NormalizeSeverity(string(f.Severity))
	})
}
