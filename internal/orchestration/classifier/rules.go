package classifier

import "github.com/zjrosen/marketpulse/internal/jobs/domain"

// DefaultRules returns the built-in rule table. It understands the worker's
// Korean progress text (with emoji or bracketed tags) and an English
// vocabulary for other workers. Order matters: warnings are checked before
// errors so that "[주의] ... 실패" stays a soft warning, and the policy and
// indicator completions are checked before the generic news completion.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:   "warning",
			Status: domain.StageLoading,
			Any:    []string{"[주의]", "⚠️", "[경고]", "[warn]", "warning:"},
		},
		{
			Name:   "error",
			Status: domain.StageError,
			Any:    []string{"[오류]", "❌", "[error]", "error:", " failed", "실패"},
		},

		// Stage headers.
		{
			Name:   "collection-start",
			Stage:  domain.StageCollection,
			Status: domain.StageLoading,
			Any:    []string{"1. 뉴스 수집", "collecting news"},
		},
		{
			Name:   "enrichment-start",
			Stage:  domain.StageEnrichment,
			Status: domain.StageLoading,
			Any:    []string{"2. 경제지표", "3. 정부 정책", "collecting indicators", "analyzing policy"},
		},
		{
			Name:   "scoring-start",
			Stage:  domain.StageScoring,
			Status: domain.StageLoading,
			Any:    []string{"4. ai 기반", "scoring sentiment"},
		},
		{
			Name:   "report-start",
			Stage:  domain.StageReport,
			Status: domain.StageLoading,
			Any:    []string{"5. 고급 분석", "generating report"},
		},

		// Completions.
		{
			Name:   "indicators-collected",
			Stage:  domain.StageEnrichment,
			Status: domain.StageLoading,
			All:    []string{"경제지표", "수집 완료"},
		},
		{
			Name:   "indicators-collected-en",
			Stage:  domain.StageEnrichment,
			Status: domain.StageLoading,
			Any:    []string{"indicators collected"},
		},
		{
			Name:    "policy-analyzed",
			Stage:   domain.StageEnrichment,
			Status:  domain.StageSuccess,
			All:     []string{"정책", "분석 완료"},
			Advance: true,
		},
		{
			Name:    "policy-analyzed-en",
			Stage:   domain.StageEnrichment,
			Status:  domain.StageSuccess,
			Any:     []string{"policy analysis complete", "enrichment complete"},
			Advance: true,
		},
		{
			Name:    "sentiment-analyzed",
			Stage:   domain.StageScoring,
			Status:  domain.StageSuccess,
			Any:     []string{"감정 분석 완료", "sentiment analysis complete"},
			Advance: true,
		},
		{
			Name:    "news-collected",
			Stage:   domain.StageCollection,
			Status:  domain.StageSuccess,
			All:     []string{"뉴스", "수집 완료"},
			Advance: true,
		},
		{
			Name:    "news-collected-en",
			Stage:   domain.StageCollection,
			Status:  domain.StageSuccess,
			Any:     []string{"news collected"},
			Advance: true,
		},
		{
			Name:    "report-saved",
			Stage:   domain.StageReport,
			Status:  domain.StageSuccess,
			Any:     []string{"리포트 저장:", "report saved"},
			Advance: true,
		},

		{
			Name:        "distribution",
			Status:      domain.StageLoading,
			Any:         []string{"감정 분포:", "sentiment distribution:"},
			DetailsFrom: true,
		},
	}
}
