package classifier

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/zjrosen/marketpulse/internal/jobs/domain"
)

func TestClassify_WorkerTranscript(t *testing.T) {
	table := MustTable(DefaultRules())

	tests := []struct {
		line    string
		current domain.StageID
		stage   domain.StageID
		status  domain.StageStatus
		advance bool
	}{
		{"🔍 1. 뉴스 수집 시작...", domain.StageCollection, domain.StageCollection, domain.StageLoading, false},
		{"[10:42:01] [검색] 1. 뉴스 수집 시작...", domain.StageCollection, domain.StageCollection, domain.StageLoading, false},
		{"✅ 뉴스 12개 수집 완료", domain.StageCollection, domain.StageCollection, domain.StageSuccess, true},
		{"[완료] 뉴스 12개 수집 완료", domain.StageCollection, domain.StageCollection, domain.StageSuccess, true},
		{"📈 2. 경제지표 수집 시작...", domain.StageEnrichment, domain.StageEnrichment, domain.StageLoading, false},
		{"✅ 경제지표 8개 데이터 수집 완료", domain.StageEnrichment, domain.StageEnrichment, domain.StageLoading, false},
		{"🏛️ 3. 정부 정책 및 정치적 분석 시작...", domain.StageEnrichment, domain.StageEnrichment, domain.StageLoading, false},
		{"✅ 정책/정치 뉴스 총 5개 분석 완료", domain.StageEnrichment, domain.StageEnrichment, domain.StageSuccess, true},
		{"🧠 4. AI 기반 뉴스 감정 분석 시작...", domain.StageScoring, domain.StageScoring, domain.StageLoading, false},
		{"✅ 감정 분석 완료: 전체 12개 중 유의미한 뉴스 4개", domain.StageScoring, domain.StageScoring, domain.StageSuccess, true},
		{"📋 5. 고급 분석 및 리포트 생성 시작...", domain.StageReport, domain.StageReport, domain.StageLoading, false},
		{"📄 리포트 저장: analysis_report_X_2025-01-07.txt", domain.StageReport, domain.StageReport, domain.StageSuccess, true},
		{"❌ 뉴스 수집 실패: timeout", domain.StageCollection, domain.StageCollection, domain.StageError, false},
		{"[오류] 정책 분석 실패: 401", domain.StageEnrichment, domain.StageEnrichment, domain.StageError, false},
		{"[주의] 경제지표 수집 실패, 기본 데이터 사용", domain.StageEnrichment, domain.StageEnrichment, domain.StageLoading, false},
		{"collecting news for X", domain.StageCollection, domain.StageCollection, domain.StageLoading, false},
		{"[DONE] news collected: 8 articles", domain.StageCollection, domain.StageCollection, domain.StageSuccess, true},
		{"Scoring sentiment with model", domain.StageEnrichment, domain.StageScoring, domain.StageLoading, false},
		{"[DONE] Sentiment analysis complete", domain.StageScoring, domain.StageScoring, domain.StageSuccess, true},
		{"ERROR: upstream returned 500", domain.StageReport, domain.StageReport, domain.StageError, false},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			ev, ok := Classify(table, tt.line, tt.current)
			require.True(t, ok, "expected a classified event")
			require.Equal(t, tt.stage, ev.Stage)
			require.Equal(t, tt.status, ev.Status)
			require.Equal(t, tt.advance, ev.Advance)
			require.NotContains(t, ev.Message, "[10:42:01]")
		})
	}
}

func TestClassify_NoEvent(t *testing.T) {
	table := MustTable(DefaultRules())

	lines := []string{
		"",
		"   ",
		"x",
		"[12:00:00] ",
		"   - 뉴스 API 연결 시도 중",
		"=== 삼성전자 분석 시작 ===",
		`{"report": "분석 실패: 뉴스 수집 실패", "news_data": []}`,
		"🎉 모든 분석이 완료되었습니다!",
	}
	for _, line := range lines {
		_, ok := Classify(table, line, domain.StageCollection)
		require.False(t, ok, "line %q should not classify", line)
	}
}

func TestClassify_DistributionDetails(t *testing.T) {
	ev, ok := Classify(MustTable(DefaultRules()), "   - 감정 분포: 긍정 5개, 부정 1개, 중립 2개", domain.StageScoring)
	require.True(t, ok)
	require.Equal(t, domain.StageScoring, ev.Stage)
	require.Equal(t, domain.StageLoading, ev.Status)
	require.Equal(t, []string{"긍정 5개", "부정 1개", "중립 2개"}, ev.Details)
}

func TestClassify_FirstMatchWins(t *testing.T) {
	table := MustTable([]Rule{
		{Name: "first", Stage: domain.StageCollection, Status: domain.StageLoading, Any: []string{"alpha"}},
		{Name: "second", Stage: domain.StageScoring, Status: domain.StageSuccess, Any: []string{"alpha"}},
	})

	ev, ok := Classify(table, "ALPHA beta", domain.StageReport)
	require.True(t, ok)
	require.Equal(t, "first", ev.Rule)
	require.Equal(t, domain.StageCollection, ev.Stage)
}

func TestClassify_AllAndAnyCombined(t *testing.T) {
	table := MustTable([]Rule{
		{Name: "both", Status: domain.StageSuccess, All: []string{"report"}, Any: []string{"saved", "written"}},
	})

	_, ok := Classify(table, "report generated", domain.StageReport)
	require.False(t, ok)

	ev, ok := Classify(table, "Report written to disk", domain.StageReport)
	require.True(t, ok)
	require.Equal(t, domain.StageReport, ev.Stage)
}

func TestNewTable_Validation(t *testing.T) {
	tests := []struct {
		name string
		rule Rule
	}{
		{"bad status", Rule{Status: "finished", Any: []string{"x"}}},
		{"bad stage", Rule{Stage: "parsing", Status: domain.StageLoading, Any: []string{"x"}}},
		{"reserved stage", Rule{Stage: domain.StageDone, Status: domain.StageSuccess, Any: []string{"x"}}},
		{"no terms", Rule{Status: domain.StageLoading}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTable([]Rule{tt.rule})
			require.Error(t, err)
		})
	}
}

func TestParseRules(t *testing.T) {
	table, err := ParseRules([]byte(`
rules:
  - name: custom-done
    stage: collection
    status: success
    all: ["Fetched"]
    advance: true
`))
	require.NoError(t, err)
	require.Equal(t, 1, table.Len())

	ev, ok := Classify(table, "fetched 20 items", domain.StageCollection)
	require.True(t, ok)
	require.True(t, ev.Advance)

	_, err = ParseRules([]byte("rules:\n  - name: x\n    status: loading\n    any: [a]\n    colour: red\n"))
	require.Error(t, err, "unknown keys are rejected")

	_, err = ParseRules([]byte("rules: []\n"))
	require.Error(t, err)
}

func TestMarshalRules_RoundTripsDefaults(t *testing.T) {
	data, err := MarshalRules(DefaultRules())
	require.NoError(t, err)

	table, err := ParseRules(data)
	require.NoError(t, err)
	require.Equal(t, MustTable(DefaultRules()).Rules(), table.Rules())
}

func TestWatchRules_SwapsTableOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rules:\n  - name: a\n    status: loading\n    any: [first]\n"), 0644))

	c := NewDefault()
	stop, err := WatchRules(c, path)
	require.NoError(t, err)
	defer func() { _ = stop() }()

	require.NoError(t, os.WriteFile(path, []byte("rules:\n  - name: b\n    status: success\n    any: [second]\n"), 0644))

	require.Eventually(t, func() bool {
		ev, ok := c.Classify("the second line", domain.StageScoring)
		return ok && ev.Rule == "b"
	}, 3*time.Second, 20*time.Millisecond)

	// An invalid file keeps the previous table.
	require.NoError(t, os.WriteFile(path, []byte("rules: [ broken"), 0644))
	time.Sleep(800 * time.Millisecond)
	ev, ok := c.Classify("the second line", domain.StageScoring)
	require.True(t, ok)
	require.Equal(t, "b", ev.Rule)
}

func TestClassify_TotalOverArbitraryInput(t *testing.T) {
	table := MustTable(DefaultRules())
	rapid.Check(t, func(t *rapid.T) {
		line := rapid.String().Draw(t, "line")
		current := rapid.SampledFrom(domain.Stages[:4]).Draw(t, "current")

		ev, ok := Classify(table, line, current)
		if !ok {
			return
		}
		if !ev.Stage.IsValid() || !ev.Status.IsValid() {
			t.Fatalf("invalid event %+v for %q", ev, line)
		}
		if ev.Message == "" {
			t.Fatalf("empty message for %q", line)
		}
	})
}
