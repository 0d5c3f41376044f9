package impl

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zks-assess/models"
)

func TestGapSeverity(t *testing.T) {
	// Mandatory gaps are always high.
	assert.Equal(t, "high", gapSeverity(floatPtr(2.4), 2.5, true))
	// Deficit of 1.5 or more is high regardless of obligation.
	assert.Equal(t, "high", gapSeverity(floatPtr(1.0), 2.5, false))
	assert.Equal(t, "medium", gapSeverity(floatPtr(2.0), 2.5, false))
	assert.Equal(t, "low", gapSeverity(floatPtr(2.4), 2.5, false))
	// Unanswered control: the whole floor is the deficit.
	assert.Equal(t, "high", gapSeverity(nil, 2.5, false))
}

func gapFixture(code, severity string) models.ComplianceGap {
	return models.ComplianceGap{
		ControlCode:   code,
		MeasureCode:   "M.1",
		RequiredScore: 2.5,
		Severity:      severity,
	}
}

func TestBuildRoadmap_PhasesBySeverity(t *testing.T) {
	gaps := []models.ComplianceGap{
		gapFixture("POL-001", "high"),
		gapFixture("TEH-001", "medium"),
		gapFixture("ORG-001", "low"),
		gapFixture("TEH-002", "high"),
	}

	roadmap := BuildRoadmap(gaps)
	require.Len(t, roadmap.Phases, 3)

	assert.Equal(t, 1, roadmap.Phases[0].Priority)
	assert.Equal(t, []string{"POL-001", "TEH-002"}, roadmap.Phases[0].Controls)
	assert.Equal(t, []string{"TEH-001"}, roadmap.Phases[1].Controls)
	assert.Equal(t, []string{"ORG-001"}, roadmap.Phases[2].Controls)
}

func TestBuildRoadmap_DedupesAndSkipsEmptyPhases(t *testing.T) {
	gaps := []models.ComplianceGap{
		gapFixture("POL-001", "high"),
		// Same control failing in a second submeasure context.
		gapFixture("POL-001", "high"),
	}

	roadmap := BuildRoadmap(gaps)
	require.Len(t, roadmap.Phases, 1)
	assert.Equal(t, "Kritični nedostaci", roadmap.Phases[0].Name)
	assert.Equal(t, []string{"POL-001"}, roadmap.Phases[0].Controls)

	assert.Empty(t, BuildRoadmap(nil).Phases)
}

func reportFixture() *models.ComplianceReport {
	passScore := models.MeasureScore{PassesCompliance: true, ScoredSubmeasures: 2, PassedSubmeasures: 2}
	failScore := models.MeasureScore{PassesCompliance: false, ScoredSubmeasures: 3, PassedSubmeasures: 1}
	return &models.ComplianceReport{
		Overall: models.ComplianceScore{
			TotalMeasures:        2,
			PassedMeasures:       1,
			CompliancePercentage: 50,
		},
		Measures: []models.MeasureComplianceView{
			{MeasureID: uuid.New(), Code: "M.1", Name: "Upravljanje rizicima", Score: passScore},
			{MeasureID: uuid.New(), Code: "M.2", Name: "Tehničke mjere", Score: failScore},
		},
	}
}

func TestBuildMeasureRecommendations(t *testing.T) {
	recs := buildMeasureRecommendations(reportFixture(), "hr")
	require.Len(t, recs, 2)

	assert.True(t, recs[0].Passed)
	assert.Contains(t, recs[0].Text, "M.1")
	assert.Contains(t, recs[0].Text, "zadovoljava")

	assert.False(t, recs[1].Passed)
	assert.Contains(t, recs[1].Text, "M.2")
	assert.Contains(t, recs[1].Text, "2 podmjera")

	english := buildMeasureRecommendations(reportFixture(), "en")
	assert.Contains(t, english[1].Text, "failing in 2 submeasure(s)")
}

func TestDeterministicSummary(t *testing.T) {
	report := reportFixture()

	hr := deterministicSummary(report, 3, "hr")
	assert.Contains(t, hr, "1 od 2 mjera")
	assert.Contains(t, hr, "3 nedostataka")

	en := deterministicSummary(report, 3, "en")
	assert.Contains(t, en, "1 of 2 measures")
	assert.Contains(t, en, "3 control gap(s)")
}
