package impl

import (
	"math"

	"github.com/google/uuid"
	"github.com/zks-assess/models"
)

// ScoringEngine computes control, submeasure, measure and overall compliance
// for one assessment. It is pure computation over already-loaded inputs, so
// identical inputs always produce identical results.
type ScoringEngine struct{}

func NewScoringEngine() *ScoringEngine {
	return &ScoringEngine{}
}

// ScoringResult bundles the three persisted layers. Assessment identity and
// timestamps are stamped by the caller before persistence.
type ScoringResult struct {
	Submeasures []models.SubmeasureScore
	Measures    []models.MeasureScore
	Overall     models.ComplianceScore
}

// RoundScore rounds half-up to two decimals, the rounding used for every
// stored score.
func RoundScore(x float64) float64 {
	return math.Floor(x*100+0.5) / 100
}

// ControlScore is K = (D + I) / 2 rounded half-up to 0.01.
func ControlScore(doc, impl int) float64 {
	return RoundScore(float64(doc+impl) / 2)
}

// ControlPasses checks a control score against its requirement floor. A nil
// minimum means no floor.
func ControlPasses(k float64, minimumScore *float64) bool {
	if minimumScore == nil {
		return true
	}
	return k >= *minimumScore
}

// ScoreAssessment scores every layer for the given catalog-with-answers
// slice. Inputs must be ordered by catalog order for deterministic output.
func (e *ScoringEngine) ScoreAssessment(level models.SecurityLevel, measures []models.MeasureScoreInput) ScoringResult {
	th := models.ThresholdsFor(level)

	result := ScoringResult{
		Submeasures: make([]models.SubmeasureScore, 0),
		Measures:    make([]models.MeasureScore, 0, len(measures)),
	}

	for _, m := range measures {
		subScores := make([]models.SubmeasureScore, 0, len(m.Submeasures))
		for _, sub := range m.Submeasures {
			score := e.ScoreSubmeasure(sub, th)
			subScores = append(subScores, score)
			result.Submeasures = append(result.Submeasures, score)
		}
		result.Measures = append(result.Measures, e.ScoreMeasure(m, subScores))
	}

	result.Overall = e.scoreOverall(level, th, result.Measures)
	return result
}

// ScoreSubmeasure applies the dual pass criterion: every answered control's
// K at or above the level's individual floor and its own minimum score when
// one is defined, and the submeasure mean at or above the average floor.
// Averages cover answered applicable controls only.
func (e *ScoringEngine) ScoreSubmeasure(in models.SubmeasureScoreInput, th models.LevelThresholds) models.SubmeasureScore {
	score := models.SubmeasureScore{
		SubmeasureID:   in.SubmeasureID,
		FailedControls: models.JSONFromStrings(nil),
	}

	failed := []string{}
	var docSum, implSum, kSum float64

	for _, ctrl := range in.Controls {
		if !ctrl.IsApplicable {
			continue
		}
		score.TotalControls++
		if !ctrl.Answered() {
			continue
		}
		score.AnsweredControls++

		k := ControlScore(*ctrl.Documentation, *ctrl.Implementation)
		docSum += float64(*ctrl.Documentation)
		implSum += float64(*ctrl.Implementation)
		kSum += k

		if k < th.Individual || !ControlPasses(k, ctrl.MinimumScore) {
			failed = append(failed, ctrl.ControlCode)
		}
	}

	if score.AnsweredControls == 0 {
		return score
	}

	n := float64(score.AnsweredControls)
	docAvg := RoundScore(docSum / n)
	implAvg := RoundScore(implSum / n)
	overall := RoundScore(kSum / n)
	score.DocumentationAvg = &docAvg
	score.ImplementationAvg = &implAvg
	score.OverallScore = &overall

	score.PassesIndividual = len(failed) == 0
	score.PassesAverage = overall >= th.Average
	score.PassesOverall = score.PassesIndividual && score.PassesAverage
	score.FailedControls = models.JSONFromStrings(failed)
	return score
}

// ScoreMeasure aggregates submeasure results. A measure passes when every
// submeasure that has at least one answered control passes. Control counts
// are DISTINCT across submeasures so shared controls count once here.
func (e *ScoringEngine) ScoreMeasure(in models.MeasureScoreInput, subScores []models.SubmeasureScore) models.MeasureScore {
	score := models.MeasureScore{
		MeasureID:        in.MeasureID,
		TotalSubmeasures: len(in.Submeasures),
	}

	allScoredPass := true
	var docSum, implSum, overallSum float64
	var docN, implN, overallN int

	for _, sub := range subScores {
		if sub.AnsweredControls == 0 {
			continue
		}
		score.ScoredSubmeasures++
		if sub.PassesOverall {
			score.PassedSubmeasures++
		} else {
			allScoredPass = false
		}
		if sub.DocumentationAvg != nil {
			docSum += *sub.DocumentationAvg
			docN++
		}
		if sub.ImplementationAvg != nil {
			implSum += *sub.ImplementationAvg
			implN++
		}
		if sub.OverallScore != nil {
			overallSum += *sub.OverallScore
			overallN++
		}
	}

	score.PassesCompliance = score.ScoredSubmeasures > 0 && allScoredPass

	if docN > 0 {
		v := RoundScore(docSum / float64(docN))
		score.DocumentationAvg = &v
	}
	if implN > 0 {
		v := RoundScore(implSum / float64(implN))
		score.ImplementationAvg = &v
	}
	if overallN > 0 {
		v := RoundScore(overallSum / float64(overallN))
		score.OverallScore = &v
	}

	total, answered, mandatory := distinctControlCounts(in)
	score.TotalControls = total
	score.AnsweredControls = answered
	score.MandatoryControls = mandatory
	return score
}

// distinctControlCounts dedupes controls mapped into several submeasures of
// the same measure.
func distinctControlCounts(in models.MeasureScoreInput) (total, answered, mandatory int) {
	totalSet := make(map[uuid.UUID]struct{})
	answeredSet := make(map[uuid.UUID]struct{})
	mandatorySet := make(map[uuid.UUID]struct{})

	for _, sub := range in.Submeasures {
		for _, ctrl := range sub.Controls {
			if !ctrl.IsApplicable {
				continue
			}
			totalSet[ctrl.ControlID] = struct{}{}
			if ctrl.Answered() {
				answeredSet[ctrl.ControlID] = struct{}{}
			}
			if ctrl.IsMandatory {
				mandatorySet[ctrl.ControlID] = struct{}{}
			}
		}
	}
	return len(totalSet), len(answeredSet), len(mandatorySet)
}

// scoreOverall derives the assessment summary: percentage over all measures,
// the compliance conjunction over measures with answers, and the maturity
// trend over passed submeasures.
func (e *ScoringEngine) scoreOverall(level models.SecurityLevel, th models.LevelThresholds, measures []models.MeasureScore) models.ComplianceScore {
	overall := models.ComplianceScore{
		SecurityLevel: level,
		TotalMeasures: len(measures),
	}

	passesAll := true
	var overallSum float64
	var overallN int

	for _, m := range measures {
		if m.PassesCompliance {
			overall.PassedMeasures++
		}
		if m.AnsweredControls > 0 && !m.PassesCompliance {
			passesAll = false
		}
		if m.ScoredSubmeasures > 0 && m.OverallScore != nil {
			overallSum += *m.OverallScore
			overallN++
		}
		overall.MaturityScore += m.PassedSubmeasures
	}

	if overallN > 0 {
		v := RoundScore(overallSum / float64(overallN))
		overall.OverallScore = &v
	}
	if overall.TotalMeasures > 0 {
		overall.CompliancePercentage = RoundScore(100 * float64(overall.PassedMeasures) / float64(overall.TotalMeasures))
	}
	overall.PassesCompliance = passesAll
	overall.MeetsMaturityTrend = overall.MaturityScore >= th.MaturityMin
	return overall
}
