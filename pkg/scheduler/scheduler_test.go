package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractFeatures(t *testing.T) {
	t.Run("plain description defaults to neutral complexity", func(t *testing.T) {
		f := ExtractFeatures("fix the button color", nil, "go", nil)
		assert.InDelta(t, 1.0, f.ComplexityScore, 1e-9)
		assert.False(t, f.HasTests)
		assert.False(t, f.HasDatabase)
		assert.False(t, f.IsRefactor)
	})

	t.Run("weighted patterns raise complexity", func(t *testing.T) {
		f := ExtractFeatures("integrate real-time authentication", nil, "go", nil)
		assert.InDelta(t, 1.0+0.3+0.4+0.4, f.ComplexityScore, 1e-9)
	})

	t.Run("simplicity terms lower complexity", func(t *testing.T) {
		f := ExtractFeatures("fix a typo, basic comment cleanup", nil, "go", nil)
		assert.InDelta(t, clamp(1.0-0.4-0.2-0.3, 0.5, 3.0), f.ComplexityScore, 1e-9)
	})

	t.Run("complexity score is clamped to [0.5, 3.0]", func(t *testing.T) {
		f := ExtractFeatures("typo typo typo typo typo typo typo typo", nil, "go", nil)
		assert.GreaterOrEqual(t, f.ComplexityScore, 0.5)
	})

	t.Run("client average defaults to 5000 with no history", func(t *testing.T) {
		f := ExtractFeatures("do the thing", nil, "go", nil)
		assert.Equal(t, 5000.0, f.ClientAvgTokens)
	})

	t.Run("client average uses only the last 20 entries", func(t *testing.T) {
		history := make([]float64, 25)
		for i := range history {
			history[i] = 1000
		}
		history[0] = 1_000_000 // outside the last 20, must not shift the mean
		f := ExtractFeatures("do the thing", nil, "go", history)
		assert.InDelta(t, 1000, f.ClientAvgTokens, 1e-9)
	})

	t.Run("keywords set the database and refactor flags", func(t *testing.T) {
		f := ExtractFeatures("refactor the database migration and add tests", nil, "go", nil)
		assert.True(t, f.HasTests)
		assert.True(t, f.HasDatabase)
		assert.True(t, f.IsRefactor)
	})

	t.Run("unrecognized tech stack defaults to 1.0", func(t *testing.T) {
		f := ExtractFeatures("anything", nil, "cobol", nil)
		assert.Equal(t, 1.0, f.TechStackFactor)
	})
}

func TestPredictTokens(t *testing.T) {
	s := New()

	t.Run("base prediction with no signal is less confident", func(t *testing.T) {
		f := Features{ComplexityScore: 1.0, TechStackFactor: 1.0}
		p := s.PredictTokens(f, false, false, 0)
		assert.InDelta(t, 0.7, p.Confidence, 1e-9)
		assert.Greater(t, p.Total(), 0.0)
	})

	t.Run("confidence rises with more signal, capped at 0.95", func(t *testing.T) {
		f := Features{ComplexityScore: 1.0, TechStackFactor: 1.0}
		p := s.PredictTokens(f, true, true, 50)
		assert.InDelta(t, 0.95, p.Confidence, 1e-9)
	})

	t.Run("tests flag scales output up", func(t *testing.T) {
		base := s.PredictTokens(Features{ComplexityScore: 1.0, TechStackFactor: 1.0}, false, false, 0)
		withTests := s.PredictTokens(Features{ComplexityScore: 1.0, TechStackFactor: 1.0, HasTests: true}, false, false, 0)
		assert.Greater(t, withTests.OutputTokens, base.OutputTokens)
	})

	t.Run("client history blends into the estimate", func(t *testing.T) {
		f := Features{ComplexityScore: 1.0, TechStackFactor: 1.0, ClientAvgTokens: 50000}
		p := s.PredictTokens(f, false, false, 0)
		noHistory := s.PredictTokens(Features{ComplexityScore: 1.0, TechStackFactor: 1.0}, false, false, 0)
		assert.Greater(t, p.Total(), noHistory.Total())
	})
}

func TestCalculatePriority(t *testing.T) {
	t.Run("small predicted total gets a bonus", func(t *testing.T) {
		small := CalculatePriority(Features{ComplexityScore: 1.5}, Prediction{InputTokens: 1000, OutputTokens: 1000}, 1.0, TierPro)
		large := CalculatePriority(Features{ComplexityScore: 1.5}, Prediction{InputTokens: 15000, OutputTokens: 15000}, 1.0, TierPro)
		assert.Greater(t, small, large)
	})

	t.Run("enterprise tier outranks free tier at equal urgency", func(t *testing.T) {
		free := CalculatePriority(Features{ComplexityScore: 1.5}, Prediction{InputTokens: 1000, OutputTokens: 1000}, 1.0, TierFree)
		enterprise := CalculatePriority(Features{ComplexityScore: 1.5}, Prediction{InputTokens: 1000, OutputTokens: 1000}, 1.0, TierEnterprise)
		assert.Greater(t, enterprise, free)
	})

	t.Run("low complexity gets a small bonus, high complexity a penalty", func(t *testing.T) {
		low := CalculatePriority(Features{ComplexityScore: 1.0}, Prediction{InputTokens: 1000, OutputTokens: 1000}, 1.0, TierPro)
		high := CalculatePriority(Features{ComplexityScore: 2.5}, Prediction{InputTokens: 1000, OutputTokens: 1000}, 1.0, TierPro)
		assert.Greater(t, low, high)
	})
}

func TestScheduleJob(t *testing.T) {
	s := New()
	f := Features{ComplexityScore: 1.0, TechStackFactor: 1.0}
	p := Prediction{InputTokens: 1000, OutputTokens: 4000}

	t.Run("incomplete dependencies push scheduledAt out 5 minutes", func(t *testing.T) {
		before := time.Now()
		m := s.ScheduleJob(f, p, 1.0, TierPro, true, 0, false)
		assert.WithinDuration(t, before.Add(5*time.Minute), m.ScheduledAt, 2*time.Second)
	})

	t.Run("capacity available schedules immediately", func(t *testing.T) {
		before := time.Now()
		m := s.ScheduleJob(f, p, 1.0, TierPro, true, 999_999, true)
		assert.WithinDuration(t, before, m.ScheduledAt, 2*time.Second)
	})

	t.Run("no capacity waits the estimated duration", func(t *testing.T) {
		before := time.Now()
		m := s.ScheduleJob(f, p, 1.0, TierPro, false, 60_000, true)
		assert.WithinDuration(t, before.Add(60*time.Second), m.ScheduledAt, 2*time.Second)
	})

	t.Run("estimated duration follows the tokens-per-second constant", func(t *testing.T) {
		m := s.ScheduleJob(f, p, 1.0, TierPro, true, 0, true)
		assert.Equal(t, int64(p.Total()/tokensPerSecond*1000), m.EstimatedDurationMs)
	})
}

func TestGetNextJobs(t *testing.T) {
	now := time.Now()
	jobs := []QueuedJob{
		{JobID: "c", Scheduling: SchedulingMetadata{ScheduledAt: now, Priority: 50}},
		{JobID: "a", Scheduling: SchedulingMetadata{ScheduledAt: now.Add(-time.Minute), Priority: 10}},
		{JobID: "b", Scheduling: SchedulingMetadata{ScheduledAt: now, Priority: 90}},
	}

	t.Run("orders by scheduledAt ascending, then priority descending", func(t *testing.T) {
		got := GetNextJobs(jobs, 10)
		require.Len(t, got, 3)
		assert.Equal(t, []string{"a", "b", "c"}, []string{got[0].JobID, got[1].JobID, got[2].JobID})
	})

	t.Run("respects the limit", func(t *testing.T) {
		got := GetNextJobs(jobs, 1)
		assert.Len(t, got, 1)
		assert.Equal(t, "a", got[0].JobID)
	})
}

func TestRecordActualUsageAdjustsWeights(t *testing.T) {
	s := New()
	before := s.ExportWeights()

	// Every actual comes in at double the prediction (4000 vs 2000 tokens).
	// relativeError divides by the actual, so each record's error is +0.5,
	// well past the 0.1 threshold that triggers a weight adjustment once the
	// history reaches 20 records.
	for i := 0; i < 20; i++ {
		predicted := Prediction{InputTokens: 500, OutputTokens: 1500}
		actual := Prediction{InputTokens: 500, OutputTokens: 3500}
		s.RecordActualUsage("job", Features{ComplexityScore: 1.0}, predicted, actual)
	}

	after := s.ExportWeights()
	assert.Greater(t, after.BaseOutputTokens, before.BaseOutputTokens)
}

func TestExportImportWeightsRoundTrip(t *testing.T) {
	s := New()
	s.RecordActualUsage("job", Features{ComplexityScore: 1.0},
		Prediction{InputTokens: 500, OutputTokens: 1500},
		Prediction{InputTokens: 500, OutputTokens: 1500})

	exported := s.ExportWeights()

	restored := New()
	restored.ImportWeights(exported)
	assert.Equal(t, exported, restored.ExportWeights())
}

func TestGetPredictionMetrics(t *testing.T) {
	s := New()

	t.Run("empty history yields zero metrics", func(t *testing.T) {
		m := s.GetPredictionMetrics()
		assert.Equal(t, 0, m.Total)
	})

	t.Run("perfect predictions yield zero error", func(t *testing.T) {
		p := Prediction{InputTokens: 1000, OutputTokens: 1000}
		s.RecordActualUsage("job", Features{}, p, p)
		m := s.GetPredictionMetrics()
		require.Equal(t, 1, m.Total)
		assert.InDelta(t, 0, m.MeanAbsError, 1e-9)
		assert.Equal(t, 1.0, m.FractionWithin50)
	})
}
