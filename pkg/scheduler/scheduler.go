// Package scheduler implements the predictive scheduler (spec.md §4.8): a
// set of pure functions over an in-memory, bounded history of past
// predictions, used to estimate a job's token cost, assign it a priority,
// and pick which queued job runs next. Grounded on the teacher's
// pkg/agent/controller/scoring.go, which extracts a score from free text via
// a fixed, weighted pattern list (scoreRegex) — generalized here from "one
// number from one response" to "a complexity score from a fixed,
// weighted regex pattern list", and reused again for the priority and
// duration arithmetic the teacher's controller never needed.
//
// The scheduler is storage-agnostic: it holds no database handle.
// Scheduler.ExportWeights/ImportWeights (spec.md §9, SPEC_FULL.md §4.11) are
// the seam a caller uses to persist adjusted weights across restarts.
package scheduler

import (
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

// maxHistory bounds the in-memory prediction history (spec.md §4.8).
const maxHistory = 1000

// Tier is a client's pricing tier, used as a priority multiplier.
type Tier string

// Tier constants and their multipliers (spec.md §4.8 calculatePriority).
const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

var tierMultiplier = map[Tier]float64{
	TierFree:       0.8,
	TierPro:        1.0,
	TierEnterprise: 1.5,
}

// Features is the fixed feature vector extractFeatures computes from a job's
// description and file list.
type Features struct {
	DescriptionLength int
	FilesToModify     int
	ComplexityScore   float64
	ClientAvgTokens   float64
	TechStackFactor   float64
	HasTests          bool
	HasDatabase       bool
	IsRefactor        bool
}

// complexityPattern is one entry of the weighted pattern list
// extractFeatures sums over (spec.md §4.8).
type complexityPattern struct {
	re     *regexp.Regexp
	weight float64
}

var complexityPatterns = compilePatterns(map[string]float64{
	"integrate":      0.3,
	"migrate":        0.4,
	"security":       0.3,
	"authentication": 0.4,
	"real-time":      0.4,
	"simple":         -0.2,
	"basic":          -0.2,
	"minor":          -0.3,
	"typo":           -0.4,
	"comment":        -0.3,
})

func compilePatterns(weights map[string]float64) []complexityPattern {
	patterns := make([]complexityPattern, 0, len(weights))
	for word, weight := range weights {
		patterns = append(patterns, complexityPattern{
			re:     regexp.MustCompile(`(?i)` + regexp.QuoteMeta(word)),
			weight: weight,
		})
	}
	return patterns
}

// techStackFactors maps a recognized tech stack string to its output
// multiplier (spec.md §4.8 predictTokens "×techStackFactor"). Unrecognized
// stacks default to 1.0.
var techStackFactors = map[string]float64{
	"go":         1.0,
	"python":     1.1,
	"typescript": 1.2,
	"java":       1.3,
}

// ExtractFeatures computes the Features vector for a job (spec.md §4.8).
// clientTokenHistory is the client's last recorded token_usage totals, most
// recent last; only the last 20 are used.
func ExtractFeatures(description string, filesToModify []string, techStack string, clientTokenHistory []float64) Features {
	score := 1.0
	for _, p := range complexityPatterns {
		if p.re.MatchString(description) {
			score += p.weight
		}
	}
	score = clamp(score, 0.5, 3.0)

	lower := strings.ToLower(description)

	return Features{
		DescriptionLength: len(description),
		FilesToModify:     len(filesToModify),
		ComplexityScore:   score,
		ClientAvgTokens:   avgLastN(clientTokenHistory, 20, 5000),
		TechStackFactor:   techStackFactorFor(techStack),
		HasTests:          strings.Contains(lower, "test"),
		HasDatabase:       strings.Contains(lower, "database") || strings.Contains(lower, "migration"),
		IsRefactor:        strings.Contains(lower, "refactor"),
	}
}

func techStackFactorFor(stack string) float64 {
	if f, ok := techStackFactors[strings.ToLower(stack)]; ok {
		return f
	}
	return 1.0
}

func avgLastN(values []float64, n int, fallback float64) float64 {
	if len(values) == 0 {
		return fallback
	}
	if len(values) > n {
		values = values[len(values)-n:]
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// Prediction is predictTokens' output (spec.md §4.8).
type Prediction struct {
	InputTokens  float64
	OutputTokens float64
	Confidence   float64
	Breakdown    map[string]float64
}

// Total returns the predicted total token count.
func (p Prediction) Total() float64 {
	return p.InputTokens + p.OutputTokens
}

// PredictTokens estimates a job's token cost from its Features
// (spec.md §4.8). historySignalPresent, filesGiven, and pastPredictionCount
// feed the confidence calculation.
func (s *Scheduler) PredictTokens(f Features, historySignalPresent, filesGiven bool, pastPredictionCount int) Prediction {
	w := s.weights()

	input := w.BaseInputTokens + 0.5*float64(f.DescriptionLength)
	output := w.BaseOutputTokens

	perFile := w.TokensPerFile * float64(f.FilesToModify)
	input += perFile * 0.3
	output += perFile * 0.7

	output *= 1 + (f.ComplexityScore-1)*(1.5-1)*w.ComplexityMultiplier
	if f.HasTests {
		output *= 1.3
	}
	if f.HasDatabase {
		output *= 1.4
	}
	if f.IsRefactor {
		output *= 1.2
	}
	output *= f.TechStackFactor

	if f.ClientAvgTokens > 0 {
		ratio := input / (input + output)
		blendedTotal := (input+output)*0.7 + f.ClientAvgTokens*0.3
		input = blendedTotal * ratio
		output = blendedTotal * (1 - ratio)
	}

	confidence := 0.7
	if historySignalPresent {
		confidence += 0.1
	}
	if filesGiven {
		confidence += 0.1
	}
	if pastPredictionCount >= 50 {
		confidence += 0.1
	}
	confidence = math.Min(confidence, 0.95)

	return Prediction{
		InputTokens:  input,
		OutputTokens: output,
		Confidence:   confidence,
		Breakdown: map[string]float64{
			"base_input":  w.BaseInputTokens,
			"base_output": w.BaseOutputTokens,
			"per_file":    perFile,
		},
	}
}

// CalculatePriority assigns an integer priority to a job (spec.md §4.8).
func CalculatePriority(f Features, p Prediction, urgency float64, tier Tier) int {
	priority := 100.0
	total := p.Total()
	if total <= 5000 {
		priority += 20
	} else if total >= 20000 {
		priority -= 10
	}
	priority *= urgency
	priority *= tierMultiplier[tier]
	if f.ComplexityScore < 1.2 {
		priority += 10
	} else if f.ComplexityScore > 2.0 {
		priority -= 5
	}
	return int(math.Round(priority))
}

// SchedulingMetadata is what scheduleJob persists into
// AgentJob.Metadata["scheduling"] (spec.md §4.8, SPEC_FULL.md §4.11).
type SchedulingMetadata struct {
	Priority           int       `json:"priority"`
	EstimatedTokens    float64   `json:"estimatedTokens"`
	EstimatedDurationMs int64    `json:"estimatedDurationMs"`
	ScheduledAt        time.Time `json:"scheduledAt"`
}

// tokensPerSecond is the throughput estimateDuration assumes (spec.md §4.8).
const tokensPerSecond = 50.0

// ScheduleJob computes the metadata a caller persists onto a queued job
// (spec.md §4.8). capacityAvailable and estimatedWaitMs describe the
// queue's current state; dependenciesComplete reflects the job's declared
// dependency list.
func (s *Scheduler) ScheduleJob(f Features, p Prediction, urgency float64, tier Tier, capacityAvailable bool, estimatedWaitMs int64, dependenciesComplete bool) SchedulingMetadata {
	now := time.Now()
	var scheduledAt time.Time
	switch {
	case !dependenciesComplete:
		scheduledAt = now.Add(5 * time.Minute)
	case capacityAvailable:
		scheduledAt = now
	default:
		scheduledAt = now.Add(time.Duration(estimatedWaitMs) * time.Millisecond)
	}

	total := p.Total()
	return SchedulingMetadata{
		Priority:            CalculatePriority(f, p, urgency, tier),
		EstimatedTokens:     total,
		EstimatedDurationMs: int64(total / tokensPerSecond * 1000),
		ScheduledAt:         scheduledAt,
	}
}

// QueuedJob is the minimal shape GetNextJobs needs from a queued job: its ID
// and the scheduling metadata previously computed by ScheduleJob.
type QueuedJob struct {
	JobID      string
	Scheduling SchedulingMetadata
}

// GetNextJobs orders queued jobs by scheduledAt ascending, then priority
// descending, and returns up to limit (spec.md §4.8).
func GetNextJobs(jobs []QueuedJob, limit int) []QueuedJob {
	sorted := make([]QueuedJob, len(jobs))
	copy(sorted, jobs)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].Scheduling.ScheduledAt.Equal(sorted[j].Scheduling.ScheduledAt) {
			return sorted[i].Scheduling.ScheduledAt.Before(sorted[j].Scheduling.ScheduledAt)
		}
		return sorted[i].Scheduling.Priority > sorted[j].Scheduling.Priority
	})
	if limit > 0 && len(sorted) > limit {
		sorted = sorted[:limit]
	}
	return sorted
}

// usageRecord is one entry of the prediction history recordActualUsage
// appends to (spec.md §4.8).
type usageRecord struct {
	jobID     string
	features  Features
	predicted Prediction
	actual    Prediction
}

// relativeError returns (actual-predicted)/actual for the record's totals.
func (r usageRecord) relativeError() float64 {
	actualTotal := r.actual.Total()
	if actualTotal == 0 {
		return 0
	}
	return (actualTotal - r.predicted.Total()) / actualTotal
}

// Scheduler holds the in-memory prediction history and adjustable weights
// (spec.md §4.8). Safe for concurrent use.
type Scheduler struct {
	mu      sync.Mutex
	history []usageRecord
	w       Weights
}

// New creates a Scheduler with default weights.
func New() *Scheduler {
	return &Scheduler{w: DefaultWeights()}
}

func (s *Scheduler) weights() Weights {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w
}

// RecordActualUsage appends a prediction/actual pair to the history, and
// triggers adjustWeights every 10th record once the history reaches 20
// (spec.md §4.8).
func (s *Scheduler) RecordActualUsage(jobID string, features Features, predicted, actual Prediction) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = append(s.history, usageRecord{jobID: jobID, features: features, predicted: predicted, actual: actual})
	if len(s.history) > maxHistory {
		s.history = s.history[len(s.history)-maxHistory:]
	}

	if len(s.history) >= 20 && len(s.history)%10 == 0 {
		s.adjustWeightsLocked()
	}
}

// adjustWeightsLocked implements adjustWeights (spec.md §4.8). Caller must
// hold s.mu.
func (s *Scheduler) adjustWeightsLocked() {
	records := s.history
	if len(records) > 100 {
		records = records[len(records)-100:]
	}
	if len(records) == 0 {
		return
	}

	var sumErr float64
	for _, r := range records {
		sumErr += r.relativeError()
	}
	meanErr := sumErr / float64(len(records))
	if math.Abs(meanErr) > 0.1 {
		s.w.BaseOutputTokens *= 1 + 0.5*meanErr
	}

	complexErr, complexCount := meanAbsErrorWhere(records, func(r usageRecord) bool {
		return r.features.ComplexityScore > 1.5
	})
	if complexCount > 0 && complexErr > 0.15 {
		meanComplexSigned := meanSignedErrorWhere(records, func(r usageRecord) bool {
			return r.features.ComplexityScore > 1.5
		})
		s.w.ComplexityMultiplier *= 1 + 0.3*meanComplexSigned
	}

	fileErr, fileCount := meanAbsErrorWhere(records, func(r usageRecord) bool {
		return r.features.FilesToModify > 3
	})
	if fileCount > 0 && fileErr > 0.15 {
		meanFileSigned := meanSignedErrorWhere(records, func(r usageRecord) bool {
			return r.features.FilesToModify > 3
		})
		s.w.TokensPerFile *= 1 + 0.3*meanFileSigned
	}
}

func meanAbsErrorWhere(records []usageRecord, pred func(usageRecord) bool) (float64, int) {
	var sum float64
	var n int
	for _, r := range records {
		if pred(r) {
			sum += math.Abs(r.relativeError())
			n++
		}
	}
	if n == 0 {
		return 0, 0
	}
	return sum / float64(n), n
}

func meanSignedErrorWhere(records []usageRecord, pred func(usageRecord) bool) float64 {
	var sum float64
	var n int
	for _, r := range records {
		if pred(r) {
			sum += r.relativeError()
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// PredictionMetrics summarizes history accuracy (spec.md §4.8
// getPredictionMetrics).
type PredictionMetrics struct {
	Total            int
	MeanAbsError     float64
	MedianAbsError   float64
	FractionWithin50 float64
}

// GetPredictionMetrics computes PredictionMetrics over the full history.
func (s *Scheduler) GetPredictionMetrics() PredictionMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.history) == 0 {
		return PredictionMetrics{}
	}

	errs := make([]float64, len(s.history))
	var within50 int
	for i, r := range s.history {
		e := math.Abs(r.relativeError())
		errs[i] = e
		if e <= 0.5 {
			within50++
		}
	}
	sort.Float64s(errs)

	var sum float64
	for _, e := range errs {
		sum += e
	}

	return PredictionMetrics{
		Total:            len(errs),
		MeanAbsError:     sum / float64(len(errs)),
		MedianAbsError:   median(errs),
		FractionWithin50: float64(within50) / float64(len(errs)),
	}
}

func median(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
