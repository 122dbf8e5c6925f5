package specphase

import (
	"context"
	"fmt"
	"time"

	"github.com/agentpipe/conductor/pkg/models"
	"github.com/agentpipe/conductor/pkg/store"
)

// AnswerClarification records a response to one clarification question,
// out-of-band from the job queue (spec.md §4.6 "Clarification submission",
// invoked by the HTTP surface described in §6.1). If this was the last
// unanswered clarification on the feature, the clarify gate releases: the
// stage advances to clarify_complete and the plan phase job is enqueued,
// mirroring applyGate's own advance-and-enqueue step.
func AnswerClarification(ctx context.Context, st *store.Store, featureID, clarificationID, response string) error {
	feature, err := st.GetFeature(ctx, featureID)
	if err != nil {
		return fmt.Errorf("get feature: %w", err)
	}
	if feature.SpecOutput == nil {
		return fmt.Errorf("feature %s has no spec output", featureID)
	}

	found := false
	now := time.Now()
	for i := range feature.SpecOutput.Clarifications {
		c := &feature.SpecOutput.Clarifications[i]
		if c.ID == clarificationID {
			resp := response
			c.Response = &resp
			c.RespondedAt = &now
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("clarification %s not found on feature %s", clarificationID, featureID)
	}

	if err := st.UpdateSpecOutput(ctx, featureID, feature.SpecOutput); err != nil {
		return fmt.Errorf("persist clarification response: %w", err)
	}

	if feature.SpecOutput.UnansweredCount() > 0 {
		return nil
	}

	if err := st.SetWorkflowStage(ctx, featureID, models.CompleteStage(models.SpecPhaseClarify)); err != nil {
		return fmt.Errorf("set clarify_complete stage: %w", err)
	}

	next := models.NextPhase(models.SpecPhaseClarify)
	if next == "" {
		return nil
	}

	clarifyJob, err := lastJobForPhase(ctx, st, feature.ID, models.SpecPhaseClarify)
	if err != nil {
		return fmt.Errorf("find clarify job: %w", err)
	}

	_, err = st.CreateJob(ctx, models.AgentJob{
		ClientID:      feature.ClientID,
		FeatureID:     &feature.ID,
		RepositoryID:  clarifyJob.RepositoryID,
		BranchName:    clarifyJob.BranchName,
		Title:         fmt.Sprintf("%s: %s", next, feature.Title),
		JobType:       models.JobTypeSpec,
		TargetMachine: clarifyJob.TargetMachine,
		SpecPhase:     &next,
	})
	if err != nil {
		return fmt.Errorf("enqueue %s phase: %w", next, err)
	}
	return nil
}

// lastJobForPhase returns the most recent job for featureID whose
// spec_phase is phase, so a newly enqueued phase job can reuse the same
// repository/branch/target machine the phase DAG has been running on.
func lastJobForPhase(ctx context.Context, st *store.Store, featureID string, phase models.SpecPhase) (*models.AgentJob, error) {
	jobs, err := st.ListJobsByFeature(ctx, featureID)
	if err != nil {
		return nil, err
	}
	for i := len(jobs) - 1; i >= 0; i-- {
		if jobs[i].SpecPhase != nil && *jobs[i].SpecPhase == phase {
			return &jobs[i], nil
		}
	}
	return nil, fmt.Errorf("no %s-phase job found for feature %s", phase, featureID)
}
