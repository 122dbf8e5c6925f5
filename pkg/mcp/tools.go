package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentpipe/conductor/pkg/models"
	"github.com/agentpipe/conductor/pkg/specphase"
	"github.com/agentpipe/conductor/pkg/store"
)

// toolHandler decodes its own params from raw JSON bytes (nil if the
// request had no body) and returns a value to be marshaled as the tool
// result, or an error mapped to an HTTP status by respondToolError.
type toolHandler func(ctx context.Context, s *Server, raw []byte) (any, error)

// buildToolRegistry wires the nine tools spec.md §6.4 names.
func (s *Server) buildToolRegistry() map[string]toolHandler {
	return map[string]toolHandler{
		"create_spec":     toolCreateSpec,
		"get_job_status":  toolGetJobStatus,
		"list_jobs":       toolListJobs,
		"get_spec_output": toolGetSpecOutput,
		"answer_clarify":  toolAnswerClarify,
		"approve_spec":    toolApproveSpec,
		"get_capacity":    toolGetCapacity,
		"list_phases":     toolListPhases,
		"run_phase":       toolRunPhase,
	}
}

func decodeParams(raw []byte, v any) error {
	if len(raw) == 0 {
		return errors.New("missing tool parameters")
	}
	return json.Unmarshal(raw, v)
}

// enqueuePhaseJob creates a spec job for featureID at phase, admitting it
// immediately, shared by create_spec/approve_spec/run_phase — the same
// underlying operation api.enqueueSpecPhase exposes over HTTP (spec.md
// §6.1/§6.4 name it under two different surfaces for the same DAG).
func enqueuePhaseJob(ctx context.Context, s *Server, featureID string, phase models.SpecPhase) (*models.AgentJob, error) {
	feature, err := s.store.GetFeature(ctx, featureID)
	if err != nil {
		return nil, err
	}
	job, err := s.store.CreateJob(ctx, models.AgentJob{
		ClientID:      feature.ClientID,
		FeatureID:     &feature.ID,
		Prompt:        string(phase) + " phase for " + feature.Title,
		Title:         feature.Title,
		JobType:       models.JobTypeSpec,
		TargetMachine: s.cfg.Server.TargetMachine,
		SpecPhase:     &phase,
	})
	if err != nil {
		return nil, err
	}
	s.queue.Process(ctx)
	return job, nil
}

func toolCreateSpec(ctx context.Context, s *Server, raw []byte) (any, error) {
	var params struct {
		FeatureID string `json:"featureId"`
	}
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	return enqueuePhaseJob(ctx, s, params.FeatureID, models.SpecPhaseConstitution)
}

func toolGetJobStatus(ctx context.Context, s *Server, raw []byte) (any, error) {
	var params struct {
		JobID string `json:"jobId"`
	}
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	return s.store.GetJob(ctx, params.JobID)
}

func toolListJobs(ctx context.Context, s *Server, raw []byte) (any, error) {
	var params struct {
		Status    string `json:"status"`
		ClientID  string `json:"clientId"`
		FeatureID string `json:"featureId"`
		Limit     int    `json:"limit"`
		Offset    int    `json:"offset"`
	}
	// list_jobs is valid with no params (list everything, default paging).
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, err
		}
	}
	return s.store.ListJobs(ctx, store.JobFilter{
		Status:    models.JobStatus(params.Status),
		ClientID:  params.ClientID,
		FeatureID: params.FeatureID,
		Limit:     params.Limit,
		Offset:    params.Offset,
	})
}

func toolGetSpecOutput(ctx context.Context, s *Server, raw []byte) (any, error) {
	var params struct {
		FeatureID string `json:"featureId"`
	}
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	feature, err := s.store.GetFeature(ctx, params.FeatureID)
	if err != nil {
		return nil, err
	}
	return feature.SpecOutput, nil
}

func toolAnswerClarify(ctx context.Context, s *Server, raw []byte) (any, error) {
	var params struct {
		FeatureID       string `json:"featureId"`
		ClarificationID string `json:"clarificationId"`
		Response        string `json:"response"`
	}
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if err := specphase.AnswerClarification(ctx, s.store, params.FeatureID, params.ClarificationID, params.Response); err != nil {
		return nil, err
	}
	return gin.H{"answered": true}, nil
}

// toolApproveSpec advances a feature's spec to the phase after its current
// one (spec.md §6.4 names "approve_spec" without detailing its effect;
// resolved here as the human-gate advance the clarify phase already models
// for clarifications — see DESIGN.md).
func toolApproveSpec(ctx context.Context, s *Server, raw []byte) (any, error) {
	var params struct {
		FeatureID string `json:"featureId"`
	}
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	feature, err := s.store.GetFeature(ctx, params.FeatureID)
	if err != nil {
		return nil, err
	}
	var current models.SpecPhase
	if feature.SpecOutput != nil {
		current = feature.SpecOutput.Phase
	}
	next := models.NextPhase(current)
	if next == "" {
		return nil, store.NewValidationError("featureId", "spec is already at its final phase")
	}
	return enqueuePhaseJob(ctx, s, params.FeatureID, next)
}

func toolGetCapacity(ctx context.Context, s *Server, _ []byte) (any, error) {
	return s.queue.Status(ctx)
}

func toolListPhases(_ context.Context, _ *Server, _ []byte) (any, error) {
	return phaseMetaList(), nil
}

func toolRunPhase(ctx context.Context, s *Server, raw []byte) (any, error) {
	var params struct {
		FeatureID string           `json:"featureId"`
		Phase     models.SpecPhase `json:"phase"`
	}
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	return enqueuePhaseJob(ctx, s, params.FeatureID, params.Phase)
}

// phaseMeta describes one node of the spec phase DAG, built from
// models.NextPhase/RequiresHumanInput rather than a second hand-maintained
// table.
type phaseMeta struct {
	Phase              models.SpecPhase `json:"phase"`
	RequiresHumanInput bool             `json:"requiresHumanInput"`
	Next               models.SpecPhase `json:"next,omitempty"`
}

func phaseMetaList() []phaseMeta {
	phases := models.PhaseOrder()
	out := make([]phaseMeta, 0, len(phases))
	for _, p := range phases {
		out = append(out, phaseMeta{
			Phase:              p,
			RequiresHumanInput: models.RequiresHumanInput(p),
			Next:               models.NextPhase(p),
		})
	}
	return out
}

// respondToolError maps a domain error to an HTTP status for the MCP
// surface, reusing the same sentinel-error vocabulary pkg/api's mapError
// does (store.ErrNotFound etc.) since both surfaces sit in front of the
// same store and queue.
func respondToolError(c *gin.Context, err error) {
	status, msg := mapError(err)
	c.JSON(status, gin.H{"error": msg})
}

// mapError is a package-local copy of api.mapError's status table. pkg/mcp
// is mounted onto an api.Server's router group by cmd/conductor rather than
// importing pkg/api itself, so the same sentinel-to-status mapping is
// reproduced here against the identical store errors instead of importing
// the HTTP package just for this one table.
func mapError(err error) (int, string) {
	if store.IsValidationError(err) {
		return http.StatusBadRequest, err.Error()
	}
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, "resource not found"
	}
	if errors.Is(err, store.ErrAlreadyExists) {
		return http.StatusConflict, "resource already exists"
	}
	if errors.Is(err, store.ErrAtCapacity) {
		return http.StatusConflict, "at capacity"
	}
	return http.StatusInternalServerError, "internal server error"
}
