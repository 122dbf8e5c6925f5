package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/agentpipe/conductor/pkg/models"
)

func TestPhaseMetaListMatchesDAGOrder(t *testing.T) {
	list := phaseMetaList()
	assert.Len(t, list, 6)
	assert.Equal(t, models.SpecPhaseConstitution, list[0].Phase)
	assert.Equal(t, models.SpecPhaseSpecify, list[0].Next)
	assert.True(t, list[2].RequiresHumanInput, "clarify is the only human-input gate")
	assert.Equal(t, models.SpecPhaseTasks, list[len(list)-1].Phase)
	assert.Empty(t, list[len(list)-1].Next, "tasks is terminal")
}

func TestDecodeParamsRejectsMissingBody(t *testing.T) {
	var v struct{}
	err := decodeParams(nil, &v)
	assert.Error(t, err)
}

func TestDecodeParamsRejectsMalformedJSON(t *testing.T) {
	var v struct {
		FeatureID string `json:"featureId"`
	}
	err := decodeParams([]byte("not json"), &v)
	assert.Error(t, err)
}

func TestBuildToolRegistryRegistersAllNinePrototypes(t *testing.T) {
	s := &Server{}
	registry := s.buildToolRegistry()
	for _, name := range []string{
		"create_spec", "get_job_status", "list_jobs", "get_spec_output",
		"answer_clarify", "approve_spec", "get_capacity", "list_phases", "run_phase",
	} {
		assert.Contains(t, registry, name)
	}
	assert.Len(t, registry, 9)
}
