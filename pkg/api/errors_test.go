package api

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/agentpipe/conductor/pkg/dispatcher"
	"github.com/agentpipe/conductor/pkg/store"
)

func TestMapError(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"not found", store.ErrNotFound, http.StatusNotFound},
		{"wrapped not found", fmt.Errorf("lookup client: %w", store.ErrNotFound), http.StatusNotFound},
		{"already exists", store.ErrAlreadyExists, http.StatusConflict},
		{"at capacity", store.ErrAtCapacity, http.StatusConflict},
		{"no runner", dispatcher.ErrNoRunner, http.StatusBadRequest},
		{"validation", store.NewValidationError("title", "required"), http.StatusBadRequest},
		{"unknown", fmt.Errorf("boom"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, msg := mapError(tc.err)
			assert.Equal(t, tc.status, status)
			assert.NotEmpty(t, msg)
		})
	}
}
