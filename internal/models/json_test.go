package models

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONKeysAreCamelCase(t *testing.T) {
	msg := "boom"
	values := map[string]any{
		"QueueJob": QueueJob{
			ID: "o1:done:l1", MaxAttempts: 5, BackoffBaseMs: 2000,
			NextRunAt: time.Now(), State: JobDelayed, LastError: &msg,
		},
		"StatusDefinition": StatusDefinition{Code: "done", Name: "Done", Group: GroupClosedSuccess},
		"OrderType":        OrderType{ID: "express", AllowedStatuses: []string{"new"}},
	}
	for name, v := range values {
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		var fields map[string]any
		require.NoError(t, json.Unmarshal(raw, &fields))
		for key := range fields {
			assert.False(t, strings.Contains(key, "_"), "%s key %q", name, key)
		}
	}

	raw, err := json.Marshal(QueueJob{MaxAttempts: 5})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"maxAttempts":5`)
	assert.Contains(t, string(raw), `"nextRunAt"`)
}
