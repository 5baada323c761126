package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconcileCommand_PrintsRun(t *testing.T) {
	// GIVEN: An empty in-memory node configured by flags only
	// WHEN: The reconcile command runs
	// THEN: A completed run with nothing listed is printed as JSON

	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"reconcile", "--db", ":memory:", "--party", "msp-a", "--log-level", "error"})

	require.NoError(t, cmd.ExecuteContext(context.Background()))

	var printed struct {
		Run struct {
			Status  string `json:"status"`
			Trigger string `json:"trigger"`
			Listed  int    `json:"listed"`
		} `json:"run"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &printed), out.String())
	assert.Equal(t, "completed", printed.Run.Status)
	assert.Equal(t, "manual", printed.Run.Trigger)
	assert.Zero(t, printed.Run.Listed)
}

func TestRootCommand_RequiresParty(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"reconcile", "--db", ":memory:"})

	assert.Error(t, cmd.Execute())
}
