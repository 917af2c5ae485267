package sarif

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"solscan/internal/parsing"
	"solscan/internal/tools"
)

func TestSarify(t *testing.T) {
	tool := tools.Tool{ID: "slither", Name: "Slither", Version: "0.10.4", Origin: "https://github.com/crytic/slither", Info: "Static analysis"}
	findings := []parsing.Finding{
		{Name: "reentrancy-eth", Filename: "C.sol", Contract: "Bank", Function: "withdraw", Line: 10, LineEnd: 15, Message: "Reentrancy", Severity: "high"},
		{Name: "External Call", Contract: "Bank", Severity: "low", Rule: "SWC-107"},
		{Name: "reentrancy-eth", Filename: "C.sol", Line: 30, Severity: "high"},
		{Name: "solc-version"},
	}

	log := Sarify(tool, findings)
	require.Equal(t, Version, log.Version)
	require.Len(t, log.Runs, 1)

	run := log.Runs[0]
	require.Equal(t, "Slither", run.Tool.Driver.Name)
	require.Equal(t, "Static analysis", run.Tool.Driver.FullDescription.Text)
	require.Equal(t, []string{"External_Call", "reentrancy-eth", "solc-version"}, ruleIDs(run.Tool.Driver.Rules))
	require.Equal(t, []string{"SWC-107"}, run.Tool.Driver.Rules[0].Properties.Tags)

	require.Len(t, run.Results, 4)
	first := run.Results[0]
	require.Equal(t, "error", first.Level)
	require.Equal(t, "C.sol", first.Locations[0].PhysicalLocation.ArtifactLocation.URI)
	require.Equal(t, &Region{StartLine: 10, EndLine: 15}, first.Locations[0].PhysicalLocation.Region)
	require.Equal(t, "Bank.withdraw", first.Locations[0].LogicalLocations[0].FullyQualifiedName)

	second := run.Results[1]
	require.Equal(t, "note", second.Level)
	require.Nil(t, second.Locations[0].PhysicalLocation)
	require.Equal(t, "type", second.Locations[0].LogicalLocations[0].Kind)

	last := run.Results[3]
	require.Equal(t, "warning", last.Level)
	require.Equal(t, "solc-version", last.Message.Text)
	require.Empty(t, last.Locations)
}

func TestSarify_NoFindings(t *testing.T) {
	log := Sarify(tools.Tool{ID: "conkas"}, nil)

	data, err := json.Marshal(log)
	require.NoError(t, err)
	require.JSONEq(t, `{
		"$schema": "https://json.schemastore.org/sarif-2.1.0.json",
		"version": "2.1.0",
		"runs": [{"tool": {"driver": {"name": "conkas", "rules": []}}, "results": []}]
	}`, string(data))
}

func TestLevel(t *testing.T) {
	tests := map[string]string{
		"High":          "error",
		"error":         "error",
		"Medium":        "warning",
		"warning":       "warning",
		"":              "warning",
		"Informational": "note",
		"optimization":  "note",
		"low":           "note",
	}
	for in, want := range tests {
		require.Equal(t, want, Level(in), in)
	}
}

func ruleIDs(rules []Rule) []string {
	ids := make([]string, len(rules))
	for i, r := range rules {
		ids[i] = r.ID
	}
	return ids
}
