package parsing

import (
	"archive/tar"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"solscan/internal/results"
	"solscan/internal/tools"
)

func taskLog(parser string, code *int) *results.TaskLog {
	return &results.TaskLog{
		Filename: "a/C.sol",
		Result:   results.RunResult{ExitCode: code},
		Tool:     tools.Tool{ID: parser, Mode: tools.Solidity, Parser: parser},
	}
}

func exit(code int) *int { return &code }

func tarOf(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func TestParse_ExitCodes(t *testing.T) {
	tests := []struct {
		name       string
		code       *int
		wantFails  []string
		wantErrors []string
	}{
		{"timeout", nil, []string{DockerTimeout}, []string{}},
		{"success", exit(0), []string{}, []string{}},
		{"findings", exit(1), []string{}, []string{}},
		{"oom", exit(137), []string{DockerOOM}, []string{}},
		{"segv", exit(139), []string{DockerSegv}, []string{}},
		{"other", exit(2), []string{}, []string{"EXIT_CODE_2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := Parse(taskLog("", tt.code), nil, nil)
			require.NoError(t, err)
			require.Equal(t, tt.wantFails, r.Fails)
			require.Equal(t, tt.wantErrors, r.Errors)
			require.Empty(t, r.Findings)
		})
	}
}

func TestParse_Exceptions(t *testing.T) {
	lines := []string{
		"analysing C.sol",
		"Error: Source file requires different compiler version",
		"Traceback (most recent call last):",
		`  File "/tool/main.py", line 3, in <module>`,
		"    main()",
		"KeyError: 'bytecode'",
		"Error: Source file requires different compiler version",
		"Traceback (most recent call last):",
		"  File x",
	}
	r, err := Parse(taskLog("", exit(0)), lines, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"exception (KeyError: 'bytecode')", "exception (incomplete traceback)"}, r.Fails)
	require.Equal(t, []string{"Error: Source file requires different compiler version"}, r.Errors)
}

func TestParse_ParserInfo(t *testing.T) {
	r, err := Parse(taskLog("conkas", exit(0)), nil, nil)
	require.NoError(t, err)
	require.Equal(t, Info{ID: "conkas", Mode: tools.Solidity, Version: Version}, r.Parser)
}

const slitherOutput = `{
  "success": true,
  "error": null,
  "results": {
    "detectors": [
      {
        "check": "reentrancy-eth",
        "impact": "High",
        "confidence": "Medium",
        "description": "Reentrancy in Bank.withdraw() (C.sol#10-15)\n",
        "elements": [
          {
            "type": "function",
            "name": "withdraw",
            "source_mapping": {"filename_relative": "C.sol", "lines": [10, 11, 12, 13, 14, 15]},
            "type_specific_fields": {"parent": {"type": "contract", "name": "Bank"}}
          }
        ]
      },
      {
        "check": "solc-version",
        "impact": "Informational",
        "description": "Pragma version^0.4.24 allows old versions",
        "elements": [
          {
            "type": "pragma",
            "name": "^0.4.24",
            "source_mapping": {"filename_relative": "C.sol", "lines": [1]},
            "type_specific_fields": {"directive": ["solidity", "^", "0.4", ".24"]}
          }
        ]
      },
      {
        "check": "tx-origin",
        "impact": "Medium",
        "description": "uses tx.origin",
        "elements": [
          {
            "type": "node",
            "name": "require(tx.origin == owner)",
            "source_mapping": {"filename_relative": "C.sol", "lines": [20]},
            "type_specific_fields": {"parent": {"type": "function", "name": "kill", "type_specific_fields": {"parent": {"name": "Bank"}}}}
          }
        ]
      }
    ]
  }
}`

func TestParse_Slither(t *testing.T) {
	output := tarOf(t, map[string]string{"output.json": slitherOutput})

	r, err := Parse(taskLog("slither", exit(0)), nil, output)
	require.NoError(t, err)
	require.Empty(t, r.Fails)
	require.Len(t, r.Findings, 3)

	require.Equal(t, Finding{
		Name: "reentrancy-eth", Filename: "C.sol", Contract: "Bank", Function: "withdraw",
		Line: 10, LineEnd: 15, Message: "Reentrancy in Bank.withdraw() (C.sol#10-15)", Severity: "high",
	}, r.Findings[0])
	require.Equal(t, "informational", r.Findings[1].Severity)
	require.Equal(t, 1, r.Findings[1].Line)
	require.Equal(t, "kill", r.Findings[2].Function)
	require.Equal(t, "Bank", r.Findings[2].Contract)
}

func TestParse_SlitherFailures(t *testing.T) {
	r, err := Parse(taskLog("slither", exit(1)), nil, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"output missing"}, r.Fails)

	r, err = Parse(taskLog("slither", exit(0)), nil, tarOf(t, map[string]string{"other.txt": "x"}))
	require.NoError(t, err)
	require.Len(t, r.Fails, 1)
	require.Contains(t, r.Fails[0], "error parsing results")

	failed := `{"success": false, "error": "Invalid compilation\ndetails", "results": {}}`
	r, err = Parse(taskLog("slither", exit(255)), nil, tarOf(t, map[string]string{"output.json": failed}))
	require.NoError(t, err)
	require.Equal(t, []string{"EXIT_CODE_255", "Invalid compilation"}, r.Errors)
}

func TestParse_Mythril(t *testing.T) {
	lines := []string{
		"mythril.laser.ethereum.svm [WARNING]: No contract was created",
		`{"error": null, "issues": [{"title": "External Call To User-Supplied Address", "swc-id": "107", "severity": "Low", "description": "A call to a user-supplied address is executed.", "contract": "Bank", "function": "withdraw()", "address": 312, "lineno": 12, "filename": "/src/C.sol"}], "success": true}`,
	}
	r, err := Parse(taskLog("mythril", exit(0)), lines, nil)
	require.NoError(t, err)
	require.Equal(t, []Finding{{
		Name: "External Call To User-Supplied Address", Filename: "C.sol", Contract: "Bank", Function: "withdraw()",
		Line: 12, Address: 312, Message: "A call to a user-supplied address is executed.", Severity: "low", Rule: "SWC-107",
	}}, r.Findings)
}

func TestParse_Solhint(t *testing.T) {
	lines := []string{
		"/src/C.sol:1:1: Compiler version ^0.4.24 does not satisfy the ^0.5.8 semver requirement [Error/compiler-version]",
		"/src/C.sol:12:9: Avoid to use tx.origin [Warning/avoid-tx-origin]",
		"",
		"2 problems",
	}
	r, err := Parse(taskLog("solhint", exit(1)), lines, nil)
	require.NoError(t, err)
	require.Len(t, r.Findings, 2)
	require.Equal(t, Finding{
		Name: "avoid-tx-origin", Filename: "C.sol", Line: 12, Message: "Avoid to use tx.origin", Severity: "warning",
	}, r.Findings[1])
	require.Empty(t, r.Errors)
}
