// Package parsing turns raw tool logs and output archives into findings.
package parsing

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"

	"solscan/internal/results"
)

// Version identifies the parser generation recorded in every result.
const Version = "2.1.0"

// Failure codes of the generic parser.
const (
	DockerTimeout = "DOCKER_TIMEOUT"
	DockerOOM     = "DOCKER_KILL_OOM"
	DockerSegv    = "DOCKER_SEGV"
)

var ErrNoMember = errors.New("file not found in output archive")

type Finding struct {
	Name     string `json:"name"`
	Filename string `json:"filename,omitempty"`
	Contract string `json:"contract,omitempty"`
	Function string `json:"function,omitempty"`
	Line     int    `json:"line,omitempty"`
	LineEnd  int    `json:"line_end,omitempty"`
	Address  int    `json:"address,omitempty"`
	Message  string `json:"message,omitempty"`
	Severity string `json:"severity,omitempty"`
	Rule     string `json:"rule,omitempty"` // external classification, e.g. SWC-107
}

type Info struct {
	ID      string `json:"id"`
	Mode    string `json:"mode"`
	Version string `json:"version"`
}

// Result is written to result.json.
type Result struct {
	Findings []Finding `json:"findings"`
	Infos    []string  `json:"infos"`
	Errors   []string  `json:"errors"`
	Fails    []string  `json:"fails"`
	Parser   Info      `json:"parser"`
}

// A toolParser adds tool specific findings and messages to r.
type toolParser func(r *Result, tl *results.TaskLog, lines []string, output []byte) error

var toolParsers = map[string]toolParser{
	"slither": parseSlither,
	"mythril": parseMythril,
	"solhint": parseSolhint,
}

// Parse interprets one task's artifacts. Container level failures are
// always recorded; tools with a registered parser contribute findings.
func Parse(tl *results.TaskLog, lines []string, output []byte) (*Result, error) {
	r := &Result{
		Findings: []Finding{},
		Infos:    []string{},
		Errors:   []string{},
		Fails:    []string{},
		Parser:   Info{ID: tl.Tool.ID, Mode: tl.Tool.Mode, Version: Version},
	}

	parseExit(r, tl.Result.ExitCode)
	parseExceptions(r, lines)

	if p, ok := toolParsers[tl.Tool.Parser]; ok {
		if err := p(r, tl, lines, output); err != nil {
			r.Fails = append(r.Fails, "error parsing results: "+err.Error())
		}
	}

	r.Infos = dedupe(r.Infos)
	r.Errors = dedupe(r.Errors)
	r.Fails = dedupe(r.Fails)
	return r, nil
}

func parseExit(r *Result, code *int) {
	switch {
	case code == nil:
		r.Fails = append(r.Fails, DockerTimeout)
	case *code == 0, *code == 1:
		// 1 is how several tools report that they found something
	case *code == 137:
		r.Fails = append(r.Fails, DockerOOM)
	case *code == 139:
		r.Fails = append(r.Fails, DockerSegv)
	default:
		r.Errors = append(r.Errors, fmt.Sprintf("EXIT_CODE_%d", *code))
	}
}

var errorLine = regexp.MustCompile(`^\s*(?:[A-Za-z]+)?(?:Error|ERROR|error):\s*\S`)

// parseExceptions records Python tracebacks, which most tool images are
// built on, and error lines.
func parseExceptions(r *Result, lines []string) {
	inTrace := false
	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, "Traceback (most recent call last):"):
			inTrace = true
		case inTrace && line != "" && line[0] != ' ' && line[0] != '\t':
			inTrace = false
			r.Fails = append(r.Fails, "exception ("+strings.TrimSpace(line)+")")
		case !inTrace:
			if errorLine.MatchString(line) {
				r.Errors = append(r.Errors, strings.TrimSpace(line))
			}
		}
	}
	if inTrace {
		r.Fails = append(r.Fails, "exception (incomplete traceback)")
	}
}

// member returns the content of the archive entry whose base name is name.
func member(archive []byte, name string) ([]byte, error) {
	tr := tar.NewReader(bytes.NewReader(archive))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil, fmt.Errorf("%w: %s", ErrNoMember, name)
		}
		if err != nil {
			return nil, fmt.Errorf("reading output archive: %w", err)
		}
		if hdr.Typeflag == tar.TypeReg && path.Base(hdr.Name) == name {
			return io.ReadAll(tr)
		}
	}
}

func dedupe(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := items[:0]
	for _, it := range items {
		if _, ok := seen[it]; ok {
			continue
		}
		seen[it] = struct{}{}
		out = append(out, it)
	}
	return out
}
