package parsing

import (
	"errors"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"solscan/internal/results"
)

func parseSlither(r *Result, _ *results.TaskLog, _ []string, output []byte) error {
	if output == nil {
		r.Fails = append(r.Fails, "output missing")
		return nil
	}
	data, err := member(output, "output.json")
	if err != nil {
		return err
	}
	if !gjson.ValidBytes(data) {
		return errors.New("output.json is not valid JSON")
	}

	doc := gjson.ParseBytes(data)
	if !doc.Get("success").Bool() {
		if msg := doc.Get("error").String(); msg != "" {
			r.Errors = append(r.Errors, firstLine(msg))
		}
	}

	doc.Get("results.detectors").ForEach(func(_, d gjson.Result) bool {
		f := Finding{
			Name:     d.Get("check").String(),
			Severity: strings.ToLower(d.Get("impact").String()),
			Message:  strings.TrimSpace(d.Get("description").String()),
		}
		if el := d.Get("elements.0"); el.Exists() {
			f.Filename = el.Get("source_mapping.filename_relative").String()
			if lines := el.Get("source_mapping.lines").Array(); len(lines) > 0 {
				f.Line = int(lines[0].Int())
				f.LineEnd = int(lines[len(lines)-1].Int())
			}
			name := el.Get("name").String()
			parent := el.Get("type_specific_fields.parent")
			switch el.Get("type").String() {
			case "contract":
				f.Contract = name
			case "function":
				f.Function = name
				f.Contract = parent.Get("name").String()
			default:
				if parent.Get("type").String() == "function" {
					f.Function = parent.Get("name").String()
					f.Contract = parent.Get("type_specific_fields.parent.name").String()
				} else {
					f.Contract = parent.Get("name").String()
				}
			}
		}
		r.Findings = append(r.Findings, f)
		return true
	})
	return nil
}

// parseMythril reads the JSON report mythril prints as the last line of
// its log.
func parseMythril(r *Result, _ *results.TaskLog, lines []string, _ []byte) error {
	var report gjson.Result
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if strings.HasPrefix(line, "{") && gjson.Valid(line) {
			report = gjson.Parse(line)
			break
		}
	}
	if !report.Exists() {
		r.Fails = append(r.Fails, "output missing")
		return nil
	}

	if msg := report.Get("error").String(); msg != "" {
		r.Errors = append(r.Errors, firstLine(msg))
	}
	report.Get("issues").ForEach(func(_, issue gjson.Result) bool {
		f := Finding{
			Name:     issue.Get("title").String(),
			Severity: strings.ToLower(issue.Get("severity").String()),
			Message:  strings.TrimSpace(issue.Get("description").String()),
			Contract: issue.Get("contract").String(),
			Function: issue.Get("function").String(),
			Line:     int(issue.Get("lineno").Int()),
			Address:  int(issue.Get("address").Int()),
		}
		if fn := issue.Get("filename").String(); fn != "" {
			f.Filename = path.Base(fn)
		}
		if swc := issue.Get("swc-id").String(); swc != "" {
			f.Rule = "SWC-" + swc
		}
		r.Findings = append(r.Findings, f)
		return true
	})
	return nil
}

// solhint -f unix: "/src/C.sol:12:5: Message [Warning/rule-id]"
var solhintLine = regexp.MustCompile(`^(.+?):(\d+):(\d+):\s*(.*?)\s*\[(\w+)/([\w-]+)\]$`)

func parseSolhint(r *Result, _ *results.TaskLog, lines []string, _ []byte) error {
	for _, line := range lines {
		m := solhintLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		n, _ := strconv.Atoi(m[2])
		r.Findings = append(r.Findings, Finding{
			Name:     m[6],
			Filename: path.Base(m[1]),
			Line:     n,
			Message:  m[4],
			Severity: strings.ToLower(m[5]),
		})
	}
	return nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}
