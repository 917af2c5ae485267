// Package sarif converts findings into SARIF 2.1.0 logs.
package sarif

import (
	"sort"
	"strings"

	"solscan/internal/parsing"
	"solscan/internal/tools"
)

const (
	Schema  = "https://json.schemastore.org/sarif-2.1.0.json"
	Version = "2.1.0"
)

type Log struct {
	Schema  string `json:"$schema"`
	Version string `json:"version"`
	Runs    []Run  `json:"runs"`
}

type Run struct {
	Tool    Tool     `json:"tool"`
	Results []Result `json:"results"`
}

type Tool struct {
	Driver Driver `json:"driver"`
}

type Driver struct {
	Name            string   `json:"name"`
	Version         string   `json:"version,omitempty"`
	InformationURI  string   `json:"informationUri,omitempty"`
	FullDescription *Message `json:"fullDescription,omitempty"`
	Rules           []Rule   `json:"rules"`
}

type Rule struct {
	ID               string          `json:"id"`
	ShortDescription Message         `json:"shortDescription"`
	Properties       *RuleProperties `json:"properties,omitempty"`
}

type RuleProperties struct {
	Tags []string `json:"tags,omitempty"`
}

type Message struct {
	Text string `json:"text"`
}

type Result struct {
	RuleID    string     `json:"ruleId"`
	Level     string     `json:"level"`
	Message   Message    `json:"message"`
	Locations []Location `json:"locations,omitempty"`
}

type Location struct {
	PhysicalLocation *PhysicalLocation `json:"physicalLocation,omitempty"`
	LogicalLocations []LogicalLocation `json:"logicalLocations,omitempty"`
}

type PhysicalLocation struct {
	ArtifactLocation ArtifactLocation `json:"artifactLocation"`
	Region           *Region          `json:"region,omitempty"`
}

type ArtifactLocation struct {
	URI string `json:"uri"`
}

type Region struct {
	StartLine int `json:"startLine"`
	EndLine   int `json:"endLine,omitempty"`
}

type LogicalLocation struct {
	FullyQualifiedName string `json:"fullyQualifiedName"`
	Kind               string `json:"kind,omitempty"`
}

// Sarify builds a single-run log for the findings of tool.
func Sarify(tool tools.Tool, findings []parsing.Finding) *Log {
	driver := Driver{
		Name:           tool.ID,
		Version:        tool.Version,
		InformationURI: tool.Origin,
		Rules:          []Rule{},
	}
	if tool.Name != "" {
		driver.Name = tool.Name
	}
	if tool.Info != "" {
		driver.FullDescription = &Message{Text: tool.Info}
	}

	rules := make(map[string]Rule)
	run := Run{Results: []Result{}}
	for _, f := range findings {
		id := ruleID(f.Name)
		if _, ok := rules[id]; !ok {
			r := Rule{ID: id, ShortDescription: Message{Text: f.Name}}
			if f.Rule != "" {
				r.Properties = &RuleProperties{Tags: []string{f.Rule}}
			}
			rules[id] = r
		}
		run.Results = append(run.Results, result(id, f))
	}

	for _, r := range rules {
		driver.Rules = append(driver.Rules, r)
	}
	sort.Slice(driver.Rules, func(i, j int) bool { return driver.Rules[i].ID < driver.Rules[j].ID })
	run.Tool = Tool{Driver: driver}

	return &Log{Schema: Schema, Version: Version, Runs: []Run{run}}
}

func result(id string, f parsing.Finding) Result {
	msg := f.Message
	if msg == "" {
		msg = f.Name
	}
	res := Result{RuleID: id, Level: Level(f.Severity), Message: Message{Text: msg}}

	var loc Location
	if f.Filename != "" {
		loc.PhysicalLocation = &PhysicalLocation{ArtifactLocation: ArtifactLocation{URI: f.Filename}}
		if f.Line > 0 {
			loc.PhysicalLocation.Region = &Region{StartLine: f.Line, EndLine: f.LineEnd}
		}
	}
	switch {
	case f.Contract != "" && f.Function != "":
		loc.LogicalLocations = []LogicalLocation{{FullyQualifiedName: f.Contract + "." + f.Function, Kind: "function"}}
	case f.Contract != "":
		loc.LogicalLocations = []LogicalLocation{{FullyQualifiedName: f.Contract, Kind: "type"}}
	}
	if loc.PhysicalLocation != nil || loc.LogicalLocations != nil {
		res.Locations = []Location{loc}
	}
	return res
}

// Level maps a tool severity to a SARIF level.
func Level(severity string) string {
	switch strings.ToLower(severity) {
	case "high", "critical", "error":
		return "error"
	case "low", "informational", "info", "optimization", "note":
		return "note"
	default:
		return "warning"
	}
}

func ruleID(name string) string {
	id := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		case r == ' ':
			return '_'
		default:
			return -1
		}
	}, name)
	if id == "" {
		return "unknown"
	}
	return id
}
