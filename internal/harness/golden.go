package harness

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// Snapshot is the golden form of a run: everything a scenario observably
// produced.
type Snapshot struct {
	Scenario     string              `json:"scenario"`
	Instructions int64               `json:"instructions"`
	Fatal        string              `json:"fatal,omitempty"`
	Stacks       map[string][]string `json:"stacks"`
	Store        []StoreEntry        `json:"store"`
}

// NewSnapshot captures result for scenario name.
func NewSnapshot(name string, result *Result) Snapshot {
	s := Snapshot{
		Scenario:     name,
		Instructions: result.Instructions,
		Stacks:       result.Stacks,
		Store:        result.Store,
	}
	if result.Fatal != nil {
		s.Fatal = string(result.Fatal.Code)
	}
	return s
}

// Marshal renders the snapshot as indented JSON with a trailing newline.
// Map keys are sorted, so equal runs marshal to equal bytes.
func (s Snapshot) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// RunWithGolden executes a scenario and compares its snapshot against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result against its golden file.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := NewSnapshot(scenarioName, result).Marshal()
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}
