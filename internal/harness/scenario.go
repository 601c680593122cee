package harness

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/roach88/bindingtester/internal/engine"
	"github.com/roach88/bindingtester/internal/kv"
)

//go:embed schema.cue
var schemaCUE string

// Scenario is one binding-tester program together with the checks its run
// must satisfy.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Prefix names the thread started first.
	Prefix string `yaml:"prefix"`

	// APIVersion is the client API version to open the database with.
	// Zero selects kv.MaxAPIVersion.
	APIVersion int `yaml:"api_version,omitempty"`

	// Setup lists keys written before any thread starts.
	Setup []Entry `yaml:"setup,omitempty"`

	// Threads maps a thread name to its instructions. Each instruction is
	// an opcode followed by its inline operands.
	Threads map[string][][]any `yaml:"threads"`

	// Assertions validate the final stacks and store.
	Assertions []Assertion `yaml:"assertions"`
}

// Entry is a key-value pair written by Setup.
type Entry struct {
	Key   any `yaml:"key"`
	Value any `yaml:"value"`
}

// Assertion validates the outcome of a run.
type Assertion struct {
	// Type selects the check: stack, stack_depth, key_value, key_absent,
	// key_count or fatal.
	Type string `yaml:"type"`

	// Thread names the machine whose stack is checked (stack, stack_depth,
	// optionally fatal).
	Thread string `yaml:"thread,omitempty"`

	// Values is the expected stack, bottom first (stack).
	Values []any `yaml:"values,omitempty"`

	// Depth is the expected stack size (stack_depth).
	Depth int `yaml:"depth,omitempty"`

	// Key is the key checked by key_value and key_absent.
	Key any `yaml:"key,omitempty"`

	// Value is the expected value of Key (key_value).
	Value any `yaml:"value,omitempty"`

	// Prefix selects the keys counted by key_count.
	Prefix any `yaml:"prefix,omitempty"`

	// Count is the expected number of keys under Prefix (key_count).
	Count int `yaml:"count,omitempty"`

	// Code is the expected machine error code (fatal).
	Code string `yaml:"code,omitempty"`
}

// Assertion type constants.
const (
	AssertStack      = "stack"
	AssertStackDepth = "stack_depth"
	AssertKeyValue   = "key_value"
	AssertKeyAbsent  = "key_absent"
	AssertKeyCount   = "key_count"
	AssertFatal      = "fatal"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed, does not
// satisfy the scenario schema, or contains operands that cannot be encoded.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses a scenario from YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	if err := checkSchema(data); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// checkSchema unifies the raw document with #Scenario.
func checkSchema(data []byte) error {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	doc := ctx.Encode(raw)
	if err := doc.Err(); err != nil {
		return fmt.Errorf("encode scenario: %w", err)
	}
	v := schema.LookupPath(cue.ParsePath("#Scenario")).Unify(doc)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return err
	}
	return nil
}

// ThreadNames returns the scenario's thread names in sorted order.
func (s *Scenario) ThreadNames() []string {
	names := make([]string, 0, len(s.Threads))
	for name := range s.Threads {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// validateScenario checks the rules the schema cannot express.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if _, ok := s.Threads[s.Prefix]; !ok {
		return fmt.Errorf("prefix %q names no thread", s.Prefix)
	}
	if s.APIVersion != 0 && (s.APIVersion < kv.MinAPIVersion || s.APIVersion > kv.MaxAPIVersion) {
		return fmt.Errorf("api_version %d outside [%d, %d]", s.APIVersion, kv.MinAPIVersion, kv.MaxAPIVersion)
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, e := range s.Setup {
		if _, err := DecodeBytes(e.Key); err != nil {
			return fmt.Errorf("setup[%d].key: %w", i, err)
		}
		if _, err := DecodeBytes(e.Value); err != nil {
			return fmt.Errorf("setup[%d].value: %w", i, err)
		}
	}

	for _, name := range s.ThreadNames() {
		for i, raw := range s.Threads[name] {
			if _, err := encodeInstruction(raw); err != nil {
				return fmt.Errorf("threads.%s[%d]: %w", name, i, err)
			}
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion, s); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion, s *Scenario) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	checkThread := func() error {
		if _, ok := s.Threads[a.Thread]; !ok {
			return fmt.Errorf("assertions[%d]: thread %q is not defined", index, a.Thread)
		}
		return nil
	}

	switch a.Type {
	case AssertStack:
		if err := checkThread(); err != nil {
			return err
		}
		for j, v := range a.Values {
			if _, err := DecodeValue(v); err != nil {
				return fmt.Errorf("assertions[%d].values[%d]: %w", index, j, err)
			}
		}
	case AssertStackDepth:
		if err := checkThread(); err != nil {
			return err
		}
		if a.Depth < 0 {
			return fmt.Errorf("assertions[%d]: depth must be non-negative for stack_depth", index)
		}
	case AssertKeyValue:
		if _, err := DecodeBytes(a.Key); err != nil {
			return fmt.Errorf("assertions[%d].key: %w", index, err)
		}
		if _, err := DecodeBytes(a.Value); err != nil {
			return fmt.Errorf("assertions[%d].value: %w", index, err)
		}
	case AssertKeyAbsent:
		if _, err := DecodeBytes(a.Key); err != nil {
			return fmt.Errorf("assertions[%d].key: %w", index, err)
		}
	case AssertKeyCount:
		if _, err := DecodeBytes(a.Prefix); err != nil {
			return fmt.Errorf("assertions[%d].prefix: %w", index, err)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for key_count", index)
		}
	case AssertFatal:
		switch engine.MachineErrorCode(a.Code) {
		case engine.ErrCodeTypeMismatch, engine.ErrCodeUnknownOpcode, engine.ErrCodeStackUnderflow,
			engine.ErrCodeAssertion, engine.ErrCodeUnhandled:
		default:
			return fmt.Errorf("assertions[%d]: unknown machine error code %q", index, a.Code)
		}
		if a.Thread != "" {
			if err := checkThread(); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
