package harness

import (
	"bytes"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/bindingtester/internal/engine"
	"github.com/roach88/bindingtester/internal/tuple"
)

// AssertionError describes a failed assertion.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
}

func (e *AssertionError) Error() string {
	return fmt.Sprintf("%s assertion failed: expected %s, got %s", e.Type, e.Expected, e.Actual)
}

// checkAssertions evaluates every assertion against result and records
// failures on it. A fatal error no assertion expects is itself a failure.
func checkAssertions(s *Scenario, result *Result) {
	expectsFatal := false
	for i, a := range s.Assertions {
		if a.Type == AssertFatal {
			expectsFatal = true
		}
		if err := checkAssertion(a, result); err != nil {
			result.AddError(fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	if result.Fatal != nil && !expectsFatal {
		result.AddError(fmt.Sprintf("run stopped: %v", result.Fatal))
	}
}

func checkAssertion(a Assertion, result *Result) error {
	switch a.Type {
	case AssertStack:
		return assertStack(a, result)
	case AssertStackDepth:
		stack, err := threadStack(a.Thread, result)
		if err != nil {
			return err
		}
		if len(stack) != a.Depth {
			return &AssertionError{Type: a.Type, Expected: fmt.Sprint(a.Depth), Actual: fmt.Sprint(len(stack))}
		}
		return nil
	case AssertKeyValue:
		return assertKeyValue(a, result)
	case AssertKeyAbsent:
		key, err := DecodeBytes(a.Key)
		if err != nil {
			return err
		}
		if v, ok := result.raw[string(key)]; ok {
			return &AssertionError{Type: a.Type, Expected: "no value", Actual: tuple.FormatElement(v)}
		}
		return nil
	case AssertKeyCount:
		prefix, err := DecodeBytes(a.Prefix)
		if err != nil {
			return err
		}
		n := 0
		for k := range result.raw {
			if strings.HasPrefix(k, string(prefix)) {
				n++
			}
		}
		if n != a.Count {
			return &AssertionError{Type: a.Type, Expected: fmt.Sprint(a.Count), Actual: fmt.Sprint(n)}
		}
		return nil
	case AssertFatal:
		return assertFatal(a, result)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

func threadStack(thread string, result *Result) ([]string, error) {
	stack, ok := result.Stacks[thread]
	if !ok {
		return nil, fmt.Errorf("thread %q never started", thread)
	}
	return stack, nil
}

func assertStack(a Assertion, result *Result) error {
	stack, err := threadStack(a.Thread, result)
	if err != nil {
		return err
	}
	want := make([]string, len(a.Values))
	for i, v := range a.Values {
		d, err := DecodeValue(v)
		if err != nil {
			return fmt.Errorf("values[%d]: %w", i, err)
		}
		want[i] = tuple.FormatElement(d)
	}
	if !slices.Equal(want, stack) {
		return &AssertionError{
			Type:     a.Type,
			Expected: "[" + strings.Join(want, ", ") + "]",
			Actual:   "[" + strings.Join(stack, ", ") + "]",
		}
	}
	return nil
}

func assertKeyValue(a Assertion, result *Result) error {
	key, err := DecodeBytes(a.Key)
	if err != nil {
		return err
	}
	want, err := DecodeBytes(a.Value)
	if err != nil {
		return err
	}
	got, ok := result.raw[string(key)]
	if !ok {
		return &AssertionError{Type: a.Type, Expected: tuple.FormatElement(want), Actual: "no value"}
	}
	if !bytes.Equal(got, want) {
		return &AssertionError{Type: a.Type, Expected: tuple.FormatElement(want), Actual: tuple.FormatElement(got)}
	}
	return nil
}

func assertFatal(a Assertion, result *Result) error {
	if result.Fatal == nil {
		return &AssertionError{Type: a.Type, Expected: a.Code, Actual: "clean run"}
	}
	if result.Fatal.Code != engine.MachineErrorCode(a.Code) {
		return &AssertionError{Type: a.Type, Expected: a.Code, Actual: string(result.Fatal.Code)}
	}
	if a.Thread != "" && string(result.Fatal.Thread) != a.Thread {
		return &AssertionError{Type: a.Type, Expected: "thread " + a.Thread, Actual: "thread " + string(result.Fatal.Thread)}
	}
	return nil
}
