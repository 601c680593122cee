package engine

import (
	"errors"
	"fmt"
	"strings"
)

// MachineError represents a fatal condition detected while interpreting an
// instruction stream.
//
// Machine errors include:
//   - Type mismatch: a popped value does not have the type an opcode needs
//   - Unknown opcode: the instruction names no operation
//   - Stack underflow: an opcode pops from an empty stack
//   - Assertion: an operand violates an opcode's contract
//   - Unhandled failure: any other error that is not a store error
//
// Store errors carrying a numeric code are never MachineErrors; the machine
// pushes them onto the stack instead.
type MachineError struct {
	// Code identifies the error category.
	Code MachineErrorCode

	// Message is a human-readable description.
	Message string

	// Thread is the instruction prefix of the failing thread.
	Thread []byte

	// Instruction is the index of the failing instruction within its thread.
	Instruction int

	// Opcode is the opcode being dispatched, after suffix stripping.
	Opcode string

	// Err is the underlying failure, if any.
	Err error
}

// MachineErrorCode categorizes machine errors.
type MachineErrorCode string

const (
	// ErrCodeTypeMismatch indicates a popped value has the wrong type.
	ErrCodeTypeMismatch MachineErrorCode = "TYPE_MISMATCH"

	// ErrCodeUnknownOpcode indicates an instruction names no operation.
	ErrCodeUnknownOpcode MachineErrorCode = "UNKNOWN_OPCODE"

	// ErrCodeStackUnderflow indicates a pop from an empty stack.
	ErrCodeStackUnderflow MachineErrorCode = "STACK_UNDERFLOW"

	// ErrCodeAssertion indicates an operand violates an opcode's contract.
	ErrCodeAssertion MachineErrorCode = "ASSERTION"

	// ErrCodeUnhandled indicates a non-store failure escaped an opcode.
	ErrCodeUnhandled MachineErrorCode = "UNHANDLED_FAILURE"
)

// Error implements the error interface.
func (e *MachineError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Code, e.Message)
	if e.Opcode != "" {
		fmt.Fprintf(&b, " (thread=%q, instruction=%d, opcode=%s)", e.Thread, e.Instruction, e.Opcode)
	}
	return b.String()
}

// Unwrap returns the underlying failure.
func (e *MachineError) Unwrap() error {
	return e.Err
}

// IsTypeMismatch returns true if the error is a type mismatch.
// Uses errors.As to handle wrapped errors.
func IsTypeMismatch(err error) bool {
	return hasCode(err, ErrCodeTypeMismatch)
}

// IsUnknownOpcode returns true if the error is an unknown opcode error.
func IsUnknownOpcode(err error) bool {
	return hasCode(err, ErrCodeUnknownOpcode)
}

// IsStackUnderflow returns true if the error is a stack underflow.
func IsStackUnderflow(err error) bool {
	return hasCode(err, ErrCodeStackUnderflow)
}

// IsAssertion returns true if the error is a failed operand assertion.
func IsAssertion(err error) bool {
	return hasCode(err, ErrCodeAssertion)
}

func hasCode(err error, code MachineErrorCode) bool {
	var me *MachineError
	if errors.As(err, &me) {
		return me.Code == code
	}
	return false
}

// NewTypeMismatchError creates a MachineError for a popped value of the
// wrong type. producer is the index of the instruction that pushed it.
func NewTypeMismatchError(value any, producer int, want string) *MachineError {
	return &MachineError{
		Code:    ErrCodeTypeMismatch,
		Message: fmt.Sprintf("unexpected type of %s inserted at %d, expected %s", describe(value), producer, want),
	}
}

// NewUnknownOpcodeError creates a MachineError for an unsupported opcode.
func NewUnknownOpcodeError(opcode string) *MachineError {
	return &MachineError{
		Code:    ErrCodeUnknownOpcode,
		Message: fmt.Sprintf("unsupported opcode %s", opcode),
	}
}

// NewStackUnderflowError creates a MachineError for a pop from an empty stack.
func NewStackUnderflowError() *MachineError {
	return &MachineError{
		Code:    ErrCodeStackUnderflow,
		Message: "pop when stack is empty",
	}
}

// NewAssertionError creates a MachineError for a violated operand contract.
func NewAssertionError(format string, args ...any) *MachineError {
	return &MachineError{
		Code:    ErrCodeAssertion,
		Message: fmt.Sprintf(format, args...),
	}
}

// located returns err as a MachineError annotated with the failing
// instruction.
func located(err error, thread []byte, instruction int, opcode string) *MachineError {
	var me *MachineError
	if !errors.As(err, &me) {
		me = &MachineError{Code: ErrCodeUnhandled, Message: err.Error(), Err: err}
	}
	out := *me
	out.Thread = append([]byte(nil), thread...)
	out.Instruction = instruction
	out.Opcode = opcode
	return &out
}
