// Package harness runs binding-tester scenarios: small instruction programs
// checked against their final stacks and store contents.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: set_and_read
//	description: "SET_DATABASE then GET_DATABASE sees the value"
//	prefix: main
//	setup:
//	  - key: {bytes: seeded}
//	    value: {bytes: "1"}
//	threads:
//	  main:
//	    - [PUSH, {bytes: red}]
//	    - [PUSH, {bytes: apple}]
//	    - [SET_DATABASE]
//	assertions:
//	  - type: key_value
//	    key: {bytes: apple}
//	    value: {bytes: red}
//
// Every thread is stored under pack((name, i)) before the run; the thread
// named by prefix is started first and the others run only if it starts
// them with START_THREAD.
//
// # Operand Values
//
// Plain YAML scalars map to tuple elements: strings to strings, integers to
// integers, floats to doubles, booleans and null as themselves, and lists to
// nested tuples. Tagged maps with exactly one key cover the rest:
//
//	{bytes: "abc"}       byte string
//	{hex: "00ff"}        byte string from hex
//	{int: "-123456789"}  arbitrary-precision integer in decimal
//	{float: 1.5}         single-precision float
//	{uuid: "..."}        UUID
//	{packed: [a, 1]}     packed tuple as a byte string
//	{error: "1020"}      packed ("ERROR", "<code>") marker
//
// # Assertion Types
//
//   - stack: a thread's final stack equals values, bottom first
//   - stack_depth: a thread's final stack holds depth items
//   - key_value: key holds value after the run
//   - key_absent: key is unset after the run
//   - key_count: count keys start with prefix
//   - fatal: the run stopped with a machine error of the given code
//
// Scenario files are checked against an embedded CUE schema before they
// are decoded.
//
// # Deterministic Testing
//
// Each run opens a fresh in-memory Badger engine whose read versions come
// from testutil.DeterministicClock, so identical scenarios produce
// identical stores, stacks and golden snapshots.
package harness
