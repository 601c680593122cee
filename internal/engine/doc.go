// Package engine implements the binding-tester stack machine.
//
// A test run is a set of instruction threads stored in the database. Each
// thread is a range of keys under pack((prefix,)) whose values are packed
// instruction tuples: an opcode name followed by inline arguments. A Machine
// reads its thread in key order and executes one instruction at a time
// against its value stack.
//
// Opcodes may carry a suffix choosing where they run:
//
//	GET            the current transaction
//	GET_SNAPSHOT   a snapshot view of the current transaction
//	GET_DATABASE   the database, in a transaction of its own
//
// Errors fall into three tiers:
//
//   - store errors (*kv.Error) are pushed as pack(("ERROR", "<code>"))
//   - any failure of a DIRECTORY_ opcode is pushed as DIRECTORY_ERROR
//   - everything else stops the thread with a *MachineError
//
// The Scheduler runs the first thread and every thread started by
// START_THREAD, sharing one transaction registry between them, and returns
// when all have finished.
package engine
