package engine

import (
	"github.com/roach88/bindingtester/internal/kv"
)

type operandKind int

const (
	operandTransaction operandKind = iota
	operandSnapshot
	operandDatabase
)

func (k operandKind) String() string {
	switch k {
	case operandSnapshot:
		return "snapshot"
	case operandDatabase:
		return "database"
	default:
		return "transaction"
	}
}

// operand is what an opcode runs against: the active transaction, its
// snapshot view, or the whole database. The opcode suffix selects it.
type operand struct {
	kind operandKind
	tr   *kv.Transaction
	db   *kv.Database
}

func (o operand) noTransaction() error {
	return NewAssertionError("no transaction is bound to the current name")
}

// transaction returns the bound transaction. Snapshot operands return the
// transaction they view.
func (o operand) transaction() (*kv.Transaction, error) {
	if o.kind == operandDatabase {
		return nil, NewAssertionError("opcode requires a transaction, not the database")
	}
	if o.tr == nil {
		return nil, o.noTransaction()
	}
	return o.tr, nil
}

// readTransactor returns the target for read-only work.
func (o operand) readTransactor() (kv.ReadTransactor, error) {
	switch o.kind {
	case operandDatabase:
		return o.db, nil
	case operandSnapshot:
		if o.tr == nil {
			return nil, o.noTransaction()
		}
		return o.tr.Snapshot(), nil
	default:
		if o.tr == nil {
			return nil, o.noTransaction()
		}
		return o.tr, nil
	}
}

// transactor returns the target for read-write work. Writes through a
// snapshot operand go to the transaction it views.
func (o operand) transactor() (kv.Transactor, error) {
	if o.kind == operandDatabase {
		return o.db, nil
	}
	if o.tr == nil {
		return nil, o.noTransaction()
	}
	return o.tr, nil
}

// read runs fn against the operand's read view.
func (o operand) read(fn func(kv.ReadTransaction) (any, error)) (any, error) {
	rt, err := o.readTransactor()
	if err != nil {
		return nil, err
	}
	return rt.ReadTransact(fn)
}

// write runs fn against the operand. It reports whether the work ran in a
// database transaction of its own, whose result the caller pushes.
func (o operand) write(fn func(*kv.Transaction) error) (bool, error) {
	t, err := o.transactor()
	if err != nil {
		return false, err
	}
	_, err = t.Transact(func(tr *kv.Transaction) (any, error) {
		return nil, fn(tr)
	})
	return o.kind == operandDatabase, err
}
