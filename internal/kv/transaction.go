package kv

import (
	"bytes"
	"context"
	"encoding/binary"
	"sort"
	"sync"
	"time"
)

// ReadTransaction is the read surface shared by transactions and their
// snapshot views.
type ReadTransaction interface {
	Get(key []byte) ([]byte, error)
	GetKey(sel KeySelector) ([]byte, error)
	GetRange(r SelectorRange, opts RangeOptions) ([]KeyValue, error)
	GetReadVersion() (int64, error)
	GetEstimatedRangeSizeBytes(r KeyRange) (int64, error)
	GetRangeSplitPoints(r KeyRange, chunkSize int64) ([][]byte, error)
	Snapshot() Snapshot
	ReadTransactor
}

// ReadTransactor runs read-only work against a database, a transaction or
// a snapshot.
type ReadTransactor interface {
	ReadTransact(fn func(ReadTransaction) (any, error)) (any, error)
}

// Transactor runs read-write work. A Database commits and retries; a
// Transaction runs fn in place.
type Transactor interface {
	Transact(fn func(*Transaction) (any, error)) (any, error)
	ReadTransactor
}

const (
	initialBackoff = 10 * time.Millisecond
	maxBackoff     = time.Second
)

type mutationKind int

const (
	mutSet mutationKind = iota + 1
	mutClear
	mutClearRange
	mutAtomic
)

type mutation struct {
	kind  mutationKind
	op    MutationType
	key   []byte
	end   []byte
	param []byte
}

// touches reports whether m can change the value of key as seen by reads.
// Versionstamped mutations target keys that are unknown until commit and
// are invisible to reads.
func (m mutation) touches(key []byte) bool {
	switch m.kind {
	case mutClearRange:
		return KeyRange{Begin: m.key, End: m.end}.Contains(key)
	case mutAtomic:
		if m.op == MutationSetVersionstampedKey || m.op == MutationSetVersionstampedValue {
			return false
		}
	}
	return bytes.Equal(m.key, key)
}

func (m mutation) apply(value []byte, present bool) ([]byte, bool) {
	switch m.kind {
	case mutSet:
		return m.param, true
	case mutClear, mutClearRange:
		return nil, false
	default:
		return applyAtomic(m.op, value, present, m.param)
	}
}

// Transaction is a read-your-writes transaction. Reads observe the
// database at a single read version overlaid with the transaction's own
// uncommitted writes.
//
// Thread-safety: Transaction is safe for concurrent use; operations are
// serialized.
type Transaction struct {
	db *Database
	mu sync.Mutex

	readVersion    int64
	hasReadVersion bool

	mutations      []mutation
	readConflicts  []KeyRange
	writeConflicts []KeyRange
	size           int

	nextWriteNoConflict bool
	debugID             string
	logTransaction      bool

	committed        bool
	cancelled        bool
	committedVersion int64
	versionstamp     *Future[[]byte]
	backoff          time.Duration
}

// TransactionOption configures a new transaction.
type TransactionOption func(*Transaction)

// WithDebugIdentifier tags the transaction for transaction logging.
func WithDebugIdentifier(id string) TransactionOption {
	return func(tr *Transaction) {
		tr.debugID = id
	}
}

// WithLogTransaction enables per-operation debug logging.
func WithLogTransaction() TransactionOption {
	return func(tr *Transaction) {
		tr.logTransaction = true
	}
}

// Options returns a setter for per-transaction options.
func (tr *Transaction) Options() TransactionOptions {
	return TransactionOptions{tr: tr}
}

// TransactionOptions sets options on a live transaction.
type TransactionOptions struct {
	tr *Transaction
}

// SetNextWriteNoWriteConflictRange suppresses the write conflict range of
// the next write only.
func (o TransactionOptions) SetNextWriteNoWriteConflictRange() {
	o.tr.mu.Lock()
	defer o.tr.mu.Unlock()
	o.tr.nextWriteNoConflict = true
}

// SetDebugTransactionIdentifier tags the transaction for logging.
func (o TransactionOptions) SetDebugTransactionIdentifier(id string) error {
	if len(id) > 100 {
		return newError(CodeInvalidOptionValue)
	}
	o.tr.mu.Lock()
	defer o.tr.mu.Unlock()
	o.tr.debugID = id
	return nil
}

// SetLogTransaction logs every operation of the transaction at debug level.
// A debug identifier must be set first.
func (o TransactionOptions) SetLogTransaction() error {
	o.tr.mu.Lock()
	defer o.tr.mu.Unlock()
	if o.tr.debugID == "" {
		return newError(CodeClientInvalidOperation)
	}
	o.tr.logTransaction = true
	return nil
}

// reset returns the transaction to its initial state. Options set at
// creation survive; the caller must hold mu or own tr exclusively.
func (tr *Transaction) reset() {
	if tr.versionstamp != nil {
		tr.versionstamp.resolve(nil, newError(CodeTransactionCancelled))
	}
	tr.readVersion = 0
	tr.hasReadVersion = false
	tr.mutations = nil
	tr.readConflicts = nil
	tr.writeConflicts = nil
	tr.size = 0
	tr.nextWriteNoConflict = false
	tr.committed = false
	tr.cancelled = false
	tr.committedVersion = -1
	tr.versionstamp = NewFuture[[]byte]()
}

func (tr *Transaction) trace(op string, args ...any) {
	if tr.logTransaction {
		tr.db.logger.Debug("transaction "+op, append([]any{"debug_id", tr.debugID}, args...)...)
	}
}

// usable reports whether the transaction accepts further operations.
func (tr *Transaction) usable() error {
	if tr.cancelled {
		return newError(CodeTransactionCancelled)
	}
	if tr.committed {
		return newError(CodeUsedDuringCommit)
	}
	return nil
}

// Transact runs fn against tr without committing.
func (tr *Transaction) Transact(fn func(*Transaction) (any, error)) (any, error) {
	return fn(tr)
}

// ReadTransact runs fn against tr.
func (tr *Transaction) ReadTransact(fn func(ReadTransaction) (any, error)) (any, error) {
	return fn(tr)
}

// Snapshot returns a view whose reads do not add read conflict ranges.
func (tr *Transaction) Snapshot() Snapshot {
	return Snapshot{tr: tr}
}

// GetReadVersion returns the version reads are served at, acquiring it on
// first use.
func (tr *Transaction) GetReadVersion() (int64, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if err := tr.usable(); err != nil {
		return 0, err
	}
	return tr.ensureReadVersion(), nil
}

func (tr *Transaction) ensureReadVersion() int64 {
	if !tr.hasReadVersion {
		tr.readVersion = tr.db.readVersion()
		tr.hasReadVersion = true
	}
	return tr.readVersion
}

// SetReadVersion pins the read version. Reads fail with future_version or
// transaction_too_old if v is not servable.
func (tr *Transaction) SetReadVersion(v int64) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.readVersion = v
	tr.hasReadVersion = true
}

// beginRead validates state and returns the read version.
func (tr *Transaction) beginRead() (int64, error) {
	if err := tr.usable(); err != nil {
		return 0, err
	}
	rv := tr.ensureReadVersion()
	if err := tr.db.checkReadVersion(rv); err != nil {
		return 0, err
	}
	return rv, nil
}

// Get returns the value of key, or nil if it is absent.
func (tr *Transaction) Get(key []byte) ([]byte, error) {
	return tr.get(key, false)
}

func (tr *Transaction) get(key []byte, snapshot bool) ([]byte, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if err := validateReadKey(key); err != nil {
		return nil, err
	}
	rv, err := tr.beginRead()
	if err != nil {
		return nil, err
	}
	if !snapshot {
		tr.readConflicts = append(tr.readConflicts, KeyRange{Begin: clone(key), End: keyAfter(key)})
	}
	v, ok, err := tr.valueAt(rv, key)
	if err != nil {
		return nil, err
	}
	tr.trace("get", "key", key, "present", ok)
	if !ok {
		return nil, nil
	}
	return v, nil
}

// valueAt folds the transaction's writes onto the stored value of key.
func (tr *Transaction) valueAt(rv int64, key []byte) ([]byte, bool, error) {
	v, ok, err := tr.db.engine.Get(rv, key)
	if err != nil {
		return nil, false, err
	}
	for _, m := range tr.mutations {
		if m.touches(key) {
			v, ok = m.apply(v, ok)
		}
	}
	if ok && v == nil {
		v = []byte{}
	}
	return v, ok, nil
}

// scan returns rows in [begin, end) as seen by the transaction.
func (tr *Transaction) scan(rv int64, begin, end []byte, limit int, reverse bool) ([]KeyValue, error) {
	if bytes.Compare(begin, end) >= 0 {
		return nil, nil
	}
	r := KeyRange{Begin: begin, End: end}
	dirty := false
	for _, m := range tr.mutations {
		if m.kind == mutClearRange && r.intersects(KeyRange{Begin: m.key, End: m.end}) {
			dirty = true
		} else if m.kind != mutClearRange && r.Contains(m.key) {
			dirty = true
		}
		if dirty {
			break
		}
	}
	if !dirty {
		return tr.db.engine.Scan(rv, begin, end, limit, reverse)
	}

	stored, err := tr.db.engine.Scan(rv, begin, end, 0, false)
	if err != nil {
		return nil, err
	}
	candidates := make(map[string][]byte, len(stored))
	present := make(map[string]bool, len(stored))
	for _, kv := range stored {
		candidates[string(kv.Key)] = kv.Value
		present[string(kv.Key)] = true
	}
	for _, m := range tr.mutations {
		if m.kind != mutClearRange && r.Contains(m.key) {
			if _, seen := candidates[string(m.key)]; !seen {
				candidates[string(m.key)] = nil
			}
		}
	}

	rows := make([]KeyValue, 0, len(candidates))
	for k, v := range candidates {
		key := []byte(k)
		ok := present[k]
		for _, m := range tr.mutations {
			if m.touches(key) {
				v, ok = m.apply(v, ok)
			}
		}
		if ok {
			if v == nil {
				v = []byte{}
			}
			rows = append(rows, KeyValue{Key: key, Value: v})
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		c := bytes.Compare(rows[i].Key, rows[j].Key)
		if reverse {
			return c > 0
		}
		return c < 0
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

// resolveSelector finds the key a selector names, clamped to
// ["", "\xff"].
func (tr *Transaction) resolveSelector(rv int64, sel KeySelector) ([]byte, error) {
	if sel.Offset >= 1 {
		begin := sel.Key
		if sel.OrEqual {
			begin = keyAfter(sel.Key)
		}
		rows, err := tr.scan(rv, begin, systemKeyPrefix, sel.Offset, false)
		if err != nil {
			return nil, err
		}
		if len(rows) < sel.Offset {
			return clone(systemKeyPrefix), nil
		}
		return rows[sel.Offset-1].Key, nil
	}
	end := sel.Key
	if sel.OrEqual {
		end = keyAfter(sel.Key)
	}
	n := 1 - sel.Offset
	rows, err := tr.scan(rv, []byte{}, clampEnd(end), n, true)
	if err != nil {
		return nil, err
	}
	if len(rows) < n {
		return []byte{}, nil
	}
	return rows[n-1].Key, nil
}

// GetKey resolves a key selector.
func (tr *Transaction) GetKey(sel KeySelector) ([]byte, error) {
	return tr.getKey(sel, false)
}

func (tr *Transaction) getKey(sel KeySelector, snapshot bool) ([]byte, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(sel.Key) > MaxKeySize+1 {
		return nil, newError(CodeKeyTooLarge)
	}
	rv, err := tr.beginRead()
	if err != nil {
		return nil, err
	}
	key, err := tr.resolveSelector(rv, sel)
	if err != nil {
		return nil, err
	}
	if !snapshot {
		lo, hi := sel.Key, key
		if bytes.Compare(lo, hi) > 0 {
			lo, hi = hi, lo
		}
		tr.readConflicts = append(tr.readConflicts, KeyRange{Begin: clone(lo), End: keyAfter(hi)})
	}
	tr.trace("get_key", "key", sel.Key, "or_equal", sel.OrEqual, "offset", sel.Offset, "result", key)
	return key, nil
}

// GetRange reads the rows between two resolved selectors.
func (tr *Transaction) GetRange(r SelectorRange, opts RangeOptions) ([]KeyValue, error) {
	return tr.getRange(r, opts, false)
}

func (tr *Transaction) getRange(r SelectorRange, opts RangeOptions, snapshot bool) ([]KeyValue, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if opts.Limit < 0 {
		return nil, newError(CodeRangeLimitsInvalid)
	}
	if !opts.Mode.valid() {
		return nil, newError(CodeClientInvalidOperation)
	}
	rv, err := tr.beginRead()
	if err != nil {
		return nil, err
	}
	begin, err := tr.resolveSelector(rv, r.Begin)
	if err != nil {
		return nil, err
	}
	end, err := tr.resolveSelector(rv, r.End)
	if err != nil {
		return nil, err
	}
	end = clampEnd(end)
	if bytes.Compare(begin, end) >= 0 {
		return nil, nil
	}
	rows, err := tr.scan(rv, begin, end, opts.Limit, opts.Reverse)
	if err != nil {
		return nil, err
	}
	if !snapshot {
		cr := KeyRange{Begin: begin, End: end}
		if opts.Limit > 0 && len(rows) == opts.Limit {
			last := rows[len(rows)-1].Key
			if opts.Reverse {
				cr.Begin = last
			} else {
				cr.End = keyAfter(last)
			}
		}
		tr.readConflicts = append(tr.readConflicts, cr)
	}
	tr.trace("get_range", "begin", begin, "end", end, "rows", len(rows))
	return rows, nil
}

// GetEstimatedRangeSizeBytes estimates the stored size of a range.
func (tr *Transaction) GetEstimatedRangeSizeBytes(r KeyRange) (int64, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	rv, err := tr.beginRead()
	if err != nil {
		return 0, err
	}
	rows, err := tr.db.engine.Scan(rv, r.Begin, clampEnd(r.End), 0, false)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, kv := range rows {
		n += int64(len(kv.Key) + len(kv.Value))
	}
	return n, nil
}

// GetRangeSplitPoints returns keys dividing r into chunks of roughly
// chunkSize bytes. The first point is r.Begin and the last r.End.
func (tr *Transaction) GetRangeSplitPoints(r KeyRange, chunkSize int64) ([][]byte, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if chunkSize <= 0 {
		return nil, newError(CodeInvalidOptionValue)
	}
	rv, err := tr.beginRead()
	if err != nil {
		return nil, err
	}
	rows, err := tr.db.engine.Scan(rv, r.Begin, clampEnd(r.End), 0, false)
	if err != nil {
		return nil, err
	}
	points := [][]byte{clone(r.Begin)}
	var acc int64
	for _, kv := range rows {
		if acc >= chunkSize && !bytes.Equal(kv.Key, points[len(points)-1]) {
			points = append(points, clone(kv.Key))
			acc = 0
		}
		acc += int64(len(kv.Key) + len(kv.Value))
	}
	return append(points, clone(r.End)), nil
}

// addWrite records a mutation and its write conflict range.
func (tr *Transaction) addWrite(m mutation, conflict KeyRange) error {
	if err := tr.usable(); err != nil {
		return err
	}
	tr.mutations = append(tr.mutations, m)
	tr.size += len(m.key) + len(m.end) + len(m.param)
	if tr.nextWriteNoConflict {
		tr.nextWriteNoConflict = false
	} else if conflict.Begin != nil {
		tr.writeConflicts = append(tr.writeConflicts, conflict)
	}
	return nil
}

// Set writes value at key.
func (tr *Transaction) Set(key, value []byte) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if err := validateWriteKey(key); err != nil {
		return err
	}
	if err := validateValue(value); err != nil {
		return err
	}
	tr.trace("set", "key", key)
	return tr.addWrite(mutation{kind: mutSet, key: clone(key), param: clone(value)},
		KeyRange{Begin: clone(key), End: keyAfter(key)})
}

// Clear removes key.
func (tr *Transaction) Clear(key []byte) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if err := validateWriteKey(key); err != nil {
		return err
	}
	tr.trace("clear", "key", key)
	return tr.addWrite(mutation{kind: mutClear, key: clone(key)},
		KeyRange{Begin: clone(key), End: keyAfter(key)})
}

// ClearRange removes every key in [begin, end).
func (tr *Transaction) ClearRange(begin, end []byte) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if err := validateRange(begin, end); err != nil {
		return err
	}
	tr.trace("clear_range", "begin", begin, "end", end)
	r := KeyRange{Begin: clone(begin), End: clone(end)}
	return tr.addWrite(mutation{kind: mutClearRange, key: r.Begin, end: r.End}, r)
}

func validateRange(begin, end []byte) error {
	if len(begin) > MaxKeySize || len(end) > MaxKeySize+1 {
		return newError(CodeKeyTooLarge)
	}
	if bytes.Compare(begin, systemKeyPrefix) > 0 || bytes.Compare(end, systemKeyPrefix) > 0 {
		return newError(CodeKeyOutsideLegalRange)
	}
	if bytes.Compare(begin, end) > 0 {
		return newError(CodeInvertedRange)
	}
	return nil
}

// Atomic queues an atomic mutation of key with param.
func (tr *Transaction) Atomic(op MutationType, key, param []byte) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if !op.valid() {
		return newError(CodeInvalidMutationType)
	}
	if err := validateValue(param); err != nil {
		return err
	}
	var conflict KeyRange
	switch op {
	case MutationSetVersionstampedKey:
		if err := checkStampOffset(key); err != nil {
			return err
		}
		if len(key)-4 > MaxKeySize {
			return newError(CodeKeyTooLarge)
		}
	case MutationSetVersionstampedValue:
		if err := checkStampOffset(param); err != nil {
			return err
		}
		if err := validateWriteKey(key); err != nil {
			return err
		}
		conflict = KeyRange{Begin: clone(key), End: keyAfter(key)}
	default:
		if err := validateWriteKey(key); err != nil {
			return err
		}
		conflict = KeyRange{Begin: clone(key), End: keyAfter(key)}
	}
	tr.trace("atomic", "op", int(op), "key", key)
	return tr.addWrite(mutation{kind: mutAtomic, op: op, key: clone(key), param: clone(param)}, conflict)
}

// checkStampOffset validates the trailing little-endian offset of a
// versionstamped parameter.
func checkStampOffset(b []byte) error {
	if len(b) < 4 {
		return newError(CodeClientInvalidOperation)
	}
	off := int(binary.LittleEndian.Uint32(b[len(b)-4:]))
	if off+10 > len(b)-4 {
		return newError(CodeClientInvalidOperation)
	}
	return nil
}

// fillStamp replaces the placeholder named by b's trailing offset with
// stamp and drops the offset.
func fillStamp(b, stamp []byte) []byte {
	body := clone(b[:len(b)-4])
	off := int(binary.LittleEndian.Uint32(b[len(b)-4:]))
	copy(body[off:off+10], stamp)
	return body
}

// AddReadConflictRange adds [begin, end) to the read conflict set.
func (tr *Transaction) AddReadConflictRange(begin, end []byte) error {
	return tr.addConflict(begin, end, false)
}

// AddReadConflictKey adds key to the read conflict set.
func (tr *Transaction) AddReadConflictKey(key []byte) error {
	return tr.addConflict(key, keyAfter(key), false)
}

// AddWriteConflictRange adds [begin, end) to the write conflict set.
func (tr *Transaction) AddWriteConflictRange(begin, end []byte) error {
	return tr.addConflict(begin, end, true)
}

// AddWriteConflictKey adds key to the write conflict set.
func (tr *Transaction) AddWriteConflictKey(key []byte) error {
	return tr.addConflict(key, keyAfter(key), true)
}

func (tr *Transaction) addConflict(begin, end []byte, write bool) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if err := tr.usable(); err != nil {
		return err
	}
	if err := validateRange(begin, end); err != nil {
		return err
	}
	r := KeyRange{Begin: clone(begin), End: clone(end)}
	if write {
		tr.writeConflicts = append(tr.writeConflicts, r)
	} else {
		tr.readConflicts = append(tr.readConflicts, r)
	}
	tr.size += len(begin) + len(end)
	return nil
}

// GetApproximateSize returns the byte size of the mutations and conflict
// ranges accumulated so far.
func (tr *Transaction) GetApproximateSize() (int64, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if err := tr.usable(); err != nil {
		return 0, err
	}
	n := tr.size
	for _, r := range tr.readConflicts {
		n += len(r.Begin) + len(r.End)
	}
	return int64(n), nil
}

// GetVersionstamp returns a future resolved with the 10-byte versionstamp
// once the transaction commits.
func (tr *Transaction) GetVersionstamp() *Future[[]byte] {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.versionstamp
}

// GetCommittedVersion returns the commit version, or -1 if the transaction
// has not committed or was read-only.
func (tr *Transaction) GetCommittedVersion() (int64, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.committedVersion, nil
}

// Commit applies the transaction's writes if none of its reads were
// invalidated by a later commit.
func (tr *Transaction) Commit() error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if err := tr.usable(); err != nil {
		return err
	}
	if tr.size > MaxTransactionSize {
		return newError(CodeTransactionTooLarge)
	}
	if len(tr.mutations) == 0 && len(tr.writeConflicts) == 0 {
		tr.committed = true
		tr.versionstamp.resolve(nil, newError(CodeNoCommitVersion))
		tr.trace("commit", "read_only", true)
		return nil
	}
	rv := tr.ensureReadVersion()
	var stamp []byte
	version, err := tr.db.commit(rv, tr.readConflicts, tr.writeConflicts, func(latest, version int64) (Batch, error) {
		stamp = versionstampFor(version)
		return tr.buildBatch(latest, stamp)
	})
	if err != nil {
		if kerr, ok := AsError(err); ok {
			tr.versionstamp.resolve(nil, kerr)
		}
		tr.trace("commit", "error", err)
		return err
	}
	tr.committed = true
	tr.committedVersion = version
	tr.versionstamp.resolve(stamp, nil)
	tr.trace("commit", "version", version)
	return nil
}

// versionstampFor encodes a commit version as a 10-byte versionstamp: the
// big-endian version followed by a zero batch index.
func versionstampFor(version int64) []byte {
	b := binary.BigEndian.AppendUint64(make([]byte, 0, 10), uint64(version))
	return append(b, 0, 0)
}

type pointState struct {
	value   []byte
	present bool
}

// buildBatch reduces the mutation log to the writes applied at commit.
// Atomic operations read their operand at latest, the newest committed
// version.
func (tr *Transaction) buildBatch(latest int64, stamp []byte) (Batch, error) {
	var batch Batch
	points := make(map[string]*pointState)
	var order []string

	cleared := func(key []byte) bool {
		for _, c := range batch.Clears {
			if c.Contains(key) {
				return true
			}
		}
		return false
	}
	state := func(key []byte) (*pointState, error) {
		if p, ok := points[string(key)]; ok {
			return p, nil
		}
		p := &pointState{}
		if !cleared(key) {
			v, ok, err := tr.db.engine.Get(latest, key)
			if err != nil {
				return nil, err
			}
			p.value, p.present = v, ok
		}
		points[string(key)] = p
		order = append(order, string(key))
		return p, nil
	}

	for _, m := range tr.mutations {
		switch {
		case m.kind == mutClearRange:
			batch.Clears = append(batch.Clears, KeyRange{Begin: m.key, End: m.end})
			for k, p := range points {
				if (KeyRange{Begin: m.key, End: m.end}).Contains([]byte(k)) {
					p.value, p.present = nil, false
				}
			}
		case m.kind == mutAtomic && m.op == MutationSetVersionstampedKey:
			key := fillStamp(m.key, stamp)
			if err := validateWriteKey(key); err != nil {
				return Batch{}, err
			}
			p, err := state(key)
			if err != nil {
				return Batch{}, err
			}
			p.value, p.present = m.param, true
		case m.kind == mutAtomic && m.op == MutationSetVersionstampedValue:
			p, err := state(m.key)
			if err != nil {
				return Batch{}, err
			}
			p.value, p.present = fillStamp(m.param, stamp), true
		default:
			p, err := state(m.key)
			if err != nil {
				return Batch{}, err
			}
			p.value, p.present = m.apply(p.value, p.present)
		}
	}

	sort.Strings(order)
	for _, k := range order {
		p := points[k]
		if p.present {
			v := p.value
			if v == nil {
				v = []byte{}
			}
			batch.Writes = append(batch.Writes, Write{Key: []byte(k), Value: v})
		} else {
			batch.Writes = append(batch.Writes, Write{Key: []byte(k), Delete: true})
		}
	}
	return batch, nil
}

// Reset discards all state, including options.
func (tr *Transaction) Reset() {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.reset()
	tr.debugID = ""
	tr.logTransaction = false
	tr.backoff = 0
}

// Cancel aborts the transaction. Outstanding and future operations fail
// with transaction_cancelled until Reset.
func (tr *Transaction) Cancel() {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.cancelled = true
	tr.versionstamp.resolve(nil, newError(CodeTransactionCancelled))
}

// OnError handles an error from a previous operation. For retryable codes
// it waits out a backoff, resets the transaction and returns nil; otherwise
// it returns the error unchanged.
func (tr *Transaction) OnError(code int) error {
	return tr.onError(context.Background(), code)
}

// OnErrorContext is OnError with cancellation of the backoff wait.
func (tr *Transaction) OnErrorContext(ctx context.Context, code int) error {
	return tr.onError(ctx, code)
}

func (tr *Transaction) onError(ctx context.Context, code int) error {
	if !IsRetryable(code) {
		return newError(code)
	}
	tr.mu.Lock()
	delay := tr.backoff
	if delay == 0 {
		delay = initialBackoff
	}
	tr.backoff = min(delay*2, maxBackoff)
	tr.mu.Unlock()

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return ctx.Err()
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.reset()
	tr.trace("on_error", "code", code, "backoff", delay)
	return nil
}
