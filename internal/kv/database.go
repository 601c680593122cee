// Package kv is a transactional, ordered key-value client with the
// semantics of the reference store's client library: serializable
// optimistic transactions with read-your-writes, snapshot reads, key
// selectors, atomic mutations, versionstamps and explicit conflict ranges.
//
// Storage is delegated to an Engine (SQLite or Badger); this package owns
// versioning, conflict detection and the transaction state machine.
package kv

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Supported API versions.
const (
	MinAPIVersion = 520
	MaxAPIVersion = 730
)

// Versions advance with wall-clock time at this rate, and reads older than
// maxReadVersionLag versions behind the latest commit fail with
// transaction_too_old.
const (
	versionsPerSecond = 1_000_000
	maxReadVersionLag = 5 * versionsPerSecond
)

// Database is a handle to an engine-backed store.
//
// Thread-safety: Database is safe for concurrent use. Commits are
// serialized internally.
type Database struct {
	engine     Engine
	apiVersion int
	oracle     *versionOracle
	logger     *slog.Logger

	commitMu sync.Mutex
	recent   []commitRecord // ascending by version
}

type commitRecord struct {
	version int64
	writes  []KeyRange
}

// DatabaseOption configures a Database.
type DatabaseOption func(*Database)

// WithLogger sets the logger used for transaction logging.
func WithLogger(l *slog.Logger) DatabaseOption {
	return func(d *Database) {
		d.logger = l
	}
}

// WithClock overrides the time source that drives version assignment.
func WithClock(now func() time.Time) DatabaseOption {
	return func(d *Database) {
		d.oracle.now = now
	}
}

// Open returns a Database over engine for the given client API version.
func Open(engine Engine, apiVersion int, opts ...DatabaseOption) (*Database, error) {
	if apiVersion < MinAPIVersion || apiVersion > MaxAPIVersion {
		return nil, fmt.Errorf("api version %d outside [%d, %d]: %w",
			apiVersion, MinAPIVersion, MaxAPIVersion, newError(CodeAPIVersionNotSupported))
	}
	latest, err := engine.LatestVersion()
	if err != nil {
		return nil, fmt.Errorf("read latest version: %w", err)
	}
	d := &Database{
		engine:     engine,
		apiVersion: apiVersion,
		oracle:     newVersionOracle(latest),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.oracle.Current() == 0 {
		d.oracle.publish(d.oracle.now().UnixMicro())
	}
	return d, nil
}

// APIVersion returns the client API version the database was opened with.
func (d *Database) APIVersion() int {
	return d.apiVersion
}

// Close closes the underlying engine.
func (d *Database) Close() error {
	return d.engine.Close()
}

// CreateTransaction starts a new transaction.
func (d *Database) CreateTransaction(opts ...TransactionOption) *Transaction {
	tr := &Transaction{db: d}
	tr.reset()
	for _, opt := range opts {
		opt(tr)
	}
	return tr
}

// Transact runs fn in a transaction and commits it, retrying on retryable
// errors.
func (d *Database) Transact(fn func(*Transaction) (any, error)) (any, error) {
	return d.TransactContext(context.Background(), fn)
}

// TransactContext is Transact with cancellation of the retry backoff.
func (d *Database) TransactContext(ctx context.Context, fn func(*Transaction) (any, error)) (any, error) {
	tr := d.CreateTransaction()
	for {
		ret, err := fn(tr)
		if err == nil {
			err = tr.Commit()
		}
		if err == nil {
			return ret, nil
		}
		kerr, ok := AsError(err)
		if !ok {
			return nil, err
		}
		if err := tr.onError(ctx, kerr.Code); err != nil {
			return nil, err
		}
	}
}

// ReadTransact runs fn in a transaction without committing it, retrying on
// retryable errors.
func (d *Database) ReadTransact(fn func(ReadTransaction) (any, error)) (any, error) {
	tr := d.CreateTransaction()
	for {
		ret, err := fn(tr)
		if err == nil {
			return ret, nil
		}
		kerr, ok := AsError(err)
		if !ok {
			return nil, err
		}
		if err := tr.onError(context.Background(), kerr.Code); err != nil {
			return nil, err
		}
	}
}

// readVersion returns the version a new reader observes.
func (d *Database) readVersion() int64 {
	return d.oracle.Current()
}

// checkReadVersion validates an explicit or cached read version.
func (d *Database) checkReadVersion(v int64) error {
	latest := d.oracle.Current()
	if v > latest {
		return newError(CodeFutureVersion)
	}
	if v < latest-maxReadVersionLag {
		return newError(CodeTransactionTooOld)
	}
	return nil
}

// commit validates tr's read set against commits since its read version,
// then applies batch at a fresh version.
func (d *Database) commit(readVersion int64, reads, writes []KeyRange, build func(latest, version int64) (Batch, error)) (int64, error) {
	d.commitMu.Lock()
	defer d.commitMu.Unlock()

	latest := d.oracle.Current()
	if readVersion < latest-maxReadVersionLag {
		return 0, newError(CodeTransactionTooOld)
	}
	for i := len(d.recent) - 1; i >= 0 && d.recent[i].version > readVersion; i-- {
		if rangesIntersect(reads, d.recent[i].writes) {
			return 0, newError(CodeNotCommitted)
		}
	}

	version := d.oracle.next()
	batch, err := build(latest, version)
	if err != nil {
		return 0, err
	}
	if err := d.engine.Apply(version, batch); err != nil {
		d.logger.Error("apply commit", "version", version, "error", err)
		return 0, fmt.Errorf("apply at version %d: %w", version, newError(CodeCommitUnknownResult))
	}
	d.oracle.publish(version)

	d.recent = append(d.recent, commitRecord{version: version, writes: writes})
	d.trimRecent(version)
	return version, nil
}

// trimRecent drops commits that no live read version can conflict with.
func (d *Database) trimRecent(latest int64) {
	floor := latest - maxReadVersionLag
	i := 0
	for i < len(d.recent) && d.recent[i].version < floor {
		i++
	}
	if i > 0 {
		d.recent = append(d.recent[:0], d.recent[i:]...)
	}
}

func rangesIntersect(a, b []KeyRange) bool {
	for _, x := range a {
		for _, y := range b {
			if x.intersects(y) {
				return true
			}
		}
	}
	return false
}
