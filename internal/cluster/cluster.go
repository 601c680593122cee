// Package cluster turns a cluster-connection descriptor into an open
// kv.Database.
//
// Descriptors:
//
//	memory            in-memory Badger engine (default)
//	badger-memory     same as memory
//	badger:<dir>      persistent Badger engine rooted at dir
//	sqlite:<path>     SQLite engine at path (":memory:" allowed)
//
// A descriptor naming an existing regular file is read as a cluster file:
// its first non-blank, non-comment line is the descriptor.
package cluster

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/roach88/bindingtester/internal/kv"
	"github.com/roach88/bindingtester/internal/store"
	"github.com/roach88/bindingtester/internal/store/badger"
)

// Kind names a storage engine.
type Kind string

const (
	KindMemory Kind = "memory"
	KindBadger Kind = "badger"
	KindSQLite Kind = "sqlite"
)

// Descriptor is a parsed cluster-connection descriptor.
type Descriptor struct {
	Kind Kind
	Path string
}

// String renders d in the form ParseDescriptor accepts.
func (d Descriptor) String() string {
	if d.Kind == KindMemory {
		return string(KindMemory)
	}
	return string(d.Kind) + ":" + d.Path
}

// ErrUnknownDescriptor is returned for descriptors that name no engine.
var ErrUnknownDescriptor = errors.New("unknown cluster descriptor")

// ParseDescriptor parses s. An empty descriptor selects the in-memory
// engine.
func ParseDescriptor(s string) (Descriptor, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Descriptor{Kind: KindMemory}, nil
	}
	if info, err := os.Stat(s); err == nil && info.Mode().IsRegular() {
		line, err := readClusterFile(s)
		if err != nil {
			return Descriptor{}, err
		}
		return ParseDescriptor(line)
	}

	switch s {
	case "memory", "badger-memory":
		return Descriptor{Kind: KindMemory}, nil
	}
	kind, path, ok := strings.Cut(s, ":")
	if !ok || path == "" {
		return Descriptor{}, fmt.Errorf("%w: %q", ErrUnknownDescriptor, s)
	}
	switch Kind(kind) {
	case KindBadger, KindSQLite:
		return Descriptor{Kind: Kind(kind), Path: path}, nil
	default:
		return Descriptor{}, fmt.Errorf("%w: %q", ErrUnknownDescriptor, s)
	}
}

func readClusterFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open cluster file: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		return line, nil
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("read cluster file: %w", err)
	}
	return "", fmt.Errorf("%w: cluster file %s is empty", ErrUnknownDescriptor, path)
}

// Options configures Open.
type Options struct {
	Logger *slog.Logger
}

// Open parses descriptor, opens the engine it names and returns a database
// for apiVersion. Closing the database closes the engine.
func Open(ctx context.Context, descriptor string, apiVersion int, opts Options) (*kv.Database, error) {
	d, err := ParseDescriptor(descriptor)
	if err != nil {
		return nil, err
	}
	return OpenDescriptor(ctx, d, apiVersion, opts)
}

// OpenDescriptor opens the engine named by d.
func OpenDescriptor(ctx context.Context, d Descriptor, apiVersion int, opts Options) (*kv.Database, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var engine kv.Engine
	switch d.Kind {
	case KindMemory:
		e, err := badger.OpenInMemory()
		if err != nil {
			return nil, err
		}
		engine = e
	case KindBadger:
		cfg := badger.DefaultConfig(d.Path)
		cfg.Logger = logger.With("component", "badger")
		e, err := badger.Open(cfg)
		if err != nil {
			return nil, err
		}
		engine = e
	case KindSQLite:
		s, err := store.Open(d.Path)
		if err != nil {
			return nil, err
		}
		engine = s
	default:
		return nil, fmt.Errorf("%w: kind %q", ErrUnknownDescriptor, d.Kind)
	}

	db, err := kv.Open(engine, apiVersion, kv.WithLogger(logger))
	if err != nil {
		_ = engine.Close()
		return nil, err
	}
	logger.Debug("opened cluster", "descriptor", d.String(), "api_version", apiVersion)
	return db, nil
}
