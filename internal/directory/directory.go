// Package directory maps human-readable paths to short, allocated key
// prefixes.
//
// A directory layer keeps its metadata in a node subspace (0xFE by default)
// and hands out content prefixes from a high-contention allocator. Each
// directory is also a subspace rooted at its prefix. A directory created
// with the layer "partition" owns a nested directory layer and isolates
// its descendants' prefixes under its own.
//
// Operations take a kv.Transactor or kv.ReadTransactor: a Database runs
// them in a retried transaction of their own, a Transaction runs them in
// place.
package directory

import (
	"errors"

	"github.com/roach88/bindingtester/internal/kv"
	"github.com/roach88/bindingtester/internal/subspace"
	"github.com/roach88/bindingtester/internal/tuple"
)

// Directory is a node in the directory tree. Path arguments are relative
// to the directory they are called on.
type Directory interface {
	// CreateOrOpen opens the directory at path, creating it and any
	// missing parents. A non-empty layer must match an existing
	// directory's layer and is recorded on a new one.
	CreateOrOpen(t kv.Transactor, path []string, layer []byte) (DirectorySubspace, error)

	// Open opens an existing directory.
	Open(rt kv.ReadTransactor, path []string, layer []byte) (DirectorySubspace, error)

	// Create creates a directory that must not already exist.
	Create(t kv.Transactor, path []string, layer []byte) (DirectorySubspace, error)

	// CreatePrefix is Create with a caller-chosen prefix. The layer must
	// allow manual prefixes.
	CreatePrefix(t kv.Transactor, path []string, layer []byte, prefix []byte) (DirectorySubspace, error)

	// Move renames oldPath to newPath. Prefixes do not change.
	Move(t kv.Transactor, oldPath []string, newPath []string) (DirectorySubspace, error)

	// MoveTo moves this directory to an absolute path within its
	// partition.
	MoveTo(t kv.Transactor, newAbsolutePath []string) (DirectorySubspace, error)

	// Remove deletes the directory at path with its contents and
	// subdirectories. It fails if the directory does not exist.
	Remove(t kv.Transactor, path []string) (bool, error)

	// RemoveIfExists is Remove that reports false for a missing
	// directory instead of failing.
	RemoveIfExists(t kv.Transactor, path []string) (bool, error)

	// Exists reports whether the directory at path exists.
	Exists(rt kv.ReadTransactor, path []string) (bool, error)

	// List returns the names of the immediate subdirectories of path.
	List(rt kv.ReadTransactor, path []string) ([]string, error)

	// GetLayer returns the layer recorded at creation.
	GetLayer() []byte

	// GetPath returns the absolute path.
	GetPath() []string
}

// DirectorySubspace is an opened directory; it is also the subspace of
// its contents.
type DirectorySubspace interface {
	subspace.Subspace
	Directory

	// IsPartition reports whether the directory is a partition. The
	// contents of a partition belong to its nested directory layer and
	// must not be written through it as a subspace.
	IsPartition() bool
}

// Errors returned by directory operations.
var (
	ErrCannotOpenRoot          = errors.New("directory: the root directory cannot be opened")
	ErrCannotRemoveRoot        = errors.New("directory: the root directory cannot be removed")
	ErrCannotMoveRoot          = errors.New("directory: the root directory cannot be moved")
	ErrDirAlreadyExists        = errors.New("directory: the directory already exists")
	ErrDirNotExists            = errors.New("directory: the directory does not exist")
	ErrIncompatibleLayer       = errors.New("directory: the directory was created with an incompatible layer")
	ErrManualPrefixesDisabled  = errors.New("directory: cannot specify a prefix unless manual prefixes are enabled")
	ErrPrefixInPartition       = errors.New("directory: cannot specify a prefix in a partition")
	ErrPrefixInUse             = errors.New("directory: the given prefix is already in use")
	ErrPrefixHasKeys           = errors.New("directory: the database has keys stored at the prefix chosen by the automatic prefix allocator")
	ErrPrefixConflict          = errors.New("directory: manually allocated prefixes conflict with the automatic prefix allocator")
	ErrCrossPartitionMove      = errors.New("directory: cannot move between partitions")
	ErrDestinationInsideSource = errors.New("directory: the destination directory cannot be a subdirectory of the source directory")
	ErrParentNotExists         = errors.New("directory: the parent of the destination directory does not exist")
	ErrPartitionSubspace       = errors.New("directory: cannot use a directory partition as a subspace")
	ErrIncompatibleVersion     = errors.New("directory: incompatible directory layer version")
	ErrReadOnlyVersion         = errors.New("directory: directory layer version is read-only")
)

var (
	partitionLayer = []byte("partition")
	layerKey       = []byte("layer")
	versionKey     = []byte("version")
	hcaKey         = []byte("hca")
)

const subdirs = 0

// Layer version written to and checked against the root node.
const (
	majorVersion = 1
	minorVersion = 0
	microVersion = 0
)

var root = NewDirectoryLayer(subspace.FromBytes([]byte{0xfe}), subspace.AllKeys(), false)

// Root returns the default directory layer: metadata under 0xFE, content
// prefixes allocated from the whole key space.
func Root() Directory {
	return root
}

// CreateOrOpen opens or creates path under the default directory layer.
func CreateOrOpen(t kv.Transactor, path []string, layer []byte) (DirectorySubspace, error) {
	return root.CreateOrOpen(t, path, layer)
}

// Open opens path under the default directory layer.
func Open(rt kv.ReadTransactor, path []string, layer []byte) (DirectorySubspace, error) {
	return root.Open(rt, path, layer)
}

// Exists reports whether path exists under the default directory layer.
func Exists(rt kv.ReadTransactor, path []string) (bool, error) {
	return root.Exists(rt, path)
}

// List lists path under the default directory layer.
func List(rt kv.ReadTransactor, path []string) ([]string, error) {
	return root.List(rt, path)
}

// IsRootLayer reports whether d is a directory layer rather than a
// directory opened from one.
func IsRootLayer(d Directory) bool {
	_, ok := d.(*directoryLayer)
	return ok
}

func hasPathPrefix(path, prefix []string) bool {
	if len(path) < len(prefix) {
		return false
	}
	for i := range prefix {
		if path[i] != prefix[i] {
			return false
		}
	}
	return true
}

func equalPaths(a, b []string) bool {
	return len(a) == len(b) && hasPathPrefix(a, b)
}

func joinPath(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}

// mustPack packs elements whose types are known to be encodable.
func mustPack(ss subspace.Subspace, el ...any) []byte {
	k, err := ss.Pack(tuple.Tuple(el))
	if err != nil {
		panic(err)
	}
	return k
}
