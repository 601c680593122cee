package directory

import (
	"fmt"

	"github.com/roach88/bindingtester/internal/kv"
	"github.com/roach88/bindingtester/internal/subspace"
)

// directorySubspace is an opened directory. For a partition, dl is the
// partition's own layer and parentDL the layer that contains it.
type directorySubspace struct {
	subspace.Subspace
	dl       *directoryLayer
	parentDL *directoryLayer
	path     []string
	layer    []byte
}

func newPartition(path []string, prefix []byte, parent *directoryLayer) *directorySubspace {
	inner := newDirectoryLayer(
		subspace.FromBytes(append(append([]byte{}, prefix...), 0xfe)),
		subspace.FromBytes(prefix),
		false,
	)
	inner.path = path
	return &directorySubspace{
		Subspace: subspace.FromBytes(prefix),
		dl:       inner,
		parentDL: parent,
		path:     path,
		layer:    append([]byte{}, partitionLayer...),
	}
}

func (d *directorySubspace) IsPartition() bool {
	return d.parentDL != nil
}

func (d *directorySubspace) GetLayer() []byte {
	return d.layer
}

func (d *directorySubspace) GetPath() []string {
	return append([]string{}, d.path...)
}

func (d *directorySubspace) String() string {
	return fmt.Sprintf("DirectorySubspace(path=%v, prefix=%s)", d.path, d.Subspace)
}

// subpath converts a path relative to d into one relative to layer.
func (d *directorySubspace) subpath(path []string, layer *directoryLayer) []string {
	return joinPath(d.path[len(layer.path):], path)
}

// layerForPath selects the layer that owns path: a partition removes or
// probes itself through its parent.
func (d *directorySubspace) layerForPath(path []string) *directoryLayer {
	if d.IsPartition() && len(path) == 0 {
		return d.parentDL
	}
	return d.dl
}

func (d *directorySubspace) CreateOrOpen(t kv.Transactor, path []string, layer []byte) (DirectorySubspace, error) {
	return d.dl.CreateOrOpen(t, d.subpath(path, d.dl), layer)
}

func (d *directorySubspace) Open(rt kv.ReadTransactor, path []string, layer []byte) (DirectorySubspace, error) {
	return d.dl.Open(rt, d.subpath(path, d.dl), layer)
}

func (d *directorySubspace) Create(t kv.Transactor, path []string, layer []byte) (DirectorySubspace, error) {
	return d.dl.Create(t, d.subpath(path, d.dl), layer)
}

func (d *directorySubspace) CreatePrefix(t kv.Transactor, path []string, layer []byte, prefix []byte) (DirectorySubspace, error) {
	return d.dl.CreatePrefix(t, d.subpath(path, d.dl), layer, prefix)
}

func (d *directorySubspace) Move(t kv.Transactor, oldPath []string, newPath []string) (DirectorySubspace, error) {
	return d.dl.Move(t, d.subpath(oldPath, d.dl), d.subpath(newPath, d.dl))
}

func (d *directorySubspace) MoveTo(t kv.Transactor, newAbsolutePath []string) (DirectorySubspace, error) {
	dl := d.layerForPath(nil)
	n := len(dl.path)
	if !hasPathPrefix(newAbsolutePath, dl.path) {
		return nil, ErrCrossPartitionMove
	}
	return dl.Move(t, d.path[n:], newAbsolutePath[n:])
}

func (d *directorySubspace) Remove(t kv.Transactor, path []string) (bool, error) {
	dl := d.layerForPath(path)
	return dl.Remove(t, d.subpath(path, dl))
}

func (d *directorySubspace) RemoveIfExists(t kv.Transactor, path []string) (bool, error) {
	dl := d.layerForPath(path)
	return dl.RemoveIfExists(t, d.subpath(path, dl))
}

func (d *directorySubspace) Exists(rt kv.ReadTransactor, path []string) (bool, error) {
	dl := d.layerForPath(path)
	return dl.Exists(rt, d.subpath(path, dl))
}

func (d *directorySubspace) List(rt kv.ReadTransactor, path []string) ([]string, error) {
	return d.dl.List(rt, d.subpath(path, d.dl))
}
