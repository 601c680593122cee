package directory

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/roach88/bindingtester/internal/kv"
	"github.com/roach88/bindingtester/internal/subspace"
	"github.com/roach88/bindingtester/internal/tuple"
)

type directoryLayer struct {
	nodeSS    subspace.Subspace
	contentSS subspace.Subspace

	allowManualPrefixes bool

	allocator *highContentionAllocator
	rootNode  subspace.Subspace

	// Absolute path of the partition this layer serves; empty for a
	// top-level layer.
	path []string
}

// NewDirectoryLayer returns a directory layer that stores metadata in
// nodeSS and allocates content prefixes within contentSS. Manual prefixes
// passed to CreatePrefix are rejected unless allowManualPrefixes is set.
func NewDirectoryLayer(nodeSS, contentSS subspace.Subspace, allowManualPrefixes bool) Directory {
	return newDirectoryLayer(nodeSS, contentSS, allowManualPrefixes)
}

func newDirectoryLayer(nodeSS, contentSS subspace.Subspace, allowManualPrefixes bool) *directoryLayer {
	rootNode := nodeSS.Sub(nodeSS.Bytes())
	return &directoryLayer{
		nodeSS:              nodeSS,
		contentSS:           contentSS,
		allowManualPrefixes: allowManualPrefixes,
		allocator:           newHCA(rootNode.Sub(hcaKey)),
		rootNode:            rootNode,
		path:                []string{},
	}
}

func (dl *directoryLayer) GetLayer() []byte {
	return []byte{}
}

func (dl *directoryLayer) GetPath() []string {
	return append([]string{}, dl.path...)
}

func (dl *directoryLayer) CreateOrOpen(t kv.Transactor, path []string, layer []byte) (DirectorySubspace, error) {
	return dl.transact(t, func(tr *kv.Transaction) (DirectorySubspace, error) {
		return dl.createOrOpen(tr, tr, path, layer, nil, true, true)
	})
}

func (dl *directoryLayer) Open(rt kv.ReadTransactor, path []string, layer []byte) (DirectorySubspace, error) {
	r, err := rt.ReadTransact(func(rtr kv.ReadTransaction) (any, error) {
		return dl.createOrOpen(rtr, nil, path, layer, nil, false, true)
	})
	if err != nil {
		return nil, err
	}
	return r.(DirectorySubspace), nil
}

func (dl *directoryLayer) Create(t kv.Transactor, path []string, layer []byte) (DirectorySubspace, error) {
	return dl.transact(t, func(tr *kv.Transaction) (DirectorySubspace, error) {
		return dl.createOrOpen(tr, tr, path, layer, nil, true, false)
	})
}

func (dl *directoryLayer) CreatePrefix(t kv.Transactor, path []string, layer []byte, prefix []byte) (DirectorySubspace, error) {
	if prefix == nil {
		prefix = []byte{}
	}
	return dl.transact(t, func(tr *kv.Transaction) (DirectorySubspace, error) {
		return dl.createOrOpen(tr, tr, path, layer, prefix, true, false)
	})
}

func (dl *directoryLayer) Move(t kv.Transactor, oldPath []string, newPath []string) (DirectorySubspace, error) {
	return dl.transact(t, func(tr *kv.Transaction) (DirectorySubspace, error) {
		return dl.move(tr, oldPath, newPath)
	})
}

// MoveTo always fails: a directory layer is the root of its tree.
func (dl *directoryLayer) MoveTo(t kv.Transactor, newAbsolutePath []string) (DirectorySubspace, error) {
	return nil, ErrCannotMoveRoot
}

func (dl *directoryLayer) Remove(t kv.Transactor, path []string) (bool, error) {
	return dl.remove(t, path, true)
}

func (dl *directoryLayer) RemoveIfExists(t kv.Transactor, path []string) (bool, error) {
	return dl.remove(t, path, false)
}

func (dl *directoryLayer) remove(t kv.Transactor, path []string, failOnNonexistent bool) (bool, error) {
	r, err := t.Transact(func(tr *kv.Transaction) (any, error) {
		return dl.removeInternal(tr, path, failOnNonexistent)
	})
	if err != nil {
		return false, err
	}
	return r.(bool), nil
}

func (dl *directoryLayer) Exists(rt kv.ReadTransactor, path []string) (bool, error) {
	r, err := rt.ReadTransact(func(rtr kv.ReadTransaction) (any, error) {
		return dl.exists(rtr, path)
	})
	if err != nil {
		return false, err
	}
	return r.(bool), nil
}

func (dl *directoryLayer) List(rt kv.ReadTransactor, path []string) ([]string, error) {
	r, err := rt.ReadTransact(func(rtr kv.ReadTransaction) (any, error) {
		return dl.list(rtr, path)
	})
	if err != nil {
		return nil, err
	}
	return r.([]string), nil
}

func (dl *directoryLayer) transact(t kv.Transactor, fn func(*kv.Transaction) (DirectorySubspace, error)) (DirectorySubspace, error) {
	r, err := t.Transact(func(tr *kv.Transaction) (any, error) {
		return fn(tr)
	})
	if err != nil {
		return nil, err
	}
	return r.(DirectorySubspace), nil
}

// createOrOpen reads through rtr and, when creating, writes through tr.
// tr is nil for read-only callers, which never create.
func (dl *directoryLayer) createOrOpen(rtr kv.ReadTransaction, tr *kv.Transaction, path []string, layer []byte, prefix []byte, allowCreate, allowOpen bool) (DirectorySubspace, error) {
	if prefix != nil && !dl.allowManualPrefixes {
		if len(dl.path) == 0 {
			return nil, ErrManualPrefixesDisabled
		}
		return nil, ErrPrefixInPartition
	}
	if len(path) == 0 {
		return nil, ErrCannotOpenRoot
	}
	if layer == nil {
		layer = []byte{}
	}

	if err := dl.checkVersion(rtr, nil); err != nil {
		return nil, err
	}

	existing, err := dl.findWithMeta(rtr, path)
	if err != nil {
		return nil, err
	}
	if existing.exists() {
		if existing.isInPartition(false) {
			inner, err := existing.partition(dl)
			if err != nil {
				return nil, err
			}
			return inner.createOrOpen(rtr, tr, existing.partitionSubpath(), layer, prefix, allowCreate, allowOpen)
		}
		if !allowOpen {
			return nil, ErrDirAlreadyExists
		}
		if len(layer) > 0 && !bytes.Equal(existing.layer, layer) {
			return nil, ErrIncompatibleLayer
		}
		return dl.contentsOfNode(existing.subspace, path, existing.layer)
	}

	if !allowCreate || tr == nil {
		return nil, ErrDirNotExists
	}
	if err := dl.checkVersion(tr, tr); err != nil {
		return nil, err
	}

	if prefix == nil {
		allocated, err := dl.allocator.allocate(tr)
		if err != nil {
			return nil, err
		}
		prefix = append(append([]byte{}, dl.contentSS.Bytes()...), allocated...)

		r, err := kv.PrefixRange(prefix)
		if err != nil {
			return nil, err
		}
		rows, err := tr.GetRange(kv.SelectorRangeOf(r), kv.RangeOptions{Limit: 1})
		if err != nil {
			return nil, err
		}
		if len(rows) > 0 {
			return nil, fmt.Errorf("%w: %s", ErrPrefixHasKeys, tuple.PrintableBytes(prefix))
		}
		free, err := dl.isPrefixFree(tr.Snapshot(), prefix)
		if err != nil {
			return nil, err
		}
		if !free {
			return nil, ErrPrefixConflict
		}
	} else {
		free, err := dl.isPrefixFree(tr, prefix)
		if err != nil {
			return nil, err
		}
		if !free {
			return nil, ErrPrefixInUse
		}
	}

	parentNode := dl.rootNode
	if len(path) > 1 {
		parent, err := dl.createOrOpen(tr, tr, path[:len(path)-1], nil, nil, true, true)
		if err != nil {
			return nil, err
		}
		parentNode = dl.nodeWithPrefix(parent.Bytes())
	}

	n := dl.nodeWithPrefix(prefix)
	if err := tr.Set(mustPack(parentNode, subdirs, path[len(path)-1]), prefix); err != nil {
		return nil, err
	}
	if err := tr.Set(mustPack(n, layerKey), layer); err != nil {
		return nil, err
	}
	return dl.contentsOfNode(n, path, layer)
}

func (dl *directoryLayer) move(tr *kv.Transaction, oldPath, newPath []string) (DirectorySubspace, error) {
	if err := dl.checkVersion(tr, tr); err != nil {
		return nil, err
	}
	if hasPathPrefix(newPath, oldPath) {
		return nil, ErrDestinationInsideSource
	}

	oldNode, err := dl.findWithMeta(tr, oldPath)
	if err != nil {
		return nil, err
	}
	newNode, err := dl.findWithMeta(tr, newPath)
	if err != nil {
		return nil, err
	}
	if !oldNode.exists() {
		return nil, fmt.Errorf("%w: source %v", ErrDirNotExists, oldPath)
	}

	if oldNode.isInPartition(false) || newNode.isInPartition(false) {
		if !oldNode.isInPartition(false) || !newNode.isInPartition(false) || !equalPaths(oldNode.path, newNode.path) {
			return nil, ErrCrossPartitionMove
		}
		inner, err := newNode.partition(dl)
		if err != nil {
			return nil, err
		}
		return inner.move(tr, oldNode.partitionSubpath(), newNode.partitionSubpath())
	}

	if newNode.exists() {
		return nil, fmt.Errorf("%w: destination %v", ErrDirAlreadyExists, newPath)
	}
	parent, err := dl.find(tr, newPath[:len(newPath)-1])
	if err != nil {
		return nil, err
	}
	if !parent.exists() {
		return nil, ErrParentNotExists
	}

	oldPrefix, err := dl.prefixForNode(oldNode.subspace)
	if err != nil {
		return nil, err
	}
	if err := tr.Set(mustPack(parent.subspace, subdirs, newPath[len(newPath)-1]), oldPrefix); err != nil {
		return nil, err
	}
	if err := dl.removeFromParent(tr, oldPath); err != nil {
		return nil, err
	}
	return dl.contentsOfNode(oldNode.subspace, newPath, oldNode.layer)
}

func (dl *directoryLayer) removeInternal(tr *kv.Transaction, path []string, failOnNonexistent bool) (bool, error) {
	if err := dl.checkVersion(tr, tr); err != nil {
		return false, err
	}
	if len(path) == 0 {
		return false, ErrCannotRemoveRoot
	}

	n, err := dl.findWithMeta(tr, path)
	if err != nil {
		return false, err
	}
	if !n.exists() {
		if failOnNonexistent {
			return false, ErrDirNotExists
		}
		return false, nil
	}
	if n.isInPartition(false) {
		inner, err := n.partition(dl)
		if err != nil {
			return false, err
		}
		return inner.removeInternal(tr, n.partitionSubpath(), failOnNonexistent)
	}

	if err := dl.removeRecursive(tr, n.subspace); err != nil {
		return false, err
	}
	if err := dl.removeFromParent(tr, path); err != nil {
		return false, err
	}
	return true, nil
}

func (dl *directoryLayer) exists(rtr kv.ReadTransaction, path []string) (bool, error) {
	if err := dl.checkVersion(rtr, nil); err != nil {
		return false, err
	}
	n, err := dl.findWithMeta(rtr, path)
	if err != nil {
		return false, err
	}
	if !n.exists() {
		return false, nil
	}
	if n.isInPartition(false) {
		inner, err := n.partition(dl)
		if err != nil {
			return false, err
		}
		return inner.exists(rtr, n.partitionSubpath())
	}
	return true, nil
}

func (dl *directoryLayer) list(rtr kv.ReadTransaction, path []string) ([]string, error) {
	if err := dl.checkVersion(rtr, nil); err != nil {
		return nil, err
	}
	n, err := dl.findWithMeta(rtr, path)
	if err != nil {
		return nil, err
	}
	if !n.exists() {
		return nil, ErrDirNotExists
	}
	if n.isInPartition(true) {
		inner, err := n.partition(dl)
		if err != nil {
			return nil, err
		}
		return inner.list(rtr, n.partitionSubpath())
	}

	children, err := dl.subdirs(rtr, n.subspace)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(children))
	for i, c := range children {
		names[i] = c.name
	}
	return names, nil
}

// checkVersion validates the layer version stored on the root node. When
// tr is set it is a write access: a missing version is written and a
// newer minor version is rejected.
func (dl *directoryLayer) checkVersion(rtr kv.ReadTransaction, tr *kv.Transaction) error {
	key := mustPack(dl.rootNode, versionKey)
	v, err := rtr.Get(key)
	if err != nil {
		return err
	}
	if v == nil {
		if tr != nil {
			b := binary.LittleEndian.AppendUint32(nil, majorVersion)
			b = binary.LittleEndian.AppendUint32(b, minorVersion)
			b = binary.LittleEndian.AppendUint32(b, microVersion)
			return tr.Set(key, b)
		}
		return nil
	}
	if len(v) != 12 {
		return fmt.Errorf("%w: malformed version value %s", ErrIncompatibleVersion, tuple.PrintableBytes(v))
	}
	major := binary.LittleEndian.Uint32(v[0:4])
	minor := binary.LittleEndian.Uint32(v[4:8])
	micro := binary.LittleEndian.Uint32(v[8:12])
	if major > majorVersion {
		return fmt.Errorf("%w: cannot load directory with version %d.%d.%d using directory layer %d.%d.%d",
			ErrIncompatibleVersion, major, minor, micro, majorVersion, minorVersion, microVersion)
	}
	if minor > minorVersion && tr != nil {
		return fmt.Errorf("%w: directory with version %d.%d.%d is read-only when opened using directory layer %d.%d.%d",
			ErrReadOnlyVersion, major, minor, micro, majorVersion, minorVersion, microVersion)
	}
	return nil
}

func (dl *directoryLayer) find(rtr kv.ReadTransaction, path []string) (*node, error) {
	n := &node{subspace: dl.rootNode, path: []string{}, targetPath: path}
	for i := range path {
		ref, err := rtr.Get(mustPack(n.subspace, subdirs, path[i]))
		if err != nil {
			return nil, err
		}
		n = &node{path: path[:i+1], targetPath: path}
		if ref == nil {
			break
		}
		n.subspace = dl.nodeWithPrefix(ref)
		layer, err := n.getLayer(rtr)
		if err != nil {
			return nil, err
		}
		if bytes.Equal(layer, partitionLayer) {
			break
		}
	}
	return n, nil
}

func (dl *directoryLayer) findWithMeta(rtr kv.ReadTransaction, path []string) (*node, error) {
	n, err := dl.find(rtr, path)
	if err != nil {
		return nil, err
	}
	if err := n.prefetchMetadata(rtr); err != nil {
		return nil, err
	}
	return n, nil
}

func (dl *directoryLayer) nodeWithPrefix(prefix []byte) subspace.Subspace {
	return dl.nodeSS.Sub(prefix)
}

func (dl *directoryLayer) prefixForNode(n subspace.Subspace) ([]byte, error) {
	t, err := dl.nodeSS.Unpack(n.Bytes())
	if err != nil {
		return nil, err
	}
	if len(t) == 0 {
		return nil, fmt.Errorf("directory: node key %s has no prefix", tuple.PrintableBytes(n.Bytes()))
	}
	p, ok := t[0].([]byte)
	if !ok {
		return nil, fmt.Errorf("directory: node key %s has no prefix", tuple.PrintableBytes(n.Bytes()))
	}
	return p, nil
}

// nodeContainingKey returns the node whose prefix is a prefix of key, or
// nil.
func (dl *directoryLayer) nodeContainingKey(rtr kv.ReadTransaction, key []byte) (subspace.Subspace, error) {
	if bytes.HasPrefix(key, dl.nodeSS.Bytes()) {
		return dl.rootNode, nil
	}
	r := kv.KeyRange{
		Begin: mustPack(dl.nodeSS, nil),
		End:   mustPack(dl.nodeSS, key, nil),
	}
	rows, err := rtr.GetRange(kv.SelectorRangeOf(r), kv.RangeOptions{Limit: 1, Reverse: true})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	t, err := dl.nodeSS.Unpack(rows[0].Key)
	if err != nil {
		return nil, err
	}
	if prev, ok := t[0].([]byte); ok && bytes.HasPrefix(key, prev) {
		return dl.nodeWithPrefix(prev), nil
	}
	return nil, nil
}

// isPrefixFree reports whether prefix neither contains nor is contained
// by an allocated prefix.
func (dl *directoryLayer) isPrefixFree(rtr kv.ReadTransaction, prefix []byte) (bool, error) {
	if len(prefix) == 0 {
		return false, nil
	}
	n, err := dl.nodeContainingKey(rtr, prefix)
	if err != nil {
		return false, err
	}
	if n != nil {
		return false, nil
	}
	end, err := kv.Strinc(prefix)
	if err != nil {
		return false, err
	}
	r := kv.KeyRange{Begin: mustPack(dl.nodeSS, prefix), End: mustPack(dl.nodeSS, end)}
	rows, err := rtr.GetRange(kv.SelectorRangeOf(r), kv.RangeOptions{Limit: 1})
	if err != nil {
		return false, err
	}
	return len(rows) == 0, nil
}

type subdir struct {
	name string
	node subspace.Subspace
}

func (dl *directoryLayer) subdirs(rtr kv.ReadTransaction, n subspace.Subspace) ([]subdir, error) {
	sd := n.Sub(subdirs)
	rows, err := rtr.GetRange(kv.SelectorRangeOf(sd.FullRange()), kv.RangeOptions{})
	if err != nil {
		return nil, err
	}
	out := make([]subdir, 0, len(rows))
	for _, row := range rows {
		t, err := sd.Unpack(row.Key)
		if err != nil {
			return nil, err
		}
		name, ok := t[0].(string)
		if !ok {
			return nil, fmt.Errorf("directory: malformed subdirectory key %s", t)
		}
		out = append(out, subdir{name: name, node: dl.nodeWithPrefix(row.Value)})
	}
	return out, nil
}

func (dl *directoryLayer) removeFromParent(tr *kv.Transaction, path []string) error {
	parent, err := dl.find(tr, path[:len(path)-1])
	if err != nil {
		return err
	}
	return tr.Clear(mustPack(parent.subspace, subdirs, path[len(path)-1]))
}

func (dl *directoryLayer) removeRecursive(tr *kv.Transaction, n subspace.Subspace) error {
	children, err := dl.subdirs(tr, n)
	if err != nil {
		return err
	}
	for _, c := range children {
		if err := dl.removeRecursive(tr, c.node); err != nil {
			return err
		}
	}

	prefix, err := dl.prefixForNode(n)
	if err != nil {
		return err
	}
	content, err := kv.PrefixRange(prefix)
	if err != nil {
		return err
	}
	if err := tr.ClearRange(content.Begin, content.End); err != nil {
		return err
	}
	meta, err := kv.PrefixRange(n.Bytes())
	if err != nil {
		return err
	}
	return tr.ClearRange(meta.Begin, meta.End)
}

// contentsOfNode opens the directory stored at node n.
func (dl *directoryLayer) contentsOfNode(n subspace.Subspace, path []string, layer []byte) (DirectorySubspace, error) {
	prefix, err := dl.prefixForNode(n)
	if err != nil {
		return nil, err
	}
	abs := joinPath(dl.path, path)
	if bytes.Equal(layer, partitionLayer) {
		return newPartition(abs, prefix, dl), nil
	}
	return &directorySubspace{
		Subspace: subspace.FromBytes(prefix),
		dl:       dl,
		path:     abs,
		layer:    append([]byte{}, layer...),
	}, nil
}
