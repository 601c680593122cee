package engine

import (
	"bytes"
	"context"
	"errors"
	"math/big"

	"github.com/roach88/bindingtester/internal/directory"
	"github.com/roach88/bindingtester/internal/kv"
	"github.com/roach88/bindingtester/internal/subspace"
	"github.com/roach88/bindingtester/internal/tuple"
)

// directoryState is a machine's list of opened directories and subspaces.
// Entries are subspace.Subspace, directory.Directory or nil, and are never
// removed. Changing to a nil entry selects the error index instead.
type directoryState struct {
	entries  []any
	current  int
	errIndex int
}

func newDirectoryState(root directory.Directory) directoryState {
	return directoryState{entries: []any{root}}
}

func (d *directoryState) append(entry any) {
	d.entries = append(d.entries, entry)
}

// at returns the entry at i, or nil when i is out of range.
func (d *directoryState) at(i int) any {
	if i < 0 || i >= len(d.entries) {
		return nil
	}
	return d.entries[i]
}

// change selects entry i, falling back to the error index when the slot is
// empty.
func (d *directoryState) change(i int) {
	d.current = i
	if d.at(i) == nil {
		d.current = d.errIndex
	}
}

// directory returns the current entry as a directory or directory layer.
func (d *directoryState) directory() (directory.Directory, error) {
	dir, ok := d.at(d.current).(directory.Directory)
	if !ok {
		return nil, NewAssertionError("directory entry %d is not a directory", d.current)
	}
	return dir, nil
}

// subspace returns the current entry as a subspace. Partitions and bare
// directory layers have none.
func (d *directoryState) subspace() (subspace.Subspace, error) {
	entry := d.at(d.current)
	if ds, ok := entry.(directory.DirectorySubspace); ok && ds.IsPartition() {
		return nil, directory.ErrPartitionSubspace
	}
	ss, ok := entry.(subspace.Subspace)
	if !ok {
		return nil, NewAssertionError("directory entry %d is not a subspace", d.current)
	}
	return ss, nil
}

// DirectoryEntries returns a copy of the machine's directory list.
func (m *Machine) DirectoryEntries() []any {
	return append([]any(nil), m.dirs.entries...)
}

// DirectoryIndex returns the current directory index.
func (m *Machine) DirectoryIndex() int {
	return m.dirs.current
}

// producesEntry reports whether a failed opcode still appends a nil entry,
// keeping later indexes aligned.
func producesEntry(opcode string) bool {
	switch opcode {
	case "DIRECTORY_CREATE_SUBSPACE",
		"DIRECTORY_CREATE_LAYER",
		"DIRECTORY_CREATE_OR_OPEN",
		"DIRECTORY_CREATE",
		"DIRECTORY_OPEN",
		"DIRECTORY_MOVE",
		"DIRECTORY_MOVE_TO",
		"DIRECTORY_OPEN_SUBSPACE":
		return true
	}
	return false
}

// popOptionalPath pops a count of 0 or 1 and, for 1, a path.
func popOptionalPath(ctx context.Context, s *Stack) ([]string, error) {
	count, err := s.PopSmallInt(ctx)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}
	return s.PopPath(ctx)
}

// popElements pops a count and that many values as a tuple.
func popElements(ctx context.Context, s *Stack) (tuple.Tuple, error) {
	values, err := s.PopValues(ctx)
	if err != nil {
		return nil, err
	}
	return elements(values)
}

func boolInt(b bool) *big.Int {
	if b {
		return big.NewInt(1)
	}
	return big.NewInt(0)
}

func opDirectoryCreateSubspace(ctx context.Context, m *Machine, _ operand, _ tuple.Tuple) error {
	path, err := popElements(ctx, &m.stack)
	if err != nil {
		return err
	}
	raw, _, err := m.stack.PopStringOrBytes(ctx)
	if err != nil {
		return err
	}
	m.dirs.append(subspace.FromBytes(raw).Sub(path...))
	return nil
}

func opDirectoryCreateLayer(ctx context.Context, m *Machine, _ operand, _ tuple.Tuple) error {
	nodeIndex, err := m.stack.PopSmallInt(ctx)
	if err != nil {
		return err
	}
	contentIndex, err := m.stack.PopSmallInt(ctx)
	if err != nil {
		return err
	}
	allowManual, err := m.stack.PopBool(ctx)
	if err != nil {
		return err
	}
	nodeEntry, contentEntry := m.dirs.at(nodeIndex), m.dirs.at(contentIndex)
	if nodeEntry == nil || contentEntry == nil {
		m.dirs.append(nil)
		return nil
	}
	nodeSS, ok := nodeEntry.(subspace.Subspace)
	if !ok {
		return NewAssertionError("directory entry %d is not a subspace", nodeIndex)
	}
	contentSS, ok := contentEntry.(subspace.Subspace)
	if !ok {
		return NewAssertionError("directory entry %d is not a subspace", contentIndex)
	}
	m.dirs.append(directory.NewDirectoryLayer(nodeSS, contentSS, allowManual))
	return nil
}

func opDirectoryCreateOrOpen(ctx context.Context, m *Machine, op operand, _ tuple.Tuple) error {
	path, err := m.stack.PopPath(ctx)
	if err != nil {
		return err
	}
	layer, err := m.stack.PopNullableBytes(ctx)
	if err != nil {
		return err
	}
	dir, err := m.dirs.directory()
	if err != nil {
		return err
	}
	t, err := op.transactor()
	if err != nil {
		return err
	}
	ds, err := dir.CreateOrOpen(t, path, layer)
	if err != nil {
		return err
	}
	m.dirs.append(ds)
	return nil
}

func opDirectoryCreate(ctx context.Context, m *Machine, op operand, _ tuple.Tuple) error {
	path, err := m.stack.PopPath(ctx)
	if err != nil {
		return err
	}
	layer, err := m.stack.PopNullableBytes(ctx)
	if err != nil {
		return err
	}
	prefix, err := m.stack.PopNullableBytes(ctx)
	if err != nil {
		return err
	}
	dir, err := m.dirs.directory()
	if err != nil {
		return err
	}
	t, err := op.transactor()
	if err != nil {
		return err
	}
	var ds directory.DirectorySubspace
	if prefix == nil {
		ds, err = dir.Create(t, path, layer)
	} else {
		ds, err = dir.CreatePrefix(t, path, layer, prefix)
	}
	if err != nil {
		return err
	}
	m.dirs.append(ds)
	return nil
}

func opDirectoryOpen(ctx context.Context, m *Machine, op operand, _ tuple.Tuple) error {
	path, err := m.stack.PopPath(ctx)
	if err != nil {
		return err
	}
	layer, err := m.stack.PopNullableBytes(ctx)
	if err != nil {
		return err
	}
	dir, err := m.dirs.directory()
	if err != nil {
		return err
	}
	rt, err := op.readTransactor()
	if err != nil {
		return err
	}
	ds, err := dir.Open(rt, path, layer)
	if err != nil {
		return err
	}
	m.dirs.append(ds)
	return nil
}

func opDirectoryChange(ctx context.Context, m *Machine, _ operand, _ tuple.Tuple) error {
	i, err := m.stack.PopSmallInt(ctx)
	if err != nil {
		return err
	}
	m.dirs.change(i)
	m.logger.Debug("changed directory index", "index", m.dirs.current)
	return nil
}

func opDirectorySetErrorIndex(ctx context.Context, m *Machine, _ operand, _ tuple.Tuple) error {
	i, err := m.stack.PopSmallInt(ctx)
	if err != nil {
		return err
	}
	m.dirs.errIndex = i
	return nil
}

func opDirectoryMove(ctx context.Context, m *Machine, op operand, _ tuple.Tuple) error {
	oldPath, err := m.stack.PopPath(ctx)
	if err != nil {
		return err
	}
	newPath, err := m.stack.PopPath(ctx)
	if err != nil {
		return err
	}
	dir, err := m.dirs.directory()
	if err != nil {
		return err
	}
	t, err := op.transactor()
	if err != nil {
		return err
	}
	ds, err := dir.Move(t, oldPath, newPath)
	if err != nil {
		return err
	}
	m.dirs.append(ds)
	return nil
}

func opDirectoryMoveTo(ctx context.Context, m *Machine, op operand, _ tuple.Tuple) error {
	dir, err := m.dirs.directory()
	if err != nil {
		return err
	}
	newPath, err := m.stack.PopPath(ctx)
	if err != nil {
		return err
	}
	if directory.IsRootLayer(dir) {
		return directory.ErrCannotMoveRoot
	}
	t, err := op.transactor()
	if err != nil {
		return err
	}
	ds, err := dir.MoveTo(t, newPath)
	if err != nil {
		return err
	}
	m.dirs.append(ds)
	return nil
}

func opDirectoryRemove(ctx context.Context, m *Machine, op operand, _ tuple.Tuple) error {
	return m.removeDirectory(ctx, op, directory.Directory.Remove)
}

func opDirectoryRemoveIfExists(ctx context.Context, m *Machine, op operand, _ tuple.Tuple) error {
	return m.removeDirectory(ctx, op, directory.Directory.RemoveIfExists)
}

func (m *Machine) removeDirectory(ctx context.Context, op operand, remove func(directory.Directory, kv.Transactor, []string) (bool, error)) error {
	path, err := popOptionalPath(ctx, &m.stack)
	if err != nil {
		return err
	}
	dir, err := m.dirs.directory()
	if err != nil {
		return err
	}
	t, err := op.transactor()
	if err != nil {
		return err
	}
	_, err = remove(dir, t, path)
	return err
}

func opDirectoryList(ctx context.Context, m *Machine, op operand, _ tuple.Tuple) error {
	path, err := popOptionalPath(ctx, &m.stack)
	if err != nil {
		return err
	}
	dir, err := m.dirs.directory()
	if err != nil {
		return err
	}
	rt, err := op.readTransactor()
	if err != nil {
		return err
	}
	children, err := dir.List(rt, path)
	if err != nil {
		return err
	}
	m.push(stringsTuple(children).MustPack())
	return nil
}

func opDirectoryExists(ctx context.Context, m *Machine, op operand, _ tuple.Tuple) error {
	path, err := popOptionalPath(ctx, &m.stack)
	if err != nil {
		return err
	}
	dir, err := m.dirs.directory()
	if err != nil {
		return err
	}
	rt, err := op.readTransactor()
	if err != nil {
		return err
	}
	ok, err := dir.Exists(rt, path)
	if err != nil {
		return err
	}
	m.push(boolInt(ok))
	return nil
}

func opDirectoryPackKey(ctx context.Context, m *Machine, _ operand, _ tuple.Tuple) error {
	t, err := popElements(ctx, &m.stack)
	if err != nil {
		return err
	}
	ss, err := m.dirs.subspace()
	if err != nil {
		return err
	}
	key, err := ss.Pack(t)
	if err != nil {
		return err
	}
	m.push(key)
	return nil
}

func opDirectoryUnpackKey(ctx context.Context, m *Machine, _ operand, _ tuple.Tuple) error {
	key, err := m.stack.PopBytes(ctx)
	if err != nil {
		return err
	}
	ss, err := m.dirs.subspace()
	if err != nil {
		return err
	}
	t, err := ss.Unpack(key)
	if err != nil {
		return err
	}
	for _, e := range t {
		m.push(normalize(e))
	}
	return nil
}

func opDirectoryRange(ctx context.Context, m *Machine, _ operand, _ tuple.Tuple) error {
	t, err := popElements(ctx, &m.stack)
	if err != nil {
		return err
	}
	ss, err := m.dirs.subspace()
	if err != nil {
		return err
	}
	prefix, err := ss.Pack(t)
	if err != nil {
		return err
	}
	r := subspace.FromBytes(prefix).FullRange()
	m.push(r.Begin)
	m.push(r.End)
	return nil
}

func opDirectoryContains(ctx context.Context, m *Machine, _ operand, _ tuple.Tuple) error {
	key, _, err := m.stack.PopStringOrBytes(ctx)
	if err != nil {
		return err
	}
	ss, err := m.dirs.subspace()
	if err != nil {
		return err
	}
	m.push(boolInt(ss.Contains(key)))
	return nil
}

func opDirectoryOpenSubspace(ctx context.Context, m *Machine, _ operand, _ tuple.Tuple) error {
	t, err := popElements(ctx, &m.stack)
	if err != nil {
		return err
	}
	ss, err := m.dirs.subspace()
	if err != nil {
		return err
	}
	if _, err := ss.Pack(t); err != nil {
		return err
	}
	m.dirs.append(ss.Sub(t...))
	return nil
}

// opDirectoryLogSubspace records the current subspace's prefix at
// prefix ++ pack((index,)).
func opDirectoryLogSubspace(ctx context.Context, m *Machine, op operand, _ tuple.Tuple) error {
	prefix, err := m.stack.PopBytes(ctx)
	if err != nil {
		return err
	}
	ss, err := m.dirs.subspace()
	if err != nil {
		return err
	}
	key := append(bytes.Clone(prefix), tuple.Tuple{int64(m.dirs.current)}.MustPack()...)
	_, err = op.write(func(tr *kv.Transaction) error {
		return tr.Set(key, ss.Bytes())
	})
	return err
}

// opDirectoryLogDirectory records the current directory's path, layer,
// existence and children under prefix, scoped by the directory index.
func opDirectoryLogDirectory(ctx context.Context, m *Machine, op operand, _ tuple.Tuple) error {
	dir, err := m.dirs.directory()
	if err != nil {
		return err
	}
	prefix, err := m.stack.PopBytes(ctx)
	if err != nil {
		return err
	}
	logSS := subspace.FromBytes(prefix).Sub(int64(m.dirs.current))

	rt, err := op.readTransactor()
	if err != nil {
		return err
	}
	exists, err := dir.Exists(rt, nil)
	if err != nil {
		return err
	}
	var children []string
	if exists {
		if children, err = dir.List(rt, nil); err != nil {
			return err
		}
	}
	layer := dir.GetLayer()
	if directory.IsRootLayer(dir) || layer == nil {
		layer = []byte{}
	}

	fields := []struct {
		name  string
		value tuple.Tuple
	}{
		{"path", stringsTuple(dir.GetPath())},
		{"layer", tuple.Tuple{layer}},
		{"exists", tuple.Tuple{boolInt(exists)}},
		{"children", stringsTuple(children)},
	}
	_, err = op.write(func(tr *kv.Transaction) error {
		for _, f := range fields {
			key, err := logSS.Pack(tuple.Tuple{f.name})
			if err != nil {
				return err
			}
			if err := tr.Set(key, f.value.MustPack()); err != nil {
				return err
			}
		}
		return nil
	})
	return err
}

func opDirectoryStripPrefix(ctx context.Context, m *Machine, _ operand, _ tuple.Tuple) error {
	b, err := m.stack.PopBytes(ctx)
	if err != nil {
		return err
	}
	ss, err := m.dirs.subspace()
	if err != nil {
		return err
	}
	if !bytes.HasPrefix(b, ss.Bytes()) {
		return errors.New("string does not start with raw prefix")
	}
	m.push(bytes.Clone(b[len(ss.Bytes()):]))
	return nil
}

func stringsTuple(s []string) tuple.Tuple {
	t := make(tuple.Tuple, len(s))
	for i, v := range s {
		t[i] = v
	}
	return t
}
