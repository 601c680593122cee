package directory

import (
	"bytes"

	"github.com/roach88/bindingtester/internal/kv"
	"github.com/roach88/bindingtester/internal/subspace"
	"github.com/roach88/bindingtester/internal/tuple"
)

// node is the result of walking a path through the node subspace. A
// missing directory has a nil subspace. The walk stops early at a
// partition, leaving the rest of targetPath to the partition's own layer.
type node struct {
	subspace   subspace.Subspace
	path       []string
	targetPath []string
	layer      []byte
}

func (n *node) exists() bool {
	return n.subspace != nil
}

func (n *node) prefetchMetadata(rtr kv.ReadTransaction) error {
	if n.exists() && n.layer == nil {
		_, err := n.getLayer(rtr)
		return err
	}
	return nil
}

func (n *node) getLayer(rtr kv.ReadTransaction) ([]byte, error) {
	if n.layer == nil {
		key, err := n.subspace.Pack(tuple.Tuple{layerKey})
		if err != nil {
			return nil, err
		}
		v, err := rtr.Get(key)
		if err != nil {
			return nil, err
		}
		if v == nil {
			v = []byte{}
		}
		n.layer = v
	}
	return n.layer, nil
}

func (n *node) isInPartition(includeEmptySubpath bool) bool {
	return n.exists() &&
		bytes.Equal(n.layer, partitionLayer) &&
		(includeEmptySubpath || len(n.targetPath) > len(n.path))
}

func (n *node) partitionSubpath() []string {
	return append([]string{}, n.targetPath[len(n.path):]...)
}

// partitionLayer returns the nested directory layer of a node that is a
// partition.
func (n *node) partition(dl *directoryLayer) (*directoryLayer, error) {
	ds, err := dl.contentsOfNode(n.subspace, n.path, n.layer)
	if err != nil {
		return nil, err
	}
	return ds.(*directorySubspace).dl, nil
}
