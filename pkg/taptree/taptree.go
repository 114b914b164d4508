// Package taptree builds taproot script trees over named leaves and derives
// the output key, the scriptPubKey and per-leaf control blocks.
//
// Leaves are split recursively at the midpoint of the ordered list, so the
// tree shape only depends on the number of leaves. Each leaf is either a
// tapscript, hashed as a base version tap leaf, or an already computed leaf
// hash, which lets callers commit to scripts they do not hold.
package taptree

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"golang.org/x/sync/errgroup"
)

var (
	ErrLeafNotFound   = errors.New("leaf not found")
	ErrNoLeaves       = errors.New("tree has no leaves")
	ErrDuplicatedLeaf = errors.New("duplicated leaf name")
	ErrInvalidShards  = errors.New("leaves count must be a multiple of shards count")
)

// Leaf is a named tree leaf. Exactly one of Script and Hash is set.
type Leaf struct {
	Name   string
	Script []byte
	Hash   *chainhash.Hash
}

func ScriptLeaf(name string, script []byte) Leaf {
	return Leaf{Name: name, Script: script}
}

func HashLeaf(name string, hash chainhash.Hash) Leaf {
	return Leaf{Name: name, Hash: &hash}
}

func (l Leaf) tapHash() (chainhash.Hash, error) {
	if l.Hash != nil {
		return *l.Hash, nil
	}
	if l.Script == nil {
		return chainhash.Hash{}, fmt.Errorf("leaf %s has neither script nor hash", l.Name)
	}
	return txscript.NewBaseTapLeaf(l.Script).TapHash(), nil
}

type node struct {
	hash    chainhash.Hash
	parent  *node
	sibling *node
}

type Tree struct {
	internalKey *btcec.PublicKey
	outputKey   *btcec.PublicKey
	root        *node
	leaves      map[string]*node
	order       []string
}

// New builds the tree sequentially.
func New(internalKey *btcec.PublicKey, leaves []Leaf) (*Tree, error) {
	if len(leaves) <= 0 {
		return nil, ErrNoLeaves
	}
	index := make(map[string]*node, len(leaves))
	root, err := buildSubtree(leaves, index)
	if err != nil {
		return nil, err
	}
	return newTree(internalKey, root, index, leaves)
}

// NewParallel builds one subtree per shard concurrently and joins the shard
// roots with the same midpoint rule. When shards is a power of two the result
// is identical to New.
func NewParallel(
	ctx context.Context, internalKey *btcec.PublicKey, leaves []Leaf, shards int,
) (*Tree, error) {
	if len(leaves) <= 0 {
		return nil, ErrNoLeaves
	}
	if shards <= 0 || len(leaves)%shards != 0 {
		return nil, fmt.Errorf("%w: %d leaves, %d shards", ErrInvalidShards, len(leaves), shards)
	}

	shardSize := len(leaves) / shards
	roots := make([]*node, shards)
	indexes := make([]map[string]*node, shards)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < shards; i++ {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			shard := leaves[i*shardSize : (i+1)*shardSize]
			index := make(map[string]*node, len(shard))
			root, err := buildSubtree(shard, index)
			if err != nil {
				return err
			}
			roots[i] = root
			indexes[i] = index
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	index := make(map[string]*node, len(leaves))
	for _, shardIndex := range indexes {
		for name, n := range shardIndex {
			if _, ok := index[name]; ok {
				return nil, fmt.Errorf("%w: %s", ErrDuplicatedLeaf, name)
			}
			index[name] = n
		}
	}

	return newTree(internalKey, joinNodes(roots), index, leaves)
}

func newTree(
	internalKey *btcec.PublicKey, root *node, index map[string]*node, leaves []Leaf,
) (*Tree, error) {
	if internalKey == nil {
		return nil, fmt.Errorf("missing internal key")
	}
	order := make([]string, 0, len(leaves))
	for _, l := range leaves {
		order = append(order, l.Name)
	}
	return &Tree{
		internalKey: internalKey,
		outputKey:   txscript.ComputeTaprootOutputKey(internalKey, root.hash[:]),
		root:        root,
		leaves:      index,
		order:       order,
	}, nil
}

func buildSubtree(leaves []Leaf, index map[string]*node) (*node, error) {
	if len(leaves) == 1 {
		leaf := leaves[0]
		if _, ok := index[leaf.Name]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicatedLeaf, leaf.Name)
		}
		hash, err := leaf.tapHash()
		if err != nil {
			return nil, err
		}
		n := &node{hash: hash}
		index[leaf.Name] = n
		return n, nil
	}

	mid := len(leaves) / 2
	left, err := buildSubtree(leaves[:mid], index)
	if err != nil {
		return nil, err
	}
	right, err := buildSubtree(leaves[mid:], index)
	if err != nil {
		return nil, err
	}
	return combine(left, right), nil
}

func joinNodes(nodes []*node) *node {
	if len(nodes) == 1 {
		return nodes[0]
	}
	mid := len(nodes) / 2
	return combine(joinNodes(nodes[:mid]), joinNodes(nodes[mid:]))
}

func combine(left, right *node) *node {
	parent := &node{hash: BranchHash(left.hash, right.hash)}
	left.parent, left.sibling = parent, right
	right.parent, right.sibling = parent, left
	return parent
}

// BranchHash hashes two children in ascending byte order.
func BranchHash(a, b chainhash.Hash) chainhash.Hash {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return *chainhash.TaggedHash(chainhash.TagTapBranch, a[:], b[:])
}

func (t *Tree) MerkleRoot() chainhash.Hash {
	return t.root.hash
}

func (t *Tree) InternalKey() *btcec.PublicKey {
	return t.internalKey
}

func (t *Tree) OutputKey() *btcec.PublicKey {
	return t.outputKey
}

// LeafNames returns the leaf names in commitment order.
func (t *Tree) LeafNames() []string {
	return append([]string{}, t.order...)
}

func (t *Tree) PkScript() ([]byte, error) {
	return txscript.PayToTaprootScript(t.outputKey)
}

func (t *Tree) Address(params *chaincfg.Params) (string, error) {
	addr, err := btcutil.NewAddressTaproot(schnorr.SerializePubKey(t.outputKey), params)
	if err != nil {
		return "", err
	}
	return addr.EncodeAddress(), nil
}

// Proof returns the sibling hashes from the named leaf up to the root.
func (t *Tree) Proof(name string) ([]chainhash.Hash, error) {
	n, ok := t.leaves[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLeafNotFound, name)
	}
	proof := make([]chainhash.Hash, 0)
	for ; n.sibling != nil; n = n.parent {
		proof = append(proof, n.sibling.hash)
	}
	return proof, nil
}

func (t *Tree) ControlBlock(name string) (*txscript.ControlBlock, error) {
	proof, err := t.Proof(name)
	if err != nil {
		return nil, err
	}
	inclusionProof := make([]byte, 0, len(proof)*chainhash.HashSize)
	for _, h := range proof {
		inclusionProof = append(inclusionProof, h[:]...)
	}
	return &txscript.ControlBlock{
		InternalKey:     t.internalKey,
		OutputKeyYIsOdd: t.outputKey.SerializeCompressed()[0] == secp256k1OddPrefix,
		LeafVersion:     txscript.BaseLeafVersion,
		InclusionProof:  inclusionProof,
	}, nil
}

// ControlBlockBytes returns the serialized control block of the named leaf.
func (t *Tree) ControlBlockBytes(name string) ([]byte, error) {
	cb, err := t.ControlBlock(name)
	if err != nil {
		return nil, err
	}
	return cb.ToBytes()
}

const secp256k1OddPrefix = 0x03
