package docdb

import (
	"sort"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/andreyvit/docdb/revid"
)

// revNode is one revision in a document's tree. Nodes live in an arena and
// point at their parent by index; -1 marks a root.
type revNode struct {
	RevID   string `msgpack:"r"`
	Parent  int32  `msgpack:"p"`
	Seq     uint64 `msgpack:"s,omitempty"`
	Deleted bool   `msgpack:"d,omitempty"`
	HasBody bool   `msgpack:"b,omitempty"`

	gen int
}

// A stub has no sequence: it was learned from a revision history but never
// stored locally.
func (n *revNode) isStub() bool { return n.Seq == 0 }

type revTree struct {
	Nodes []revNode `msgpack:"n"`

	hasChild []bool
}

func decodeRevTree(data []byte) (*revTree, error) {
	t := new(revTree)
	if err := msgpack.Unmarshal(data, t); err != nil {
		return nil, dataErrf(data, 0, err, "invalid revision tree")
	}
	for i := range t.Nodes {
		n := &t.Nodes[i]
		n.gen = revid.Generation(n.RevID)
		if n.Parent < -1 || int(n.Parent) >= len(t.Nodes) {
			return nil, dataErrf(data, 0, nil, "revision %s has invalid parent %d", n.RevID, n.Parent)
		}
	}
	return t, nil
}

func (t *revTree) encode() []byte {
	return must(msgpack.Marshal(t))
}

func (t *revTree) add(n revNode) int {
	n.gen = revid.Generation(n.RevID)
	t.Nodes = append(t.Nodes, n)
	t.hasChild = nil
	return len(t.Nodes) - 1
}

func (t *revTree) find(revID string) int {
	for i := range t.Nodes {
		if t.Nodes[i].RevID == revID {
			return i
		}
	}
	return -1
}

func (t *revTree) children() []bool {
	if t.hasChild == nil {
		t.hasChild = make([]bool, len(t.Nodes))
		for _, n := range t.Nodes {
			if n.Parent >= 0 {
				t.hasChild[n.Parent] = true
			}
		}
	}
	return t.hasChild
}

func (t *revTree) isLeaf(i int) bool {
	return !t.children()[i]
}

func (t *revTree) leaves() []int {
	hc := t.children()
	var result []int
	for i := range t.Nodes {
		if !hc[i] {
			result = append(result, i)
		}
	}
	return result
}

// beats reports whether node a wins over node b: live beats deleted, then
// the higher generation, then the greater revision ID.
func (t *revTree) beats(a, b int) bool {
	na, nb := &t.Nodes[a], &t.Nodes[b]
	if na.Deleted != nb.Deleted {
		return !na.Deleted
	}
	if na.gen != nb.gen {
		return na.gen > nb.gen
	}
	return na.RevID > nb.RevID
}

// winner returns the current revision, or -1 for an empty tree. Stub leaves
// never win while a stored leaf exists.
func (t *revTree) winner() int {
	best := -1
	for _, i := range t.leaves() {
		if best < 0 {
			best = i
			continue
		}
		bs, is := t.Nodes[best].isStub(), t.Nodes[i].isStub()
		if bs != is {
			if bs {
				best = i
			}
			continue
		}
		if t.beats(i, best) {
			best = i
		}
	}
	return best
}

// conflicts returns the leaves that make up the document's conflict set,
// winner first: all live leaves, or all leaves when every one is deleted.
func (t *revTree) conflicts() []int {
	leaves := t.leaves()
	var live []int
	for _, i := range leaves {
		if !t.Nodes[i].Deleted && !t.Nodes[i].isStub() {
			live = append(live, i)
		}
	}
	if len(live) > 0 {
		leaves = live
	}
	w := t.winner()
	sort.SliceStable(leaves, func(x, y int) bool {
		a, b := leaves[x], leaves[y]
		if a == w || b == w {
			return a == w && b != w
		}
		return t.beats(a, b)
	})
	return leaves
}

func (t *revTree) liveLeafCount() int {
	var n int
	for _, i := range t.leaves() {
		if !t.Nodes[i].Deleted && !t.Nodes[i].isStub() {
			n++
		}
	}
	return n
}

// isDeleted reports whether the document has no live stored revision.
func (t *revTree) isDeleted() bool {
	w := t.winner()
	return w < 0 || t.Nodes[w].Deleted || t.Nodes[w].isStub()
}

// history returns the chain from node i up to its root, i first.
func (t *revTree) history(i int) []int {
	var result []int
	for i >= 0 {
		result = append(result, i)
		i = int(t.Nodes[i].Parent)
	}
	return result
}

func (t *revTree) parentSeq(i int) uint64 {
	p := t.Nodes[i].Parent
	if p < 0 {
		return 0
	}
	return t.Nodes[p].Seq
}

// prune drops every node that is maxDepth or more generations above all of
// its descendant leaves. Leaves always survive, and so does the winner; a
// surviving node whose parent was dropped becomes a root. Returns the removed
// nodes, in the old numbering.
func (t *revTree) prune(maxDepth int) []revNode {
	if maxDepth <= 0 || len(t.Nodes) == 0 {
		return nil
	}
	const unreached = int(^uint(0) >> 1)
	dist := make([]int, len(t.Nodes))
	for i := range dist {
		dist[i] = unreached
	}
	for _, leaf := range t.leaves() {
		d := 0
		for i := leaf; i >= 0; i = int(t.Nodes[i].Parent) {
			if dist[i] <= d {
				break
			}
			dist[i] = d
			d++
		}
	}

	remap := make([]int32, len(t.Nodes))
	var kept []revNode
	var removed []revNode
	for i, n := range t.Nodes {
		if dist[i] < maxDepth {
			remap[i] = int32(len(kept))
			kept = append(kept, n)
		} else {
			remap[i] = -1
			removed = append(removed, n)
		}
	}
	if len(removed) == 0 {
		return nil
	}
	for i := range kept {
		if p := kept[i].Parent; p >= 0 {
			kept[i].Parent = remap[p]
		}
	}
	t.Nodes = kept
	t.hasChild = nil
	return removed
}

func (t *revTree) revIDs(indices []int) []string {
	ids := make([]string, len(indices))
	for i, idx := range indices {
		ids[i] = t.Nodes[idx].RevID
	}
	return ids
}
