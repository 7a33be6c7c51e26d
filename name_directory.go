package porta

import (
	"log/slog"
	"sync"

	iradix "github.com/hashicorp/go-immutable-radix"
	"github.com/raskyld/porta/pkg/carrier"
)

// nameDirectory is an eventually consistent map of port names to
// contacts. Every change is stamped with a revision from a Lamport clock
// so that replicas converge whatever the order they see changes in.
type nameDirectory struct {
	lk   sync.RWMutex
	tree *iradix.Tree

	// clock orders our local changes after every change we have seen.
	clock uint64

	logger    *slog.Logger
	localNode string
}

type nameRecord struct {
	name      string
	contact   carrier.Contact
	node      string
	rev       uint64
	deleted   bool
	announced bool
}

// newer reports whether r wins over o. Equal revisions are broken by
// node name so that every replica picks the same record.
func (r *nameRecord) newer(o *nameRecord) bool {
	if r.rev != o.rev {
		return r.rev > o.rev
	}
	return r.node < o.node
}

func newNameDir(logger *slog.Logger, localNode string) *nameDirectory {
	return &nameDirectory{
		tree:      iradix.New(),
		logger:    logger,
		localNode: localNode,
	}
}

func (dir *nameDirectory) get(name string) (*nameRecord, bool) {
	v, found := dir.tree.Get([]byte(name))
	if !found {
		return nil, false
	}
	return v.(*nameRecord), true
}

// claim records that name lives at contact. A name may be claimed again
// by its owner, but not while another node holds it.
func (dir *nameDirectory) claim(name string, contact carrier.Contact) (nameRecord, error) {
	dir.lk.Lock()
	defer dir.lk.Unlock()

	announced := false
	if cur, found := dir.get(name); found && !cur.deleted {
		if cur.node != dir.localNode {
			return nameRecord{}, ErrNameConflict
		}
		announced = cur.announced
	}

	dir.clock++
	rec := &nameRecord{
		name:      name,
		contact:   contact,
		node:      dir.localNode,
		rev:       dir.clock,
		announced: announced,
	}
	dir.tree, _, _ = dir.tree.Insert([]byte(name), rec)
	return *rec, nil
}

// release tombstones name if we own it. The tombstone is returned so
// that it can be propagated.
func (dir *nameDirectory) release(name string) (nameRecord, error) {
	dir.lk.Lock()
	defer dir.lk.Unlock()

	cur, found := dir.get(name)
	if !found || cur.deleted {
		return nameRecord{}, ErrNameResolution
	}
	if cur.node != dir.localNode {
		return nameRecord{}, ErrNameConflict
	}

	dir.clock++
	rec := &nameRecord{
		name:    name,
		node:    dir.localNode,
		rev:     dir.clock,
		deleted: true,
	}
	dir.tree, _, _ = dir.tree.Insert([]byte(name), rec)
	return *rec, nil
}

// announce flags name as advertised to peers outside the directory.
func (dir *nameDirectory) announce(name string, announced bool) (nameRecord, error) {
	dir.lk.Lock()
	defer dir.lk.Unlock()

	cur, found := dir.get(name)
	if !found || cur.deleted {
		return nameRecord{}, ErrNameResolution
	}
	if cur.node != dir.localNode {
		return nameRecord{}, ErrNameConflict
	}

	dir.clock++
	rec := *cur
	rec.rev = dir.clock
	rec.announced = announced
	dir.tree, _, _ = dir.tree.Insert([]byte(name), &rec)
	return rec, nil
}

func (dir *nameDirectory) resolve(name string) (nameRecord, error) {
	dir.lk.RLock()
	defer dir.lk.RUnlock()
	cur, found := dir.get(name)
	if !found || cur.deleted {
		return nameRecord{}, ErrNameResolution
	}
	return *cur, nil
}

// scan returns the live records whose name starts with prefix, sorted by
// name.
func (dir *nameDirectory) scan(prefix string) []nameRecord {
	dir.lk.RLock()
	tree := dir.tree
	dir.lk.RUnlock()

	var found []nameRecord
	tree.Root().WalkPrefix([]byte(prefix), func(_ []byte, v interface{}) bool {
		if rec := v.(*nameRecord); !rec.deleted {
			found = append(found, *rec)
		}
		return false
	})
	return found
}

// snapshot returns every record, tombstones included.
func (dir *nameDirectory) snapshot() []nameRecord {
	dir.lk.RLock()
	tree := dir.tree
	dir.lk.RUnlock()

	records := make([]nameRecord, 0, tree.Len())
	tree.Root().Walk(func(_ []byte, v interface{}) bool {
		records = append(records, *v.(*nameRecord))
		return false
	})
	return records
}

// merge applies a record learnt from a peer and reports whether it
// changed the directory.
func (dir *nameDirectory) merge(rec nameRecord) bool {
	dir.lk.Lock()
	defer dir.lk.Unlock()

	if rec.rev > dir.clock {
		dir.clock = rec.rev
	}
	if cur, found := dir.get(rec.name); found && !rec.newer(cur) {
		return false
	}
	dir.tree, _, _ = dir.tree.Insert([]byte(rec.name), &rec)
	dir.logger.Debug(
		"name record merged",
		"name", rec.name,
		LabelNodeName.L(rec.node),
		"deleted", rec.deleted,
	)
	return true
}

// dropNode forgets every record owned by node, which left the cluster.
func (dir *nameDirectory) dropNode(node string) int {
	dir.lk.Lock()
	defer dir.lk.Unlock()

	txn := dir.tree.Txn()
	dropped := 0
	dir.tree.Root().Walk(func(k []byte, v interface{}) bool {
		if v.(*nameRecord).node == node {
			txn.Delete(k)
			dropped++
		}
		return false
	})
	dir.tree = txn.Commit()
	return dropped
}

// live is the number of names currently resolvable.
func (dir *nameDirectory) live() int {
	return len(dir.scan(""))
}
