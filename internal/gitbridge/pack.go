// Package gitbridge implements the minimal Git Smart HTTP v0 surface of
// spec.md §4.7: clients see a deterministically synthesized commit built
// from the registry's logical file tree, with LFS files rendered as
// pointer blobs rather than their real (possibly huge) content. Push is
// explicitly rejected — see ReceivePack in protocol.go — the versioned
// store remains the only writable backend.
package gitbridge

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/format/packfile"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/memory"
)

// fileEntry is one logical file at the tip of a branch.
type fileEntry struct {
	Path   string
	Size   int64
	SHA256 string // meaningful only when LFS
	LFS    bool
}

// ContentFetcher retrieves the raw bytes of a non-LFS file by path.
type ContentFetcher func(path string) ([]byte, error)

// Identity is the author/committer identity attached to every
// synthesized commit.
type Identity struct {
	Name  string
	Email string
}

// lfsPointer renders the three-line pointer blob spec.md §6 requires in
// place of an LFS file's real content.
func lfsPointer(oid string, size int64) []byte {
	return []byte(fmt.Sprintf("version https://git-lfs.github.com/spec/v1\noid sha256:%s\nsize %d\n", oid, size))
}

// treeNode is one directory of the synthesized tree, keyed by basename.
type treeNode struct {
	files map[string]fileEntry
	dirs  map[string]*treeNode
}

func newTreeNode() *treeNode {
	return &treeNode{files: map[string]fileEntry{}, dirs: map[string]*treeNode{}}
}

func (n *treeNode) insert(path string, f fileEntry) {
	parts := strings.Split(path, "/")
	cur := n
	for _, seg := range parts[:len(parts)-1] {
		child, ok := cur.dirs[seg]
		if !ok {
			child = newTreeNode()
			cur.dirs[seg] = child
		}
		cur = child
	}
	cur.files[parts[len(parts)-1]] = f
}

// gitSortName is how git compares tree entries: directory names sort as
// if suffixed with "/" (spec.md §4.7.1), so a file "foo" sorts before
// "foo-bar" while a directory "foo" sorts after it ('/' > '-').
func gitSortName(name string, isDir bool) string {
	if isDir {
		return name + "/"
	}
	return name
}

func storeBlob(store *memory.Storage, content []byte) (plumbing.Hash, error) {
	obj := store.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if _, err := w.Write(content); err != nil {
		return plumbing.ZeroHash, err
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, err
	}
	return store.SetEncodedObject(obj)
}

// encode recursively builds this directory's Tree object (and every
// descendant) bottom-up, storing each into store and returning its hash.
// Because every directory's oid is the hash of its own synthesized
// content rather than copied from a child, this resolves spec.md §9's
// deterministic-directory-oid open question without extra bookkeeping.
func (n *treeNode) encode(store *memory.Storage, fetch ContentFetcher) (plumbing.Hash, error) {
	type named struct {
		name string
		mode filemode.FileMode
		hash plumbing.Hash
	}
	var entries []named

	for name, f := range n.files {
		content := lfsPointer(f.SHA256, f.Size)
		if !f.LFS {
			raw, err := fetch(f.Path)
			if err != nil {
				return plumbing.ZeroHash, fmt.Errorf("fetch %s: %w", f.Path, err)
			}
			content = raw
		}
		hash, err := storeBlob(store, content)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		entries = append(entries, named{name: name, mode: filemode.Regular, hash: hash})
	}

	for name, child := range n.dirs {
		hash, err := child.encode(store, fetch)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		entries = append(entries, named{name: name, mode: filemode.Dir, hash: hash})
	}

	sort.Slice(entries, func(i, j int) bool {
		return gitSortName(entries[i].name, entries[i].mode == filemode.Dir) <
			gitSortName(entries[j].name, entries[j].mode == filemode.Dir)
	})

	tree := &object.Tree{}
	for _, e := range entries {
		tree.Entries = append(tree.Entries, object.TreeEntry{Name: e.name, Mode: e.mode, Hash: e.hash})
	}
	obj := store.NewEncodedObject()
	if err := tree.Encode(obj); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("encode tree: %w", err)
	}
	return store.SetEncodedObject(obj)
}

// BuildCommit synthesizes the full object graph for files (blobs, trees,
// the root commit) into a fresh in-memory store and returns the commit
// hash. The commit identity is a pure function of the logical tree,
// message, author and timestamp (when), recomputed on every call rather
// than persisted.
func BuildCommit(files []fileEntry, fetch ContentFetcher, id Identity, message string, when time.Time) (*memory.Storage, plumbing.Hash, error) {
	root := newTreeNode()
	for _, f := range files {
		root.insert(f.Path, f)
	}
	store := memory.NewStorage()
	rootHash, err := root.encode(store, fetch)
	if err != nil {
		return nil, plumbing.ZeroHash, err
	}

	sig := object.Signature{Name: id.Name, Email: id.Email, When: when}
	commit := &object.Commit{
		Author:    sig,
		Committer: sig,
		Message:   message,
		TreeHash:  rootHash,
	}
	obj := store.NewEncodedObject()
	if err := commit.Encode(obj); err != nil {
		return nil, plumbing.ZeroHash, fmt.Errorf("encode commit: %w", err)
	}
	commitHash, err := store.SetEncodedObject(obj)
	if err != nil {
		return nil, plumbing.ZeroHash, err
	}
	return store, commitHash, nil
}

// AllHashes enumerates every object in store for pack inclusion.
func AllHashes(store *memory.Storage) ([]plumbing.Hash, error) {
	iter, err := store.IterEncodedObjects(plumbing.AnyObject)
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var hashes []plumbing.Hash
	err = iter.ForEach(func(o plumbing.EncodedObject) error {
		hashes = append(hashes, o.Hash())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return hashes, nil
}

// EncodePack serializes every named object in store into a pack file,
// the byte-exact "PACK" format spec.md §6 describes — delegated to
// go-git's own encoder rather than hand-rolling the varint type+size
// header and zlib framing.
func EncodePack(store *memory.Storage, hashes []plumbing.Hash) ([]byte, error) {
	var buf bytes.Buffer
	enc := packfile.NewEncoder(&buf, store, false)
	if _, err := enc.Encode(hashes, 0); err != nil {
		return nil, fmt.Errorf("encode pack: %w", err)
	}
	return buf.Bytes(), nil
}
