// Package cowstore is the content-addressed, copy-on-write object layer on
// top of a backend.Backend: commits, trees, and blobs, with a collapsing
// write buffer for networked backends and a CAS-protected refs/head.
package cowstore

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/cuemby/vgraph/pkg/backend"
	"github.com/cuemby/vgraph/pkg/codec"
	"github.com/cuemby/vgraph/pkg/errs"
	"github.com/cuemby/vgraph/pkg/log"
	"github.com/cuemby/vgraph/pkg/metrics"
	"github.com/cuemby/vgraph/pkg/types"
	"github.com/rs/zerolog"
)

const (
	headRef = "refs/head"

	maxRefRetries = 5
	refRetryBase  = 20 * time.Millisecond
)

// Change is one entry of a commit: either a blob write at logicalPath, or a
// tombstone removing it.
type Change struct {
	LogicalPath string
	Bytes       []byte
	Tombstone   bool
}

// Store is the COWStore. It is safe for concurrent use; commit() serializes
// internally via refs/head CAS retry.
type Store struct {
	be     backend.Backend
	hasher types.Hasher
	clock  types.Clock
	writer string

	wb *writeBuffer
	lg zerolog.Logger
}

// Options configures a Store.
type Options struct {
	Hasher          types.Hasher // defaults to SHA-256
	Clock           types.Clock  // defaults to types.SystemClock
	Writer          string       // identifies this process in commit objects
	FlushWindow     time.Duration
	BufferCap       int
	FlushConcurrency int
}

// New constructs a Store over be. Buffering only engages for networked
// backends (be.Kind() != "file" and != "memory"); local backends write
// through synchronously because the per-write cost is already
// microseconds.
func New(ctx context.Context, be backend.Backend, opts Options) *Store {
	if opts.Hasher == nil {
		opts.Hasher = sha256Hasher{}
	}
	if opts.Clock == nil {
		opts.Clock = types.SystemClock{}
	}
	if opts.Writer == "" {
		opts.Writer = "vgraph"
	}

	s := &Store{
		be:     be,
		hasher: opts.Hasher,
		clock:  opts.Clock,
		writer: opts.Writer,
		lg:     log.WithComponent("cowstore"),
	}

	if networked(be) {
		s.wb = newWriteBuffer(be, opts.FlushWindow, opts.BufferCap, opts.FlushConcurrency)
		s.wb.start(ctx)
	}

	return s
}

func networked(be backend.Backend) bool {
	k := be.Kind()
	return k != "file" && k != "memory"
}

// Close joins the write-buffer flush loop (if any), flushing any
// remaining writes synchronously first.
func (s *Store) Close(ctx context.Context) error {
	if s.wb != nil {
		return s.wb.stop(ctx)
	}
	return nil
}

func (s *Store) put(ctx context.Context, key string, value []byte) error {
	if s.wb != nil {
		return s.wb.put(ctx, key, value)
	}
	return s.be.Put(ctx, key, value)
}

func (s *Store) delete(ctx context.Context, key string) error {
	if s.wb != nil {
		return s.wb.delete(ctx, key)
	}
	return s.be.Delete(ctx, key)
}

// ReadObject reads the raw bytes referenced by digest, trying blob, tree,
// and commit key spaces.
func (s *Store) ReadObject(ctx context.Context, digest string) ([]byte, error) {
	for _, prefix := range []string{"blob/", "tree/", "commit/"} {
		b, err := s.be.Get(ctx, prefix+digest)
		if err == nil {
			return b, nil
		}
		if errs.KindOf(err) != errs.NotFound {
			return nil, err
		}
	}
	return nil, errs.New(errs.NotFound, "cowstore.ReadObject", "no object with digest "+digest)
}

// WriteObject content-addresses bytes under "blob/<digest>", deduplicating:
// if an object with this digest already exists, no new write occurs.
func (s *Store) WriteObject(ctx context.Context, data []byte) (string, error) {
	digest := s.hasher.Hash(data)
	key := "blob/" + digest

	exists, err := s.be.Exists(ctx, key)
	if err != nil {
		return "", err
	}
	if exists {
		return digest, nil
	}

	if err := s.put(ctx, key, data); err != nil {
		return "", err
	}
	return digest, nil
}

// ReadRef reads the digest refs/<name> currently points to.
func (s *Store) ReadRef(ctx context.Context, name string) (string, error) {
	b, err := s.be.Get(ctx, "ref:"+name)
	if err != nil {
		if errs.KindOf(err) == errs.NotFound {
			return "", nil
		}
		return "", err
	}
	return string(b), nil
}

// UpdateRef performs a compare-and-swap: it succeeds only if the ref
// currently holds expectedOld.
func (s *Store) UpdateRef(ctx context.Context, name, expectedOld, newDigest string) error {
	key := "ref:" + name
	current, err := s.ReadRef(ctx, name)
	if err != nil {
		return err
	}
	if current != expectedOld {
		return errs.New(errs.PreconditionFailed, "cowstore.UpdateRef", fmt.Sprintf("ref %s: expected %q, found %q", name, expectedOld, current))
	}
	return s.put(ctx, key, []byte(newDigest))
}

// Head returns the commit digest refs/head currently points to, or "" if
// no commit has ever been made.
func (s *Store) Head(ctx context.Context) (string, error) {
	return s.ReadRef(ctx, "head")
}

// Commit atomically writes new/changed blobs, rebuilds the tree along the
// mutation path, writes a new commit object, and CASes refs/head. On a CAS
// conflict it retries with exponential backoff, making at most
// maxRefRetries attempts in total;
// on final failure the commit is aborted and refs/head is left untouched.
func (s *Store) Commit(ctx context.Context, changes []Change) (commitDigest string, err error) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.CommitDuration)
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		metrics.CommitsTotal.WithLabelValues(outcome).Inc()
	}()

	for attempt := 0; attempt < maxRefRetries; attempt++ {
		headDigest, herr := s.Head(ctx)
		if herr != nil {
			return "", herr
		}

		var parentTree Tree
		if headDigest != "" {
			parentCommit, cerr := s.readCommit(ctx, headDigest)
			if cerr != nil {
				return "", cerr
			}
			parentTree, cerr = s.readTree(ctx, parentCommit.TreeDigest)
			if cerr != nil {
				return "", cerr
			}
		}

		newTree, terr := s.applyChanges(ctx, parentTree, changes)
		if terr != nil {
			return "", terr
		}

		treeDigest, werr := s.writeTree(ctx, newTree)
		if werr != nil {
			return "", werr
		}

		seq := int64(1)
		if headDigest != "" {
			parentCommit, cerr := s.readCommit(ctx, headDigest)
			if cerr != nil {
				return "", cerr
			}
			seq = parentCommit.Seq + 1
		}

		commit := Commit{
			Seq:         seq,
			Parent:      headDigest,
			TreeDigest:  treeDigest,
			TimestampMs: s.clock.NowMs(),
			Writer:      s.writer,
		}

		commitBytes, merr := json.Marshal(commit)
		if merr != nil {
			return "", errs.Wrap(errs.InvalidArgument, "cowstore.Commit", merr, "failed to marshal commit")
		}
		digest := s.hasher.Hash(commitBytes)

		if err := s.put(ctx, "commit/"+digest, commitBytes); err != nil {
			return "", err
		}

		casErr := s.UpdateRef(ctx, "head", headDigest, digest)
		if casErr == nil {
			return digest, nil
		}
		if errs.KindOf(casErr) != errs.PreconditionFailed {
			return "", casErr
		}

		metrics.RefUpdateRetriesTotal.Inc()
		backoff := refRetryBase * time.Duration(1<<uint(attempt))
		jitter := time.Duration(rand.Int63n(int64(backoff) + 1))
		time.Sleep(backoff + jitter)
	}

	return "", errs.New(errs.Conflict, "cowstore.Commit", "refs/head CAS exceeded retry budget")
}

// Lookup resolves logicalPath within the tree of commitID (or the current
// head if commitID is empty), returning its blob bytes.
func (s *Store) Lookup(ctx context.Context, commitID, logicalPath string) ([]byte, error) {
	digest := commitID
	if digest == "" {
		var err error
		digest, err = s.Head(ctx)
		if err != nil {
			return nil, err
		}
		if digest == "" {
			return nil, errs.New(errs.NotFound, "cowstore.Lookup", "no commits yet")
		}
	}

	commit, err := s.readCommit(ctx, digest)
	if err != nil {
		return nil, err
	}
	tree, err := s.readTree(ctx, commit.TreeDigest)
	if err != nil {
		return nil, err
	}

	blobDigest, ok := lookupPath(tree, logicalPath)
	if !ok {
		return nil, errs.New(errs.NotFound, "cowstore.Lookup", "path not found: "+logicalPath).WithEntity(logicalPath)
	}
	return s.ReadObject(ctx, blobDigest)
}

// ListPrefix lists the logical paths under prefix that exist in the given
// commit's tree (the current head's tree if commitID is empty), sorted
// ascending. Used by index rebuild for offset-based pagination: callers
// slice the returned, deterministically ordered list by plain integer
// offsets rather than a cursor.
func (s *Store) ListPrefix(ctx context.Context, commitID, prefix string) ([]string, error) {
	digest := commitID
	if digest == "" {
		var err error
		digest, err = s.Head(ctx)
		if err != nil {
			return nil, err
		}
		if digest == "" {
			return nil, nil
		}
	}

	commit, err := s.readCommit(ctx, digest)
	if err != nil {
		return nil, err
	}
	tree, err := s.readTree(ctx, commit.TreeDigest)
	if err != nil {
		return nil, err
	}

	var paths []string
	collectPaths(tree, "", &paths)

	var matched []string
	for _, p := range paths {
		if strings.HasPrefix(p, prefix) {
			matched = append(matched, p)
		}
	}
	sort.Strings(matched)
	return matched, nil
}

func (s *Store) readCommit(ctx context.Context, digest string) (Commit, error) {
	b, err := s.be.Get(ctx, "commit/"+digest)
	if err != nil {
		return Commit{}, err
	}
	var c Commit
	if err := json.Unmarshal(b, &c); err != nil {
		return Commit{}, errs.Wrap(errs.IntegrityError, "cowstore.readCommit", err, "corrupt commit object")
	}
	return c, nil
}

func (s *Store) readTree(ctx context.Context, digest string) (Tree, error) {
	if digest == "" {
		return Tree{}, nil
	}
	b, err := s.be.Get(ctx, "tree/"+digest)
	if err != nil {
		return Tree{}, err
	}
	var t Tree
	if err := json.Unmarshal(b, &t); err != nil {
		return Tree{}, errs.Wrap(errs.IntegrityError, "cowstore.readTree", err, "corrupt tree object")
	}
	return t, nil
}

func (s *Store) writeTree(ctx context.Context, t Tree) (string, error) {
	sort.Slice(t.Entries, func(i, j int) bool { return t.Entries[i].Name < t.Entries[j].Name })
	b, err := json.Marshal(t)
	if err != nil {
		return "", errs.Wrap(errs.InvalidArgument, "cowstore.writeTree", err, "failed to marshal tree")
	}
	digest := s.hasher.Hash(b)
	if err := s.put(ctx, "tree/"+digest, b); err != nil {
		return "", err
	}
	return digest, nil
}

// applyChanges builds a new flat tree from parent plus changes. The tree
// is modeled as a single flat sorted map (logical path -> blob digest)
// rather than a nested directory tree of subtrees: structural sharing is
// achieved at the blob level (writeObject dedup) and at the whole-tree
// level (unrelated commits whose changes don't touch a path keep referring
// to the same blob digest for it).
func (s *Store) applyChanges(ctx context.Context, parent Tree, changes []Change) (Tree, error) {
	flat := make(map[string]string, len(parent.Entries))
	for _, e := range parent.Entries {
		flat[e.Name] = e.Digest
	}

	for _, c := range changes {
		if c.Tombstone {
			delete(flat, c.LogicalPath)
			continue
		}
		digest, err := s.WriteObject(ctx, c.Bytes)
		if err != nil {
			return Tree{}, err
		}
		flat[c.LogicalPath] = digest
	}

	entries := make([]TreeEntry, 0, len(flat))
	for path, digest := range flat {
		entries = append(entries, TreeEntry{Name: path, Digest: digest})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return Tree{Entries: entries}, nil
}

func lookupPath(t Tree, path string) (string, bool) {
	for _, e := range t.Entries {
		if e.Name == path {
			return e.Digest, true
		}
	}
	return "", false
}

func collectPaths(t Tree, _ string, out *[]string) {
	for _, e := range t.Entries {
		*out = append(*out, e.Name)
	}
}

// WrapJSON and UnwrapJSON expose codec.Wrap/Unwrap to callers that need to
// serialize entity/relationship bodies before passing them as Change.Bytes
// — the JSON-vs-raw decision for the key the caller is about to write
// belongs to codec.ForKey, not to this package.
func WrapJSON(v any) ([]byte, error)       { return codec.Wrap(v) }
func UnwrapJSON(b []byte, v any) error     { return codec.Unwrap(b, v) }
