package pathkv

import (
	"context"
	"log/slog"
	"strings"
)

type Options struct {
	// Logger receives backend failures, conflict removals and, when Verbose
	// is set, a debug record per operation. Defaults to slog.Default().
	Logger  *slog.Logger
	Verbose bool

	// MaxFanOut limits the number of backend calls a single fan-out issues at
	// once; zero means no limit.
	MaxFanOut int
}

// Store implements path-addressed documents on top of a Backend.
//
// Writes are not transactional. Set and Delete issue several single-key
// commands (conflict removal, value write, index update) and stop at the
// first failure without rolling back, so a failed call may leave some of its
// effects applied, and a crash between the data and index updates leaves the
// two out of sync until the affected path is written or deleted again.
// Verify reports such leftovers.
type Store struct {
	backend   Backend
	logger    *slog.Logger
	verbose   bool
	maxFanOut int
}

func New(backend Backend, opt Options) *Store {
	if backend == nil {
		panic("pathkv: nil backend")
	}
	logger := opt.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		backend:   backend,
		logger:    logger,
		verbose:   opt.Verbose,
		maxFanOut: opt.MaxFanOut,
	}
}

func (s *Store) Backend() Backend {
	return s.backend
}

func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) debug(msg string, args ...any) {
	if s.verbose {
		s.logger.Debug(msg, args...)
	}
}

func (s *Store) backendFailed(op, key string, err error) error {
	err = backendErrf(op, key, err)
	s.logger.Error("pathkv: backend failure", "op", op, "key", key, "err", err)
	return err
}

// Get returns every stored branch located at or below each of paths. The
// subtrees are concatenated in the order of paths; within a subtree branches
// are in key order. A path matching nothing contributes nothing, so an empty
// tree is a successful result.
func (s *Store) Get(ctx context.Context, paths ...Path) (Tree, error) {
	for _, p := range paths {
		if err := p.Validate(); err != nil {
			return nil, err
		}
	}
	s.debug("pathkv: get", "paths", len(paths))
	subtrees, err := fanOut(len(paths), s.maxFanOut, func(i int) (Tree, error) {
		keys, err := s.matchingKeys(ctx, paths[i])
		if err != nil {
			return nil, err
		}
		return s.fetch(ctx, keys)
	})
	if err != nil {
		return nil, err
	}
	out := Tree{}
	for _, sub := range subtrees {
		out = append(out, sub...)
	}
	return out, nil
}

// All returns every stored branch in key order.
func (s *Store) All(ctx context.Context) (Tree, error) {
	keys, err := s.backend.KeysByPrefix(ctx, "")
	if err != nil {
		return nil, s.backendFailed("keys", "", err)
	}
	return s.fetch(ctx, keys)
}

// fetch reads keys concurrently. Keys that vanish between enumeration and
// fetching are skipped.
func (s *Store) fetch(ctx context.Context, keys []string) (Tree, error) {
	type result struct {
		leaf string
		ok   bool
	}
	results, err := fanOut(len(keys), s.maxFanOut, func(i int) (result, error) {
		leaf, ok, err := s.backend.Get(ctx, keys[i])
		if err != nil {
			return result{}, s.backendFailed("get", keys[i], err)
		}
		return result{leaf, ok}, nil
	})
	if err != nil {
		return nil, err
	}
	out := make(Tree, 0, len(keys))
	for i, r := range results {
		if !r.ok {
			continue
		}
		path, err := ParsePath(keys[i])
		if err != nil {
			s.logger.Warn("pathkv: skipping undecodable key", "key", keys[i], "err", err)
			continue
		}
		out = append(out, Branch{path, r.leaf})
	}
	return out, nil
}

// matchingKeys lists stored keys whose path is p or a descendant of p.
func (s *Store) matchingKeys(ctx context.Context, p Path) ([]string, error) {
	pk := p.Key()
	keys, err := s.backend.KeysByPrefix(ctx, pk)
	if err != nil {
		return nil, s.backendFailed("keys", pk, err)
	}
	out := keys[:0]
	for _, k := range keys {
		if k == pk || strings.HasPrefix(k, pk+string(keySep)) {
			out = append(out, k)
		}
	}
	return out, nil
}

// Set stores every branch of tree, in order. The tree is validated first,
// including that no branch path is a strict prefix of another; an invalid tree
// is rejected before any backend call. For each branch, stored paths that
// conflict with it are deleted before it is written. The first failure aborts
// the remaining branches.
func (s *Store) Set(ctx context.Context, tree Tree) error {
	if err := tree.Validate(); err != nil {
		return err
	}
	if err := CheckTreeConsistency(tree, s.logger); err != nil {
		return err
	}
	s.debug("pathkv: set", "branches", len(tree))
	for _, b := range tree {
		if err := s.setBranch(ctx, b); err != nil {
			return err
		}
	}
	return nil
}

// SetOne stores a single leaf, removing whatever conflicts with it.
func (s *Store) SetOne(ctx context.Context, path Path, leaf string) error {
	if err := path.Validate(); err != nil {
		return err
	}
	return s.setBranch(ctx, Branch{path, leaf})
}

func (s *Store) setBranch(ctx context.Context, b Branch) error {
	conflicts, err := s.FindConflicts(ctx, b.Path)
	if err != nil {
		return err
	}
	if len(conflicts) > 0 {
		keys := make([]string, len(conflicts))
		for i, p := range conflicts {
			keys[i] = p.Key()
		}
		s.logger.Info("pathkv: removing conflicting paths", "path", b.Path.Key(), "conflicts", keys)
		if err := s.removeKeys(ctx, keys); err != nil {
			return err
		}
	}

	key := b.Path.Key()
	if err := s.backend.Put(ctx, key, b.Leaf); err != nil {
		return s.backendFailed("put", key, err)
	}
	if err := s.backend.IndexAdd(ctx, key); err != nil {
		return s.backendFailed("index add", key, err)
	}
	return nil
}

// FindConflicts returns the stored paths that would have to be removed to
// store a leaf at candidate: indexed ancestors of candidate (candidate itself
// included) followed by stored descendants.
func (s *Store) FindConflicts(ctx context.Context, candidate Path) ([]Path, error) {
	if err := candidate.Validate(); err != nil {
		return nil, err
	}
	found, err := fanOut(len(candidate), s.maxFanOut, func(i int) (bool, error) {
		key := candidate[:i+1].Key()
		ok, err := s.backend.IndexContains(ctx, key)
		if err != nil {
			return false, s.backendFailed("index contains", key, err)
		}
		return ok, nil
	})
	if err != nil {
		return nil, err
	}
	var out []Path
	for i, ok := range found {
		if ok {
			out = append(out, candidate.Slice(i+1))
		}
	}

	prefix := candidate.DescendantKeyPrefix()
	keys, err := s.backend.KeysByPrefix(ctx, prefix)
	if err != nil {
		return nil, s.backendFailed("keys", prefix, err)
	}
	for _, k := range keys {
		p, err := ParsePath(k)
		if err != nil {
			s.logger.Warn("pathkv: skipping undecodable key", "key", k, "err", err)
			continue
		}
		if candidate.IsStrictPrefixOf(p) {
			out = append(out, p)
		}
	}
	return out, nil
}

// Delete removes every stored branch located at or below each of paths.
// Paths matching nothing are not an error.
func (s *Store) Delete(ctx context.Context, paths ...Path) error {
	for _, p := range paths {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	s.debug("pathkv: delete", "paths", len(paths))
	for _, p := range paths {
		keys, err := s.matchingKeys(ctx, p)
		if err != nil {
			return err
		}
		if err := s.removeKeys(ctx, keys); err != nil {
			return err
		}
	}
	return nil
}

// removeKeys deletes the keys concurrently, each value before its index entry.
func (s *Store) removeKeys(ctx context.Context, keys []string) error {
	return fanOutErr(len(keys), s.maxFanOut, func(i int) error {
		key := keys[i]
		if err := s.backend.Delete(ctx, key); err != nil {
			return s.backendFailed("delete", key, err)
		}
		if err := s.backend.IndexRemove(ctx, key); err != nil {
			return s.backendFailed("index remove", key, err)
		}
		return nil
	})
}

// GetDocument reads paths and decodes the result with Decode, so the
// longest prefix shared by everything found is stripped.
func (s *Store) GetDocument(ctx context.Context, paths ...Path) (any, error) {
	tree, err := s.Get(ctx, paths...)
	if err != nil {
		return nil, err
	}
	return Decode(tree)
}

// GetDocumentAt returns the document stored under root, relative to root.
// If root holds a leaf, the leaf is returned.
func (s *Store) GetDocumentAt(ctx context.Context, root Path) (any, error) {
	tree, err := s.Get(ctx, root)
	if err != nil {
		return nil, err
	}
	return DecodeAt(tree, root)
}

// SetDocument encodes doc under base and stores it with Set. Existing
// branches under base that the document does not touch are kept.
func (s *Store) SetDocument(ctx context.Context, doc any, base ...string) error {
	tree, err := Encode(doc, base...)
	if err != nil {
		return err
	}
	return s.Set(ctx, tree)
}

// ReplaceDocument deletes everything under base, then stores doc there.
// With no base, every stored branch is deleted first.
func (s *Store) ReplaceDocument(ctx context.Context, doc any, base ...string) error {
	tree, err := Encode(doc, base...)
	if err != nil {
		return err
	}
	if len(base) == 0 {
		err = s.deleteAll(ctx)
	} else {
		err = s.Delete(ctx, Path(base))
	}
	if err != nil {
		return err
	}
	return s.Set(ctx, tree)
}

func (s *Store) deleteAll(ctx context.Context) error {
	s.debug("pathkv: delete all")
	keys, err := s.backend.KeysByPrefix(ctx, "")
	if err != nil {
		return s.backendFailed("keys", "", err)
	}
	return s.removeKeys(ctx, keys)
}
