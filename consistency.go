package pathkv

import "log/slog"

// FindConflicts returns the existing paths that must be removed before
// candidate can be stored as a leaf. A path conflicts if it is an ancestor of
// candidate (or candidate itself), since candidate has to pass through it as a
// container, or if it is a descendant of candidate, since candidate would
// become a leaf where that subtree lives. Results follow the order of
// existing and contain no duplicates.
func FindConflicts(existing []Path, candidate Path) []Path {
	var out []Path
	seen := make(map[string]struct{})
	for _, p := range existing {
		if !candidate.HasPrefix(p) && !candidate.IsStrictPrefixOf(p) {
			continue
		}
		k := p.Key()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, p.Clone())
	}
	return out
}

// IsTreeConsistent reports whether no branch path of tree is a strict prefix
// of another one. Repeated paths are fine: the later branch wins.
func IsTreeConsistent(tree Tree) bool {
	return findClash(tree) == nil
}

// CheckTreeConsistency is IsTreeConsistent returning a ValidationError that
// names the clashing pair. The clash is also logged, since callers usually
// resolve it by dropping or reordering branches rather than failing.
func CheckTreeConsistency(tree Tree, logger *slog.Logger) error {
	c := findClash(tree)
	if c == nil {
		return nil
	}
	if logger != nil {
		logger.Info("pathkv: inconsistent branch", "branch", c.branch.Key(), "clashes_with", c.accepted.Key())
	}
	return validationErrf("set", c.branch, nil, "branch clashes with %q: a path cannot be both a leaf and a container", []string(c.accepted))
}

type clash struct {
	branch   Path
	accepted Path
}

func findClash(tree Tree) *clash {
	accepted := make([]Path, 0, len(tree))
	for _, b := range tree {
		for _, a := range accepted {
			if a.IsStrictPrefixOf(b.Path) || b.Path.IsStrictPrefixOf(a) {
				return &clash{b.Path, a}
			}
		}
		accepted = append(accepted, b.Path)
	}
	return nil
}
