package pathkv

import (
	"context"
	"fmt"
	"slices"
	"strings"
)

type DumpFlags uint64

const (
	DumpBranches = DumpFlags(1 << iota)
	DumpIndex
	DumpProblems

	DumpAll = DumpFlags(0xFFFFFFFFFFFFFFFF)
)

var dumpSep = strings.Repeat("-", 60)

func (f DumpFlags) Contains(v DumpFlags) bool {
	return (f & v) == v
}

// IndexLister is implemented by backends that can enumerate their index.
// Verify and Dump need it to compare the index against the stored values.
type IndexLister interface {
	IndexKeys(ctx context.Context) ([]string, error)
}

// Report lists the inconsistencies left behind by interrupted writes.
type Report struct {
	// DataOnly are stored keys missing from the index.
	DataOnly []string
	// IndexOnly are indexed keys without a stored value.
	IndexOnly []string
	// Clashes are pairs of live paths where the first is a strict prefix of
	// the second.
	Clashes [][2]Path
}

func (r *Report) OK() bool {
	return len(r.DataOnly) == 0 && len(r.IndexOnly) == 0 && len(r.Clashes) == 0
}

func (r *Report) String() string {
	if r.OK() {
		return "OK"
	}
	var buf strings.Builder
	for _, k := range r.DataOnly {
		fmt.Fprintf(&buf, "data without index: %s\n", k)
	}
	for _, k := range r.IndexOnly {
		fmt.Fprintf(&buf, "index without data: %s\n", k)
	}
	for _, c := range r.Clashes {
		fmt.Fprintf(&buf, "clash: %s is a prefix of %s\n", c[0].Key(), c[1].Key())
	}
	return buf.String()
}

// Verify compares stored values with the index and checks that no live path
// is a prefix of another one.
func (s *Store) Verify(ctx context.Context) (*Report, error) {
	lister, ok := s.backend.(IndexLister)
	if !ok {
		return nil, fmt.Errorf("pathkv: %T cannot list its index", s.backend)
	}
	dataKeys, err := s.backend.KeysByPrefix(ctx, "")
	if err != nil {
		return nil, s.backendFailed("keys", "", err)
	}
	indexKeys, err := lister.IndexKeys(ctx)
	if err != nil {
		return nil, s.backendFailed("index keys", "", err)
	}
	slices.Sort(dataKeys)
	slices.Sort(indexKeys)

	r := &Report{}
	i, j := 0, 0
	for i < len(dataKeys) || j < len(indexKeys) {
		switch {
		case j >= len(indexKeys) || (i < len(dataKeys) && dataKeys[i] < indexKeys[j]):
			r.DataOnly = append(r.DataOnly, dataKeys[i])
			i++
		case i >= len(dataKeys) || indexKeys[j] < dataKeys[i]:
			r.IndexOnly = append(r.IndexOnly, indexKeys[j])
			j++
		default:
			i++
			j++
		}
	}

	live := make(map[string]bool, len(dataKeys))
	for _, k := range dataKeys {
		live[k] = true
	}
	for _, k := range dataKeys {
		p, err := ParsePath(k)
		if err != nil {
			continue
		}
		for n := 1; n < len(p); n++ {
			if live[p[:n].Key()] {
				r.Clashes = append(r.Clashes, [2]Path{p.Slice(n), p})
			}
		}
	}
	return r, nil
}

// Dump renders the store for debugging.
func (s *Store) Dump(ctx context.Context, f DumpFlags) (string, error) {
	var buf strings.Builder
	if f.Contains(DumpBranches) {
		tree, err := s.All(ctx)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&buf, "%d branches\n", len(tree))
		for _, b := range tree {
			fmt.Fprintf(&buf, "  %s\n", b)
		}
	}
	lister, canList := s.backend.(IndexLister)
	if f.Contains(DumpIndex) && canList {
		keys, err := lister.IndexKeys(ctx)
		if err != nil {
			return "", s.backendFailed("index keys", "", err)
		}
		fmt.Fprintln(&buf, dumpSep)
		fmt.Fprintf(&buf, "%d index entries\n", len(keys))
		for _, k := range keys {
			fmt.Fprintf(&buf, "  %s\n", k)
		}
	}
	if f.Contains(DumpProblems) && canList {
		r, err := s.Verify(ctx)
		if err != nil {
			return "", err
		}
		fmt.Fprintln(&buf, dumpSep)
		buf.WriteString(r.String())
		if r.OK() {
			buf.WriteByte('\n')
		}
	}
	return buf.String(), nil
}
