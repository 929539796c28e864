package pathkv

import (
	"strconv"
	"strings"
)

// Path addresses one location in a document. Paths are values: every method
// that produces a new Path copies, so slices are never shared between
// branches.
type Path []string

const (
	keySep    = '/'
	keyEscape = '\\'
)

// keyReserved lists bytes that are escaped inside a step: the separator, the
// escape byte itself and the glob metacharacters used by prefix enumeration.
const keyReserved = `/\*?[]`

func (p Path) Validate() error {
	if len(p) == 0 {
		return validationErrf("path", p, nil, "empty path")
	}
	for i, step := range p {
		if step == "" {
			return validationErrf("path", p, nil, "step %d is empty", i+1)
		}
	}
	return nil
}

func (p Path) Equal(another Path) bool {
	if len(p) != len(another) {
		return false
	}
	for i, s := range p {
		if another[i] != s {
			return false
		}
	}
	return true
}

// HasPrefix reports whether prefix is equal to p or is an ancestor of p.
func (p Path) HasPrefix(prefix Path) bool {
	if len(prefix) > len(p) {
		return false
	}
	for i, s := range prefix {
		if p[i] != s {
			return false
		}
	}
	return true
}

// IsStrictPrefixOf reports whether p is an ancestor of another (and not equal to it).
func (p Path) IsStrictPrefixOf(another Path) bool {
	return len(p) < len(another) && another.HasPrefix(p)
}

func (p Path) Clone() Path {
	if p == nil {
		return nil
	}
	return append(make(Path, 0, len(p)), p...)
}

// Append returns a new path with steps added at the end.
func (p Path) Append(steps ...string) Path {
	out := make(Path, 0, len(p)+len(steps))
	out = append(out, p...)
	return append(out, steps...)
}

// Slice returns a copy of the first n steps.
func (p Path) Slice(n int) Path {
	return p[:n].Clone()
}

// Key returns the backend key of the path: escaped steps joined by '/'.
func (p Path) Key() string {
	var buf strings.Builder
	for i, step := range p {
		if i > 0 {
			buf.WriteByte(keySep)
		}
		appendEscapedStep(&buf, step)
	}
	return buf.String()
}

// DescendantKeyPrefix is the key prefix shared by all strict descendants of p.
func (p Path) DescendantKeyPrefix() string {
	return p.Key() + string(keySep)
}

func (p Path) String() string {
	return p.Key()
}

func appendEscapedStep(buf *strings.Builder, step string) {
	for i := 0; i < len(step); i++ {
		c := step[i]
		if strings.IndexByte(keyReserved, c) >= 0 {
			buf.WriteByte(keyEscape)
		}
		buf.WriteByte(c)
	}
}

// ParsePath decodes a backend key produced by Path.Key.
func ParsePath(key string) (Path, error) {
	if key == "" {
		return nil, validationErrf("parse", nil, nil, "empty key")
	}
	var path Path
	var step strings.Builder
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch c {
		case keyEscape:
			i++
			if i >= len(key) {
				return nil, validationErrf("parse", nil, nil, "dangling escape in key %q", key)
			}
			step.WriteByte(key[i])
		case keySep:
			path = append(path, step.String())
			step.Reset()
		default:
			step.WriteByte(c)
		}
	}
	path = append(path, step.String())
	if err := path.Validate(); err != nil {
		return nil, validationErrf("parse", path, err, "invalid key %q", key)
	}
	return path, nil
}

// MustParsePath is ParsePath for literals known to be valid.
func MustParsePath(key string) Path {
	return must(ParsePath(key))
}

// ArrayStep returns the step addressing zero-based array index i.
func ArrayStep(i int) string {
	return strconv.Itoa(i + 1)
}

// ParseArrayStep returns the zero-based index addressed by step, if step is an
// array step. Only canonical 1-based decimals qualify, so "01", "+1" and "0"
// are object steps.
func ParseArrayStep(step string) (int, bool) {
	n := len(step)
	if n == 0 || step[0] == '0' {
		return 0, false
	}
	for i := 0; i < n; i++ {
		if step[i] < '0' || step[i] > '9' {
			return 0, false
		}
	}
	v, err := strconv.Atoi(step)
	if err != nil {
		return 0, false
	}
	return v - 1, true
}

// commonPrefixLen returns the number of leading steps shared by all paths.
func commonPrefixLen(paths []Path) int {
	if len(paths) == 0 {
		return 0
	}
	n := len(paths[0])
	for _, p := range paths[1:] {
		if len(p) < n {
			n = len(p)
		}
		for i := 0; i < n; i++ {
			if p[i] != paths[0][i] {
				n = i
				break
			}
		}
	}
	return n
}
