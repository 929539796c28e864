package pathkv

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
)

// Encode flattens a document into a tree. The document must be an array or
// an object (map[string]any, []any, or any map with string keys, slice or
// array); every scalar leaf is stringified. The optional base steps are
// prepended to every path.
//
// Object keys are visited in sorted order; array elements get 1-based steps.
// Empty containers produce no branches.
func Encode(doc any, base ...string) (Tree, error) {
	basePath := Path(base)
	for i, step := range basePath {
		if step == "" {
			return nil, validationErrf("encode", basePath, nil, "base step %d is empty", i+1)
		}
	}
	v := indirect(reflect.ValueOf(doc))
	if !isContainer(v) {
		return nil, validationErrf("encode", basePath, nil, "document must be an array or an object, got %T", doc)
	}
	out := Tree{}
	if err := encodeInto(&out, v, basePath); err != nil {
		return nil, err
	}
	return out, nil
}

func encodeInto(out *Tree, v reflect.Value, path Path) error {
	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		for i, n := 0, v.Len(); i < n; i++ {
			if err := encodeChild(out, v.Index(i), path.Append(ArrayStep(i))); err != nil {
				return err
			}
		}
	case reflect.Map:
		keys := v.MapKeys()
		sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
		for _, k := range keys {
			step := k.String()
			if step == "" {
				return validationErrf("encode", path, nil, "empty object key")
			}
			if err := encodeChild(out, v.MapIndex(k), path.Append(step)); err != nil {
				return err
			}
		}
	}
	return nil
}

func encodeChild(out *Tree, v reflect.Value, path Path) error {
	v = indirect(v)
	if isContainer(v) {
		return encodeInto(out, v, path)
	}
	leaf, err := stringify(v)
	if err != nil {
		return validationErrf("encode", path, err, "unsupported leaf")
	}
	*out = append(*out, Branch{path, leaf})
	return nil
}

var (
	stringerType   = reflect.TypeFor[fmt.Stringer]()
	jsonNumberType = reflect.TypeFor[json.Number]()
	bytesType      = reflect.TypeFor[[]byte]()
)

func indirect(v reflect.Value) reflect.Value {
	for v.IsValid() && (v.Kind() == reflect.Interface || v.Kind() == reflect.Pointer) {
		if v.IsNil() {
			return reflect.Value{}
		}
		if v.Kind() == reflect.Pointer && v.Type().Implements(stringerType) {
			return v
		}
		v = v.Elem()
	}
	return v
}

func isContainer(v reflect.Value) bool {
	if !v.IsValid() || v.Type() == bytesType || v.Type().Implements(stringerType) {
		return false
	}
	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		return true
	case reflect.Map:
		return v.Type().Key().Kind() == reflect.String
	default:
		return false
	}
}

func stringify(v reflect.Value) (string, error) {
	if !v.IsValid() {
		return "null", nil
	}
	if v.Type() == jsonNumberType {
		return v.String(), nil
	}
	if v.Type() == bytesType {
		return string(v.Bytes()), nil
	}
	if v.Type().Implements(stringerType) {
		return v.Interface().(fmt.Stringer).String(), nil
	}
	switch v.Kind() {
	case reflect.String:
		return v.String(), nil
	case reflect.Bool:
		return strconv.FormatBool(v.Bool()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(v.Int(), 10), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(v.Uint(), 10), nil
	case reflect.Float32, reflect.Float64:
		return formatFloat(v.Float(), v.Type().Bits()), nil
	default:
		return "", fmt.Errorf("cannot stringify %s", v.Type())
	}
}

func formatFloat(f float64, bits int) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	}
	if abs := math.Abs(f); abs != 0 && (abs < 1e-6 || abs >= 1e21) {
		return strconv.FormatFloat(f, 'g', -1, bits)
	}
	return strconv.FormatFloat(f, 'f', -1, bits)
}

// Decode rebuilds a document from a tree. The longest path prefix shared by
// all branches is stripped first, so a subtree fetched by prefix decodes
// relative to that prefix. A tree whose branches all share one full path
// decodes to that single leaf. An empty tree decodes to an empty object.
func Decode(tree Tree) (any, error) {
	if err := tree.Validate(); err != nil {
		return nil, err
	}
	if len(tree) == 0 {
		return map[string]any{}, nil
	}
	return assemble(tree, commonPrefixLen(tree.Paths()))
}

// Assemble rebuilds a document from a tree without stripping any shared
// prefix. It is the exact inverse of Encode for documents without empty
// containers.
func Assemble(tree Tree) (any, error) {
	if err := tree.Validate(); err != nil {
		return nil, err
	}
	if len(tree) == 0 {
		return map[string]any{}, nil
	}
	return assemble(tree, 0)
}

// DecodeAt rebuilds the document located at root: root is stripped from
// every branch, and branches outside root are rejected.
func DecodeAt(tree Tree, root Path) (any, error) {
	if err := tree.Validate(); err != nil {
		return nil, err
	}
	for _, b := range tree {
		if !b.Path.HasPrefix(root) {
			return nil, validationErrf("decode", b.Path, nil, "branch is outside of %q", []string(root))
		}
	}
	if len(tree) == 0 {
		return map[string]any{}, nil
	}
	return assemble(tree, len(root))
}

func assemble(tree Tree, skip int) (any, error) {
	// a branch sitting exactly at the root makes the whole document a scalar
	for i := len(tree) - 1; i >= 0; i-- {
		if len(tree[i].Path) == skip {
			return tree[i].Leaf, nil
		}
	}
	var acc *node
	for _, b := range tree {
		n := buildBranch(b.Path[skip:], b.Leaf)
		if acc != nil && acc.array != n.array {
			return nil, validationErrf("decode", b.Path, nil, "cannot combine %s with %s", acc.kindName(), n.kindName())
		}
		acc = mergeNodes(acc, n)
	}
	return acc.finish(), nil
}

// node is the container built while decoding. Its items hold either a string
// leaf or a *node and are keyed by step. An array node only ever holds array
// steps; finish turns it into an object if its steps leave gaps.
type node struct {
	array bool
	items map[string]any
}

func (n *node) kindName() string {
	if n.array {
		return "array"
	}
	return "object"
}

func buildBranch(path Path, leaf string) *node {
	var v any = leaf
	for i := len(path) - 1; i >= 0; i-- {
		_, isArray := ParseArrayStep(path[i])
		v = &node{array: isArray, items: map[string]any{path[i]: v}}
	}
	return v.(*node)
}

// mergeNodes applies the right-biased combine rule to containers of the same
// kind: scalars in second overwrite, containers in second replace anything in
// first that is not a container of the same kind, and containers of the same
// kind present in both are merged recursively.
func mergeNodes(first, second *node) *node {
	if first == nil {
		return second
	}
	for k, v := range second.items {
		sub, ok := v.(*node)
		if !ok {
			first.items[k] = v
			continue
		}
		if existing, ok := first.items[k].(*node); ok && existing.array == sub.array {
			first.items[k] = mergeNodes(existing, sub)
		} else {
			first.items[k] = sub
		}
	}
	return first
}

func (n *node) finish() any {
	if n.array {
		if arr, ok := n.denseArray(); ok {
			for i, v := range arr {
				arr[i] = finishValue(v)
			}
			return arr
		}
	}
	obj := make(map[string]any, len(n.items))
	for k, v := range n.items {
		obj[k] = finishValue(v)
	}
	return obj
}

// denseArray returns items in index order if the steps cover 1..len without
// gaps.
func (n *node) denseArray() ([]any, bool) {
	arr := make([]any, len(n.items))
	for k, v := range n.items {
		i, ok := ParseArrayStep(k)
		if !ok || i >= len(arr) {
			return nil, false
		}
		arr[i] = v
	}
	return arr, true
}

func finishValue(v any) any {
	if sub, ok := v.(*node); ok {
		return sub.finish()
	}
	return v
}

// Combine merges second into first, both being arrays or both objects.
// For every key of second: nil values are skipped, scalars overwrite,
// containers replace a non-matching value in first, and matching containers
// are merged recursively. first may be modified; use the returned value.
func Combine(first, second any) (any, error) {
	switch s := second.(type) {
	case map[string]any:
		f, ok := first.(map[string]any)
		if !ok {
			return nil, validationErrf("combine", nil, nil, "cannot combine %s with %s", kindName(first), kindName(second))
		}
		if f == nil {
			f = make(map[string]any, len(s))
		}
		for k, v := range s {
			merged, err := combineValue(f[k], v)
			if err != nil {
				return nil, err
			}
			if merged != nil {
				f[k] = merged
			}
		}
		return f, nil
	case []any:
		f, ok := first.([]any)
		if !ok {
			return nil, validationErrf("combine", nil, nil, "cannot combine %s with %s", kindName(first), kindName(second))
		}
		for i, v := range s {
			var cur any
			if i < len(f) {
				cur = f[i]
			}
			merged, err := combineValue(cur, v)
			if err != nil {
				return nil, err
			}
			if merged == nil {
				continue
			}
			for len(f) <= i {
				f = append(f, nil)
			}
			f[i] = merged
		}
		return f, nil
	default:
		return nil, validationErrf("combine", nil, nil, "cannot combine %s with %s", kindName(first), kindName(second))
	}
}

func combineValue(cur, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch v.(type) {
	case map[string]any, []any:
		if kindName(cur) != kindName(v) {
			return v, nil
		}
		return Combine(cur, v)
	default:
		return v, nil
	}
}

func kindName(v any) string {
	switch v.(type) {
	case map[string]any:
		return "object"
	case []any:
		return "array"
	default:
		return "scalar"
	}
}

// EncodeJSON parses a JSON document and encodes it. Numbers keep their
// original text.
func EncodeJSON(data []byte, base ...string) (Tree, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, validationErrf("encode", Path(base), err, "invalid JSON")
	}
	return Encode(doc, base...)
}

// DecodeJSON decodes a tree and renders the document as JSON.
func DecodeJSON(tree Tree) ([]byte, error) {
	doc, err := Decode(tree)
	if err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}
