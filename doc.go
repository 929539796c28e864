/*
Package pathkv implements a path-addressed document store on top of a flat
key-value store (Bolt, Redis or memory).

We implement:

1. A codec between JSON-like documents (nested arrays and objects with scalar
leaves) and trees: flat lists of branches, each a path of string steps plus
a string leaf.

2. Structural consistency: a live path is either a leaf or a container, never
both, so no stored path may be a strict prefix of another one.

3. A Store that reads, writes and deletes trees through a Backend, removing
conflicting paths before each write.

# Technical Details

**Paths.**
Object keys are steps as is. Array elements use 1-based decimal steps, so
["a", "b"] encodes to branches at "1" and "2". A step is an array step iff it
is a canonical positive decimal.

**Keys.**
A path is stored under its key: steps joined by '/', with '/', '\' and the
glob metacharacters '*', '?', '[' and ']' escaped by '\'. A descendant's key
always starts with its ancestor's key followed by '/', which is what prefix
enumeration relies on.

**Index.**
Besides values, the backend keeps an ordered index of live keys. It is the
existence oracle for conflict detection, because an empty string is a valid
leaf.

**Conflicts.**
Before writing a leaf at p1..pm, the store removes any indexed path equal to
p1..pn for n <= m (a leaf where a container is needed) and any stored path
below p1..pm (a container where the leaf goes).

**Decoding.**
Branches are turned into single-entry containers bottom-up and merged left
to right; later branches win. A container becomes an array only when its
steps are exactly 1..n, otherwise it becomes an object keyed by step, so a
sparse array such as {"2": "v2", "3": "v3"} stays an object.

**No transactions.**
A write is a sequence of single-key commands. A failure in the middle leaves
whatever was already applied; see Store.Verify.
*/
package pathkv
