package pathkv

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// Format selects the serialization of tree snapshots.
type Format int

const (
	MsgPack Format = iota
	JSON
)

const snapshotVersion = 1

// snapshot is the serialized form: a version followed by the branches.
type snapshot struct {
	Version  int      `msgpack:"v" json:"version"`
	Branches []Branch `msgpack:"b" json:"branches"`
}

func ParseFormat(s string) (Format, error) {
	switch s {
	case "msgpack", "":
		return MsgPack, nil
	case "json":
		return JSON, nil
	default:
		return 0, fmt.Errorf("pathkv: unknown format %q", s)
	}
}

func (f Format) String() string {
	switch f {
	case MsgPack:
		return "msgpack"
	case JSON:
		return "json"
	default:
		return fmt.Sprintf("Format(%d)", int(f))
	}
}

// WriteTree serializes tree to w.
func WriteTree(w io.Writer, tree Tree, f Format) error {
	snap := snapshot{snapshotVersion, tree}
	switch f {
	case MsgPack:
		bw := bufio.NewWriter(w)
		enc := msgpack.GetEncoder()
		enc.Reset(bw)
		err := enc.Encode(&snap)
		msgpack.PutEncoder(enc)
		if err != nil {
			return fmt.Errorf("pathkv: encoding snapshot using MsgPack: %w", err)
		}
		return bw.Flush()
	case JSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(&snap); err != nil {
			return fmt.Errorf("pathkv: encoding snapshot to JSON: %w", err)
		}
		return nil
	default:
		panic("unsupported format")
	}
}

// ReadTree parses a snapshot written by WriteTree and validates it.
func ReadTree(r io.Reader, f Format) (Tree, error) {
	var snap snapshot
	switch f {
	case MsgPack:
		dec := msgpack.GetDecoder()
		dec.Reset(bufio.NewReader(r))
		err := dec.Decode(&snap)
		msgpack.PutDecoder(dec)
		if err != nil {
			return nil, fmt.Errorf("pathkv: decoding MsgPack snapshot: %w", err)
		}
	case JSON:
		if err := json.NewDecoder(r).Decode(&snap); err != nil {
			return nil, fmt.Errorf("pathkv: decoding JSON snapshot: %w", err)
		}
	default:
		panic("unsupported format")
	}
	if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("pathkv: unsupported snapshot version %d", snap.Version)
	}
	tree := Tree(snap.Branches)
	if err := tree.Validate(); err != nil {
		return nil, err
	}
	return tree, nil
}

// Export writes the whole store as a snapshot.
func (s *Store) Export(ctx context.Context, w io.Writer, f Format) (int, error) {
	tree, err := s.All(ctx)
	if err != nil {
		return 0, err
	}
	return len(tree), WriteTree(w, tree, f)
}

// Import reads a snapshot and stores it with Set.
func (s *Store) Import(ctx context.Context, r io.Reader, f Format) (int, error) {
	tree, err := ReadTree(r, f)
	if err != nil {
		return 0, err
	}
	return len(tree), s.Set(ctx, tree)
}
