package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	"github.com/andreyvit/pathkv"
)

type cmdSet struct {
	Path    string `arg:"" help:"Path to store the document under, e.g. data/cars."`
	JSON    string `arg:"" name:"json" help:"JSON array or object; '-' reads stdin."`
	Replace bool   `short:"r" help:"Delete everything under the path first."`
}

type cmdPut struct {
	Path string `arg:"" help:"Path of the leaf."`
	Leaf string `arg:"" help:"Leaf value, stored as is."`
}

type cmdGet struct {
	Paths []string `arg:"" help:"Paths to read."`
	Tree  bool     `short:"t" help:"Print branches instead of a JSON document."`
}

type cmdDelete struct {
	Paths []string `arg:"" help:"Paths to delete, with everything below them."`
}

type cmdConflicts struct {
	Path string `arg:"" help:"Candidate leaf path."`
}

type cmdDump struct{}

type cmdVerify struct{}

type cmdExport struct {
	File   string `arg:"" help:"Snapshot file to write; '-' writes stdout."`
	Format string `short:"f" enum:"msgpack,json" default:"msgpack" help:"Snapshot format (msgpack, json)."`
}

type cmdImport struct {
	File   string `arg:"" help:"Snapshot file to read; '-' reads stdin."`
	Format string `short:"f" enum:"msgpack,json" default:"msgpack" help:"Snapshot format (msgpack, json)."`
}

type cmdDemo struct{}

type cliArgs struct {
	Config kong.ConfigFlag `help:"Load flags from a JSON file."`

	Backend        string `default:"bolt" enum:"bolt,memory,redis" env:"PATHKV_BACKEND" help:"Storage backend (bolt, memory, redis)."`
	BoltPath       string `default:"pathkv.db" type:"path" env:"PATHKV_BOLT_PATH" help:"Bolt database file."`
	RedisAddr      string `default:"localhost:6379" env:"PATHKV_REDIS_ADDR" help:"Redis server address."`
	RedisNamespace string `default:"pathkv:" env:"PATHKV_REDIS_NAMESPACE" help:"Prefix for every Redis key."`
	MaxFanOut      int    `default:"0" env:"PATHKV_MAX_FAN_OUT" help:"Limit on concurrent backend calls per operation (0 = unlimited)."`
	Verbose        bool   `short:"v" env:"PATHKV_VERBOSE" help:"Log every operation on stderr."`

	Set       cmdSet       `cmd:"" help:"Store a JSON document under a path."`
	Put       cmdPut       `cmd:"" help:"Store a single leaf."`
	Get       cmdGet       `cmd:"" help:"Read the documents under paths."`
	Delete    cmdDelete    `cmd:"" help:"Delete paths and everything below them."`
	Conflicts cmdConflicts `cmd:"" help:"List stored paths that writing a leaf at the path would remove."`
	Dump      cmdDump      `cmd:"" help:"Print every branch and index entry."`
	Verify    cmdVerify    `cmd:"" help:"Check that the index matches the data and no path is both a leaf and a container."`
	Export    cmdExport    `cmd:"" help:"Write all branches to a snapshot file."`
	Import    cmdImport    `cmd:"" help:"Load a snapshot file."`
	Demo      cmdDemo      `cmd:"" help:"Run a short conflict-resolution scenario."`
}

// CliConfig contains the configuration for the pathkv cli
type CliConfig struct {
	Name        string
	Description string
	// ConfigPaths are JSON files consulted for flag defaults.
	ConfigPaths []string
	Exit        func(int)
	// Create opens files written by export.
	Create      func(name string) (io.WriteCloser, error)
	Stdin       io.Reader
	Stdout      io.Writer
	Stderr      io.Writer
}

// NewCliConfig returns a new Config struct with default values populated
func NewCliConfig() *CliConfig {
	return &CliConfig{
		Name:        "pathkv",
		Description: "Store JSON documents as path-addressed leaves in Bolt or Redis.",
		ConfigPaths: []string{"~/.pathkv.json", ".pathkv.json"},
		Exit:        os.Exit,
		Create:      createFile,
		Stdin:       os.Stdin,
		Stdout:      os.Stdout,
		Stderr:      os.Stderr,
	}
}

// Cli parses args (without the program name) and runs the selected command.
func Cli(args []string, config *CliConfig) (rc int, err error) {
	var cli cliArgs
	parser, err := kong.New(&cli,
		kong.Name(config.Name),
		kong.Description(config.Description),
		kong.Exit(config.Exit),
		kong.Writers(config.Stdout, config.Stderr),
		kong.Configuration(kong.JSON, config.ConfigPaths...),
	)
	if err != nil {
		return 1, err
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		return 1, err
	}

	level := slog.LevelInfo
	if cli.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(config.Stderr, &slog.HandlerOptions{Level: level}))

	ctx := context.Background()
	backend, err := openBackend(ctx, &cli)
	if err != nil {
		return 1, err
	}
	store := pathkv.New(backend, pathkv.Options{
		Logger:    logger,
		Verbose:   cli.Verbose,
		MaxFanOut: cli.MaxFanOut,
	})
	defer store.Close()

	r := &runner{store: store, cfg: config}
	switch cmd := kctx.Command(); cmd {
	case "set <path> <json>":
		err = r.set(ctx, &cli.Set)
	case "put <path> <leaf>":
		err = r.put(ctx, &cli.Put)
	case "get <paths>":
		err = r.get(ctx, &cli.Get)
	case "delete <paths>":
		err = r.delete(ctx, &cli.Delete)
	case "conflicts <path>":
		err = r.conflicts(ctx, &cli.Conflicts)
	case "dump":
		err = r.dump(ctx)
	case "verify":
		rc, err = r.verify(ctx)
	case "export <file>":
		err = r.export(ctx, &cli.Export)
	case "import <file>":
		err = r.importSnapshot(ctx, &cli.Import)
	case "demo":
		err = r.demo(ctx)
	default:
		err = fmt.Errorf("unknown command %q", cmd)
	}
	if err != nil && rc == 0 {
		rc = 1
	}
	return rc, err
}

func openBackend(ctx context.Context, cli *cliArgs) (pathkv.Backend, error) {
	switch cli.Backend {
	case "bolt":
		return pathkv.OpenBolt(cli.BoltPath, pathkv.BoltOptions{})
	case "memory":
		return pathkv.NewMemoryBackend(), nil
	case "redis":
		return pathkv.DialRedis(ctx, cli.RedisAddr, pathkv.RedisOptions{Namespace: cli.RedisNamespace})
	default:
		return nil, fmt.Errorf("unknown backend %q", cli.Backend)
	}
}

type runner struct {
	store *pathkv.Store
	cfg   *CliConfig
}

func (r *runner) printJSON(v any) error {
	enc := json.NewEncoder(r.cfg.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (r *runner) set(ctx context.Context, c *cmdSet) error {
	path, err := pathkv.ParsePath(c.Path)
	if err != nil {
		return err
	}
	data := []byte(c.JSON)
	if c.JSON == "-" {
		data, err = io.ReadAll(r.cfg.Stdin)
		if err != nil {
			return err
		}
	}
	tree, err := pathkv.EncodeJSON(data, path...)
	if err != nil {
		return err
	}
	if c.Replace {
		if err := r.store.Delete(ctx, path); err != nil {
			return err
		}
	}
	return r.store.Set(ctx, tree)
}

func (r *runner) put(ctx context.Context, c *cmdPut) error {
	path, err := pathkv.ParsePath(c.Path)
	if err != nil {
		return err
	}
	return r.store.SetOne(ctx, path, c.Leaf)
}

func parsePaths(keys []string) ([]pathkv.Path, error) {
	paths := make([]pathkv.Path, len(keys))
	for i, k := range keys {
		p, err := pathkv.ParsePath(k)
		if err != nil {
			return nil, err
		}
		paths[i] = p
	}
	return paths, nil
}

func (r *runner) get(ctx context.Context, c *cmdGet) error {
	paths, err := parsePaths(c.Paths)
	if err != nil {
		return err
	}
	if c.Tree {
		tree, err := r.store.Get(ctx, paths...)
		if err != nil {
			return err
		}
		for _, b := range tree {
			fmt.Fprintln(r.cfg.Stdout, b)
		}
		return nil
	}
	var doc any
	if len(paths) == 1 {
		doc, err = r.store.GetDocumentAt(ctx, paths[0])
	} else {
		doc, err = r.store.GetDocument(ctx, paths...)
	}
	if err != nil {
		return err
	}
	return r.printJSON(doc)
}

func (r *runner) delete(ctx context.Context, c *cmdDelete) error {
	paths, err := parsePaths(c.Paths)
	if err != nil {
		return err
	}
	return r.store.Delete(ctx, paths...)
}

func (r *runner) conflicts(ctx context.Context, c *cmdConflicts) error {
	path, err := pathkv.ParsePath(c.Path)
	if err != nil {
		return err
	}
	conflicts, err := r.store.FindConflicts(ctx, path)
	if err != nil {
		return err
	}
	for _, p := range conflicts {
		fmt.Fprintln(r.cfg.Stdout, p)
	}
	return nil
}

func (r *runner) dump(ctx context.Context) error {
	s, err := r.store.Dump(ctx, pathkv.DumpAll)
	if err != nil {
		return err
	}
	_, err = io.WriteString(r.cfg.Stdout, s)
	return err
}

func (r *runner) verify(ctx context.Context) (int, error) {
	report, err := r.store.Verify(ctx)
	if err != nil {
		return 1, err
	}
	fmt.Fprintln(r.cfg.Stdout, report)
	if !report.OK() {
		return 2, nil
	}
	return 0, nil
}

func createFile(name string) (io.WriteCloser, error) {
	return os.Create(name)
}

func (r *runner) export(ctx context.Context, c *cmdExport) (err error) {
	f, err := pathkv.ParseFormat(c.Format)
	if err != nil {
		return err
	}
	w := r.cfg.Stdout
	if c.File != "-" {
		file, err := r.cfg.Create(c.File)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := file.Close(); cerr != nil && err == nil {
				err = fmt.Errorf("closing %s: %w", c.File, cerr)
			}
		}()
		w = file
	}
	n, err := r.store.Export(ctx, w, f)
	if err != nil {
		return err
	}
	fmt.Fprintf(r.cfg.Stderr, "exported %d branches\n", n)
	return nil
}

func (r *runner) importSnapshot(ctx context.Context, c *cmdImport) error {
	f, err := pathkv.ParseFormat(c.Format)
	if err != nil {
		return err
	}
	rd := r.cfg.Stdin
	if c.File != "-" {
		file, err := os.Open(c.File)
		if err != nil {
			return err
		}
		defer file.Close()
		rd = file
	}
	n, err := r.store.Import(ctx, rd, f)
	if err != nil {
		return err
	}
	fmt.Fprintf(r.cfg.Stderr, "imported %d branches\n", n)
	return nil
}

// demo stores a leaf at data, then leaves below data/cars, which evicts the
// first one, and prints what is left under data/cars.
func (r *runner) demo(ctx context.Context) error {
	steps := []pathkv.Branch{
		{Path: pathkv.Path{"data"}, Leaf: "v"},
		{Path: pathkv.Path{"data", "cars", "2"}, Leaf: "v2"},
		{Path: pathkv.Path{"data", "cars", "3"}, Leaf: "v3"},
	}
	for _, b := range steps {
		if err := r.store.SetOne(ctx, b.Path, b.Leaf); err != nil {
			return err
		}
	}
	tree, err := r.store.Get(ctx, pathkv.Path{"data", "cars"})
	if err != nil {
		return err
	}
	for _, b := range tree {
		fmt.Fprintln(r.cfg.Stdout, b)
	}
	return nil
}
