package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/rs/zerolog"

	"replicafs/internal/chunker"
	"replicafs/internal/client"
	"replicafs/internal/logging"
	"replicafs/internal/transfer"
)

type globalOptions struct {
	Metadata    string        `short:"m" long:"metadata" env:"METADATA_SERVER" default:"localhost:8000" description:"metadata server endpoint"`
	Timeout     time.Duration `long:"timeout" default:"10s" description:"per-request timeout for metadata and chunk calls"`
	ChunkSize   int           `long:"chunk-size" default:"1048576" description:"upload chunk size in bytes"`
	Parallelism int           `long:"parallelism" default:"4" description:"chunks transferred at once"`
	Retries     int           `long:"retries" default:"3" description:"upload retry rounds for incomplete chunks"`
	LogLevel    string        `long:"log-level" env:"LOG_LEVEL" default:"warn" description:"trace, debug, info, warn or error"`
	LogFormat   string        `long:"log-format" default:"console" choice:"console" choice:"json" description:"log output format"`
}

var opts globalOptions

// app bundles what every command needs.
type app struct {
	log    zerolog.Logger
	meta   *transfer.MetadataClient
	nodes  *transfer.NodeClient
	client *client.Client
	out    io.Writer
}

// newApp builds the clients and checks that the metadata server answers.
func newApp(ctx context.Context) (*app, error) {
	log, err := logging.New(opts.LogLevel, opts.LogFormat)
	if err != nil {
		return nil, err
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = chunker.DefaultChunkSize
	}

	meta := transfer.NewMetadataClient(opts.Metadata, opts.Timeout)
	nodes := transfer.NewNodeClient(transfer.WithNodeTimeout(opts.Timeout))
	if err := meta.Health(ctx); err != nil {
		return nil, err
	}

	return &app{
		log:   log,
		meta:  meta,
		nodes: nodes,
		client: client.New(meta, nodes,
			client.WithChunkSize(opts.ChunkSize),
			client.WithChunkTimeout(opts.Timeout),
			client.WithParallelism(opts.Parallelism),
			client.WithMaxRetries(opts.Retries),
			client.WithLogger(log),
		),
		out: os.Stdout,
	}, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	parser.Name = "replicafs"
	parser.SubcommandsOptional = false
	addCommands(ctx, parser)

	if _, err := parser.Parse(); err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func addCommands(ctx context.Context, parser *flags.Parser) {
	commands := []struct {
		name, short string
		cmd         any
	}{
		{"status", "Show metadata server and storage node health", &statusCommand{ctx: ctx}},
		{"upload", "Upload a file", &uploadCommand{ctx: ctx}},
		{"list", "List stored files", &listCommand{ctx: ctx}},
		{"download", "Download a file by id", &downloadCommand{ctx: ctx}},
		{"delete", "Delete a file by id", &deleteCommand{ctx: ctx}},
	}
	for _, c := range commands {
		if _, err := parser.AddCommand(c.name, c.short, c.short, c.cmd); err != nil {
			panic(err)
		}
	}
}
