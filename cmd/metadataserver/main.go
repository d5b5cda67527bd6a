package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"

	"replicafs/internal/logging"
	"replicafs/internal/metadataserver"
	"replicafs/internal/protocol"
)

type options struct {
	Listen            string        `long:"listen" env:"METADATA_LISTEN" default:":8000" description:"HTTP listen address"`
	DB                string        `long:"db" env:"METADATA_DB" default:"metadata.db" description:"LevelDB directory for file and node records (empty keeps them in memory)"`
	ReplicationFactor int           `short:"r" long:"replication" env:"REPLICATION_FACTOR" default:"2" description:"replicas per chunk"`
	Nodes             []string      `long:"node" env:"STORAGE_NODES" env-delim:"," description:"storage node as id=endpoint; repeatable"`
	ProbeInterval     time.Duration `long:"probe-interval" default:"3s" description:"health probe period"`
	ProbeTimeout      time.Duration `long:"probe-timeout" default:"2s" description:"timeout for a single probe"`
	PurgeTimeout      time.Duration `long:"purge-timeout" default:"30s" description:"how long chunk deletion may run after a file delete"`
	AuditInterval     time.Duration `long:"audit-interval" default:"1m" description:"how often to report under-replicated chunks (<0 disables)"`
	MaxChunksPerFile  int           `long:"max-chunks" default:"1048576" description:"largest chunk count accepted for one file"`
	LogLevel          string        `long:"log-level" env:"LOG_LEVEL" default:"info" description:"trace, debug, info, warn or error"`
	LogFormat         string        `long:"log-format" env:"LOG_FORMAT" default:"console" choice:"console" choice:"json" description:"log output format"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}

	log, err := logging.New(opts.LogLevel, opts.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	nodes, err := parseNodes(opts.Nodes)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid --node")
	}

	srv, err := metadataserver.New(metadataserver.Config{
		ReplicationFactor: opts.ReplicationFactor,
		DBPath:            opts.DB,
		Nodes:             nodes,
		ProbeInterval:     opts.ProbeInterval,
		ProbeTimeout:      opts.ProbeTimeout,
		PurgeTimeout:      opts.PurgeTimeout,
		AuditInterval:     opts.AuditInterval,
		MaxChunksPerFile:  opts.MaxChunksPerFile,
	}, metadataserver.WithLogger(log.With().Str("component", "metadata").Logger()))
	if err != nil {
		log.Fatal().Err(err).Msg("metadata server init failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.ListenAndServe(ctx, opts.Listen); err != nil {
		log.Fatal().Err(err).Msg("metadata server failed")
	}
}

// parseNodes reads id=endpoint pairs.
func parseNodes(specs []string) ([]protocol.NodeRef, error) {
	var nodes []protocol.NodeRef
	for _, spec := range specs {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			continue
		}
		id, endpoint, ok := strings.Cut(spec, "=")
		id, endpoint = strings.TrimSpace(id), strings.TrimSpace(endpoint)
		if !ok || id == "" || endpoint == "" {
			return nil, fmt.Errorf("expected id=endpoint, got %q", spec)
		}
		nodes = append(nodes, protocol.NodeRef{ID: id, Endpoint: endpoint})
	}
	return nodes, nil
}
