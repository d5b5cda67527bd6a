package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"

	"replicafs/internal/logging"
	"replicafs/internal/storagenode"
	"replicafs/internal/transfer"
)

type options struct {
	NodeID           string        `long:"id" env:"NODE_ID" required:"yes" description:"node id reported to the metadata server"`
	Listen           string        `long:"listen" env:"NODE_LISTEN" default:":5001" description:"HTTP listen address"`
	Dir              string        `long:"dir" env:"NODE_DIR" default:"chunks" description:"directory holding chunk files"`
	Capacity         int64         `long:"capacity" env:"NODE_CAPACITY" default:"0" description:"maximum stored bytes (0 is unlimited)"`
	Advertise        string        `long:"advertise" env:"NODE_ADVERTISE" description:"endpoint other components use to reach this node"`
	Metadata         string        `long:"metadata" env:"METADATA_SERVER" description:"metadata server to register with (optional)"`
	RegisterInterval time.Duration `long:"register-interval" default:"15s" description:"how often to re-register"`
	ScrubInterval    time.Duration `long:"scrub-interval" default:"10m" description:"how often to re-verify stored chunks (<0 disables)"`
	LogLevel         string        `long:"log-level" env:"LOG_LEVEL" default:"info" description:"trace, debug, info, warn or error"`
	LogFormat        string        `long:"log-format" env:"LOG_FORMAT" default:"console" choice:"console" choice:"json" description:"log output format"`
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
	log = log.With().Str("component", "storagenode").Str("node_id", opts.NodeID).Logger()

	nodeOpts := []storagenode.Option{storagenode.WithLogger(log)}
	if opts.Metadata != "" {
		if opts.Advertise == "" {
			log.Fatal().Msg("--advertise is required with --metadata")
		}
		nodeOpts = append(nodeOpts, storagenode.WithRegistration(transfer.NewMetadataClient(opts.Metadata, 0)))
	}

	srv, err := storagenode.New(storagenode.Config{
		NodeID:           opts.NodeID,
		Dir:              opts.Dir,
		Capacity:         opts.Capacity,
		AdvertiseAddr:    opts.Advertise,
		RegisterInterval: opts.RegisterInterval,
		ScrubInterval:    opts.ScrubInterval,
	}, nodeOpts...)
	if err != nil {
		log.Fatal().Err(err).Msg("storage node init failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.ListenAndServe(ctx, opts.Listen); err != nil {
		log.Fatal().Err(err).Msg("storage node failed")
	}
}
