// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// bsmmap is a userspace daemon using BUSE for creating a block device backed
// by a local file or block device. Requests are served by a memory mapped
// backing store: every read or write maps the requested range of the backing
// file, data are copied through the mapping and the mapping is released.
//
// Project structure is following:
//
// - internal contains all packages used by this program. The name "internal"
// is reserved by go compiler and disallows its imports from different
// projects. Since we don't provide any reusable packages, we use internal
// directory.
//
// - internal/backingstore defines the contract between the daemon and backing
// store strategies, internal/backingstore/mmap is the memory mapped strategy.
//
// - internal/bsmmap turns BUSE requests into backing store commands.
//
// - internal/config contains the configuration package.
package main

import (
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/netutil"

	"github.com/asch/bsmmap/internal/bsmmap"
	"github.com/asch/bsmmap/internal/config"
	"github.com/asch/buse/lib/go/buse"
)

// Parse configuration from file and environment variables, opens the backing
// file, creates a BuseReadWriter and creates new buse device with it. The
// device is ran until it is signaled by SIGINT or SIGTERM to gracefully
// finish.
func main() {
	err := config.Configure()
	if err != nil {
		log.Panic().Err(err).Send()
	}

	loggerSetup(config.Cfg.Log.Pretty, config.Cfg.Log.Level)

	if config.Cfg.Diag.Enabled {
		runDiagnostics(config.Cfg.Diag.Port, config.Cfg.Diag.MaxConns)
	}

	rw, err := bsmmap.NewWithDefaults()
	if err != nil {
		log.Panic().Err(err).Send()
	}

	buse, err := buse.New(rw, buse.Options{
		Durable:        config.Cfg.Write.Durable,
		WriteChunkSize: int64(config.Cfg.Write.ChunkSize),
		BlockSize:      int64(config.Cfg.BlockSize),
		Threads:        int(config.Cfg.Threads),
		Major:          int64(config.Cfg.Major),
		WriteShmSize:   int64(config.Cfg.Write.BufSize),
		ReadShmSize:    int64(config.Cfg.Read.BufSize),
		Size:           rw.Size(),
		CollisionArea:  int64(config.Cfg.Write.CollisionSize),
		QueueDepth:     int64(config.Cfg.QueueDepth),
		Scheduler:      config.Cfg.Scheduler,
	})

	if err != nil {
		log.Panic().Msg(err.Error())
	}

	log.Info().Msgf("BUSE device %d registered!", config.Cfg.Major)

	registerSigHandlers(buse)

	buse.Run()

	log.Info().Msgf("Removing buse%d", config.Cfg.Major)
	buse.RemoveDevice()
}

// Register handler for graceful stop when SIGINT or SIGTERM came in.
func registerSigHandlers(buse buse.Buse) {
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt)
	signal.Notify(stopChan, syscall.SIGTERM)
	go func() {
		<-stopChan
		log.Info().Msgf("Received interrupt, stopping buse%d device!", config.Cfg.Major)
		buse.StopDevice()
	}()
}

func loggerSetup(pretty bool, level int) {
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// Enables remote profiling and prometheus metrics. Useful for perfomance
// debugging. The number of simultaneous connections is capped so diagnostics
// never compete with the device for too many threads.
func runDiagnostics(port, maxConns int) {
	http.Handle("/metrics", promhttp.Handler())

	ln, err := net.Listen("tcp", fmt.Sprintf("localhost:%d", port))
	if err != nil {
		log.Error().Err(err).Msg("Diagnostics disabled")
		return
	}

	go func() {
		log.Info().Err(http.Serve(netutil.LimitListener(ln, maxConns), nil)).Send()
	}()
}
