// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package config is a singleton and provides global access to the
// configuration values.
package config

import (
	"flag"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	// Default config path. It does not need to exist, default values for all parameters will be
	// used instead.
	defaultConfig = "/etc/bsmmap/config.toml"
)

var Cfg Config

// Configuration structure for the program. We use toml format for file-based
// configuration and also all configuration options can be overriden by
// environment variable specified in this structure.
type Config struct {
	ConfigPath string

	Path       string `toml:"path" env:"BSMMAP_PATH" env-default:"/var/lib/bsmmap/disk.img" env-description:"Backing file or block device. The device size is the size of the file."`
	PageSize   int    `toml:"page_size" env:"BSMMAP_PAGESIZE" env-default:"0" env-description:"Alignment of mappings in bytes. 0 means system page size."`
	Major      int    `toml:"major" env:"BSMMAP_MAJOR" env-default:"0" env-description:"Device major. Decimal part of /dev/buse%d."`
	Threads    int    `toml:"threads" env:"BSMMAP_THREADS" env-default:"0" env-description:"Number of user-space threads for serving queues."`
	BlockSize  int    `toml:"block_size" env:"BSMMAP_BLOCKSIZE" env-default:"4096" env-description:"Block size."`
	Scheduler  bool   `toml:"scheduler" env:"BSMMAP_SCHEDULER" env-default:"false" env-description:"Use block layer scheduler."`
	QueueDepth int    `toml:"queue_depth" env:"BSMMAP_QUEUEDEPTH" env-default:"128" env-description:"Device IO queue depth."`

	Write struct {
		Durable       bool `toml:"durable" env:"BSMMAP_WRITE_DURABLE" env-description:"Flush semantics. True means every write batch is followed by synchronize cache." env-default:"false"`
		BufSize       int  `toml:"shared_buffer_size" env:"BSMMAP_WRITE_BUFSIZE" env-description:"Write shared memory size in MB." env-default:"32"`
		ChunkSize     int  `toml:"chunk_size" env:"BSMMAP_WRITE_CHUNKSIZE" env-description:"Chunk size in MB." env-default:"4"`
		CollisionSize int  `toml:"collision_chunk_size" env:"BSMMAP_WRITE_COLSIZE" env-description:"Collision size in MB." env-default:"1"`
	} `toml:"write"`

	Read struct {
		BufSize int `toml:"shared_buffer_size" env:"BSMMAP_READ_BUFSIZE" env-description:"Read shared memory size in MB." env-default:"32"`
	} `toml:"read"`

	Log struct {
		Level  int  `toml:"level" env:"BSMMAP_LOG_LEVEL" env-description:"Log level." env-default:"1"`
		Pretty bool `toml:"pretty" env:"BSMMAP_LOG_PRETTY" env-description:"Pretty logging." env-default:"true"`
	} `toml:"log"`

	Diag struct {
		Enabled  bool `toml:"enabled" env:"BSMMAP_DIAG" env-description:"Serve golang web profiler and prometheus metrics." env-default:"false"`
		Port     int  `toml:"port" env:"BSMMAP_DIAG_PORT" env-description:"Port to listen on." env-default:"6060"`
		MaxConns int  `toml:"max_conns" env:"BSMMAP_DIAG_MAXCONNS" env-description:"Maximum number of simultaneous diagnostic connections." env-default:"8"`
	} `toml:"diag"`
}

// Configure reads commandline flags and handles the configuration. The
// configuration file has the lower priotiry and the environment variables have
// the highest priority. It is perfetcly to fine to use just one of these or to
// combine them.
func Configure() error {
	flagSetup(os.Args[1:])
	err := parse()

	return err
}

// Parse the configuration file and reads the environment variable. After that
// it does some values postprocessing and fills the Cfg structure.
func parse() error {
	if err := cleanenv.ReadConfig(Cfg.ConfigPath, &Cfg); err != nil {
		if err := cleanenv.ReadEnv(&Cfg); err != nil {
			return err
		}
	}

	Cfg.Write.BufSize *= 1024 * 1024
	Cfg.Write.ChunkSize *= 1024 * 1024
	Cfg.Write.CollisionSize *= 1024 * 1024
	Cfg.Read.BufSize *= 1024 * 1024

	if Cfg.BlockSize != 512 {
		Cfg.BlockSize = 4096
	}

	return nil
}

// Handle program flags.
func flagSetup(args []string) {
	f := flag.NewFlagSet("bsmmap", flag.ExitOnError)
	f.StringVar(&Cfg.ConfigPath, "c", defaultConfig, "Path to configuration file")
	f.Usage = cleanenv.FUsage(f.Output(), &Cfg, nil, f.Usage)
	f.Parse(args)
}
