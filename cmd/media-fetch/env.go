package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/alanbriolat/media-fetch/internal/boltdb"
	"github.com/alanbriolat/media-fetch/internal/config"
	"github.com/alanbriolat/media-fetch/internal/model"
	"github.com/alanbriolat/media-fetch/internal/resolver"
	"github.com/alanbriolat/media-fetch/internal/session"
	"github.com/alanbriolat/media-fetch/internal/sqlitedb"
	"github.com/alanbriolat/media-fetch/internal/store"
	"github.com/alanbriolat/media-fetch/internal/transcode"
	"github.com/alanbriolat/media-fetch/internal/transfer"
	"github.com/alanbriolat/media-fetch/internal/workdir"
)

// environment is everything a command needs, built from the configuration.
type environment struct {
	config  config.Config
	store   *store.Store
	session *session.Session
}

// loadConfig reads the config file (if any), then the environment, then command line overrides.
func loadConfig(c *cli.Context) (config.Config, error) {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		loaded, err := config.LoadFromFile(path)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return cfg, err
	}
	if dir := c.String("data-dir"); dir != "" {
		cfg.DataDir = dir
	}
	if dir := c.String("download-dir"); dir != "" {
		cfg.DownloadDir = dir
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func openBackend(cfg config.Config) (store.Backend, error) {
	switch cfg.Database.Driver {
	case config.DriverMemory:
		return store.NewMemory(), nil
	case config.DriverSQLite:
		return sqlitedb.New(cfg.DatabasePath())
	default:
		return boltdb.New(cfg.DatabasePath())
	}
}

func newEnvironment(ctx context.Context, c *cli.Context) (*environment, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	log := zap.S().Named("env")
	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	wd, err := workdir.New(cfg.WorkPath())
	if err != nil {
		return nil, err
	}
	backend, err := openBackend(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.Database.Driver, err)
	}
	log.Debugw("opened database", "driver", cfg.Database.Driver, "path", cfg.DatabasePath())
	st := store.New(backend, cfg.PersistInterval)

	client := transfer.NewHTTPClient(transfer.Options{
		Timeout:          cfg.Transfer.Timeout,
		RetryAttempts:    cfg.Transfer.RetryAttempts,
		RetryBackoff:     cfg.Transfer.RetryBackoff,
		RetryMaxBackoff:  cfg.Transfer.RetryMaxBackoff,
		BandwidthLimit:   cfg.Transfer.BandwidthLimit,
		ProgressInterval: cfg.Transfer.ProgressInterval,
		UserAgent:        cfg.Transfer.UserAgent,
		MaxFetchSize:     transfer.DefaultOptions().MaxFetchSize,
	})
	namer, err := cfg.FileNamer()
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	res, err := resolver.New(client, resolver.Config{
		ShortLinkHosts: cfg.Resolver.ShortLinkHosts,
		ContentHosts:   cfg.Resolver.ContentHosts,
		PlayURL:        cfg.Resolver.PlayURL,
		YouTube:        cfg.Resolver.YouTube,
		Priorities:     cfg.Resolver.Priorities,
	})
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("resolver: %w", err)
	}

	ses, err := session.New(ctx, session.Config{
		DownloadDir:           cfg.DownloadDir,
		WorkDir:               wd,
		Store:                 st,
		Client:                client,
		Transcoder:            &transcode.FFmpeg{Path: cfg.Transcoder.FFmpegPath},
		Resolver:              res,
		MaxConcurrentSegments: cfg.Segments.MaxConcurrent,
		MaxSegmentRetries:     cfg.Segments.MaxRetries,
		OutputExt:             cfg.Transcoder.OutputExt,
		FileNamer: func(rawURL string, ext string, id model.TaskID) string {
			return namer.ForURL(rawURL, ext, string(id))
		},
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return &environment{config: cfg, store: st, session: ses}, nil
}

// Close pauses whatever is still running and closes the database.
func (e *environment) Close() error {
	start := time.Now()
	var result *multierror.Error
	if err := e.session.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := e.store.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	zap.S().Named("env").Debugw("environment closed", "elapsed", time.Since(start))
	return result.ErrorOrNil()
}
