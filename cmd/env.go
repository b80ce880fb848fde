package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/scholarmetrics/awardlink/internal/fetcher"
	"github.com/scholarmetrics/awardlink/internal/match"
	"github.com/scholarmetrics/awardlink/internal/pipeline"
	"github.com/scholarmetrics/awardlink/internal/resilience"
	"github.com/scholarmetrics/awardlink/internal/store"
)

// initStore opens the configured persistence backend. Callers own Close.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		if cfg.Store.DatabaseURL == "" {
			return nil, eris.New("store.database_url is required for the postgres driver")
		}
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	case "sqlite", "":
		return store.NewSQLite(cfg.Store.Path)
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// initFetcher builds the HTTP fetcher from config.
func initFetcher() fetcher.Fetcher {
	retryCfg := resilience.DefaultRetryConfig()
	if cfg.Fetch.RetryAttempts > 0 {
		retryCfg.MaxAttempts = cfg.Fetch.RetryAttempts
	}
	return fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		Timeout:      time.Duration(cfg.Fetch.TimeoutSecs) * time.Second,
		Retry:        retryCfg,
		RateLimiters: fetcher.DefaultRateLimiters(),
	})
}

// initScorer builds the configured match scorer.
func initScorer() (match.Scorer, error) {
	switch cfg.Match.Scorer {
	case "embedding":
		client := match.NewEmbedClient(match.EmbedClientOptions{
			BaseURL:   cfg.Embed.BaseURL,
			Dimension: cfg.Embed.Dimension,
			Timeout:   time.Duration(cfg.Embed.TimeoutSecs) * time.Second,
			Retry:     resilience.DefaultRetryConfig(),
		})
		return match.NewEmbedScorer(client), nil
	case "lexical", "":
		return match.NewLexScorer(), nil
	default:
		return nil, eris.Errorf("unknown match scorer %q", cfg.Match.Scorer)
	}
}

// pipelineOptions maps config onto pipeline options.
func pipelineOptions(manifest *fetcher.Manifest, rosterPath string) pipeline.Options {
	return pipeline.Options{
		Manifest:        manifest,
		RosterPath:      rosterPath,
		CacheDir:        cfg.Fetch.CacheDir,
		Workers:         cfg.Run.Workers,
		QueueSize:       cfg.Run.QueueSize,
		FetchParallel:   cfg.Fetch.Parallel,
		AcceptThreshold: cfg.Match.AcceptThreshold,
		PrefilterFloor:  cfg.Match.PrefilterFloor,
		FailureCeiling:  cfg.Run.FailureCeiling,
		ShutdownGrace:   time.Duration(cfg.Run.ShutdownGraceSecs) * time.Second,
	}
}
