// Package engine coordinates transfer runs: extracting resource kinds from
// the source instance into line-delimited files, and applying those files
// to the target instance through the idempotent apply protocol.
package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/storesync/storesync/pkg/bulk"
	"github.com/storesync/storesync/pkg/clients"
	"github.com/storesync/storesync/pkg/config"
	"github.com/storesync/storesync/pkg/transfer"
)

// Engine owns the per-instance transports and throttles for one run. Each
// instance gets its own throttle so the source's read budget and the
// target's write budget are enforced independently.
type Engine struct {
	cfg            *config.Config
	logger         *zap.Logger
	source         *clients.GraphQLClient
	target         *clients.GraphQLClient
	sourceThrottle *clients.Throttle
	targetThrottle *clients.Throttle
	registry       *transfer.Registry
}

// ExtractResult summarizes one extraction run.
type ExtractResult struct {
	Kind          string `json:"kind"`
	Path          string `json:"path"`
	Records       int64  `json:"records"`
	ParseFailures int64  `json:"parse_failures"`
}

// New creates an engine from configuration. Resource kinds that configure
// mutations get a generic GraphQL adapter registered automatically; richer
// adapters can be registered through Registry before a run.
func New(cfg *config.Config, logger *zap.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	runID := newRunID()
	logger = logger.With(zap.String("run_id", runID))

	throttleCfg := clients.ThrottleConfig{
		MaxInFlight: cfg.Reliability.MaxInFlight,
		MinSpacing:  cfg.Reliability.MinCallSpacing,
		Retry: &clients.RetryPolicy{
			MaxAttempts:     cfg.Reliability.RetryAttempts,
			InitialDelay:    cfg.Reliability.RetryDelay,
			MaxDelay:        cfg.Reliability.MaxRetryDelay,
			Multiplier:      cfg.Reliability.RetryMultiplier,
			RandomizeFactor: 0.25,
		},
	}

	e := &Engine{
		cfg:            cfg,
		logger:         logger,
		source:         clients.NewGraphQLClient(endpointConfig(cfg.Source), logger.With(zap.String("instance", "source"))),
		target:         clients.NewGraphQLClient(endpointConfig(cfg.Target), logger.With(zap.String("instance", "target"))),
		sourceThrottle: clients.NewThrottle(throttleCfg, logger.With(zap.String("instance", "source"))),
		targetThrottle: clients.NewThrottle(throttleCfg, logger.With(zap.String("instance", "target"))),
		registry:       transfer.NewRegistry(),
	}

	for _, res := range cfg.Resources {
		if res.CreateMutation == "" {
			continue
		}
		listQuery := res.ListQuery
		if listQuery == "" {
			listQuery = res.Query
		}
		adapter := transfer.NewGraphQLAdapter(transfer.GraphQLAdapterConfig{
			Kind:           res.Kind,
			ListQuery:      listQuery,
			CreateMutation: res.CreateMutation,
			UpdateMutation: res.UpdateMutation,
			Poll:           pollerConfig(cfg.Poll),
		}, e.target, e.target, e.targetThrottle, logger)

		policy := transfer.UpdateWhenChanged
		if res.ForceUpdate {
			policy = transfer.UpdateAlways
		}
		reg := transfer.Registration{
			Adapter:    adapter,
			NaturalKey: transfer.KeyField(res.KeyField),
			Policy:     policy,
		}
		if err := e.registry.Register(reg); err != nil {
			return nil, err
		}
	}

	return e, nil
}

// Registry exposes the adapter registry so callers can register adapters
// beyond the generic GraphQL one before a run.
func (e *Engine) Registry() *transfer.Registry {
	return e.registry
}

// Extract launches the resource kind's extraction on the source instance,
// waits for the job to complete, and streams the result into a JSONL file.
func (e *Engine) Extract(ctx context.Context, res config.ResourceConfig) (*ExtractResult, error) {
	logger := e.logger.With(zap.String("kind", res.Kind))
	path := e.filePath(res)

	launcher := bulk.NewLauncher(e.source, e.sourceThrottle, logger)
	poller := bulk.NewPoller(e.source, e.sourceThrottle, pollerConfig(e.cfg.Poll), logger)

	job, err := launcher.Launch(ctx, res.Query)
	if err != nil {
		return nil, err
	}
	job, err = poller.Wait(ctx, job.ID)
	if err != nil {
		return nil, err
	}

	f, err := os.Create(path) //nolint:gosec // G304: path comes from run configuration
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}
	defer f.Close()
	writer := bulk.NewLineWriter(f)

	result := &ExtractResult{Kind: res.Kind, Path: path}

	// A completed job with no result location means zero objects matched;
	// the empty file is still written so a later apply run sees the kind.
	if job.ResultLocation != "" {
		stream := bulk.NewDownloader(e.source, e.sourceThrottle, logger).Open(ctx, job.ResultLocation, res.Kind)
		for rec := range stream.Records {
			if err := writer.Write(rec); err != nil {
				go stream.Drain() //nolint:errcheck // unblock the producer
				return nil, err
			}
		}
		if err := <-stream.Errors; err != nil {
			return nil, err
		}
		result.ParseFailures = stream.ParseFailures()
	}

	if err := writer.Flush(); err != nil {
		return nil, fmt.Errorf("failed to flush output file: %w", err)
	}
	result.Records = writer.Count()

	logger.Info("extraction complete",
		zap.String("path", path),
		zap.Int64("records", result.Records),
		zap.Int64("parse_failures", result.ParseFailures))
	return result, nil
}

// Apply replays the resource kind's JSONL file against the target instance.
func (e *Engine) Apply(ctx context.Context, res config.ResourceConfig) (*transfer.Stats, error) {
	reg, ok := e.registry.Get(res.Kind)
	if !ok {
		return nil, fmt.Errorf("no adapter registered for kind %q", res.Kind)
	}

	logger := e.logger.With(zap.String("kind", res.Kind))
	path := e.filePath(res)

	f, err := os.Open(path) //nolint:gosec // G304: path comes from run configuration
	if err != nil {
		return nil, fmt.Errorf("failed to open extraction file: %w", err)
	}
	defer f.Close()

	stream := bulk.Decode(ctx, f, res.Kind, logger)
	applier := transfer.NewApplier(e.targetThrottle, logger)
	return applier.Run(ctx, reg, stream)
}

// Sync extracts and applies every configured resource kind. Kinds run
// concurrently: each run owns its own index and stats, and no two runs
// share a natural-key namespace.
func (e *Engine) Sync(ctx context.Context) (map[string]*transfer.Stats, error) {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make(map[string]*transfer.Stats, len(e.cfg.Resources))
		errs    []error
	)

	for _, res := range e.cfg.Resources {
		wg.Add(1)
		go func(res config.ResourceConfig) {
			defer wg.Done()

			if _, err := e.Extract(ctx, res); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("extract %s: %w", res.Kind, err))
				mu.Unlock()
				return
			}

			stats, err := e.Apply(ctx, res)
			mu.Lock()
			if stats != nil {
				results[res.Kind] = stats
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("apply %s: %w", res.Kind, err))
			}
			mu.Unlock()
		}(res)
	}

	wg.Wait()
	return results, errors.Join(errs...)
}

// Resource returns the configuration for a kind.
func (e *Engine) Resource(kind string) (config.ResourceConfig, bool) {
	for _, res := range e.cfg.Resources {
		if res.Kind == kind {
			return res, true
		}
	}
	return config.ResourceConfig{}, false
}

func (e *Engine) filePath(res config.ResourceConfig) string {
	if res.File != "" {
		return res.File
	}
	return filepath.Join(e.cfg.OutputDir, res.Kind+".jsonl")
}

func endpointConfig(ep config.Endpoint) clients.GraphQLConfig {
	return clients.GraphQLConfig{
		Endpoint:       ep.Endpoint,
		AccessToken:    ep.AccessToken,
		TokenHeader:    ep.TokenHeader,
		RequestTimeout: ep.RequestTimeout,
	}
}

func pollerConfig(pc config.PollConfig) bulk.PollerConfig {
	return bulk.PollerConfig{
		InitialInterval: pc.InitialInterval,
		MaxInterval:     pc.MaxInterval,
		GrowthFactor:    pc.GrowthFactor,
		Timeout:         pc.Timeout,
	}
}

func newRunID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "run"
	}
	return hex.EncodeToString(b)
}
