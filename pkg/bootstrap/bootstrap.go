// Package bootstrap assembles a worker process from configuration: backing
// connections, gateways, pipeline stages and the queue fabric, with a
// teardown that unwinds in reverse.
package bootstrap

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"

	"github.com/engramlabs/engram/pkg/ai"
	"github.com/engramlabs/engram/pkg/config"
	"github.com/engramlabs/engram/pkg/logging"
	"github.com/engramlabs/engram/pkg/memory/consolidation"
	"github.com/engramlabs/engram/pkg/memory/coordinator"
	"github.com/engramlabs/engram/pkg/memory/extraction"
	"github.com/engramlabs/engram/pkg/memory/store"
	"github.com/engramlabs/engram/pkg/memory/vector"
	"github.com/engramlabs/engram/pkg/queue"
	"github.com/engramlabs/engram/pkg/sessions"
)

// Runtime holds everything a worker binary needs after bootstrap.
type Runtime struct {
	Logger      *log.Logger
	Config      *config.Config
	Store       *store.Store
	Vector      *vector.Gateway
	Sessions    *sessions.Client
	Fabric      *queue.Fabric
	Coordinator *coordinator.Coordinator

	natsConn   *nats.Conn
	natsServer *server.Server
}

// Build wires the full dependency graph. On error everything already opened
// is closed before returning.
func Build(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	factory := logging.NewFactory(logging.NewBaseLogger())
	logger := factory.ForComponent("bootstrap")

	rt := &Runtime{Config: cfg, Logger: factory.ForWorker(cfg.WorkerName)}

	st, err := store.New(factory.ForComponent("store"), cfg.RelationalURL)
	if err != nil {
		return nil, errors.Wrap(err, "opening relational store")
	}
	rt.Store = st

	vec, err := vector.New(factory.ForComponent("vector"), cfg.VectorURL, cfg.VectorScheme, cfg.EmbeddingDimensions)
	if err != nil {
		rt.Close()
		return nil, errors.Wrap(err, "creating vector gateway")
	}
	if err := vec.EnsureCollection(ctx); err != nil {
		rt.Close()
		return nil, errors.Wrap(err, "ensuring vector collection")
	}
	rt.Vector = vec

	sess, err := sessions.NewClient(factory.ForComponent("sessions"), cfg.SessionsURL, cfg.LLMTimeout)
	if err != nil {
		rt.Close()
		return nil, errors.Wrap(err, "creating sessions client")
	}
	rt.Sessions = sess

	completions, err := ai.NewService(factory.ForComponent("ai"), ai.ServiceConfig{
		APIKey:      cfg.LLMAPIKey,
		BaseURL:     cfg.LLMBaseURL,
		Model:       cfg.LLMModel,
		Temperature: cfg.LLMTemperature,
		MaxRetries:  cfg.LLMMaxRetries,
	})
	if err != nil {
		rt.Close()
		return nil, errors.Wrap(err, "creating completion service")
	}

	embedder, err := ai.NewEmbeddingService(factory.ForComponent("embeddings"), ai.EmbeddingConfig{
		APIKey:         cfg.EmbeddingAPIKey,
		BaseURL:        cfg.EmbeddingBaseURL,
		Model:          cfg.EmbeddingModel,
		Dimensions:     cfg.EmbeddingDimensions,
		MaxInputTokens: cfg.EmbeddingMaxInputTokens,
		MaxRetries:     cfg.LLMMaxRetries,
	})
	if err != nil {
		rt.Close()
		return nil, errors.Wrap(err, "creating embedding service")
	}

	extractor, err := extraction.New(factory.ForComponent("extraction"), completions, extraction.Config{
		MinEvents:     cfg.ExtractionMinEvents,
		MaxFacts:      cfg.ExtractionMaxFacts,
		MinConfidence: cfg.ExtractionMinConfidence,
		FewShot:       cfg.ExtractionFewShot,
	})
	if err != nil {
		rt.Close()
		return nil, errors.Wrap(err, "creating extraction stage")
	}

	if cfg.QueueEmbedded {
		ns, err := StartEmbeddedNATSServer(logger)
		if err != nil {
			rt.Close()
			return nil, errors.Wrap(err, "starting embedded NATS server")
		}
		rt.natsServer = ns
		cfg.QueueURL = ns.ClientURL()
	}

	nc, err := ConnectNATS(logger, cfg.QueueURL, cfg.WorkerName)
	if err != nil {
		rt.Close()
		return nil, errors.Wrap(err, "connecting to queue")
	}
	rt.natsConn = nc

	fabric, err := queue.NewFabric(nc, factory.ForComponent("queue"), queue.Options{
		MaxDeliver: cfg.DeadLetterAfter,
		Prefetch:   cfg.WorkerPrefetch,
	})
	if err != nil {
		rt.Close()
		return nil, errors.Wrap(err, "creating queue fabric")
	}
	if err := fabric.EnsureTopology(ctx); err != nil {
		rt.Close()
		return nil, errors.Wrap(err, "ensuring queue topology")
	}
	rt.Fabric = fabric

	coord, err := coordinator.New(factory.ForComponent("coordinator"),
		st, vec, sess, extractor, embedder, fabric, coordinator.Config{
			EmbeddingBatchSize: cfg.EmbeddingBatchSize,
			MaxBatch:           cfg.ConsolidationMaxBatch,
			TriggerCount:       cfg.ConsolidationTriggerCount,
			Merge: consolidation.Config{
				MergeThreshold:    cfg.ConsolidationMergeThreshold,
				ConflictThreshold: cfg.ConsolidationConflictThreshold,
				ConfidenceBoost:   cfg.ConsolidationConfidenceBoost,
				Strategy:          consolidation.Strategy(cfg.ConsolidationMergeStrategy),
			},
		})
	if err != nil {
		rt.Close()
		return nil, errors.Wrap(err, "creating coordinator")
	}
	rt.Coordinator = coord

	logger.Info("Bootstrap complete", "worker", cfg.WorkerName)
	return rt, nil
}

// Close tears the runtime down in reverse dependency order. Safe to call on
// a partially built runtime.
func (rt *Runtime) Close() {
	if rt.natsConn != nil {
		rt.natsConn.Close()
		rt.natsConn = nil
	}
	if rt.natsServer != nil {
		rt.natsServer.Shutdown()
		rt.natsServer.WaitForShutdown()
		rt.natsServer = nil
	}
	if rt.Store != nil {
		if err := rt.Store.Close(); err != nil && rt.Logger != nil {
			rt.Logger.Warn("Closing store failed", "error", err)
		}
		rt.Store = nil
	}
	// Give in-flight client teardown a beat before the process exits.
	time.Sleep(50 * time.Millisecond)
}
