// Package control assembles and runs the recoverd service.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/vietddude/recoverd/internal/classification"
	"github.com/vietddude/recoverd/internal/core/batch"
	"github.com/vietddude/recoverd/internal/core/config"
	"github.com/vietddude/recoverd/internal/core/domain"
	"github.com/vietddude/recoverd/internal/core/worker"
	"github.com/vietddude/recoverd/internal/health"
	redisclient "github.com/vietddude/recoverd/internal/infra/redis"
	"github.com/vietddude/recoverd/internal/infra/storage"
	"github.com/vietddude/recoverd/internal/infra/storage/memory"
	"github.com/vietddude/recoverd/internal/infra/storage/postgres"
	"github.com/vietddude/recoverd/internal/infra/transport"
	"github.com/vietddude/recoverd/internal/retry"
	"github.com/vietddude/recoverd/internal/staging"
)

// Service owns every long-running component of recoverd.
type Service struct {
	cfg *config.AppConfig

	db          *postgres.DB
	redisClient *redisclient.Client
	transport   transport.Transport

	failures  storage.FailedMessageRepository
	batchRepo storage.RetryBatchRepository
	markers   storage.FailureRetryRepository
	settings  storage.SettingsRepository

	batches      *batch.DefaultManager
	docs         *retry.DocumentManager
	retryer      *retry.Retryer
	reclassifier *classification.Reclassifier
	processor    *retry.Processor
	forwarder    *retry.DequeuerForwarder
	commands     *retry.CommandHandler
	inbox        staging.Receiver
	pruner       *worker.Pruner

	healthMon    *health.Monitor
	healthServer *health.Server

	log    *slog.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService connects to the configured backends and wires every component.
// Nothing runs until Start.
func NewService(ctx context.Context, cfg *config.AppConfig) (*Service, error) {
	s := &Service{
		cfg: cfg,
		log: slog.Default().With("component", "service"),
	}

	if err := s.initStorage(ctx); err != nil {
		s.Close()
		return nil, err
	}

	// Transport: the redis kind shares the marker/lock client
	var queue transport.Queue
	if s.redisClient != nil {
		queue = s.redisClient
	}
	tr, err := transport.New(ctx, cfg.Transport, queue)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to init transport: %w", err)
	}
	s.transport = tr
	s.log.Info("Transport ready", "kind", cfg.Transport.Kind, "address", tr.LocalAddress())

	// Retry orchestration
	s.batches = batch.NewManager(s.batchRepo)
	s.batches.SetStateChangeCallback(func(t batch.Transition) {
		if t.To == domain.RetryBatchStatusDone {
			s.log.Info("Retry batch completed", "batch", t.BatchID)
		}
	})
	s.docs = retry.NewDocumentManager(s.batches, s.batchRepo, s.markers, s.failures)
	s.retryer = retry.NewRetryer(s.batches, s.failures, s.docs)

	stagingAddr := transport.StagingAddress(tr.LocalAddress())
	stager := retry.NewTransportStager(s.markers, s.failures, tr, stagingAddr)
	s.forwarder = retry.NewDequeuerForwarder(staging.NewDequeuer(
		tr.Receiver(stagingAddr),
		staging.NewSendBackRelocator(tr, nil),
		cfg.Retries.StagingInactivity,
		nil,
	))

	var locker retry.Locker
	if cfg.Retries.UseLock && s.redisClient != nil {
		locker = s.redisClient
	}
	s.processor = retry.NewProcessor(retry.ProcessorConfig{
		Interval:       cfg.Retries.Interval,
		OrphanTimeout:  cfg.Retries.OrphanTimeout,
		ForwardTimeout: cfg.Retries.ForwardTimeout,
		LockTTL:        cfg.Retries.LockTTL,
	}, s.batches, stager, s.forwarder, locker, instanceName())

	s.commands = retry.NewCommandHandler(s.retryer)
	s.inbox = staging.StopOnce(tr.Receiver(tr.LocalAddress()))

	s.pruner = worker.NewPruner(worker.PrunerConfig{
		Interval:  cfg.Retries.PruneInterval,
		Retention: cfg.Retries.DoneRetention,
	}, s.batchRepo)

	// Classification
	s.reclassifier = classification.NewReclassifier(
		s.failures,
		s.settings,
		classification.DefaultTaxonomy(classification.NewStackTraceParser(0)),
		classification.ReclassifierConfig{
			BatchSize:   cfg.Reclassify.BatchSize,
			Parallelism: cfg.Reclassify.Parallelism,
		},
		nil,
	)

	// Health
	s.healthMon = health.NewMonitor(s.batches, cfg.Retries.OrphanTimeout)
	if s.db != nil {
		s.healthMon.AddComponent("database", s.db)
	}
	if s.redisClient != nil {
		s.healthMon.AddComponent("redis", s.redisClient)
	}
	s.healthServer = health.NewServer(s.healthMon, cfg.Server.Port)

	return s, nil
}

func (s *Service) initStorage(ctx context.Context) error {
	cfg := s.cfg

	switch cfg.Storage.Backend {
	case config.BackendPostgres:
		db, err := postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("failed to init db: %w", err)
		}
		s.db = db
		if err := postgres.Migrate(db); err != nil {
			return fmt.Errorf("failed to migrate db: %w", err)
		}
		s.failures = postgres.NewFailedMessageRepo(db)
		s.batchRepo = postgres.NewRetryBatchRepo(db)
		s.markers = postgres.NewFailureRetryRepo(db)
		s.settings = postgres.NewSettingsRepo(db)
		s.log.Info("Using PostgreSQL storage")

	default:
		store := memory.NewMemoryStorage()
		s.failures = memory.NewFailedMessageRepo(store)
		s.batchRepo = memory.NewRetryBatchRepo(store)
		s.markers = memory.NewFailureRetryRepo(store)
		s.settings = memory.NewSettingsRepo(store)
		s.log.Info("Using Memory storage")
	}

	if cfg.NeedsRedis() {
		client, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redisClient = client
	}
	if cfg.Storage.Markers == config.MarkersRedis {
		s.markers = redisclient.NewFailureRetryRepo(s.redisClient)
		s.log.Info("Using Redis for retry markers")
	}
	return nil
}

// Start adopts orphaned batches and launches the background workers. It
// returns once everything is running.
func (s *Service) Start(ctx context.Context) error {
	adopted, err := s.docs.AdoptOrphanedBatches(ctx)
	if err != nil {
		s.log.Error("Failed to adopt orphaned batches", "error", err)
	} else if adopted > 0 {
		s.log.Info("Adopted orphaned batches", "count", adopted)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if err := s.inbox.Start(runCtx, s.commands.HandleMessage); err != nil {
		cancel()
		return fmt.Errorf("failed to start command inbox: %w", err)
	}

	if s.db != nil {
		s.db.StartMetricsCollector(runCtx)
	}

	if s.cfg.Reclassify.RunOnStartup {
		s.wg.Go(func() {
			n, err := s.reclassifier.ReclassifyFailedMessages(runCtx, false)
			if err != nil {
				s.log.Error("Reclassification failed", "error", err)
				return
			}
			s.log.Info("Reclassification finished", "updated", n)
		})
	}

	s.wg.Go(func() {
		if err := s.processor.Run(runCtx); err != nil {
			s.log.Error("Retry processor failed", "error", err)
		}
	})
	s.wg.Go(func() { s.pruner.Start(runCtx) })

	go func() {
		if err := s.healthServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("Health server failed", "error", err)
		}
	}()

	s.log.Info("Service started", "port", s.cfg.Server.Port)
	return nil
}

// Stop cancels the workers, waits for them and for in-flight retry
// continuations, then releases every connection.
func (s *Service) Stop(ctx context.Context) error {
	s.log.Info("Stopping service...")

	var errs error
	if s.cancel != nil {
		s.cancel()
	}
	errs = multierr.Append(errs, s.inbox.Stop(ctx))
	errs = multierr.Append(errs, s.forwarder.Stop(ctx))

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		s.retryer.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = multierr.Append(errs, fmt.Errorf("workers did not stop: %w", ctx.Err()))
	}

	errs = multierr.Append(errs, s.healthServer.Stop(ctx))
	errs = multierr.Append(errs, s.Close())
	return errs
}

// Close releases connections without stopping workers. Used by one-shot
// commands that never call Start.
func (s *Service) Close() error {
	var errs error
	if s.transport != nil {
		errs = multierr.Append(errs, s.transport.Close())
	}
	if s.redisClient != nil {
		errs = multierr.Append(errs, s.redisClient.Close())
	}
	if s.db != nil {
		errs = multierr.Append(errs, s.db.Close())
	}
	return errs
}

// Retryer returns the service's retryer.
func (s *Service) Retryer() *retry.Retryer { return s.retryer }

// Documents returns the retry document manager.
func (s *Service) Documents() *retry.DocumentManager { return s.docs }

// Reclassifier returns the failure reclassifier.
func (s *Service) Reclassifier() *classification.Reclassifier { return s.reclassifier }

// Batches returns the batch manager.
func (s *Service) Batches() batch.Manager { return s.batches }

// Failures returns the failed message repository.
func (s *Service) Failures() storage.FailedMessageRepository { return s.failures }

// Processor returns the retry processor.
func (s *Service) Processor() *retry.Processor { return s.processor }

// Commands returns a sender for retry commands addressed to this service.
func (s *Service) Commands() *retry.CommandSender { return retry.NewCommandSender(s.transport) }

// Health returns the health monitor.
func (s *Service) Health() *health.Monitor { return s.healthMon }

// PurgeStaging discards whatever waits at the staging address until it has
// been quiet for the staging inactivity window, and returns how many
// messages were dropped. Meant for cleaning up after an aborted forward.
func (s *Service) PurgeStaging(ctx context.Context) (int64, error) {
	addr := transport.StagingAddress(s.transport.LocalAddress())
	d := staging.NewNoopDequeuer(s.transport.Receiver(addr), s.cfg.Retries.StagingInactivity, nil)
	err := d.Run(ctx)
	return d.Handled(), err
}

func instanceName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "recoverd"
	}
	return host + "-" + uuid.NewString()[:8]
}

// Config returns the configuration the service was built from.
func (s *Service) Config() *config.AppConfig { return s.cfg }
