package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	configpkg "github.com/careflow/careflow/internal/runtime/config"
	loggingpkg "github.com/careflow/careflow/internal/runtime/logging"
	metricspkg "github.com/careflow/careflow/internal/runtime/metrics"
	"github.com/careflow/careflow/lock"
	"github.com/careflow/careflow/store"
	"github.com/careflow/careflow/store/memory"
	"github.com/careflow/careflow/store/postgres"
	transportpkg "github.com/careflow/careflow/transport"
)

// Dependencies holds optional collaborators. Leave fields nil to let the
// Service build them from config.
type Dependencies struct {
	JobStore    store.JobStore
	RetryStore  store.RetryStore
	Transport   *transportpkg.Transport
	LockBackend lock.Backend
	Registry    *transportpkg.Registry
	Metrics     prometheus.Registerer
}

// Service wires the transport, stores, scheduler, writers, reconcilers,
// and consumer loops of one careflow service instance.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	publisher  message.Publisher
	subscriber message.Subscriber

	jobStore   store.JobStore
	retryStore store.RetryStore

	scheduler  *Scheduler
	retry      *RetryWriter
	deadLetter *DeadLetterWriter
	locker     *lock.Locker
	metrics    *metricspkg.Metrics

	reconcilers []*Reconciler
	loops       []*ConsumerLoop

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	healthy atomic.Bool
	httpSrv *http.Server
}

// NewService constructs a Service for the supplied configuration.
// Register handlers and reconcilers on the returned Service before
// calling Start.
func NewService(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps Dependencies) (*Service, error) {
	cfg := conf.WithDefaults()
	conf = &cfg
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if log == nil {
		log = loggingpkg.Nop()
	}
	log = log.With(loggingpkg.LogFields{"service": conf.ServiceName})

	log.Info("creating service", loggingpkg.LogFields{
		"pubsub_system": conf.PubSubSystem,
		"config":        conf.String(),
	})

	s := &Service{Conf: conf, Logger: log}

	s.metrics = metricspkg.New()
	if conf.MetricsEnabled {
		reg := deps.Metrics
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		if err := s.metrics.Register(reg); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	if deps.Transport != nil {
		s.publisher = deps.Transport.Publisher
		s.subscriber = deps.Transport.Subscriber
	} else {
		registry := deps.Registry
		if registry == nil {
			registry = transportpkg.DefaultRegistry
		}
		tr, err := registry.Build(ctx, conf, loggingpkg.NewWatermillAdapter(log))
		if err != nil {
			return nil, fmt.Errorf("build transport: %w", err)
		}
		s.publisher = tr.Publisher
		s.subscriber = tr.Subscriber
	}

	if err := s.buildStores(deps); err != nil {
		return nil, err
	}
	s.buildLocker(deps)

	s.scheduler = NewScheduler(conf.ServiceName, s.jobStore, SchedulerOptions{
		CheckinInterval:  conf.CheckinInterval,
		MisfireThreshold: conf.MisfireThreshold,
		PollInterval:     conf.PollInterval,
		WorkerCount:      conf.WorkerCount,
		RetryDelay:       conf.RetryDelay,
		Logger:           log,
		Metrics:          s.metrics,
	})

	s.deadLetter = NewDeadLetterWriter(conf.ServiceName, s.publisher, log, s.metrics)
	s.retry = NewRetryWriter(conf.ServiceName, conf.RetryDelay, s.retryStore, s.scheduler, s.publisher, log, s.metrics)
	s.scheduler.RegisterJobHandler(JobTypeRetryReplay, s.retry.replayJob)

	return s, nil
}

func (s *Service) buildStores(deps Dependencies) error {
	s.jobStore = deps.JobStore
	s.retryStore = deps.RetryStore
	if s.jobStore != nil && s.retryStore != nil {
		return nil
	}

	if s.Conf.PostgresURL != "" {
		pg, err := postgres.New(postgres.Config{
			ConnectionString: s.Conf.PostgresURL,
			TablePrefix:      s.Conf.TablePrefix,
		})
		if err != nil {
			return fmt.Errorf("open postgres store: %w", err)
		}
		if s.jobStore == nil {
			s.jobStore = pg
		}
		if s.retryStore == nil {
			s.retryStore = pg
		}
		return nil
	}

	// no PostgresURL: single-instance in-memory scheduling
	s.Logger.Warn("no postgres url configured, using in-memory stores", nil)
	mem := memory.New()
	if s.jobStore == nil {
		s.jobStore = mem
	}
	if s.retryStore == nil {
		s.retryStore = mem
	}
	return nil
}

func (s *Service) buildLocker(deps Dependencies) {
	backend := deps.LockBackend
	if backend == nil {
		if s.Conf.RedisAddr != "" {
			client := redis.NewClient(&redis.Options{
				Addr:     s.Conf.RedisAddr,
				Password: s.Conf.RedisPassword,
			})
			backend = lock.NewRedisBackend(client)
		} else {
			s.Logger.Warn("no redis address configured, using in-process lock backend", nil)
			backend = lock.NewMemoryBackend()
		}
	}
	s.locker = lock.NewLocker(backend, lock.Options{
		Lease:         s.Conf.LockLease,
		RetryAttempts: s.Conf.LockRetryAttempts,
		RetryDelay:    s.Conf.LockRetryDelay,
		Logger:        s.Logger,
	})
}

// RegisterHandler subscribes handler to topic. Must be called before
// Start.
func (s *Service) RegisterHandler(topic string, handler Handler) {
	loop := NewConsumerLoop(topic, handler, s.subscriber, s.retry, s.deadLetter,
		s.Conf.ServiceName, s.Conf.MaxRetryAttempts, s.Logger, s.metrics)
	s.loops = append(s.loops, loop)
}

// RegisterReconciler adds a facility trigger reconciler that runs during
// Start, before the scheduler begins firing. jobType must have a handler
// registered on the scheduler.
func (s *Service) RegisterReconciler(group, jobType string, source DesiredStateSource) *Reconciler {
	r := NewReconciler(group, jobType, source, s.scheduler, s.Logger, s.metrics)
	s.reconcilers = append(s.reconcilers, r)
	return r
}

// Scheduler exposes the trigger scheduler for job registration and
// ad-hoc scheduling.
func (s *Service) Scheduler() *Scheduler { return s.scheduler }

// Locker exposes the distributed lock for configuration-change
// sequences.
func (s *Service) Locker() *lock.Locker { return s.locker }

// Publisher exposes the raw transport publisher.
func (s *Service) Publisher() message.Publisher { return s.publisher }

// RetryRecords lists the pending retry records owned by this service,
// oldest first. Operator surface.
func (s *Service) RetryRecords(ctx context.Context) ([]store.RetryRecord, error) {
	return s.retryStore.List(ctx, s.Conf.ServiceName)
}

// Healthy reports whether the stores are reachable and the scheduler is
// running. Hosting processes gate their readiness probes on it.
func (s *Service) Healthy() bool { return s.healthy.Load() }

// Start verifies store connectivity, runs all reconcilers, starts the
// scheduler, and launches the consumer loops. It returns once everything
// is running; use Shutdown to stop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("service already started")
	}

	if err := s.awaitStores(ctx); err != nil {
		return err
	}

	// all reconcilers complete before the scheduler starts firing, so
	// nothing fires against a half-reconciled state
	for _, r := range s.reconcilers {
		if _, err := r.Reconcile(ctx); err != nil {
			return fmt.Errorf("reconcile %s: %w", r.Group, err)
		}
	}

	if err := s.scheduler.Start(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.started = true

	for _, loop := range s.loops {
		s.wg.Add(1)
		go func(loop *ConsumerLoop) {
			defer s.wg.Done()
			if err := loop.Run(runCtx); err != nil {
				s.Logger.Error("consumer loop terminated", err, nil)
				s.healthy.Store(false)
			}
		}(loop)
	}

	s.startMetricsServer()
	s.healthy.Store(true)
	s.Logger.Info("service started", loggingpkg.LogFields{
		"consumer_loops": len(s.loops),
		"reconcilers":    len(s.reconcilers),
	})
	return nil
}

// awaitStores pings the stores with capped exponential backoff so a
// service racing its database at boot settles instead of crashing.
func (s *Service) awaitStores(ctx context.Context) error {
	policy := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithMaxElapsedTime(2*time.Minute),
	), ctx)

	err := backoff.RetryNotify(func() error {
		if err := s.jobStore.Ping(ctx); err != nil {
			return fmt.Errorf("job store: %w", err)
		}
		if err := s.retryStore.Ping(ctx); err != nil {
			return fmt.Errorf("retry store: %w", err)
		}
		return nil
	}, policy, func(err error, next time.Duration) {
		s.Logger.Warn("store not reachable, retrying", loggingpkg.LogFields{
			"error":      err.Error(),
			"next_retry": next,
		})
	})
	if err != nil {
		return fmt.Errorf("stores unreachable: %w", err)
	}
	return nil
}

func (s *Service) startMetricsServer() {
	if !s.Conf.MetricsEnabled || s.Conf.MetricsPort == 0 {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !s.Healthy() {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.Conf.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.Logger.Info("starting metrics server", loggingpkg.LogFields{"address": s.httpSrv.Addr})
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.Logger.Error("metrics server", err, nil)
		}
	}()
}

// Shutdown cancels the consumer loops, drains the scheduler, and closes
// the transport. It waits until both drain or ctx expires.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	s.healthy.Store(false)
	cancel()

	var errs []error

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("consumer loops: %w", ctx.Err()))
	}

	if err := s.scheduler.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server: %w", err))
		}
	}

	if err := s.subscriber.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close subscriber: %w", err))
	}
	// gochannel transports share one object for both ends; Close is
	// idempotent there, so closing the publisher second is safe
	if err := s.publisher.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close publisher: %w", err))
	}

	s.Logger.Info("service stopped", nil)
	return errors.Join(errs...)
}
