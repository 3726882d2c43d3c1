// Package app assembles the engine from configuration: storage, locks,
// limiter, transport, services, background workers and event sources.
// cmd/server and cmd/worker share it.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/ignite/coldreach/internal/api"
	"github.com/ignite/coldreach/internal/config"
	"github.com/ignite/coldreach/internal/contacts"
	"github.com/ignite/coldreach/internal/domain"
	"github.com/ignite/coldreach/internal/executor"
	"github.com/ignite/coldreach/internal/ingest"
	"github.com/ignite/coldreach/internal/notify"
	"github.com/ignite/coldreach/internal/pkg/distlock"
	"github.com/ignite/coldreach/internal/pkg/httpretry"
	"github.com/ignite/coldreach/internal/pkg/keylock"
	"github.com/ignite/coldreach/internal/pkg/logger"
	"github.com/ignite/coldreach/internal/ratelimit"
	"github.com/ignite/coldreach/internal/render"
	"github.com/ignite/coldreach/internal/repository/memory"
	"github.com/ignite/coldreach/internal/repository/postgres"
	"github.com/ignite/coldreach/internal/resolver"
	"github.com/ignite/coldreach/internal/scheduler"
	"github.com/ignite/coldreach/internal/scoring"
	"github.com/ignite/coldreach/internal/service/campaign"
	"github.com/ignite/coldreach/internal/service/sending"
	"github.com/ignite/coldreach/internal/service/sequence"
	"github.com/ignite/coldreach/internal/service/suppression"
	"github.com/ignite/coldreach/internal/store"
	"github.com/ignite/coldreach/internal/transport"
)

// queueMaxWait bounds a scheduler sleep so clock jumps are noticed.
const queueMaxWait = 30 * time.Second

// App is a fully wired engine.
type App struct {
	cfg *config.Config

	DB    *sql.DB
	Redis *redis.Client

	Store       store.Store
	Contacts    contacts.Directory
	Suppression *suppression.Service
	Scoring     scoring.Engine
	Exec        *executor.Executor
	Pool        *executor.Pool
	Campaigns   *campaign.Service
	Sequences   *sequence.Service
	Ingestor    *ingest.Ingestor

	leader   distlock.Factory
	notifier *notify.Async
	sweeper  *campaign.Sweeper
	ramper   *ratelimit.WarmupRamper
	decayer  *scoring.Decayer
	internal *ingest.ChanSource
	sources  []ingest.Source

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New connects to the configured backends and wires every component. With
// no database URL the engine runs on in-memory state.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	logger.SetRedactPII(cfg.Logging.RedactPII)

	a := &App{cfg: cfg}
	if err := a.connect(ctx); err != nil {
		return nil, err
	}

	var supp *suppression.Service
	if a.DB != nil {
		pg := postgres.New(a.DB)
		dir := postgres.NewContactDirectory(a.DB)
		a.Store, a.Contacts = pg, dir
		supp = suppression.NewService(postgres.NewSuppressionRepo(a.DB))
	} else {
		log.Println("[App] DATABASE_URL not set, using in-memory store")
		mem := memory.New()
		a.Store, a.Contacts = mem, contacts.NewMemoryDirectory()
		supp = suppression.NewService(mem)
	}
	a.Suppression = supp

	local := keylock.New()
	var (
		locks   executor.Locker = local
		limiter ratelimit.Limiter
	)
	weights := scoringWeights(cfg.Scoring.Weights)
	prefix := cfg.Redis.Prefix
	if a.Redis != nil {
		locks = distlock.NewKeyLocker(local, a.Redis, cfg.Engine.LockTTL(), 0)
		limiter = ratelimit.NewRedisLimiter(a.Redis, prefix+":quota")
		a.Scoring = scoring.NewRedisEngine(a.Redis, prefix+":score", weights)
		a.leader = distlock.NewFactory(a.Redis, a.DB, cfg.Engine.LockTTL())
	} else {
		limiter = ratelimit.NewMemoryLimiter()
		a.Scoring = scoring.NewMemoryEngine(weights)
		if a.DB != nil {
			a.leader = distlock.NewFactory(nil, a.DB, cfg.Engine.LockTTL())
		} else {
			a.leader = distlock.NewLocalFactory()
		}
	}

	tr, err := newTransport(ctx, cfg.Transport)
	if err != nil {
		a.Close()
		return nil, err
	}

	sink := a.newNotifier()

	res := resolver.New(a.Contacts, supp, a.Store)
	a.Exec = executor.New(a.Store, res, limiter, tr, render.NewRenderer(), scheduler.NewQueue(queueMaxWait), locks,
		executor.Config{
			TransportTimeout:  cfg.Engine.TransportTimeout(),
			ReserveTimeout:    cfg.Engine.ReserveTimeout(),
			RetryBase:         cfg.Engine.RetryBase(),
			RetryMax:          cfg.Engine.RetryMax(),
			DefaultMaxRetries: cfg.Engine.DefaultMaxRetries,
			ABHoldRetry:       cfg.Engine.ABHoldRetry(),
		})
	a.Pool = executor.NewPool(a.Exec, executor.PoolConfig{Workers: cfg.Engine.Workers, ErrorRetry: cfg.Engine.RetryBase()})

	a.Campaigns = campaign.NewService(a.Store, a.Exec, res, sink)
	var tagger contacts.Tagger
	if t, ok := a.Contacts.(contacts.Tagger); ok {
		tagger = t
	}
	a.Sequences = sequence.NewService(a.Store, a.Exec, res, a.Contacts, tagger, a.Scoring, sink)
	if cfg.Engine.BulkEnrollWorkers > 0 {
		a.Sequences.BulkWorkers = cfg.Engine.BulkEnrollWorkers
	}

	a.Ingestor = ingest.New(a.Store, a.Contacts, supp, a.Scoring, sink, locks, ingest.Config{
		HotLeadThreshold: cfg.Tracking.HotLeadThreshold,
		DedupTTL:         cfg.Tracking.DedupTTL(),
	})
	a.Ingestor.SetStopper(a.Sequences)
	if a.Redis != nil {
		a.Ingestor.SetDedup(ingest.NewDedup(a.Redis, prefix+":event", cfg.Tracking.DedupTTL()))
	}

	a.sweeper = campaign.NewSweeper(a.Campaigns, a.leader, cfg.Engine.SweepInterval())
	a.ramper = ratelimit.NewWarmupRamper(a.Store, cfg.Engine.WarmupInterval())
	a.internal = ingest.NewChanSource("internal", 1024)
	a.decayer = scoring.NewDecayer(a.Scoring, a.internal.Publish, cfg.Scoring.DecayInterval(),
		cfg.Scoring.DecayFactor, cfg.Scoring.DecayFloor)

	if err := a.newSources(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) connect(ctx context.Context) error {
	if a.cfg.Database.URL != "" {
		db, err := sql.Open("postgres", a.cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		db.SetMaxOpenConns(a.cfg.Database.MaxOpenConns)
		db.SetMaxIdleConns(a.cfg.Database.MaxIdleConns)
		db.SetConnMaxLifetime(time.Duration(a.cfg.Database.ConnMaxLifetime) * time.Second)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			db.Close()
			return fmt.Errorf("ping database: %w", err)
		}
		a.DB = db
		log.Println("[App] Connected to PostgreSQL")
	}

	if a.cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			if a.DB != nil {
				a.DB.Close()
			}
			return fmt.Errorf("ping redis: %w", err)
		}
		a.Redis = client
		log.Printf("[App] Connected to Redis at %s", a.cfg.Redis.Addr)
	}
	return nil
}

func newTransport(ctx context.Context, cfg config.TransportConfig) (sending.Transport, error) {
	switch cfg.Kind {
	case "ses":
		return transport.NewSESTransport(ctx, transport.SESConfig{
			Region:           cfg.SES.Region,
			AccessKey:        cfg.SES.AccessKey,
			SecretKey:        cfg.SES.SecretKey,
			ConfigurationSet: cfg.SES.ConfigurationSet,
		})
	case "smtp":
		return transport.NewSMTPTransport(transport.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
		}), nil
	case "", "log":
		log.Println("[App] Using log transport, mail is not delivered")
		return transport.NewLogTransport(100), nil
	}
	return nil, fmt.Errorf("unknown transport kind %q", cfg.Kind)
}

// newNotifier builds the webhook sink behind an async buffer. Without
// endpoints notifications are dropped.
func (a *App) newNotifier() notify.Sink {
	wc := a.cfg.Webhooks
	if len(wc.Endpoints) == 0 {
		return notify.Discard{}
	}
	hook := notify.NewWebhookSink(httpretry.NewRetryClient(nil, 3), wc.Endpoints, wc.Secret, wc.Timeout())
	a.notifier = notify.NewAsync(hook, wc.Buffer, wc.Workers)
	return a.notifier
}

func (a *App) newSources(ctx context.Context) error {
	tc := a.cfg.Tracking
	if tc.AMQP.Enabled {
		src, err := ingest.NewAMQPSource(ingest.AMQPConfig{
			URL:            tc.AMQP.URL,
			Queue:          tc.AMQP.Queue,
			ConsumerTag:    "coldreach",
			Prefetch:       tc.AMQP.Prefetch,
			ReconnectDelay: 5 * time.Second,
		})
		if err != nil {
			return fmt.Errorf("amqp source: %w", err)
		}
		a.sources = append(a.sources, src)
	}
	if tc.SQS.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(tc.SQS.Region))
		if err != nil {
			return fmt.Errorf("load aws config: %w", err)
		}
		src, err := ingest.NewSQSSource(sqs.NewFromConfig(awsCfg), tc.SQS.QueueURL)
		if err != nil {
			return fmt.Errorf("sqs source: %w", err)
		}
		a.sources = append(a.sources, src)
	}
	return nil
}

// scoringWeights overlays configured weights on the defaults.
func scoringWeights(cfg map[string]float64) scoring.Weights {
	w := scoring.DefaultWeights()
	for k, v := range cfg {
		w[domain.EventType(k)] = v
	}
	return w
}

// API builds the REST server over this engine.
func (a *App) API() *api.Server {
	return api.NewServer(a.Campaigns, a.Sequences, a.Ingestor, a.Suppression,
		api.NewHealthChecker(a.DB, a.Redis),
		api.Options{
			CORSOrigins:  a.cfg.Server.CORSOrigins,
			IngestToken:  a.cfg.Server.IngestToken,
			DefaultOrgID: a.cfg.Server.DefaultOrgID,
		})
}

// Start recovers persisted work and launches the background workers and
// event consumers.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return nil
	}

	n, err := a.Campaigns.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover campaigns: %w", err)
	}
	m, err := a.Sequences.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover sequences: %w", err)
	}
	log.Printf("[App] Recovered %d campaign sends and %d enrollments", n, m)

	if a.notifier != nil {
		a.notifier.Start()
	}
	if err := a.Pool.Start(); err != nil {
		return err
	}
	a.sweeper.Start()
	a.ramper.Start()
	a.decayer.Start()

	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	sources := append([]ingest.Source{a.internal}, a.sources...)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := ingest.Serve(runCtx, a.Ingestor.Ingest, sources...); err != nil {
			logger.Error("event sources stopped", "error", err.Error())
		}
	}()

	a.running = true
	log.Printf("[App] Engine started (%d workers, %d external event sources)", a.cfg.Engine.Workers, len(a.sources))
	return nil
}

// Stop halts the workers. In-flight sends finish first.
func (a *App) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	a.mu.Unlock()

	a.sweeper.Stop()
	a.ramper.Stop()
	a.decayer.Stop()
	a.cancel()
	a.wg.Wait()
	a.Pool.Stop()
	if a.notifier != nil {
		a.notifier.Stop()
	}
	log.Println("[App] Engine stopped")
}

// Close releases connections. Call after Stop.
func (a *App) Close() {
	if a.Redis != nil {
		a.Redis.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
}
