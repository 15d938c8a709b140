package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"newsdigest/internal/ai"
	"newsdigest/internal/classifier"
	"newsdigest/internal/config"
	"newsdigest/internal/credential"
	"newsdigest/internal/delivery"
	"newsdigest/internal/event"
	"newsdigest/internal/httpserver"
	"newsdigest/internal/model"
	"newsdigest/internal/pipeline"
	"newsdigest/internal/ratelimit"
	"newsdigest/internal/repository"
	"newsdigest/internal/source"
	"newsdigest/internal/source/imap"
	"newsdigest/internal/summarizer"
	"newsdigest/internal/trigger"
	"newsdigest/pkg/db"
	"newsdigest/pkg/logger"
	"newsdigest/pkg/mq"
	"newsdigest/pkg/outbox"
	"newsdigest/pkg/rbac"
	"newsdigest/pkg/redis"
	"newsdigest/pkg/util"
)

func main() {
	once := flag.Bool("once", false, "run a single manual digest and exit")
	issueToken := flag.String("issue-token", "", "print an API token for this subject and exit")
	role := flag.String("role", rbac.RoleOperator, "role of the issued token (viewer, operator, admin)")
	tokenTTL := flag.Duration("token-ttl", 30*24*time.Hour, "lifetime of the issued token")
	flag.Parse()

	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		panic("load config: " + err.Error())
	}

	if *issueToken != "" {
		if err := printToken(cfg.JWT.Secret, *issueToken, *role, *tokenTTL); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	log, err := logger.NewLogger(cfg.LogLevel)
	if err != nil {
		panic("init logger: " + err.Error())
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var checks []httpserver.Check

	// 2. Init DB (optional)
	var (
		pool       *pgxpool.Pool
		runStore   httpserver.RunStore
		recorder   pipeline.Recorder
		outboxRepo *outbox.Repository
	)
	if cfg.DB.Enabled() {
		pool, err = db.NewConnection(ctx, cfg.DB, log)
		if err != nil {
			log.Fatal("DB initialization failed", zap.Error(err))
		}
		defer pool.Close()

		outboxRepo = outbox.NewRepository(pool)
		if err := outboxRepo.EnsureSchema(ctx); err != nil {
			log.Fatal("outbox schema failed", zap.Error(err))
		}
		runRepo := repository.NewRunRepository(pool, outboxRepo)
		if err := runRepo.EnsureSchema(ctx); err != nil {
			log.Fatal("run schema failed", zap.Error(err))
		}
		runStore, recorder = runRepo, runRepo
		checks = append(checks, httpserver.Check{Name: "db", Probe: pool.Ping})
	} else {
		memRepo := repository.NewMemoryRunRepository(0)
		runStore, recorder = memRepo, memRepo
		log.Info("no database configured, run history kept in memory")
	}

	// 3. Init Redis (optional)
	var (
		rdb       *goredis.Client
		frequency classifier.FrequencyTracker = classifier.NewMemoryFrequency()
		ledger    source.Ledger
	)
	if cfg.Redis.Addr != "" {
		rdb, err = redis.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			log.Fatal("Redis initialization failed", zap.Error(err))
		}
		defer rdb.Close()

		frequency = classifier.NewRedisFrequency(rdb)
		ledger = util.NewDeduper(rdb, cfg.Retry.MarkLedgerTTL, log)
		checks = append(checks, httpserver.Check{Name: "redis", Probe: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	}

	// 4. Init RabbitMQ publisher (optional)
	var publisher *mq.Publisher
	if cfg.MQ.URL != "" {
		publisher, err = mq.NewPublisher(cfg.MQ.URL, cfg.MQ.Exchange)
		if err != nil {
			log.Fatal("failed to init publisher", zap.Error(err))
		}
		defer publisher.Close()
		checks = append(checks, httpserver.Check{Name: "mq", Probe: func(context.Context) error {
			if !publisher.IsConnected() {
				return errors.New("not connected")
			}
			return nil
		}})
	}

	// 5. Event bus
	bus := event.NewBus(log,
		event.WithQueueSize(cfg.Bus.QueueSize),
		event.WithPublishTimeout(cfg.Bus.PublishTimeout),
	)
	bus.SubscribeAll("log", event.LogSink(log))
	if cfg.Bus.ForwardToMQ && publisher != nil {
		bus.SubscribeAll("mq", event.MQBridge(publisher, cfg.Bus.ForwardItems))
	}

	// 6. Sources, AI, classifier, summarizer, delivery
	budgets := make(ratelimit.Registry, len(cfg.Budgets))
	for name, b := range cfg.Budgets {
		budgets[name] = ratelimit.NewBudget(name, b.RequestsPerMinute, b.MaxConcurrent)
	}

	sources, err := buildSources(cfg, budgets.Get("imap"), ledger, log)
	if err != nil {
		log.Fatal("failed to build sources", zap.Error(err))
	}

	aiClient := ai.NewClient(cfg.AI, budgets.Get("ai"), log)
	var (
		classifierAI classifier.AI
		summaryAI    summarizer.AI
	)
	if aiClient.Configured() {
		classifierAI, summaryAI = aiClient, aiClient
	} else {
		log.Warn("no AI endpoint configured, classification runs on heuristics only")
	}

	cls, err := classifier.New(cfg.Classifier, classifierAI, frequency, log)
	if err != nil {
		log.Fatal("invalid classifier config", zap.Error(err))
	}
	sum := summarizer.New(cfg.Summarizer, summaryAI, log)

	var deliveryPublisher delivery.Publisher
	if publisher != nil {
		deliveryPublisher = publisher
	}
	deliverer, err := delivery.New(cfg.Delivery, deliveryPublisher, log)
	if err != nil {
		log.Fatal("invalid delivery config", zap.Error(err))
	}

	// 7. Orchestrator and trigger
	orch, err := pipeline.New(cfg.Pipeline, pipeline.Deps{
		Sources:    sources,
		Classifier: cls,
		Summarizer: sum,
		Deliverer:  deliverer,
		Recorder:   recorder,
		Events:     bus,
	}, log)
	if err != nil {
		log.Fatal("failed to build pipeline", zap.Error(err))
	}

	// 8. Outbox dispatcher
	var replayer httpserver.Replayer
	if outboxRepo != nil && publisher != nil {
		dispatcher := outbox.NewDispatcher(outboxRepo, publisher, log).
			WithInterval(cfg.Outbox.Interval).
			WithBatchSize(cfg.Outbox.BatchSize).
			WithMaxRetries(cfg.Outbox.MaxRetries)
		go dispatcher.Start(ctx)
		replayer = outbox.NewReplayService(outboxRepo, publisher, log)
	}

	if *once {
		code := runOnce(ctx, orch, bus, log)
		log.Sync()
		os.Exit(code)
	}

	schedule, err := cfg.ParsedSchedule()
	if err != nil {
		log.Fatal("invalid schedule", zap.Error(err))
	}
	manager := trigger.NewManager(schedule, orch, log)
	go func() {
		if err := manager.Run(ctx); err != nil {
			log.Error("trigger manager stopped", zap.Error(err))
		}
	}()

	// 9. HTTP server
	if cfg.JWT.Secret == "" {
		log.Warn("jwt.secret is not configured, run and admin endpoints will answer 503")
	}
	router := httpserver.NewRouter(httpserver.Options{
		JWTSecret:  cfg.JWT.Secret,
		Trigger:    manager,
		Status:     orch,
		Runs:       runStore,
		Replayer:   replayer,
		Checks:     checks,
		RunContext: ctx,
		Logger:     log,
	})
	srv := &http.Server{Addr: cfg.Server.Port, Handler: router.Engine}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server start failed", zap.Error(err))
		}
	}()
	log.Info("digest daemon started",
		zap.String("addr", cfg.Server.Port),
		zap.String("schedule", schedule.String()),
		zap.Time("next_run", manager.NextRun()),
		zap.Int("sources", len(sources)),
	)

	<-ctx.Done()
	log.Info("shutting down")

	// 进行中的 run 有 ShutdownGrace 完成外部调用，再多留一点时间写审计
	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Pipeline.ShutdownGrace+10*time.Second)
	defer cancel()
	if err := orch.Drain(drainCtx); err != nil {
		log.Warn("pipeline did not drain in time", zap.Error(err))
	}
	if err := srv.Shutdown(drainCtx); err != nil {
		log.Warn("http server shutdown failed", zap.Error(err))
	}
	bus.Close()
}

// buildSources 每个账户一个 IMAP adapter，外层依次包上重试、调用额度和标记去重
func buildSources(cfg *config.Config, budget *ratelimit.Budget, ledger source.Ledger, log *zap.Logger) ([]source.Adapter, error) {
	var store *credential.Store
	sources := make([]source.Adapter, 0, len(cfg.Sources))
	for _, sc := range cfg.Sources {
		// 只有配置里没有明文密码时才打开 keyring
		if sc.Password == "" && store == nil {
			var err error
			if store, err = credential.Open(cfg.Keyring.Dir); err != nil {
				return nil, err
			}
		}
		password, err := credential.Resolve(store, sc.Password, sc.PasswordKey)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", sc.AccountName(), err)
		}

		var adapter source.Adapter = imap.New(imap.Config{
			Account:  sc.AccountName(),
			Host:     sc.Host,
			Port:     sc.Port,
			Username: sc.Username,
			Password: password,
			TLS:      !sc.StartTLS,
			Mailbox:  sc.Mailbox,
		}, log)
		adapter = source.WithRetry(adapter, source.RetryPolicy{
			MaxRetries: cfg.Retry.MaxRetries,
			Base:       cfg.Retry.Base,
		}, log)
		if budget != nil {
			adapter = source.WithBudget(adapter, budget)
		}
		if ledger != nil {
			adapter = source.WithLedger(adapter, ledger)
		}
		sources = append(sources, adapter)
	}
	return sources, nil
}

func runOnce(ctx context.Context, orch *pipeline.Orchestrator, bus *event.Bus, log *zap.Logger) int {
	defer bus.Close()
	run, err := orch.Run(ctx, model.TriggerManual)
	if err != nil {
		log.Error("run not started", zap.Error(err))
		return 1
	}
	log.Info("run finished",
		zap.String("run_id", run.ID),
		zap.String("state", string(run.State)),
		zap.String("error", run.Error),
	)
	if run.State != model.StateCompleted {
		return 1
	}
	return 0
}

func printToken(secret, subject, role string, ttl time.Duration) error {
	if secret == "" {
		return errors.New("jwt.secret is not configured")
	}
	if !rbac.ValidRole(role) {
		return fmt.Errorf("unknown role %q", role)
	}
	token, err := util.GenerateJWT(subject, role, secret, ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
