// Package app is the composition root shared by the binaries: it turns a
// Config into wired stores, listeners, processors and push backends.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/suPer8Hu/eventshim/internal/clock"
	"github.com/suPer8Hu/eventshim/internal/common"
	"github.com/suPer8Hu/eventshim/internal/config"
	"github.com/suPer8Hu/eventshim/internal/db"
	"github.com/suPer8Hu/eventshim/internal/event"
	"github.com/suPer8Hu/eventshim/internal/liveagent"
	"github.com/suPer8Hu/eventshim/internal/lock"
	"github.com/suPer8Hu/eventshim/internal/logging"
	"github.com/suPer8Hu/eventshim/internal/metrics"
	"github.com/suPer8Hu/eventshim/internal/polling"
	"github.com/suPer8Hu/eventshim/internal/pubsub"
	"github.com/suPer8Hu/eventshim/internal/push"
	"github.com/suPer8Hu/eventshim/internal/secrets"
	"github.com/suPer8Hu/eventshim/internal/sequence"
	"github.com/suPer8Hu/eventshim/internal/session"
	"github.com/suPer8Hu/eventshim/internal/store/redisstore"
	"github.com/suPer8Hu/eventshim/internal/trigger"
	"github.com/suPer8Hu/eventshim/internal/workmap"
)

// Options override what Build would otherwise construct from Config.
type Options struct {
	DB       *gorm.DB
	Redis    *redis.Client
	Clock    clock.Clock
	Registry *prometheus.Registry
	// Publisher enables the "amqp::" push backend.
	Publisher push.AMQPPublisher
	// Notifiers replace the configured push backends.
	Notifiers []push.Notifier
}

type App struct {
	Config   config.Config
	Log      *logging.Logger
	Clock    clock.Clock
	DB       *gorm.DB
	Redis    *redisstore.Store
	Registry *prometheus.Registry
	Metrics  *metrics.Recorder

	Locks     lock.Manager
	Events    *event.Log
	Pending   *event.PendingQueue
	Sessions  *session.Service
	WorkMap   *workmap.Map
	PushQueue *push.Queue
	Push      *push.Manager
	Delivery  *push.DeliveryProcessor
	Secrets   *secrets.Store
	Polling   *polling.Registry
	Trigger   *trigger.Dispatcher
}

// Build wires every component. Misconfiguration is reported as a
// *common.ConfigError.
func Build(cfg config.Config, log *logging.Logger, opts Options) (*App, error) {
	if log == nil {
		log = logging.Nop()
	}
	a := &App{Config: cfg, Log: log, Clock: opts.Clock, DB: opts.DB, Registry: opts.Registry}
	if a.Clock == nil {
		a.Clock = clock.Real()
	}
	if a.Registry == nil {
		a.Registry = prometheus.NewRegistry()
	}
	a.Metrics = metrics.New(a.Registry)

	if a.DB == nil {
		gdb, err := db.Connect(cfg.DBDriver, cfg.DBDSN)
		if err != nil {
			return nil, &common.ConfigError{Component: "db", Message: err.Error()}
		}
		a.DB = gdb
	}
	switch {
	case opts.Redis != nil:
		a.Redis = redisstore.NewFromClient(opts.Redis)
	case cfg.RedisAddr != "":
		a.Redis = redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	}

	switch cfg.LockBackend {
	case "redis":
		if a.Redis == nil {
			return nil, &common.ConfigError{Component: "lock", Message: "redis backend without a redis client"}
		}
		a.Locks = lock.NewRedisManager(a.Redis.Client, a.Clock)
	default:
		a.Locks = lock.NewDBManager(a.DB, a.Clock)
	}

	if len(cfg.SecretsKey) > 0 {
		s, err := secrets.NewStore(a.DB, a.Clock, cfg.SecretsKey)
		if err != nil {
			return nil, err
		}
		a.Secrets = s
	}

	a.Events = event.NewLog(a.DB, a.Clock, a.Locks,
		event.WithLockHold(cfg.SequenceHold),
		event.WithLogger(log.Sub("events")),
		event.WithMetrics(a.Metrics),
		event.WithSequenceOptions(sequence.WithWait(cfg.LockWait, 50*time.Millisecond)),
	)
	a.Pending = event.NewPendingQueue(a.DB, a.Clock)

	platforms, err := a.platforms()
	if err != nil {
		return nil, err
	}
	sessionPlatforms := make([]session.Platform, 0, len(platforms))
	for _, p := range platforms {
		sessionPlatforms = append(sessionPlatforms, p)
	}
	repo := session.NewRepository(a.DB, a.Clock)
	a.Sessions = session.NewService(repo, a.Events, a.Pending, a.Clock, log.Sub("session"), sessionPlatforms...)

	wmOpts := []workmap.Option{workmap.WithTTL(cfg.WorkMapTTL), workmap.WithLogger(log.Sub("workmap"))}
	if a.Redis != nil {
		wmOpts = append(wmOpts, workmap.WithCache(a.Redis, cfg.WorkMapCacheTTL))
	}
	a.WorkMap = workmap.New(a.DB, a.Clock, wmOpts...)
	a.PushQueue = push.NewQueue(a.DB, a.Clock)

	// listener order: session cleanup, work ids, then push fan-out
	a.Events.AddListener(a.Sessions.Listener())
	a.Events.AddListener(a.WorkMap.Listener())
	a.Events.AddListener(a.PushQueue.Listener(a.Pending))

	notifiers := opts.Notifiers
	if len(notifiers) == 0 {
		notifiers = a.notifiers(opts.Publisher)
	}
	pm, err := push.NewManager(notifiers...)
	if err != nil {
		return nil, err
	}
	a.Push = pm.WithMetrics(a.Metrics)

	backoff := polling.Backoff{Base: cfg.BackoffBase, Max: cfg.BackoffMax}
	a.Delivery = push.NewDeliveryProcessor(a.PushQueue, a.Pending, a.Push, a.Locks, a.Clock, log.Sub("push"))
	a.Delivery.BatchSize = cfg.PollBatchSize
	a.Delivery.Concurrency = cfg.PollConcurrency
	a.Delivery.LockHold = cfg.LockHold
	a.Delivery.Backoff = backoff
	a.Delivery.MaxAttempts = cfg.MaxPollAttempts

	a.Polling = polling.NewRegistry()
	for _, p := range platforms {
		a.Polling.Register(polling.NewProcessor(p, a.Pending, repo, a.Events, a.Locks,
			polling.WithBatch(cfg.PollBatchSize, cfg.PollConcurrency),
			polling.WithLockHold(cfg.LockHold),
			polling.WithBackoff(backoff, cfg.MaxPollAttempts),
			polling.WithClock(a.Clock),
			polling.WithLogger(log.Sub("polling")),
			polling.WithMetrics(a.Metrics),
		))
	}

	budget := trigger.NewBudgetFunc(a.Clock, cfg.PollBudget, cfg.PollBudgetReserve)
	a.Trigger = trigger.NewDispatcher(log.Sub("trigger"))
	a.Trigger.Register(trigger.TypePoll, trigger.PollHandler(a.Polling, budget, log.Sub("trigger")))
	a.Trigger.Register(trigger.TypePushDelivery, trigger.PushHandler(a.Delivery, budget, log.Sub("trigger")))
	a.Trigger.Register(trigger.TypeSweep, trigger.SweepHandler(log.Sub("sweep"), a.sweepers()))
	return a, nil
}

func (a *App) platforms() ([]polling.Platform, error) {
	cfg := a.Config
	out := []polling.Platform{
		liveagent.NewPlatform(liveagent.NewClient("", cfg.LiveAgentAPIVersion, cfg.LiveAgentTimeout), time.Second, a.Log.Sub("liveagent")),
	}
	if cfg.PubSubBaseURL != "" {
		if a.Secrets == nil {
			return nil, &common.ConfigError{Component: "pubsub", Message: "PUBSUB_BASE_URL needs SECRETS_KEY for bus credentials"}
		}
		out = append(out, pubsub.NewPlatform(pubsub.Config{
			BaseURL:      cfg.PubSubBaseURL,
			Topic:        cfg.PubSubTopic,
			BatchSize:    cfg.PubSubBatchSize,
			PollInterval: cfg.PubSubPollInterval,
		}, pubsub.SecretTokens(a.Secrets, cfg.PubSubSecretName), a.Log.Sub("pubsub")))
	}
	return out, nil
}

// notifiers builds the default HTTP gateway backend plus the redis and
// amqp backends when their transports are available.
func (a *App) notifiers(pub push.AMQPPublisher) []push.Notifier {
	cfg := a.Config
	out := []push.Notifier{push.NewHTTPNotifier(cfg.PushGatewayURL, a.gatewaySecret(), 10*time.Second)}
	if a.Redis != nil {
		out = append(out, push.NewRedisNotifier(a.Redis.Client))
	}
	if pub != nil {
		out = append(out, push.NewAMQPNotifier(pub, cfg.PushAMQPExchange))
	}
	return out
}

// gatewaySecret reads {"token": ...} from the secret named by
// PUSH_GATEWAY_SECRET. A missing secret means an unauthenticated gateway.
func (a *App) gatewaySecret() string {
	if a.Secrets == nil || a.Config.PushGatewaySecret == "" {
		return ""
	}
	var cred struct {
		Token string `json:"token"`
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Secrets.GetJSON(ctx, a.Config.PushGatewaySecret, &cred); err != nil {
		if !errors.Is(err, common.ErrNotFound) {
			a.Log.Warn().Err(err).Msg("read push gateway secret")
		}
		return ""
	}
	return cred.Token
}

func (a *App) sweepers() map[string]trigger.Sweeper {
	purgeSent := func(ctx context.Context) (int64, error) {
		return a.PushQueue.Purge(ctx, a.Clock.Now().Add(-24*time.Hour))
	}
	return map[string]trigger.Sweeper{
		"sessions":           trigger.SweeperFunc(a.Sessions.Repository().Sweep),
		"work_id_maps":       trigger.SweeperFunc(a.WorkMap.Sweep),
		"push_notifications": trigger.SweeperFunc(purgeSent),
	}
}

// Models lists every table the app owns.
func Models() []any {
	var out []any
	for _, m := range [][]any{
		lock.Models(),
		event.Models(),
		session.Models(),
		workmap.Models(),
		push.Models(),
		secrets.Models(),
	} {
		out = append(out, m...)
	}
	return out
}

// Migrate creates or updates the tables.
func (a *App) Migrate() error {
	if err := a.DB.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Publish hands a trigger message to pub, or runs it in-process when pub
// is nil.
func (a *App) Publish(ctx context.Context, pub JSONPublisher, m trigger.Message) error {
	if pub != nil {
		return pub.PublishJSON(ctx, m)
	}
	body, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return a.Trigger.Handle(ctx, body)
}

// JSONPublisher is the trigger queue producer.
type JSONPublisher interface {
	PublishJSON(ctx context.Context, v any) error
}

func (a *App) Close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if sqlDB, err := a.DB.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
