package app

import (
	"context"
	stdhttp "net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"bus-monitor/alerting/internal/auth"
	"bus-monitor/alerting/internal/config"
	"bus-monitor/alerting/internal/domain"
	"bus-monitor/alerting/internal/notify"
	"bus-monitor/alerting/internal/pipeline"
	"bus-monitor/alerting/internal/store"
	httptransport "bus-monitor/alerting/internal/transport/http"
	"bus-monitor/alerting/internal/trigger"
)

const shutdownTimeout = 10 * time.Second

// AlertBackend is the durable alert store the service runs against.
type AlertBackend interface {
	pipeline.AlertStore
	ListAlerts(ctx context.Context, q store.AlertQuery) ([]*domain.AlertRecord, error)
	ResolveAlert(ctx context.Context, id string) error
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
}

// App holds every long-lived dependency of the service.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	Redis     *store.RedisStore
	Alerts    AlertBackend
	Evaluator *pipeline.AlertEvaluator
	Router    *gin.Engine

	kafka *trigger.KafkaTrigger
	mqtt  *trigger.MQTTTrigger

	closers []func() error
}

// Build connects to the configured backends and wires the evaluator,
// its notification sinks, the HTTP surface and the trigger runtimes.
// Partially built dependencies are released when Build fails.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}
	if err := a.build(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	var err error
	a.Redis, err = store.NewRedisStore(ctx, a.cfg)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, a.Redis.Close)

	if err := a.openAlertStore(ctx); err != nil {
		return err
	}

	opts := []pipeline.Option{}
	if a.cfg.StrictDedup {
		opts = append(opts, pipeline.WithLock(a.Redis))
	}
	fanout, err := a.buildSinks()
	if err != nil {
		return err
	}
	if fanout.Len() > 0 {
		opts = append(opts, pipeline.WithPublisher(fanout))
	}
	a.Evaluator = pipeline.NewAlertEvaluator(a.Alerts, a.logger, opts...)

	authn := auth.NewAuthenticator(a.cfg, a.Redis, a.logger)
	checks := map[string]httptransport.Pinger{
		"redis":          a.Redis,
		a.cfg.AlertStore: a.Alerts,
	}
	h := httptransport.NewHandler(a.Evaluator, a.Redis, a.Alerts, checks, a.logger)
	a.Router = httptransport.NewRouter(h, httptransport.NewAuthMiddleware(authn), a.logger)

	a.buildTriggers()
	return nil
}

func (a *App) openAlertStore(ctx context.Context) error {
	alerts, closeFn, err := OpenAlertBackend(ctx, a.cfg)
	if err != nil {
		return err
	}
	a.Alerts = alerts
	a.closers = append(a.closers, closeFn)
	return nil
}

// OpenAlertBackend connects to the alert store selected by ALERT_STORE.
// The returned func releases the connection.
func OpenAlertBackend(ctx context.Context, cfg *config.Config) (AlertBackend, func() error, error) {
	switch cfg.AlertStore {
	case config.StoreMongo:
		s, err := store.NewMongoStore(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return s, func() error {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return s.Close(ctx)
		}, nil
	default:
		s, err := store.NewPostgresStore(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return s, func() error {
			s.Close()
			return nil
		}, nil
	}
}

func (a *App) buildSinks() (*notify.Fanout, error) {
	fanout := notify.NewFanout(a.logger)

	if a.cfg.HasSink(config.SinkRedis) {
		fanout.Add(config.SinkRedis, a.Redis)
	}

	if a.cfg.HasSink(config.SinkRabbitMQ) {
		conn, err := amqp.Dial(a.cfg.RabbitMQURL)
		if err != nil {
			return nil, errors.Wrap(err, "rabbitmq connect")
		}
		a.closers = append(a.closers, conn.Close)

		pub, err := notify.NewRabbitMQPublisher(conn, a.cfg.RabbitMQExchange, a.cfg.RabbitMQQueue)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pub.Close)
		fanout.Add(config.SinkRabbitMQ, pub)
	}

	if a.cfg.HasSink(config.SinkKafka) {
		pub := notify.NewKafkaPublisher(a.cfg.KafkaBrokers, a.cfg.KafkaAlertTopic)
		a.closers = append(a.closers, pub.Close)
		fanout.Add(config.SinkKafka, pub)
	}

	return fanout, nil
}

func (a *App) buildTriggers() {
	if a.cfg.HasTrigger(config.TriggerKafka) {
		policy := trigger.RetryPolicy{
			MaxAttempts: a.cfg.TriggerMaxAttempts,
			Backoff:     time.Duration(a.cfg.TriggerRetryBackoffMS) * time.Millisecond,
			Timeout:     time.Duration(a.cfg.TriggerTimeoutMS) * time.Millisecond,
		}
		a.kafka = trigger.NewKafkaTrigger(a.cfg.KafkaBrokers, a.cfg.KafkaTriggerTopic, a.cfg.KafkaGroupID, a.Evaluator, policy, a.logger)
		a.closers = append(a.closers, a.kafka.Close)
	}

	if a.cfg.HasTrigger(config.TriggerMQTT) {
		timeout := time.Duration(a.cfg.TriggerTimeoutMS) * time.Millisecond
		a.mqtt = trigger.NewMQTTTrigger(a.cfg.MQTTBroker, a.cfg.MQTTClientID, a.cfg.MQTTTopic, a.Evaluator, timeout, a.logger)
	}
}

// Run serves HTTP and consumes the configured triggers until ctx is
// cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	if a.mqtt != nil {
		if err := a.mqtt.Start(); err != nil {
			return err
		}
		a.logger.Info("mqtt trigger started", zap.String("topic", a.cfg.MQTTTopic))
	}

	g, ctx := errgroup.WithContext(ctx)

	srv := &stdhttp.Server{
		Addr:              ":" + a.cfg.HTTPPort,
		Handler:           a.Router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		a.logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if a.kafka != nil {
		g.Go(func() error {
			a.logger.Info("kafka trigger started", zap.String("topic", a.cfg.KafkaTriggerTopic))
			return a.kafka.Run(ctx)
		})
	}

	if a.mqtt != nil {
		g.Go(func() error {
			<-ctx.Done()
			a.mqtt.Stop()
			return nil
		})
	}

	return g.Wait()
}

// Close releases dependencies in reverse order of acquisition.
func (a *App) Close() error {
	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = errors.CombineErrors(err, a.closers[i]())
	}
	a.closers = nil
	return err
}
