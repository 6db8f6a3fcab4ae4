package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/suPer8Hu/eventshim/internal/app"
	"github.com/suPer8Hu/eventshim/internal/config"
	"github.com/suPer8Hu/eventshim/internal/logging"
	"github.com/suPer8Hu/eventshim/internal/store/rabbitmq"
	"github.com/suPer8Hu/eventshim/internal/trigger"
)

func main() {
	cfg, err := config.Load()
	log := logging.New(nil, "info")
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	log = logging.New(nil, cfg.LogLevel)

	pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		log.Fatal().Err(err).Msg("rabbit publisher")
	}
	defer pub.Close()

	a, err := app.Build(cfg, log, app.Options{Publisher: pub})
	if err != nil {
		log.Fatal().Err(err).Msg("build app")
	}
	defer a.Close()

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatal().Err(err).Msg("rabbit dial")
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Fatal().Err(err).Msg("rabbit channel")
	}
	defer ch.Close()

	if err := rabbitmq.DeclareTopology(ch, cfg.RabbitQueue); err != nil {
		log.Fatal().Err(err).Msg("queue declare")
	}

	consumer := trigger.NewConsumer(a.Trigger, cfg.WorkerConcurrency, pub, log.Sub("worker"))

	// strict concurrency control
	if err := ch.Qos(consumer.Concurrency(), 0, false); err != nil {
		log.Fatal().Err(err).Msg("qos")
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("consume")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("queue", cfg.RabbitQueue).Int("concurrency", consumer.Concurrency()).Msg("worker started")
	if err := consumer.Run(ctx, msgs); err != nil {
		log.Error().Err(err).Msg("worker stopped")
		return
	}
	log.Info().Msg("worker shut down")
}
