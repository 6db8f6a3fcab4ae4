package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/eventshim/internal/app"
	"github.com/suPer8Hu/eventshim/internal/config"
	"github.com/suPer8Hu/eventshim/internal/httpapi"
	"github.com/suPer8Hu/eventshim/internal/httpapi/handlers"
	"github.com/suPer8Hu/eventshim/internal/logging"
	"github.com/suPer8Hu/eventshim/internal/schedule"
	"github.com/suPer8Hu/eventshim/internal/store/rabbitmq"
)

func main() {
	cfg, err := config.Load()
	log := logging.New(nil, "info")
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	log = logging.New(nil, cfg.LogLevel)
	if cfg.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}

	// triggers go through the queue when it is reachable, otherwise they
	// run inside this process
	var (
		pub  *rabbitmq.Publisher
		opts app.Options
	)
	if cfg.RabbitURL != "" {
		pub, err = rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			log.Warn().Err(err).Msg("rabbit unavailable, running triggers in-process")
			pub = nil
		} else {
			defer pub.Close()
			opts.Publisher = pub
		}
	}

	a, err := app.Build(cfg, log, opts)
	if err != nil {
		log.Fatal().Err(err).Msg("build app")
	}
	defer a.Close()
	if err := a.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("migrate")
	}

	sched := schedule.New(log.Sub("schedule"), schedule.WithClock(a.Clock))
	var triggerPub app.JSONPublisher
	if pub != nil {
		triggerPub = pub
	}
	if err := a.ScheduleTriggers(sched, triggerPub); err != nil {
		log.Fatal().Err(err).Msg("schedule triggers")
	}
	sched.Start()

	h := handlers.NewHandler(a.Sessions, a.Events, a.PushQueue, a.Push, a.WorkMap)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(h, cfg.JWTSecret, a.Registry, log.Sub("http")),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("server shutting down")
	<-sched.Stop().Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
