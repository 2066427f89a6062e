package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/switchboard-ai/switchboard/runtime/workflow/admission"
	"github.com/switchboard-ai/switchboard/runtime/workflow/config"
	"github.com/switchboard-ai/switchboard/runtime/workflow/coordinator"
	"github.com/switchboard-ai/switchboard/runtime/workflow/hitl"
	"github.com/switchboard-ai/switchboard/runtime/workflow/notify"
	"github.com/switchboard-ai/switchboard/runtime/workflow/observable"
	"github.com/switchboard-ai/switchboard/runtime/workflow/telemetry"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to a YAML configuration file")
		healthF = flag.String("health-addr", "", "Serve health checks on this address (e.g. :8081)")
		demoF   = flag.Bool("demo", false, "Start scripted demo workflows and answer their gates")
		dbgF    = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cfg, err := config.Load(*configF)
	if err != nil {
		log.Fatalf(ctx, err, "load configuration")
	}
	logger := telemetry.NewClueLogger()

	adapters, err := connect(ctx, cfg, logger)
	if err != nil {
		log.Fatalf(ctx, err, "connect dependencies")
	}
	defer adapters.close(ctx)

	modes := admission.NewModeStore(cfg.ValidationMode)
	svc, err := coordinator.New(coordinator.Options{
		Source:          adapters.source,
		Engine:          adapters.engine,
		Modes:           modes,
		Policy:          cfg.Policy(),
		Archiver:        adapters.archiver,
		CleanupInterval: cfg.Cleanup.Interval,
		Retention:       cfg.Cleanup.Retention,
		ToastDuration:   cfg.Notifications.Duration,
		MaxToasts:       cfg.Notifications.MaxVisible,
		MaxPending:      cfg.Gates.MaxPending,
		Logger:          logger,
		Metrics:         telemetry.NewOTelMetrics(),
		Tracer:          telemetry.NewOTelTracer(),
	})
	if err != nil {
		log.Fatalf(ctx, err, "create coordinator")
	}
	if err := svc.Init(ctx); err != nil {
		log.Fatalf(ctx, err, "start coordinator")
	}
	defer svc.Destroy()

	subs := watch(ctx, svc, logger)
	defer func() {
		for _, s := range subs {
			_ = s.Close()
		}
	}()

	errc := make(chan error, 1)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)

	if *healthF != "" {
		serveHealth(ctx, *healthF, health.NewChecker(adapters.pingers...), &wg, errc)
	}
	if *demoF {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runDemo(ctx, svc, modes, logger)
		}()
	}

	log.Printf(ctx, "exiting (%v)", <-errc)
	cancel()
	wg.Wait()
	log.Printf(ctx, "exited")
}

// watch logs notifications and gate changes.
func watch(ctx context.Context, svc *coordinator.Service, logger telemetry.Logger) []observable.Subscription {
	var (
		mu   sync.Mutex
		seen = make(map[string]struct{})
	)
	toasts := svc.Notifications().Subscribe(func(ts []notify.Toast) {
		mu.Lock()
		defer mu.Unlock()
		for _, t := range ts {
			if _, ok := seen[t.ID]; ok {
				continue
			}
			seen[t.ID] = struct{}{}
			logger.Info(ctx, "notification", "type", string(t.Type), "title", t.Title, "message", t.Message, "workflow_id", t.WorkflowID)
		}
	})
	questions := svc.Questions().Subscribe(func(s hitl.QuestionState) {
		if s.Open && s.Current != nil {
			logger.Info(ctx, "question shown", "workflow_id", s.Current.WorkflowID, "question", s.Current.Question.Text, "pending", len(s.Pending))
		}
	})
	validations := svc.Validations().Subscribe(func(s hitl.ValidationState) {
		if s.Open && s.Current != nil {
			logger.Info(ctx, "validation shown", "workflow_id", s.Current.WorkflowID, "operation", s.Current.Validation.Operation, "pending", len(s.Pending))
		}
	})
	return []observable.Subscription{toasts, questions, validations}
}

func serveHealth(ctx context.Context, addr string, checker health.Checker, wg *sync.WaitGroup, errc chan error) {
	mux := http.NewServeMux()
	mux.Handle("/livez", health.Handler(health.NewChecker()))
	mux.Handle("/healthz", health.Handler(checker))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	wg.Add(1)
	go func() {
		defer wg.Done()
		go func() {
			log.Printf(ctx, "health checks listening on %s", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
		}()
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorf(ctx, err, "failed to shutdown health server")
		}
	}()
}
