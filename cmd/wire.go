package cmd

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/marketpulse/internal/config"
	"github.com/zjrosen/marketpulse/internal/infrastructure/postgres"
	"github.com/zjrosen/marketpulse/internal/infrastructure/sqlite"
	"github.com/zjrosen/marketpulse/internal/jobs/domain"
	"github.com/zjrosen/marketpulse/internal/jobs/memory"
	"github.com/zjrosen/marketpulse/internal/log"
	"github.com/zjrosen/marketpulse/internal/orchestration/channel"
	"github.com/zjrosen/marketpulse/internal/orchestration/classifier"
	"github.com/zjrosen/marketpulse/internal/orchestration/coordinator"
	"github.com/zjrosen/marketpulse/internal/orchestration/worker"
)

// stores bundles the three repositories of one backend.
type stores struct {
	jobs    domain.JobRepository
	results domain.ResultRepository
	events  domain.EventRepository
	close   func() error
}

func (s *stores) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

func memoryStores() *stores {
	return &stores{
		jobs:    memory.NewJobRepository(),
		results: memory.NewResultRepository(),
		events:  memory.NewEventRepository(),
	}
}

func openStores(ctx context.Context, sc config.StorageConfig) (*stores, error) {
	switch sc.Driver {
	case config.DriverMemory:
		log.Warn(log.CatDB, "Using in-memory storage; jobs are lost on exit")
		return memoryStores(), nil
	case config.DriverPostgres:
		pg, err := postgres.Open(ctx, postgres.Config{DSN: sc.PostgresDSN})
		if err != nil {
			return nil, err
		}
		return &stores{
			jobs:    pg.JobRepository(),
			results: pg.ResultRepository(),
			events:  pg.EventRepository(),
			close:   pg.Close,
		}, nil
	case config.DriverSQLite:
		db, err := sqlite.NewDB(sc.SQLitePath)
		if err != nil {
			return nil, err
		}
		return &stores{
			jobs:    db.JobRepository(),
			results: db.ResultRepository(),
			events:  db.EventRepository(),
			close:   db.Close,
		}, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", sc.Driver)
	}
}

// newClassifier loads the configured rule table. The returned stop func ends
// the rules watcher, if any.
func newClassifier(cc config.ClassifierConfig) (*classifier.Classifier, func() error, error) {
	noop := func() error { return nil }
	if cc.RulesFile == "" {
		return classifier.NewDefault(), noop, nil
	}

	table, err := classifier.LoadRules(cc.RulesFile)
	if err != nil {
		return nil, nil, fmt.Errorf("loading classifier rules: %w", err)
	}
	c := classifier.New(table)
	log.Info(log.CatClassifier, "Loaded classifier rules", "path", cc.RulesFile, "rules", table.Len())
	if !cc.Watch {
		return c, noop, nil
	}

	stop, err := classifier.WatchRules(c, cc.RulesFile)
	if err != nil {
		return nil, nil, fmt.Errorf("watching classifier rules: %w", err)
	}
	return c, stop, nil
}

func newSupervisor(c *classifier.Classifier, wc config.WorkerConfig) *worker.Supervisor {
	return worker.NewSupervisor(c,
		worker.WithKillGrace(wc.KillGrace),
		worker.WithMaxLineBytes(wc.MaxLineBytes),
		worker.WithStderrTail(wc.StderrTailLines),
	)
}

func workerCommand(wc config.WorkerConfig) worker.Command {
	return worker.Command{
		Path: wc.Command,
		Args: wc.Args,
		Env:  wc.Env,
		Dir:  wc.WorkDir,
	}
}

func newCoordinator(c config.Config, st *stores, cls *classifier.Classifier, tracer trace.Tracer) (*coordinator.Coordinator, error) {
	registry := channel.NewRegistry(channel.RegistryConfig{
		GracePeriod:  c.Jobs.ChannelGrace,
		OrphanTTL:    c.Jobs.OrphanTTL,
		Sink:         st.events,
		WriteTimeout: c.Persistence.EventWriteTimeout,
	})
	return coordinator.New(coordinator.Config{
		Jobs:          st.jobs,
		Results:       st.results,
		Events:        st.events,
		Registry:      registry,
		Supervisor:    newSupervisor(cls, c.Worker),
		Command:       workerCommand(c.Worker),
		Timeout:       c.Worker.Timeout,
		MaxConcurrent: c.Jobs.MaxConcurrent,
		Persist: coordinator.PersistConfig{
			MaxAttempts:    c.Persistence.MaxAttempts,
			InitialBackoff: c.Persistence.InitialBackoff,
			MaxBackoff:     c.Persistence.MaxBackoff,
		},
		Tracer: tracer,
	})
}
