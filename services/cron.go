package services

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"saas-knowledge-platform/internal/config"
	"saas-knowledge-platform/internal/logger"
	"saas-knowledge-platform/internal/store"
)

const sourceJobTagPrefix = "collect-"

// CollectionScheduler starts a tracked collection run for a source and
// returns the task id. Implemented by the queue enqueuer.
type CollectionScheduler interface {
	ScheduleCollection(ctx context.Context, sourceID primitive.ObjectID) (primitive.ObjectID, error)
}

// Scheduler owns the periodic jobs of the platform: task retention purges,
// stale-running sweeps, and cron-scheduled collection sources. Source
// schedules are reconciled against the store every few minutes, so CRUD on
// sources needs no direct scheduler access.
type Scheduler struct {
	cron    *gocron.Scheduler
	tracker *Tracker
	sources store.SourceStore
	collect CollectionScheduler

	retention  time.Duration
	staleAfter time.Duration

	mu         sync.Mutex
	registered map[string]string // job tag -> cron expression
}

func NewScheduler(tracker *Tracker, sources store.SourceStore, collect CollectionScheduler, cfg *config.Config) *Scheduler {
	s := gocron.NewScheduler(time.UTC)
	s.TagsUnique()

	return &Scheduler{
		cron:       s,
		tracker:    tracker,
		sources:    sources,
		collect:    collect,
		retention:  time.Duration(cfg.TaskRetentionMinutes) * time.Minute,
		staleAfter: time.Duration(cfg.TaskStaleMinutes) * time.Minute,
		registered: make(map[string]string),
	}
}

// Start registers the maintenance jobs and begins running them async.
func (s *Scheduler) Start() error {
	if _, err := s.cron.Every(10 * time.Minute).Tag("tasks-purge").Do(s.purgeTasks); err != nil {
		return err
	}
	if _, err := s.cron.Every(time.Minute).Tag("tasks-sweep").Do(s.sweepStale); err != nil {
		return err
	}
	if _, err := s.cron.Every(5 * time.Minute).Tag("sources-reconcile").Do(s.reconcileSources); err != nil {
		return err
	}

	s.reconcileSources()
	s.cron.StartAsync()
	logger.Info("scheduler started",
		"task_retention", s.retention.String(),
		"stale_after", s.staleAfter.String())
	return nil
}

func (s *Scheduler) Stop() {
	s.cron.Stop()
}

func (s *Scheduler) purgeTasks() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := s.tracker.PurgeExpired(ctx, s.retention); err != nil {
		logger.Error("task retention purge failed", "error", err)
	}
}

func (s *Scheduler) sweepStale() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := s.tracker.SweepStale(ctx, s.staleAfter); err != nil {
		logger.Error("stale task sweep failed", "error", err)
	}
}

// reconcileSources aligns the cron jobs with the scheduled sources in the
// store: new or rescheduled sources get a job, removed or disabled ones
// lose theirs.
func (s *Scheduler) reconcileSources() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	scheduled, err := s.sources.ListScheduled(ctx)
	if err != nil {
		logger.Error("could not list scheduled sources", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	desired := make(map[string]bool, len(scheduled))
	for _, src := range scheduled {
		tag := sourceJobTagPrefix + src.ID.Hex()
		desired[tag] = true

		if s.registered[tag] == src.Schedule {
			continue
		}
		if _, ok := s.registered[tag]; ok {
			_ = s.cron.RemoveByTag(tag)
			delete(s.registered, tag)
		}
		if _, err := s.cron.Cron(src.Schedule).Tag(tag).Do(s.runSource, src.ID); err != nil {
			logger.Error("invalid source schedule",
				"source", src.Name, "cron", src.Schedule, "error", err)
			continue
		}
		s.registered[tag] = src.Schedule
		logger.Info("source scheduled", "source", src.Name, "cron", src.Schedule)
	}

	for tag := range s.registered {
		if !strings.HasPrefix(tag, sourceJobTagPrefix) || desired[tag] {
			continue
		}
		_ = s.cron.RemoveByTag(tag)
		delete(s.registered, tag)
		logger.Info("source schedule removed", "tag", tag)
	}
}

// runSource enqueues a collection run for a scheduled source. Skipped when
// the previous run has not reached a terminal state yet.
func (s *Scheduler) runSource(sourceID primitive.ObjectID) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	src, err := s.sources.Get(ctx, sourceID)
	if err != nil {
		logger.Error("scheduled source vanished", "source_id", sourceID.Hex(), "error", err)
		return
	}
	if !src.Enabled {
		return
	}

	if src.LastRunTaskID != "" {
		if lastID, err := primitive.ObjectIDFromHex(src.LastRunTaskID); err == nil {
			if task, err := s.tracker.GetStatus(ctx, lastID); err == nil && !task.Terminal() {
				logger.Warn("skipping scheduled collection, previous run still active",
					"source", src.Name, "task_id", src.LastRunTaskID)
				return
			}
		}
	}

	taskID, err := s.collect.ScheduleCollection(ctx, sourceID)
	if err != nil {
		logger.Error("could not enqueue scheduled collection", "source", src.Name, "error", err)
		return
	}
	if err := s.sources.RecordRun(ctx, sourceID, taskID, time.Now()); err != nil {
		logger.Warn("could not record source run", "source", src.Name, "error", err)
	}
	logger.Info("scheduled collection enqueued", "source", src.Name, "task_id", taskID.Hex())
}
