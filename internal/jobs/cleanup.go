package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Task is one named sweep. It returns how many items it removed.
type Task struct {
	Name string
	Run  func(ctx context.Context) (int64, error)
}

// Sweeper is the part of the call registry the cleanup job drives.
type Sweeper interface {
	SweepPending(ttl time.Duration) int64
	SweepEnded(ttl time.Duration) int64
}

// RegistryTasks expires pending registrations nobody claimed and forgets ended-call tombstones.
func RegistryTasks(s Sweeper, pendingTTL, tombstoneTTL time.Duration) []Task {
	return []Task{
		{
			Name: "pending registrations",
			Run: func(context.Context) (int64, error) {
				return s.SweepPending(pendingTTL), nil
			},
		},
		{
			Name: "ended call tombstones",
			Run: func(context.Context) (int64, error) {
				return s.SweepEnded(tombstoneTTL), nil
			},
		},
	}
}

type CleanupJob struct {
	tasks    []Task
	interval time.Duration
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewCleanupJob(interval time.Duration, tasks ...Task) *CleanupJob {
	return &CleanupJob{
		tasks:    tasks,
		interval: interval,
		done:     make(chan struct{}),
	}
}

func (j *CleanupJob) Start() {
	j.wg.Add(1)
	go j.run()
	log.Info().Dur("interval", j.interval).Int("tasks", len(j.tasks)).Msg("cleanup job started")
}

// Stop ends the loop and waits for a sweep in progress.
func (j *CleanupJob) Stop() {
	j.stopOnce.Do(func() {
		close(j.done)
		j.wg.Wait()
		log.Info().Msg("cleanup job stopped")
	})
}

func (j *CleanupJob) run() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.cleanup()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.cleanup()
		}
	}
}

func (j *CleanupJob) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, task := range j.tasks {
		j.runCleanup(ctx, task.Name, task.Run)
	}
}

func (j *CleanupJob) runCleanup(ctx context.Context, name string, fn func(context.Context) (int64, error)) {
	count, err := fn(ctx)
	if err != nil {
		log.Error().Err(err).Msgf("failed to cleanup %s", name)
	} else if count > 0 {
		log.Info().Int64("count", count).Msgf("cleaned up %s", name)
	}
}
