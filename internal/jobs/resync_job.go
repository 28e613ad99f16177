package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
)

type Reconciler interface {
	Reconcile(ctx context.Context) error
}

// ResyncJob re-reads the courier's orders on a schedule, in case a change
// notification was lost.
type ResyncJob struct {
	r        Reconciler
	cron     *cron.Cron
	schedule string
	timeout  time.Duration
}

func NewResyncJob(r Reconciler, schedule string) *ResyncJob {
	if schedule == "" {
		schedule = "@every 1m"
	}
	return &ResyncJob{
		r:        r,
		cron:     cron.New(),
		schedule: schedule,
		timeout:  30 * time.Second,
	}
}

func (j *ResyncJob) Start() error {
	if _, err := j.cron.AddFunc(j.schedule, j.RunOnce); err != nil {
		return errors.Wrapf(err, "schedule %q", j.schedule)
	}
	j.cron.Start()
	slog.Info("resync job started", "schedule", j.schedule)
	return nil
}

func (j *ResyncJob) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()
	if err := j.r.Reconcile(ctx); err != nil {
		slog.Error("resync orders", "error", err.Error())
	}
}

// Stop waits for a running resync to finish.
func (j *ResyncJob) Stop() {
	<-j.cron.Stop().Done()
	slog.Info("resync job stopped")
}
