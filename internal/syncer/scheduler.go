package syncer

import (
	"context"
	"sync/atomic"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler drives the periodic sync round. A round that is still running
// when the next tick fires is not stacked; the tick is skipped.
type Scheduler struct {
	cron    *cron.Cron
	log     *zap.Logger
	job     func(context.Context)
	running atomic.Bool
	entryID cron.EntryID
}

func NewScheduler(log *zap.Logger, job func(context.Context)) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		cron: cron.New(),
		log:  log,
		job:  job,
	}
}

func (s *Scheduler) Start(spec string) error {
	id, err := s.cron.AddFunc(spec, s.trigger)
	if err != nil {
		return err
	}
	s.entryID = id
	s.cron.Start()
	s.log.Info("sync scheduler started", zap.String("spec", spec))
	return nil
}

func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info("sync scheduler stopped")
}

// Trigger runs one round now, unless one is already in flight.
func (s *Scheduler) Trigger() bool {
	if !s.running.CompareAndSwap(false, true) {
		s.log.Info("sync already running, skipping run")
		return false
	}
	defer s.running.Store(false)
	s.job(context.Background())
	return true
}

func (s *Scheduler) trigger() {
	s.Trigger()
}
