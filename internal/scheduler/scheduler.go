package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/rueda1208/hems-controller/internal/controller"
)

// A cycle must finish well before the next one fires.
const cycleTimeout = 2 * time.Minute

type Scheduler struct {
	ctx        context.Context
	controller *controller.Controller
	spec       string
	logger     *logrus.Logger
	cron       *cron.Cron
}

func NewScheduler(ctx context.Context, c *controller.Controller, spec string, logger *logrus.Logger) *Scheduler {
	return &Scheduler{
		ctx:        ctx,
		controller: c,
		spec:       spec,
		logger:     logger,
		cron:       cron.New(),
	}
}

// Start the scheduler
func (s *Scheduler) Start() error {
	_, err := s.cron.AddFunc(s.spec, s.runCycle)
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// runCycle executes one control cycle with a hard deadline.
func (s *Scheduler) runCycle() {
	ctx, cancel := context.WithTimeout(s.ctx, cycleTimeout)
	defer cancel()

	if err := s.controller.Cycle(ctx); err != nil {
		s.logger.WithError(err).Error("Control cycle failed")
	}
}

// Stop the scheduler
func (s *Scheduler) Stop() {
	s.cron.Stop()
}
