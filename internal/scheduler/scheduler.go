package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/containrrr/shoutrrr"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/quillon/dmarcwatch/internal/logger"
)

// Mode selects which stages a triggered run executes.
type Mode string

const (
	ModeFull   Mode = "full"
	ModeIntake Mode = "intake"
	ModeAssess Mode = "assess"
)

// IntakeRunner is the intake stage as the scheduler sees it.
type IntakeRunner interface {
	Run() error
}

// AssessmentRunner is the assessment stage as the scheduler sees it.
type AssessmentRunner interface {
	Run(ctx context.Context) (int, error)
}

// RunOutcome remembers how the most recent completed run ended.
type RunOutcome struct {
	Success         bool      `json:"success"`
	Error           string    `json:"error,omitempty"`
	FinishedAt      time.Time `json:"finished_at"`
	ReportsAssessed int       `json:"reports_assessed"`
	Mode            Mode      `json:"mode"`
}

// Status is the externally visible scheduler state.
type Status struct {
	TimerArmed bool        `json:"timer_armed"`
	Running    bool        `json:"running"`
	Interval   string      `json:"interval"`
	LastRun    *RunOutcome `json:"last_run,omitempty"`
}

// Pipeline runs intake followed by assessment on a cron schedule with a
// single-flight guarantee: a trigger arriving while a run is in progress
// is dropped, never queued.
type Pipeline struct {
	intake IntakeRunner
	assess AssessmentRunner

	spec   string
	opsURL string

	cron *cron.Cron

	mu      sync.Mutex
	running bool
	last    *RunOutcome
}

// New creates a pipeline scheduler. opsURL is an optional shoutrrr URL
// notified when a run ends in error.
func New(intake IntakeRunner, assess AssessmentRunner, spec, opsURL string) *Pipeline {
	return &Pipeline{
		intake: intake,
		assess: assess,
		spec:   spec,
		opsURL: opsURL,
	}
}

// Start arms the cron timer and kicks off one immediate run through the
// same single-flight path the timer uses.
func (p *Pipeline) Start() error {
	c := cron.New()
	if _, err := c.AddFunc(p.spec, func() {
		p.Trigger(ModeFull)
	}); err != nil {
		return fmt.Errorf("schedule pipeline %q: %w", p.spec, err)
	}
	c.Start()
	p.cron = c

	logger.WithFields(logrus.Fields{"schedule": p.spec}).Info("Pipeline scheduler started")

	p.Trigger(ModeFull)
	return nil
}

// Stop disarms the timer. In-flight runs finish on their own.
func (p *Pipeline) Stop() {
	if p.cron != nil {
		p.cron.Stop()
	}
}

// Trigger starts a run unless one is already in progress, in which case
// the trigger is dropped with a warning. Returns whether a run started.
func (p *Pipeline) Trigger(mode Mode) bool {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		logger.WithFields(logrus.Fields{"mode": mode}).Warn("Pipeline run already in progress, trigger dropped")
		return false
	}
	p.running = true
	p.mu.Unlock()

	go p.run(mode)
	return true
}

func (p *Pipeline) run(mode Mode) {
	log := logger.WithFields(logrus.Fields{"mode": mode})
	log.Info("Pipeline run started")

	outcome := RunOutcome{Mode: mode}

	var err error
	if mode == ModeFull || mode == ModeIntake {
		err = p.intake.Run()
	}
	if err == nil && (mode == ModeFull || mode == ModeAssess) {
		outcome.ReportsAssessed, err = p.assess.Run(context.Background())
	}

	outcome.FinishedAt = time.Now()
	if err != nil {
		outcome.Error = err.Error()
		log.WithError(err).Error("Pipeline run failed")
		p.notifyOps(err)
	} else {
		outcome.Success = true
		log.WithFields(logrus.Fields{"reports_assessed": outcome.ReportsAssessed}).Info("Pipeline run finished")
	}

	p.mu.Lock()
	p.last = &outcome
	p.running = false
	p.mu.Unlock()
}

// notifyOps pushes the run failure to the configured ops channel. Failures
// here are logged only; they never affect the run outcome.
func (p *Pipeline) notifyOps(cause error) {
	if p.opsURL == "" {
		return
	}
	msg := fmt.Sprintf("dmarcwatch pipeline run failed\n\n%v", cause)
	if err := shoutrrr.Send(p.opsURL, msg); err != nil {
		logger.Log().WithError(err).Warn("Failed to send ops alert")
	}
}

// Status reports whether the timer is armed, whether a run is in progress,
// the configured interval and the outcome of the last completed run.
func (p *Pipeline) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	var last *RunOutcome
	if p.last != nil {
		copied := *p.last
		last = &copied
	}

	return Status{
		TimerArmed: p.cron != nil,
		Running:    p.running,
		Interval:   p.spec,
		LastRun:    last,
	}
}
