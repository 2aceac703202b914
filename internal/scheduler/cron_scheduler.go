package scheduler

import (
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// CronScheduler runs the pipeline's periodic maintenance jobs
type CronScheduler struct {
	logger   *zap.Logger
	cron     *cron.Cron
	mu       sync.Mutex
	entryIDs map[string]cron.EntryID
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, zap.Any("details", keysAndValues))
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}

// NewCronScheduler creates a new scheduler. Specs accept an optional seconds field and
// descriptors such as "@every 30s".
func NewCronScheduler(logger *zap.Logger) *CronScheduler {
	cronLogger := &cronLogger{logger: logger.Named("cron")}
	cronOptions := []cron.Option{
		cron.WithParser(cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)),
		cron.WithChain(cron.Recover(cronLogger)),
		cron.WithLogger(cronLogger),
	}

	return &CronScheduler{
		logger:   logger.Named("scheduler"),
		cron:     cron.New(cronOptions...),
		entryIDs: make(map[string]cron.EntryID),
	}
}

// AddJob registers fn under name. Registering the same name twice replaces the job.
func (s *CronScheduler) AddJob(name, spec string, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entryIDs[name]; ok {
		s.cron.Remove(old)
		delete(s.entryIDs, name)
	}

	entryID, err := s.cron.AddFunc(spec, fn)
	if err != nil {
		return fmt.Errorf("failed to add cron job %s: %w", name, err)
	}
	s.entryIDs[name] = entryID

	s.logger.Info("Added job",
		zap.String("name", name),
		zap.String("spec", spec))
	return nil
}

// RemoveJob removes a job by name
func (s *CronScheduler) RemoveJob(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entryID, ok := s.entryIDs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	s.cron.Remove(entryID)
	delete(s.entryIDs, name)

	s.logger.Info("Removed job", zap.String("name", name))
	return nil
}

// Jobs returns the registered job names
func (s *CronScheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.entryIDs))
	for name := range s.entryIDs {
		names = append(names, name)
	}
	return names
}

// Start starts the scheduler
func (s *CronScheduler) Start() {
	s.cron.Start()
}

// Stop stops the scheduler and waits for running jobs to finish
func (s *CronScheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
