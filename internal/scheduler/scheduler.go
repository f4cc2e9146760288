// Package scheduler runs named periodic jobs for plugins.
//
// Plugins register jobs through the SDK (PluginBase.Every / PluginBase.Cron);
// job names are namespaced by plugin so the lifecycle engine can drop a
// plugin's jobs when it stops. Every run is timeout-bounded and panic-safe.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "plughost/pkg/logx"
)

type Config struct {
	Enabled        bool
	DefaultTimeout time.Duration
	Timezone       string // IANA TZ, e.g. "Asia/Jakarta"; empty means local
}

type Job func(ctx context.Context) error

type jobDef struct {
	name    string
	spec    string
	timeout time.Duration
	entryID cron.EntryID

	mu      sync.Mutex
	running bool
	lastAt  time.Time
	lastErr string
	runs    uint64
}

// JobInfo is a point-in-time view of one registered job.
type JobInfo struct {
	Name    string    `json:"name"`
	Spec    string    `json:"spec"`
	Running bool      `json:"running"`
	Runs    uint64    `json:"runs"`
	LastAt  time.Time `json:"last_at"`
	LastErr string    `json:"last_err,omitempty"`
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	parser cron.Parser
	c      *cron.Cron
	jobs   map[string]*jobDef

	runCtx    context.Context
	runCancel context.CancelFunc
	started   bool
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = time.Minute
	}
	loc := time.Local
	if cfg.Timezone != "" {
		if l, err := time.LoadLocation(cfg.Timezone); err == nil {
			loc = l
		} else {
			log.Warn("scheduler: invalid timezone, using local", logx.String("tz", cfg.Timezone))
		}
	}
	return &Service{
		log:    log,
		cfg:    cfg,
		loc:    loc,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		jobs:   map[string]*jobDef{},
	}
}

func (s *Service) Enabled() bool { return s.cfg.Enabled }

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	if !s.cfg.Enabled {
		return nil
	}
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	s.c = cron.New(cron.WithLocation(s.loc), cron.WithParser(s.parser))
	s.c.Start()
	s.started = true
	return nil
}

// Stop halts the cron loop and waits for in-flight runs bounded by ctx.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.c
	cancel := s.runCancel
	s.c = nil
	s.runCancel = nil
	s.started = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c == nil {
		return nil
	}
	stopCtx := c.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddInterval schedules job every given duration. Name must be unique.
func (s *Service) AddInterval(name string, every, timeout time.Duration, job Job) (string, error) {
	if every <= 0 {
		return "", fmt.Errorf("scheduler: interval must be > 0 for %q", name)
	}
	return s.add(name, "@every "+every.String(), cron.Every(every), timeout, job)
}

// AddCron schedules job with a 5-field cron spec (or @-descriptor).
func (s *Service) AddCron(name, spec string, timeout time.Duration, job Job) (string, error) {
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return "", fmt.Errorf("scheduler: bad spec %q for %q: %w", spec, name, err)
	}
	return s.add(name, spec, sched, timeout, job)
}

func (s *Service) add(name, spec string, sched cron.Schedule, timeout time.Duration, job Job) (string, error) {
	if job == nil {
		return "", fmt.Errorf("scheduler: nil job for %q", name)
	}
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return "", fmt.Errorf("scheduler: not running")
	}
	if _, ok := s.jobs[name]; ok {
		return "", fmt.Errorf("scheduler: job %q already registered", name)
	}

	def := &jobDef{name: name, spec: spec, timeout: timeout}
	def.entryID = s.c.Schedule(sched, cron.FuncJob(func() { s.runOne(def, job) }))
	s.jobs[name] = def
	s.log.Debug("job scheduled", logx.String("job", name), logx.String("spec", spec))
	return name, nil
}

// Remove deletes one job by name.
func (s *Service) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.jobs[name]
	if !ok {
		return
	}
	if s.c != nil {
		s.c.Remove(def.entryID)
	}
	delete(s.jobs, name)
}

// RemoveByPrefix deletes every job whose name starts with prefix.
// Used to drop a plugin's jobs ("<plugin>:") when the plugin stops.
func (s *Service) RemoveByPrefix(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for name, def := range s.jobs {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		if s.c != nil {
			s.c.Remove(def.entryID)
		}
		delete(s.jobs, name)
		n++
	}
	return n
}

func (s *Service) runOne(def *jobDef, job Job) {
	s.mu.Lock()
	base := s.runCtx
	s.mu.Unlock()
	if base == nil || base.Err() != nil {
		return
	}

	// Overlap policy: skip if the previous run is still going.
	def.mu.Lock()
	if def.running {
		def.mu.Unlock()
		s.log.Debug("job still running; skipping", logx.String("job", def.name))
		return
	}
	def.running = true
	def.mu.Unlock()

	start := time.Now()
	ctx, cancel := context.WithTimeout(base, def.timeout)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				s.log.Error("panic in job", logx.String("job", def.name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		return job(ctx)
	}()
	cancel()

	def.mu.Lock()
	def.running = false
	def.runs++
	def.lastAt = start
	def.lastErr = ""
	if err != nil {
		def.lastErr = err.Error()
	}
	def.mu.Unlock()

	if err != nil {
		s.log.Warn("job failed", logx.String("job", def.name), logx.Duration("took", time.Since(start)), logx.Err(err))
	}
}

// Snapshot lists registered jobs sorted by name.
func (s *Service) Snapshot() []JobInfo {
	s.mu.Lock()
	defs := make([]*jobDef, 0, len(s.jobs))
	for _, d := range s.jobs {
		defs = append(defs, d)
	}
	s.mu.Unlock()

	out := make([]JobInfo, 0, len(defs))
	for _, d := range defs {
		d.mu.Lock()
		out = append(out, JobInfo{
			Name:    d.name,
			Spec:    d.spec,
			Running: d.running,
			Runs:    d.runs,
			LastAt:  d.lastAt,
			LastErr: d.lastErr,
		})
		d.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
