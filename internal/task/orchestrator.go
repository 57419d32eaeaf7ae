package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/tastythames/task-launcher/internal/inventory"
	"github.com/tastythames/task-launcher/internal/kvstore"
	"github.com/tastythames/task-launcher/internal/probe"
	"github.com/tastythames/task-launcher/internal/sshclient"
)

const defaultRestartSettle = 5 * time.Second

// Batcher runs a command batch and reports per-host outcomes.
type Batcher interface {
	Report(ctx context.Context, batch inventory.CommandBatch) sshclient.BatchReport
}

// Prober answers liveness and round-trip questions.
type Prober interface {
	CheckPort(ctx context.Context, hostPort string) bool
	Ping(ctx context.Context, ip string) probe.PingResult
}

// Recorder receives operational events for metrics.
type Recorder interface {
	BatchFinished(op string, ok bool)
	AutoStopped(reason string)
	ReconcileFinished(elapsed time.Duration)
	ReconcileFailed(task string)
}

type nopRecorder struct{}

func (nopRecorder) BatchFinished(string, bool)      {}
func (nopRecorder) AutoStopped(string)              {}
func (nopRecorder) ReconcileFinished(time.Duration) {}
func (nopRecorder) ReconcileFailed(string)          {}

type Options struct {
	Catalog  *inventory.Catalog
	Registry *Registry
	Batches  Batcher
	Prober   Prober
	Store    kvstore.Store
	Clock    clockwork.Clock
	Logger   *zap.Logger
	Metrics  Recorder
	// RestartSettle is the pause between the stop and start halves of Restart.
	RestartSettle time.Duration
	NewRunID      func() string
}

// Orchestrator is the facade behind every caller-facing operation. It never
// returns an error for a task-level failure; results carry the outcome.
type Orchestrator struct {
	catalog  *inventory.Catalog
	registry *Registry
	batches  Batcher
	prober   Prober
	store    kvstore.Store
	clock    clockwork.Clock
	logger   *zap.Logger
	metrics  Recorder
	settle   time.Duration
	newRunID func() string
}

func New(opts Options) *Orchestrator {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Registry == nil {
		opts.Registry = NewRegistry(opts.Clock)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = nopRecorder{}
	}
	if opts.RestartSettle <= 0 {
		opts.RestartSettle = defaultRestartSettle
	}
	if opts.NewRunID == nil {
		opts.NewRunID = uuid.NewString
	}
	return &Orchestrator{
		catalog:  opts.Catalog,
		registry: opts.Registry,
		batches:  opts.Batches,
		prober:   opts.Prober,
		store:    opts.Store,
		clock:    opts.Clock,
		logger:   opts.Logger.Named("orchestrator"),
		metrics:  opts.Metrics,
		settle:   opts.RestartSettle,
		newRunID: opts.NewRunID,
	}
}

func (o *Orchestrator) Registry() *Registry { return o.registry }

type StartResult struct {
	Success          bool
	Message          string
	ETA              string
	ScheduledEndTime time.Time
	TimeOption       int
	TimeHours        int
	RunID            string
	// Err classifies a failure: ErrTaskNotFound, *ValidationError,
	// ErrOperationInProgress, or the batch failure.
	Err error
}

type StopResult struct {
	Success bool
	Message string
	Err     error
}

// runInfo is the descriptive blob stored next to the end time.
type runInfo struct {
	Hosts            []string  `json:"hosts"`
	StartTime        time.Time `json:"startTime"`
	ScheduledEndTime time.Time `json:"scheduledEndTime"`
	TimeOption       int       `json:"timeOption"`
	TimeHours        int       `json:"timeHours"`
	RunID            string    `json:"runId"`
}

func EndTimeKey(name string) string { return "task:" + name + ":endtime" }
func InfoKey(name string) string    { return "task:" + name + ":info" }

// Start validates the option, runs the task's start batch and, on success,
// records the end time in the store with a TTL equal to the granted window.
func (o *Orchestrator) Start(ctx context.Context, name string, option int) (res StartResult) {
	// A launch runs to completion once accepted, even if the caller goes away.
	ctx = context.WithoutCancel(ctx)
	defer func() {
		if r := recover(); r != nil {
			err := o.systemError(name, "start", r)
			res = StartResult{Message: err.Error(), Err: err}
		}
	}()

	def, ok := o.catalog.Task(name)
	if !ok {
		o.logger.Warn("start requested for unknown task", zap.String("task", name))
		return StartResult{Message: "Task not found: " + name, Err: fmt.Errorf("%w: %s", ErrTaskNotFound, name)}
	}

	hours, err := ValidateStart(def, option)
	if err != nil {
		o.logger.Warn("start rejected", zap.String("task", name), zap.Int("option", option), zap.Error(err))
		return StartResult{Message: err.Error(), Err: err}
	}

	now := o.clock.Now()
	end := now.Add(time.Duration(hours) * time.Hour)
	if _, err := o.registry.Update(name, func(s *Status) error {
		if err := checkIdle(name, s.State); err != nil {
			return err
		}
		s.State = StateStarting
		s.StartTime = now
		s.EndTime = &end
		s.LastError = ""
		s.AutoStopped = false
		return nil
	}); err != nil {
		o.logger.Warn("start rejected", zap.String("task", name), zap.Error(err))
		return StartResult{Message: err.Error(), Err: err}
	}

	o.logger.Info("starting task",
		zap.String("task", name), zap.Int("option", option), zap.Int("hours", hours),
		zap.Int("commands", def.Command.CommandCount()))

	report := o.batches.Report(ctx, def.Command)
	o.metrics.BatchFinished("start", report.OK())
	if !report.OK() {
		msg := failureText(report, "task launch fail")
		o.mustUpdate(name, func(s *Status) error {
			s.State = StateError
			s.EndTime = nil
			s.LastError = msg
			return nil
		})
		o.logger.Error("task start failed", zap.String("task", name), zap.String("reason", msg))
		return StartResult{Message: "task launch fail: " + msg, Err: errors.New(msg)}
	}

	st := o.mustUpdate(name, func(s *Status) error {
		s.State = StateRunning
		return nil
	})

	runID := o.newRunID()
	o.persist(ctx, name, end, hours, runInfo{
		Hosts:            def.Command.Hosts(),
		StartTime:        now,
		ScheduledEndTime: end,
		TimeOption:       option,
		TimeHours:        hours,
		RunID:            runID,
	})

	o.logger.Info("task started",
		zap.String("task", name), zap.String("eta", st.ETA), zap.String("run_id", runID))
	return StartResult{
		Success:          true,
		Message:          "task start succeed",
		ETA:              st.ETA,
		ScheduledEndTime: end,
		TimeOption:       option,
		TimeHours:        hours,
		RunID:            runID,
	}
}

// Stop runs the task's shutdown batch and clears its stored window.
func (o *Orchestrator) Stop(ctx context.Context, name string) (res StopResult) {
	ctx = context.WithoutCancel(ctx)
	defer func() {
		if r := recover(); r != nil {
			err := o.systemError(name, "stop", r)
			res = StopResult{Message: err.Error(), Err: err}
		}
	}()

	def, ok := o.catalog.Task(name)
	if !ok {
		o.logger.Warn("stop requested for unknown task", zap.String("task", name))
		return StopResult{Message: "Task not found: " + name, Err: fmt.Errorf("%w: %s", ErrTaskNotFound, name)}
	}

	if _, err := o.registry.Update(name, func(s *Status) error {
		if err := checkIdle(name, s.State); err != nil {
			return err
		}
		s.State = StateStopping
		return nil
	}); err != nil {
		o.logger.Warn("stop rejected", zap.String("task", name), zap.Error(err))
		return StopResult{Message: err.Error(), Err: err}
	}

	o.logger.Info("stopping task", zap.String("task", name))
	report := o.batches.Report(ctx, def.ShutdownCommand)
	o.metrics.BatchFinished("stop", report.OK())
	if !report.OK() {
		msg := failureText(report, "stop task execute fail")
		o.mustUpdate(name, func(s *Status) error {
			s.State = StateError
			s.LastError = msg
			return nil
		})
		o.logger.Error("task stop failed", zap.String("task", name), zap.String("reason", msg))
		return StopResult{Message: "Failed to stop task: " + msg, Err: errors.New(msg)}
	}

	o.mustUpdate(name, func(s *Status) error {
		s.State = StateStopped
		s.EndTime = nil
		s.AutoStopped = false
		return nil
	})
	for _, key := range []string{EndTimeKey(name), InfoKey(name)} {
		if err := o.store.Delete(ctx, key); err != nil {
			o.logger.Warn("failed to delete stored key", zap.String("key", key), zap.Error(err))
		}
	}

	o.logger.Info("task stopped", zap.String("task", name))
	return StopResult{Success: true, Message: "task stopped succeed!"}
}

// Restart stops the task, waits for processes to settle and starts it again
// with the given option. The option is validated before anything is stopped.
func (o *Orchestrator) Restart(ctx context.Context, name string, option int) StartResult {
	ctx = context.WithoutCancel(ctx)
	def, ok := o.catalog.Task(name)
	if !ok {
		return StartResult{Message: "Task not found: " + name, Err: fmt.Errorf("%w: %s", ErrTaskNotFound, name)}
	}
	if _, err := ValidateStart(def, option); err != nil {
		return StartResult{Message: err.Error(), Err: err}
	}

	o.logger.Info("restarting task", zap.String("task", name), zap.Int("option", option))
	stop := o.Stop(ctx, name)
	if !stop.Success {
		return StartResult{Message: "can't stop running task!: " + stop.Message, Err: stop.Err}
	}

	<-o.clock.After(o.settle)

	res := o.Start(ctx, name, option)
	if res.Success {
		res.Message = "task restart succeed"
	} else {
		res.Message = "restart fail: " + res.Message
	}
	return res
}

type TaskSummary struct {
	ID        int
	Name      string
	State     State
	ETA       string
	StartTime time.Time
	LastError string
}

type ServerPing struct {
	Name   string
	Result probe.PingResult
}

type StatusReport struct {
	Tasks   []TaskSummary
	Servers []ServerPing
}

// Status lists every task in catalog order, resolving records still in
// StateUnknown from a port probe first, then pings every configured server.
func (o *Orchestrator) Status(ctx context.Context) StatusReport {
	report := StatusReport{
		Tasks:   make([]TaskSummary, 0, len(o.catalog.Tasks)),
		Servers: make([]ServerPing, 0, len(o.catalog.Ping)),
	}
	for _, def := range o.catalog.Tasks {
		st := o.registry.GetOrCreate(def.Name)
		if st.State == StateUnknown {
			st = o.observe(ctx, def)
		}
		report.Tasks = append(report.Tasks, TaskSummary{
			ID:        def.ID,
			Name:      def.Name,
			State:     st.State,
			ETA:       st.ETA,
			StartTime: st.StartTime,
			LastError: st.LastError,
		})
	}
	for _, target := range o.catalog.Ping {
		report.Servers = append(report.Servers, ServerPing{
			Name:   target.Name,
			Result: o.prober.Ping(ctx, target.IP),
		})
	}
	return report
}

type Details struct {
	Name                 string
	ID                   int
	Telnet               string
	State                State
	ETA                  string
	StartTime            time.Time
	EndTime              *time.Time
	LastError            string
	AutoStopped          bool
	CommandCount         int
	ShutdownCommandCount int
	Transitions          []Transition
}

// Details describes one task. Unknown names are rejected without touching
// the registry; known names get a record created on first access.
func (o *Orchestrator) Details(name string) (Details, error) {
	def, ok := o.catalog.Task(name)
	if !ok {
		return Details{}, fmt.Errorf("%w: %s", ErrTaskNotFound, name)
	}
	st := o.registry.GetOrCreate(name)
	return Details{
		Name:                 name,
		ID:                   def.ID,
		Telnet:               def.Telnet,
		State:                st.State,
		ETA:                  st.ETA,
		StartTime:            st.StartTime,
		EndTime:              st.EndTime,
		LastError:            st.LastError,
		AutoStopped:          st.AutoStopped,
		CommandCount:         len(def.Command),
		ShutdownCommandCount: len(def.ShutdownCommand),
		Transitions:          o.registry.Transitions(name),
	}, nil
}

// Restore probes every task at boot. Live tasks come back as running with the
// end time recovered from the store; the rest are marked stopped.
func (o *Orchestrator) Restore(ctx context.Context) {
	o.logger.Info("restoring task status", zap.Int("tasks", len(o.catalog.Tasks)))
	for _, def := range o.catalog.Tasks {
		o.registry.GetOrCreate(def.Name)
		st := o.observe(ctx, def)
		o.logger.Info("task restored",
			zap.String("task", def.Name), zap.String("state", string(st.State)), zap.String("eta", st.ETA))
	}
}

// observe resolves a record still in StateUnknown from the port probe and
// the stored end time. Records in any other state are returned unchanged.
func (o *Orchestrator) observe(ctx context.Context, def inventory.Task) Status {
	live := o.prober.CheckPort(ctx, def.Telnet)
	var end *time.Time
	if live {
		end = o.storedEndTime(ctx, def.Name)
	}
	st, err := o.registry.Update(def.Name, func(s *Status) error {
		if s.State != StateUnknown {
			return nil
		}
		if live {
			s.State = StateRunning
			s.EndTime = end
		} else {
			s.State = StateStopped
			s.EndTime = nil
		}
		return nil
	})
	if err != nil {
		o.logger.Error("task status refresh failed", zap.String("task", def.Name), zap.Error(err))
	}
	return st
}

func (o *Orchestrator) storedEndTime(ctx context.Context, name string) *time.Time {
	v, ok, err := o.store.Get(ctx, EndTimeKey(name))
	if err != nil {
		o.logger.Warn("failed to read stored end time", zap.String("task", name), zap.Error(err))
		return nil
	}
	if !ok {
		return nil
	}
	end, err := time.Parse(time.RFC3339, v)
	if err != nil {
		o.logger.Warn("stored end time is malformed", zap.String("task", name), zap.String("value", v), zap.Error(err))
		return nil
	}
	return &end
}

func (o *Orchestrator) persist(ctx context.Context, name string, end time.Time, hours int, info runInfo) {
	ttl := time.Duration(hours) * time.Hour
	if err := o.store.Set(ctx, EndTimeKey(name), end.Format(time.RFC3339), ttl); err != nil {
		o.logger.Warn("failed to store end time", zap.String("task", name), zap.Error(err))
	}
	blob, err := json.Marshal(info)
	if err != nil {
		o.logger.Warn("failed to encode task info", zap.String("task", name), zap.Error(err))
		return
	}
	if err := o.store.Set(ctx, InfoKey(name), string(blob), ttl); err != nil {
		o.logger.Warn("failed to store task info", zap.String("task", name), zap.Error(err))
	}
}

// mustUpdate applies an update that the state table always allows and logs
// the impossible case instead of failing the operation.
func (o *Orchestrator) mustUpdate(name string, fn func(s *Status) error) Status {
	st, err := o.registry.Update(name, fn)
	if err != nil {
		o.logger.Error("task record update rejected", zap.String("task", name), zap.Error(err))
	}
	return st
}

// systemError turns a recovered panic into an error and reflects it into the
// task record when one exists.
func (o *Orchestrator) systemError(name, op string, r any) error {
	err := fmt.Errorf("system error: %v", r)
	o.logger.Error("unexpected failure", zap.String("task", name), zap.String("op", op), zap.Any("panic", r), zap.Stack("stack"))
	if _, ok := o.registry.Get(name); ok {
		o.mustUpdate(name, func(s *Status) error {
			s.State = StateError
			s.EndTime = nil
			s.LastError = err.Error()
			return nil
		})
	}
	return err
}

func checkIdle(name string, s State) error {
	if s == StateStarting || s == StateStopping {
		return fmt.Errorf("%w: task %s is %s", ErrOperationInProgress, name, s)
	}
	return nil
}

func failureText(r sshclient.BatchReport, fallback string) string {
	if msg := strings.TrimSpace(r.Error()); msg != "" {
		return msg
	}
	return fallback
}
