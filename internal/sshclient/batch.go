package sshclient

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/tastythames/task-launcher/internal/inventory"
)

type HostResolver interface {
	Host(name string) (inventory.Host, bool)
}

type Acquirer interface {
	Acquire(ctx context.Context, host inventory.Host) (*ssh.Client, error)
}

type CommandRunner interface {
	Run(client *ssh.Client, cmd string) bool
}

// HostReport is the outcome of one host's command sequence.
type HostReport struct {
	Host     string
	OK       bool
	Executed int // commands that completed successfully
	Total    int
	Err      error
}

type BatchReport struct {
	Hosts []HostReport
}

// OK is the logical AND of all host results. An empty batch is OK.
func (r BatchReport) OK() bool {
	for _, h := range r.Hosts {
		if !h.OK {
			return false
		}
	}
	return true
}

// Error summarizes failed hosts, or returns "" when the batch succeeded.
func (r BatchReport) Error() string {
	var parts []string
	for _, h := range r.Hosts {
		if !h.OK {
			parts = append(parts, fmt.Sprintf("%s: %v", h.Host, h.Err))
		}
	}
	return strings.Join(parts, "; ")
}

type BatchOptions struct {
	Hosts  HostResolver
	Pool   Acquirer
	Runner CommandRunner
	// Delay is inserted after every command except the last one of a host.
	Delay  time.Duration
	Clock  clockwork.Clock
	Logger *zap.Logger
}

// BatchRunner fans a command batch out to its hosts, one host at a time.
//
// There is no rollback: when a later host fails, hosts that already ran their
// commands are left as they are.
type BatchRunner struct {
	hosts  HostResolver
	pool   Acquirer
	runner CommandRunner
	delay  time.Duration
	clock  clockwork.Clock
	logger *zap.Logger
}

func NewBatchRunner(opts BatchOptions) *BatchRunner {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &BatchRunner{
		hosts:  opts.Hosts,
		pool:   opts.Pool,
		runner: opts.Runner,
		delay:  opts.Delay,
		clock:  opts.Clock,
		logger: opts.Logger.Named("batch"),
	}
}

// Execute runs the batch and reports overall success.
func (b *BatchRunner) Execute(ctx context.Context, batch inventory.CommandBatch) bool {
	return b.Report(ctx, batch).OK()
}

// Report runs the batch and returns per-host outcomes. A failing host never
// stops the remaining hosts from running, and once started a batch is not
// cancelled by ctx.
func (b *BatchRunner) Report(ctx context.Context, batch inventory.CommandBatch) BatchReport {
	ctx = context.WithoutCancel(ctx)
	if len(batch) == 0 {
		b.logger.Warn("no commands to execute")
		return BatchReport{}
	}

	report := BatchReport{Hosts: make([]HostReport, 0, len(batch))}
	for _, hc := range batch {
		hr := b.runHost(ctx, hc)
		if !hr.OK {
			b.logger.Error("command execution failed on host", zap.String("host", hc.Host), zap.Error(hr.Err))
		}
		report.Hosts = append(report.Hosts, hr)
	}
	return report
}

func (b *BatchRunner) runHost(ctx context.Context, hc inventory.HostCommands) HostReport {
	hr := HostReport{Host: hc.Host, Total: len(hc.Commands)}
	if len(hc.Commands) == 0 {
		b.logger.Debug("no commands for host", zap.String("host", hc.Host))
		hr.OK = true
		return hr
	}

	host, ok := b.hosts.Host(hc.Host)
	if !ok {
		hr.Err = fmt.Errorf("%w: %s", ErrHostNotConfigured, hc.Host)
		return hr
	}

	client, err := b.pool.Acquire(ctx, host)
	if err != nil {
		hr.Err = err
		return hr
	}

	b.logger.Info("executing commands on host",
		zap.String("host", hc.Host), zap.String("addr", host.Addr()), zap.Int("count", len(hc.Commands)))

	for i, cmd := range hc.Commands {
		b.logger.Debug("executing command",
			zap.String("host", hc.Host), zap.Int("step", i+1), zap.Int("of", len(hc.Commands)), zap.String("cmd", cmd))
		if !b.runner.Run(client, cmd) {
			hr.Err = fmt.Errorf("command %d/%d failed: %s", i+1, len(hc.Commands), cmd)
			return hr
		}
		hr.Executed++
		if i < len(hc.Commands)-1 && b.delay > 0 {
			b.clock.Sleep(b.delay)
		}
	}

	b.logger.Info("all commands executed successfully on host", zap.String("host", hc.Host))
	hr.OK = true
	return hr
}
