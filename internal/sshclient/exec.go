package sshclient

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// Result is the outcome of one remote command that reached the remote side.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Executor runs single commands over pooled clients.
type Executor struct {
	logger *zap.Logger
}

func NewExecutor(logger *zap.Logger) *Executor {
	return &Executor{logger: logger.Named("exec")}
}

// Exec opens one session, runs cmd and waits for it to exit, collecting
// stdout and stderr in full. A non-zero exit is reported in Result, not as an
// error; the error is reserved for channel and transport failures.
func (e *Executor) Exec(client *ssh.Client, cmd string) (Result, error) {
	if client == nil {
		return Result{ExitCode: -1}, errors.New("no ssh client")
	}

	sess, err := client.NewSession()
	if err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("open ssh session: %w", err)
	}
	defer sess.Close()

	var outBuf, errBuf bytes.Buffer
	sess.Stdout = &outBuf
	sess.Stderr = &errBuf

	runErr := sess.Run(cmd)
	res := Result{
		Stdout: strings.TrimSpace(outBuf.String()),
		Stderr: strings.TrimSpace(errBuf.String()),
	}
	if runErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		res.ExitCode = -1
		return res, runErr
	}
	return res, nil
}

// Run executes cmd and reports whether it exited with status 0. Every
// failure is logged here and reduced to false.
func (e *Executor) Run(client *ssh.Client, cmd string) bool {
	start := time.Now()
	res, err := e.Exec(client, cmd)
	elapsed := time.Since(start)

	if err != nil {
		e.logger.Error("command execution error", zap.String("cmd", cmd), zap.Error(err))
		return false
	}
	if res.ExitCode != 0 {
		fields := []zap.Field{zap.String("cmd", cmd), zap.Int("exit_code", res.ExitCode)}
		if res.Stderr != "" {
			fields = append(fields, zap.String("stderr", res.Stderr))
		}
		e.logger.Error("command failed", fields...)
		return false
	}
	e.logger.Debug("command ok", zap.String("cmd", cmd), zap.Duration("elapsed", elapsed), zap.String("stdout", res.Stdout))
	return true
}
