package platform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/kagehara/remedy/internal/common"
)

// CommandRunner executes an external CLI invocation. The single seam every
// shell-out goes through, so tests substitute a fake.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands via os/exec. Every invocation inherits the
// caller's context deadline; a timeout is reported as common.ErrTimeout.
type ExecRunner struct {
	logger *zap.Logger
}

// NewExecRunner creates an ExecRunner.
func NewExecRunner(logger *zap.Logger) *ExecRunner {
	return &ExecRunner{logger: logger}
}

// Run executes the command and returns combined stdout.
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if r.logger != nil {
		r.logger.Debug("Command executed",
			zap.String("command", name),
			zap.Strings("args", args),
			zap.Bool("ok", err == nil),
		)
	}
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s %s", common.ErrTimeout, name, strings.Join(args, " "))
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("%s: %s", name, msg)
	}
	return stdout.Bytes(), nil
}

// FakeRunner records invocations and replays scripted responses. Test
// helper shared by the driver and orchestrator tests.
type FakeRunner struct {
	Calls     [][]string
	Responses map[string][]byte
	Errors    map[string]error
}

// NewFakeRunner creates an empty fake.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{
		Responses: make(map[string][]byte),
		Errors:    make(map[string]error),
	}
}

// Run records the call and returns the scripted response keyed by the
// command's first two tokens ("docker commit"), falling back to the command
// name alone.
func (f *FakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	call := append([]string{name}, args...)
	f.Calls = append(f.Calls, call)

	key := name
	if len(args) > 0 {
		key = name + " " + args[0]
	}
	if err, ok := f.Errors[key]; ok {
		return nil, err
	}
	if err, ok := f.Errors[name]; ok {
		return nil, err
	}
	if out, ok := f.Responses[key]; ok {
		return out, nil
	}
	return f.Responses[name], nil
}
