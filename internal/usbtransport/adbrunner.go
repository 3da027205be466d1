package usbtransport

import (
	"bytes"
	"context"
	"os/exec"

	"github.com/fenglingyubing/expandscreen-host/internal/iface"
)

// ExecADBRunner is the default iface.ADBRunner, spawning the real `adb`
// binary. The core never shells out directly; it only ever builds
// argument strings and hands them to this runner, which builds an
// exec.Cmd, captures stdout and stderr separately, and classifies the
// error.
type ExecADBRunner struct{}

// Run executes adbPath with args under ctx, returning stdout/stderr
// separately and never treating a non-zero exit as a Go error — the
// caller inspects ADBResult.Success.
func (ExecADBRunner) Run(ctx context.Context, adbPath string, args []string) (iface.ADBResult, error) {
	cmd := exec.CommandContext(ctx, adbPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	res := iface.ADBResult{
		Success: err == nil,
		Stdout:  stdout.String(),
		Stderr:  stderr.String(),
	}
	if err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			return res, nil
		}
		return res, err
	}
	return res, nil
}
