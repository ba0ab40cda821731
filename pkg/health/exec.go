package health

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"
)

// ExecChecker performs exec-based health checks by running a command
type ExecChecker struct {
	// Command is the command to execute (e.g., ["pg_isready", "-U", "postgres"])
	Command []string

	// Timeout is the command execution timeout (default: 10 seconds)
	Timeout time.Duration

	// ContainerID is the ID of the container to exec into.
	// If empty, runs on host (useful for testing).
	ContainerID string

	// Docker execs Command inside ContainerID. Nil when ContainerID is
	// empty.
	Docker *dockerclient.Client
}

// NewExecChecker creates a new exec health checker
func NewExecChecker(command []string) *ExecChecker {
	return &ExecChecker{
		Command: command,
		Timeout: 10 * time.Second,
	}
}

// Check performs the exec health check
func (e *ExecChecker) Check(ctx context.Context) Result {
	start := time.Now()

	if len(e.Command) == 0 {
		return Result{
			Healthy:   false,
			Message:   "no command specified",
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	// Create context with timeout
	execCtx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	if e.ContainerID != "" {
		return e.checkInContainer(execCtx, start)
	}

	// Execute on host (for testing)
	cmd := exec.CommandContext(execCtx, e.Command[0], e.Command[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	message := fmt.Sprintf("Command: %v", e.Command)
	if err := cmd.Run(); err != nil {
		message = fmt.Sprintf("%s, Error: %v", message, err)
		if stderr.Len() > 0 {
			message = fmt.Sprintf("%s, Stderr: %s", message, stderr.String())
		}
		return Result{Healthy: false, Message: message, CheckedAt: start, Duration: time.Since(start)}
	}

	if stdout.Len() > 0 {
		output := truncate(stdout.String(), 100)
		message = fmt.Sprintf("%s, Output: %s", message, output)
	}
	return Result{Healthy: true, Message: message, CheckedAt: start, Duration: time.Since(start)}
}

// checkInContainer runs Command inside ContainerID via Docker exec.
func (e *ExecChecker) checkInContainer(ctx context.Context, start time.Time) Result {
	if e.Docker == nil {
		return Result{Healthy: false, Message: "no docker client configured for container exec", CheckedAt: start, Duration: time.Since(start)}
	}

	execID, err := e.Docker.ContainerExecCreate(ctx, e.ContainerID, container.ExecOptions{
		Cmd:          e.Command,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return Result{Healthy: false, Message: fmt.Sprintf("exec create failed: %v", err), CheckedAt: start, Duration: time.Since(start)}
	}

	attach, err := e.Docker.ContainerExecAttach(ctx, execID.ID, container.ExecAttachOptions{})
	if err != nil {
		return Result{Healthy: false, Message: fmt.Sprintf("exec attach failed: %v", err), CheckedAt: start, Duration: time.Since(start)}
	}
	defer attach.Close()

	var out bytes.Buffer
	_, _ = out.ReadFrom(attach.Reader)

	inspect, err := e.Docker.ContainerExecInspect(ctx, execID.ID)
	if err != nil {
		return Result{Healthy: false, Message: fmt.Sprintf("exec inspect failed: %v", err), CheckedAt: start, Duration: time.Since(start)}
	}

	message := fmt.Sprintf("Command: %v, ExitCode: %d, Output: %s", e.Command, inspect.ExitCode, truncate(out.String(), 100))
	return Result{Healthy: inspect.ExitCode == 0, Message: message, CheckedAt: start, Duration: time.Since(start)}
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

// Type returns the health check type
func (e *ExecChecker) Type() CheckType {
	return CheckTypeExec
}

// WithTimeout sets the execution timeout
func (e *ExecChecker) WithTimeout(timeout time.Duration) *ExecChecker {
	e.Timeout = timeout
	return e
}

// WithContainer sets the container ID for exec
func (e *ExecChecker) WithContainer(containerID string) *ExecChecker {
	e.ContainerID = containerID
	return e
}

// WithDocker sets the Docker client used to exec into ContainerID.
func (e *ExecChecker) WithDocker(cli *dockerclient.Client) *ExecChecker {
	e.Docker = cli
	return e
}
