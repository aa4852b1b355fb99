package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/hostbridge/agentd/internal/model"
)

// WorkerTimeout bounds a single delivery's worker process (§4.7 step 4).
const WorkerTimeout = 5 * time.Minute

// ErrWorkerFailed wraps a non-zero worker exit, grounded on the teacher's
// hooks.ErrHookFailed sentinel (agent/internal/hooks/runner.go) — same
// shape, this domain's process instead of a backup hook.
var ErrWorkerFailed = errors.New("router: worker process failed")

// WorkerBinary names the session-authoring tool's CLI executable. A package
// variable (not a constant) so tests can point it at a stub binary.
var WorkerBinary = "claude"

// workerOutput is the parsed shape of the worker's stdout when
// --output-format json succeeds.
type workerOutput struct {
	Result    string `json:"result"`
	SessionID string `json:"session_id"`
}

// WorkerResult is what spawnWorker returns to the router.
type WorkerResult struct {
	// ResponseText is the worker's reply: the JSON "result" field on
	// success, or the full trimmed stdout if stdout was not valid JSON.
	ResponseText string
	// SessionID is the branch session id to record, set only when stdout
	// parsed as JSON (§4.7 step 5: "If stdout is not JSON ... do not
	// update the branch map").
	SessionID string
}

// buildArgs constructs the CLI invocation described in §4.7 step 4.
func buildArgs(msg model.Message, resumeSessionID string, forkSession bool) []string {
	args := []string{
		"--resume", resumeSessionID,
		"--dangerously-skip-permissions",
		"--output-format", "json",
		"--system-prompt", systemPromptFor(msg),
	}
	if forkSession {
		args = append(args, "--fork-session")
	}
	args = append(args, "-p", msg.Content)
	return args
}

// systemPromptFor embeds the message's bus metadata so the worker's model
// has context about who sent the message and why.
func systemPromptFor(msg model.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "sender=%s type=%s", msg.SenderID, msg.MessageType)
	if msg.ChannelID != "" {
		fmt.Fprintf(&b, " channel=%s", msg.ChannelID)
	}
	fmt.Fprintf(&b, " thread=%s source=bus", msg.EffectiveThreadID())
	return b.String()
}

// spawnWorker runs the session-authoring tool's CLI in projectPath, killing
// it if it does not complete within WorkerTimeout. stdout and stderr are
// captured separately — a non-zero exit returns ErrWorkerFailed wrapping
// the captured stderr, mirroring the exit-code-extraction idiom in
// agent/internal/hooks/runner.go (errors.As against *exec.ExitError).
func spawnWorker(ctx context.Context, projectPath string, msg model.Message, resumeSessionID string, forkSession bool) (WorkerResult, error) {
	ctx, cancel := context.WithTimeout(ctx, WorkerTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, WorkerBinary, buildArgs(msg, resumeSessionID, forkSession)...)
	cmd.Dir = projectPath

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		if ctx.Err() != nil {
			return WorkerResult{}, fmt.Errorf("%w: timed out after %s", ErrWorkerFailed, WorkerTimeout)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return WorkerResult{}, fmt.Errorf("%w: exit code %d: %s", ErrWorkerFailed, exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		return WorkerResult{}, fmt.Errorf("%w: %w", ErrWorkerFailed, err)
	}

	var parsed workerOutput
	if jsonErr := json.Unmarshal(stdout.Bytes(), &parsed); jsonErr == nil && parsed.Result != "" {
		return WorkerResult{ResponseText: parsed.Result, SessionID: parsed.SessionID}, nil
	}

	return WorkerResult{ResponseText: strings.TrimSpace(stdout.String())}, nil
}
