package security

import (
	"fmt"
	"time"

	"github.com/hostbridge/agentd/internal/model"
)

// Pipeline composes the five facades into the single operation the router
// consumes, applied in the fixed order §4.7 step 2 specifies:
// checkAndRecord -> sanitize -> directory-enforce -> audit.
type Pipeline struct {
	JWT         *JWTManager
	RateLimiter *RateLimiter
	DirGuard    *DirGuard
	Auditor     *Auditor
}

// NewPipeline wires the four components configured from a single
// model.SecurityConfig, mirroring the teacher's LogSink/StatusReporter
// small-interface composition in agent/internal/executor/executor.go.
func NewPipeline(jwtMgr *JWTManager, rateLimiter *RateLimiter, dirGuard *DirGuard, auditor *Auditor) *Pipeline {
	return &Pipeline{JWT: jwtMgr, RateLimiter: rateLimiter, DirGuard: dirGuard, Auditor: auditor}
}

// CheckMessage runs the full pipeline for one inbound message and returns
// the sanitized content on success. On any failure it records an
// audit(blocked) entry and returns the failure detail; the router stops
// routing for this message (§4.7 step 2).
func (p *Pipeline) CheckMessage(actorID string, msg model.Message) (sanitized string, err error) {
	start := time.Now()
	defer func() {
		if err != nil {
			p.audit(actorID, "message", model.BlockedResult(err.Error()), msg.ID, start)
		} else {
			p.audit(actorID, "message", model.AuditAllowed, msg.ID, start)
		}
	}()

	if p.RateLimiter != nil {
		if rlErr := p.RateLimiter.CheckAndRecord(actorID, "message"); rlErr != nil {
			return "", rlErr
		}
	}

	clean, cErr := ValidateAndSanitize(msg.Content)
	if cErr != nil {
		return "", cErr
	}

	if p.DirGuard != nil {
		if dErr := p.DirGuard.EnforceDirectory(clean); dErr != nil {
			return "", dErr
		}
	}

	return clean, nil
}

func (p *Pipeline) audit(actorID, action string, result model.AuditResult, messageID string, start time.Time) {
	if p.Auditor == nil {
		return
	}
	p.Auditor.Record(model.AuditEntry{
		Timestamp:  time.Now(),
		ActorID:    actorID,
		Action:     action,
		Result:     result,
		DurationMs: time.Since(start).Milliseconds(),
		MessageID:  messageID,
	})
}

// SecurityCheckError wraps a pipeline failure with the "Security check
// failed: <detail>" message shape §4.7 step 2 requires for the router's
// Result.error field.
func SecurityCheckError(cause error) error {
	return fmt.Errorf("Security check failed: %s", cause.Error())
}
