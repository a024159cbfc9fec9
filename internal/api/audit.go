package api

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"os"
	"time"
)

// AuditLogger writes audit and security events. Tokens and credentials are
// redacted, and player ids are hashed so logs can be correlated without
// naming players.
type AuditLogger struct {
	logger *log.Logger
}

// NewAuditLogger creates an audit logger writing to stdout.
func NewAuditLogger() *AuditLogger {
	return NewAuditLoggerTo(os.Stdout)
}

// NewAuditLoggerTo creates an audit logger writing to w.
func NewAuditLoggerTo(w io.Writer) *AuditLogger {
	return &AuditLogger{logger: log.New(w, "[AUDIT] ", log.LstdFlags|log.LUTC)}
}

// LogRunFinished records a finished run.
func (al *AuditLogger) LogRunFinished(requestID string, resp *FinishResponse) {
	al.logger.Printf(
		"run_finished request_id=%s run_id=%s book=%s player_hash=%s reason=%s score=%d tier=%s reward=%s persisted=%t reported=%t archive_key=%q engine_version=%s",
		requestID,
		resp.Result.RunID,
		resp.Result.BookID,
		al.hashID(resp.PlayerID),
		resp.Result.Reason,
		resp.Result.Score,
		resp.Reward.Tier,
		resp.Reward.Amount.String(),
		resp.Persisted,
		resp.Reported,
		resp.ArchiveKey,
		EngineVersion,
	)
}

// LogSecurityEvent logs failed validations and suspicious input.
func (al *AuditLogger) LogSecurityEvent(
	requestID string,
	eventType string,
	description string,
	context map[string]interface{},
	remoteAddr string,
) {
	al.logger.Printf(
		"security_event request_id=%s type=%s description=%q context=%+v remote_addr=%s engine_version=%s",
		requestID,
		eventType,
		description,
		al.sanitizeContext(context),
		remoteAddr,
		EngineVersion,
	)
}

// LogAuditEvent logs audit events for compliance and debugging
func (al *AuditLogger) LogAuditEvent(
	requestID string,
	action string,
	resource string,
	outcome string,
	details map[string]interface{},
) {
	al.logger.Printf(
		"audit_event request_id=%s action=%s resource=%s outcome=%s details=%+v engine_version=%s",
		requestID,
		action,
		resource,
		outcome,
		al.sanitizeContext(details),
		EngineVersion,
	)
}

// LogPerformanceMetrics logs batch operation timings.
func (al *AuditLogger) LogPerformanceMetrics(
	requestID string,
	operation string,
	duration time.Duration,
	itemsProcessed int,
	success bool,
) {
	status := "success"
	if !success {
		status = "failure"
	}
	al.logger.Printf(
		"performance_metrics request_id=%s operation=%s duration=%v items_processed=%d status=%s engine_version=%s",
		requestID, operation, duration, itemsProcessed, status, EngineVersion,
	)
}

// LogSystemStartup logs system startup information
func (al *AuditLogger) LogSystemStartup(addr string, config map[string]interface{}) {
	al.logger.Printf(
		"system_startup addr=%s config=%+v engine_version=%s git_commit=%s build_time=%s",
		addr,
		al.sanitizeContext(config),
		EngineVersion,
		GitCommit,
		BuildTime,
	)
}

// LogSystemShutdown logs system shutdown information
func (al *AuditLogger) LogSystemShutdown(reason string, uptime time.Duration) {
	al.logger.Printf(
		"system_shutdown reason=%s uptime=%v engine_version=%s",
		reason, uptime, EngineVersion,
	)
}

// hashID shortens a SHA-256 of id to 16 hex characters.
func (al *AuditLogger) hashID(id string) string {
	if id == "" {
		return "none"
	}
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])[:16]
}

func (al *AuditLogger) sanitizeContext(context map[string]interface{}) map[string]interface{} {
	if context == nil {
		return nil
	}

	sanitized := make(map[string]interface{}, len(context))
	for key, value := range context {
		switch key {
		case "player_id", "playerId", "player":
			if s, ok := value.(string); ok {
				sanitized[key+"_hash"] = al.hashID(s)
			} else {
				sanitized[key+"_hash"] = fmt.Sprintf("non_string_value_%T", value)
			}
		case "token", "backend_token", "secret", "password", "api_key", "authorization":
			sanitized[key] = "[REDACTED]"
		case "script":
			if s, ok := value.(string); ok {
				sanitized["script_bytes"] = len(s)
			}
		default:
			sanitized[key] = value
		}
	}
	return sanitized
}
