package database

import (
	"net"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// AuditAction represents types of call membership operations
type AuditAction string

const (
	AuditActionJoin    AuditAction = "JOIN"
	AuditActionLeave   AuditAction = "LEAVE"
	AuditActionReplace AuditAction = "REPLACE"
	AuditActionReject  AuditAction = "REJECT"
	AuditActionEvict   AuditAction = "EVICT"
	AuditActionAdmin   AuditAction = "ADMIN"
)

// AuditResult represents the outcome of an operation
type AuditResult string

const (
	AuditResultSuccess AuditResult = "SUCCESS"
	AuditResultFailure AuditResult = "FAILURE"
)

var (
	auditOnce   sync.Once
	auditLogger *zap.Logger
)

func audit() *zap.Logger {
	auditOnce.Do(func() { auditLogger = zap.L().Named("audit") })
	return auditLogger
}

// AuditLog records a membership operation for security monitoring. User and
// address are masked before they reach the log.
func AuditLog(action AuditAction, user, remoteIP string, result AuditResult, room, details string) {
	audit().Info("audit",
		zap.String("action", string(action)),
		zap.String("user", maskUser(user)),
		zap.String("ip", maskIP(remoteIP)),
		zap.String("result", string(result)),
		zap.String("room", room),
		zap.String("details", details),
	)
}

// maskUser partially masks user identifiers, which are often emails.
// example@domain.com -> e***e@domain.com
func maskUser(user string) string {
	if user == "" {
		return "unknown"
	}
	at := strings.IndexByte(user, '@')
	local, domain := user, ""
	if at >= 0 {
		local, domain = user[:at], user[at:]
	}
	if len(local) <= 2 {
		return "*" + domain
	}
	return local[:1] + "***" + local[len(local)-1:] + domain
}

// maskIP keeps the network half of an address.
// 192.168.1.100 -> 192.168.*.*, 2001:db8::1 -> 2001:db8:*
func maskIP(ip string) string {
	if ip == "" {
		return "unknown"
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "invalid"
	}
	if v4 := parsed.To4(); v4 != nil {
		parts := strings.Split(v4.String(), ".")
		return parts[0] + "." + parts[1] + ".*.*"
	}
	groups := strings.Split(parsed.String(), ":")
	if len(groups) > 2 {
		groups = groups[:2]
	}
	return strings.Join(groups, ":") + ":*"
}
