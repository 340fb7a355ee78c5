package mcp

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RiskLevel classifies how dangerous a tool call is for the user.
type RiskLevel int

const (
	// RiskLow is for safe, read-only operations.
	RiskLow RiskLevel = iota
	// RiskMedium is for operations that modify recoverable state.
	RiskMedium
	// RiskHigh is for destructive or system-level operations; unknown
	// tools default here (fail-safe, not fail-open).
	RiskHigh
)

func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	default:
		return "high"
	}
}

// defaultConfirmationTTL is how long a pending confirmation stays
// answerable. Confirmations are process-local and never persisted.
const defaultConfirmationTTL = 5 * time.Minute

// PendingConfirmation is a tool call held until the user approves it.
type PendingConfirmation struct {
	ID          string
	ToolName    string
	Arguments   map[string]any
	Description string
	Risk        RiskLevel
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// riskTable is the explicit allowlist of known tools. Read-only tools
// are Low, mutating-but-recoverable tools are Medium; anything absent
// from the table, including tools from unknown servers, is High.
var riskTable = map[string]RiskLevel{
	"pkg_search":     RiskLow,
	"pkg_info":       RiskLow,
	"service_status": RiskLow,
	"system_info":    RiskLow,

	"pkg_install":     RiskMedium,
	"service_control": RiskMedium,
}

func assessRisk(toolName string) RiskLevel {
	if level, ok := riskTable[toolName]; ok {
		return level
	}
	return RiskHigh
}

// describeToolCall renders a human-readable summary, with specific
// phrasing for the known-dangerous tools.
func describeToolCall(toolName string, args map[string]any) string {
	argStr := func(key string) string {
		if v, ok := args[key].(string); ok && v != "" {
			return v
		}
		return "unknown"
	}

	switch toolName {
	case "pkg_install":
		return fmt.Sprintf("Install package: %s", argStr("package"))
	case "pkg_remove":
		return fmt.Sprintf("Remove package: %s", argStr("package"))
	case "service_control":
		action := "control"
		if v, ok := args["action"].(string); ok && v != "" {
			action = v
		}
		return fmt.Sprintf("%s service: %s", action, argStr("service"))
	default:
		return fmt.Sprintf("Execute tool %q with arguments", toolName)
	}
}

func newPendingConfirmation(toolName string, args map[string]any) PendingConfirmation {
	now := time.Now()
	return PendingConfirmation{
		ID:          uuid.NewString(),
		ToolName:    toolName,
		Arguments:   args,
		Description: describeToolCall(toolName, args),
		Risk:        assessRisk(toolName),
		CreatedAt:   now,
		ExpiresAt:   now.Add(defaultConfirmationTTL),
	}
}
