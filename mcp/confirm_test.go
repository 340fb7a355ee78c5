package mcp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAssessRisk(t *testing.T) {
	assert.Equal(t, RiskLow, assessRisk("pkg_search"))
	assert.Equal(t, RiskLow, assessRisk("system_info"))
	assert.Equal(t, RiskMedium, assessRisk("pkg_install"))
	assert.Equal(t, RiskMedium, assessRisk("service_control"))
	assert.Equal(t, RiskHigh, assessRisk("pkg_remove"))
	assert.Equal(t, RiskHigh, assessRisk("anything_else"))
}

func TestRiskLevelString(t *testing.T) {
	assert.Equal(t, "low", RiskLow.String())
	assert.Equal(t, "medium", RiskMedium.String())
	assert.Equal(t, "high", RiskHigh.String())
}

func TestDescribeToolCall(t *testing.T) {
	assert.Equal(t, "Install package: nginx",
		describeToolCall("pkg_install", map[string]any{"package": "nginx"}))
	assert.Equal(t, "Remove package: nginx",
		describeToolCall("pkg_remove", map[string]any{"package": "nginx"}))
	assert.Equal(t, "restart service: sshd",
		describeToolCall("service_control", map[string]any{"action": "restart", "service": "sshd"}))
	assert.Equal(t, "Install package: unknown",
		describeToolCall("pkg_install", nil))
	assert.Contains(t, describeToolCall("custom_tool", nil), "custom_tool")
}

func TestNewPendingConfirmation(t *testing.T) {
	before := time.Now()
	p := newPendingConfirmation("pkg_install", map[string]any{"package": "jq"})

	assert.NotEmpty(t, p.ID)
	assert.Equal(t, "pkg_install", p.ToolName)
	assert.Equal(t, RiskMedium, p.Risk)
	assert.False(t, p.CreatedAt.Before(before))
	assert.Equal(t, defaultConfirmationTTL, p.ExpiresAt.Sub(p.CreatedAt))

	other := newPendingConfirmation("pkg_install", nil)
	assert.NotEqual(t, p.ID, other.ID)
}
