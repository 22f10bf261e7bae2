package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, "development", cfg.AppEnv)
	require.Equal(t, ":8080", cfg.AppAddr)
	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, 24*time.Hour, cfg.ApprovalTimeout)
	require.NotEmpty(t, cfg.ApproverEmail)
	require.False(t, cfg.IsProduction())
}

func TestLoadConfigRejectsBadApprovalWindow(t *testing.T) {
	t.Setenv("APPROVAL_TIMEOUT", "0s")
	_, err := LoadConfig()
	require.Error(t, err)
}

func TestLoadConfigRejectsEmptyApprover(t *testing.T) {
	t.Setenv("APPROVER_EMAIL", "")
	_, err := LoadConfig()
	require.Error(t, err)
}

func TestIsProduction(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.True(t, cfg.IsProduction())
}
