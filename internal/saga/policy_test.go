package saga

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDelayGrowsWithBackoff(t *testing.T) {
	p := RetryPolicy{
		FirstInterval:      time.Second,
		MaxAttempts:        5,
		BackoffCoefficient: 2,
		MaxInterval:        10 * time.Second,
	}

	require.Equal(t, time.Second, p.Delay(0))
	require.Equal(t, 2*time.Second, p.Delay(1))
	require.Equal(t, 4*time.Second, p.Delay(2))
	require.Equal(t, 8*time.Second, p.Delay(3))
	require.Equal(t, 10*time.Second, p.Delay(4), "delay is capped")
	require.Equal(t, 10*time.Second, p.Delay(20))
}

func TestDelayDefaults(t *testing.T) {
	var p RetryPolicy
	require.Equal(t, time.Second, p.Delay(0))
	require.Equal(t, time.Second, p.Delay(5), "no coefficient means constant delay")
}

func TestAttemptsNeverBelowOne(t *testing.T) {
	require.Equal(t, 1, RetryPolicy{}.Attempts())
	require.Equal(t, 1, NoRetryPolicy().Attempts())
	require.Equal(t, 3, DefaultRetryPolicy().Attempts())
}
