package entity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffPolicy(t *testing.T) {
	p := BackoffPolicy{
		Base:    200 * time.Millisecond,
		Ceiling: 5 * time.Second,
		Spacing: 5 * time.Second,
	}

	assert.Equal(t, 200*time.Millisecond, p.Delay(0))
	assert.Equal(t, 400*time.Millisecond, p.Delay(1))
	assert.Equal(t, 800*time.Millisecond, p.Delay(2))
	assert.Equal(t, 1600*time.Millisecond, p.Delay(3))
	assert.Equal(t, 3200*time.Millisecond, p.Delay(4))

	// Past the ceiling the policy settles at the fixed spacing.
	assert.Equal(t, 5*time.Second, p.Delay(5))
	assert.Equal(t, 5*time.Second, p.Delay(6))
	assert.Equal(t, 5*time.Second, p.Delay(100))
}

func TestFixedPolicy(t *testing.T) {
	p := FixedPolicy{Interval: 50 * time.Millisecond}
	assert.Equal(t, 50*time.Millisecond, p.Delay(0))
	assert.Equal(t, 50*time.Millisecond, p.Delay(99))
}

func TestDefaultDefectRetry(t *testing.T) {
	p := DefaultDefectRetry()
	assert.Equal(t, 200*time.Millisecond, p.Delay(0))
	assert.Equal(t, 5*time.Second, p.Delay(50))
}
