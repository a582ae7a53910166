package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecomputeGuardAllow(t *testing.T) {
	g := NewRecomputeGuard(30 * time.Second)
	t0 := time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)

	assert.True(t, g.Allow("u1", t0))
	assert.False(t, g.Allow("u1", t0.Add(10*time.Second)))
	assert.False(t, g.Allow("u1", t0.Add(29*time.Second)))
	assert.True(t, g.Allow("u1", t0.Add(31*time.Second)))

	// users are independent
	assert.True(t, g.Allow("u2", t0.Add(10*time.Second)))
}

func TestRecomputeGuardMark(t *testing.T) {
	g := NewRecomputeGuard(30 * time.Second)
	t0 := time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)

	g.Mark("u1", t0)
	assert.False(t, g.Allow("u1", t0.Add(5*time.Second)))
	assert.True(t, g.Allow("u1", t0.Add(31*time.Second)))

	// Mark resets an already spent budget
	g.Mark("u1", t0.Add(40*time.Second))
	assert.False(t, g.Allow("u1", t0.Add(50*time.Second)))
}

func TestRecomputeGuardSweep(t *testing.T) {
	g := NewRecomputeGuard(time.Minute)
	t0 := time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)

	g.Mark("idle", t0)
	g.Mark("busy", t0.Add(50*time.Second))

	assert.Equal(t, 1, g.Sweep(t0.Add(90*time.Second)))
	assert.True(t, g.Allow("idle", t0.Add(91*time.Second)))
	assert.False(t, g.Allow("busy", t0.Add(91*time.Second)))
}

func TestRecomputeGuardDefaultInterval(t *testing.T) {
	assert.Equal(t, 30*time.Second, NewRecomputeGuard(0).Interval())
}
