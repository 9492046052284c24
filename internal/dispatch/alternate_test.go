package dispatch_test

import (
	"testing"
	"time"

	"github.com/jroosing/hydracurve/internal/dispatch"
	"github.com/stretchr/testify/assert"
)

func cfg() dispatch.AlternateChannelConfig {
	return dispatch.AlternateChannelConfig{
		AlternateTimes:     3,
		AlternateTimeRange: 10 * time.Second,
		AlternateResetTime: time.Minute,
	}
}

func TestAlternateChannel_StartsOnMain(t *testing.T) {
	c := dispatch.NewAlternateChannel(cfg())
	assert.Equal(t, dispatch.TargetMain, c.ActiveTarget(time.Now()))
}

func TestAlternateChannel_SwapsAfterThresholdFailures(t *testing.T) {
	c := dispatch.NewAlternateChannel(cfg())
	now := time.Now()

	c.ReportResult(dispatch.TargetMain, false, now)
	c.ReportResult(dispatch.TargetMain, false, now.Add(time.Second))
	assert.Equal(t, dispatch.TargetMain, c.ActiveTarget(now))

	c.ReportResult(dispatch.TargetMain, false, now.Add(2*time.Second))
	assert.Equal(t, dispatch.TargetAlternate, c.ActiveTarget(now.Add(2*time.Second)))
}

func TestAlternateChannel_WindowResetsOldFailures(t *testing.T) {
	c := dispatch.NewAlternateChannel(cfg())
	now := time.Now()

	c.ReportResult(dispatch.TargetMain, false, now)
	// Past the window: counter should reset instead of accumulating.
	later := now.Add(20 * time.Second)
	c.ReportResult(dispatch.TargetMain, false, later)
	c.ReportResult(dispatch.TargetMain, false, later.Add(time.Second))
	assert.Equal(t, dispatch.TargetMain, c.ActiveTarget(later.Add(time.Second)))
}

func TestAlternateChannel_RevertsAfterResetTime(t *testing.T) {
	c := dispatch.NewAlternateChannel(cfg())
	now := time.Now()
	for i := 0; i < 3; i++ {
		c.ReportResult(dispatch.TargetMain, false, now.Add(time.Duration(i)*time.Millisecond))
	}
	require := assert.New(t)
	require.Equal(dispatch.TargetAlternate, c.ActiveTarget(now))

	after := now.Add(2 * time.Minute)
	require.Equal(dispatch.TargetMain, c.ActiveTarget(after))
}

func TestAlternateChannel_SuccessDoesNotTripSwap(t *testing.T) {
	c := dispatch.NewAlternateChannel(cfg())
	now := time.Now()
	for i := 0; i < 10; i++ {
		c.ReportResult(dispatch.TargetMain, true, now.Add(time.Duration(i)*time.Millisecond))
	}
	assert.Equal(t, dispatch.TargetMain, c.ActiveTarget(now))
}

func TestTarget_String(t *testing.T) {
	assert.Equal(t, "main", dispatch.TargetMain.String())
	assert.Equal(t, "alternate", dispatch.TargetAlternate.String())
}
