package staleness

import (
	"testing"
	"time"

	"kitefeed/internal/markethours"
)

// tradingTime is a Monday mid-session in IST, not a holiday.
var tradingTime = time.Date(2026, 3, 2, 11, 0, 0, 0, markethours.IST)

func TestTracker_StaleSince(t *testing.T) {
	tr := NewTracker(4)
	now := tradingTime
	tr.TouchAt(1, now.Add(-10*time.Minute))
	tr.TouchAt(2, now.Add(-1*time.Minute))
	tr.TouchAt(3, now)

	stale := tr.StaleSince(now.Add(-5 * time.Minute))
	if len(stale) != 1 || stale[0] != 1 {
		t.Errorf("stale = %v, want [1]", stale)
	}
}

func TestTracker_TouchRefreshes(t *testing.T) {
	tr := NewTracker(1)
	now := tradingTime
	tr.TouchAt(7, now.Add(-10*time.Minute))
	tr.TouchAt(7, now)
	if stale := tr.StaleSince(now.Add(-5 * time.Minute)); len(stale) != 0 {
		t.Errorf("stale = %v, want none after refresh", stale)
	}
}

func TestTracker_RegisterSeedsWithoutOverwriting(t *testing.T) {
	tr := NewTracker(4)
	now := tradingTime
	tr.TouchAt(1, now)
	tr.Register([]uint32{1, 2}, now.Add(-time.Hour))

	stale := tr.StaleSince(now.Add(-5 * time.Minute))
	if len(stale) != 1 || stale[0] != 2 {
		t.Errorf("stale = %v, want [2] (seed must not clobber a real touch)", stale)
	}
	if tr.Len() != 2 {
		t.Errorf("tracked = %d, want 2", tr.Len())
	}
}

func TestMonitor_ReportsStaleDuringMarketHours(t *testing.T) {
	tr := NewTracker(4)
	tr.TouchAt(1, tradingTime.Add(-10*time.Minute)) // stale
	tr.TouchAt(2, tradingTime)                      // fresh

	m := NewMonitor(tr, Config{Window: 5 * time.Minute})
	var reported = -1
	m.OnStale = func(count int) { reported = count }

	m.checkOnce(tradingTime)
	if reported != 1 {
		t.Errorf("reported %d stale, want 1", reported)
	}
}

func TestMonitor_SkipsSweepWhenMarketClosed(t *testing.T) {
	tr := NewTracker(1)
	tr.TouchAt(1, tradingTime.Add(-time.Hour))

	m := NewMonitor(tr, Config{Window: 5 * time.Minute})
	called := false
	m.OnStale = func(int) { called = true }

	// 2 AM IST: everything is silent and that is fine.
	night := time.Date(2026, 3, 2, 2, 0, 0, 0, markethours.IST)
	m.checkOnce(night)
	if called {
		t.Error("sweep ran outside market hours")
	}

	// Saturday mid-day: also skipped.
	saturday := time.Date(2026, 3, 7, 11, 0, 0, 0, markethours.IST)
	m.checkOnce(saturday)
	if called {
		t.Error("sweep ran on a weekend")
	}
}

func TestMonitor_ReportsZeroWhenAllFresh(t *testing.T) {
	tr := NewTracker(1)
	tr.TouchAt(1, tradingTime)

	m := NewMonitor(tr, Config{Window: 5 * time.Minute})
	reported := -1
	m.OnStale = func(count int) { reported = count }

	m.checkOnce(tradingTime)
	if reported != 0 {
		t.Errorf("reported %d, want 0 (gauge must reset)", reported)
	}
}
