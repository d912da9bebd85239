package clock_test

import (
	"testing"
	"time"

	"github.com/thesammykins/beep-boop-mcp/internal/clock"
)

func TestRealNowIsUTC(t *testing.T) {
	t.Parallel()

	now := clock.Real{}.Now()
	if loc := now.Location(); loc != time.UTC {
		t.Fatalf("expected UTC location, got %v", loc)
	}
}

func TestManualAdvanceFiresDueWaiters(t *testing.T) {
	t.Parallel()

	m := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	ch := m.After(50 * time.Millisecond)
	select {
	case <-ch:
		t.Fatal("waiter fired before Advance")
	default:
	}
	m.Advance(49 * time.Millisecond)
	select {
	case <-ch:
		t.Fatal("waiter fired before due time")
	default:
	}
	m.Advance(time.Millisecond)
	select {
	case <-ch:
	default:
		t.Fatal("waiter did not fire at due time")
	}
}

func TestManualAfterNonPositiveFiresImmediately(t *testing.T) {
	t.Parallel()

	m := clock.NewManual(time.Now())
	select {
	case <-m.After(0):
	default:
		t.Fatal("zero-duration After did not fire")
	}
}
