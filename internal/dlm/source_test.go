package dlm

import (
	"testing"
	"time"
)

func TestSourceIsRetryAllowedEmptyQueue(t *testing.T) {
	s := NewSource("http://example.com/f")
	decision := s.IsRetryAllowed()
	if !decision.Allowed || !decision.WaitUntil.IsZero() {
		t.Fatalf("a source with no failures should be immediately allowed, got %+v", decision)
	}
}

func TestSourceIsRetryAllowedConsumesBudget(t *testing.T) {
	s := NewSource("http://example.com/f")
	s.SetMaxRetries(2)
	s.SetWaitTime(10 * time.Millisecond)

	s.AddFail(false)
	s.AddFail(false)
	s.AddFail(false)

	first := s.IsRetryAllowed()
	if !first.Allowed {
		t.Fatalf("first retry should be allowed within budget")
	}
	second := s.IsRetryAllowed()
	if !second.Allowed {
		t.Fatalf("second retry should be allowed within budget")
	}
	third := s.IsRetryAllowed()
	if third.Allowed {
		t.Fatalf("third retry should exhaust a max_retries=2 budget")
	}
	if s.Retries() != 2 {
		t.Fatalf("Retries() = %d; want 2", s.Retries())
	}
}

func TestSourceUnboundedRetries(t *testing.T) {
	s := NewSource("http://example.com/f")
	s.SetMaxRetries(-1)
	for i := 0; i < 50; i++ {
		s.AddFail(false)
	}
	for i := 0; i < 50; i++ {
		if !s.IsRetryAllowed().Allowed {
			t.Fatalf("a negative max_retries should never exhaust, failed at attempt %d", i)
		}
	}
}

func TestSourceAddFailFreezesCeilingOnNoData(t *testing.T) {
	s := NewSource("http://example.com/f")
	s.IncActiveSlots()
	s.IncActiveSlots()

	if s.MaxSlotsDetermined() {
		t.Fatalf("ceiling should not be determined before any failure")
	}

	s.AddFail(false)
	if !s.MaxSlotsDetermined() {
		t.Fatalf("a no-data failure with a positive active-slot high-water mark should freeze the ceiling")
	}
	if s.MaxActiveSlots() != 2 {
		t.Fatalf("MaxActiveSlots() = %d; want 2", s.MaxActiveSlots())
	}
}

func TestSourceAddFailWithDataDoesNotFreezeCeiling(t *testing.T) {
	s := NewSource("http://example.com/f")
	s.IncActiveSlots()
	s.AddFail(true)
	if s.MaxSlotsDetermined() {
		t.Fatalf("a failure that received data should not freeze the ceiling")
	}
}

func TestSourceCeilingHit(t *testing.T) {
	s := NewSource("http://example.com/f")
	s.IncActiveSlots()
	s.AddFail(false) // freezes maxActiveSlots at 1

	s.IncRunningSlots()
	if !s.CeilingHit() {
		t.Fatalf("running slots at the frozen ceiling should report CeilingHit")
	}

	s.DecRunningSlots()
	if s.CeilingHit() {
		t.Fatalf("running slots below the ceiling should not report CeilingHit")
	}
}

func TestSourceSetCookieStringValidation(t *testing.T) {
	s := NewSource("http://example.com/f")

	s.SetCookieString("a=1;b=2")
	if s.CookieString() != "a=1;b=2" {
		t.Fatalf("a well-formed cookie string should be accepted")
	}

	s.SetCookieString("not a cookie string")
	if s.CookieString() != "a=1;b=2" {
		t.Fatalf("an invalid cookie string should be silently ignored, kept %q", s.CookieString())
	}
}
