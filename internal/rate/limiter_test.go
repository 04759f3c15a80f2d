package rate

import (
	"testing"
	"time"
)

func TestSlidingRPS_Basic(t *testing.T) {
	rps := NewSlidingRPS(10)
	now := int64(100)
	rps.nowFunc = func() int64 { return now }

	for i := 0; i < 5; i++ {
		val := rps.Add("ip1")
		if i == 4 && val != 5.0 {
			t.Errorf("expected 5.0, got %f", val)
		}
	}

	now = 101
	for i := 0; i < 5; i++ {
		rps.Add("ip1")
	}

	// 11 events over seconds 100..101
	if val := rps.Add("ip1"); val != 5.5 {
		t.Errorf("expected 5.5, got %f", val)
	}
}

func TestSlidingRPS_WindowReset(t *testing.T) {
	rps := NewSlidingRPS(2)
	now := int64(100)
	rps.nowFunc = func() int64 { return now }

	rps.Add("key")
	rps.Add("key")

	now = 102
	if val := rps.Add("key"); val != 1.0 {
		t.Errorf("expected 1.0 after window reset, got %f", val)
	}
}

func TestSlidingRPS_PartialShift(t *testing.T) {
	rps := NewSlidingRPS(3)
	now := int64(100)
	rps.nowFunc = func() int64 { return now }

	rps.Add("k") // [0 0 1]
	rps.Add("k") // [0 0 2]
	now = 101
	rps.Add("k") // [0 2 1]
	now = 103
	// second 100 falls out: [1 0 1] over a full 3s window
	if val := rps.Add("k"); val != 2.0/3.0 {
		t.Errorf("expected %f, got %f", 2.0/3.0, val)
	}
}

func TestSlidingRPS_KeysIndependent(t *testing.T) {
	rps := NewSlidingRPS(10)
	rps.nowFunc = func() int64 { return 100 }

	for i := 0; i < 4; i++ {
		rps.Add("a")
	}
	if val := rps.Add("b"); val != 1.0 {
		t.Errorf("expected 1.0 for fresh key, got %f", val)
	}
}

func TestSlidingRPS_Capacity(t *testing.T) {
	rps := NewSlidingRPSWithCapacity(10, 2)
	rps.nowFunc = func() int64 { return 100 }

	rps.Add("a")
	rps.Add("b")
	if val := rps.Add("c"); val != 0 {
		t.Errorf("untracked key should report 0, got %f", val)
	}
	if val := rps.Add("a"); val != 2.0 {
		t.Errorf("tracked key should keep counting, got %f", val)
	}
}

func TestGuard_BlocksAboveLimit(t *testing.T) {
	g := NewGuard(2, 10, 30)
	g.rps.nowFunc = func() int64 { return 100 }

	for i := 0; i < 2; i++ {
		if ok, _ := g.Allow("1.2.3.4"); !ok {
			t.Fatalf("hit %d should pass", i+1)
		}
	}
	ok, retry := g.Allow("1.2.3.4")
	if ok {
		t.Fatal("third hit in the same second should be refused")
	}
	if retry != 30*time.Second {
		t.Errorf("expected 30s cool-down, got %v", retry)
	}

	// still blocked even though the window would now allow it
	g.rps.nowFunc = func() int64 { return 200 }
	ok, retry = g.Allow("1.2.3.4")
	if ok {
		t.Error("key should stay blocked during cool-down")
	}
	if retry < time.Second || retry > 30*time.Second {
		t.Errorf("retry-after out of range: %v", retry)
	}

	if ok, _ := g.Allow("5.6.7.8"); !ok {
		t.Error("other keys are unaffected")
	}
}

func TestGuard_Disabled(t *testing.T) {
	g := NewGuard(0, 10, 5)
	for i := 0; i < 100; i++ {
		if ok, _ := g.Allow("k"); !ok {
			t.Fatal("zero limit must never refuse")
		}
	}
	var nilGuard *Guard
	if ok, _ := nilGuard.Allow("k"); !ok {
		t.Error("nil guard must allow")
	}
}
