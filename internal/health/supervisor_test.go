package health

import (
	"context"
	"testing"

	"github.com/fabiohfernandes/Matchmaker/internal/events"
	"github.com/fabiohfernandes/Matchmaker/pkg/logging"
)

func newTestSupervisor(t *testing.T) (*Supervisor, *events.Bus) {
	t.Helper()
	bus := events.NewBus(logging.NewLoggerWithService("test"))
	return NewSupervisor(logging.NewLoggerWithService("test"), bus), bus
}

func staticCheck(status string) CheckFunc {
	return func(context.Context) CheckResult {
		return CheckResult{Status: status}
	}
}

func TestOverallWorstOf(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	sup.Register("a", staticCheck(StatusHealthy))
	sup.Register("b", staticCheck(StatusDegraded))
	sup.EvaluateAll()

	if got := sup.Overall(); got != StatusDegraded {
		t.Fatalf("expected degraded, got %s", got)
	}

	sup.Register("c", staticCheck(StatusUnhealthy))
	sup.EvaluateAll()
	if got := sup.Overall(); got != StatusUnhealthy {
		t.Fatalf("expected unhealthy, got %s", got)
	}
}

func TestHealthChangedEmittedOnTransition(t *testing.T) {
	sup, bus := newTestSupervisor(t)

	var changes []events.Event
	bus.Subscribe(func(e events.Event) { changes = append(changes, e) }, events.HealthChanged)

	status := StatusHealthy
	sup.Register("flappy", func(context.Context) CheckResult {
		return CheckResult{Status: status}
	})

	sup.EvaluateAll() // healthy -> healthy: no event
	if len(changes) != 0 {
		t.Fatalf("no transition expected, got %v", changes)
	}

	status = StatusDegraded
	sup.EvaluateAll()
	if len(changes) != 1 || changes[0].NewStatus != StatusDegraded || changes[0].OldStatus != StatusHealthy {
		t.Fatalf("unexpected transition events: %v", changes)
	}
}

func TestRecoveryOkAfterTransientFailure(t *testing.T) {
	sup, bus := newTestSupervisor(t)

	var kinds []events.Kind
	bus.SubscribeAll(func(e events.Event) { kinds = append(kinds, e.Kind) })

	calls := 0
	sup.Register("transient", func(context.Context) CheckResult {
		calls++
		if calls == 1 {
			return CheckResult{Status: StatusUnhealthy, Message: "first call fails"}
		}
		return CheckResult{Status: StatusHealthy}
	})

	sup.EvaluateAll()

	want := []events.Kind{events.HealthChanged, events.ServiceUnhealthy, events.RecoveryOk}
	if len(kinds) != len(want) {
		t.Fatalf("expected %v, got %v", want, kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, kinds)
		}
	}
	if sup.Overall() != StatusHealthy {
		t.Fatalf("expected healthy after recovery, got %s", sup.Overall())
	}
}

func TestRecoveryFailStaysUnhealthy(t *testing.T) {
	sup, bus := newTestSupervisor(t)

	var kinds []events.Kind
	bus.SubscribeAll(func(e events.Event) { kinds = append(kinds, e.Kind) })

	sup.Register("down", staticCheck(StatusUnhealthy))
	sup.EvaluateAll()

	want := []events.Kind{events.HealthChanged, events.ServiceUnhealthy, events.RecoveryFail}
	if len(kinds) != len(want) {
		t.Fatalf("expected %v, got %v", want, kinds)
	}
	if sup.Overall() != StatusUnhealthy {
		t.Fatalf("expected unhealthy, got %s", sup.Overall())
	}
}

func TestPanickingCheckRecordsUnhealthy(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	sup.Register("broken", func(context.Context) CheckResult {
		panic("check bug")
	})

	results := sup.EvaluateAll()
	if results["broken"].Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy for panicking check, got %+v", results["broken"])
	}
}
