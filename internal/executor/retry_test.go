package executor

import (
	"testing"
	"time"

	"github.com/brinkfield/lakeforge/internal/domain"
)

func TestInterruptibleSleepCompletes(t *testing.T) {
	run := domain.NewRun("r1", "default", "silver", "orders", "manual", nil)
	start := time.Now()
	if !interruptibleSleep(run, 20*time.Millisecond) {
		t.Fatal("uncancelled sleep should complete")
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatal("sleep returned early")
	}
}

func TestInterruptibleSleepCancelled(t *testing.T) {
	run := domain.NewRun("r1", "default", "silver", "orders", "manual", nil)
	go func() {
		time.Sleep(10 * time.Millisecond)
		run.Cancel()
	}()
	start := time.Now()
	if interruptibleSleep(run, 10*time.Second) {
		t.Fatal("cancelled sleep should report interruption")
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("cancellation did not interrupt the sleep")
	}
}

func TestInterruptibleSleepZeroDelay(t *testing.T) {
	run := domain.NewRun("r1", "default", "silver", "orders", "manual", nil)
	if !interruptibleSleep(run, 0) {
		t.Fatal("zero delay with no cancellation should proceed")
	}
	run.Cancel()
	if interruptibleSleep(run, 0) {
		t.Fatal("zero delay after cancellation should not proceed")
	}
}

func TestRequiresWatermark(t *testing.T) {
	cases := map[domain.MergeStrategy]bool{
		domain.Incremental:  true,
		domain.DeleteInsert: true,
		domain.FullRefresh:  false,
		domain.AppendOnly:   false,
		domain.SCD2:         false,
		domain.Snapshot:     false,
	}
	for strategy, want := range cases {
		if got := requiresWatermark(strategy); got != want {
			t.Errorf("requiresWatermark(%s) = %v, want %v", strategy, got, want)
		}
	}
}

func TestIsCancelled(t *testing.T) {
	if !isCancelled(ErrCancelled{}) {
		t.Fatal("ErrCancelled should be recognised")
	}
	if isCancelled(ErrSourceAbsent{Namespace: "x"}) {
		t.Fatal("other errors must not map to cancellation")
	}
}
