package safety

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestNewClampsIntoAbsoluteRange(t *testing.T) {
	l := New(5, 900, 50000, -10)
	if l.MinGlucoseMgDl() != AbsoluteMinGlucoseMgDl || l.MaxGlucoseMgDl() != AbsoluteMaxGlucoseMgDl {
		t.Fatalf("glucose not clamped: %s", l)
	}
	if l.MaxBasalRateMilliunits() != AbsoluteMaxBasalRate {
		t.Fatalf("basal not clamped: %d", l.MaxBasalRateMilliunits())
	}
	if l.MaxBolusDoseMilliunits() != 0 {
		t.Fatalf("bolus not clamped: %d", l.MaxBolusDoseMilliunits())
	}
}

func TestNewNarrowsAndFallsBackWhenInverted(t *testing.T) {
	l := New(70, 300, 2000, 8000)
	if !l.GlucoseInRange(70) || !l.GlucoseInRange(300) || l.GlucoseInRange(69) || l.GlucoseInRange(301) {
		t.Fatalf("unexpected glucose bounds: %s", l)
	}
	if !l.BolusInRange(8000) || l.BolusInRange(8001) || l.BolusInRange(-1) {
		t.Fatalf("unexpected bolus bounds: %s", l)
	}

	inverted := New(300, 70, 0, 0)
	if inverted.MinGlucoseMgDl() != AbsoluteMinGlucoseMgDl || inverted.MaxGlucoseMgDl() != AbsoluteMaxGlucoseMgDl {
		t.Fatalf("inverted range should fall back to absolute, got %s", inverted)
	}
	if !inverted.Valid() {
		t.Fatal("fallback limits should be valid")
	}
}

func TestZeroValueIsInvalid(t *testing.T) {
	if (Limits{}).Valid() {
		t.Fatal("zero limits must not be valid")
	}
	cell, _ := NewCell(Limits{})
	if cell.Current() != Default() {
		t.Fatalf("cell should fall back to defaults, got %s", cell.Current())
	}
}

func TestSnapshotRoundTripClamps(t *testing.T) {
	s := Snapshot{MinGlucoseMgDl: 1, MaxGlucoseMgDl: 250, MaxBasalRateMilliunits: 3000, MaxBolusDoseMilliunits: 99999}
	l := s.Limits()
	if l.MinGlucoseMgDl() != AbsoluteMinGlucoseMgDl || l.MaxGlucoseMgDl() != 250 || l.MaxBolusDoseMilliunits() != AbsoluteMaxBolusDose {
		t.Fatalf("unexpected limits %s", l)
	}
	if l.Snapshot().MaxBasalRateMilliunits != 3000 {
		t.Fatalf("unexpected snapshot %+v", l.Snapshot())
	}
}

func TestCellWatchSeesCurrentAndUpdates(t *testing.T) {
	cell, updater := NewCell(Default())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := cell.Watch(ctx)
	if got := <-ch; got != Default() {
		t.Fatalf("expected current value first, got %s", got)
	}

	next := New(60, 250, 3000, 10000)
	if err := updater.Update("test", next); err != nil {
		t.Fatalf("update: %v", err)
	}
	select {
	case got := <-ch:
		if got != next {
			t.Fatalf("expected %s, got %s", next, got)
		}
	case <-time.After(time.Second):
		t.Fatal("watcher did not observe update")
	}
	if cell.Current() != next || cell.Version() != 1 {
		t.Fatalf("unexpected state %s v%d", cell.Current(), cell.Version())
	}

	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel to close after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("watch channel not closed")
	}
}

func TestSlowWatcherSeesLatestOnly(t *testing.T) {
	cell, updater := NewCell(Default())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := cell.Watch(ctx)

	for i := 0; i < 5; i++ {
		_ = updater.Update("test", New(40+i, 300, 1000, 1000))
	}
	got := <-ch
	if got.MinGlucoseMgDl() != 44 {
		t.Fatalf("expected newest value, got %s", got)
	}
}

func TestNilUpdater(t *testing.T) {
	var u *Updater
	if err := u.Update("x", Default()); err != ErrNilUpdater {
		t.Fatalf("expected ErrNilUpdater, got %v", err)
	}
}

func TestConcurrentReadersNeverSeeTornValues(t *testing.T) {
	cell, updater := NewCell(Default())
	a := New(50, 200, 1000, 1000)
	b := New(80, 350, 5000, 5000)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				cur := cell.Current()
				if cur != a && cur != b && cur != Default() {
					t.Errorf("torn read: %s", cur)
					return
				}
			}
		}()
	}
	for i := 0; i < 200; i++ {
		if i%2 == 0 {
			_ = updater.Update("test", a)
		} else {
			_ = updater.Update("test", b)
		}
	}
	close(stop)
	wg.Wait()
}
