package trigger

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logx "jobq/pkg/logx"
)

func TestApplyRejectsInvalidDefinitions(t *testing.T) {
	t.Parallel()

	s := New(logx.Nop())
	ok := Definition{Name: "ok", Schedule: "1m", Run: func(context.Context) error { return nil }}
	if err := s.Apply([]Definition{ok}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	cases := []Definition{
		{Name: "", Schedule: "1m", Run: ok.Run},
		{Name: "norun", Schedule: "1m"},
		{Name: "badcron", Schedule: "61 * * * *", Run: ok.Run},
		{Name: "badtz", Schedule: "0 3 * * *", Timezone: "Nowhere/City", Run: ok.Run},
	}
	for _, def := range cases {
		if err := s.Apply([]Definition{ok, def}); err == nil {
			t.Fatalf("Apply(%+v): expected error", def)
		}
	}
	if err := s.Apply([]Definition{ok, ok}); err == nil {
		t.Fatalf("duplicate names accepted")
	}
	if st := s.Statuses(); len(st) != 1 || st[0].Name != "ok" {
		t.Fatalf("failed Apply changed the set: %+v", st)
	}
}

func TestIntervalTriggerFires(t *testing.T) {
	t.Parallel()

	s := New(logx.Nop())
	var fired atomic.Int32
	err := s.Apply([]Definition{{
		Name:     "tick",
		Schedule: "every:1s",
		Run: func(ctx context.Context) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fired.Add(1)
			return nil
		},
	}})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	s.Start(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	}()

	st := s.Statuses()
	if len(st) != 1 || st[0].Kind != "interval" || st[0].Next.IsZero() {
		t.Fatalf("status = %+v", st)
	}

	deadline := time.Now().Add(4 * time.Second)
	for fired.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("trigger never fired")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if st := s.Statuses(); st[0].Fires == 0 || st[0].LastFire.IsZero() {
		t.Fatalf("status after fire = %+v", st[0])
	}
}

func TestFireManually(t *testing.T) {
	t.Parallel()

	s := New(logx.Nop())
	boom := errors.New("queue full")
	var calls atomic.Int32
	err := s.Apply([]Definition{{
		Name:     "nightly",
		Schedule: "0 3 * * *",
		Timezone: "UTC",
		Run: func(context.Context) error {
			if calls.Add(1) == 2 {
				return boom
			}
			return nil
		},
	}})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if err := s.Fire("nightly"); err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if err := s.Fire("nightly"); !errors.Is(err, boom) {
		t.Fatalf("Fire err = %v", err)
	}
	if err := s.Fire("missing"); !errors.Is(err, ErrUnknownTrigger) {
		t.Fatalf("Fire(missing) err = %v", err)
	}
	st := s.Statuses()[0]
	if st.Fires != 2 || st.Failures != 1 || st.LastErr != boom.Error() {
		t.Fatalf("status = %+v", st)
	}

	// Counters survive a re-apply under the same name.
	if err := s.Apply([]Definition{{Name: "nightly", Schedule: "@daily", Run: func(context.Context) error { return nil }}}); err != nil {
		t.Fatalf("re-Apply: %v", err)
	}
	if st := s.Statuses()[0]; st.Fires != 2 || st.Schedule != "@daily" {
		t.Fatalf("status after re-apply = %+v", st)
	}
}
