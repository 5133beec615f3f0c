package libmount

import (
	"errors"
	"testing"
)

var testHookset = &Hookset{Name: "test"}

func TestCallHooksRegistrationOrder(t *testing.T) {
	cxt := testContext(false)
	defer cxt.Close()

	var got []string
	record := func(name string) HookFunc {
		return func(*Context, *Hookset, any) error {
			got = append(got, name)
			return nil
		}
	}
	for _, h := range []struct {
		stage Stage
		name  string
	}{
		{StagePreMount, "pre-a"},
		{StageMount, "mnt"},
		{StagePreMount, "pre-b"},
	} {
		if err := cxt.AppendHook(testHookset, h.stage, nil, record(h.name)); err != nil {
			t.Fatal(err)
		}
	}

	for _, stage := range []Stage{StagePreMount, StageMount} {
		if err := cxt.callHooks(stage); err != nil {
			t.Fatalf("callHooks(%s): %v", stage, err)
		}
	}
	want := []string{"pre-a", "pre-b", "mnt"}
	if len(got) != len(want) {
		t.Fatalf("hooks ran %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("hooks ran %v, want %v", got, want)
		}
	}
}

func TestHooksAreOneShot(t *testing.T) {
	cxt := testContext(false)
	defer cxt.Close()

	runs := 0
	err := cxt.AppendHook(testHookset, StageMount, nil, func(*Context, *Hookset, any) error {
		runs++
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := cxt.callHooks(StageMount); err != nil {
			t.Fatal(err)
		}
	}
	if runs != 1 {
		t.Errorf("hook ran %d times, want 1", runs)
	}
}

func TestHookSelfRegistration(t *testing.T) {
	cxt := testContext(false)
	defer cxt.Close()

	postRan := false
	err := cxt.AppendHook(testHookset, StageMount, nil, func(cxt *Context, hs *Hookset, _ any) error {
		// Registering for the running stage must fail.
		if err := cxt.AppendHook(hs, StageMount, nil, func(*Context, *Hookset, any) error {
			return nil
		}); err == nil {
			t.Error("same-stage registration from inside a hook succeeded")
		}
		// Registering for an earlier stage must fail too.
		if err := cxt.AppendHook(hs, StagePrep, nil, func(*Context, *Hookset, any) error {
			return nil
		}); err == nil {
			t.Error("earlier-stage registration from inside a hook succeeded")
		}
		// A later stage is fine.
		return cxt.AppendHook(hs, StagePostMount, nil, func(*Context, *Hookset, any) error {
			postRan = true
			return nil
		})
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := cxt.callHooks(StageMount); err != nil {
		t.Fatal(err)
	}
	if err := cxt.callHooks(StagePostMount); err != nil {
		t.Fatal(err)
	}
	if !postRan {
		t.Error("hook registered from inside a hook never ran")
	}
}

func TestHookErrorAbortsStage(t *testing.T) {
	cxt := testContext(false)
	defer cxt.Close()

	boom := errors.New("boom")
	ran := false
	if err := cxt.AppendHook(testHookset, StageMount, nil, func(*Context, *Hookset, any) error {
		return boom
	}); err != nil {
		t.Fatal(err)
	}
	if err := cxt.AppendHook(testHookset, StageMount, nil, func(*Context, *Hookset, any) error {
		ran = true
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	if err := cxt.callHooks(StageMount); !errors.Is(err, boom) {
		t.Fatalf("callHooks = %v, want wrapped boom", err)
	}
	if ran {
		t.Error("hook after the failing one still ran")
	}
}

func TestHookDataRoundtrip(t *testing.T) {
	cxt := testContext(false)
	defer cxt.Close()

	cxt.SetHookData(testHookset, "payload")
	if got := cxt.HookData(testHookset); got != "payload" {
		t.Errorf("HookData = %v, want payload", got)
	}
	if got := cxt.HookData(hooksetMkdir); got != nil {
		t.Errorf("HookData for other hookset = %v, want nil", got)
	}
}

func TestHookDataPassedToHook(t *testing.T) {
	cxt := testContext(false)
	defer cxt.Close()

	var got any
	if err := cxt.AppendHook(testHookset, StageMount, 42, func(_ *Context, _ *Hookset, data any) error {
		got = data
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := cxt.callHooks(StageMount); err != nil {
		t.Fatal(err)
	}
	if got != 42 {
		t.Errorf("hook data = %v, want 42", got)
	}
}

func TestDeinitClearsHooks(t *testing.T) {
	cxt := testContext(false)
	defer cxt.Close()

	if err := cxt.AppendHook(testHookset, StageMount, nil, func(*Context, *Hookset, any) error {
		t.Error("stale hook ran after Reset")
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	cxt.Reset()
	if err := cxt.callHooks(StageMount); err != nil {
		t.Fatal(err)
	}
}

func TestStageString(t *testing.T) {
	for stage, want := range map[Stage]string{
		StagePrepSource: "prep-source",
		StageMount:      "mount",
		StagePost:       "post",
		Stage(99):       "stage-99",
	} {
		if got := stage.String(); got != want {
			t.Errorf("Stage(%d).String() = %q, want %q", int(stage), got, want)
		}
	}
}
