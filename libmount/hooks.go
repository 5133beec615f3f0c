package libmount

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Stage is a named point in the mount/umount pipeline. Stages execute in
// this fixed total order; within a stage, hooks run in registration order.
type Stage int

const (
	StagePrepSource Stage = iota + 1
	StagePrepTarget
	StagePrepOptions
	StagePrep
	StagePreMount
	StageMount
	StagePostMount
	StagePost
)

func (s Stage) String() string {
	switch s {
	case StagePrepSource:
		return "prep-source"
	case StagePrepTarget:
		return "prep-target"
	case StagePrepOptions:
		return "prep-options"
	case StagePrep:
		return "prep"
	case StagePreMount:
		return "pre-mount"
	case StageMount:
		return "mount"
	case StagePostMount:
		return "post-mount"
	case StagePost:
		return "post"
	default:
		return fmt.Sprintf("stage-%d", int(s))
	}
}

// HookFunc is one hook callback. data is whatever the registering hookset
// attached to this particular hook.
type HookFunc func(cxt *Context, hs *Hookset, data any) error

// Hookset is a capability module that plugs optional behavior into the
// pipeline. Its FirstCall runs automatically at FirstStage; from there it may
// register further hooks at later stages only.
type Hookset struct {
	Name string

	FirstStage Stage
	FirstCall  HookFunc

	// Deinit runs at context teardown (and reset) and must release whatever
	// per-context state the hookset accumulated. The core removes leftover
	// hooks afterwards, loudly.
	Deinit func(cxt *Context, hs *Hookset)
}

// hooksets is the process-wide registry. Order here is execution order
// within a stage for first calls.
var hooksets = []*Hookset{
	hooksetMkdir,
	hooksetIdmap,
	hooksetOwner,
	hooksetSubdir,
}

// hook is one dynamically registered (callback, stage, data) triple.
type hook struct {
	hs    *Hookset
	stage Stage
	data  any
	fn    HookFunc
}

// AppendHook registers fn to run at stage. Hooks may only be registered for
// stages later than the one currently executing; the ordering constraint is
// what keeps the pipeline cycle-free.
func (cxt *Context) AppendHook(hs *Hookset, stage Stage, data any, fn HookFunc) error {
	if stage <= cxt.curStage {
		return fmt.Errorf("hookset %s: cannot register hook for %s while running %s",
			hs.Name, stage, cxt.curStage)
	}
	cxt.hooks = append(cxt.hooks, &hook{hs: hs, stage: stage, data: data, fn: fn})
	logrus.Debugf("hookset %s: registered %s hook", hs.Name, stage)
	return nil
}

// SetHookData stores per-hookset opaque state on the context.
func (cxt *Context) SetHookData(hs *Hookset, data any) {
	if cxt.hookDatas == nil {
		cxt.hookDatas = make(map[*Hookset]any)
	}
	cxt.hookDatas[hs] = data
}

// HookData returns the state stored by SetHookData, or nil.
func (cxt *Context) HookData(hs *Hookset) any {
	return cxt.hookDatas[hs]
}

// callHooks runs the stage: first every hookset whose FirstStage matches (in
// registry order), then every registered hook bound to the stage (in
// registration order). The first error aborts the rest of the stage and
// propagates; no rollback of already-run hooks is attempted here, hooksets
// clean up after themselves in Deinit.
func (cxt *Context) callHooks(stage Stage) error {
	cxt.curStage = stage
	defer func() { cxt.curStage = 0 }()

	for _, hs := range hooksets {
		if hs.FirstStage != stage || hs.FirstCall == nil {
			continue
		}
		if cxt.firstDone == nil {
			cxt.firstDone = make(map[*Hookset]bool)
		}
		if cxt.firstDone[hs] {
			continue
		}
		cxt.firstDone[hs] = true
		logrus.Debugf("hookset %s: first call at %s", hs.Name, stage)
		if err := hs.FirstCall(cxt, hs, nil); err != nil {
			return fmt.Errorf("hookset %s at %s: %w", hs.Name, stage, err)
		}
	}

	// Hooks may append later-stage hooks while we iterate, so this loop is
	// index-based over a possibly growing slice.
	for i := 0; i < len(cxt.hooks); i++ {
		h := cxt.hooks[i]
		if h == nil || h.stage != stage {
			continue
		}
		cxt.hooks[i] = nil // one-shot
		if err := h.fn(cxt, h.hs, h.data); err != nil {
			return fmt.Errorf("hookset %s at %s: %w", h.hs.Name, stage, err)
		}
	}
	cxt.compactHooks()
	return nil
}

func (cxt *Context) compactHooks() {
	kept := cxt.hooks[:0]
	for _, h := range cxt.hooks {
		if h != nil {
			kept = append(kept, h)
		}
	}
	cxt.hooks = kept
}

// deinitHooks tears down all per-context hookset state. Every hookset's
// Deinit runs exactly once; leftover hooks or data after that are a hookset
// bug, reported and then dropped so the shared lists stay consistent.
func (cxt *Context) deinitHooks() {
	for _, hs := range hooksets {
		if hs.Deinit != nil {
			hs.Deinit(cxt, hs)
		}
		leftover := 0
		kept := cxt.hooks[:0]
		for _, h := range cxt.hooks {
			if h != nil && h.hs == hs {
				leftover++
				continue
			}
			kept = append(kept, h)
		}
		cxt.hooks = kept
		if leftover > 0 {
			logrus.Warnf("hookset %s: deinit left %d hooks registered", hs.Name, leftover)
		}
		if _, ok := cxt.hookDatas[hs]; ok {
			logrus.Warnf("hookset %s: deinit left data behind", hs.Name)
			delete(cxt.hookDatas, hs)
		}
	}
	if len(cxt.hooks) > 0 {
		logrus.Warnf("hook pipeline: %d hooks from unknown hooksets dropped", len(cxt.hooks))
	}
	cxt.hooks = nil
	cxt.firstDone = nil
}
