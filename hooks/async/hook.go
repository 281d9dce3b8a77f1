// usage:
//
// import (
//
//	"log/slog"
//
//	"github.com/unkn0wn-root/memocell"
//	"github.com/unkn0wn-root/memocell/hooks/async"
//	"github.com/unkn0wn-root/memocell/sloghooks"
//
// )
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{
//	    SelfHealEvery:  10, // sample logs: ~every 10th self-heal
//	    DuplicateEvery: 1,  // log every duplicate compute
//	})
//
// hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
// defer hooks.Close()
//
//	cell, _ := memocell.New[string, Result](memocell.Options[string, Result]{
//	    Compute: loadResult,
//	    Hooks:   hooks, // or `raw` if you don't want async
//	})
package asynchook

import (
	"sync"

	"github.com/unkn0wn-root/memocell"
)

type Hooks struct {
	inner memocell.Hooks
	q     chan func()
	wg    sync.WaitGroup
	once  sync.Once
}

var _ memocell.Hooks = (*Hooks)(nil)

func New(inner memocell.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

func (h *Hooks) Close() {
	h.once.Do(func() {
		close(h.q)
		h.wg.Wait()
	})
}

func (h *Hooks) try(f func()) {
	select {
	case h.q <- f:
	default: // drop
	}
}

func (h *Hooks) MirrorSelfHeal(k, r string)         { h.try(func() { h.inner.MirrorSelfHeal(k, r) }) }
func (h *Hooks) StoreSetRejected(k string, cp bool) { h.try(func() { h.inner.StoreSetRejected(k, cp) }) }
func (h *Hooks) StoreWriteError(k string, err error) {
	h.try(func() { h.inner.StoreWriteError(k, err) })
}
func (h *Hooks) DuplicateCompute(ns string) { h.try(func() { h.inner.DuplicateCompute(ns) }) }
func (h *Hooks) SequenceExhausted(ns string, limit uint64) {
	h.try(func() { h.inner.SequenceExhausted(ns, limit) })
}
