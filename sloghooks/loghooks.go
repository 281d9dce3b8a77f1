package sloghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/memocell"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	SelfHealEvery  uint64
	DuplicateEvery uint64
	// Optional key redactor. Defaults to SHA-256 prefix.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	selfHealCtr  atomic.Uint64
	duplicateCtr atomic.Uint64
}

var _ memocell.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) MirrorSelfHeal(storageKey, reason string) {
	if h.l == nil || !sample(h.opts.SelfHealEvery, &h.selfHealCtr) {
		return
	}
	h.l.Debug("memocell.mirror_self_heal",
		"key", h.redact(storageKey),
		"reason", reason)
}

func (h *Hooks) StoreSetRejected(storageKey string, isCheckpoint bool) {
	if h.l == nil {
		return
	}
	h.l.Warn("memocell.store_set_rejected",
		"key", h.redact(storageKey),
		"is_checkpoint", isCheckpoint)
}

func (h *Hooks) StoreWriteError(storageKey string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("memocell.store_write_error",
		"key", h.redact(storageKey),
		"err", err)
}

func (h *Hooks) DuplicateCompute(ns string) {
	if h.l == nil || !sample(h.opts.DuplicateEvery, &h.duplicateCtr) {
		return
	}
	h.l.Info("memocell.duplicate_compute",
		"ns", ns,
		"msg", "racing callers computed the same key; consider Options.Dedupe")
}

func (h *Hooks) SequenceExhausted(ns string, limit uint64) {
	if h.l == nil {
		return
	}
	h.l.Error("memocell.sequence_exhausted",
		"ns", ns,
		"limit", limit)
}
