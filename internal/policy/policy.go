// Package policy is the default verification failure policy: it logs each
// failure, counts it, and marks a package disabled once a failure touches
// a kind the operator treats as critical.
package policy

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/log"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/manifest"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/pkgmeta"
)

// DefaultDisableKinds are the kinds whose tampering disables a package.
var DefaultDisableKinds = pkgmeta.NewKindSet(
	pkgmeta.KindBackgroundPage,
	pkgmeta.KindBackgroundScript,
	pkgmeta.KindServiceWorkerScript,
	pkgmeta.KindContentScript,
)

// Metrics is implemented by the metrics package.
type Metrics interface {
	IncVerificationFailure(kind, reason string)
	SetPackagesDisabled(n int)
}

type Options struct {
	Logger  log.Logger
	Metrics Metrics

	// DisableKinds overrides DefaultDisableKinds. A signature failure
	// always disables; a fetch failure never does.
	DisableKinds *pkgmeta.KindSet

	// OnDisable runs once per package when it first becomes disabled.
	OnDisable func(id pkgmeta.ID, reason manifest.Reason)

	Now func() time.Time
}

// Record is the failure history of one package.
type Record struct {
	ID       pkgmeta.ID      `json:"id"`
	Kinds    pkgmeta.KindSet `json:"-"`
	Reasons  map[string]int  `json:"reasons"`
	Failures int             `json:"failures"`
	FirstAt  time.Time       `json:"first_at"`
	LastAt   time.Time       `json:"last_at"`
	Disabled bool            `json:"disabled"`
}

// KindNames lists the affected kinds for JSON output.
func (r Record) KindNames() []string {
	kinds := r.Kinds.Kinds()
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = k.String()
	}
	return out
}

// Tracker implements verifier.Policy. Reads are safe from any goroutine.
type Tracker struct {
	logger       log.Logger
	metrics      Metrics
	disableKinds pkgmeta.KindSet
	onDisable    func(pkgmeta.ID, manifest.Reason)
	now          func() time.Time

	mu       sync.RWMutex
	records  map[pkgmeta.ID]*Record
	disabled int
}

func New(opts Options) *Tracker {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	kinds := DefaultDisableKinds
	if opts.DisableKinds != nil {
		kinds = *opts.DisableKinds
	}
	return &Tracker{
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		disableKinds: kinds,
		onDisable:    opts.OnDisable,
		now:          opts.Now,
		records:      make(map[pkgmeta.ID]*Record),
	}
}

// OnVerificationFailure records one terminal failure.
func (t *Tracker) OnVerificationFailure(id pkgmeta.ID, kinds pkgmeta.KindSet, reason manifest.Reason) {
	now := t.now().UTC()
	disable := reason == manifest.ReasonSignatureInvalid ||
		(!reason.Unverifiable() && kinds&t.disableKinds != 0)

	t.mu.Lock()
	r, ok := t.records[id]
	if !ok {
		r = &Record{ID: id, Reasons: make(map[string]int), FirstAt: now}
		t.records[id] = r
	}
	r.Kinds = r.Kinds | kinds
	r.Reasons[reason.String()]++
	r.Failures++
	r.LastAt = now
	newlyDisabled := disable && !r.Disabled
	if newlyDisabled {
		r.Disabled = true
		t.disabled++
	}
	disabled := t.disabled
	t.mu.Unlock()

	if t.metrics != nil {
		if kinds.Empty() {
			t.metrics.IncVerificationFailure("none", reason.String())
		}
		for _, k := range kinds.Kinds() {
			t.metrics.IncVerificationFailure(k.String(), reason.String())
		}
		t.metrics.SetPackagesDisabled(disabled)
	}

	if !newlyDisabled {
		return
	}
	t.logger.Warn(context.Background(), "package disabled after verification failure",
		"package", id,
		"kinds", kinds.String(),
		"reason", reason.String(),
	)
	if t.onDisable != nil {
		t.onDisable(id, reason)
	}
}

// Get returns a copy of the record for id.
func (t *Tracker) Get(id pkgmeta.ID) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.records[id]
	if !ok {
		return Record{}, false
	}
	return r.copy(), true
}

// Disabled reports whether id has been disabled.
func (t *Tracker) Disabled(id pkgmeta.ID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.records[id]
	return ok && r.Disabled
}

// Records returns copies of every record, sorted by id.
func (t *Tracker) Records() []Record {
	t.mu.RLock()
	out := make([]Record, 0, len(t.records))
	for _, r := range t.records {
		out = append(out, r.copy())
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Forget drops the history of id, e.g. after it is reinstalled.
func (t *Tracker) Forget(id pkgmeta.ID) {
	t.mu.Lock()
	if r, ok := t.records[id]; ok {
		if r.Disabled {
			t.disabled--
		}
		delete(t.records, id)
	}
	disabled := t.disabled
	t.mu.Unlock()
	if t.metrics != nil {
		t.metrics.SetPackagesDisabled(disabled)
	}
}

func (r *Record) copy() Record {
	cp := *r
	cp.Reasons = make(map[string]int, len(r.Reasons))
	for k, v := range r.Reasons {
		cp.Reasons[k] = v
	}
	return cp
}
