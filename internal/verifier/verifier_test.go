package verifier

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/manifest"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/pkgmeta"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/policy"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/resolver"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/runloop"
)

// test helpers

type report struct {
	id     pkgmeta.ID
	kinds  pkgmeta.KindSet
	reason manifest.Reason
}

type recordingPolicy struct {
	mu      sync.Mutex
	reports []report
}

func (p *recordingPolicy) OnVerificationFailure(id pkgmeta.ID, kinds pkgmeta.KindSet, reason manifest.Reason) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reports = append(p.reports, report{id, kinds, reason})
}

func (p *recordingPolicy) all() []report {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]report(nil), p.reports...)
}

// fakeResolver serves a table keyed by path body, counting calls.
type fakeResolver struct {
	mu      sync.Mutex
	calls   int
	gate    chan struct{}
	produce func(req resolver.Request) *manifest.HashManifest
}

func (f *fakeResolver) Resolve(ctx context.Context, req resolver.Request) (*manifest.HashManifest, error) {
	f.mu.Lock()
	f.calls++
	gate := f.gate
	produce := f.produce
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return produce(req), nil
}

func (f *fakeResolver) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeResolver) setProduce(fn func(resolver.Request) *manifest.HashManifest) {
	f.mu.Lock()
	f.produce = fn
	f.mu.Unlock()
}

func tableOf(files map[string]string) func(resolver.Request) *manifest.HashManifest {
	entries := make(map[string]manifest.Entry, len(files))
	for p, body := range files {
		entries[p] = manifest.Entry{SHA256: cryptoutil.SHA256Hex([]byte(body)), Size: int64(len(body))}
	}
	return func(req resolver.Request) *manifest.HashManifest {
		return manifest.New(req.ID, req.Version, pkgmeta.SourceUnsigned, pkgmeta.Canonicalization{}, entries)
	}
}

type fixture struct {
	loop     *runloop.Loop
	pool     *runloop.Pool
	resolver *fakeResolver
	policy   *recordingPolicy
	coord    *Coordinator
}

func newFixture(t *testing.T, produce func(resolver.Request) *manifest.HashManifest) *fixture {
	t.Helper()
	f := &fixture{
		loop:     runloop.New(),
		pool:     runloop.NewPool(4),
		resolver: &fakeResolver{produce: produce},
		policy:   &recordingPolicy{},
	}
	c, err := New(Options{
		Loop:     f.loop,
		Pool:     f.pool,
		Resolver: f.resolver,
		Policy:   f.policy,
	})
	if err != nil {
		t.Fatal(err)
	}
	f.coord = c
	t.Cleanup(f.loop.Close)
	return f
}

// settle waits for background work and flushes the loop a few times,
// which covers resolve, complete and report chains.
func (f *fixture) settle(t *testing.T) {
	t.Helper()
	for i := 0; i < 3; i++ {
		f.pool.Wait()
		if err := f.loop.Call(t.Context(), func() {}); err != nil {
			t.Fatal(err)
		}
	}
}

func testMetadata(src pkgmeta.SourceType) *pkgmeta.Metadata {
	return &pkgmeta.Metadata{
		ID:                "P",
		Version:           "1.0",
		Source:            src,
		BackgroundScripts: []string{"bg.js"},
		ContentScripts:    []string{"cs.js"},
		BrowserImages:     []string{"icon.png"},
	}
}

func (f *fixture) load(t *testing.T, md *pkgmeta.Metadata) {
	t.Helper()
	if err := f.coord.OnPackageLoaded(md, "/pkgs/"+string(md.ID)); err != nil {
		t.Fatalf("OnPackageLoaded: %v", err)
	}
	f.settle(t)
}

// flush runs everything queued on the loop so far.
func (f *fixture) flush(t *testing.T) {
	t.Helper()
	if err := f.loop.Call(t.Context(), func() {}); err != nil {
		t.Fatal(err)
	}
}

func runJob(t *testing.T, j *Job, body string) Result {
	t.Helper()
	if j == nil {
		t.Fatal("expected a job")
	}
	if _, err := io.Copy(j, strings.NewReader(body)); err != nil {
		t.Fatal(err)
	}
	_ = j.Close()
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	r, err := j.Wait(ctx)
	if err != nil {
		t.Fatalf("job did not finish: %v", err)
	}
	return r
}

// scenarios

func TestJob_MatchingContentSucceeds(t *testing.T) {
	f := newFixture(t, tableOf(map[string]string{"bg.js": "H1 bytes"}))
	f.load(t, testMetadata(pkgmeta.SourceUnsigned))

	r := runJob(t, f.coord.CreateVerificationJob("P", "", "bg.js"), "H1 bytes")
	if !r.OK() || r.Kind != pkgmeta.KindBackgroundScript {
		t.Fatalf("result = %+v", r)
	}
	f.settle(t)
	if got := f.policy.all(); len(got) != 0 {
		t.Fatalf("policy called on success: %+v", got)
	}
}

func TestJob_MismatchReportsKind(t *testing.T) {
	f := newFixture(t, tableOf(map[string]string{"bg.js": "H1 bytes"}))
	f.load(t, testMetadata(pkgmeta.SourceUnsigned))

	r := runJob(t, f.coord.CreateVerificationJob("P", "", "bg.js"), "H2 bytes")
	if r.OK() || r.Reason != manifest.ReasonHashMismatch {
		t.Fatalf("result = %+v", r)
	}
	f.settle(t)
	got := f.policy.all()
	if len(got) != 1 {
		t.Fatalf("policy reports = %d, want 1", len(got))
	}
	want := report{"P", pkgmeta.NewKindSet(pkgmeta.KindBackgroundScript), manifest.ReasonHashMismatch}
	if got[0] != want {
		t.Fatalf("report = %+v, want %+v", got[0], want)
	}
}

func TestCreateVerificationJob_ConcurrentJobsResolveOnce(t *testing.T) {
	f := newFixture(t, tableOf(map[string]string{"bg.js": "a", "cs.js": "b"}))
	f.resolver.gate = make(chan struct{})
	md := testMetadata(pkgmeta.SourceUnsigned)
	if err := f.coord.OnPackageLoaded(md, "/pkgs/P"); err != nil {
		t.Fatal(err)
	}
	f.flush(t)

	var wg sync.WaitGroup
	jobs := make([]*Job, 2)
	for i, p := range []string{"bg.js", "cs.js"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			jobs[i] = f.coord.CreateVerificationJob("P", "", p)
		}()
	}
	wg.Wait()

	// the warm-up and both jobs are queued behind one resolution
	f.flush(t)
	close(f.resolver.gate)
	f.settle(t)

	if r := runJob(t, jobs[0], "a"); !r.OK() {
		t.Fatalf("bg.js result = %+v", r)
	}
	if r := runJob(t, jobs[1], "b"); !r.OK() {
		t.Fatalf("cs.js result = %+v", r)
	}
	if c := f.resolver.callCount(); c != 1 {
		t.Fatalf("resolver calls = %d, want 1", c)
	}
}

func TestCreateVerificationJob_NoJob(t *testing.T) {
	f := newFixture(t, tableOf(nil))
	if j := f.coord.CreateVerificationJob("P", "", "bg.js"); j != nil {
		t.Fatal("unknown package should fail open with no job")
	}

	f.load(t, testMetadata(pkgmeta.SourceUnsigned))
	for _, p := range []string{"manifest.json", "icon.png", "_locales/en/messages.json", "../bg.js", "_metadata/computed_hashes.json"} {
		if j := f.coord.CreateVerificationJob("P", "", p); j != nil {
			t.Errorf("CreateVerificationJob(%q) returned a job", p)
		}
	}

	g := newFixture(t, tableOf(nil))
	g.load(t, testMetadata(pkgmeta.SourceNone))
	if j := g.coord.CreateVerificationJob("P", "", "bg.js"); j != nil {
		t.Fatal("unverified package should produce no job")
	}
	if g.resolver.callCount() != 0 {
		t.Fatal("unverified package should never resolve")
	}
}

func TestCreateVerificationJob_NormalizesPath(t *testing.T) {
	f := newFixture(t, tableOf(map[string]string{"bg.js": "x"}))
	f.load(t, testMetadata(pkgmeta.SourceUnsigned))
	j := f.coord.CreateVerificationJob("P", "", "./bg.js")
	if j == nil || j.Path() != "bg.js" || j.Kind() != pkgmeta.KindBackgroundScript {
		t.Fatalf("job = %+v", j)
	}
	if r := runJob(t, j, "x"); !r.OK() {
		t.Fatalf("result = %+v", r)
	}
}

func TestJob_NoHashesForFile(t *testing.T) {
	f := newFixture(t, tableOf(map[string]string{"bg.js": "x"}))
	f.load(t, testMetadata(pkgmeta.SourceUnsigned))

	r := runJob(t, f.coord.CreateVerificationJob("P", "", "added.js"), "new file")
	if r.Reason != manifest.ReasonNoHashesForFile || r.Kind != pkgmeta.KindScriptFile {
		t.Fatalf("result = %+v", r)
	}
	f.settle(t)
	got := f.policy.all()
	if len(got) != 1 || !got[0].kinds.Has(pkgmeta.KindScriptFile) || got[0].reason != manifest.ReasonNoHashesForFile {
		t.Fatalf("reports = %+v", got)
	}
}

func TestJob_FailedManifestMissingAllHashes(t *testing.T) {
	f := newFixture(t, func(req resolver.Request) *manifest.HashManifest {
		return manifest.Failed(req.ID, req.Version, pkgmeta.SourceUnsigned, manifest.StatusMissing, nil)
	})
	f.load(t, testMetadata(pkgmeta.SourceUnsigned))

	j := f.coord.CreateVerificationJob("P", "", "bg.js")
	f.settle(t)
	select {
	case <-j.Done():
	default:
		t.Fatal("job should fail as soon as a failed manifest arrives")
	}
	r, _ := j.Result()
	if r.Reason != manifest.ReasonMissingAllHashes {
		t.Fatalf("reason = %s", r.Reason)
	}
}

func TestJob_FetchFailureLeavesPackageEnabled(t *testing.T) {
	tracker := policy.New(policy.Options{})
	fetch := &fakeResolver{produce: func(req resolver.Request) *manifest.HashManifest {
		return manifest.Failed(req.ID, req.Version, pkgmeta.SourceSigned, manifest.StatusFetchFailed, errors.New("fetch throttled"))
	}}
	f := &fixture{loop: runloop.New(), pool: runloop.NewPool(2), resolver: fetch}
	t.Cleanup(f.loop.Close)
	c, err := New(Options{Loop: f.loop, Pool: f.pool, Resolver: f.resolver, Policy: tracker})
	if err != nil {
		t.Fatal(err)
	}
	f.coord = c
	f.load(t, testMetadata(pkgmeta.SourceSigned))

	for _, p := range []string{"bg.js", "cs.js", "bg.js"} {
		r := runJob(t, f.coord.CreateVerificationJob("P", "", p), "anything")
		if r.Reason != manifest.ReasonFetchFailed {
			t.Fatalf("%s: reason = %s, want fetch-failed", p, r.Reason)
		}
	}
	f.settle(t)

	if tracker.Disabled("P") {
		t.Fatal("a transport failure must not disable the package")
	}
	rec, ok := tracker.Get("P")
	if !ok {
		t.Fatal("fetch failures should still be recorded")
	}
	// bg.js is reported once however often it is read
	if rec.Reasons["fetch-failed"] != 2 || rec.Failures != 2 {
		t.Fatalf("record = %+v", rec)
	}
}

func TestJob_EarlyMismatchOnOversizedRead(t *testing.T) {
	f := newFixture(t, tableOf(map[string]string{"bg.js": "short"}))
	f.load(t, testMetadata(pkgmeta.SourceUnsigned))

	j := f.coord.CreateVerificationJob("P", "", "bg.js")
	f.settle(t) // manifest delivered

	_, _ = j.Write([]byte("this is much longer than expected"))
	select {
	case <-j.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("job should fail before EOF once the size is exceeded")
	}
	r, _ := j.Result()
	if r.Reason != manifest.ReasonHashMismatch {
		t.Fatalf("reason = %s", r.Reason)
	}
}

func TestJob_BytesBeforeManifest(t *testing.T) {
	f := newFixture(t, tableOf(map[string]string{"bg.js": "content"}))
	f.resolver.gate = make(chan struct{})
	if err := f.coord.OnPackageLoaded(testMetadata(pkgmeta.SourceUnsigned), "/pkgs/P"); err != nil {
		t.Fatal(err)
	}
	f.flush(t)
	j := f.coord.CreateVerificationJob("P", "", "bg.js")
	_, _ = j.Write([]byte("cont"))
	_, _ = j.Write([]byte("ent"))
	_ = j.Close()
	if _, done := j.Result(); done {
		t.Fatal("job cannot finish before its manifest")
	}
	close(f.resolver.gate)
	f.settle(t)
	if r := runJob(t, j, ""); !r.OK() {
		t.Fatalf("result = %+v", r)
	}
}

func TestUnload_EvictsCache(t *testing.T) {
	f := newFixture(t, tableOf(map[string]string{"bg.js": "old"}))
	md := testMetadata(pkgmeta.SourceUnsigned)
	f.load(t, md)
	if r := runJob(t, f.coord.CreateVerificationJob("P", "", "bg.js"), "old"); !r.OK() {
		t.Fatalf("first result = %+v", r)
	}
	callsBefore := f.resolver.callCount()

	f.coord.OnPackageUnloaded("P", "1.0")
	f.settle(t)
	if _, _, ok := f.coord.Package("P"); ok {
		t.Fatal("metadata should be gone after unload")
	}

	f.resolver.setProduce(tableOf(map[string]string{"bg.js": "new"}))
	f.load(t, md)
	if r := runJob(t, f.coord.CreateVerificationJob("P", "", "bg.js"), "new"); !r.OK() {
		t.Fatalf("after reload result = %+v (stale cache?)", r)
	}
	if f.resolver.callCount() <= callsBefore {
		t.Fatal("reload should resolve again")
	}
}

func TestUnload_CancelsPendingResolution(t *testing.T) {
	f := newFixture(t, tableOf(map[string]string{"bg.js": "x"}))
	f.resolver.gate = make(chan struct{})
	if err := f.coord.OnPackageLoaded(testMetadata(pkgmeta.SourceUnsigned), "/pkgs/P"); err != nil {
		t.Fatal(err)
	}
	f.flush(t)
	j := f.coord.CreateVerificationJob("P", "", "bg.js")
	f.coord.OnPackageUnloaded("P", "1.0")
	close(f.resolver.gate)
	f.settle(t)

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	if _, err := j.Wait(ctx); err == nil {
		t.Fatal("a job whose resolution was cancelled must not complete")
	}
}

func TestReload_NewVersionEvictsOld(t *testing.T) {
	f := newFixture(t, tableOf(map[string]string{"bg.js": "x"}))
	f.load(t, testMetadata(pkgmeta.SourceUnsigned))
	md2 := testMetadata(pkgmeta.SourceUnsigned)
	md2.Version = "2.0"
	f.load(t, md2)

	got, _, ok := f.coord.Package("P")
	if !ok || got.Version != "2.0" {
		t.Fatalf("loaded = %+v", got)
	}
	if f.resolver.callCount() != 2 {
		t.Fatalf("resolver calls = %d, want one warm-up per version", f.resolver.callCount())
	}
}

func TestOnJobMismatch_IgnoresUnverifiedKinds(t *testing.T) {
	f := newFixture(t, tableOf(nil))
	f.load(t, testMetadata(pkgmeta.SourceUnsigned))

	f.coord.OnJobMismatch("P", []string{"manifest.json", "icon.png"}, manifest.ReasonHashMismatch)
	f.settle(t)
	if got := f.policy.all(); len(got) != 0 {
		t.Fatalf("none-kind mismatches must be ignored, got %+v", got)
	}

	f.coord.OnJobMismatch("P", []string{"icon.png", "cs.js", "page.html"}, manifest.ReasonHashMismatch)
	f.settle(t)
	got := f.policy.all()
	want := pkgmeta.NewKindSet(pkgmeta.KindContentScript, pkgmeta.KindMarkupFile)
	if len(got) != 1 || got[0].kinds != want {
		t.Fatalf("reports = %+v", got)
	}
}

func TestOnJobMismatch_ReportsEachPathOnce(t *testing.T) {
	f := newFixture(t, tableOf(nil))
	md := testMetadata(pkgmeta.SourceUnsigned)
	f.load(t, md)

	f.coord.OnJobMismatch("P", []string{"bg.js"}, manifest.ReasonHashMismatch)
	f.coord.OnJobMismatch("P", []string{"./bg.js"}, manifest.ReasonHashMismatch)
	f.settle(t)
	if got := f.policy.all(); len(got) != 1 {
		t.Fatalf("repeated mismatch reported %d times, want 1", len(got))
	}

	f.coord.OnJobMismatch("P", []string{"bg.js", "cs.js"}, manifest.ReasonHashMismatch)
	f.settle(t)
	got := f.policy.all()
	if len(got) != 2 || got[1].kinds != pkgmeta.NewKindSet(pkgmeta.KindContentScript) {
		t.Fatalf("only the new path should be reported: %+v", got)
	}

	f.coord.OnJobMismatch("P", []string{"bg.js"}, manifest.ReasonNoHashesForFile)
	f.settle(t)
	if got := f.policy.all(); len(got) != 3 {
		t.Fatalf("a new reason is a new report: %+v", got)
	}

	// a reinstall starts over
	f.coord.OnPackageUnloaded("P", "1.0")
	f.settle(t)
	f.load(t, md)
	f.coord.OnJobMismatch("P", []string{"bg.js"}, manifest.ReasonHashMismatch)
	f.settle(t)
	if got := f.policy.all(); len(got) != 4 {
		t.Fatalf("reports after reinstall = %d, want 4", len(got))
	}
}

func TestOnFetchComplete_ReportsSignedMismatches(t *testing.T) {
	f := newFixture(t, func(req resolver.Request) *manifest.HashManifest {
		m := manifest.New(req.ID, req.Version, pkgmeta.SourceSigned, pkgmeta.Canonicalization{}, nil)
		m.MismatchedPaths = []string{"bg.js", "icon.png"}
		return m
	})
	f.load(t, testMetadata(pkgmeta.SourceSigned))

	got := f.policy.all()
	want := report{"P", pkgmeta.NewKindSet(pkgmeta.KindBackgroundScript), manifest.ReasonHashMismatch}
	if len(got) != 1 || got[0] != want {
		t.Fatalf("reports = %+v, want [%+v]", got, want)
	}
}

func TestOnFetchComplete_SignatureInvalid(t *testing.T) {
	f := newFixture(t, func(req resolver.Request) *manifest.HashManifest {
		return manifest.Failed(req.ID, req.Version, pkgmeta.SourceSigned, manifest.StatusSignatureInvalid, nil)
	})
	f.load(t, testMetadata(pkgmeta.SourceSigned))

	got := f.policy.all()
	if len(got) != 1 || got[0].reason != manifest.ReasonSignatureInvalid || !got[0].kinds.Empty() {
		t.Fatalf("reports = %+v", got)
	}
}

func TestGetManifest_ForceReusesCompleteUnforcedEntry(t *testing.T) {
	f := newFixture(t, tableOf(map[string]string{"bg.js": "x"}))
	f.load(t, testMetadata(pkgmeta.SourceUnsigned)) // warm-up, unforced

	var got *manifest.HashManifest
	f.coord.GetManifest("P", "", "1.0", true, func(m *manifest.HashManifest) { got = m })
	f.settle(t)
	if got == nil || !got.OK() {
		t.Fatal("no manifest delivered")
	}
	if f.resolver.callCount() != 1 {
		t.Fatalf("resolver calls = %d, want cached reuse", f.resolver.callCount())
	}
}

func TestGetManifest_NotLoaded(t *testing.T) {
	f := newFixture(t, tableOf(nil))
	var got *manifest.HashManifest
	f.coord.GetManifest("nope", "", "1.0", false, func(m *manifest.HashManifest) { got = m })
	f.settle(t)
	if got == nil || got.Status != manifest.StatusMissing {
		t.Fatalf("got %+v", got)
	}
}

func TestShouldVerifyAnyPaths(t *testing.T) {
	f := newFixture(t, tableOf(nil))
	if f.coord.ShouldVerifyAnyPaths("P", []string{"bg.js"}) {
		t.Fatal("unknown package should verify nothing")
	}
	f.load(t, testMetadata(pkgmeta.SourceUnsigned))
	if f.coord.ShouldVerifyAnyPaths("P", []string{"manifest.json", "icon.png"}) {
		t.Fatal("only none-kind paths")
	}
	if !f.coord.ShouldVerifyAnyPaths("P", []string{"icon.png", "x.css"}) {
		t.Fatal("misc file should be verified")
	}
}

func TestShouldComputeHashesOnInstall(t *testing.T) {
	f := newFixture(t, tableOf(nil))
	if !f.coord.ShouldComputeHashesOnInstall(testMetadata(pkgmeta.SourceUnsigned)) {
		t.Fatal("unsigned packages compute hashes at install")
	}
	if f.coord.ShouldComputeHashesOnInstall(testMetadata(pkgmeta.SourceSigned)) {
		t.Fatal("signed packages fetch their hashes")
	}
}

func TestShutdown(t *testing.T) {
	f := newFixture(t, tableOf(map[string]string{"bg.js": "x"}))
	f.load(t, testMetadata(pkgmeta.SourceUnsigned))
	f.coord.Shutdown()
	f.coord.Shutdown()
	if j := f.coord.CreateVerificationJob("P", "", "bg.js"); j != nil {
		t.Fatal("no jobs after shutdown")
	}
	f.coord.OnJobMismatch("P", []string{"bg.js"}, manifest.ReasonHashMismatch)
	f.settle(t)
	if len(f.policy.all()) != 0 {
		t.Fatal("no reports after shutdown")
	}
	if _, _, ok := f.coord.Package("P"); ok {
		t.Fatal("metadata should be cleared by shutdown")
	}
	if got := f.coord.Packages(); len(got) != 0 {
		t.Fatalf("Packages() = %v after shutdown", got)
	}
	if f.coord.ShouldVerifyAnyPaths("P", []string{"bg.js"}) {
		t.Fatal("nothing is verified after shutdown")
	}
}

func TestOnPackageLoaded_InvalidMetadata(t *testing.T) {
	f := newFixture(t, tableOf(nil))
	if err := f.coord.OnPackageLoaded(&pkgmeta.Metadata{ID: "P"}, "/x"); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestNew_RequiresLoopAndResolver(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error without loop")
	}
	l := runloop.New()
	defer l.Close()
	if _, err := New(Options{Loop: l}); err == nil {
		t.Fatal("expected error without resolver")
	}
}

// end to end with the real resolver and an on-disk digest table

func TestEndToEnd_UnsignedLocalManifest(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "bg.js"), []byte("H1"), 0o644); err != nil {
		t.Fatal(err)
	}
	table := manifest.New("P", "1.0", pkgmeta.SourceUnsigned, pkgmeta.Canonicalization{}, map[string]manifest.Entry{
		"bg.js": {SHA256: cryptoutil.SHA256Hex([]byte("H1")), Size: 2},
	})
	if err := manifest.WriteComputed(root, table, time.Now()); err != nil {
		t.Fatal(err)
	}

	loop := runloop.New()
	t.Cleanup(loop.Close)
	pool := runloop.NewPool(2)
	policy := &recordingPolicy{}
	c, err := New(Options{
		Loop:     loop,
		Pool:     pool,
		Resolver: resolver.New(resolver.Options{}),
		Policy:   policy,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.OnPackageLoaded(testMetadata(pkgmeta.SourceUnsigned), root); err != nil {
		t.Fatal(err)
	}
	if err := loop.Call(t.Context(), func() {}); err != nil {
		t.Fatal(err)
	}

	if r := runJob(t, c.CreateVerificationJob("P", "", "bg.js"), "H1"); !r.OK() {
		t.Fatalf("H1 result = %+v", r)
	}
	r := runJob(t, c.CreateVerificationJob("P", "", "bg.js"), "H2")
	if r.Reason != manifest.ReasonHashMismatch || r.Kind != pkgmeta.KindBackgroundScript {
		t.Fatalf("H2 result = %+v", r)
	}
	pool.Wait()
	if err := loop.Call(t.Context(), func() {}); err != nil {
		t.Fatal(err)
	}
	got := policy.all()
	if len(got) != 1 || !got[0].kinds.Has(pkgmeta.KindBackgroundScript) {
		t.Fatalf("reports = %+v", got)
	}
}
