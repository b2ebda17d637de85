package verifier

import (
	"context"
	"sync"

	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/manifest"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/pkgmeta"
)

// Result is the outcome of one Job. Reason is ReasonNone on success.
type Result struct {
	ID     pkgmeta.ID
	Path   string
	Kind   pkgmeta.Kind
	Reason manifest.Reason
}

func (r Result) OK() bool { return r.Reason == manifest.ReasonNone }

// Job verifies one file as its bytes are read. Feed it with Write (it is
// an io.Writer, so io.Copy or io.TeeReader work) and call Close at EOF.
// Bytes may arrive before the manifest does; the digest is streamed and
// compared once both are available.
type Job struct {
	coord   *Coordinator
	id      pkgmeta.ID
	version pkgmeta.Version
	path    string
	kind    pkgmeta.Kind

	mu       sync.Mutex
	digest   *cryptoutil.Digester
	eof      bool
	m        *manifest.HashManifest
	finished bool
	result   Result
	done     chan struct{}
}

func newJob(c *Coordinator, id pkgmeta.ID, v pkgmeta.Version, path string, kind pkgmeta.Kind) *Job {
	return &Job{
		coord:   c,
		id:      id,
		version: v,
		path:    path,
		kind:    kind,
		digest:  cryptoutil.NewDigester(),
		done:    make(chan struct{}),
	}
}

func (j *Job) Path() string       { return j.path }
func (j *Job) Kind() pkgmeta.Kind { return j.kind }

// Write hashes p. It never fails; bytes written after the job finished
// are ignored.
func (j *Job) Write(p []byte) (int, error) {
	j.mu.Lock()
	if j.finished || j.eof {
		j.mu.Unlock()
		return len(p), nil
	}
	_, _ = j.digest.Write(p)
	reason, fail := j.earlyMismatchLocked()
	j.mu.Unlock()

	if fail {
		j.finish(reason)
	}
	return len(p), nil
}

// Close marks the end of the file.
func (j *Job) Close() error {
	j.mu.Lock()
	if j.eof || j.finished {
		j.mu.Unlock()
		return nil
	}
	j.eof = true
	reason, ready := j.verdictLocked()
	j.mu.Unlock()

	if ready {
		j.finish(reason)
	}
	return nil
}

// onManifest runs on the control loop when the job's manifest settles.
func (j *Job) onManifest(m *manifest.HashManifest) {
	j.mu.Lock()
	if j.finished || j.m != nil {
		j.mu.Unlock()
		return
	}
	j.m = m
	reason, ready := j.verdictLocked()
	if !ready {
		reason, ready = j.earlyMismatchLocked()
	}
	j.mu.Unlock()

	if ready {
		j.finish(reason)
	}
}

// verdictLocked decides the job once the manifest is known. A failed
// manifest decides it immediately; otherwise EOF is required.
func (j *Job) verdictLocked() (manifest.Reason, bool) {
	if j.m == nil {
		return manifest.ReasonNone, false
	}
	if !j.m.OK() {
		return j.m.Status.Reason(), true
	}
	e, ok := j.m.Lookup(j.path)
	if !ok {
		return manifest.ReasonNoHashesForFile, true
	}
	if !j.eof {
		return manifest.ReasonNone, false
	}
	if e.Size >= 0 && e.Size != j.digest.Len() {
		return manifest.ReasonHashMismatch, true
	}
	if !e.Matches(j.digest.SumHex()) {
		return manifest.ReasonHashMismatch, true
	}
	return manifest.ReasonNone, true
}

// earlyMismatchLocked fails as soon as more bytes than the expected size
// have been read.
func (j *Job) earlyMismatchLocked() (manifest.Reason, bool) {
	if j.m == nil || !j.m.OK() {
		return manifest.ReasonNone, false
	}
	e, ok := j.m.Lookup(j.path)
	if ok && e.Size >= 0 && j.digest.Len() > e.Size {
		return manifest.ReasonHashMismatch, true
	}
	return manifest.ReasonNone, false
}

func (j *Job) finish(reason manifest.Reason) {
	j.mu.Lock()
	if j.finished {
		j.mu.Unlock()
		return
	}
	j.finished = true
	j.result = Result{ID: j.id, Path: j.path, Kind: j.kind, Reason: reason}
	j.mu.Unlock()

	if j.coord.metrics != nil {
		j.coord.metrics.IncJobResult(reason.String())
	}
	// queue the report before waking waiters so it is ordered ahead of
	// anything they post next
	if reason != manifest.ReasonNone {
		j.coord.OnJobMismatch(j.id, []string{j.path}, reason)
	}
	close(j.done)
}

// Done is closed when the job has a result.
func (j *Job) Done() <-chan struct{} { return j.done }

// Result returns the outcome and whether the job has finished.
func (j *Job) Result() (Result, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.result, j.finished
}

// Wait blocks until the job finishes or ctx is done. A job whose manifest
// resolution was cancelled never finishes, so callers should bound ctx.
func (j *Job) Wait(ctx context.Context) (Result, error) {
	select {
	case <-j.done:
		r, _ := j.Result()
		return r, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
