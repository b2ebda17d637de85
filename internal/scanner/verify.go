package scanner

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/catalog"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/pkgmeta"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/verifier"
)

// verifyResult is the outcome of streaming one file.
type verifyResult struct {
	path   string
	result verifier.Result
	err    error
}

// verifyPackage streams every regular file of p through a verification
// job, at most s.workers at a time. Files the coordinator does not verify
// get no job and are skipped, as are packages s.skip rejects.
func (s *Scanner) verifyPackage(ctx context.Context, p *catalog.Package) {
	md := p.Metadata
	if md.Source == pkgmeta.SourceNone {
		return
	}
	if s.skip != nil && s.skip(md.ID) {
		s.logger.Debug(ctx, "package scanner: skipping disabled package", "package", md.ID)
		return
	}
	paths, err := listFiles(ctx, p.Root)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error(ctx, err, "package scanner: listing package files failed", "package", md.ID)
			if s.metrics != nil {
				s.metrics.IncScannerError("list")
			}
		}
		return
	}

	results := make(chan verifyResult, len(paths))
	var wg sync.WaitGroup
	sem := make(chan struct{}, s.workers)

	for _, rel := range paths {
		job := s.coord.CreateVerificationJob(md.ID, p.Root, rel)
		if job == nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			r, err := s.streamFile(ctx, job, filepath.Join(p.Root, filepath.FromSlash(rel)))
			results <- verifyResult{path: rel, result: r, err: err}
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var ok, failed, unfinished int
	for r := range results {
		switch {
		case r.err != nil:
			unfinished++
			if s.metrics != nil {
				s.metrics.IncFilesVerified("unfinished")
			}
			s.logger.Debug(ctx, "verification did not finish",
				"package", md.ID, "path", r.path, "error", r.err.Error(),
			)
		case r.result.OK():
			ok++
			if s.metrics != nil {
				s.metrics.IncFilesVerified("ok")
			}
		default:
			failed++
			if s.metrics != nil {
				s.metrics.IncFilesVerified(r.result.Reason.String())
			}
		}
	}

	s.logger.Debug(ctx, "package verified",
		"package", md.ID,
		"version", md.Version,
		"ok", ok,
		"failed", failed,
		"unfinished", unfinished,
	)
}

// streamFile copies the file at path into job and waits for its verdict.
// A file that disappears or cannot be read still closes the job, so the
// bytes read so far are judged.
func (s *Scanner) streamFile(ctx context.Context, job *verifier.Job, path string) (verifier.Result, error) {
	if f, err := os.Open(path); err == nil {
		_, _ = io.Copy(job, f)
		f.Close()
	}
	_ = job.Close()

	wctx, cancel := context.WithTimeout(ctx, s.jobTimeout)
	defer cancel()
	return job.Wait(wctx)
}

// listFiles returns the slash-separated relative paths of every regular
// file under root, skipping the metadata directory.
func listFiles(ctx context.Context, root string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}
		if d.IsDir() {
			if strings.EqualFold(rel, pkgmeta.MetadataDir) {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			out = append(out, rel)
		}
		return nil
	})
	return out, err
}
