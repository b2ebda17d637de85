package transport

import (
	"context"
	"errors"

	"golang.org/x/time/rate"

	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/pkgmeta"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/ratelimit"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/resolver"
)

// ErrThrottled is returned when a package has fetched too often.
var ErrThrottled = errors.New("transport: signed manifest fetch throttled")

// ThrottleMetrics counts fetches rejected by the per-package limiter.
type ThrottleMetrics interface {
	IncFetchThrottled()
}

// RateLimited wraps a Transport. PerPackage rejects a package that
// refetches too often; Global makes every fetch wait its turn. Either may
// be nil.
type RateLimited struct {
	Next       resolver.Transport
	PerPackage *ratelimit.KeyLimiter
	Global     *rate.Limiter
	Metrics    ThrottleMetrics
}

func (t *RateLimited) FetchSignedManifest(ctx context.Context, id pkgmeta.ID, v pkgmeta.Version) ([]byte, error) {
	if t.PerPackage != nil && !t.PerPackage.Allow(string(id)) {
		if t.Metrics != nil {
			t.Metrics.IncFetchThrottled()
		}
		return nil, ErrThrottled
	}
	if t.Global != nil {
		if err := t.Global.Wait(ctx); err != nil {
			return nil, err
		}
	}
	return t.Next.FetchSignedManifest(ctx, id, v)
}
