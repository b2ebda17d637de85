package transport

import (
	"context"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/log"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/manifest"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/pathutil"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/pkgmeta"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/xerrors"
)

// MaxEnvelopeSize bounds a signed envelope download (bytes).
const MaxEnvelopeSize = 8 * 1024 * 1024

// s3Getter is the subset of the S3 client S3 uses.
type s3Getter interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type S3Options struct {
	Logger log.Logger

	// s3 bucket holding signed envelopes
	Bucket string

	// key prefix; envelopes live at {Prefix}/{id}/{version}/verified_contents.json
	Prefix string

	// MaxSize overrides MaxEnvelopeSize when positive.
	MaxSize int64

	// AWS config (default if nil)
	AWSConfig *aws.Config
}

// S3 implements resolver.Transport over an S3 bucket.
type S3 struct {
	opts   S3Options
	client s3Getter
	logger log.Logger
}

// NewS3 creates an S3 transport.
func NewS3(ctx context.Context, opts S3Options) (*S3, error) {
	if opts.Bucket == "" {
		return nil, xerrors.New("transport: Bucket is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = MaxEnvelopeSize
	}

	var awsCfg aws.Config
	var err error
	if opts.AWSConfig != nil {
		awsCfg = *opts.AWSConfig
	} else {
		awsCfg, err = config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, xerrors.Wrap(err, "transport: load AWS config")
		}
	}

	return &S3{
		opts:   opts,
		client: s3.NewFromConfig(awsCfg),
		logger: opts.Logger,
	}, nil
}

// Key returns the object key for (id, v). Both must be single safe path
// segments so a package id cannot address another package's envelope.
func (t *S3) Key(id pkgmeta.ID, v pkgmeta.Version) (string, error) {
	if !pathutil.IsSafeSegment(string(id)) {
		return "", xerrors.Newf("transport: unsafe package id %q", id)
	}
	if !pathutil.IsSafeSegment(string(v)) {
		return "", xerrors.Newf("transport: unsafe package version %q", v)
	}
	parts := []string{}
	if p := strings.Trim(t.opts.Prefix, "/"); p != "" {
		parts = append(parts, p)
	}
	parts = append(parts, string(id), string(v), manifest.VerifiedContentsFile)
	return strings.Join(parts, "/"), nil
}

// FetchSignedManifest downloads the envelope for (id, v) with a size limit.
func (t *S3) FetchSignedManifest(ctx context.Context, id pkgmeta.ID, v pkgmeta.Version) ([]byte, error) {
	key, err := t.Key(id, v)
	if err != nil {
		return nil, err
	}
	out, err := t.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(t.opts.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get s3://%s/%s", t.opts.Bucket, key)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, t.opts.MaxSize+1))
	if err != nil {
		return nil, xerrors.Wrapf(err, "read s3://%s/%s", t.opts.Bucket, key)
	}
	if int64(len(data)) > t.opts.MaxSize {
		return nil, xerrors.Newf("s3://%s/%s exceeds size limit (max %d bytes)",
			t.opts.Bucket, key, t.opts.MaxSize)
	}

	t.logger.Debug(ctx, "fetched signed manifest",
		"package", id,
		"version", v,
		"key", key,
		"size", len(data),
	)
	return data, nil
}
