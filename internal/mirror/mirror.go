// Package mirror publishes built packages to an S3-compatible bucket.
package mirror

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/schollz/progressbar/v3"

	"nvhelper/internal/config"
	"nvhelper/internal/console"
	"nvhelper/internal/errs"
	"nvhelper/internal/log"
)

// ObjectPutter is the part of the S3 client the publisher needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Publisher uploads files under Prefix in Bucket.
type Publisher struct {
	Client ObjectPutter
	Bucket string
	Prefix string
	// Progress receives upload progress bars; nil disables them.
	Progress io.Writer
}

// New builds a publisher from mirror settings. Credentials are static and
// a custom endpoint switches the client to path-style addressing.
func New(ctx context.Context, m config.Mirror, debug bool) (*Publisher, error) {
	if !m.Enabled() {
		return nil, errs.New(errs.KindConfig, "mirror", "no bucket configured")
	}
	if m.AccessKeyID == "" || m.SecretAccessKey == "" {
		return nil, errs.New(errs.KindConfig, "mirror", "credentials missing in configuration (NVHELPER_MIRROR_ACCESS_KEY_ID, NVHELPER_MIRROR_SECRET_ACCESS_KEY)")
	}
	region := m.Region
	if region == "" {
		region = "auto"
	}

	options := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(m.AccessKeyID, m.SecretAccessKey, "")),
		awsconfig.WithRegion(region),
	}
	if debug {
		options = append(options, awsconfig.WithClientLogMode(aws.LogRetries|aws.LogRequest|aws.LogResponse))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfig, "mirror", fmt.Errorf("failed to load S3 config: %w", err))
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if m.Endpoint != "" {
			o.BaseEndpoint = aws.String(m.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Publisher{
		Client:   client,
		Bucket:   m.Bucket,
		Prefix:   strings.Trim(m.Prefix, "/"),
		Progress: console.Stdout(),
	}, nil
}

// Key returns the object key for a local file published for releaseLine.
func (p *Publisher) Key(releaseLine, file string) string {
	return path.Join(p.Prefix, releaseLine, filepath.Base(file))
}

// Publish uploads every file in order, stopping at the first failure.
func (p *Publisher) Publish(ctx context.Context, releaseLine string, files ...string) error {
	logger := log.WithComponent("mirror")
	for _, f := range files {
		key := p.Key(releaseLine, f)
		console.Step("Publishing %s to s3://%s/%s", filepath.Base(f), p.Bucket, key)
		if err := p.upload(ctx, key, f); err != nil {
			return errs.Wrap(errs.KindIO, "publish "+filepath.Base(f), err)
		}
		logger.Debug("uploaded", "bucket", p.Bucket, "key", key)
	}
	return nil
}

func (p *Publisher) upload(ctx context.Context, key, file string) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return err
	}

	var body io.ReadSeeker = f
	if p.Progress != nil {
		bar := progressbar.NewOptions64(stat.Size(),
			progressbar.OptionSetWriter(p.Progress),
			progressbar.OptionSetDescription(filepath.Base(file)),
			progressbar.OptionShowBytes(true),
			progressbar.OptionClearOnFinish(),
		)
		defer bar.Finish()
		body = &progressReader{ReadSeeker: f, bar: bar}
	}

	_, err = p.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(p.Bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(stat.Size()),
		ContentType:   aws.String(contentType(key)),
	})
	return err
}

func contentType(key string) string {
	switch {
	case strings.HasSuffix(key, ".json"):
		return "application/json"
	case strings.HasSuffix(key, ".zst"):
		return "application/zstd"
	case strings.HasSuffix(key, ".xz"):
		return "application/x-xz"
	case strings.HasSuffix(key, ".gz"):
		return "application/gzip"
	}
	return "application/octet-stream"
}

// progressReader advances bar as the body is read. The SDK may rewind the
// body to retry or checksum it, so a rewind resets the bar.
type progressReader struct {
	io.ReadSeeker
	bar *progressbar.ProgressBar
}

func (r *progressReader) Read(b []byte) (int, error) {
	n, err := r.ReadSeeker.Read(b)
	_ = r.bar.Add(n)
	return n, err
}

func (r *progressReader) Seek(offset int64, whence int) (int64, error) {
	pos, err := r.ReadSeeker.Seek(offset, whence)
	if err == nil {
		r.bar.Reset()
		_ = r.bar.Set64(pos)
	}
	return pos, err
}
