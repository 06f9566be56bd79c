// Package storage transfers exported datasets to and from S3-compatible
// object storage.
//
// Uploads preserve relative paths as slash-separated keys under the target
// prefix and tag every object with the batch id and a free-form comment.
// Transfers are not transactional: a failed upload leaves the objects that
// were already written in place.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dustin/go-humanize"

	"github.com/ccomkhj/datumaro-gui/internal/errhandling"
	"github.com/ccomkhj/datumaro-gui/internal/logger"
	"github.com/ccomkhj/datumaro-gui/internal/pathutil"
)

// ManifestName is the object written last when UploadOptions.Manifest is set.
const ManifestName = "_annotask_manifest.json"

// Object metadata keys.
const (
	MetaBatchID = "batch-id"
	MetaComment = "comment"
)

// ObjectAPI is the subset of the S3 client used by the gateway.
type ObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Config configures a Gateway.
type Config struct {
	// CredentialsFile is read on every operation. Defaults to DefaultCredentialsFile.
	CredentialsFile string `yaml:"credentials_file" toml:"credentials_file" json:"credentialsFile"`
	// Region and Endpoint override the values found in the credentials file.
	Region   string `yaml:"region" toml:"region" json:"region"`
	Endpoint string `yaml:"endpoint" toml:"endpoint" json:"endpoint"`
	// Retry applies per object. The zero value disables retries.
	Retry errhandling.RetryConfig `yaml:"retry" toml:"retry" json:"retry"`
}

// UploadOptions annotates an upload.
type UploadOptions struct {
	BatchID string
	Comment string
	// Manifest writes ManifestName after every other object.
	Manifest bool
}

// Object is one transferred object.
type Object struct {
	Key  string `json:"key"`
	Size int64  `json:"size"`
}

// UploadResult summarizes an upload.
type UploadResult struct {
	URI         string   `json:"uri"`
	Objects     []Object `json:"objects"`
	Bytes       int64    `json:"bytes"`
	ManifestKey string   `json:"manifestKey,omitempty"`
}

// Manifest is the completeness record written by uploads.
type Manifest struct {
	BatchID   string    `json:"batch_id"`
	Comment   string    `json:"comment"`
	CreatedAt time.Time `json:"created_at"`
	Objects   []Object  `json:"objects"`
}

// Gateway uploads and downloads directory trees.
type Gateway struct {
	cfg Config
	api ObjectAPI
}

// NewGateway returns a gateway that builds an S3 client from the
// credentials file on every operation.
func NewGateway(cfg Config) *Gateway {
	return &Gateway{cfg: cfg}
}

// NewGatewayWithClient returns a gateway bound to api. No credentials are read.
func NewGatewayWithClient(api ObjectAPI, cfg Config) *Gateway {
	return &Gateway{cfg: cfg, api: api}
}

func (g *Gateway) client() (ObjectAPI, error) {
	if g.api != nil {
		return g.api, nil
	}
	creds, err := LoadCredentials(g.cfg.CredentialsFile)
	if err != nil {
		return nil, err
	}
	return newS3Client(creds, g.cfg), nil
}

func newS3Client(creds *Credentials, cfg Config) *s3.Client {
	region := firstNonEmpty(cfg.Region, creds.Region, DefaultRegion)
	endpoint := firstNonEmpty(cfg.Endpoint, creds.Endpoint)

	awsCfg := aws.Config{
		Region:      region,
		Credentials: credentials.NewStaticCredentialsProvider(creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken),
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		// Retries come only from cfg.Retry, never from the SDK.
		o.Retryer = aws.NopRetryer{}
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
}

// Upload writes every regular file under localDir to remoteURI, keyed by its
// slash-separated path relative to localDir.
func (g *Gateway) Upload(ctx context.Context, localDir, remoteURI string, opts UploadOptions) (*UploadResult, error) {
	uri, err := ParseURI(remoteURI)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(localDir)
	if err != nil {
		return nil, errhandling.NewIOError(fmt.Sprintf("upload source %s", localDir), err)
	}
	if !info.IsDir() {
		return nil, errhandling.NewIOError(fmt.Sprintf("upload source %s is not a directory", localDir), nil)
	}
	if err := g.cfg.Retry.Validate(); err != nil {
		return nil, errhandling.NewConfigError("invalid storage retry configuration", err)
	}

	api, err := g.client()
	if err != nil {
		return nil, err
	}

	log := logger.WithComponent("storage")
	start := time.Now()
	result := &UploadResult{URI: uri.String()}
	meta := map[string]string{
		MetaBatchID: metadataValue(opts.BatchID),
		MetaComment: metadataValue(opts.Comment),
	}

	walkErr := filepath.WalkDir(localDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return errhandling.NewIOError(fmt.Sprintf("walking %s", p), err)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := pathutil.RelativeKey(localDir, p)
		if err != nil {
			return errhandling.NewIOError("resolving upload key", err)
		}
		key := uri.Key(rel)
		size, err := g.putFile(ctx, api, uri.Bucket, key, p, meta)
		if err != nil {
			return err
		}
		result.Objects = append(result.Objects, Object{Key: key, Size: size})
		result.Bytes += size
		log.Debug("object uploaded",
			slog.String("key", key),
			slog.String("size", humanize.Bytes(uint64(size))))
		return nil
	})
	if walkErr != nil {
		log.Error("upload aborted",
			slog.String("uri", uri.String()),
			slog.Int("uploaded", len(result.Objects)),
			slog.String("error", walkErr.Error()))
		return result, walkErr
	}

	if opts.Manifest {
		key, err := g.putManifest(ctx, api, uri, opts, result.Objects)
		if err != nil {
			return result, err
		}
		result.ManifestKey = key
	}

	log.Info("upload completed",
		slog.String("uri", uri.String()),
		slog.String("batch_id", opts.BatchID),
		slog.Int("objects", len(result.Objects)),
		slog.String("size", humanize.Bytes(uint64(result.Bytes))),
		slog.Duration("duration", time.Since(start)))
	return result, nil
}

func (g *Gateway) putFile(ctx context.Context, api ObjectAPI, bucket, key, p string, meta map[string]string) (int64, error) {
	var size int64
	err := errhandling.Retry(ctx, g.cfg.Retry, func(attempt int) error {
		if attempt > 0 {
			logger.Warn("retrying upload", slog.String("key", key), slog.Int("attempt", attempt))
		}
		f, err := os.Open(p)
		if err != nil {
			return errhandling.NewIOError(fmt.Sprintf("opening %s", p), err)
		}
		defer func() { _ = f.Close() }()
		st, err := f.Stat()
		if err != nil {
			return errhandling.NewIOError(fmt.Sprintf("stat %s", p), err)
		}
		size = st.Size()

		_, err = api.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(bucket),
			Key:           aws.String(key),
			Body:          f,
			ContentLength: aws.Int64(size),
			Metadata:      meta,
		})
		return classify("put", key, err)
	})
	return size, err
}

func (g *Gateway) putManifest(ctx context.Context, api ObjectAPI, uri URI, opts UploadOptions, objects []Object) (string, error) {
	m := Manifest{
		BatchID:   opts.BatchID,
		Comment:   opts.Comment,
		CreatedAt: time.Now().UTC(),
		Objects:   objects,
	}
	if m.Objects == nil {
		m.Objects = []Object{}
	}
	body, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding manifest: %w", err)
	}
	key := uri.Key(ManifestName)
	err = errhandling.Retry(ctx, g.cfg.Retry, func(int) error {
		_, err := api.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(uri.Bucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(body),
			ContentLength: aws.Int64(int64(len(body))),
			ContentType:   aws.String("application/json"),
			Metadata: map[string]string{
				MetaBatchID: metadataValue(opts.BatchID),
				MetaComment: metadataValue(opts.Comment),
			},
		})
		return classify("put", key, err)
	})
	return key, err
}

// Download copies every object under remoteURI into localDir, recreating the
// key layout relative to the prefix, and returns localDir. An empty prefix is
// a not-found error.
func (g *Gateway) Download(ctx context.Context, remoteURI, localDir string) (string, error) {
	uri, err := ParseURI(remoteURI)
	if err != nil {
		return "", err
	}
	api, err := g.client()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(localDir, 0o755); err != nil {
		return "", errhandling.NewIOError(fmt.Sprintf("creating %s", localDir), err)
	}

	log := logger.WithComponent("storage")
	listPrefix := uri.ListPrefix()
	paginator := s3.NewListObjectsV2Paginator(api, &s3.ListObjectsV2Input{
		Bucket: aws.String(uri.Bucket),
		Prefix: aws.String(listPrefix),
	})

	var count int
	var total int64
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return "", classify("list", uri.String(), err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			rel := strings.TrimPrefix(key, listPrefix)
			if rel == "" || strings.HasSuffix(rel, "/") || rel == ManifestName {
				continue
			}
			dest, err := pathutil.JoinKey(localDir, rel)
			if err != nil {
				return "", errhandling.NewIOError(fmt.Sprintf("refusing object key %q", key), err)
			}
			n, err := g.getFile(ctx, api, uri.Bucket, key, dest)
			if err != nil {
				return "", err
			}
			count++
			total += n
			log.Debug("object downloaded", slog.String("key", key), slog.String("path", dest))
		}
	}
	if count == 0 {
		return "", errhandling.NewNotFoundError(fmt.Sprintf("no objects under %s", uri), nil)
	}

	log.Info("download completed",
		slog.String("uri", uri.String()),
		slog.String("path", localDir),
		slog.Int("objects", count),
		slog.String("size", humanize.Bytes(uint64(total))))
	return localDir, nil
}

func (g *Gateway) getFile(ctx context.Context, api ObjectAPI, bucket, key, dest string) (int64, error) {
	var n int64
	err := errhandling.Retry(ctx, g.cfg.Retry, func(int) error {
		out, err := api.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return classify("get", key, err)
		}
		defer func() { _ = out.Body.Close() }()

		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return errhandling.NewIOError(fmt.Sprintf("creating %s", filepath.Dir(dest)), err)
		}
		f, err := os.Create(dest)
		if err != nil {
			return errhandling.NewIOError(fmt.Sprintf("creating %s", dest), err)
		}
		n, err = io.Copy(f, out.Body)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return errhandling.NewNetworkError(fmt.Sprintf("reading %s", key), err)
		}
		return nil
	})
	return n, err
}

// metadataValue keeps S3 user metadata within printable ASCII.
func metadataValue(s string) string {
	for _, r := range s {
		if r > unicode.MaxASCII || !unicode.IsPrint(r) {
			return url.QueryEscape(s)
		}
	}
	return s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
