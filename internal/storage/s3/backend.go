package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	awsconfig "github.com/scttfrdmn/cargoship/pkg/aws/config"
	cargoships3 "github.com/scttfrdmn/cargoship/pkg/aws/s3"
	"github.com/sirupsen/logrus"

	"github.com/remotefs/remotefs/internal/storage"
	rfserrors "github.com/remotefs/remotefs/pkg/errors"
	"github.com/remotefs/remotefs/pkg/types"
	"github.com/remotefs/remotefs/pkg/utils"
)

// deleteBatchSize is the DeleteObjects limit.
const deleteBatchSize = 1000

// Backend is a storage.Store over an S3 bucket. Files are objects keyed by
// their path below an optional prefix; directories are either explicit
// "<dir>/" marker objects or implied by the keys beneath them.
type Backend struct {
	client      objectAPI
	bucket      string
	prefix      string
	transporter *cargoships3.Transporter
	logger      *logrus.Entry
	metrics     *MetricsCollector
}

var _ storage.Store = (*Backend)(nil)

// NewBackend connects to cfg.Bucket and verifies the bucket is reachable.
func NewBackend(ctx context.Context, cfg *Config) (*Backend, error) {
	if cfg == nil || cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name cannot be empty")
	}
	cfg.applyDefaults()

	client, err := newClient(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var transporter *cargoships3.Transporter
	if cfg.EnableCargoShipOptimization {
		transporter = newTransporter(client, cfg)
	}

	backend := newBackend(client, cfg, transporter)
	backend.logger.WithFields(logrus.Fields{
		"region":      cfg.Region,
		"endpoint":    cfg.Endpoint,
		"transporter": transporter != nil,
	}).Info("S3 store configured")

	// Test connection
	if err := backend.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("S3 store health check failed: %w", err)
	}

	return backend, nil
}

func newBackend(client objectAPI, cfg *Config, transporter *cargoships3.Transporter) *Backend {
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &Backend{
		client:      client,
		bucket:      cfg.Bucket,
		prefix:      prefix,
		transporter: transporter,
		logger:      utils.ComponentLogger("s3-store").WithField("bucket", cfg.Bucket),
		metrics:     NewMetricsCollector(),
	}
}

// Name implements storage.Store.
func (b *Backend) Name() string {
	return "s3"
}

// HealthCheck verifies the bucket is reachable.
func (b *Backend) HealthCheck(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)})
	if err != nil {
		return fmt.Errorf("head bucket %s: %w", b.bucket, err)
	}
	return nil
}

// GetMetrics returns request metrics for the store.
func (b *Backend) GetMetrics() BackendMetrics {
	return b.metrics.GetMetrics()
}

// Close implements storage.Store.
func (b *Backend) Close() error {
	// CargoShip transporter doesn't require explicit cleanup
	return nil
}

// Stat implements storage.Store.
func (b *Backend) Stat(ctx context.Context, path string) (types.FileInfo, error) {
	path = utils.CleanRemotePath(path)
	if path == "/" {
		return types.FileInfo{Name: "/", IsDir: true}, nil
	}
	_, name := utils.SplitRemotePath(path)

	start := time.Now()
	head, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(path)),
	})
	b.metrics.RecordMetrics(time.Since(start), err != nil && !isNotFound(err))
	if err == nil {
		return types.FileInfo{
			Name:    name,
			Size:    aws.ToInt64(head.ContentLength),
			ModTime: aws.ToTime(head.LastModified),
		}, nil
	}
	if !isNotFound(err) {
		return types.FileInfo{}, b.translateError(err, "stat", path)
	}

	modTime, ok, err := b.dirInfo(ctx, path)
	if err != nil {
		return types.FileInfo{}, err
	}
	if !ok {
		return types.FileInfo{}, storage.Errorf(rfserrors.ErrCodeNotFound, "stat", path, "%s not found", path)
	}
	return types.FileInfo{Name: name, IsDir: true, ModTime: modTime}, nil
}

// List implements storage.Store.
func (b *Backend) List(ctx context.Context, path string) ([]types.FileInfo, error) {
	fi, err := b.Stat(ctx, path)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir {
		return nil, storage.Errorf(rfserrors.ErrCodeNotADirectory, "list", path, "%s is not a directory", path)
	}

	dirKey := b.dirKey(path)
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(b.bucket),
		Prefix:    aws.String(dirKey),
		Delimiter: aws.String("/"),
	})

	var out []types.FileInfo
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, b.translateError(err, "list", path)
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), dirKey)
			if name == "" {
				continue // the directory's own marker
			}
			out = append(out, types.FileInfo{
				Name:    name,
				Size:    aws.ToInt64(obj.Size),
				ModTime: aws.ToTime(obj.LastModified),
			})
		}
		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), dirKey), "/")
			if name == "" {
				continue
			}
			out = append(out, types.FileInfo{Name: name, IsDir: true})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ReadFile implements storage.Store.
func (b *Backend) ReadFile(ctx context.Context, path string) ([]byte, types.FileInfo, error) {
	path = utils.CleanRemotePath(path)
	if path == "/" {
		return nil, types.FileInfo{}, storage.Errorf(rfserrors.ErrCodeIsADirectory, "read", path, "%s is a directory", path)
	}

	start := time.Now()
	result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(path)),
	})
	b.metrics.RecordMetrics(time.Since(start), err != nil && !isNotFound(err))
	if err != nil {
		if isNotFound(err) {
			if _, isDir, derr := b.dirInfo(ctx, path); derr == nil && isDir {
				return nil, types.FileInfo{}, storage.Errorf(rfserrors.ErrCodeIsADirectory, "read", path, "%s is a directory", path)
			}
		}
		return nil, types.FileInfo{}, b.translateError(err, "read", path)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		b.metrics.RecordError(err)
		return nil, types.FileInfo{}, fmt.Errorf("failed to read object body: %w", err)
	}
	b.metrics.RecordBytesDownloaded(int64(len(data)))

	_, name := utils.SplitRemotePath(path)
	return data, types.FileInfo{
		Name:    name,
		Size:    int64(len(data)),
		ModTime: aws.ToTime(result.LastModified),
	}, nil
}

// WriteFile implements storage.Store. Parent directories are implied by the
// key, so none are created.
func (b *Backend) WriteFile(ctx context.Context, path string, r io.Reader, size int64) error {
	path = utils.CleanRemotePath(path)
	if path == "/" {
		return storage.Errorf(rfserrors.ErrCodeIsADirectory, "write", path, "cannot write the root")
	}
	_, isDir, err := b.dirInfo(ctx, path)
	if err != nil {
		return err
	}
	if isDir {
		return storage.Errorf(rfserrors.ErrCodeIsADirectory, "write", path, "%s is a directory", path)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read upload body: %w", err)
	}
	if size >= 0 && int64(len(data)) != size {
		return storage.Errorf(rfserrors.ErrCodeInvalidArgument, "write", path, "short body: got %d of %d bytes", len(data), size)
	}

	return b.putObject(ctx, path, b.key(path), data)
}

func (b *Backend) putObject(ctx context.Context, path, key string, data []byte) error {
	start := time.Now()
	defer func() {
		b.metrics.RecordMetrics(time.Since(start), false)
	}()

	if b.transporter != nil {
		archive := cargoships3.Archive{
			Key:          key,
			Reader:       bytes.NewReader(data),
			Size:         int64(len(data)),
			StorageClass: awsconfig.StorageClassStandard,
			Metadata: map[string]string{
				"remotefs-path": path,
				"content-type":  detectContentType(key),
			},
		}

		result, uploadErr := b.transporter.Upload(ctx, archive)
		if uploadErr == nil {
			b.logger.WithFields(logrus.Fields{
				"key":        key,
				"size":       len(data),
				"throughput": result.Throughput,
				"duration":   result.Duration,
			}).Debug("CargoShip upload completed")
			b.metrics.RecordUpload(true, false)
			b.metrics.RecordBytesUploaded(int64(len(data)))
			return nil
		}

		b.logger.WithField("key", key).WithError(uploadErr).Warn("CargoShip upload failed, falling back to PutObject")
		b.metrics.RecordUpload(false, true)
	}

	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(detectContentType(key)),
	})
	if err != nil {
		b.metrics.RecordError(err)
		return b.translateError(err, "write", path)
	}
	b.metrics.RecordBytesUploaded(int64(len(data)))
	return nil
}

// Mkdir implements storage.Store by writing a directory marker.
func (b *Backend) Mkdir(ctx context.Context, path string) error {
	path = utils.CleanRemotePath(path)
	if _, err := b.Stat(ctx, path); err == nil {
		return storage.Errorf(rfserrors.ErrCodeAlreadyExists, "mkdir", path, "%s already exists", path)
	} else if rfserrors.CodeOf(err) != rfserrors.ErrCodeNotFound {
		return err
	}

	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(b.dirKey(path)),
		Body:          bytes.NewReader(nil),
		ContentLength: aws.Int64(0),
	})
	if err != nil {
		return b.translateError(err, "mkdir", path)
	}
	return nil
}

// Remove implements storage.Store.
func (b *Backend) Remove(ctx context.Context, path string) error {
	path = utils.CleanRemotePath(path)
	if path == "/" {
		return storage.Errorf(rfserrors.ErrCodeInvalidArgument, "delete", path, "cannot delete the root")
	}

	fi, err := b.Stat(ctx, path)
	if err != nil {
		return err
	}
	if !fi.IsDir {
		if _, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(b.key(path)),
		}); err != nil {
			return b.translateError(err, "delete", path)
		}
		return nil
	}

	keys, err := b.keysUnder(ctx, b.dirKey(path))
	if err != nil {
		return b.translateError(err, "delete", path)
	}
	return b.deleteKeys(ctx, path, keys)
}

// Rename implements storage.Store with copy-then-delete; it is not atomic.
func (b *Backend) Rename(ctx context.Context, from, to string) error {
	replace, err := storage.CheckRename(ctx, b, from, to)
	if err != nil {
		return err
	}
	from, to = utils.CleanRemotePath(from), utils.CleanRemotePath(to)
	if from == to {
		return nil
	}
	if replace {
		if dst, err := b.Stat(ctx, to); err == nil && dst.IsDir {
			if err := b.Remove(ctx, to); err != nil {
				return err
			}
		}
	}

	src, err := b.Stat(ctx, from)
	if err != nil {
		return err
	}
	if !src.IsDir {
		if err := b.copyObject(ctx, b.key(from), b.key(to)); err != nil {
			return b.translateError(err, "rename", from)
		}
		return b.deleteKeys(ctx, from, []string{b.key(from)})
	}

	oldDir, newDir := b.dirKey(from), b.dirKey(to)
	keys, err := b.keysUnder(ctx, oldDir)
	if err != nil {
		return b.translateError(err, "rename", from)
	}
	for _, key := range keys {
		if err := b.copyObject(ctx, key, newDir+strings.TrimPrefix(key, oldDir)); err != nil {
			return b.translateError(err, "rename", from)
		}
	}
	if len(keys) == 0 {
		return nil
	}
	return b.deleteKeys(ctx, from, keys)
}

func (b *Backend) copyObject(ctx context.Context, srcKey, dstKey string) error {
	source := (&url.URL{Path: b.bucket + "/" + srcKey}).EscapedPath()
	_, err := b.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(b.bucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(source),
	})
	return err
}

func (b *Backend) keysUnder(ctx context.Context, prefix string) ([]string, error) {
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	})
	var keys []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

func (b *Backend) deleteKeys(ctx context.Context, path string, keys []string) error {
	for start := 0; start < len(keys); start += deleteBatchSize {
		end := start + deleteBatchSize
		if end > len(keys) {
			end = len(keys)
		}
		ids := make([]s3types.ObjectIdentifier, 0, end-start)
		for _, k := range keys[start:end] {
			ids = append(ids, s3types.ObjectIdentifier{Key: aws.String(k)})
		}
		out, err := b.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(b.bucket),
			Delete: &s3types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return b.translateError(err, "delete", path)
		}
		if len(out.Errors) > 0 {
			first := out.Errors[0]
			return storage.Errorf(rfserrors.ErrCodeInternalError, "delete", path,
				"failed to delete %d objects, first %s: %s", len(out.Errors), aws.ToString(first.Key), aws.ToString(first.Message))
		}
	}
	return nil
}

// dirInfo reports whether path is a directory: either its marker exists or
// some key lies below it.
func (b *Backend) dirInfo(ctx context.Context, path string) (time.Time, bool, error) {
	if utils.CleanRemotePath(path) == "/" {
		return time.Time{}, true, nil
	}
	out, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(b.bucket),
		Prefix:  aws.String(b.dirKey(path)),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return time.Time{}, false, b.translateError(err, "stat", path)
	}
	if len(out.Contents) == 0 {
		return time.Time{}, false, nil
	}
	return aws.ToTime(out.Contents[0].LastModified), true, nil
}

func (b *Backend) key(path string) string {
	return b.prefix + strings.TrimPrefix(utils.CleanRemotePath(path), "/")
}

func (b *Backend) dirKey(path string) string {
	if utils.CleanRemotePath(path) == "/" {
		return b.prefix
	}
	return b.key(path) + "/"
}

func (b *Backend) translateError(err error, op, path string) error {
	switch {
	case isNotFound(err):
		return storage.Errorf(rfserrors.ErrCodeNotFound, op, path, "%s not found", path).WithCause(err)
	case isErrorType[*s3types.NoSuchBucket](err):
		return storage.Errorf(rfserrors.ErrCodeConnectionFailed, op, path, "bucket not found: %s", b.bucket).WithCause(err)
	default:
		b.metrics.RecordError(err)
		return storage.Errorf(rfserrors.ErrCodeInternalError, op, path, "%s failed for %s", op, path).WithCause(err)
	}
}

func isNotFound(err error) bool {
	return isErrorType[*s3types.NoSuchKey](err) || isErrorType[*s3types.NotFound](err)
}

func detectContentType(key string) string {
	switch {
	case strings.HasSuffix(key, "/"):
		return "application/x-directory"
	case strings.HasSuffix(key, ".json"):
		return "application/json"
	case strings.HasSuffix(key, ".xml"):
		return "application/xml"
	case strings.HasSuffix(key, ".html"):
		return "text/html"
	case strings.HasSuffix(key, ".txt"):
		return "text/plain"
	case strings.HasSuffix(key, ".jpg"), strings.HasSuffix(key, ".jpeg"):
		return "image/jpeg"
	case strings.HasSuffix(key, ".png"):
		return "image/png"
	case strings.HasSuffix(key, ".pdf"):
		return "application/pdf"
	default:
		return "application/octet-stream"
	}
}

// isErrorType checks if an error is of a specific type
func isErrorType[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}
