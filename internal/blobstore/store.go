package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

const (
	DriverMemory = "memory"
	DriverFile   = "file"
	DriverS3     = "s3"

	defaultMaxGetSize int64 = 16 << 20
)

var (
	ErrInvalidConfig = errors.New("blobstore: invalid config")
	ErrInvalidKey    = errors.New("blobstore: invalid key")
	ErrNotFound      = errors.New("blobstore: not found")
	ErrTooLarge      = errors.New("blobstore: object too large")
)

// Store persists opaque documents under logical keys.
type Store interface {
	Put(ctx context.Context, key string, payload []byte, contentType string) error
	Get(ctx context.Context, key string) (Object, error)
	Delete(ctx context.Context, key string) error
}

type Object struct {
	Key          string
	Data         []byte
	ContentType  string
	LastModified time.Time
}

type Config struct {
	Driver string
	Prefix string

	// MaxGetSize bounds bytes returned by Get. Defaults to 16 MiB.
	MaxGetSize int64

	// File fields.
	Dir string

	// S3 fields.
	Bucket   string
	S3Client S3Client
}

type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

func New(cfg Config) (Store, error) {
	maxGet := cfg.MaxGetSize
	if maxGet <= 0 {
		maxGet = defaultMaxGetSize
	}
	prefix := strings.Trim(strings.TrimSpace(cfg.Prefix), "/")

	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case DriverMemory:
		return &memoryStore{prefix: prefix, objects: make(map[string]Object)}, nil
	case DriverFile, "":
		dir := strings.TrimSpace(cfg.Dir)
		if dir == "" {
			return nil, fmt.Errorf("%w: file dir is required", ErrInvalidConfig)
		}
		return &fileStore{dir: dir, prefix: prefix, maxGetSize: maxGet}, nil
	case DriverS3:
		bucket := strings.TrimSpace(cfg.Bucket)
		if bucket == "" {
			return nil, fmt.Errorf("%w: s3 bucket is required", ErrInvalidConfig)
		}
		if cfg.S3Client == nil {
			return nil, fmt.Errorf("%w: s3 client is required", ErrInvalidConfig)
		}
		return &s3Store{client: cfg.S3Client, bucket: bucket, prefix: prefix, maxGetSize: maxGet}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func objectKey(prefix, key string) (logical, full string, err error) {
	if key != strings.TrimSpace(key) {
		return "", "", fmt.Errorf("%w: key has leading or trailing whitespace", ErrInvalidKey)
	}
	key = strings.TrimPrefix(key, "/")
	if key == "" {
		return "", "", fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	for _, r := range key {
		if r < 0x20 || r == 0x7f {
			return "", "", fmt.Errorf("%w: key contains control characters", ErrInvalidKey)
		}
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return "", "", fmt.Errorf("%w: key escapes prefix", ErrInvalidKey)
		}
	}
	if prefix == "" {
		return key, key, nil
	}
	return key, prefix + "/" + key, nil
}

type memoryStore struct {
	mu      sync.RWMutex
	prefix  string
	objects map[string]Object
}

func (m *memoryStore) Put(_ context.Context, key string, payload []byte, contentType string) error {
	logical, full, err := objectKey(m.prefix, key)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.objects[full] = Object{
		Key:          logical,
		Data:         append([]byte(nil), payload...),
		ContentType:  strings.TrimSpace(contentType),
		LastModified: time.Now().UTC(),
	}
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) Get(_ context.Context, key string) (Object, error) {
	logical, full, err := objectKey(m.prefix, key)
	if err != nil {
		return Object{}, err
	}
	m.mu.RLock()
	obj, ok := m.objects[full]
	m.mu.RUnlock()
	if !ok {
		return Object{}, fmt.Errorf("%w: %s", ErrNotFound, logical)
	}
	obj.Data = append([]byte(nil), obj.Data...)
	return obj, nil
}

func (m *memoryStore) Delete(_ context.Context, key string) error {
	_, full, err := objectKey(m.prefix, key)
	if err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.objects, full)
	m.mu.Unlock()
	return nil
}

// fileStore writes each object to <dir>/<prefix>/<key>, replacing it atomically.
type fileStore struct {
	dir        string
	prefix     string
	maxGetSize int64
}

func (f *fileStore) path(full string) string {
	return filepath.Join(f.dir, filepath.FromSlash(full))
}

func (f *fileStore) Put(_ context.Context, key string, payload []byte, _ string) error {
	logical, full, err := objectKey(f.prefix, key)
	if err != nil {
		return err
	}
	p := f.path(full)
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return fmt.Errorf("blobstore/file: mkdir %q: %w", logical, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".tmp-*")
	if err != nil {
		return fmt.Errorf("blobstore/file: create %q: %w", logical, err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("blobstore/file: write %q: %w", logical, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("blobstore/file: sync %q: %w", logical, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("blobstore/file: close %q: %w", logical, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return fmt.Errorf("blobstore/file: rename %q: %w", logical, err)
	}
	return nil
}

func (f *fileStore) Get(_ context.Context, key string) (Object, error) {
	logical, full, err := objectKey(f.prefix, key)
	if err != nil {
		return Object{}, err
	}
	fh, err := os.Open(f.path(full))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Object{}, fmt.Errorf("%w: %s", ErrNotFound, logical)
		}
		return Object{}, fmt.Errorf("blobstore/file: open %q: %w", logical, err)
	}
	defer fh.Close()

	st, err := fh.Stat()
	if err != nil {
		return Object{}, fmt.Errorf("blobstore/file: stat %q: %w", logical, err)
	}
	data, err := readLimited(fh, f.maxGetSize, logical)
	if err != nil {
		return Object{}, err
	}
	return Object{Key: logical, Data: data, LastModified: st.ModTime().UTC()}, nil
}

func (f *fileStore) Delete(_ context.Context, key string) error {
	logical, full, err := objectKey(f.prefix, key)
	if err != nil {
		return err
	}
	if err := os.Remove(f.path(full)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("blobstore/file: delete %q: %w", logical, err)
	}
	return nil
}

type s3Store struct {
	client     S3Client
	bucket     string
	prefix     string
	maxGetSize int64
}

func (s *s3Store) Put(ctx context.Context, key string, payload []byte, contentType string) error {
	logical, full, err := objectKey(s.prefix, key)
	if err != nil {
		return err
	}
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(full),
		Body:   bytes.NewReader(payload),
	}
	if ct := strings.TrimSpace(contentType); ct != "" {
		input.ContentType = aws.String(ct)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("blobstore/s3: put %q: %w", logical, err)
	}
	return nil
}

func (s *s3Store) Get(ctx context.Context, key string) (Object, error) {
	logical, full, err := objectKey(s.prefix, key)
	if err != nil {
		return Object{}, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(full),
	})
	if err != nil {
		if isNotFound(err) {
			return Object{}, fmt.Errorf("%w: %s", ErrNotFound, logical)
		}
		return Object{}, fmt.Errorf("blobstore/s3: get %q: %w", logical, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := readLimited(out.Body, s.maxGetSize, logical)
	if err != nil {
		return Object{}, err
	}
	return Object{
		Key:          logical,
		Data:         data,
		ContentType:  aws.ToString(out.ContentType),
		LastModified: aws.ToTime(out.LastModified),
	}, nil
}

func (s *s3Store) Delete(ctx context.Context, key string) error {
	logical, full, err := objectKey(s.prefix, key)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(full),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("blobstore/s3: delete %q: %w", logical, err)
	}
	return nil
}

func readLimited(r io.Reader, maxBytes int64, key string) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("blobstore: read %q: %w", key, err)
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: key %q exceeds max %d bytes", ErrTooLarge, key, maxBytes)
	}
	return data, nil
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "NoSuchKey", "NotFound", "404":
		return true
	default:
		return false
	}
}
