package blobstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

func TestNewValidation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{name: "memory", cfg: Config{Driver: DriverMemory}, ok: true},
		{name: "file", cfg: Config{Driver: DriverFile, Dir: t.TempDir()}, ok: true},
		{name: "file missing dir", cfg: Config{Driver: DriverFile}},
		{name: "s3", cfg: Config{Driver: DriverS3, Bucket: "b", S3Client: &fakeS3Client{}}, ok: true},
		{name: "s3 missing bucket", cfg: Config{Driver: DriverS3, S3Client: &fakeS3Client{}}},
		{name: "s3 missing client", cfg: Config{Driver: DriverS3, Bucket: "b"}},
		{name: "unknown", cfg: Config{Driver: "gcs"}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(tc.cfg)
			if tc.ok && err != nil {
				t.Fatalf("New: %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	for _, cfg := range []Config{
		{Driver: DriverMemory, Prefix: "snapshots"},
		{Driver: DriverFile, Dir: t.TempDir(), Prefix: "snapshots"},
	} {
		s, err := New(cfg)
		if err != nil {
			t.Fatalf("New(%s): %v", cfg.Driver, err)
		}
		ctx := context.Background()

		if _, err := s.Get(ctx, "transfers.json"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("%s: expected ErrNotFound, got %v", cfg.Driver, err)
		}
		if err := s.Put(ctx, "transfers.json", []byte(`[1]`), "application/json"); err != nil {
			t.Fatalf("%s: Put: %v", cfg.Driver, err)
		}
		if err := s.Put(ctx, "transfers.json", []byte(`[1,2]`), "application/json"); err != nil {
			t.Fatalf("%s: Put overwrite: %v", cfg.Driver, err)
		}
		obj, err := s.Get(ctx, "transfers.json")
		if err != nil {
			t.Fatalf("%s: Get: %v", cfg.Driver, err)
		}
		if string(obj.Data) != `[1,2]` || obj.Key != "transfers.json" {
			t.Fatalf("%s: Get: %+v", cfg.Driver, obj)
		}
		if err := s.Delete(ctx, "transfers.json"); err != nil {
			t.Fatalf("%s: Delete: %v", cfg.Driver, err)
		}
		if err := s.Delete(ctx, "transfers.json"); err != nil {
			t.Fatalf("%s: Delete twice: %v", cfg.Driver, err)
		}
	}
}

func TestRejectsInvalidKeys(t *testing.T) {
	t.Parallel()

	s, err := New(Config{Driver: DriverMemory})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, key := range []string{"", " a", "a\n", "../escape", "a/../../b"} {
		if err := s.Put(context.Background(), key, nil, ""); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("Put(%q): expected ErrInvalidKey, got %v", key, err)
		}
	}
}

func TestS3StoreUsesPrefixAndMapsNotFound(t *testing.T) {
	t.Parallel()

	var gotKey string
	client := &fakeS3Client{
		putFn: func(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
			gotKey = aws.ToString(in.Key)
			return &s3.PutObjectOutput{}, nil
		},
		getFn: func(context.Context, *s3.GetObjectInput, ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
			return nil, fakeAPIError{code: "NoSuchKey"}
		},
	}
	s, err := New(Config{Driver: DriverS3, Bucket: "b", Prefix: "/cctp/", S3Client: client})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Put(context.Background(), "transfers.json", []byte("x"), ""); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if gotKey != "cctp/transfers.json" {
		t.Fatalf("key: got %q want %q", gotKey, "cctp/transfers.json")
	}
	if _, err := s.Get(context.Background(), "transfers.json"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestS3StoreMaxGetSize(t *testing.T) {
	t.Parallel()

	client := &fakeS3Client{
		getFn: func(context.Context, *s3.GetObjectInput, ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
			return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader([]byte("0123456789")))}, nil
		},
	}
	s, err := New(Config{Driver: DriverS3, Bucket: "b", S3Client: client, MaxGetSize: 4})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := s.Get(context.Background(), "k"); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

type fakeS3Client struct {
	putFn    func(context.Context, *s3.PutObjectInput, ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	getFn    func(context.Context, *s3.GetObjectInput, ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	deleteFn func(context.Context, *s3.DeleteObjectInput, ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

func (f *fakeS3Client) PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putFn == nil {
		return &s3.PutObjectOutput{}, nil
	}
	return f.putFn(ctx, in, opts...)
}

func (f *fakeS3Client) GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.getFn == nil {
		return nil, fakeAPIError{code: "NoSuchKey"}
	}
	return f.getFn(ctx, in, opts...)
}

func (f *fakeS3Client) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	if f.deleteFn == nil {
		return &s3.DeleteObjectOutput{}, nil
	}
	return f.deleteFn(ctx, in, opts...)
}

type fakeAPIError struct {
	code string
}

func (f fakeAPIError) ErrorCode() string             { return f.code }
func (f fakeAPIError) ErrorMessage() string          { return f.code }
func (f fakeAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultClient }
func (f fakeAPIError) Error() string                 { return f.code }
