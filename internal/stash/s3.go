package stash

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"golang.org/x/sync/errgroup"

	"github.com/anvil-build/anvil/internal/config"
	"github.com/anvil-build/anvil/internal/fsutil"
)

// transferConcurrency bounds parallel object transfers per stash.
const transferConcurrency = 8

// S3 stores stashes in an S3-compatible object store. Each stash occupies an
// object prefix: <key>/manifest.json plus <key>/files/<name> per entry.
type S3 struct {
	client *minio.Client
	bucket string

	ensureOnce sync.Once
	ensureErr  error
}

// NewS3 connects to the object store described by cfg. The bucket is created
// lazily on first use so read-only credentials against an existing bucket
// work without bucket-admin rights.
func NewS3(cfg *config.S3Config) (*S3, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to s3 endpoint %s: %w", cfg.Endpoint, err)
	}
	return &S3{client: client, bucket: cfg.Bucket}, nil
}

func (s *S3) Name() string   { return "s3" }
func (s *S3) ReadOnly() bool { return false }

func (s *S3) manifestObject(key string) string {
	return path.Join(keyPathSegment(key), manifestName)
}

func (s *S3) fileObject(key, name string) string {
	return path.Join(keyPathSegment(key), "files", name)
}

func (s *S3) ensureBucket(ctx context.Context) error {
	s.ensureOnce.Do(func() {
		exists, err := s.client.BucketExists(ctx, s.bucket)
		if err != nil {
			s.ensureErr = fmt.Errorf("checking bucket %s: %w", s.bucket, err)
			return
		}
		if !exists {
			s.ensureErr = s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{})
		}
	})
	return s.ensureErr
}

func (s *S3) Find(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, s.manifestObject(key), minio.StatObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *S3) Materialize(ctx context.Context, key, destDir string) ([]fsutil.FileStat, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.manifestObject(key), minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()
	bs, err := io.ReadAll(obj)
	if err != nil {
		return nil, err
	}
	var m manifest
	if err := json.Unmarshal(bs, &m); err != nil {
		return nil, &CorruptionError{Backend: s.Name(), Key: key, Reason: "unreadable manifest: " + err.Error()}
	}

	stats := make([]fsutil.FileStat, len(m.Entries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(transferConcurrency)
	for i, e := range m.Entries {
		g.Go(func() error {
			dst := joinName(destDir, e.Name)
			if err := s.client.FGetObject(gctx, s.bucket, s.fileObject(key, e.Name), dst, minio.GetObjectOptions{}); err != nil {
				return &CorruptionError{Backend: s.Name(), Key: key, Reason: "missing file " + e.Name}
			}
			st, err := fsutil.Stat(dst)
			if err != nil {
				return err
			}
			if st.Digest != e.Digest {
				return &CorruptionError{Backend: s.Name(), Key: key, Reason: "checksum mismatch on " + e.Name}
			}
			stats[i] = *st
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *S3) Upload(ctx context.Context, key, baseDir string, names []string) error {
	if err := s.ensureBucket(ctx); err != nil {
		return err
	}
	if found, err := s.Find(ctx, key); err != nil {
		return err
	} else if found {
		return nil
	}

	m, err := buildManifest(key, baseDir, names)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(transferConcurrency)
	for _, e := range m.Entries {
		g.Go(func() error {
			_, err := s.client.FPutObject(gctx, s.bucket, s.fileObject(key, e.Name), joinName(baseDir, e.Name), minio.PutObjectOptions{})
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("uploading stash %s: %w", key, err)
	}

	// The manifest goes last: its presence is what marks the stash complete.
	bs, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, s.bucket, s.manifestObject(key), bytes.NewReader(bs), int64(len(bs)),
		minio.PutObjectOptions{ContentType: "application/json"})
	return err
}
