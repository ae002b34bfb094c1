// Package blob hands out presigned upload URLs for evidence files and checks
// that uploaded objects exist before evidence rows reference them.
package blob

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"rentshield/api/internal/util"
)

const refScheme = "s3://"

var ErrForeignRef = errors.New("file reference is not in the evidence bucket")

type Store struct {
	client *minio.Client
	bucket string
	ttl    time.Duration
}

// Options mirrors the blob section of the service config.
type Options struct {
	Endpoint   string
	Region     string
	Bucket     string
	AccessKey  string
	SecretKey  string
	UseSSL     bool
	PresignTTL time.Duration
}

// New connects to the object store and creates the bucket when missing.
func New(ctx context.Context, opts Options) (*Store, error) {
	cli, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := cli.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", opts.Bucket, err)
	}
	if !exists {
		if err := cli.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{Region: opts.Region}); err != nil {
			return nil, fmt.Errorf("make bucket %s: %w", opts.Bucket, err)
		}
	}

	return NewWithClient(cli, opts.Bucket, opts.PresignTTL), nil
}

func NewWithClient(client *minio.Client, bucket string, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Store{client: client, bucket: bucket, ttl: ttl}
}

// Upload is a presigned PUT the client performs before attaching evidence.
type Upload struct {
	Method    string    `json:"method"`
	URL       string    `json:"url"`
	FileRef   string    `json:"fileRef"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ObjectInfo is what the store knows about an uploaded object.
type ObjectInfo struct {
	SizeBytes   int64
	ContentType string
}

// PresignUpload returns a PUT URL under issues/<issueID>/.
func (s *Store) PresignUpload(ctx context.Context, issueID, filename string) (Upload, error) {
	key := ObjectKey(issueID, util.NewID("ev"), filename)
	signed, err := s.client.PresignedPutObject(ctx, s.bucket, key, s.ttl)
	if err != nil {
		return Upload{}, fmt.Errorf("presign upload: %w", err)
	}
	return Upload{
		Method:    "PUT",
		URL:       signed.String(),
		FileRef:   s.Ref(key),
		ExpiresAt: time.Now().UTC().Add(s.ttl),
	}, nil
}

// Ref renders the canonical file reference for key.
func (s *Store) Ref(key string) string {
	return refScheme + s.bucket + "/" + key
}

// Owns reports whether fileRef points into this store's bucket.
func (s *Store) Owns(fileRef string) bool {
	_, err := s.keyOf(fileRef)
	return err == nil
}

func (s *Store) keyOf(fileRef string) (string, error) {
	prefix := refScheme + s.bucket + "/"
	if !strings.HasPrefix(fileRef, prefix) {
		return "", ErrForeignRef
	}
	key := strings.TrimPrefix(fileRef, prefix)
	if key == "" {
		return "", ErrForeignRef
	}
	return key, nil
}

// Stat looks up an uploaded object by file reference.
func (s *Store) Stat(ctx context.Context, fileRef string) (ObjectInfo, error) {
	key, err := s.keyOf(fileRef)
	if err != nil {
		return ObjectInfo{}, err
	}
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("stat %s: %w", key, err)
	}
	return ObjectInfo{SizeBytes: info.Size, ContentType: info.ContentType}, nil
}

// ObjectKey builds issues/<issueID>/<evidenceID>/<name> with the file name
// reduced to a safe base name.
func ObjectKey(issueID, evidenceID, filename string) string {
	name := path.Base(strings.ReplaceAll(strings.TrimSpace(filename), "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = "upload"
	}
	name = url.PathEscape(name)
	return path.Join("issues", issueID, evidenceID, name)
}
