// Package objectstore wraps an S3-compatible bucket for presigned
// direct-to-storage uploads and downloads, per spec.md §4.5. New builds
// the presign-first, credential-aware store from a plain Config struct.
package objectstore

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Config carries the `s3.*` configuration namespace.
type Config struct {
	Endpoint         string
	PublicEndpoint   string
	AccessKey        string
	SecretKey        string
	Bucket           string
	Region           string
	ForcePathStyle   bool
}

// Store is a thin S3-compatible client specialized for the presigned
// upload/download flow the registry's upload pipeline needs.
type Store struct {
	client      *s3.Client
	presign     *s3.PresignClient
	uploader    *manager.Uploader
	bucket      string
	publicBase  string
}

// New builds a Store against the configured S3-compatible endpoint,
// following the credential/region/path-style wiring pattern common to
// the example pack's own S3 client construction.
func New(ctx context.Context, cfg Config) (*Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	return &Store{
		client:     client,
		presign:    s3.NewPresignClient(client),
		uploader:   manager.NewUploader(client),
		bucket:     cfg.Bucket,
		publicBase: strings.TrimSuffix(cfg.PublicEndpoint, "/"),
	}, nil
}

// LFSKey computes the balanced two-level directory layout LFS objects
// are stored under, e.g. "lfs/ab/cd/abcd...".
func LFSKey(oid string) string {
	if len(oid) < 4 {
		return "lfs/" + oid
	}
	return fmt.Sprintf("lfs/%s/%s/%s", oid[:2], oid[2:4], oid)
}

// Sha256HexToBase64 converts a hex sha256 digest to the base64 form S3
// checksum headers expect.
func Sha256HexToBase64(hexDigest string) (string, error) {
	raw, err := hex.DecodeString(hexDigest)
	if err != nil {
		return "", fmt.Errorf("decode sha256 hex: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// PresignedUpload is a presigned PUT plus the headers the client must
// send along with it.
type PresignedUpload struct {
	URL       string
	Headers   map[string]string
	ExpiresAt time.Time
}

// GenerateUploadURL presigns a PUT for key, optionally binding a
// sha256 checksum so S3 rejects corrupted uploads.
func (s *Store) GenerateUploadURL(ctx context.Context, key string, expiresIn time.Duration, contentType, checksumSHA256Base64 string) (*PresignedUpload, error) {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	}
	headers := map[string]string{"Content-Type": contentType}
	if checksumSHA256Base64 != "" {
		input.ChecksumSHA256 = aws.String(checksumSHA256Base64)
		input.ChecksumAlgorithm = types.ChecksumAlgorithmSha256
		headers["x-amz-checksum-sha256"] = checksumSHA256Base64
	}

	req, err := s.presign.PresignPutObject(ctx, input, s3.WithPresignExpires(expiresIn))
	if err != nil {
		return nil, fmt.Errorf("presign upload: %w", err)
	}
	return &PresignedUpload{
		URL:       s.rewritePublic(req.URL),
		Headers:   headers,
		ExpiresAt: time.Now().UTC().Add(expiresIn),
	}, nil
}

// GenerateDownloadURL presigns a GET for key, optionally overriding the
// response Content-Disposition header (RFC 5987 encoded, per spec §4.5's
// non-ASCII filename requirement).
func (s *Store) GenerateDownloadURL(ctx context.Context, key string, expiresIn time.Duration, downloadFilename string) (string, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}
	if downloadFilename != "" {
		input.ResponseContentDisposition = aws.String(ContentDisposition(downloadFilename))
	}
	req, err := s.presign.PresignGetObject(ctx, input, s3.WithPresignExpires(expiresIn))
	if err != nil {
		return "", fmt.Errorf("presign download: %w", err)
	}
	return s.rewritePublic(req.URL), nil
}

// ContentDisposition builds an RFC 5987 compliant attachment header
// that survives non-ASCII filenames.
func ContentDisposition(filename string) string {
	return fmt.Sprintf(`attachment; filename="%s"; filename*=UTF-8''%s`,
		asciiFallback(filename), url.PathEscape(filename))
}

func asciiFallback(filename string) string {
	b := make([]byte, 0, len(filename))
	for _, r := range filename {
		if r >= 32 && r < 127 && r != '"' {
			b = append(b, byte(r))
		} else {
			b = append(b, '_')
		}
	}
	return string(b)
}

// rewritePublic swaps the internal endpoint host for a configured
// public-facing one, used when storage is reachable internally on a
// different address than clients use.
func (s *Store) rewritePublic(rawURL string) string {
	if s.publicBase == "" {
		return rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	pub, err := url.Parse(s.publicBase)
	if err != nil {
		return rawURL
	}
	u.Scheme = pub.Scheme
	u.Host = pub.Host
	return u.String()
}

// ObjectExists reports whether key exists in the bucket.
func (s *Store) ObjectExists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Metadata is the subset of HEAD-object fields callers need.
type Metadata struct {
	Size         int64
	ETag         string
	ContentType  string
}

// GetObjectMetadata HEADs an object for its size and etag.
func (s *Store) GetObjectMetadata(ctx context.Context, key string) (*Metadata, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		return nil, err
	}
	m := &Metadata{}
	if out.ContentLength != nil {
		m.Size = *out.ContentLength
	}
	if out.ETag != nil {
		m.ETag = strings.Trim(*out.ETag, `"`)
	}
	if out.ContentType != nil {
		m.ContentType = *out.ContentType
	}
	return m, nil
}

// DeleteObject removes a single key.
func (s *Store) DeleteObject(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	return err
}

// DeleteObjectsWithPrefix lists and batch-deletes every key under
// prefix, used when a repository is removed.
func (s *Store) DeleteObjectsWithPrefix(ctx context.Context, prefix string) (int, error) {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	deleted := 0
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return deleted, err
		}
		if len(page.Contents) == 0 {
			continue
		}
		var ids []types.ObjectIdentifier
		for _, obj := range page.Contents {
			ids = append(ids, types.ObjectIdentifier{Key: obj.Key})
		}
		_, err = s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: ids},
		})
		if err != nil {
			return deleted, err
		}
		deleted += len(ids)
	}
	return deleted, nil
}

// CopyFolder copies every object under srcPrefix to dstPrefix, used by
// fork/duplicate-style operations that clone a repository's storage.
func (s *Store) CopyFolder(ctx context.Context, srcPrefix, dstPrefix string) (int, error) {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(srcPrefix),
	})
	copied := 0
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return copied, err
		}
		for _, obj := range page.Contents {
			dstKey := dstPrefix + strings.TrimPrefix(*obj.Key, srcPrefix)
			_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
				Bucket:     aws.String(s.bucket),
				Key:        aws.String(dstKey),
				CopySource: aws.String(url.PathEscape(s.bucket + "/" + *obj.Key)),
			})
			if err != nil {
				return copied, err
			}
			copied++
		}
	}
	return copied, nil
}

// PutSmall uploads small, non-presigned content directly (used for
// server-synthesized files like README scaffolding), via the
// multipart-aware manager.Uploader the teacher pack favors for writes.
func (s *Store) PutSmall(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        strings.NewReader(string(body)),
		ContentType: aws.String(contentType),
	})
	return err
}

func isNotFound(err error) bool {
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	if httpErr, ok := err.(interface{ HTTPStatusCode() int }); ok {
		return httpErr.HTTPStatusCode() == http.StatusNotFound
	}
	return false
}

// ChecksumSHA256 is exposed for callers needing a content digest
// before they have an S3 client in scope.
func ChecksumSHA256(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
