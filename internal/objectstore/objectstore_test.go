package objectstore

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLFSKeyBalancesDirectories(t *testing.T) {
	assert.Equal(t, "lfs/ab/cd/abcdef0123", LFSKey("abcdef0123"))
	assert.Equal(t, "lfs/xy", LFSKey("xy"))
}

func TestSha256HexToBase64EncodesAndRejectsBadHex(t *testing.T) {
	b64, err := Sha256HexToBase64("deadbeef")
	require.NoError(t, err)
	assert.NotEmpty(t, b64)

	_, err = Sha256HexToBase64("not-hex!!")
	assert.Error(t, err)
}

func TestChecksumSHA256IsDeterministic(t *testing.T) {
	assert.Equal(t, ChecksumSHA256([]byte("hello")), ChecksumSHA256([]byte("hello")))
	assert.NotEqual(t, ChecksumSHA256([]byte("hello")), ChecksumSHA256([]byte("world")))
}

func TestContentDispositionEscapesNonASCII(t *testing.T) {
	header := ContentDisposition("模型.bin")
	assert.Contains(t, header, `attachment; filename="`)
	assert.Contains(t, header, "filename*=UTF-8''")
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(context.Background(), Config{
		Endpoint:       "http://127.0.0.1:19999",
		PublicEndpoint: "https://cdn.example.com",
		AccessKey:      "ak", SecretKey: "sk",
		Bucket: "test-bucket", Region: "us-east-1", ForcePathStyle: true,
	})
	require.NoError(t, err)
	return s
}

func TestGenerateUploadURLRewritesToPublicEndpoint(t *testing.T) {
	s := newTestStore(t)
	upload, err := s.GenerateUploadURL(context.Background(), "lfs/ab/cd/abcd", time.Hour, "application/octet-stream", "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(upload.URL, "https://cdn.example.com/"))
}

func TestGenerateDownloadURLSetsContentDisposition(t *testing.T) {
	s := newTestStore(t)
	url, err := s.GenerateDownloadURL(context.Background(), "lfs/ab/cd/abcd", time.Hour, "model.bin")
	require.NoError(t, err)
	assert.Contains(t, url, "response-content-disposition")
}

func TestRewritePublicLeavesURLUnchangedWithoutPublicBase(t *testing.T) {
	s := &Store{}
	raw := "http://internal:9000/bucket/key"
	assert.Equal(t, raw, s.rewritePublic(raw))
}
