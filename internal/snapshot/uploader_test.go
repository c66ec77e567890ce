package snapshot

import (
	"context"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyperengineering/tablesync/internal/config"
)

// --- NoopUploader Tests ---

func TestNoopUploader_Upload_IsNoOp(t *testing.T) {
	u := &NoopUploader{}
	if err := u.Upload(context.Background(), "device-1", "/some/path"); err != nil {
		t.Errorf("NoopUploader.Upload() should not error, got %v", err)
	}
}

func TestNoopUploader_DownloadAndPresign_ReturnErrNotConfigured(t *testing.T) {
	u := &NoopUploader{}
	if err := u.Download(context.Background(), "device-1", "/some/path"); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Download() error = %v, want ErrNotConfigured", err)
	}
	if _, _, err := u.PresignedURL(context.Background(), "device-1"); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("PresignedURL() error = %v, want ErrNotConfigured", err)
	}
}

// --- NewUploader factory tests ---

func TestNewUploader_EmptyBucket_ReturnsNoopUploader(t *testing.T) {
	u, err := NewUploader(config.BackupConfig{})
	if err != nil {
		t.Fatalf("NewUploader() error = %v", err)
	}
	if _, ok := u.(*NoopUploader); !ok {
		t.Errorf("expected *NoopUploader, got %T", u)
	}
}

func TestNewUploader_WithBucket_ReturnsS3Uploader(t *testing.T) {
	cfg := config.BackupConfig{
		Bucket:    "test-bucket",
		Endpoint:  "http://localhost:9000",
		Region:    "us-east-1",
		UseSSL:    nil, // nil = defaults to true, scheme wins
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
	}

	u, err := NewUploader(cfg)
	if err != nil {
		t.Fatalf("NewUploader() error = %v", err)
	}

	s3u, ok := u.(*S3Uploader)
	if !ok {
		t.Fatalf("expected *S3Uploader, got %T", u)
	}
	if s3u.bucket != "test-bucket" {
		t.Errorf("bucket = %q, want %q", s3u.bucket, "test-bucket")
	}
	if s3u.urlExpiry != DefaultURLExpiry {
		t.Errorf("urlExpiry = %v, want %v", s3u.urlExpiry, DefaultURLExpiry)
	}
}

// --- S3Uploader with mock client tests ---

// mockS3Client implements s3Client for testing.
type mockS3Client struct {
	uploadCalled   bool
	uploadErr      error
	downloadErr    error
	presignURL     *url.URL
	presignErr     error
	lastBucket     string
	lastObjectName string
	lastFilePath   string
}

func (m *mockS3Client) FPutObject(ctx context.Context, bucket, objectName, filePath string) error {
	m.uploadCalled = true
	m.lastBucket = bucket
	m.lastObjectName = objectName
	m.lastFilePath = filePath
	return m.uploadErr
}

func (m *mockS3Client) FGetObject(ctx context.Context, bucket, objectName, filePath string) error {
	m.lastBucket = bucket
	m.lastObjectName = objectName
	m.lastFilePath = filePath
	if m.downloadErr != nil {
		return m.downloadErr
	}
	return os.WriteFile(filePath, []byte("downloaded"), 0644)
}

func (m *mockS3Client) PresignedGetObject(ctx context.Context, bucket, objectName string, expiry time.Duration) (*url.URL, error) {
	m.lastBucket = bucket
	m.lastObjectName = objectName
	if m.presignErr != nil {
		return nil, m.presignErr
	}
	if m.presignURL != nil {
		return m.presignURL, nil
	}
	return url.Parse("https://s3.example.com/" + bucket + "/" + objectName + "?presigned=true")
}

func newMockUploader(mock *mockS3Client) *S3Uploader {
	return &S3Uploader{client: mock, bucket: "test-bucket", urlExpiry: 15 * time.Minute}
}

func TestS3Uploader_Upload_Success(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "current.db")
	if err := os.WriteFile(filePath, []byte("test data"), 0644); err != nil {
		t.Fatalf("write test file: %v", err)
	}

	mock := &mockS3Client{}
	u := newMockUploader(mock)

	if err := u.Upload(context.Background(), "device-1", filePath); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	if !mock.uploadCalled {
		t.Error("expected FPutObject to be called")
	}
	if mock.lastBucket != "test-bucket" {
		t.Errorf("bucket = %q, want %q", mock.lastBucket, "test-bucket")
	}
	if mock.lastObjectName != "device-1/snapshot/current.db" {
		t.Errorf("objectName = %q, want %q", mock.lastObjectName, "device-1/snapshot/current.db")
	}
	if mock.lastFilePath != filePath {
		t.Errorf("filePath = %q, want %q", mock.lastFilePath, filePath)
	}
}

func TestS3Uploader_Upload_Error(t *testing.T) {
	mock := &mockS3Client{uploadErr: errors.New("network timeout")}
	u := newMockUploader(mock)

	err := u.Upload(context.Background(), "device-1", "/path/to/file.db")
	if !errors.Is(err, mock.uploadErr) {
		t.Errorf("expected wrapped network timeout error, got %v", err)
	}
}

func TestS3Uploader_Download(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "restored.db")
	mock := &mockS3Client{}
	u := newMockUploader(mock)

	if err := u.Download(context.Background(), "device-1", dest); err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read restored file: %v", err)
	}
	if string(data) != "downloaded" {
		t.Errorf("restored content = %q", data)
	}
	if mock.lastObjectName != "device-1/snapshot/current.db" {
		t.Errorf("objectName = %q", mock.lastObjectName)
	}

	mock.downloadErr = errors.New("no such key")
	if err := u.Download(context.Background(), "device-1", dest); !errors.Is(err, mock.downloadErr) {
		t.Errorf("Download() error = %v, want wrapped no such key", err)
	}
}

func TestS3Uploader_PresignedURL_Success(t *testing.T) {
	expectedURL, _ := url.Parse("https://s3.example.com/bucket/device-1/snapshot/current.db?token=abc")
	mock := &mockS3Client{presignURL: expectedURL}
	u := newMockUploader(mock)

	urlStr, expiry, err := u.PresignedURL(context.Background(), "device-1")
	if err != nil {
		t.Fatalf("PresignedURL() error = %v", err)
	}
	if urlStr != expectedURL.String() {
		t.Errorf("url = %q, want %q", urlStr, expectedURL.String())
	}

	expectedExpiry := time.Now().Add(15 * time.Minute)
	if expiry.Before(expectedExpiry.Add(-time.Second)) || expiry.After(expectedExpiry.Add(time.Second)) {
		t.Errorf("expiry = %v, want approximately %v", expiry, expectedExpiry)
	}
}

func TestS3Uploader_PresignedURL_Error(t *testing.T) {
	u := newMockUploader(&mockS3Client{presignErr: errors.New("access denied")})

	if _, _, err := u.PresignedURL(context.Background(), "device-1"); err == nil {
		t.Fatal("PresignedURL() expected error, got nil")
	}
}

func TestStripScheme(t *testing.T) {
	tests := []struct {
		name     string
		endpoint string
		wantHost string
		wantSSL  bool
	}{
		{"bare host", "s3.example.com", "s3.example.com", true},
		{"bare host:port", "minio:9000", "minio:9000", true},
		{"https URL", "https://s3.example.com", "s3.example.com", true},
		{"http URL", "http://minio:9000", "minio:9000", false},
		{"http with port", "http://localhost:9000", "localhost:9000", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ssl := true
			got := stripScheme(tt.endpoint, &ssl)
			if got != tt.wantHost {
				t.Errorf("stripScheme(%q) host = %q, want %q", tt.endpoint, got, tt.wantHost)
			}
			if ssl != tt.wantSSL {
				t.Errorf("stripScheme(%q) ssl = %v, want %v", tt.endpoint, ssl, tt.wantSSL)
			}
		})
	}
}

func TestObjectKey_Format(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"tablesync", "tablesync/snapshot/current.db"},
		{"device-1", "device-1/snapshot/current.db"},
		{"org/device", "org/device/snapshot/current.db"},
	}

	for _, tt := range tests {
		if got := objectKey(tt.name); got != tt.want {
			t.Errorf("objectKey(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}
