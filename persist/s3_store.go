package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"southwinds.dev/filevault/internal/misc"
)

const (
	ctxTimeout = 10 * time.Second
)

// S3Store implements the Store interface using MinIO as the backend.
//
// S3 object structure:
//
//	bucket/
//	├── [keyPrefix/]keys/key_metadata.json
//	├── [keyPrefix/]data/<name>.vault
//	├── [keyPrefix/]data/manifest.json
//	├── [keyPrefix/]data/integrity.json
//	└── [keyPrefix/]vault.lock
type S3Store struct {
	client     *minio.Client
	bucketName string
	keyPrefix  string
}

// S3Config holds the connection settings for an S3-compatible backend
type S3Config struct {
	Endpoint        string `json:"endpoint"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	UseSSL          bool   `json:"use_ssl"`
	Region          string `json:"region"`
	Bucket          string `json:"bucket"`
	KeyPrefix       string `json:"key_prefix"`
}

// NewS3Store initializes a new S3Store instance using the provided S3
// configuration. It establishes a connection to the server and ensures the
// bucket exists.
func NewS3Store(config S3Config) (*S3Store, error) {
	if config.Bucket == "" {
		return nil, fmt.Errorf("s3 storage requires a bucket name")
	}

	endpoint := strings.TrimPrefix(strings.TrimPrefix(config.Endpoint, "https://"), "http://")

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	store := &S3Store{
		client:     client,
		bucketName: config.Bucket,
		keyPrefix:  config.KeyPrefix,
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if err = store.ensureBucket(ctx); err != nil {
		return nil, err
	}

	return store, nil
}

// NewS3StoreFromConfig creates an S3Store from a generic StoreConfig
func NewS3StoreFromConfig(config StoreConfig) (*S3Store, error) {
	jsonData, err := json.Marshal(config.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal s3 config: %w", err)
	}

	var s3Config S3Config
	if err = json.Unmarshal(jsonData, &s3Config); err != nil {
		return nil, fmt.Errorf("invalid s3 config: %w", err)
	}

	return NewS3Store(s3Config)
}

func (s3s *S3Store) SaveKeyMetadata(data []byte, expectedVersion string) (string, error) {
	return s3s.saveVersioned(s3s.keyMetadataObjectName(), data, expectedVersion, "SaveKeyMetadata")
}

func (s3s *S3Store) LoadKeyMetadata() (*VersionedData, error) {
	return s3s.loadVersioned(s3s.keyMetadataObjectName())
}

func (s3s *S3Store) KeyMetadataExists() (bool, error) {
	return s3s.objectExists(s3s.keyMetadataObjectName())
}

func (s3s *S3Store) SaveManifest(data []byte, expectedVersion string) (string, error) {
	return s3s.saveVersioned(s3s.manifestObjectName(), data, expectedVersion, "SaveManifest")
}

func (s3s *S3Store) LoadManifest() (*VersionedData, error) {
	return s3s.loadVersioned(s3s.manifestObjectName())
}

func (s3s *S3Store) ManifestExists() (bool, error) {
	return s3s.objectExists(s3s.manifestObjectName())
}

func (s3s *S3Store) SaveIntegrityData(data []byte, expectedVersion string) (string, error) {
	return s3s.saveVersioned(s3s.integrityObjectName(), data, expectedVersion, "SaveIntegrityData")
}

func (s3s *S3Store) LoadIntegrityData() (*VersionedData, error) {
	return s3s.loadVersioned(s3s.integrityObjectName())
}

func (s3s *S3Store) IntegrityDataExists() (bool, error) {
	return s3s.objectExists(s3s.integrityObjectName())
}

func (s3s *S3Store) SaveVaultFile(name string, data []byte) error {
	if err := validateVaultFileName(name); err != nil {
		return err
	}
	if data == nil {
		return fmt.Errorf("vault file data cannot be nil")
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	_, err := s3s.client.PutObject(ctx, s3s.bucketName, s3s.vaultFileObjectName(name),
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return fmt.Errorf("failed to save vault file %s: %w", name, err)
	}
	return nil
}

func (s3s *S3Store) LoadVaultFile(name string) ([]byte, error) {
	if err := validateVaultFileName(name); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	object, err := s3s.client.GetObject(ctx, s3s.bucketName, s3s.vaultFileObjectName(name), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get vault file %s: %w", name, err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		if s3s.isNotFoundError(err) {
			return nil, os.ErrNotExist
		}
		return nil, fmt.Errorf("failed to read vault file %s: %w", name, err)
	}
	return data, nil
}

func (s3s *S3Store) VaultFileExists(name string) (bool, error) {
	if err := validateVaultFileName(name); err != nil {
		return false, err
	}
	return s3s.objectExists(s3s.vaultFileObjectName(name))
}

func (s3s *S3Store) ListVaultFiles() ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	prefix := s3s.buildPath("data") + "/"
	var names []string

	for object := range s3s.client.ListObjects(ctx, s3s.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: false,
	}) {
		if object.Err != nil {
			return nil, fmt.Errorf("failed to list vault files: %w", object.Err)
		}
		name := strings.TrimPrefix(object.Key, prefix)
		if strings.HasSuffix(name, ".vault") {
			names = append(names, name)
		}
	}

	sort.Strings(names)
	return names, nil
}

// AcquireLock is a best-effort advisory lock: S3 offers no compare-and-swap,
// so overlapping writers from separate hosts can still race in a narrow
// window. Single-writer discipline on remote stores should be enforced
// operationally as well.
func (s3s *S3Store) AcquireLock(owner string) error {
	if owner == "" {
		return fmt.Errorf("lock owner cannot be empty")
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	lockName := s3s.lockObjectName()

	existing, err := s3s.readLock(ctx, lockName)
	if err == nil {
		if existing.Owner == owner {
			return nil
		}
		if time.Since(existing.AcquiredAt) <= lockStaleAfter {
			return ErrLockHeld
		}
		// Stale lock: fall through and overwrite
	}

	record := lockRecord{
		Owner:      owner,
		PID:        os.Getpid(),
		AcquiredAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal lock record: %w", err)
	}

	_, err = s3s.client.PutObject(ctx, s3s.bucketName, lockName,
		bytes.NewReader(payload), int64(len(payload)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("failed to write lock object: %w", err)
	}
	return nil
}

// ReleaseLock releases the advisory lock if held by owner
func (s3s *S3Store) ReleaseLock(owner string) error {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	lockName := s3s.lockObjectName()

	existing, err := s3s.readLock(ctx, lockName)
	if err != nil {
		if s3s.isNotFoundError(err) {
			return nil
		}
		return fmt.Errorf("failed to read lock object: %w", err)
	}

	if existing.Owner != owner {
		return fmt.Errorf("lock is held by %s, not %s", existing.Owner, owner)
	}

	if err = s3s.client.RemoveObject(ctx, s3s.bucketName, lockName, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to remove lock object: %w", err)
	}
	return nil
}

func (s3s *S3Store) readLock(ctx context.Context, lockName string) (*lockRecord, error) {
	object, err := s3s.client.GetObject(ctx, s3s.bucketName, lockName, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		return nil, err
	}

	var record lockRecord
	if err = json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("corrupt lock object: %w", err)
	}
	return &record, nil
}

func (s3s *S3Store) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	exists, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return fmt.Errorf("s3 connectivity check failed: %w", err)
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", s3s.bucketName)
	}
	return nil
}

func (s3s *S3Store) Close() error {
	// The MinIO client holds no persistent connections that need closing
	return nil
}

func (s3s *S3Store) GetType() string {
	return string(StoreTypeS3)
}

func (s3s *S3Store) saveVersioned(objectName string, data []byte, expectedVersion, operation string) (string, error) {
	if data == nil {
		return "", fmt.Errorf("data cannot be nil")
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if expectedVersion != "" {
		currentVersion, err := s3s.getObjectVersion(ctx, objectName)
		if err != nil {
			return "", fmt.Errorf("failed to check current version: %w", err)
		}
		if currentVersion != expectedVersion {
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   currentVersion,
				Operation:       operation,
			}
		}
	}

	info, err := s3s.client.PutObject(ctx, s3s.bucketName, objectName,
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return "", fmt.Errorf("%s failed: %w", operation, err)
	}

	return s3s.cleanETag(info.ETag), nil
}

func (s3s *S3Store) loadVersioned(objectName string) (*VersionedData, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	stat, err := s3s.client.StatObject(ctx, s3s.bucketName, objectName, minio.StatObjectOptions{})
	if err != nil {
		if s3s.isNotFoundError(err) {
			return nil, os.ErrNotExist
		}
		return nil, fmt.Errorf("failed to stat object %s: %w", objectName, err)
	}

	object, err := s3s.client.GetObject(ctx, s3s.bucketName, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s: %w", objectName, err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", objectName, err)
	}

	return &VersionedData{
		Data:      data,
		Version:   s3s.cleanETag(stat.ETag),
		Timestamp: stat.LastModified,
	}, nil
}

func (s3s *S3Store) objectExists(objectName string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	_, err := s3s.client.StatObject(ctx, s3s.bucketName, objectName, minio.StatObjectOptions{})
	if err != nil {
		if s3s.isNotFoundError(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat object %s: %w", objectName, err)
	}
	return true, nil
}

func (s3s *S3Store) getObjectVersion(ctx context.Context, objectName string) (string, error) {
	stat, err := s3s.client.StatObject(ctx, s3s.bucketName, objectName, minio.StatObjectOptions{})
	if err != nil {
		if s3s.isNotFoundError(err) {
			return "", nil
		}
		return "", err
	}
	return s3s.cleanETag(stat.ETag), nil
}

func (s3s *S3Store) ensureBucket(ctx context.Context) error {
	exists, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		if err = s3s.client.MakeBucket(ctx, s3s.bucketName, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", s3s.bucketName, err)
		}
	}
	return nil
}

func (s3s *S3Store) buildPath(components ...string) string {
	parts := make([]string, 0, len(components)+1)
	if s3s.keyPrefix != "" {
		parts = append(parts, strings.Trim(s3s.keyPrefix, "/"))
	}
	parts = append(parts, components...)
	return strings.Join(parts, "/")
}

func (s3s *S3Store) keyMetadataObjectName() string {
	return s3s.buildPath("keys", "key_metadata.json")
}

func (s3s *S3Store) manifestObjectName() string {
	return s3s.buildPath("data", "manifest.json")
}

func (s3s *S3Store) integrityObjectName() string {
	return s3s.buildPath("data", "integrity.json")
}

func (s3s *S3Store) vaultFileObjectName(name string) string {
	return s3s.buildPath("data", name)
}

func (s3s *S3Store) lockObjectName() string {
	return s3s.buildPath("vault.lock")
}

func (s3s *S3Store) cleanETag(etag string) string {
	return strings.Trim(etag, `"`)
}

func (s3s *S3Store) isNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrNotExist) {
		return true
	}
	var errResp minio.ErrorResponse
	if errors.As(err, &errResp) {
		return errResp.Code == "NoSuchKey" || errResp.Code == "NoSuchBucket" ||
			errResp.StatusCode == 404
	}
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return true
	}
	return misc.IsNotFoundError(err)
}
