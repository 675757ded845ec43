package persist

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	testAccessKey = "minioadmin"
	testSecretKey = "minioadmin"
)

func TestS3Store(t *testing.T) {
	endpoint := os.Getenv("S3_MINIO_ENDPOINT")
	if len(endpoint) == 0 {
		ctx := context.Background()

		req := testcontainers.ContainerRequest{
			Image:        "minio/minio:latest",
			ExposedPorts: []string{"9000/tcp"},
			Env: map[string]string{
				"MINIO_ROOT_USER":     testAccessKey,
				"MINIO_ROOT_PASSWORD": testSecretKey,
			},
			Cmd:        []string{"server", "/data"},
			WaitingFor: wait.ForHTTP("/minio/health/live").WithPort("9000/tcp"),
		}

		minioContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
		if err != nil {
			t.Fatalf("Failed to start MinIO container: %v", err)
		}

		defer func() {
			if err = minioContainer.Terminate(ctx); err != nil {
				t.Logf("Warning: Failed to terminate MinIO container: %v", err)
			}
		}()

		mappedPort, err := minioContainer.MappedPort(ctx, "9000")
		if err != nil {
			t.Fatalf("Failed to get mapped port: %v", err)
		}

		os.Setenv("S3_MINIO_ENDPOINT", fmt.Sprintf("http://localhost:%s", mappedPort.Port()))
	}

	t.Run("runS3StoreTest", func(t *testing.T) {
		runS3StoreTest(t)
	})
}

func runS3StoreTest(t *testing.T) {
	bucketName := os.Getenv("S3_BUCKET")
	if bucketName == "" {
		bucketName = "test-filevault-store"
	}

	endpointURL := os.Getenv("S3_MINIO_ENDPOINT")
	if endpointURL == "" {
		t.Fatal("S3_MINIO_ENDPOINT not set - this should be configured by the testcontainer setup")
	}

	store, err := NewS3Store(S3Config{
		Endpoint:        endpointURL,
		AccessKeyID:     testAccessKey,
		SecretAccessKey: testSecretKey,
		UseSSL:          strings.HasPrefix(endpointURL, "https://"),
		Bucket:          bucketName,
		KeyPrefix:       "vault-test",
	})
	if err != nil {
		t.Fatalf("Failed to create S3 store: %v", err)
	}
	defer store.Close()

	if err = store.Ping(); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}

	t.Run("KeyMetadata", func(t *testing.T) {
		exists, err := store.KeyMetadataExists()
		if err != nil {
			t.Fatalf("exists check failed: %v", err)
		}
		if exists {
			t.Fatal("expected no key metadata in fresh bucket")
		}

		version, err := store.SaveKeyMetadata([]byte(`{"active_version":1}`), "")
		if err != nil {
			t.Fatalf("save failed: %v", err)
		}

		vd, err := store.LoadKeyMetadata()
		if err != nil {
			t.Fatalf("load failed: %v", err)
		}
		if string(vd.Data) != `{"active_version":1}` {
			t.Fatalf("unexpected data: %s", vd.Data)
		}
		if vd.Version != version {
			t.Fatalf("version mismatch: saved %s, loaded %s", version, vd.Version)
		}
	})

	t.Run("VersionConflict", func(t *testing.T) {
		v1, err := store.SaveManifest([]byte(`{"total_files":0}`), "")
		if err != nil {
			t.Fatalf("initial save failed: %v", err)
		}

		if _, err = store.SaveManifest([]byte(`{"total_files":1}`), v1); err != nil {
			t.Fatalf("save with correct version failed: %v", err)
		}

		_, err = store.SaveManifest([]byte(`{"total_files":2}`), v1)
		var conflict ConcurrencyError
		if !errors.As(err, &conflict) {
			t.Fatalf("expected ConcurrencyError, got %v", err)
		}
	})

	t.Run("VaultFiles", func(t *testing.T) {
		if err := store.SaveVaultFile("b.vault", []byte("bbb")); err != nil {
			t.Fatalf("save failed: %v", err)
		}
		if err := store.SaveVaultFile("a.vault", []byte("aaa")); err != nil {
			t.Fatalf("save failed: %v", err)
		}

		names, err := store.ListVaultFiles()
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		if len(names) != 2 || names[0] != "a.vault" || names[1] != "b.vault" {
			t.Fatalf("expected sorted [a.vault b.vault], got %v", names)
		}

		data, err := store.LoadVaultFile("a.vault")
		if err != nil {
			t.Fatalf("load failed: %v", err)
		}
		if string(data) != "aaa" {
			t.Fatalf("unexpected content: %s", data)
		}
	})

	t.Run("Locking", func(t *testing.T) {
		if err := store.AcquireLock("owner-a"); err != nil {
			t.Fatalf("first acquire failed: %v", err)
		}
		if err := store.AcquireLock("owner-a"); err != nil {
			t.Fatalf("reentrant acquire failed: %v", err)
		}
		if err := store.AcquireLock("owner-b"); !errors.Is(err, ErrLockHeld) {
			t.Fatalf("expected ErrLockHeld for second owner, got %v", err)
		}
		if err := store.ReleaseLock("owner-a"); err != nil {
			t.Fatalf("release failed: %v", err)
		}
		if err := store.AcquireLock("owner-b"); err != nil {
			t.Fatalf("acquire after release failed: %v", err)
		}
		if err := store.ReleaseLock("owner-b"); err != nil {
			t.Fatalf("final release failed: %v", err)
		}
	})
}
