package blob

import (
	"context"
	"testing"
)

func TestOpenSelectsDriver(t *testing.T) {
	ctx := context.Background()

	t.Run("default is filesystem", func(t *testing.T) {
		t.Setenv("LINEAGECORE_BLOB_DRIVER", "")
		t.Setenv("LINEAGECORE_BLOB_FS_ROOT", t.TempDir())
		store, err := Open(ctx)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		if store.Driver() != DriverFilesystem {
			t.Fatalf("driver = %q", store.Driver())
		}
	})

	t.Run("memory", func(t *testing.T) {
		t.Setenv("LINEAGECORE_BLOB_DRIVER", "memory")
		store, err := Open(ctx)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		if store.Driver() != DriverMemory {
			t.Fatalf("driver = %q", store.Driver())
		}
	})

	t.Run("s3 requires bucket", func(t *testing.T) {
		t.Setenv("LINEAGECORE_BLOB_DRIVER", "s3")
		t.Setenv("LINEAGECORE_BLOB_S3_BUCKET", "")
		if _, err := Open(ctx); err == nil {
			t.Fatal("s3 without bucket succeeded")
		}
	})

	t.Run("unknown driver", func(t *testing.T) {
		t.Setenv("LINEAGECORE_BLOB_DRIVER", "tape")
		if _, err := Open(ctx); err == nil {
			t.Fatal("unknown driver accepted")
		}
	})
}
