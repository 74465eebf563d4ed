package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
	"github.com/xeroflowhq/receipts_backend/config"
	"github.com/xeroflowhq/receipts_backend/utils"
)

// Artifact locations. Every key is <tenantId>/<location>/<name>.
const (
	LocationUploads    = "uploads"
	LocationProcessing = "processing"
	LocationJSON       = "json"
	LocationComplete   = "complete"
	LocationFailed     = "failed"
)

var (
	ErrArtifactNotFound = errors.New("artifact not found at source")
	ErrArtifactConflict = errors.New("artifact move already in progress")
)

func ArtifactKey(tenantId, location, name string) string {
	return tenantId + "/" + location + "/" + name
}

// releaser is what a held lease exposes. *redislock.Lock satisfies it.
type releaser interface {
	Release(ctx context.Context) error
}

type lockFunc func(ctx context.Context, key string, ttl time.Duration) (releaser, error)

// BlobLifecycle moves receipt artifacts between lifecycle locations.
// Object stores have no atomic cross-location move, so each move runs as
// copy-then-verify-then-delete-source under a per-artifact lease; RepairMove
// resolves half-completed moves left by a crash.
type BlobLifecycle struct {
	Store  utils.ObjectStore
	Logger *logrus.Logger

	obtainLock lockFunc
}

func NewBlobLifecycle(store utils.ObjectStore, logger *logrus.Logger) *BlobLifecycle {
	locker := config.GetRedisLock()
	return &BlobLifecycle{
		Store:  store,
		Logger: logger,
		obtainLock: func(ctx context.Context, key string, ttl time.Duration) (releaser, error) {
			lock, err := locker.Obtain(ctx, key, ttl, nil)
			if err == redislock.ErrNotObtained {
				return nil, utils.ConflictError(ErrArtifactConflict)
			}
			if err != nil {
				return nil, utils.TransientError(err)
			}
			return lock, nil
		},
	}
}

// Move relocates an artifact from srcKey to dstKey. On return the artifact
// exists at exactly one of the two keys: dstKey on success, srcKey when any
// step before the source delete failed. A lease on the artifact excludes
// concurrent movers of the same receipt.
func (b *BlobLifecycle) Move(ctx context.Context, tenantId, srcKey, dstKey string) error {
	if err := checkTenantKey(tenantId, srcKey); err != nil {
		return err
	}
	if err := checkTenantKey(tenantId, dstKey); err != nil {
		return err
	}

	lock, err := b.obtainLock(ctx, moveLockKey(tenantId, srcKey), 30*time.Second)
	if err != nil {
		return err
	}
	defer lock.Release(context.WithoutCancel(ctx))

	srcExists, err := b.Store.Exists(ctx, srcKey)
	if err != nil {
		return utils.TransientError(err)
	}
	if !srcExists {
		// A previous move may have finished the copy and crashed before (or
		// after) deleting the source. Destination present means done.
		dstExists, err := b.Store.Exists(ctx, dstKey)
		if err != nil {
			return utils.TransientError(err)
		}
		if dstExists {
			return nil
		}
		return utils.PermanentInputError(ErrArtifactNotFound)
	}

	if err := b.Store.Copy(ctx, srcKey, dstKey); err != nil {
		return utils.TransientError(err)
	}

	// Verify before destroying the source.
	dstExists, err := b.Store.Exists(ctx, dstKey)
	if err != nil {
		return utils.TransientError(err)
	}
	if !dstExists {
		return utils.TransientError(fmt.Errorf("copy to %s not visible", dstKey))
	}

	if err := b.Store.Delete(ctx, srcKey); err != nil {
		// Artifact now exists at both keys. The recovery sweep resolves this;
		// report it so the caller retries the move (which is a no-op copy
		// plus the pending delete).
		return utils.TransientError(fmt.Errorf("source delete after copy failed: %w", err))
	}
	return nil
}

// RepairMove finishes a move interrupted between copy and delete. Present at
// both keys: delete the source. Present at neither: unrecoverable, the
// artifact is gone.
func (b *BlobLifecycle) RepairMove(ctx context.Context, tenantId, srcKey, dstKey string) error {
	lock, err := b.obtainLock(ctx, moveLockKey(tenantId, srcKey), 30*time.Second)
	if err != nil {
		return err
	}
	defer lock.Release(context.WithoutCancel(ctx))

	srcExists, err := b.Store.Exists(ctx, srcKey)
	if err != nil {
		return utils.TransientError(err)
	}
	dstExists, err := b.Store.Exists(ctx, dstKey)
	if err != nil {
		return utils.TransientError(err)
	}

	switch {
	case srcExists && dstExists:
		if err := b.Store.Delete(ctx, srcKey); err != nil {
			return utils.TransientError(err)
		}
		return nil
	case !srcExists && !dstExists:
		return utils.PermanentInputError(ErrArtifactNotFound)
	default:
		return nil
	}
}

// Write stores intermediate JSON for a receipt (extraction output).
func (b *BlobLifecycle) Write(ctx context.Context, tenantId, key string, content []byte, contentType string) error {
	if err := checkTenantKey(tenantId, key); err != nil {
		return err
	}
	if err := b.Store.Write(ctx, key, content, contentType); err != nil {
		return utils.TransientError(err)
	}
	return nil
}

// Read fetches artifact bytes for a tenant-owned key.
func (b *BlobLifecycle) Read(ctx context.Context, tenantId, key string) ([]byte, error) {
	if err := checkTenantKey(tenantId, key); err != nil {
		return nil, err
	}
	content, err := b.Store.Read(ctx, key)
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return nil, utils.PermanentInputError(ErrArtifactNotFound)
		}
		return nil, utils.TransientError(err)
	}
	return content, nil
}

// checkTenantKey rejects any key outside the tenant's namespace. This holds
// at every entry to the store, not only at ingress.
func checkTenantKey(tenantId, key string) error {
	if tenantId == "" || !strings.HasPrefix(key, tenantId+"/") || strings.Contains(key, "..") {
		return utils.PermanentInputError(fmt.Errorf("key %q is outside tenant %q namespace", key, tenantId))
	}
	return nil
}

func moveLockKey(tenantId, srcKey string) string {
	return "bloblock:" + tenantId + ":" + srcKey
}
