package store

import (
	"context"
	"encoding/json"
	"time"

	"ladder/pkg/models"
)

// PackageCache keeps the latest compiled package per project in front of
// postgres. It is best-effort: a miss or a decode failure just falls through
// to the database.
type PackageCache struct {
	cache Cache
	ttl   time.Duration
}

func NewPackageCache(cache Cache, ttl time.Duration) *PackageCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &PackageCache{cache: cache, ttl: ttl}
}

func packageKey(projectID string) string { return "ladder:pkg:latest:" + projectID }

func (c *PackageCache) Get(ctx context.Context, projectID string) (*models.CompiledContextPackage, bool) {
	raw, err := c.cache.Get(ctx, packageKey(projectID))
	if err != nil || raw == "" {
		return nil, false
	}
	var pkg models.CompiledContextPackage
	if err := json.Unmarshal([]byte(raw), &pkg); err != nil {
		_ = c.cache.Del(ctx, packageKey(projectID))
		return nil, false
	}
	return &pkg, true
}

func (c *PackageCache) Put(ctx context.Context, pkg *models.CompiledContextPackage) error {
	raw, err := json.Marshal(pkg)
	if err != nil {
		return err
	}
	return c.cache.Set(ctx, packageKey(pkg.ProjectID), string(raw), c.ttl)
}

func (c *PackageCache) Invalidate(ctx context.Context, projectID string) error {
	return c.cache.Del(ctx, packageKey(projectID))
}
