package pipeline

import (
	"github.com/dgraph-io/ristretto"

	"github.com/theStache/Surfactant/pkg/models"
)

// ArtifactCache wraps a Ristretto cache keyed by content digest. A hit means
// the binary's signatures are already persisted, so Process can hand back the
// artifact reference without re-running extraction.
type ArtifactCache struct {
	cache   *ristretto.Cache
	maxSize int64
}

// NewArtifactCache creates a digest cache holding up to maxSize entries.
func NewArtifactCache(maxSize int64) (*ArtifactCache, error) {
	cfg := &ristretto.Config{
		NumCounters: maxSize * 10,
		MaxCost:     maxSize,
		BufferItems: 64,
		Metrics:     true,
		Cost: func(value interface{}) int64 {
			return 1
		},
	}

	cache, err := ristretto.NewCache(cfg)
	if err != nil {
		return nil, err
	}

	return &ArtifactCache{
		cache:   cache,
		maxSize: maxSize,
	}, nil
}

// Get retrieves the artifact reference for a content digest.
func (ac *ArtifactCache) Get(digest string) (*models.ArtifactRef, bool) {
	value, found := ac.cache.Get(digest)
	if !found {
		return nil, false
	}
	return value.(*models.ArtifactRef), true
}

// Set records the artifact reference for a content digest.
func (ac *ArtifactCache) Set(digest string, ref *models.ArtifactRef) bool {
	return ac.cache.Set(digest, ref, 1)
}

// Delete drops one digest, used when its binary is invalidated.
func (ac *ArtifactCache) Delete(digest string) {
	ac.cache.Del(digest)
}

// MaxSize returns the configured maximum entry count.
func (ac *ArtifactCache) MaxSize() int64 {
	return ac.maxSize
}

// Size returns the current number of cached digests.
func (ac *ArtifactCache) Size() uint64 {
	metrics := ac.cache.Metrics
	if metrics == nil {
		return 0
	}
	return metrics.KeysAdded() - metrics.KeysEvicted()
}

// Wait blocks until pending writes are applied. Ristretto admits entries
// asynchronously; call this before relying on a just-set digest being visible.
func (ac *ArtifactCache) Wait() {
	ac.cache.Wait()
}

// Close releases the cache's internal goroutines.
func (ac *ArtifactCache) Close() {
	ac.cache.Close()
}
