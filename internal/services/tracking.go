// Package services contains the application services of the scankeeper
// kernel: identity tracking over stored content, the document capture path,
// and the login orchestrator that ties identity, session, and persistence
// together.
package services

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"scankeeper/internal/cas"
	"scankeeper/internal/common"
	"scankeeper/internal/logging"
	"scankeeper/internal/models"
)

// TrackingService classifies identities as new or returning by enumerating
// the content metadata recorded in the store. Results are cached per public
// key until explicitly invalidated; the cache is instance-scoped and always
// recomputable.
type TrackingService struct {
	metas *cas.Store[models.DocumentMeta]
	log   logging.Logger

	mu    sync.Mutex
	cache map[string]models.TrackingInfo
}

func NewTrackingService(metas *cas.Store[models.DocumentMeta], log logging.Logger) *TrackingService {
	if log == nil {
		log = logging.NewNopLogger()
	}
	return &TrackingService{
		metas: metas,
		log:   log.With("component", "tracking"),
		cache: make(map[string]models.TrackingInfo),
	}
}

// CheckUser reports whether the identity behind publicKey has any recorded
// content. The first call per key enumerates storage; subsequent calls
// return the cached result until MarkActive or ClearCache. An enumeration
// failure is logged and reported as a non-existent, zero-count identity
// rather than an error.
func (t *TrackingService) CheckUser(ctx context.Context, publicKey string) (models.TrackingInfo, error) {
	if publicKey == "" {
		return models.TrackingInfo{}, fmt.Errorf("%w: public key is empty", common.ErrInvalidArgument)
	}

	t.mu.Lock()
	if info, ok := t.cache[publicKey]; ok {
		t.mu.Unlock()
		return info, nil
	}
	t.mu.Unlock()

	// Concurrent callers for the same uncached key may both enumerate;
	// duplicate work is acceptable, cache corruption is not.
	info := models.TrackingInfo{PublicKey: publicKey}
	for meta, err := range t.metas.All(ctx) {
		if err != nil {
			t.log.Error(ctx, "failed to enumerate content metadata", "error", err)
			return models.TrackingInfo{PublicKey: publicKey}, nil
		}
		if meta.OwnerKey != publicKey {
			continue
		}
		info.ContentCount++
		if info.FirstSeen.IsZero() || meta.CreatedAt.Before(info.FirstSeen) {
			info.FirstSeen = meta.CreatedAt
		}
		if meta.CreatedAt.After(info.LastSeen) {
			info.LastSeen = meta.CreatedAt
		}
	}
	info.Exists = info.ContentCount > 0

	t.mu.Lock()
	t.cache[publicKey] = info
	t.mu.Unlock()
	return info, nil
}

// MarkActive invalidates the cached classification for publicKey only, so
// the next CheckUser recomputes it.
func (t *TrackingService) MarkActive(publicKey string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.cache, publicKey)
}

// Activity aggregates the identity's stored content. RecentAddresses holds
// at most ten addresses ordered by stored time, most recent first; the
// enumeration order of the backing store is not chronological, so the
// matches are sorted explicitly. Any failure yields a zeroed summary.
func (t *TrackingService) Activity(ctx context.Context, publicKey string) models.ActivitySummary {
	if publicKey == "" {
		return models.ActivitySummary{}
	}

	var matches []models.DocumentMeta
	var summary models.ActivitySummary
	for meta, err := range t.metas.All(ctx) {
		if err != nil {
			t.log.Error(ctx, "failed to aggregate activity", "error", err)
			return models.ActivitySummary{}
		}
		if meta.OwnerKey != publicKey {
			continue
		}
		matches = append(matches, meta)
		summary.TotalContent++
		summary.TotalBytes += meta.Size
		if meta.CreatedAt.After(summary.LastActivity) {
			summary.LastActivity = meta.CreatedAt
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].CreatedAt.After(matches[j].CreatedAt)
	})
	for i, meta := range matches {
		if i == 10 {
			break
		}
		summary.RecentAddresses = append(summary.RecentAddresses, meta.Address)
	}
	return summary
}

// ClearCache drops every cached classification.
func (t *TrackingService) ClearCache() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cache = make(map[string]models.TrackingInfo)
}
