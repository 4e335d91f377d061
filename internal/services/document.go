package services

import (
	"context"
	"fmt"
	"sort"
	"time"

	"scankeeper/internal/cas"
	"scankeeper/internal/common"
	"scankeeper/internal/logging"
	"scankeeper/internal/models"
)

// DocumentService is the application's content writer: captured documents
// and their metadata both flow through the content-addressable store, so
// identical document bytes are stored once no matter how often they are
// added.
type DocumentService struct {
	docs     *cas.Store[models.Document]
	metas    *cas.Store[models.DocumentMeta]
	tracking *TrackingService
	log      logging.Logger
	now      func() time.Time
}

func NewDocumentService(
	docs *cas.Store[models.Document],
	metas *cas.Store[models.DocumentMeta],
	tracking *TrackingService,
	log logging.Logger,
) *DocumentService {
	if log == nil {
		log = logging.NewNopLogger()
	}
	return &DocumentService{
		docs:     docs,
		metas:    metas,
		tracking: tracking,
		log:      log.With("component", "documents"),
		now:      time.Now,
	}
}

// Add stores doc and records a metadata entry attributing it to ownerKey.
// It returns the document's content address. Adding invalidates the owner's
// cached tracking classification.
func (d *DocumentService) Add(ctx context.Context, ownerKey string, doc models.Document) (string, error) {
	if ownerKey == "" {
		return "", fmt.Errorf("%w: owner key is empty", common.ErrInvalidArgument)
	}
	if len(doc.Data) == 0 {
		return "", fmt.Errorf("%w: document is empty", common.ErrInvalidArgument)
	}

	address, err := d.docs.Store(ctx, doc)
	if err != nil {
		return "", fmt.Errorf("failed to store document: %w", err)
	}

	meta := models.DocumentMeta{
		Address:   address,
		OwnerKey:  ownerKey,
		Size:      int64(len(doc.Data)),
		CreatedAt: d.now().UTC(),
		Title:     doc.Title,
	}
	if _, err := d.metas.Store(ctx, meta); err != nil {
		return "", fmt.Errorf("failed to store document metadata: %w", err)
	}

	d.tracking.MarkActive(ownerKey)
	return address, nil
}

// Get returns the document stored at address, absent as (zero, false, nil).
func (d *DocumentService) Get(ctx context.Context, address string) (models.Document, bool, error) {
	return d.docs.Get(ctx, address)
}

// List returns ownerKey's document metadata, most recent first.
func (d *DocumentService) List(ctx context.Context, ownerKey string) ([]models.DocumentMeta, error) {
	if ownerKey == "" {
		return nil, fmt.Errorf("%w: owner key is empty", common.ErrInvalidArgument)
	}

	var out []models.DocumentMeta
	for meta, err := range d.metas.All(ctx) {
		if err != nil {
			return nil, err
		}
		if meta.OwnerKey == ownerKey {
			out = append(out, meta)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Remove deletes the document at address along with ownerKey's metadata
// entries referencing it, and invalidates the owner's cached tracking
// classification.
func (d *DocumentService) Remove(ctx context.Context, ownerKey, address string) (bool, error) {
	if ownerKey == "" || address == "" {
		return false, fmt.Errorf("%w: owner key and address are required", common.ErrInvalidArgument)
	}

	var metaHashes []string
	for hash, err := range d.metas.AllHashes(ctx) {
		if err != nil {
			return false, err
		}
		meta, ok, err := d.metas.Get(ctx, hash)
		if err != nil {
			return false, err
		}
		if ok && meta.Address == address && meta.OwnerKey == ownerKey {
			metaHashes = append(metaHashes, hash)
		}
	}

	ok, err := d.docs.Delete(ctx, address)
	if err != nil || !ok {
		return false, err
	}
	for _, hash := range metaHashes {
		if ok, err := d.metas.Delete(ctx, hash); err != nil || !ok {
			return false, err
		}
	}

	d.tracking.MarkActive(ownerKey)
	return true, nil
}
