package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/pliu/chatbridge/internal/blob"
	"github.com/pliu/chatbridge/internal/crypto"
	"github.com/pliu/chatbridge/internal/models"
	"github.com/pliu/chatbridge/internal/store"
	"github.com/pliu/chatbridge/internal/thumbnail"
)

var errNoBlobStore = errors.New("sqlstore: no blob store configured")

// SaveMediaFile encrypts data under a fresh per-file key and writes it to the
// blob store before recording the row. If anything after the blob write fails
// the written blobs are removed again. Thumbnails are best effort.
func (s *SQLStore) SaveMediaFile(ctx context.Context, ownerID string, data []byte, meta models.MediaMeta) (*models.MediaFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.blobs == nil {
		return nil, errNoBlobStore
	}
	if err := s.validate.Struct(meta); err != nil {
		return nil, &store.ValidationError{Entity: "media", Err: err}
	}
	if meta.MimeType == "" {
		meta.MimeType = thumbnail.Detect(data)
	}

	key, iv, err := crypto.NewFileKey()
	if err != nil {
		return nil, err
	}
	enc, err := crypto.EncryptBytes(data, key, iv)
	if err != nil {
		return nil, fmt.Errorf("encrypt media: %w", err)
	}

	f := &models.MediaFile{
		ID:           uuid.NewString(),
		OwnerID:      ownerID,
		OriginalName: meta.OriginalName,
		MimeType:     meta.MimeType,
		Size:         int64(len(data)),
		Key:          key,
		IV:           iv,
		CreatedAt:    s.timestamp(),
	}
	f.StoragePath = f.ID
	if err := s.blobs.Put(ctx, f.StoragePath, enc); err != nil {
		return nil, fmt.Errorf("write media blob: %w", err)
	}

	if thumbnail.IsImage(data) {
		if err := s.saveThumbnail(ctx, f, data); err != nil {
			log.Printf("media %s: thumbnail skipped: %v", f.ID, err)
		}
	}

	query := s.rebind(`INSERT INTO media_files (id, owner_id, original_name, mime_type, size, file_key, iv, storage_path, thumbnail_path, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, query, f.ID, f.OwnerID, f.OriginalName, f.MimeType, f.Size, f.Key, f.IV, f.StoragePath, f.ThumbnailPath, f.CreatedAt)
	if err != nil {
		s.removeBlobs(ctx, f)
		return nil, fmt.Errorf("save media row: %w", err)
	}
	f.HasThumbnail = f.ThumbnailPath != ""
	return f, nil
}

// saveThumbnail stores the preview under the file key with its own IV, which
// is kept as the first IVSize bytes of the blob. A decoder panic on hostile
// input is returned as an error.
func (s *SQLStore) saveThumbnail(ctx context.Context, f *models.MediaFile, data []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("thumbnail panicked: %v", r)
		}
	}()
	thumb, err := thumbnail.Generate(data)
	if err != nil {
		return err
	}
	_, thumbIV, err := crypto.NewFileKey()
	if err != nil {
		return err
	}
	enc, err := crypto.EncryptBytes(thumb, f.Key, thumbIV)
	if err != nil {
		return err
	}
	path := f.ID + ".thumb"
	if err := s.blobs.Put(ctx, path, append(thumbIV, enc...)); err != nil {
		return err
	}
	f.ThumbnailPath = path
	return nil
}

func (s *SQLStore) removeBlobs(ctx context.Context, f *models.MediaFile) {
	for _, path := range []string{f.StoragePath, f.ThumbnailPath} {
		if path == "" {
			continue
		}
		if err := s.blobs.Delete(ctx, path); err != nil {
			log.Printf("media %s: remove blob %s: %v", f.ID, path, err)
		}
	}
}

func (s *SQLStore) mediaByID(ctx context.Context, id string) (*models.MediaFile, error) {
	var f models.MediaFile
	query := s.rebind(`SELECT id, owner_id, original_name, mime_type, size, file_key, iv, storage_path, thumbnail_path, created_at
		FROM media_files WHERE id = ?`)
	err := s.db.QueryRowContext(ctx, query, id).Scan(&f.ID, &f.OwnerID, &f.OriginalName, &f.MimeType, &f.Size,
		&f.Key, &f.IV, &f.StoragePath, &f.ThumbnailPath, &f.CreatedAt)
	if err != nil {
		return nil, notFound(err, "media "+id)
	}
	f.HasThumbnail = f.ThumbnailPath != ""
	return &f, nil
}

// GetMediaFile returns the row and decrypted content. A missing row or a row
// whose blob is gone yields nil, nil, nil.
func (s *SQLStore) GetMediaFile(ctx context.Context, id string) (*models.MediaFile, []byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.blobs == nil {
		return nil, nil, errNoBlobStore
	}
	f, err := s.mediaByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	enc, err := s.blobs.Get(ctx, f.StoragePath)
	if errors.Is(err, blob.ErrNotExist) {
		log.Printf("media %s: row present but blob %s is missing", f.ID, f.StoragePath)
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read media blob: %w", err)
	}
	data, err := crypto.DecryptBytes(enc, f.Key, f.IV)
	if err != nil {
		return nil, nil, fmt.Errorf("media %s: %w", f.ID, err)
	}
	return f, data, nil
}

// GetMediaThumbnail returns the decrypted JPEG preview, or nil when the file
// has none.
func (s *SQLStore) GetMediaThumbnail(ctx context.Context, id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.blobs == nil {
		return nil, errNoBlobStore
	}
	f, err := s.mediaByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if f.ThumbnailPath == "" {
		return nil, nil
	}

	buf, err := s.blobs.Get(ctx, f.ThumbnailPath)
	if errors.Is(err, blob.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(buf) < crypto.IVSize {
		return nil, fmt.Errorf("media %s: thumbnail blob truncated", f.ID)
	}
	return crypto.DecryptBytes(buf[crypto.IVSize:], f.Key, buf[:crypto.IVSize])
}

func (s *SQLStore) DeleteMediaFile(ctx context.Context, id string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, err := s.mediaByID(ctx, id)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, s.rebind("DELETE FROM media_files WHERE id = ?"), id); err != nil {
		return err
	}
	if s.blobs != nil {
		s.removeBlobs(ctx, f)
	}
	return nil
}
