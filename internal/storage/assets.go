package storage

import (
	"context"
	"fmt"
	"sort"

	"clipflow/internal/models"
)

func (s *Storage) GetAsset(ctx context.Context, id string) (models.Asset, error) {
	if err := ctx.Err(); err != nil {
		return models.Asset{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	asset, ok := s.data.Assets[id]
	if !ok {
		return models.Asset{}, fmt.Errorf("asset %s: %w", id, ErrNotFound)
	}
	return cloneAsset(asset), nil
}

func (s *Storage) ListAssets(ctx context.Context, filter ListAssetsFilter) ([]models.Asset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	assets := make([]models.Asset, 0, len(s.data.Assets))
	for _, asset := range s.data.Assets {
		if filter.OwnerID != "" && asset.OwnerID != filter.OwnerID {
			continue
		}
		if filter.Status != "" && asset.Status != filter.Status {
			continue
		}
		if filter.Type != "" && asset.Type != filter.Type {
			continue
		}
		assets = append(assets, cloneAsset(asset))
	}
	sort.Slice(assets, func(i, j int) bool {
		if assets[i].CreatedAt.Equal(assets[j].CreatedAt) {
			return assets[i].ID < assets[j].ID
		}
		return assets[i].CreatedAt.After(assets[j].CreatedAt)
	})
	if filter.Limit > 0 && len(assets) > filter.Limit {
		assets = assets[:filter.Limit]
	}
	return assets, nil
}

func (s *Storage) UpdateAsset(ctx context.Context, id string, update AssetUpdate) (models.Asset, error) {
	if err := ctx.Err(); err != nil {
		return models.Asset{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	updatedData := cloneDataset(s.data)

	asset, ok := updatedData.Assets[id]
	if !ok {
		return models.Asset{}, fmt.Errorf("asset %s: %w", id, ErrNotFound)
	}

	applyAssetUpdate(&asset, update)
	asset.UpdatedAt = s.now()

	updatedData.Assets[id] = asset
	if err := s.persistDataset(updatedData); err != nil {
		return models.Asset{}, err
	}
	s.data = updatedData

	return cloneAsset(asset), nil
}

func applyAssetUpdate(asset *models.Asset, update AssetUpdate) {
	if update.Status != nil {
		asset.Status = *update.Status
	}
	if update.StreamID != nil {
		asset.StreamID = *update.StreamID
	}
	if update.PlaybackURL != nil {
		asset.PlaybackURL = *update.PlaybackURL
	}
	if update.ThumbnailURL != nil {
		asset.ThumbnailURL = *update.ThumbnailURL
	}
	if update.DurationSeconds != nil {
		asset.DurationSeconds = *update.DurationSeconds
	}
	if update.Resolution != nil {
		asset.Resolution = *update.Resolution
	}
	if update.ErrorMetadata != nil {
		asset.ErrorMetadata = make(map[string]string, len(update.ErrorMetadata))
		for k, v := range update.ErrorMetadata {
			asset.ErrorMetadata[k] = v
		}
	}
}
