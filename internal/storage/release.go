package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Sentinel errors for release operations.
var (
	ErrNilRelease      = errors.New("release cannot be nil")
	ErrReleaseNotFound = errors.New("release not found")
)

// Release is a bundle published to a GitHub release.
type Release struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	BundleID   string    `gorm:"not null;index" json:"bundle_id"`
	OSMajor    int       `gorm:"not null" json:"os_major"`
	ReleaseTag string    `gorm:"not null;unique" json:"release_tag"`
	ReleaseURL string    `gorm:"not null" json:"release_url"`
	Assets     string    `gorm:"type:json" json:"assets"` // JSON-encoded []ReleaseAsset
	CreatedAt  time.Time `gorm:"not null" json:"created_at"`
}

// TableName overrides the table name for GORM.
func (Release) TableName() string {
	return "releases"
}

// ReleaseAsset is one uploaded file.
type ReleaseAsset struct {
	Type       string    `json:"type"` // archive, checksum, signature
	Filename   string    `json:"filename"`
	Size       int64     `json:"size"`
	URL        string    `json:"url"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// SetAssets encodes assets into the Assets column.
func (r *Release) SetAssets(assets []ReleaseAsset) error {
	data, err := json.Marshal(assets)
	if err != nil {
		return fmt.Errorf("failed to marshal release assets: %w", err)
	}
	r.Assets = string(data)
	return nil
}

// DecodeAssets decodes the Assets column.
func (r *Release) DecodeAssets() ([]ReleaseAsset, error) {
	if r.Assets == "" {
		return nil, nil
	}
	var assets []ReleaseAsset
	if err := json.Unmarshal([]byte(r.Assets), &assets); err != nil {
		return nil, fmt.Errorf("failed to unmarshal release assets: %w", err)
	}
	return assets, nil
}

// CreateRelease inserts a new release record into the database.
// Returns an error if the release already exists (duplicate release_tag).
func (d *DB) CreateRelease(release *Release) error {
	if release == nil {
		return ErrNilRelease
	}

	if err := d.db.Create(release).Error; err != nil {
		return fmt.Errorf("failed to create release: %w", err)
	}

	return nil
}

// GetReleaseByTag retrieves a release by its unique release tag.
// Returns ErrReleaseNotFound if no matching release exists.
func (d *DB) GetReleaseByTag(releaseTag string) (*Release, error) {
	if releaseTag == "" {
		return nil, fmt.Errorf("release tag cannot be empty")
	}

	var release Release
	if err := d.db.Where("release_tag = ?", releaseTag).First(&release).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrReleaseNotFound
		}
		return nil, fmt.Errorf("failed to get release by tag: %w", err)
	}

	return &release, nil
}

// GetAllReleases retrieves all releases, newest first.
func (d *DB) GetAllReleases() ([]Release, error) {
	var releases []Release
	if err := d.db.Order("created_at DESC").Find(&releases).Error; err != nil {
		return nil, fmt.Errorf("failed to get all releases: %w", err)
	}

	return releases, nil
}
