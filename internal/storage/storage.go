// Package storage provides build history tracking using GORM and SQLite
package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Sentinel errors
var (
	ErrNilBuild = errors.New("build cannot be nil")
	ErrNotFound = errors.New("build not found")
)

// Build statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Build records one bundle build attempt.
type Build struct {
	ID uint `gorm:"primaryKey" json:"id"`

	// Identity
	RunID    string `gorm:"not null;uniqueIndex" json:"run_id"`
	BundleID string `gorm:"not null;index" json:"bundle_id"`
	OSMajor  int    `gorm:"not null;index" json:"os_major"`

	// Outcome
	Status       string `gorm:"not null;index" json:"status"`
	ArchivePath  string `json:"archive_path"`
	SHA256       string `json:"sha256"`
	ErrorMessage string `json:"error_message,omitempty"`
	Signed       bool   `gorm:"not null;default:false" json:"signed"`
	Scanned      bool   `gorm:"not null;default:false" json:"scanned"`

	// Counts
	ManifestCount   int   `json:"manifest_count"`
	PackageCount    int   `json:"package_count"`
	UpdateCount     int   `json:"update_count"`
	SecurityCount   int   `json:"security_count"`
	DependencyCount int   `json:"dependency_count"`
	FailedCount     int   `json:"failed_count"`
	SizeBytes       int64 `json:"size_bytes"`

	StartedAt  time.Time `gorm:"not null" json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Packages []BuildPackage `gorm:"constraint:OnDelete:CASCADE" json:"packages,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BuildPackage is one package shipped in a build.
type BuildPackage struct {
	ID         uint   `gorm:"primaryKey" json:"-"`
	BuildID    uint   `gorm:"not null;index" json:"-"`
	NEVRA      string `gorm:"not null" json:"nevra"`
	Type       string `json:"type"`
	SHA256     string `json:"sha256"`
	SizeBytes  int64  `json:"size_bytes"`
	AdvisoryID string `json:"advisory_id,omitempty"`
}

// Store defines the interface for build history operations
type Store interface {
	Close() error
	RecordBuild(*Build) error
	GetBuild(bundleID string) (*Build, error)
	ListBuilds() ([]*Build, error)
	ListBuildsByOS(osMajor int) ([]*Build, error)
	GetStats() (map[string]interface{}, error)
}

// DB wraps gorm.DB with our build history operations
type DB struct {
	db *gorm.DB
}

// Config holds database configuration
type Config struct {
	DatabasePath string
	LogLevel     string // silent, error, warn, info
}

// InitDB initializes the database connection and runs migrations
func InitDB(cfg Config) (*DB, error) {
	logLevel := logger.Silent
	switch cfg.LogLevel {
	case "error":
		logLevel = logger.Error
	case "warn":
		logLevel = logger.Warn
	case "info":
		logLevel = logger.Info
	}

	db, err := gorm.Open(sqlite.Open(cfg.DatabasePath), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(&Build{}, &BuildPackage{}, &Release{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &DB{db: db}, nil
}

// Close closes the database connection
func (d *DB) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying SQL DB: %w", err)
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("failed to close database connection: %w", err)
	}
	return nil
}

// RecordBuild stores a build and its packages. A missing RunID is filled
// with a new UUID.
func (d *DB) RecordBuild(build *Build) error {
	if build == nil {
		return ErrNilBuild
	}
	if build.RunID == "" {
		build.RunID = uuid.NewString()
	}
	if err := d.db.Create(build).Error; err != nil {
		return fmt.Errorf("failed to record build: %w", err)
	}
	return nil
}

// GetBuild retrieves the most recent build of a bundle id, with packages.
func (d *DB) GetBuild(bundleID string) (*Build, error) {
	var build Build
	err := d.db.Preload("Packages").Where("bundle_id = ?", bundleID).
		Order("started_at DESC").First(&build).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get build: %w", err)
	}
	return &build, nil
}

// ListBuilds returns all builds, newest first
func (d *DB) ListBuilds() ([]*Build, error) {
	var builds []*Build
	if err := d.db.Order("started_at DESC").Find(&builds).Error; err != nil {
		return nil, fmt.Errorf("failed to list builds: %w", err)
	}
	return builds, nil
}

// ListBuildsByOS returns builds for one OS major version, newest first
func (d *DB) ListBuildsByOS(osMajor int) ([]*Build, error) {
	var builds []*Build
	if err := d.db.Where("os_major = ?", osMajor).Order("started_at DESC").Find(&builds).Error; err != nil {
		return nil, fmt.Errorf("failed to list builds for RHEL %d: %w", osMajor, err)
	}
	return builds, nil
}

// GetStats returns build statistics
func (d *DB) GetStats() (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var total int64
	if err := d.db.Model(&Build{}).Count(&total).Error; err != nil {
		return nil, fmt.Errorf("failed to count total builds: %w", err)
	}
	stats["total_builds"] = total

	var osCounts []struct {
		OSMajor int
		Count   int64
	}
	if err := d.db.Model(&Build{}).Select("os_major, COUNT(*) as count").
		Group("os_major").Scan(&osCounts).Error; err != nil {
		return nil, fmt.Errorf("failed to get os counts: %w", err)
	}
	stats["by_os_major"] = osCounts

	var statusCounts []struct {
		Status string
		Count  int64
	}
	if err := d.db.Model(&Build{}).Select("status, COUNT(*) as count").
		Group("status").Scan(&statusCounts).Error; err != nil {
		return nil, fmt.Errorf("failed to get status counts: %w", err)
	}
	stats["by_status"] = statusCounts

	var shipped struct {
		Packages int64
		Bytes    int64
	}
	if err := d.db.Model(&Build{}).Where("status = ?", StatusSuccess).
		Select("COALESCE(SUM(package_count), 0) as packages, COALESCE(SUM(size_bytes), 0) as bytes").
		Scan(&shipped).Error; err != nil {
		return nil, fmt.Errorf("failed to sum shipped packages: %w", err)
	}
	stats["packages_shipped"] = shipped.Packages
	stats["bytes_shipped"] = shipped.Bytes

	return stats, nil
}
