package gcp

import (
	"fmt"
	"net/url"
	"os"
	"strings"
)

type ObjectStorageMode string

const (
	ObjectStorageModeGCS         ObjectStorageMode = "gcs"
	ObjectStorageModeGCSEmulator ObjectStorageMode = "gcs_emulator"
)

type BucketCategory string

const (
	// BucketCategoryUploads holds raw datasets as submitted.
	BucketCategoryUploads BucketCategory = "uploads"
	// BucketCategoryResults holds grid CSVs, heatmaps and diagnostic plots.
	BucketCategoryResults BucketCategory = "results"
)

type BucketConfig struct {
	Name      string
	CDNDomain string
}

// StorageConfig is everything the bucket service needs, resolved once at startup.
type StorageConfig struct {
	Mode          ObjectStorageMode
	EmulatorHost  string
	PublicBaseURL string
	Uploads       BucketConfig
	Results       BucketConfig
	// Credentials is inline service account JSON or a path to it. Empty uses ADC.
	Credentials string
}

func (cfg StorageConfig) IsEmulatorMode() bool {
	return cfg.Mode == ObjectStorageModeGCSEmulator
}

type StorageConfigError struct {
	Field string
	Value string
	Cause error
}

func (e *StorageConfigError) Error() string {
	if e == nil {
		return "invalid object storage config"
	}
	switch e.Field {
	case "OBJECT_STORAGE_MODE":
		return fmt.Sprintf("invalid OBJECT_STORAGE_MODE=%q (allowed: %q, %q)", e.Value, ObjectStorageModeGCS, ObjectStorageModeGCSEmulator)
	case "STORAGE_EMULATOR_HOST":
		if e.Value == "" {
			return fmt.Sprintf("OBJECT_STORAGE_MODE=%q requires STORAGE_EMULATOR_HOST to be set", ObjectStorageModeGCSEmulator)
		}
		return fmt.Sprintf("invalid STORAGE_EMULATOR_HOST=%q; expected absolute URL like http://fake-gcs:4443", e.Value)
	case "OBJECT_STORAGE_PUBLIC_BASE_URL":
		return fmt.Sprintf("invalid OBJECT_STORAGE_PUBLIC_BASE_URL=%q; expected absolute URL like http://localhost:4443", e.Value)
	default:
		return fmt.Sprintf("missing env var %s", e.Field)
	}
}

func (e *StorageConfigError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// StorageConfigFromEnv resolves the storage mode, both buckets and the public URL base.
// An unset OBJECT_STORAGE_MODE with STORAGE_EMULATOR_HOST present selects the emulator.
func StorageConfigFromEnv() (StorageConfig, error) {
	cfg := StorageConfig{
		EmulatorHost: strings.TrimRight(strings.TrimSpace(os.Getenv("STORAGE_EMULATOR_HOST")), "/"),
		Uploads: BucketConfig{
			Name:      strings.TrimSpace(os.Getenv("UPLOADS_GCS_BUCKET_NAME")),
			CDNDomain: strings.TrimSpace(os.Getenv("UPLOADS_CDN_DOMAIN")),
		},
		Results: BucketConfig{
			Name:      strings.TrimSpace(os.Getenv("RESULTS_GCS_BUCKET_NAME")),
			CDNDomain: strings.TrimSpace(os.Getenv("RESULTS_CDN_DOMAIN")),
		},
		Credentials: strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS_JSON")),
	}
	if cfg.Credentials == "" {
		cfg.Credentials = strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"))
	}

	rawMode := strings.TrimSpace(os.Getenv("OBJECT_STORAGE_MODE"))
	switch ObjectStorageMode(strings.ToLower(rawMode)) {
	case "":
		if cfg.EmulatorHost != "" {
			cfg.Mode = ObjectStorageModeGCSEmulator
		} else {
			cfg.Mode = ObjectStorageModeGCS
		}
	case ObjectStorageModeGCS:
		cfg.Mode = ObjectStorageModeGCS
	case ObjectStorageModeGCSEmulator:
		cfg.Mode = ObjectStorageModeGCSEmulator
	default:
		return cfg, &StorageConfigError{Field: "OBJECT_STORAGE_MODE", Value: rawMode}
	}

	if raw := strings.TrimSpace(os.Getenv("OBJECT_STORAGE_PUBLIC_BASE_URL")); raw != "" {
		if !isAbsoluteURL(raw) {
			return cfg, &StorageConfigError{Field: "OBJECT_STORAGE_PUBLIC_BASE_URL", Value: raw}
		}
		cfg.PublicBaseURL = strings.TrimRight(raw, "/")
	} else if cfg.IsEmulatorMode() {
		cfg.PublicBaseURL = cfg.EmulatorHost
	}

	return cfg, ValidateStorageConfig(cfg)
}

func ValidateStorageConfig(cfg StorageConfig) error {
	switch cfg.Mode {
	case ObjectStorageModeGCS, ObjectStorageModeGCSEmulator:
	default:
		return &StorageConfigError{Field: "OBJECT_STORAGE_MODE", Value: string(cfg.Mode)}
	}
	if cfg.IsEmulatorMode() && !isAbsoluteURL(cfg.EmulatorHost) {
		return &StorageConfigError{Field: "STORAGE_EMULATOR_HOST", Value: cfg.EmulatorHost}
	}
	if cfg.Uploads.Name == "" {
		return &StorageConfigError{Field: "UPLOADS_GCS_BUCKET_NAME"}
	}
	if cfg.Results.Name == "" {
		return &StorageConfigError{Field: "RESULTS_GCS_BUCKET_NAME"}
	}
	return nil
}

func isAbsoluteURL(raw string) bool {
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	return err == nil && strings.TrimSpace(u.Scheme) != "" && strings.TrimSpace(u.Host) != ""
}
