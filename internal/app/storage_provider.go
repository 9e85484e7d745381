package app

import (
	"errors"
	"fmt"

	"github.com/aidenerard/fluxspace-site/internal/platform/gcp"
	"github.com/aidenerard/fluxspace-site/internal/platform/logger"
)

var (
	storageConfigFromEnv       = gcp.StorageConfigFromEnv
	newBucketServiceWithConfig = gcp.NewBucketServiceWithConfig
)

type StorageBootstrapErrorCode string

const (
	StorageBootstrapErrorInvalidMode         StorageBootstrapErrorCode = "invalid_mode"
	StorageBootstrapErrorMissingEmulatorHost StorageBootstrapErrorCode = "missing_emulator_host"
	StorageBootstrapErrorInvalidEmulatorHost StorageBootstrapErrorCode = "invalid_emulator_host"
	StorageBootstrapErrorInvalidPublicURL    StorageBootstrapErrorCode = "invalid_public_url"
	StorageBootstrapErrorMissingBucket       StorageBootstrapErrorCode = "missing_bucket"
	StorageBootstrapErrorConnectFailed       StorageBootstrapErrorCode = "connect_failed"
)

type StorageBootstrapError struct {
	Code         StorageBootstrapErrorCode
	Mode         string
	EmulatorHost string
	Cause        error
}

func (e *StorageBootstrapError) Error() string {
	if e == nil {
		return "object storage bootstrap failed"
	}
	return fmt.Sprintf(
		"object storage bootstrap failed (code=%s mode=%q emulator_host=%q): %v",
		e.Code,
		e.Mode,
		e.EmulatorHost,
		e.Cause,
	)
}

func (e *StorageBootstrapError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// resolveBucketService reads the object storage env and connects to GCS or the emulator.
func resolveBucketService(log *logger.Logger) (gcp.BucketService, error) {
	storageCfg, err := storageConfigFromEnv()
	if err != nil {
		classified := classifyStorageBootstrapError(storageCfg, err)
		log.Error("Object storage config invalid",
			"mode", storageCfg.Mode,
			"emulator_host", storageCfg.EmulatorHost,
			"error_code", storageBootstrapErrorCode(classified),
			"error", classified,
		)
		return nil, classified
	}

	log.Info("Selecting object storage provider",
		"mode", storageCfg.Mode,
		"emulator_host", storageCfg.EmulatorHost,
		"uploads_bucket", storageCfg.Uploads.Name,
		"results_bucket", storageCfg.Results.Name,
	)

	bucket, err := newBucketServiceWithConfig(log, storageCfg)
	if err != nil {
		classified := classifyStorageBootstrapError(storageCfg, err)
		log.Error("Object storage provider bootstrap failed",
			"mode", storageCfg.Mode,
			"emulator_host", storageCfg.EmulatorHost,
			"error_code", storageBootstrapErrorCode(classified),
			"error", classified,
		)
		return nil, classified
	}
	return bucket, nil
}

func classifyStorageBootstrapError(storageCfg gcp.StorageConfig, err error) error {
	code := StorageBootstrapErrorConnectFailed
	var cfgErr *gcp.StorageConfigError
	if errors.As(err, &cfgErr) {
		switch cfgErr.Field {
		case "OBJECT_STORAGE_MODE":
			code = StorageBootstrapErrorInvalidMode
		case "STORAGE_EMULATOR_HOST":
			if cfgErr.Value == "" {
				code = StorageBootstrapErrorMissingEmulatorHost
			} else {
				code = StorageBootstrapErrorInvalidEmulatorHost
			}
		case "OBJECT_STORAGE_PUBLIC_BASE_URL":
			code = StorageBootstrapErrorInvalidPublicURL
		case "UPLOADS_GCS_BUCKET_NAME", "RESULTS_GCS_BUCKET_NAME":
			code = StorageBootstrapErrorMissingBucket
		}
	}
	return &StorageBootstrapError{
		Code:         code,
		Mode:         string(storageCfg.Mode),
		EmulatorHost: storageCfg.EmulatorHost,
		Cause:        err,
	}
}

func storageBootstrapErrorCode(err error) StorageBootstrapErrorCode {
	var bootstrapErr *StorageBootstrapError
	if errors.As(err, &bootstrapErr) && bootstrapErr.Code != "" {
		return bootstrapErr.Code
	}
	return StorageBootstrapErrorConnectFailed
}
