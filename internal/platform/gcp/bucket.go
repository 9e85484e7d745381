package gcp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/aidenerard/fluxspace-site/internal/pkg/dbctx"
	"github.com/aidenerard/fluxspace-site/internal/platform/logger"
)

type BucketService interface {
	UploadFile(dbc dbctx.Context, category BucketCategory, key string, file io.Reader) error
	DeleteFile(dbc dbctx.Context, category BucketCategory, key string) error
	DownloadFile(ctx context.Context, category BucketCategory, key string) (io.ReadCloser, error)
	GetPublicURL(category BucketCategory, key string) string
	Close() error
}

type bucketService struct {
	log           *logger.Logger
	storageClient *storage.Client
	httpClient    *http.Client
	cfg           StorageConfig
}

func NewBucketService(log *logger.Logger) (BucketService, error) {
	cfg, err := StorageConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("resolve object storage config: %w", err)
	}
	return NewBucketServiceWithConfig(log, cfg)
}

func NewBucketServiceWithConfig(log *logger.Logger, cfg StorageConfig) (BucketService, error) {
	if err := ValidateStorageConfig(cfg); err != nil {
		return nil, fmt.Errorf("validate object storage config: %w", err)
	}
	serviceLog := log.With("service", "BucketService")

	stClient, err := newStorageClient(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	serviceLog.Info(
		"Object storage initialized",
		"mode", cfg.Mode,
		"emulator_host", cfg.EmulatorHost,
		"public_base_url", cfg.PublicBaseURL,
		"uploads_bucket", cfg.Uploads.Name,
		"results_bucket", cfg.Results.Name,
	)

	return &bucketService{
		log:           serviceLog,
		storageClient: stClient,
		httpClient:    &http.Client{Timeout: 2 * time.Minute},
		cfg:           cfg,
	}, nil
}

func newStorageClient(ctx context.Context, cfg StorageConfig) (*storage.Client, error) {
	if cfg.IsEmulatorMode() {
		_ = os.Setenv("STORAGE_EMULATOR_HOST", cfg.EmulatorHost)
		return storage.NewClient(ctx, option.WithoutAuthentication())
	}
	opts := []option.ClientOption{option.WithScopes(storage.ScopeReadWrite)}
	switch creds := cfg.Credentials; {
	case creds == "":
	case strings.HasPrefix(creds, "{"):
		opts = append(opts, option.WithCredentialsJSON([]byte(creds)))
	default:
		opts = append(opts, option.WithCredentialsFile(creds))
	}
	return storage.NewClient(ctx, opts...)
}

func (bs *bucketService) bucketFor(category BucketCategory) (BucketConfig, error) {
	switch category {
	case BucketCategoryUploads:
		return bs.cfg.Uploads, nil
	case BucketCategoryResults:
		return bs.cfg.Results, nil
	default:
		return BucketConfig{}, fmt.Errorf("unknown bucket category: %s", category)
	}
}

func (bs *bucketService) UploadFile(dbc dbctx.Context, category BucketCategory, key string, file io.Reader) error {
	cfg, err := bs.bucketFor(category)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(dbc.Context(), 2*time.Minute)
	defer cancel()

	w := bs.storageClient.Bucket(cfg.Name).Object(key).NewWriter(ctx)
	if ct := contentTypeForKey(key); ct != "" {
		w.ContentType = ct
	}
	if _, err := io.Copy(w, file); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write %q to GCS: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer for %q: %w", key, err)
	}
	return nil
}

func (bs *bucketService) DeleteFile(dbc dbctx.Context, category BucketCategory, key string) error {
	cfg, err := bs.bucketFor(category)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(dbc.Context(), 30*time.Second)
	defer cancel()
	if err := bs.storageClient.Bucket(cfg.Name).Object(key).Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete GCS object %q in bucket %q: %w", key, cfg.Name, err)
	}
	return nil
}

// readCloserWithCancel ties the download context to the reader's lifetime.
type readCloserWithCancel struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (r *readCloserWithCancel) Close() error {
	err := r.ReadCloser.Close()
	if r.cancel != nil {
		r.cancel()
	}
	return err
}

func (bs *bucketService) DownloadFile(ctx context.Context, category BucketCategory, key string) (io.ReadCloser, error) {
	cfg, err := bs.bucketFor(category)
	if err != nil {
		return nil, err
	}
	ctx2, cancel := context.WithTimeout(ctx, 2*time.Minute)

	if bs.cfg.IsEmulatorMode() {
		req, err := http.NewRequestWithContext(ctx2, http.MethodGet, emulatorMediaURL(bs.cfg.EmulatorHost, cfg.Name, key), nil)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed creating emulator download request: %w", err)
		}
		resp, err := bs.httpClient.Do(req)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed emulator download request: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			_ = resp.Body.Close()
			cancel()
			return nil, fmt.Errorf("emulator download failed: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
		}
		return &readCloserWithCancel{ReadCloser: resp.Body, cancel: cancel}, nil
	}

	r, err := bs.storageClient.Bucket(cfg.Name).Object(key).NewReader(ctx2)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open GCS reader for %q: %w", key, err)
	}
	return &readCloserWithCancel{ReadCloser: r, cancel: cancel}, nil
}

// GetPublicURL prefers the category CDN, then the emulator media endpoint, then the
// configured public base, then storage.googleapis.com.
func (bs *bucketService) GetPublicURL(category BucketCategory, key string) string {
	cfg, err := bs.bucketFor(category)
	if err != nil {
		return key
	}
	key = strings.TrimLeft(strings.TrimSpace(key), "/")
	if cfg.CDNDomain != "" {
		return fmt.Sprintf("https://%s/%s", cfg.CDNDomain, key)
	}
	if bs.cfg.IsEmulatorMode() {
		base := bs.cfg.PublicBaseURL
		if base == "" {
			base = bs.cfg.EmulatorHost
		}
		if base != "" {
			return emulatorMediaURL(base, cfg.Name, key)
		}
	}
	if bs.cfg.PublicBaseURL != "" {
		return fmt.Sprintf("%s/%s/%s", bs.cfg.PublicBaseURL, cfg.Name, key)
	}
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", cfg.Name, key)
}

func (bs *bucketService) Close() error {
	if bs == nil || bs.storageClient == nil {
		return nil
	}
	return bs.storageClient.Close()
}

func emulatorMediaURL(base, bucket, key string) string {
	return fmt.Sprintf(
		"%s/storage/v1/b/%s/o/%s?alt=media",
		strings.TrimRight(strings.TrimSpace(base), "/"),
		url.PathEscape(bucket),
		url.PathEscape(key),
	)
}

func contentTypeForKey(key string) string {
	s := strings.ToLower(strings.TrimSpace(key))
	if i := strings.Index(s, "?"); i >= 0 {
		s = s[:i]
	}
	switch path.Ext(s) {
	case ".csv":
		return "text/csv"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".tif", ".tiff":
		return "image/tiff"
	case ".json":
		return "application/json"
	case ".txt", ".log":
		return "text/plain"
	default:
		return ""
	}
}
