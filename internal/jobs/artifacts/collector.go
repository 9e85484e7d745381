package artifacts

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/aidenerard/fluxspace-site/internal/jobs/workspace"
	"github.com/aidenerard/fluxspace-site/internal/observability"
	"github.com/aidenerard/fluxspace-site/internal/pkg/dbctx"
	"github.com/aidenerard/fluxspace-site/internal/platform/gcp"
	"github.com/aidenerard/fluxspace-site/internal/platform/logger"
)

type Kind string

const (
	KindGridCSV    Kind = "grid_csv"
	KindHeatmapPNG Kind = "heatmap_png"
	KindDiagnostic Kind = "diagnostic"

	gridSuffix    = "_grid.csv"
	heatmapSuffix = "_heatmap.png"
	diagSuffix    = ".png"

	defaultParallelism = 4
)

// Uploader is the slice of the bucket service the collector needs.
type Uploader interface {
	UploadFile(dbc dbctx.Context, category gcp.BucketCategory, key string, file io.Reader) error
	GetPublicURL(category gcp.BucketCategory, key string) string
}

// Artifact is one workspace file bound for the results bucket.
type Artifact struct {
	Kind Kind
	Path string
	Key  string
}

func (a Artifact) label() string {
	if a.Kind == KindDiagnostic {
		return fmt.Sprintf("%s %s", a.Kind, filepath.Base(a.Path))
	}
	return string(a.Kind)
}

// Result holds the URLs that resolved. A nil URL means the file was absent or its upload failed.
type Result struct {
	GridCSVURL     *string
	HeatmapPNGURL  *string
	DiagnosticURLs []string
	Warnings       []string
}

type Collector struct {
	log         *logger.Logger
	bucket      Uploader
	parallelism int
	metrics     *observability.Metrics
}

func NewCollector(baseLog *logger.Logger, bucket Uploader, parallelism int) *Collector {
	if parallelism <= 0 {
		parallelism = defaultParallelism
	}
	return &Collector{
		log:         baseLog.With("component", "ArtifactCollector"),
		bucket:      bucket,
		parallelism: parallelism,
	}
}

func (c *Collector) WithMetrics(m *observability.Metrics) *Collector {
	c.metrics = m
	return c
}

// Discover lists the uploadable files of ws in a stable order: grid, heatmap, then diagnostics by name.
func Discover(ws *workspace.Workspace, prefix string) ([]Artifact, error) {
	out := []Artifact{}
	grids, err := ws.List(workspace.ZoneExports, gridSuffix)
	if err != nil {
		return nil, fmt.Errorf("list exports: %w", err)
	}
	if len(grids) > 0 {
		out = append(out, Artifact{Kind: KindGridCSV, Path: grids[0], Key: path.Join(prefix, "grid.csv")})
	}
	heatmaps, err := ws.List(workspace.ZoneExports, heatmapSuffix)
	if err != nil {
		return nil, fmt.Errorf("list exports: %w", err)
	}
	if len(heatmaps) > 0 {
		out = append(out, Artifact{Kind: KindHeatmapPNG, Path: heatmaps[0], Key: path.Join(prefix, "heatmap.png")})
	}
	diags, err := ws.List(workspace.ZoneProcessed, diagSuffix)
	if err != nil {
		return nil, fmt.Errorf("list processed: %w", err)
	}
	for _, p := range diags {
		out = append(out, Artifact{Kind: KindDiagnostic, Path: p, Key: path.Join(prefix, "diagnostics", filepath.Base(p))})
	}
	return out, nil
}

// KeyPrefix namespaces a job's results under its owner.
func KeyPrefix(ownerID, jobID fmt.Stringer) string {
	return path.Join(ownerID.String(), jobID.String())
}

/*
Collect uploads every discovered artifact independently. A failed upload never fails
the collection: it becomes a warning and leaves that URL unset. Only a workspace that
cannot be read is an error.
*/
func (c *Collector) Collect(ctx context.Context, ws *workspace.Workspace, prefix string) (Result, error) {
	found, err := Discover(ws, prefix)
	if err != nil {
		return Result{}, err
	}

	urls := make([]string, len(found))
	errs := make([]error, len(found))

	var g errgroup.Group
	g.SetLimit(c.parallelism)
	for i, a := range found {
		i, a := i, a
		g.Go(func() error {
			if err := c.upload(ctx, a); err != nil {
				errs[i] = err
				return nil
			}
			urls[i] = c.bucket.GetPublicURL(gcp.BucketCategoryResults, a.Key)
			return nil
		})
	}
	_ = g.Wait()

	res := Result{DiagnosticURLs: []string{}}
	for i, a := range found {
		c.metrics.IncArtifactUpload(string(a.Kind), errs[i] == nil)
		if errs[i] != nil {
			c.log.Warn("artifact upload failed", "kind", a.Kind, "key", a.Key, "error", errs[i])
			res.Warnings = append(res.Warnings, fmt.Sprintf("WARNING: upload %s failed: %v", a.label(), errs[i]))
			continue
		}
		u := urls[i]
		switch a.Kind {
		case KindGridCSV:
			res.GridCSVURL = &u
		case KindHeatmapPNG:
			res.HeatmapPNGURL = &u
		case KindDiagnostic:
			res.DiagnosticURLs = append(res.DiagnosticURLs, u)
		}
	}
	return res, nil
}

func (c *Collector) upload(ctx context.Context, a Artifact) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := os.Open(a.Path)
	if err != nil {
		return err
	}
	defer f.Close()
	return c.bucket.UploadFile(dbctx.Context{Ctx: ctx}, gcp.BucketCategoryResults, a.Key, f)
}
