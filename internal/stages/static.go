package stages

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/comercium/deployctl/internal/pipeline"
)

// Static collects the application's static assets into the serving
// directory the way collectstatic with the manifest storage does: every file
// is copied under its original name and under a content-hashed name, CSS
// url() references are rewritten to the hashed names, compressible files get
// a precompressed .gz sibling, and staticfiles.json maps originals to hashed
// names for the application to resolve at runtime.
type Static struct{}

func (*Static) Name() string { return "static" }

const manifestName = "staticfiles.json"

// manifestVersion matches the format the application's storage backend
// reads.
const manifestVersion = "1.0"

var compressibleExts = map[string]bool{
	".css": true, ".js": true, ".html": true, ".htm": true, ".svg": true,
	".txt": true, ".json": true, ".map": true, ".xml": true, ".webmanifest": true,
}

// cssURLPattern matches url(...) references; cssImportPattern matches bare
// @import "..." lines without url().
var (
	cssURLPattern    = regexp.MustCompile(`url\(\s*['"]?([^'")]+?)['"]?\s*\)`)
	cssImportPattern = regexp.MustCompile(`@import\s+(['"])([^'"]+)(['"])`)
)

type asset struct {
	rel string // path relative to the source root, slash separated
	src string // absolute source path
}

func (s *Static) Run(ctx context.Context, rc *pipeline.RunContext) (string, error) {
	cfg := rc.Config.Stages.Static

	assets, err := findAssets(rc.WorkDir, cfg.SourceDirs)
	if err != nil {
		return "", err
	}
	if len(assets) == 0 {
		return "", pipeline.Skip("no static sources found")
	}

	outDir := cfg.OutputDir
	if !filepath.IsAbs(outDir) {
		outDir = filepath.Join(rc.WorkDir, outDir)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", cfg.OutputDir, err)
	}

	col := &collector{
		outDir:   outDir,
		compress: cfg.Compress,
		sources:  make(map[string]string, len(assets)),
		hashed:   make(map[string]string, len(assets)),
	}
	for _, a := range assets {
		col.sources[a.rel] = a.src
	}

	bar := rc.Console.Progress(len(assets), "collecting static")

	// Plain files first, in parallel. CSS afterwards, because rewriting its
	// references needs the hashed names of everything it points at.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Workers)
	var css []asset
	for _, a := range assets {
		if isCSS(a.rel) {
			css = append(css, a)
			continue
		}
		a := a
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if _, err := col.finalName(a.rel, nil); err != nil {
				return err
			}
			bar.Increment()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	for _, a := range css {
		if _, err := col.finalName(a.rel, nil); err != nil {
			return "", err
		}
		bar.Increment()
	}
	bar.Finish()

	if err := col.writeManifest(); err != nil {
		return "", err
	}

	summary := fmt.Sprintf("collected %d files into %s", len(assets), cfg.OutputDir)
	if cfg.Compress {
		summary = fmt.Sprintf("%s, %d compressed", summary, col.compressed)
	}
	return summary, nil
}

// findAssets walks the configured source directories. Later directories win
// on relative-path collisions, matching collectstatic's finder order.
func findAssets(workDir string, sourceDirs []string) ([]asset, error) {
	byRel := make(map[string]asset)
	found := false
	for _, dir := range sourceDirs {
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(workDir, dir)
		}
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			continue
		}
		found = true

		err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(dir, p)
			if err != nil {
				return err
			}
			rel = filepath.ToSlash(rel)
			byRel[rel] = asset{rel: rel, src: p}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", dir, err)
		}
	}
	if !found {
		return nil, nil
	}

	assets := make([]asset, 0, len(byRel))
	for _, a := range byRel {
		assets = append(assets, a)
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i].rel < assets[j].rel })
	return assets, nil
}

type collector struct {
	outDir   string
	compress bool

	mu         sync.Mutex
	sources    map[string]string // rel -> absolute source path
	hashed     map[string]string // rel -> hashed rel
	compressed int
}

// finalName returns the hashed name of rel, processing the file on first
// use. CSS files are rewritten before hashing so their references point at
// hashed names; seen guards against @import cycles, which fall back to the
// unrewritten content.
func (c *collector) finalName(rel string, seen map[string]bool) (string, error) {
	c.mu.Lock()
	if h, ok := c.hashed[rel]; ok {
		c.mu.Unlock()
		return h, nil
	}
	src, ok := c.sources[rel]
	c.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("no such asset %s", rel)
	}

	data, err := os.ReadFile(src)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", rel, err)
	}

	if isCSS(rel) {
		if seen == nil {
			seen = make(map[string]bool)
		}
		if seen[rel] {
			// Import cycle; store as-is.
			return c.store(rel, data)
		}
		seen[rel] = true
		data, err = c.rewriteCSS(rel, data, seen)
		if err != nil {
			return "", err
		}
	}
	return c.store(rel, data)
}

// store writes the original-named copy, the hashed copy, their optional .gz
// siblings, and records the manifest entry.
func (c *collector) store(rel string, data []byte) (string, error) {
	sum := md5.Sum(data)
	hashedRel := hashedName(rel, hex.EncodeToString(sum[:])[:12])

	if err := c.writeFile(rel, data); err != nil {
		return "", err
	}
	if err := c.writeFile(hashedRel, data); err != nil {
		return "", err
	}

	if c.compress && compressibleExts[strings.ToLower(path.Ext(rel))] {
		gz, err := gzipBytes(data)
		if err != nil {
			return "", fmt.Errorf("compress %s: %w", rel, err)
		}
		if len(gz) < len(data) {
			if err := c.writeFile(rel+".gz", gz); err != nil {
				return "", err
			}
			if err := c.writeFile(hashedRel+".gz", gz); err != nil {
				return "", err
			}
			c.mu.Lock()
			c.compressed++
			c.mu.Unlock()
		}
	}

	c.mu.Lock()
	c.hashed[rel] = hashedRel
	c.mu.Unlock()
	return hashedRel, nil
}

func (c *collector) writeFile(rel string, data []byte) error {
	dst := filepath.Join(c.outDir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(rel), err)
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", rel, err)
	}
	return nil
}

// rewriteCSS replaces url() and @import references with hashed names.
// References with a scheme, data: URIs, absolute paths and fragments are
// left alone.
func (c *collector) rewriteCSS(rel string, data []byte, seen map[string]bool) ([]byte, error) {
	var firstErr error
	resolve := func(ref string) string {
		target, suffix, ok := splitRef(rel, ref)
		if !ok {
			return ref
		}
		c.mu.Lock()
		_, exists := c.sources[target]
		c.mu.Unlock()
		if !exists {
			return ref
		}
		hashed, err := c.finalName(target, seen)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return ref
		}
		return relativeTo(rel, hashed) + suffix
	}

	out := cssURLPattern.ReplaceAllFunc(data, func(m []byte) []byte {
		sub := cssURLPattern.FindSubmatch(m)
		return []byte(fmt.Sprintf(`url("%s")`, resolve(string(sub[1]))))
	})
	out = cssImportPattern.ReplaceAllFunc(out, func(m []byte) []byte {
		sub := cssImportPattern.FindSubmatch(m)
		return []byte(fmt.Sprintf(`@import %s%s%s`, sub[1], resolve(string(sub[2])), sub[3]))
	})
	return out, firstErr
}

// writeManifest writes staticfiles.json in the same shape the application's
// storage backend produces.
func (c *collector) writeManifest() error {
	c.mu.Lock()
	paths := make(map[string]string, len(c.hashed))
	for rel, hashed := range c.hashed {
		paths[rel] = hashed
	}
	c.mu.Unlock()

	manifest := struct {
		Paths   map[string]string `json:"paths"`
		Version string            `json:"version"`
	}{Paths: paths, Version: manifestVersion}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	return c.writeFile(manifestName, data)
}

// splitRef resolves a CSS reference against the referencing file and splits
// off any ?query or #fragment suffix. ok is false for references that must
// not be rewritten.
func splitRef(fromRel, ref string) (target, suffix string, ok bool) {
	if ref == "" || strings.HasPrefix(ref, "#") || strings.HasPrefix(ref, "/") ||
		strings.HasPrefix(ref, "data:") || strings.Contains(ref, "://") {
		return "", "", false
	}
	if i := strings.IndexAny(ref, "?#"); i >= 0 {
		suffix = ref[i:]
		ref = ref[:i]
	}
	if ref == "" {
		return "", "", false
	}
	return path.Join(path.Dir(fromRel), ref), suffix, true
}

// relativeTo rewrites target as a reference usable from within fromRel's
// directory.
func relativeTo(fromRel, target string) string {
	fromDir := path.Dir(fromRel)
	if fromDir == "." {
		return target
	}
	rel, err := filepath.Rel(fromDir, target)
	if err != nil {
		return target
	}
	return filepath.ToSlash(rel)
}

func hashedName(rel, hash string) string {
	ext := path.Ext(rel)
	return strings.TrimSuffix(rel, ext) + "." + hash + ext
}

func isCSS(rel string) bool {
	return strings.EqualFold(path.Ext(rel), ".css")
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
