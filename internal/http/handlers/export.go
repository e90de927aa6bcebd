package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	neturl "net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"pdfexport/internal/archive"
	"pdfexport/internal/config"
	"pdfexport/internal/infra/chrome"
	"pdfexport/internal/infra/logging"
	"pdfexport/internal/render"
)

var filenamePattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

// exportJob is a fully validated request: the document source, engine
// options and delivery metadata. Temp dirs in cleanup are removed once the
// response has been sent.
type exportJob struct {
	input    render.Input
	opts     *render.Options
	cacheKey string

	filename   string
	attachment bool
	cleanup    []string
}

// ExportService bundles configuration and dependencies for PDF export.
type ExportService struct {
	Config *config.Config
	Redis  *redis.Client

	poolMu sync.Mutex
	pool   *chrome.Pool
}

// NewExportService creates a new ExportService instance.
func NewExportService(cfg config.Config, rdb *redis.Client) *ExportService {
	return &ExportService{
		Config: &cfg, // convert value to pointer
		Redis:  rdb,
	}
}

func (svc *ExportService) getChromePool() (*chrome.Pool, error) {
	svc.poolMu.Lock()
	defer svc.poolMu.Unlock()

	if svc.Config.PDF.ChromePoolSize <= 0 {
		return nil, nil
	}
	if svc.pool != nil {
		return svc.pool, nil
	}
	pool, err := chrome.NewPool(*svc.Config)
	if err != nil {
		return nil, err
	}
	svc.pool = pool
	return svc.pool, nil
}

// HandleExport converts an uploaded HTML document or ZIP bundle to PDF.
func (svc *ExportService) HandleExport(c *fiber.Ctx) error {
	job, err := svc.buildExportJob(c)
	if err != nil {
		return err
	}
	defer func() {
		for _, dir := range job.cleanup {
			os.RemoveAll(dir)
		}
	}()
	return svc.processExport(c, job)
}

// buildExportJob validates options and intake and assembles the render job.
func (svc *ExportService) buildExportJob(c *fiber.Ctx) (*exportJob, error) {
	cfg := *svc.Config

	opts, err := render.ParseOptions(render.RawOptions{
		Paper:             c.FormValue("paper"),
		CustomWidth:       c.FormValue("width"),
		CustomHeight:      c.FormValue("height"),
		MarginTop:         c.FormValue("margin_top"),
		MarginRight:       c.FormValue("margin_right"),
		MarginBottom:      c.FormValue("margin_bottom"),
		MarginLeft:        c.FormValue("margin_left"),
		Orientation:       c.FormValue("orientation"),
		Scale:             c.FormValue("scale"),
		PrintBackground:   c.FormValue("print_background"),
		PreferCSSPageSize: c.FormValue("prefer_css_page_size"),
		HeaderHTML:        c.FormValue("header_html"),
		FooterHTML:        c.FormValue("footer_html"),
		BaseURL:           c.FormValue("base_url"),
		TimeoutMS:         c.FormValue("timeout_ms"),
	}, cfg)
	if err != nil {
		var oe *render.OptionError
		if errors.As(err, &oe) {
			return nil, fiber.NewError(fiber.StatusBadRequest, oe.Error())
		}
		return nil, err
	}

	job := &exportJob{opts: opts, attachment: true}

	switch strings.ToLower(c.FormValue("disposition")) {
	case "", "attachment":
	case "inline":
		job.attachment = false
	default:
		return nil, fiber.NewError(fiber.StatusBadRequest, "Invalid disposition: must be 'inline' or 'attachment'")
	}

	fileHeader, fileErr := c.FormFile("file")
	rawHTML := c.FormValue("html")

	var uploadName string
	switch {
	case fileErr == nil && fileHeader != nil:
		uploadName = fileHeader.Filename
		if err := svc.intakeUpload(job, fileHeader); err != nil {
			return nil, err
		}
	case rawHTML != "":
		if len(rawHTML) < 10 {
			return nil, fiber.NewError(fiber.StatusBadRequest, "Invalid HTML: content too short")
		}
		if len(rawHTML) > cfg.Limits.MaxHTMLBytes {
			return nil, fiber.NewError(fiber.StatusRequestEntityTooLarge,
				fmt.Sprintf("HTML input exceeds %d bytes", cfg.Limits.MaxHTMLBytes))
		}
		job.input.HTML = rawHTML
		job.cacheKey = computeCacheKey([]byte(rawHTML), opts)
	default:
		return nil, fiber.NewError(fiber.StatusBadRequest, "Upload an HTML file or a ZIP, or provide the 'html' field")
	}

	job.filename, err = resolveFilename(c.FormValue("filename"), uploadName)
	if err != nil {
		return nil, err
	}
	return job, nil
}

// intakeUpload reads the uploaded file and fills the job's input: inline
// markup for .html/.htm, an extracted file:// entry URL for .zip.
func (svc *ExportService) intakeUpload(job *exportJob, fh *multipart.FileHeader) error {
	cfg := *svc.Config

	if fh.Size > cfg.Upload.MaxUploadBytes {
		return fiber.NewError(fiber.StatusRequestEntityTooLarge,
			fmt.Sprintf("Upload exceeds %d bytes", cfg.Upload.MaxUploadBytes))
	}

	src, err := fh.Open()
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Cannot read upload: "+err.Error())
	}
	defer src.Close()

	switch strings.ToLower(filepath.Ext(fh.Filename)) {
	case ".zip":
		dir, entry, err := archive.Extract(src, fh.Size, archive.Limits{
			MaxExtractBytes: cfg.Upload.MaxExtractBytes,
			MaxEntries:      cfg.Upload.MaxZipEntries,
		})
		if dir != "" {
			job.cleanup = append(job.cleanup, dir)
		}
		if err != nil {
			if errors.Is(err, archive.ErrNoEntryFile) {
				return fiber.NewError(fiber.StatusBadRequest,
					"No HTML file found inside the ZIP (looked for index.html or any .html)")
			}
			return fiber.NewError(fiber.StatusBadRequest, "Invalid ZIP: "+err.Error())
		}
		job.input.EntryURL = fileURL(entry)
		job.cacheKey = hashUpload(src, job.opts)

	case ".html", ".htm":
		data, err := io.ReadAll(io.LimitReader(src, int64(cfg.Limits.MaxHTMLBytes)+1))
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "Cannot read upload: "+err.Error())
		}
		if len(data) > cfg.Limits.MaxHTMLBytes {
			return fiber.NewError(fiber.StatusRequestEntityTooLarge,
				fmt.Sprintf("HTML input exceeds %d bytes", cfg.Limits.MaxHTMLBytes))
		}
		job.input.HTML = decodeHTML(data)
		job.cacheKey = computeCacheKey(data, job.opts)

	default:
		return fiber.NewError(fiber.StatusBadRequest, "Unsupported upload type: expected .html, .htm or .zip")
	}
	return nil
}

// processExport handles caching, rendering and delivery.
func (svc *ExportService) processExport(c *fiber.Ctx, job *exportJob) error {
	if svc.Redis != nil && svc.Config.Cache.PDFCacheEnabled && job.cacheKey != "" {
		if cached, err := getCachedPDF(c, svc.Redis, job.cacheKey); err == nil && cached != nil {
			setDeliveryHeaders(c, job)
			return c.Send(cached)
		}
	}

	pdfBuf, err := svc.renderPDF(job)
	if err != nil {
		return renderErrorResponse(err, job.opts.Timeout)
	}

	if len(pdfBuf) > svc.Config.Limits.MaxPDFBytes {
		return fiber.NewError(fiber.StatusRequestEntityTooLarge, "PDF exceeds allowed size")
	}

	if svc.Redis != nil && svc.Config.Cache.PDFCacheEnabled && job.cacheKey != "" {
		setCachedPDF(c, svc.Redis, job.cacheKey, pdfBuf, svc.Config.Cache.PDFCacheTTL.Std())
	}

	requestID := c.Get("X-Request-ID")
	logging.Info("PDF exported", "filename", job.filename, "bytes", len(pdfBuf), "request_id", requestID)

	setDeliveryHeaders(c, job)
	return c.Send(pdfBuf)
}

func (svc *ExportService) renderPDF(job *exportJob) ([]byte, error) {
	pool, err := svc.getChromePool()
	if err != nil {
		return nil, err
	}
	if pool == nil {
		// Fallback: start a new Chrome instance per request.
		return render.RenderOnce(job.input, job.opts, *svc.Config)
	}

	runOnce := func() ([]byte, error) {
		acquireCtx, acquireCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer acquireCancel()

		tab, err := pool.Acquire(acquireCtx)
		if err != nil {
			return nil, err
		}

		ctx, cancel := context.WithTimeout(tab.Ctx, job.opts.Timeout)
		pdfBuf, renderErr := render.Render(ctx, job.input, job.opts)
		cancel()

		pool.Release(tab, renderErr)
		return pdfBuf, renderErr
	}

	pdfBuf, renderErr := runOnce()
	if renderErr != nil && chrome.IsSessionInterrupted(renderErr) {
		logging.Warn("Chrome session interrupted; restarting pool and retrying once", "error", renderErr)
		_ = pool.Restart()
		return runOnce()
	}

	return pdfBuf, renderErr
}

// renderErrorResponse maps engine failures onto HTTP statuses: a timeout is
// actionable by the client (408), a dead Chrome session is transient (503),
// everything else is a server fault (500).
func renderErrorResponse(err error, timeout time.Duration) *fiber.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		// Log the underlying error so we can distinguish between:
		// - Pool acquire timeout (no free tab)
		// - Actual render timeout
		logging.Error("PDF export timeout", "timeout", timeout.String(), "error", err.Error())
		return fiber.NewError(fiber.StatusRequestTimeout,
			"Timed out while loading content. Increase the timeout or check asset paths.")
	}
	if chrome.IsSessionInterrupted(err) {
		logging.Error("Chrome session interrupted", "error", err.Error())
		return fiber.NewError(fiber.StatusServiceUnavailable, "Chrome session interrupted")
	}
	logging.Error("PDF export failed", "error", err.Error())
	return fiber.NewError(fiber.StatusInternalServerError, "PDF export failed: "+err.Error())
}

// HandleChromeStats exposes basic observability for the Chrome pool (capacity / idle / in_use).
func (svc *ExportService) HandleChromeStats(c *fiber.Ctx) error {
	pool, err := svc.getChromePool()
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "Chrome pool init failed: "+err.Error())
	}

	// Pool disabled.
	if pool == nil {
		return c.JSON(fiber.Map{
			"enabled":        false,
			"capacity":       0,
			"idle":           0,
			"in_use":         0,
			"pool_size_conf": svc.Config.PDF.ChromePoolSize,
			"profile_dir":    "",
			"timeout_secs":   svc.Config.PDF.TimeoutSecs,
			"restarts":       0,
		})
	}

	s := pool.Stats(svc.Config.PDF.TimeoutSecs)
	return c.JSON(fiber.Map{
		"enabled":        s.Enabled,
		"capacity":       s.Capacity,
		"idle":           s.Idle,
		"in_use":         s.InUse,
		"pool_size_conf": s.PoolSizeConf,
		"profile_dir":    s.ProfileDir,
		"timeout_secs":   svc.Config.PDF.TimeoutSecs,
		"restarts":       s.Restarts,
		"last_restart":   s.LastRestart,
	})
}

// HandlePapers lists paper presets and option defaults for the UI.
func (svc *ExportService) HandlePapers(c *fiber.Ctx) error {
	cfg := svc.Config
	papers := make(fiber.Map, len(cfg.PDF.PaperSizes))
	for name, p := range cfg.PDF.PaperSizes {
		papers[name] = fiber.Map{"width_in": p.Width, "height_in": p.Height}
	}
	return c.JSON(fiber.Map{
		"papers":             papers,
		"default_paper":      cfg.PDF.DefaultPaper,
		"default_margin":     cfg.PDF.DefaultMargin,
		"default_timeout_ms": cfg.PDF.TimeoutSecs * 1000,
		"min_timeout_ms":     render.MinTimeout.Milliseconds(),
		"max_timeout_ms":     render.MaxTimeout.Milliseconds(),
		"min_scale":          render.MinScale,
		"max_scale":          render.MaxScale,
	})
}

func setDeliveryHeaders(c *fiber.Ctx, job *exportJob) {
	c.Set("Content-Type", "application/pdf")
	if job.attachment {
		c.Set("Content-Disposition", "attachment; filename="+job.filename)
	} else {
		c.Set("Content-Disposition", "inline; filename="+job.filename)
	}
}

// resolveFilename validates an explicit filename or derives one from the
// upload name, falling back to export.pdf.
func resolveFilename(requested, uploadName string) (string, error) {
	if requested != "" {
		if !strings.HasSuffix(requested, ".pdf") {
			return "", fiber.NewError(fiber.StatusBadRequest, "Filename must end with .pdf")
		}
		if !filenamePattern.MatchString(requested) {
			return "", fiber.NewError(fiber.StatusBadRequest, "Filename contains invalid characters")
		}
		return requested, nil
	}

	stem := strings.TrimSuffix(filepath.Base(uploadName), filepath.Ext(uploadName))
	if stem == "" || stem == "." || !filenamePattern.MatchString(stem) {
		stem = "export"
	}
	return stem + ".pdf", nil
}

// computeCacheKey creates a SHA256-based cache key over the document bytes
// and every render-affecting option.
func computeCacheKey(doc []byte, opts *render.Options) string {
	h := sha256.New()
	h.Write(doc)
	fmt.Fprintf(h, "|%.4f|%.4f|%.4f|%.4f|%.4f|%.4f|%.4f",
		opts.PaperWidth, opts.PaperHeight,
		opts.Margins.Top, opts.Margins.Right, opts.Margins.Bottom, opts.Margins.Left,
		opts.Scale)
	h.Write([]byte(strconv.FormatBool(opts.Landscape)))
	h.Write([]byte(strconv.FormatBool(opts.PrintBackground)))
	h.Write([]byte(strconv.FormatBool(opts.PreferCSSPageSize)))
	h.Write([]byte(opts.HeaderHTML))
	h.Write([]byte(opts.FooterHTML))
	h.Write([]byte(opts.BaseURL))
	return "pdfcache:" + hex.EncodeToString(h.Sum(nil))
}

// hashUpload keys a ZIP render by the archive bytes themselves. The reader
// is rewound first since extraction already consumed it.
func hashUpload(src multipart.File, opts *render.Options) string {
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return ""
	}
	h := sha256.New()
	if _, err := io.Copy(h, src); err != nil {
		return ""
	}
	return computeCacheKey(h.Sum(nil), opts)
}

// getCachedPDF attempts to retrieve a cached PDF from Redis.
func getCachedPDF(c *fiber.Ctx, rdb *redis.Client, key string) ([]byte, error) {
	ctxRedis, cancel := context.WithTimeout(c.Context(), 1*time.Second)
	defer cancel()

	cached, err := rdb.Get(ctxRedis, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		logging.Warn("Redis read failed", "error", err)
		return nil, err
	}

	logging.Info("PDF cache hit", "key", key)
	return cached, nil
}

// setCachedPDF stores a PDF in Redis for the configured TTL.
func setCachedPDF(c *fiber.Ctx, rdb *redis.Client, key string, data []byte, ttl time.Duration) {
	ctxRedis, cancel := context.WithTimeout(c.Context(), 1*time.Second)
	defer cancel()

	if ttl <= 0 {
		ttl = 1 * time.Minute
	}

	if err := rdb.Set(ctxRedis, key, data, ttl).Err(); err != nil {
		logging.Warn("Redis write failed", "error", err)
	}
}

// decodeHTML interprets the upload as UTF-8 and falls back to a Latin-1
// mapping when the bytes are not valid UTF-8.
func decodeHTML(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}
	runes := make([]rune, len(data))
	for i, b := range data {
		runes[i] = rune(b)
	}
	return string(runes)
}

// fileURL converts an absolute path to a file:// URL Chrome can navigate to.
func fileURL(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	u := neturl.URL{Scheme: "file", Path: filepath.ToSlash(abs)}
	return u.String()
}
