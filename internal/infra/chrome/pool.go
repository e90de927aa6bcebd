package chrome

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"

	"pdfexport/internal/config"
)

// ErrPoolClosed is returned by Acquire and Restart after Close.
var ErrPoolClosed = errors.New("chrome pool is closed")

// Tab is a leased browser tab. Ctx carries the chromedp context actions
// must run against.
type Tab struct {
	Ctx    context.Context
	cancel context.CancelFunc
}

// Pool bounds concurrent renders against a shared Chrome process. Capacity
// is a plain semaphore; tab contexts are created per lease so a crashed
// page cannot poison the next request.
type Pool struct {
	mu  sync.Mutex
	cfg config.Config
	sem chan struct{}

	browserCtx    context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc

	profileDir  string
	closed      bool
	restarts    int
	lastRestart time.Time
}

// Stats is a snapshot of pool state for the observability endpoint.
type Stats struct {
	Enabled      bool
	Capacity     int
	Idle         int
	InUse        int
	PoolSizeConf int
	ProfileDir   string
	Restarts     int
	LastRestart  string
}

// NewPool creates a pool with cfg.PDF.ChromePoolSize slots. A size of zero
// disables pooling and is an error here; callers treat that as "no pool".
func NewPool(cfg config.Config) (*Pool, error) {
	if cfg.PDF.ChromePoolSize <= 0 {
		return nil, fmt.Errorf("chrome pool disabled: size %d", cfg.PDF.ChromePoolSize)
	}

	p := &Pool{
		cfg: cfg,
		sem: make(chan struct{}, cfg.PDF.ChromePoolSize),
	}
	for i := 0; i < cfg.PDF.ChromePoolSize; i++ {
		p.sem <- struct{}{}
	}

	if err := p.startBrowser(); err != nil {
		return nil, err
	}
	return p, nil
}

// startBrowser sets up a fresh profile dir and allocator. The Chrome
// process itself launches lazily on the first chromedp.Run.
func (p *Pool) startBrowser() error {
	dir, err := createProfileDir(p.cfg)
	if err != nil {
		return err
	}

	opts := allocatorOptions(p.cfg, dir)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	p.profileDir = dir
	p.browserCtx = browserCtx
	p.browserCancel = browserCancel
	p.allocCancel = allocCancel
	return nil
}

// Acquire leases a tab, waiting for a free slot until ctx is done.
func (p *Pool) Acquire(ctx context.Context) (*Tab, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	sem := p.sem
	p.mu.Unlock()

	if sem == nil {
		return nil, ErrPoolClosed
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-sem:
	}

	// Read the browser context only after the slot is ours: a Restart may
	// have replaced it while we were waiting.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	browserCtx := p.browserCtx
	p.mu.Unlock()

	if browserCtx == nil {
		browserCtx = context.Background()
	}
	tabCtx, tabCancel := chromedp.NewContext(browserCtx)
	return &Tab{Ctx: tabCtx, cancel: tabCancel}, nil
}

// Release returns the lease. The tab context is always torn down; renderErr
// is only used to decide logging at call sites.
func (p *Pool) Release(tab *Tab, renderErr error) {
	if tab != nil && tab.cancel != nil {
		tab.cancel()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.sem == nil {
		return
	}
	select {
	case p.sem <- struct{}{}:
	default:
	}
}

// Restart tears down the current browser and profile dir and starts over.
// Used after an interrupted session before retrying a render.
func (p *Pool) Restart() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}

	p.teardownLocked()
	if err := p.startBrowser(); err != nil {
		return err
	}
	p.restarts++
	p.lastRestart = time.Now()
	return nil
}

// Close shuts the pool down. Idempotent.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.teardownLocked()
}

func (p *Pool) teardownLocked() {
	if p.browserCancel != nil {
		p.browserCancel()
		p.browserCancel = nil
	}
	if p.allocCancel != nil {
		p.allocCancel()
		p.allocCancel = nil
	}
	p.browserCtx = nil
	if p.profileDir != "" {
		_ = os.RemoveAll(p.profileDir)
		p.profileDir = ""
	}
}

// Stats reports the pool snapshot. timeoutSecs is echoed by the handler, it
// is not pool state.
func (p *Pool) Stats(timeoutSecs int) Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		Enabled:      !p.closed && p.sem != nil,
		PoolSizeConf: p.cfg.PDF.ChromePoolSize,
		ProfileDir:   p.profileDir,
		Restarts:     p.restarts,
	}
	if !p.lastRestart.IsZero() {
		s.LastRestart = p.lastRestart.Format(time.RFC3339)
	}
	if p.sem != nil {
		s.Capacity = cap(p.sem)
		s.Idle = len(p.sem)
		s.InUse = s.Capacity - s.Idle
	}
	return s
}

// createProfileDir makes a unique Chrome user-data dir under the configured
// base, or under the system temp dir when none is configured.
func createProfileDir(cfg config.Config) (string, error) {
	base := cfg.PDF.UserDataDir
	if base == "" {
		return os.MkdirTemp("", "pdfexport-chrome-*")
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return "", fmt.Errorf("create profile base %s: %w", base, err)
	}
	return os.MkdirTemp(base, "profile-*")
}

// allocatorOptions builds Chrome launch flags suitable for minimal
// container environments (software rendering, no /dev/shm reliance).
func allocatorOptions(cfg config.Config, profileDir string) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(profileDir),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-gpu-compositing", true),
		chromedp.Flag("disable-features", "Vulkan,UseSkiaRenderer"),
		chromedp.Flag("use-gl", "swiftshader"),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if cfg.PDF.ChromePath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.PDF.ChromePath))
	}
	if cfg.PDF.ChromeNoSandbox {
		opts = append(opts, chromedp.Flag("no-sandbox", true))
	}
	return opts
}

// IsSessionInterrupted classifies errors that mean the Chrome session died
// underneath us rather than the input being at fault.
func IsSessionInterrupted(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := err.Error()
	for _, needle := range []string{
		"target closed",
		"session closed",
		"browser closed",
		"websocket: close",
		"connection reset",
	} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
