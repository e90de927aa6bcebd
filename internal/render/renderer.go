package render

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"pdfexport/internal/config"
)

// Input selects the document source: inline markup (single HTML upload or
// raw string) or the file:// URL of an extracted bundle's entry file.
type Input struct {
	HTML     string
	EntryURL string
}

// marginResetScript zeroes out @page margins in the document so the margins
// passed to Page.printToPDF are the only ones applied.
const marginResetScript = `(() => {
	const s = document.createElement('style');
	s.textContent = '@page { margin-top: 0 !important; margin-right: 0 !important; margin-bottom: 0 !important; margin-left: 0 !important; padding: 0 !important; }';
	document.head.appendChild(s);
})()`

// settleDelay gives late-loading assets (fonts, async scripts) a moment
// after body readiness before printing.
const settleDelay = 200 * time.Millisecond

// Render runs the print pipeline inside an existing chromedp context. The
// context carries the deadline; callers derive it from Options.Timeout.
func Render(ctx context.Context, in Input, opts *Options) ([]byte, error) {
	var pdfBuf []byte
	var actions []chromedp.Action

	if in.EntryURL != "" {
		actions = append(actions,
			chromedp.Navigate(in.EntryURL),
			chromedp.WaitReady("body", chromedp.ByQuery),
		)
	} else {
		html := injectBaseHref(in.HTML, opts.BaseURL)
		actions = append(actions,
			chromedp.Navigate("about:blank"),
			chromedp.ActionFunc(func(ctx context.Context) error {
				frame, err := page.GetFrameTree().Do(ctx)
				if err != nil {
					return err
				}
				return page.SetDocumentContent(frame.Frame.ID, html).Do(ctx)
			}),
			chromedp.WaitReady("body", chromedp.ByQuery),
		)
	}

	actions = append(actions,
		chromedp.ActionFunc(func(ctx context.Context) error {
			return waitForRenderReady(ctx, settleDelay)
		}),
		chromedp.Evaluate(marginResetScript, nil),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			pdfBuf, _, err = printParams(opts).Do(ctx)
			return err
		}),
	)

	if err := chromedp.Run(ctx, actions...); err != nil {
		return nil, err
	}
	return pdfBuf, nil
}

// RenderOnce starts a throwaway Chrome instance for a single render. Used
// when the pool is disabled.
func RenderOnce(in Input, opts *Options, cfg config.Config) ([]byte, error) {
	tmpDir, err := os.MkdirTemp("", "chromedata-*")
	if err != nil {
		return nil, fmt.Errorf("cannot create temp profile dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	allocatorOptions := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(tmpDir),
		// Force software rendering and avoid Vulkan/ANGLE issues in minimal container environments.
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-gpu-compositing", true),
		chromedp.Flag("disable-features", "Vulkan,UseSkiaRenderer"),
		chromedp.Flag("use-gl", "swiftshader"),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if cfg.PDF.ChromePath != "" {
		allocatorOptions = append(allocatorOptions, chromedp.ExecPath(cfg.PDF.ChromePath))
	}
	if cfg.PDF.ChromeNoSandbox {
		allocatorOptions = append(allocatorOptions, chromedp.Flag("no-sandbox", true))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions...)
	defer allocCancel()
	chromeCtx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	chromeCtx, cancel = context.WithTimeout(chromeCtx, opts.Timeout)
	defer cancel()

	return Render(chromeCtx, in, opts)
}

func printParams(opts *Options) *page.PrintToPDFParams {
	p := page.PrintToPDF().
		WithPrintBackground(opts.PrintBackground).
		WithLandscape(opts.Landscape).
		WithScale(opts.Scale).
		WithPreferCSSPageSize(opts.PreferCSSPageSize).
		WithPaperWidth(opts.PaperWidth).
		WithPaperHeight(opts.PaperHeight).
		WithMarginTop(opts.Margins.Top).
		WithMarginRight(opts.Margins.Right).
		WithMarginBottom(opts.Margins.Bottom).
		WithMarginLeft(opts.Margins.Left)

	if opts.HeaderHTML != "" || opts.FooterHTML != "" {
		p = p.WithDisplayHeaderFooter(true)
		if opts.HeaderHTML != "" {
			p = p.WithHeaderTemplate(opts.HeaderHTML)
		}
		if opts.FooterHTML != "" {
			p = p.WithFooterTemplate(opts.FooterHTML)
		}
	}
	return p
}

// waitForRenderReady sleeps for the settle delay while honoring cancellation.
func waitForRenderReady(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// injectBaseHref inserts a <base href> element so relative asset paths in a
// single-file upload resolve against the given URL. SetDocumentContent has
// no base URL parameter, so the document itself has to carry it.
func injectBaseHref(html, baseURL string) string {
	if baseURL == "" {
		return html
	}
	tag := `<base href="` + baseURL + `">`

	lower := strings.ToLower(html)
	if pos := openingTagEnd(html, lower, "<head"); pos >= 0 {
		return html[:pos] + tag + html[pos:]
	}
	if pos := openingTagEnd(html, lower, "<html"); pos >= 0 {
		return html[:pos] + "<head>" + tag + "</head>" + html[pos:]
	}
	// Fragment input: keep a leading doctype first so Chrome stays in
	// standards mode.
	pos := 0
	if strings.HasPrefix(lower, "<!doctype") {
		if j := strings.IndexByte(html, '>'); j >= 0 {
			pos = j + 1
		}
	}
	return html[:pos] + tag + html[pos:]
}

// openingTagEnd returns the index just past the '>' of the first opening tag
// with the given name prefix. The name must be followed by '>' or whitespace
// so "<head" cannot match a body-level "<header>".
func openingTagEnd(html, lower, prefix string) int {
	from := 0
	for {
		i := strings.Index(lower[from:], prefix)
		if i < 0 {
			return -1
		}
		i += from
		next := i + len(prefix)
		if next >= len(html) {
			return -1
		}
		switch html[next] {
		case '>', ' ', '\t', '\n', '\r':
			if j := strings.IndexByte(html[i:], '>'); j >= 0 {
				return i + j + 1
			}
			return -1
		}
		from = next
	}
}
