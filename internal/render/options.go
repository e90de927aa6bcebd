package render

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"pdfexport/internal/config"
)

const (
	// PaperCustom selects explicit width/height instead of a preset.
	PaperCustom = "CUSTOM"

	MinScale = 0.1
	MaxScale = 2.0

	MinTimeout = time.Second
	MaxTimeout = 120 * time.Second
)

// Margins holds the four page margins in inches.
type Margins struct {
	Top    float64
	Right  float64
	Bottom float64
	Left   float64
}

// Options is the validated set of export parameters forwarded to
// Page.printToPDF. Dimensions are in inches.
type Options struct {
	PaperWidth  float64
	PaperHeight float64
	Margins     Margins

	Landscape         bool
	PrintBackground   bool
	PreferCSSPageSize bool
	Scale             float64

	HeaderHTML string
	FooterHTML string

	BaseURL string
	Timeout time.Duration
}

// OptionErrors are user errors: the request carried a value that cannot be
// forwarded to the engine.
type OptionError struct {
	Field string
	Msg   string
}

func (e *OptionError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

func optErr(field, format string, args ...any) error {
	return &OptionError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// RawOptions is the unparsed form data as collected from the request or UI.
type RawOptions struct {
	Paper        string
	CustomWidth  string
	CustomHeight string

	MarginTop    string
	MarginRight  string
	MarginBottom string
	MarginLeft   string

	Orientation       string
	Scale             string
	PrintBackground   string
	PreferCSSPageSize string

	HeaderHTML string
	FooterHTML string

	BaseURL   string
	TimeoutMS string
}

// ParseOptions validates raw form values against the configured presets and
// bounds, returning engine-ready options. Every rejected field produces an
// *OptionError so handlers can answer 400.
func ParseOptions(raw RawOptions, cfg config.Config) (*Options, error) {
	opts := &Options{
		PrintBackground:   true,
		PreferCSSPageSize: true,
		Scale:             1.0,
		Timeout:           time.Duration(cfg.PDF.TimeoutSecs) * time.Second,
		BaseURL:           strings.TrimSpace(raw.BaseURL),
		HeaderHTML:        strings.TrimSpace(raw.HeaderHTML),
		FooterHTML:        strings.TrimSpace(raw.FooterHTML),
	}

	paper := strings.ToUpper(strings.TrimSpace(raw.Paper))
	if paper == "" {
		paper = cfg.PDF.DefaultPaper
	}
	switch {
	case paper == PaperCustom:
		w, err := ParseLength(raw.CustomWidth)
		if err != nil || w == 0 {
			return nil, optErr("width", "custom paper needs a positive CSS length, e.g. 210mm or 8.5in")
		}
		h, err := ParseLength(raw.CustomHeight)
		if err != nil || h == 0 {
			return nil, optErr("height", "custom paper needs a positive CSS length, e.g. 297mm or 11in")
		}
		opts.PaperWidth, opts.PaperHeight = w, h
	default:
		preset, ok := cfg.PDF.PaperSizes[paper]
		if !ok {
			return nil, optErr("paper", "unknown preset %q", paper)
		}
		opts.PaperWidth, opts.PaperHeight = preset.Width, preset.Height
	}

	switch strings.ToLower(strings.TrimSpace(raw.Orientation)) {
	case "", "portrait":
	case "landscape":
		opts.Landscape = true
	default:
		return nil, optErr("orientation", "must be 'portrait' or 'landscape'")
	}

	margins := [4]struct {
		field string
		raw   string
		dst   *float64
	}{
		{"margin_top", raw.MarginTop, &opts.Margins.Top},
		{"margin_right", raw.MarginRight, &opts.Margins.Right},
		{"margin_bottom", raw.MarginBottom, &opts.Margins.Bottom},
		{"margin_left", raw.MarginLeft, &opts.Margins.Left},
	}
	for _, m := range margins {
		v := strings.TrimSpace(m.raw)
		if v == "" {
			v = cfg.PDF.DefaultMargin
		}
		if v == "" {
			continue
		}
		parsed, err := ParseLength(v)
		if err != nil {
			return nil, optErr(m.field, "%v", err)
		}
		*m.dst = parsed
	}

	if s := strings.TrimSpace(raw.Scale); s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil || v < MinScale || v > MaxScale {
			return nil, optErr("scale", "must be a number between %.1f and %.1f", MinScale, MaxScale)
		}
		opts.Scale = v
	}

	if b, err := parseOptionalBool(raw.PrintBackground); err != nil {
		return nil, optErr("print_background", "%v", err)
	} else if b != nil {
		opts.PrintBackground = *b
	}
	if b, err := parseOptionalBool(raw.PreferCSSPageSize); err != nil {
		return nil, optErr("prefer_css_page_size", "%v", err)
	} else if b != nil {
		opts.PreferCSSPageSize = *b
	}

	if t := strings.TrimSpace(raw.TimeoutMS); t != "" {
		ms, err := strconv.Atoi(t)
		if err != nil {
			return nil, optErr("timeout_ms", "must be an integer")
		}
		d := time.Duration(ms) * time.Millisecond
		if d < MinTimeout || d > MaxTimeout {
			return nil, optErr("timeout_ms", "must be between %d and %d", MinTimeout.Milliseconds(), MaxTimeout.Milliseconds())
		}
		opts.Timeout = d
	}

	if opts.BaseURL != "" && !strings.Contains(opts.BaseURL, "://") {
		return nil, optErr("base_url", "must be an absolute URL")
	}

	return opts, nil
}

func parseOptionalBool(s string) (*bool, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return nil, fmt.Errorf("must be a boolean")
	}
	return &v, nil
}
