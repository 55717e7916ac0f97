// Package inkcov counts pages and color usage of PostScript documents using
// Ghostscript's inkcov output device.
package inkcov

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// ErrToolUnavailable is returned when the gs binary cannot be found.
var ErrToolUnavailable = errors.New("ghostscript not available")

const monoTolerance = 1e-4

// Coverage is the fractional ink coverage of one page.
type Coverage struct {
	C, M, Y, K float64
}

// Monochrome reports whether the page uses no colored ink. Pages rendered
// with composite gray have equal C, M and Y, so those count as mono too.
func (c Coverage) Monochrome() bool {
	return math.Abs(c.C-c.M) < monoTolerance &&
		math.Abs(c.M-c.Y) < monoTolerance &&
		math.Abs(c.C-c.Y) < monoTolerance
}

type Result struct {
	Pages []Coverage
	// Monochrome is set only when the document declares a gray color model.
	Monochrome bool
}

// NewResult combines the declared color model with measured page coverage.
// Without a gray declaration every page is accounted by its coverage.
func NewResult(model ColorModel, pages []Coverage) *Result {
	return &Result{Pages: pages, Monochrome: model == ModelGray}
}

func (r *Result) PageCount() int { return len(r.Pages) }

// ColorPages is zero for documents declared gray, otherwise the number of
// pages that use colored ink.
func (r *Result) ColorPages() int {
	if r.Monochrome {
		return 0
	}
	n := 0
	for _, p := range r.Pages {
		if !p.Monochrome() {
			n++
		}
	}
	return n
}

type Ghostscript struct {
	Binary  string
	Timeout time.Duration
}

func New(binary string, timeout time.Duration) *Ghostscript {
	if binary == "" {
		binary = "gs"
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Ghostscript{Binary: binary, Timeout: timeout}
}

// Available probes for the inkcov device by running gs against an empty
// input.
func (g *Ghostscript) Available(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, g.Binary, "-q", "-dBATCH", "-dNOPAUSE", "-dSAFER", "-sDEVICE=inkcov", "-sOutputFile=-", "-")
	cmd.Stdin = strings.NewReader("")
	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return ErrToolUnavailable
		}
		return fmt.Errorf("failed to probe inkcov device: %w", err)
	}
	return nil
}

// Classify runs the color model scan and the per-page ink coverage pass over
// the document at path.
func (g *Ghostscript) Classify(ctx context.Context, path string) (*Result, error) {
	model, err := DetectColorModelFile(path)
	if err != nil {
		return nil, err
	}

	pages, err := g.Coverage(ctx, path)
	if err != nil {
		return nil, err
	}
	return NewResult(model, pages), nil
}

func (g *Ghostscript) Coverage(ctx context.Context, path string) ([]Coverage, error) {
	ctx, cancel := context.WithTimeout(ctx, g.Timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, g.Binary, "-q", "-dBATCH", "-dNOPAUSE", "-dSAFER", "-sDEVICE=inkcov", "-sOutputFile=-", path)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, ErrToolUnavailable
		}
		return nil, fmt.Errorf("gs failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	pages, err := Parse(&stdout)
	if err != nil {
		return nil, err
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("gs reported no pages for %s", path)
	}
	return pages, nil
}

// Parse reads inkcov output, one "C M Y K CMYK OK" line per page. Lines that
// do not end in OK are gs diagnostics and are skipped.
func Parse(r io.Reader) ([]Coverage, error) {
	var pages []Coverage
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 6 || fields[len(fields)-1] != "OK" {
			continue
		}

		var vals [4]float64
		for i := range vals {
			v, err := strconv.ParseFloat(fields[i], 64)
			if err != nil {
				return nil, fmt.Errorf("invalid inkcov line %q: %w", sc.Text(), err)
			}
			vals[i] = v
		}
		pages = append(pages, Coverage{C: vals[0], M: vals[1], Y: vals[2], K: vals[3]})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read inkcov output: %w", err)
	}
	return pages, nil
}
