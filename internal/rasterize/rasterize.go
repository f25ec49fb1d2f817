// Package rasterize converts a PDF into an ordered list of page images
// (spec.md §4.2 step 3, "Rasterise to a list of page images (external
// utility)"). It shells out to pdftoppm the same way the teacher's
// extractOCRFromPDF does, rather than linking a PDF-rendering library the
// example pack never imports.
package rasterize

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

// Page is one rasterised page image, ready for Provider.Extract.
type Page struct {
	Number int
	Bytes  []byte
}

const mimeTypePNG = "image/png"

// MimeType is the fixed MIME type pdftoppm -png produces.
func MimeType() string { return mimeTypePNG }

// pdftoppmCmd returns the command name, honoring PDFTOPPM_CMD the same way
// the teacher's getPdftoppmCmd does, so test environments can point at a
// stub binary.
func pdftoppmCmd() string {
	if cmd := strings.TrimSpace(os.Getenv("PDFTOPPM_CMD")); cmd != "" {
		return cmd
	}
	return "pdftoppm"
}

// ToPages writes pdfData to scratchDir and rasterises it into PNG page
// images at 100 DPI, returning them in page order.
func ToPages(pdfData []byte, scratchDir string) ([]Page, error) {
	cmd := pdftoppmCmd()
	if _, err := exec.LookPath(cmd); err != nil {
		return nil, fmt.Errorf("rasterize: %s not found (install poppler or set PDFTOPPM_CMD): %w", cmd, err)
	}

	pdfPath := filepath.Join(scratchDir, "input.pdf")
	if err := os.WriteFile(pdfPath, pdfData, 0o600); err != nil {
		return nil, fmt.Errorf("rasterize: writing scratch PDF: %w", err)
	}

	outputPrefix := filepath.Join(scratchDir, "page")
	run := exec.Command(cmd, "-png", "-r", "100", "-cropbox", "-aa", "no", pdfPath, outputPrefix)
	if output, err := run.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("rasterize: pdftoppm failed: %w - %s", err, string(output))
	}

	files, err := filepath.Glob(outputPrefix + "-*.png")
	if err != nil || len(files) == 0 {
		return nil, fmt.Errorf("rasterize: no pages were produced from PDF")
	}
	sort.Strings(files)

	pages := make([]Page, len(files))
	for i, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("rasterize: reading %s: %w", path, err)
		}
		pages[i] = Page{Number: i + 1, Bytes: data}
	}
	return pages, nil
}
