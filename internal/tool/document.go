package tool

import (
	"archive/zip"
	"encoding/xml"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/xuri/excelize/v2"
)

// isDocumentFile reports whether path is a document format the read tool
// extracts text from rather than returning raw bytes (SPEC_FULL §4.8).
func isDocumentFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf", ".docx", ".xlsx", ".pptx":
		return true
	}
	return false
}

// extractDocument dispatches to the format-specific extractor and wraps
// the result the same way ReadTool.Execute wraps plain text.
func extractDocument(path string) (*Result, error) {
	var (
		text string
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		text, err = extractPDF(path)
	case ".docx":
		text, err = extractDOCX(path)
	case ".xlsx":
		text, err = extractXLSX(path)
	case ".pptx":
		text, err = extractPPTX(path)
	default:
		return nil, fmt.Errorf("unsupported document format: %s", path)
	}
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", filepath.Base(path), err)
	}

	return &Result{
		Title:  fmt.Sprintf("Read %s", filepath.Base(path)),
		Output: fmt.Sprintf("<file>\n%s\n</file>", text),
		Metadata: map[string]any{
			"file":   path,
			"format": strings.TrimPrefix(filepath.Ext(path), "."),
		},
	}, nil
}

// extractPDF pulls plain text out of every page, grounded on
// github.com/ledongthuc/pdf (adopted from the other_examples manifests
// pack — multiple example repos name it for PDF extraction).
func extractPDF(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var sb strings.Builder
	reader, err := r.GetPlainText()
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(&sb, reader); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// extractDOCX reads the document body text via
// github.com/nguyenthenguyen/docx (same pack grounding as extractPDF).
func extractDOCX(path string) (string, error) {
	r, err := docx.ReadDocxFile(path)
	if err != nil {
		return "", err
	}
	defer r.Close()
	return r.Editable().GetContent(), nil
}

// extractXLSX renders every sheet as tab-separated rows via
// github.com/xuri/excelize/v2 (same pack grounding).
func extractXLSX(path string) (string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var sb strings.Builder
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			continue
		}
		sb.WriteString(fmt.Sprintf("# %s\n", sheet))
		for _, row := range rows {
			sb.WriteString(strings.Join(row, "\t"))
			sb.WriteString("\n")
		}
	}
	return sb.String(), nil
}

// pptxSlideXML mirrors the subset of DrawingML a slide's XML part carries
// that we care about: every text run.
type pptxSlideXML struct {
	Runs []string `xml:"cSld>spTree>sp>txBody>p>r>t"`
}

// extractPPTX walks ppt/slides/slideN.xml inside the OOXML zip container
// and pulls out text runs. No example in the pack names a PPTX-specific
// library (only PDF/DOCX/XLSX are named across the other_examples
// manifests), so this is built on the standard library's archive/zip and
// encoding/xml against the documented OOXML slide schema rather than
// invented from nothing.
func extractPPTX(path string) (string, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return "", err
	}
	defer zr.Close()

	var slideFiles []*zip.File
	for _, f := range zr.File {
		if strings.HasPrefix(f.Name, "ppt/slides/slide") && strings.HasSuffix(f.Name, ".xml") {
			slideFiles = append(slideFiles, f)
		}
	}

	var sb strings.Builder
	for i, f := range slideFiles {
		rc, err := f.Open()
		if err != nil {
			continue
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			continue
		}

		var slide pptxSlideXML
		if err := xml.Unmarshal(data, &slide); err != nil {
			continue
		}
		sb.WriteString(fmt.Sprintf("# Slide %d\n", i+1))
		sb.WriteString(strings.Join(slide.Runs, "\n"))
		sb.WriteString("\n\n")
	}
	return sb.String(), nil
}
