// Package document reads answer keys and submissions from disk into plain
// text for extraction.
package document

import (
	"archive/zip"
	"bytes"
	"encoding/csv"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"

	"github.com/pavelanni/grader/internal/model"
)

// ErrUnsupported is returned for file types the reader cannot handle.
var ErrUnsupported = errors.New("unsupported document type")

// Kinds by file extension.
var extensions = map[string]model.DocumentKind{
	".xlsx": model.KindSpreadsheet,
	".xlsm": model.KindSpreadsheet,
	".csv":  model.KindSpreadsheet,
	".docx": model.KindDocument,
	".txt":  model.KindDocument,
	".md":   model.KindDocument,
}

// Supported reports whether path has an extension Read understands.
func Supported(path string) bool {
	_, ok := extensions[strings.ToLower(filepath.Ext(path))]
	return ok
}

// ReadFile reads the document at path. The path becomes the document ref.
func ReadFile(path string) (model.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Document{}, fmt.Errorf("read %s: %w", path, err)
	}
	return Read(path, data)
}

// Read converts data to text according to the extension of ref.
func Read(ref string, data []byte) (model.Document, error) {
	ext := strings.ToLower(filepath.Ext(ref))
	kind, ok := extensions[ext]
	if !ok {
		return model.Document{}, fmt.Errorf("read %s: %w %q", ref, ErrUnsupported, ext)
	}

	var (
		text string
		err  error
	)
	switch ext {
	case ".xlsx", ".xlsm":
		text, err = spreadsheetText(data)
	case ".csv":
		text, err = csvText(data)
	case ".docx":
		text, err = docxText(data)
	default:
		if !utf8.Valid(data) {
			err = errors.New("text is not valid UTF-8")
		}
		text = string(bytes.TrimPrefix(data, []byte("\ufeff")))
	}
	if err != nil {
		return model.Document{}, fmt.Errorf("read %s: %w", ref, err)
	}

	return model.Document{
		Ref:  ref,
		Kind: kind,
		Text: strings.TrimSpace(text),
		Hash: model.HashContent(data),
	}, nil
}

// ReadDir reads every supported file directly under dir, sorted by name.
// Unsupported files are skipped.
func ReadDir(dir string) ([]model.Document, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dir %s: %w", dir, err)
	}
	var docs []model.Document
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), "~$") || !Supported(e.Name()) {
			continue
		}
		doc, err := ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// spreadsheetText writes one line per row with non-empty cells joined by
// tabs. Workbooks with several sheets get a header line per sheet.
func spreadsheetText(data []byte) (string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	var sb strings.Builder
	for _, sheet := range sheets {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return "", fmt.Errorf("read sheet %s: %w", sheet, err)
		}
		if len(sheets) > 1 {
			fmt.Fprintf(&sb, "## %s\n", sheet)
		}
		writeRows(&sb, rows)
	}
	return sb.String(), nil
}

func csvText(data []byte) (string, error) {
	r := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(data, []byte("\ufeff"))))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	rows, err := r.ReadAll()
	if err != nil {
		return "", fmt.Errorf("parse csv: %w", err)
	}
	var sb strings.Builder
	writeRows(&sb, rows)
	return sb.String(), nil
}

func writeRows(sb *strings.Builder, rows [][]string) {
	for _, row := range rows {
		cells := make([]string, 0, len(row))
		for _, cell := range row {
			if c := strings.TrimSpace(cell); c != "" {
				cells = append(cells, c)
			}
		}
		if len(cells) > 0 {
			sb.WriteString(strings.Join(cells, "\t"))
			sb.WriteByte('\n')
		}
	}
}

const wordNS = "http://schemas.openxmlformats.org/wordprocessingml/2006/main"

// docxText returns the body text of a .docx file, one paragraph per line.
func docxText(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open docx: %w", err)
	}
	var body *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			body = f
			break
		}
	}
	if body == nil {
		return "", errors.New("open docx: word/document.xml not found")
	}
	rc, err := body.Open()
	if err != nil {
		return "", fmt.Errorf("open docx body: %w", err)
	}
	defer rc.Close()

	var sb strings.Builder
	dec := xml.NewDecoder(rc)
	inText := false
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("parse docx body: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Space != wordNS {
				continue
			}
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				sb.WriteByte('\t')
			case "br", "cr":
				sb.WriteByte('\n')
			}
		case xml.EndElement:
			if t.Name.Space != wordNS {
				continue
			}
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				sb.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				sb.Write(t)
			}
		}
	}
	return sb.String(), nil
}
