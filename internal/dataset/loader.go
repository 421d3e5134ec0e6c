// Package dataset reads batch manifests: spreadsheets listing the audio files
// to push through the pipeline.
package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"signalhub-go/internal/logger"
)

// Entry is one audio file named by a manifest row.
type Entry struct {
	Row      int    `json:"row"`
	Ref      string `json:"ref,omitempty"`
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	Language string `json:"language,omitempty"`
}

// Skipped is a manifest row that could not be turned into an Entry.
type Skipped struct {
	Row    int    `json:"row"`
	Reason string `json:"reason"`
}

type Manifest struct {
	Sheet   string    `json:"sheet"`
	Entries []Entry   `json:"entries"`
	Skipped []Skipped `json:"skipped,omitempty"`
}

type columns struct {
	path, ref, language int
}

// detectColumns picks columns by header heuristics, falling back to the
// first column for the file path.
func detectColumns(header []string) columns {
	c := columns{path: -1, ref: -1, language: -1}
	for i, h := range header {
		l := strings.ToLower(strings.TrimSpace(h))
		switch {
		case strings.Contains(l, "lang"):
			if c.language == -1 {
				c.language = i
			}
		case strings.Contains(l, "path") || strings.Contains(l, "file") || strings.Contains(l, "audio") || strings.Contains(l, "record"):
			if c.path == -1 {
				c.path = i
			}
		case strings.Contains(l, "id") || strings.Contains(l, "ref") || strings.Contains(l, "name"):
			if c.ref == -1 {
				c.ref = i
			}
		}
	}
	if c.path == -1 && len(header) > 0 {
		c.path = 0
	}
	return c
}

// Load reads the first sheet of an xlsx manifest. Relative paths resolve
// against the manifest's directory. Rows with an empty path, a remote URL or
// a missing file are reported in Skipped instead of failing the load.
func Load(path string, log *logger.Logger) (Manifest, error) {
	if log == nil {
		log = logger.Discard()
	}
	entry := log.WithField("component", "dataset.loader").WithField("path", path)

	f, err := excelize.OpenFile(path)
	if err != nil {
		entry.WithError(err).Error("open failed")
		return Manifest{}, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return Manifest{}, fmt.Errorf("no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return Manifest{}, fmt.Errorf("read rows: %w", err)
	}
	if len(rows) <= 1 {
		return Manifest{}, fmt.Errorf("no data rows")
	}

	cols := detectColumns(rows[0])
	entry.WithField("path_col", cols.path).WithField("ref_col", cols.ref).WithField("language_col", cols.language).
		Debug("detected manifest columns")

	base := filepath.Dir(path)
	m := Manifest{Sheet: sheets[0]}
	for i, r := range rows[1:] {
		rowNum := i + 2 // 1-based, after the header
		audio := strings.TrimSpace(cell(r, cols.path))
		switch {
		case audio == "":
			m.Skipped = append(m.Skipped, Skipped{Row: rowNum, Reason: "empty path"})
			continue
		case isURL(audio):
			m.Skipped = append(m.Skipped, Skipped{Row: rowNum, Reason: "remote urls are not supported"})
			continue
		}
		if !filepath.IsAbs(audio) {
			audio = filepath.Join(base, audio)
		}
		info, err := os.Stat(audio)
		if err != nil || info.IsDir() {
			m.Skipped = append(m.Skipped, Skipped{Row: rowNum, Reason: "file not found"})
			continue
		}
		m.Entries = append(m.Entries, Entry{
			Row:      rowNum,
			Ref:      strings.TrimSpace(cell(r, cols.ref)),
			Path:     audio,
			Size:     info.Size(),
			Language: strings.ToLower(strings.TrimSpace(cell(r, cols.language))),
		})
	}

	entry.WithField("entries", len(m.Entries)).WithField("skipped", len(m.Skipped)).Info("manifest loaded")
	return m, nil
}

func cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return row[idx]
}

func isURL(s string) bool {
	l := strings.ToLower(s)
	return strings.HasPrefix(l, "http://") || strings.HasPrefix(l, "https://")
}
