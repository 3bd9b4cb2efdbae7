// Package source harvests CSV and JSON batches from the filesystem for
// source-to-raw loads. Every value lands as text; typing happens later in the
// curated stage.
package source

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/tidelake/stratum/pkg/etl/batch"
	"github.com/tidelake/stratum/pkg/etl/catalog"
	"github.com/tidelake/stratum/pkg/etl/support/exception"
	"github.com/tidelake/stratum/pkg/etl/support/logger"
)

const moduleName = "source"

// datePattern extracts the YYYY_MM_DD stamp carried in incremental file names.
var datePattern = regexp.MustCompile(`(\d{4})_(\d{2})_(\d{2})`)

// File is one source file with its filename date, when present.
type File struct {
	Path string
	Date time.Time
	// HasDate is false when the filename carries no date stamp.
	HasDate bool
}

// CollectFiles resolves the configured source path into concrete files. A
// directory is globbed for the source type's extension; a plain path is taken
// as a single file.
func CollectFiles(sourcePath string, sourceType catalog.SourceType) ([]File, error) {
	info, err := os.Stat(sourcePath)
	if err != nil {
		return nil, exception.New(moduleName, exception.KindConfig,
			fmt.Sprintf("source path '%s' is not accessible", sourcePath), err)
	}

	var paths []string
	if info.IsDir() {
		pattern := "*.csv"
		if sourceType == catalog.SourceTypeJSON {
			pattern = "*.json"
		}
		paths, err = filepath.Glob(filepath.Join(sourcePath, pattern))
		if err != nil {
			return nil, exception.New(moduleName, exception.KindConfig,
				fmt.Sprintf("failed to glob '%s'", sourcePath), err)
		}
	} else {
		paths = []string{sourcePath}
	}
	if len(paths) == 0 {
		return nil, exception.Newf(moduleName, exception.KindConfig,
			"no %s files found in '%s'", strings.ToUpper(string(sourceType)), sourcePath)
	}

	files := make([]File, 0, len(paths))
	for _, p := range paths {
		f := File{Path: p}
		if m := datePattern.FindStringSubmatch(filepath.Base(p)); m != nil {
			if ts, err := time.Parse("2006_01_02", m[1]+"_"+m[2]+"_"+m[3]); err == nil {
				f.Date, f.HasDate = ts, true
			}
		}
		files = append(files, f)
	}
	return files, nil
}

// FilterNewer keeps the files whose filename date is strictly after the
// watermark and returns them in ascending date order. Files without a date
// stamp are excluded from incremental processing.
func FilterNewer(files []File, watermark time.Time) []File {
	var out []File
	for _, f := range files {
		if f.HasDate && f.Date.After(watermark) {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

// MaxDate returns the latest filename date among files.
func MaxDate(files []File) time.Time {
	var max time.Time
	for _, f := range files {
		if f.HasDate && f.Date.After(max) {
			max = f.Date
		}
	}
	return max
}

// ReadBatch reads the given files into one batch aligned to the metadata's
// target column order. Every declared source column must be present in every
// non-empty file; empty files are skipped with a warning. All values are
// strings, with the empty string preserved as-is.
func ReadBatch(files []File, sourceType catalog.SourceType, metadata []catalog.ColumnMetadata) (*batch.DataBatch, error) {
	out := batch.New(catalog.TargetColumns(metadata))

	for _, f := range files {
		info, err := os.Stat(f.Path)
		if err != nil {
			return nil, exception.New(moduleName, exception.KindConfig,
				fmt.Sprintf("source file '%s' is not accessible", f.Path), err)
		}
		if info.Size() == 0 {
			logger.Warnf("Skipping empty source file '%s'.", f.Path)
			continue
		}

		var rows []map[string]string
		switch sourceType {
		case catalog.SourceTypeCSV:
			rows, err = readCSV(f.Path)
		case catalog.SourceTypeJSON:
			rows, err = readJSON(f.Path)
		default:
			return nil, exception.Newf(moduleName, exception.KindConfig,
				"source type '%s' is not file based", sourceType)
		}
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			continue
		}

		if err := checkSourceColumns(f.Path, rows[0], metadata); err != nil {
			return nil, err
		}
		for _, row := range rows {
			rec := make(batch.Record, len(metadata))
			for i, m := range metadata {
				rec[i] = row[m.SourceColumnName]
			}
			if err := out.Append(rec); err != nil {
				return nil, err
			}
		}
		logger.Debugf("Read %d row(s) from '%s'.", len(rows), f.Path)
	}
	return out, nil
}

// checkSourceColumns verifies that every declared source column exists in the
// file's column set.
func checkSourceColumns(path string, row map[string]string, metadata []catalog.ColumnMetadata) error {
	var missing []string
	for _, m := range metadata {
		if _, ok := row[m.SourceColumnName]; !ok {
			missing = append(missing, m.SourceColumnName)
		}
	}
	if len(missing) > 0 {
		return exception.Newf(moduleName, exception.KindValidation,
			"missing columns in source file '%s': %s", path, strings.Join(missing, ", "))
	}
	return nil
}

func readCSV(path string) ([]map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, exception.New(moduleName, exception.KindConfig,
			fmt.Sprintf("failed to open CSV file '%s'", path), err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, exception.New(moduleName, exception.KindValidation,
			fmt.Sprintf("failed to read CSV header of '%s'", path), err)
	}

	var rows []map[string]string
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, exception.New(moduleName, exception.KindValidation,
				fmt.Sprintf("invalid CSV row in '%s'", path), err)
		}
		row := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(rec) {
				row[col] = rec[i]
			} else {
				row[col] = ""
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func readJSON(path string) ([]map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, exception.New(moduleName, exception.KindConfig,
			fmt.Sprintf("failed to read JSON file '%s'", path), err)
	}

	var raw []map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, exception.New(moduleName, exception.KindValidation,
			fmt.Sprintf("invalid JSON in file '%s'", path), err)
	}

	rows := make([]map[string]string, 0, len(raw))
	for _, obj := range raw {
		row := make(map[string]string, len(obj))
		for k, v := range obj {
			if v == nil {
				row[k] = ""
				continue
			}
			row[k] = batch.AsString(v)
		}
		rows = append(rows, row)
	}
	return rows, nil
}
