package source_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidelake/stratum/pkg/etl/catalog"
	"github.com/tidelake/stratum/pkg/etl/source"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func empMeta() []catalog.ColumnMetadata {
	return []catalog.ColumnMetadata{
		{SourceColumnName: "EmpID", TargetColumnName: "emp_id", TargetDataType: "INT"},
		{SourceColumnName: "EmpName", TargetColumnName: "name", TargetDataType: "NVARCHAR", Length: 50},
	}
}

func TestCollectFilesGlobsDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "emp_2024_03_01.csv", "EmpID,EmpName\n1,alice\n")
	writeFile(t, dir, "emp_2024_03_05.csv", "EmpID,EmpName\n2,bob\n")
	writeFile(t, dir, "notes.txt", "ignored")

	files, err := source.CollectFiles(dir, catalog.SourceTypeCSV)
	require.NoError(t, err)
	require.Len(t, files, 2)
	for _, f := range files {
		assert.True(t, f.HasDate)
	}
}

func TestCollectFilesErrorsWhenEmpty(t *testing.T) {
	_, err := source.CollectFiles(t.TempDir(), catalog.SourceTypeCSV)
	assert.Error(t, err)
}

func TestFilterNewerSortsByDate(t *testing.T) {
	files := []source.File{
		{Path: "c", Date: time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC), HasDate: true},
		{Path: "a", Date: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), HasDate: true},
		{Path: "nodate"},
	}
	watermark := time.Date(2024, 2, 28, 0, 0, 0, 0, time.UTC)

	out := source.FilterNewer(files, watermark)
	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0].Path)
	assert.Equal(t, "c", out[1].Path)

	// Files at or before the watermark are excluded.
	out = source.FilterNewer(files, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	require.Len(t, out, 1)
	assert.Equal(t, "c", out[0].Path)

	assert.Equal(t, time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC), source.MaxDate(files))
}

func TestReadBatchCSVAlignsToTargetOrder(t *testing.T) {
	dir := t.TempDir()
	// Source columns in a different order than the metadata.
	path := writeFile(t, dir, "emp_2024_03_01.csv", "EmpName,EmpID\nalice,1\nbob,2\n")

	b, err := source.ReadBatch([]source.File{{Path: path}}, catalog.SourceTypeCSV, empMeta())
	require.NoError(t, err)
	require.Equal(t, 2, b.Len())
	assert.Equal(t, []string{"emp_id", "name"}, b.Columns)
	assert.Equal(t, "1", b.Value(0, "emp_id"))
	assert.Equal(t, "bob", b.Value(1, "name"))
}

func TestReadBatchJSON(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "emp_2024_03_01.json",
		`[{"EmpID": 1, "EmpName": "alice"}, {"EmpID": 2, "EmpName": "bob"}]`)

	b, err := source.ReadBatch([]source.File{{Path: path}}, catalog.SourceTypeJSON, empMeta())
	require.NoError(t, err)
	require.Equal(t, 2, b.Len())
	assert.Equal(t, "1", b.Value(0, "emp_id"))
}

func TestReadBatchRejectsMissingColumns(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "emp.csv", "EmpID\n1\n")

	_, err := source.ReadBatch([]source.File{{Path: path}}, catalog.SourceTypeCSV, empMeta())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "EmpName")
}

func TestReadBatchSkipsEmptyFiles(t *testing.T) {
	dir := t.TempDir()
	empty := writeFile(t, dir, "empty.csv", "")
	full := writeFile(t, dir, "emp.csv", "EmpID,EmpName\n1,alice\n")

	b, err := source.ReadBatch([]source.File{{Path: empty}, {Path: full}}, catalog.SourceTypeCSV, empMeta())
	require.NoError(t, err)
	assert.Equal(t, 1, b.Len())
}

func TestReadBatchRejectsInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bad.json", `{"not": "an array"`)

	_, err := source.ReadBatch([]source.File{{Path: path}}, catalog.SourceTypeJSON, empMeta())
	assert.Error(t, err)
}
