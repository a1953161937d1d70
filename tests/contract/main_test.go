//go:build contract

package contract

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	testdataDir     = "testdata"
	goldenOutputDir = "golden"
)

// loadGoldenFileRaw reads a recorded fixture from testdata.
func loadGoldenFileRaw(t *testing.T, path string) []byte {
	t.Helper()

	fullPath := filepath.Join(testdataDir, path)
	data, err := os.ReadFile(fullPath)
	require.NoError(t, err, "failed to read golden file %s", fullPath)

	return data
}

func shouldRecordGoldenOutputs() bool {
	return os.Getenv("RECORD") == "1" || os.Getenv("UPDATE_GOLDEN") == "1"
}

// compareGoldenJSON compares value with testdata/golden/path, rewriting the
// file first when RECORD=1.
func compareGoldenJSON(t *testing.T, path string, value any) {
	t.Helper()

	actual, err := json.MarshalIndent(value, "", "  ")
	require.NoError(t, err)
	actual = append(actual, '\n')

	fullPath := filepath.Join(testdataDir, goldenOutputDir, path)
	if shouldRecordGoldenOutputs() {
		require.NoError(t, os.MkdirAll(filepath.Dir(fullPath), 0755))
		require.NoError(t, os.WriteFile(fullPath, actual, 0644))
	}

	expected, err := os.ReadFile(fullPath)
	if os.IsNotExist(err) {
		t.Fatalf("missing golden file %s; run `RECORD=1 go test -tags=contract ./tests/contract/...`", filepath.Join(goldenOutputDir, path))
	}
	require.NoError(t, err)

	require.JSONEq(t, string(expected), string(actual), "golden mismatch for %s", filepath.Join(goldenOutputDir, path))
}
