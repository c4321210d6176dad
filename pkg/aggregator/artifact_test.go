package aggregator

import (
	"os"
	"path/filepath"
	"testing"
)

func TestArtifactWriteFile(t *testing.T) {
	a := newTestAggregator(t, 0, ZipEncoding{})
	a.Info("bundle me")

	art, err := a.ExportAndReset(t.Context())
	if err != nil {
		t.Fatal(err)
	}

	dir := filepath.Join(t.TempDir(), "exports")
	path, err := art.WriteFile(dir)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(path) != "diagnostics-20240102T030405Z.zip" {
		t.Errorf("unexpected file name %q", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != string(art.Data) {
		t.Error("written file differs from artifact data")
	}
}
