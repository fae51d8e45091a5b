package zipx

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"
)

// writeZip builds a zip at path with the given name -> content entries.
func writeZip(t *testing.T, path string, entries map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	w := zip.NewWriter(f)
	for name, content := range entries {
		fw, err := w.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := fw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestExtract(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "bot.zip")
	writeZip(t, src, map[string]string{
		"main.py":          "print('hi')",
		"lib/helpers.py":   "pass",
		"requirements.txt": "requests",
	})

	dest := filepath.Join(dir, "out")
	if err := Extract(src, dest); err != nil {
		t.Fatalf("Extract() error = %v", err)
	}

	for _, name := range []string{"main.py", "lib/helpers.py", "requirements.txt"} {
		if _, err := os.Stat(filepath.Join(dest, name)); err != nil {
			t.Errorf("missing extracted file %s: %v", name, err)
		}
	}

	data, err := os.ReadFile(filepath.Join(dest, "main.py"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "print('hi')" {
		t.Errorf("main.py content = %q", data)
	}
}

func TestExtractRejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "evil.zip")
	writeZip(t, src, map[string]string{
		"../escape.txt": "nope",
	})

	dest := filepath.Join(dir, "out")
	if err := Extract(src, dest); err == nil {
		t.Fatal("Extract() should reject path traversal")
	}
	if _, err := os.Stat(filepath.Join(dir, "escape.txt")); !os.IsNotExist(err) {
		t.Error("traversal entry was written outside destination")
	}
}

func TestArchiveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "tree")
	if err := os.MkdirAll(filepath.Join(src, "lib"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "main.py"), []byte("print('hi')"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "lib", "util.py"), []byte("pass"), 0644); err != nil {
		t.Fatal(err)
	}

	zipPath := filepath.Join(dir, "out.zip")
	if err := Archive(src, zipPath); err != nil {
		t.Fatalf("Archive() error = %v", err)
	}

	dest := filepath.Join(dir, "restored")
	if err := Extract(zipPath, dest); err != nil {
		t.Fatalf("Extract() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dest, "lib", "util.py"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "pass" {
		t.Errorf("round-tripped content = %q", data)
	}
}

func TestExtractMissingArchive(t *testing.T) {
	if err := Extract(filepath.Join(t.TempDir(), "nope.zip"), t.TempDir()); err == nil {
		t.Error("Extract() of missing archive should fail")
	}
}
