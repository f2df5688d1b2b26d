package macros

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadAndExpand(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "exam.yaml", `
macros:
  - id: normal-exam
    title: Normal physical exam
    text: |
      Alert and oriented. No acute distress.
  - id: ros-negative
    text: Review of systems otherwise negative.
`)
	writeFile(t, dir, "notes.txt", "ignored, not yaml")

	lib, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if lib.Len() != 2 {
		t.Fatalf("expected 2 macros, got %d", lib.Len())
	}
	text, ok := lib.Expand("normal-exam")
	if !ok || text != "Alert and oriented. No acute distress." {
		t.Fatalf("unexpected expansion: %q, %v", text, ok)
	}
	if _, ok := lib.Expand("missing"); ok {
		t.Fatal("unknown macro must not expand")
	}
}

func TestLoadRejectsDuplicates(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "macros:\n  - id: dup\n    text: one\n")
	writeFile(t, dir, "b.yaml", "macros:\n  - id: dup\n    text: two\n")
	if _, err := Load(dir); err == nil {
		t.Fatal("expected duplicate id error")
	}
}

func TestLoadRejectsMissingText(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "macros:\n  - id: empty\n    text: \"\"\n")
	if _, err := Load(dir); err == nil {
		t.Fatal("expected validation error")
	}
}
