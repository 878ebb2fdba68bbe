package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/pavelanni/grader/internal/model"
)

func gradingCommand(t *testing.T, flags map[string]string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "grade"}
	addGradingFlags(cmd)
	for name, value := range flags {
		if err := cmd.Flags().Set(name, value); err != nil {
			t.Fatalf("set --%s: %v", name, err)
		}
	}
	return cmd
}

func TestGradingConfig(t *testing.T) {
	t.Setenv("GRADER_CONCURRENCY", "3")
	cmd := gradingCommand(t, map[string]string{
		"fuzzy-threshold": "0.75",
		"help-markers":    "pomogite,no idea",
		"extract-timeout": "45s",
		"partial-credit":  "true",
	})

	cfg, err := gradingConfig(viperForCmd(cmd))
	if err != nil {
		t.Fatalf("gradingConfig: %v", err)
	}
	if cfg.FuzzyThreshold != 0.75 {
		t.Errorf("FuzzyThreshold = %v, want 0.75", cfg.FuzzyThreshold)
	}
	if cfg.Concurrency != 3 {
		t.Errorf("Concurrency = %d, want 3 from environment", cfg.Concurrency)
	}
	if cfg.ExtractTimeout != 45*time.Second {
		t.Errorf("ExtractTimeout = %v, want 45s", cfg.ExtractTimeout)
	}
	if !cfg.PartialCredit {
		t.Error("PartialCredit should be enabled")
	}
	if len(cfg.HelpMarkers) != 2 || cfg.HelpMarkers[1] != "no idea" {
		t.Errorf("HelpMarkers = %q", cfg.HelpMarkers)
	}
	if cfg.MaxPerQuestion != model.DefaultGradingConfig().MaxPerQuestion {
		t.Errorf("MaxPerQuestion = %v, want default", cfg.MaxPerQuestion)
	}
}

func TestGradingConfigInvalid(t *testing.T) {
	cmd := gradingCommand(t, map[string]string{"fuzzy-threshold": "1.5"})

	_, err := gradingConfig(viperForCmd(cmd))
	var cfgErr *model.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
	if _, ok := cfgErr.Fields["FuzzyThreshold"]; !ok {
		t.Errorf("expected FuzzyThreshold to be reported, got %v", cfgErr.Fields)
	}
}

func TestReadDocuments(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "class")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	write := func(path, content string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
	write(filepath.Join(dir, "key.txt"), "(1 pt) 2+2\nAnswer: 4")
	write(filepath.Join(sub, "alice.txt"), "4")
	write(filepath.Join(sub, "bob.md"), "5")
	write(filepath.Join(sub, "readme.pdf"), "%PDF")

	docs, err := readDocuments([]string{filepath.Join(dir, "key.txt"), sub})
	if err != nil {
		t.Fatalf("readDocuments: %v", err)
	}
	if len(docs) != 3 {
		t.Fatalf("expected 3 documents, got %d", len(docs))
	}
	if filepath.Base(docs[0].Ref) != "key.txt" || filepath.Base(docs[2].Ref) != "bob.md" {
		t.Errorf("unexpected order: %s, %s, %s", docs[0].Ref, docs[1].Ref, docs[2].Ref)
	}

	if _, err := readDocuments([]string{filepath.Join(dir, "missing.txt")}); err == nil {
		t.Error("expected error for missing path")
	}
}

func TestWriteJSON(t *testing.T) {
	cmd := &cobra.Command{}
	var out bytes.Buffer
	cmd.SetOut(&out)

	if err := writeJSON(cmd, "-", map[string]int{"total": 2}); err != nil {
		t.Fatalf("writeJSON: %v", err)
	}
	if out.String() != "{\n  \"total\": 2\n}\n" {
		t.Errorf("unexpected stdout %q", out.String())
	}

	path := filepath.Join(t.TempDir(), "results.json")
	if err := writeJSON(cmd, path, []string{"alice"}); err != nil {
		t.Fatalf("writeJSON to file: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var got []string
	if err := json.Unmarshal(data, &got); err != nil || len(got) != 1 || got[0] != "alice" {
		t.Errorf("unexpected file content %q (%v)", data, err)
	}
}
