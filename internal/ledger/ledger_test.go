package ledger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"go-civitai-bulk/internal/classify"
)

func TestSummaryCategorization(t *testing.T) {
	s := NewSummary("alice")
	s.AddItem("My Checkpoint", "Checkpoint")
	s.AddItem("My Lora", "LORA")
	s.AddItem("Another Lora", "lora")
	s.AddItem("My Embedding", "TextualInversion")
	s.AddItem("Mystery Thing", "AestheticGradient")
	s.AddTrainingDataFile("dataset.zip")

	tests := []struct {
		cat  classify.Category
		want int
	}{
		{classify.Checkpoints, 1},
		{classify.Lora, 2},
		{classify.Embeddings, 1},
		{classify.TrainingData, 1},
		{classify.Other, 1},
	}
	for _, tt := range tests {
		if got := s.Count(tt.cat); got != tt.want {
			t.Errorf("Count(%s) = %d, want %d", tt.cat, got, tt.want)
		}
	}
	if got := s.Total(); got != 6 {
		t.Errorf("Total() = %d, want 6", got)
	}
}

func TestSummaryClampsLongNames(t *testing.T) {
	s := NewSummary("alice")
	long := strings.Repeat("x", 600)
	s.AddItem(long, "LORA")

	report := s.format()
	if strings.Contains(report, long) {
		t.Error("summary contains unclamped 600-char name")
	}
	if !strings.Contains(report, strings.Repeat("x", 500)) {
		t.Error("summary missing name clamped to 500 chars")
	}
}

func TestSummaryCategoryCap(t *testing.T) {
	s := NewSummary("alice")
	for i := 0; i < maxItemsPerCategory+10; i++ {
		s.AddItem(fmt.Sprintf("lora %d", i), "LORA")
	}
	if got := s.Count(classify.Lora); got != maxItemsPerCategory {
		t.Errorf("Count(Lora) = %d, want cap %d", got, maxItemsPerCategory)
	}
}

func TestAddTrainingDataFileScrubsSeparators(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string // empty means the entry is dropped
	}{
		{"clean name kept", "dataset.zip", "dataset.zip"},
		{"forward slash scrubbed", "a/b.zip", "a_b.zip"},
		{"backslash scrubbed", `a\b.zip`, "a_b.zip"},
		{"leading dot stripped", ".hidden.zip", "hidden.zip"},
		{"dots only dropped", "...", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSummary("alice")
			s.AddTrainingDataFile(tt.in)
			if tt.want == "" {
				if got := s.Count(classify.TrainingData); got != 0 {
					t.Errorf("expected entry to be dropped, got %d entries", got)
				}
				return
			}
			if !strings.Contains(s.format(), "  "+tt.want+"\n") {
				t.Errorf("summary missing scrubbed entry %q", tt.want)
			}
		})
	}
}

func TestSummaryWriteAndReadCounts(t *testing.T) {
	dir := t.TempDir()
	s := NewSummary("alice")
	s.AddItem("My Lora", "LORA")
	s.AddItem("My Checkpoint", "Checkpoint")
	s.AddItem("Weird", "AestheticGradient")

	path, err := s.Write(dir)
	if err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	if filepath.Base(path) != "alice.txt" {
		t.Errorf("summary written to %s, want alice.txt", path)
	}

	counts, err := ReadCounts(path)
	if err != nil {
		t.Fatalf("ReadCounts returned error: %v", err)
	}
	want := map[string]int{
		"Total":         3,
		"Checkpoints":   1,
		"Embeddings":    0,
		"Lora":          1,
		"Training_Data": 0,
		"Other":         1,
	}
	for key, n := range want {
		if counts[key] != n {
			t.Errorf("counts[%q] = %d, want %d", key, counts[key], n)
		}
	}

	// The detailed listing records what classified as Other and why.
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(content), "Weird - Type: AestheticGradient") {
		t.Error("summary missing Other item with its provider type")
	}

	// No temp file may survive the atomic rename.
	entries, _ := os.ReadDir(dir)
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".tmp") {
			t.Errorf("temp file left behind: %s", entry.Name())
		}
	}
}

func TestSummaryWriteOverwritesPreviousRun(t *testing.T) {
	dir := t.TempDir()

	first := NewSummary("alice")
	first.AddItem("Old Lora", "LORA")
	if _, err := first.Write(dir); err != nil {
		t.Fatal(err)
	}

	second := NewSummary("alice")
	second.AddItem("New Checkpoint", "Checkpoint")
	path, err := second.Write(dir)
	if err != nil {
		t.Fatal(err)
	}

	content, _ := os.ReadFile(path)
	if strings.Contains(string(content), "Old Lora") {
		t.Error("summary still contains entry from the previous run")
	}
}

func TestFailureLedger(t *testing.T) {
	dir := t.TempDir()

	l, err := NewFailureLedger(dir, "alice")
	if err != nil {
		t.Fatalf("NewFailureLedger returned error: %v", err)
	}
	l.Record("My Lora", "File", "https://civitai.com/api/download/models/42?token=secret123")
	l.Record("My Lora", "Image", "https://image.civitai.com/pics/1.jpeg")
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	content, err := os.ReadFile(l.Path())
	if err != nil {
		t.Fatal(err)
	}
	text := string(content)

	if !strings.HasPrefix(text, "Failed Downloads for Username: alice\n\n") {
		t.Error("failure ledger missing header")
	}
	if strings.Contains(text, "secret123") {
		t.Error("failure ledger leaked a query parameter")
	}
	if !strings.Contains(text, "File URL: https://civitai.com/api/download/models/42\n") {
		t.Error("failure ledger missing query-stripped file URL")
	}
	if !strings.Contains(text, "Item Name: My Lora\n") || !strings.Contains(text, "---\n") {
		t.Error("failure ledger entry format wrong")
	}
}

func TestFailureLedgerTruncatesOnNewRun(t *testing.T) {
	dir := t.TempDir()

	first, err := NewFailureLedger(dir, "alice")
	if err != nil {
		t.Fatal(err)
	}
	first.Record("Stale Item", "File", "https://civitai.com/x")
	first.Close()

	second, err := NewFailureLedger(dir, "alice")
	if err != nil {
		t.Fatal(err)
	}
	second.Close()

	content, _ := os.ReadFile(second.Path())
	if strings.Contains(string(content), "Stale Item") {
		t.Error("failure ledger kept entries from the previous run")
	}
}

func TestErrorLogAppendsAcrossOpens(t *testing.T) {
	dir := t.TempDir()

	first, err := OpenErrorLog(dir, "alice")
	if err != nil {
		t.Fatal(err)
	}
	first.Append("run one: %s failed", "My Lora")
	first.Close()

	second, err := OpenErrorLog(dir, "alice")
	if err != nil {
		t.Fatal(err)
	}
	second.Append("run two: %s failed", "My Checkpoint")
	second.Close()

	content, err := os.ReadFile(filepath.Join(dir, "alice.download_errors.log"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(content), "run one") || !strings.Contains(string(content), "run two") {
		t.Error("error log must accumulate across runs")
	}
}

func TestAppendDetailsConcurrent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DetailsFileName)
	registry := NewLockRegistry()

	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			err := AppendDetails(registry, path,
				fmt.Sprintf("File Name: file%d", n),
				fmt.Sprintf("File URL: https://civitai.com/api/download/models/%d", n))
			if err != nil {
				t.Errorf("AppendDetails: %v", err)
			}
		}(i)
	}
	wg.Wait()

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(string(content), "\n"), "\n")
	if len(lines) != writers*2 {
		t.Fatalf("details file has %d lines, want %d", len(lines), writers*2)
	}
	// Entries must not interleave: every name line is directly followed by
	// its matching URL line.
	for i := 0; i < len(lines); i += 2 {
		if !strings.HasPrefix(lines[i], "File Name: file") {
			t.Fatalf("line %d = %q, want a name line", i, lines[i])
		}
		n := strings.TrimPrefix(lines[i], "File Name: file")
		if want := "File URL: https://civitai.com/api/download/models/" + n; lines[i+1] != want {
			t.Errorf("line %d = %q, want %q", i+1, lines[i+1], want)
		}
	}
}
