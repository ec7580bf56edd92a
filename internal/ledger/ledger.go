// Package ledger owns the per-user report files: the category summary, the
// failed-download ledger and the download error log. Summaries are rewritten
// atomically; the other two are append-only.
package ledger

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"go-civitai-bulk/internal/classify"
	"go-civitai-bulk/internal/helpers"
	"go-civitai-bulk/internal/paths"

	log "github.com/sirupsen/logrus"
)

const (
	maxNameLength       = 500
	maxItemsPerCategory = 30_000
)

var ErrLedgerFormat = errors.New("malformed summary file")

// OtherItem records an unrecognized item together with the provider type
// that failed to classify, so the listing stays debuggable.
type OtherItem struct {
	Name string
	Type string
}

// Summary accumulates categorized item names for a single user during the
// listing pass. Not safe for concurrent use; the listing walk is sequential.
type Summary struct {
	Username string

	items map[classify.Category][]string
	other []OtherItem
}

// NewSummary creates an empty summary for a sanitized username.
func NewSummary(username string) *Summary {
	items := make(map[classify.Category][]string, len(classify.Categories))
	for _, cat := range classify.Categories {
		items[cat] = nil
	}
	return &Summary{Username: username, items: items}
}

// clampName truncates untrusted display names so a hostile listing cannot
// balloon the summary file.
func clampName(name string) string {
	if len(name) > maxNameLength {
		log.Warnf("Truncating long name: %s...", name[:50])
		return name[:maxNameLength]
	}
	return name
}

// AddItem categorizes one listing item by its provider type.
func (s *Summary) AddItem(name, itemType string) {
	name = clampName(name)
	category := classify.CategorizeItem(itemType)

	if len(s.items[category]) >= maxItemsPerCategory {
		log.Errorf("Category %s exceeded %d items, skipping %q", category, maxItemsPerCategory, name)
		return
	}
	s.items[category] = append(s.items[category], name)

	if category == classify.Other && len(s.other) < maxItemsPerCategory {
		s.other = append(s.other, OtherItem{Name: name, Type: itemType})
	}
}

// AddTrainingDataFile folds a nested training-data archive name into the
// Training_Data category. Archive names come from the API and get the same
// clamping and separator scrubbing as everything else.
func (s *Summary) AddTrainingDataFile(fileName string) {
	fileName = clampName(fileName)
	if strings.ContainsAny(fileName, "/\\") || strings.HasPrefix(fileName, ".") {
		log.Warnf("Suspicious training data filename: %.50s", fileName)
		fileName = strings.NewReplacer("/", "_", "\\", "_").Replace(fileName)
		fileName = strings.TrimLeft(fileName, ".")
	}
	if fileName == "" {
		return
	}
	if len(s.items[classify.TrainingData]) >= maxItemsPerCategory {
		log.Errorf("Training_Data category exceeded %d items, skipping %q", maxItemsPerCategory, fileName)
		return
	}
	s.items[classify.TrainingData] = append(s.items[classify.TrainingData], fileName)
}

// Count returns the number of entries filed under a category.
func (s *Summary) Count(cat classify.Category) int {
	return len(s.items[cat])
}

// Total returns the entry count across all categories.
func (s *Summary) Total() int {
	total := 0
	for _, names := range s.items {
		total += len(names)
	}
	return total
}

// format renders the summary report. The counts header is machine-parseable
// by ReadCounts; the detailed listing below it is for humans.
func (s *Summary) format() string {
	var b strings.Builder
	b.WriteString("Summary:\n\n")
	fmt.Fprintf(&b, "Total - Count: %d\n", s.Total())
	for _, cat := range classify.Categories {
		fmt.Fprintf(&b, "%s - Count: %d\n", cat, len(s.items[cat]))
	}

	b.WriteString("\nDetailed Listing:\n")
	for _, cat := range classify.Categories {
		fmt.Fprintf(&b, "\n%s:\n", cat)
		if cat == classify.Other {
			for _, item := range s.other {
				fmt.Fprintf(&b, "  %s - Type: %s\n", item.Name, item.Type)
			}
			continue
		}
		for _, name := range s.items[cat] {
			fmt.Fprintf(&b, "  %s\n", name)
		}
	}
	return b.String()
}

// Write persists the summary to {dir}/{username}.txt via a temp file and
// atomic rename, so a crash never leaves a half-written report.
func (s *Summary) Write(dir string) (string, error) {
	summaryPath, err := paths.SafeJoin(dir, s.Username+".txt")
	if err != nil {
		return "", fmt.Errorf("resolving summary path: %w", err)
	}

	tmp, err := os.CreateTemp(dir, s.Username+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("creating summary temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			if removeErr := os.Remove(tmpName); removeErr != nil && !os.IsNotExist(removeErr) {
				log.WithError(removeErr).Warnf("Failed to remove summary temp file %s", tmpName)
			}
		}
	}()

	if _, err := tmp.WriteString(s.format()); err != nil {
		return "", fmt.Errorf("writing summary temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return "", fmt.Errorf("syncing summary temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("closing summary temp file: %w", err)
	}
	if err := os.Rename(tmpName, summaryPath); err != nil {
		return "", fmt.Errorf("renaming summary into place: %w", err)
	}
	committed = true

	log.Infof("Wrote summary for %s (%d items) to %s", s.Username, s.Total(), summaryPath)
	return summaryPath, nil
}

// ReadCounts parses the counts header of a previously written summary file.
// The returned map uses "Total" plus the category names as keys.
func ReadCounts(path string) (map[string]int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	counts := make(map[string]int)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		key, value, found := strings.Cut(line, " - Count:")
		if !found {
			if line == "Detailed Listing:" {
				break
			}
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("%w: bad count in line %q", ErrLedgerFormat, line)
		}
		counts[strings.TrimSpace(key)] = n
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return counts, nil
}

// FailureLedger is the append-only record of downloads that failed after all
// retries. The file is truncated at the start of each run, so it always
// reflects the latest attempt. URLs are query-stripped before writing.
type FailureLedger struct {
	path string

	mu sync.Mutex
	f  *os.File
}

// NewFailureLedger creates (or truncates) failed_downloads_{username}.txt in dir.
func NewFailureLedger(dir, username string) (*FailureLedger, error) {
	path, err := paths.SafeJoin(dir, fmt.Sprintf("failed_downloads_%s.txt", username))
	if err != nil {
		return nil, fmt.Errorf("resolving failure ledger path: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating failure ledger %s: %w", path, err)
	}
	if _, err := fmt.Fprintf(f, "Failed Downloads for Username: %s\n\n", username); err != nil {
		f.Close()
		return nil, fmt.Errorf("writing failure ledger header: %w", err)
	}
	return &FailureLedger{path: path, f: f}, nil
}

// Record appends one failure entry. kind names the URL's role: "Model",
// "File" or "Image".
func (l *FailureLedger) Record(itemName, kind, rawURL string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := fmt.Fprintf(l.f, "Item Name: %s\n%s URL: %s\n---\n", itemName, kind, helpers.RedactURL(rawURL))
	if err != nil {
		log.WithError(err).Errorf("Failed to record failure for %s in %s", itemName, l.path)
	}
}

// Path returns the ledger file location.
func (l *FailureLedger) Path() string {
	return l.path
}

// Close flushes and closes the underlying file.
func (l *FailureLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// ErrorLog appends per-item download errors to {username}.download_errors.log.
// Unlike the failure ledger it survives across runs.
type ErrorLog struct {
	mu sync.Mutex
	f  *os.File
}

// OpenErrorLog opens (creating if needed) the per-user error log in dir.
func OpenErrorLog(dir, username string) (*ErrorLog, error) {
	path, err := paths.SafeJoin(dir, username+".download_errors.log")
	if err != nil {
		return nil, fmt.Errorf("resolving error log path: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening error log %s: %w", path, err)
	}
	return &ErrorLog{f: f}, nil
}

// Append writes one line to the error log.
func (e *ErrorLog) Append(format string, args ...interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := fmt.Fprintf(e.f, format+"\n", args...); err != nil {
		log.WithError(err).Error("Failed to append to download error log")
	}
}

// Close closes the underlying file.
func (e *ErrorLog) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.f.Close()
}

// DetailsFileName is the per-version metadata file that download workers
// append to; writes go through a LockRegistry so entries never interleave.
const DetailsFileName = "details.txt"

// AppendDetails appends pre-formatted lines to a details.txt under lock.
func AppendDetails(registry *LockRegistry, path string, lines ...string) error {
	release := registry.Acquire(path)
	defer release()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	for _, line := range lines {
		if _, err := fmt.Fprintln(f, line); err != nil {
			return fmt.Errorf("appending to %s: %w", path, err)
		}
	}
	return nil
}
