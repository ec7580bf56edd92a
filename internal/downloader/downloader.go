package downloader

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go-civitai-bulk/internal/helpers"
	"go-civitai-bulk/internal/models"

	log "github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"
)

// Custom Downloader Errors
var (
	ErrHashMismatch = errors.New("downloaded file hash mismatch")
	ErrSizeMismatch = errors.New("downloaded file size mismatch")
	ErrHttpStatus   = errors.New("unexpected HTTP status code")
	ErrFileSystem   = errors.New("filesystem error") // Covers create, remove, rename
	ErrNotFound     = errors.New("file not available (404)")
	ErrUnauthorized = errors.New("download request unauthorized")

	// errTransient marks failures worth another attempt: transport errors,
	// rate limits and server-side 5xx.
	errTransient = errors.New("transient download failure")
)

// Status reports the outcome of a single Download call.
type Status int

const (
	StatusDownloaded Status = iota
	StatusSkipped
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusDownloaded:
		return "downloaded"
	case StatusSkipped:
		return "skipped"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// VerifySpec carries the provider-reported size and hashes for a file. Zero
// values disable the corresponding check.
type VerifySpec struct {
	SizeKB float64
	Hashes models.Hashes
}

// A .safetensors file smaller than this is a truncated or error-page body,
// whatever the metadata claims.
const safetensorsMinSize = 4 << 20

// Downloader handles verified downloads with bounded retries. Files land
// under their final path only after size and hash checks pass.
type Downloader struct {
	client         *http.Client
	apiKey         string
	maxRetries     int
	retryDelay     time.Duration
	verifyHashes   bool
	verifyExisting bool

	// Counter, when set, accumulates bytes across all downloads for
	// progress reporting.
	Counter *helpers.CounterWriter
}

// NewDownloader creates a new Downloader instance.
func NewDownloader(client *http.Client, apiKey string, cfg models.Config) *Downloader {
	if client == nil {
		client = &http.Client{
			Timeout: 15 * time.Minute,
		}
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Downloader{
		client:         client,
		apiKey:         apiKey,
		maxRetries:     maxRetries,
		retryDelay:     time.Duration(cfg.RetryDelaySec) * time.Second,
		verifyHashes:   cfg.VerifyHashes,
		verifyExisting: cfg.VerifyExisting,
	}
}

// pickHash selects the cheapest verification hash the provider supplied.
// CRC32 beats BLAKE3 beats SHA256; AutoV2 is a display hash, not a
// verification one.
func pickHash(h models.Hashes) (name, expected string, hasher hash.Hash) {
	switch {
	case h.CRC32 != "":
		return "CRC32", h.CRC32, crc32.NewIEEE()
	case h.BLAKE3 != "":
		return "BLAKE3", h.BLAKE3, blake3.New()
	case h.SHA256 != "":
		return "SHA256", h.SHA256, sha256.New()
	}
	return "", "", nil
}

// checkSize validates a byte count against the provider-reported size with a
// 1% tolerance (1 KiB floor), plus the hard floor for .safetensors payloads.
func checkSize(written int64, sizeKB float64, destPath string) error {
	if strings.EqualFold(filepath.Ext(destPath), ".safetensors") && written < safetensorsMinSize {
		return fmt.Errorf("%w: %s for a .safetensors file (minimum %s)",
			ErrSizeMismatch, helpers.BytesToSize(uint64(written)), helpers.BytesToSize(safetensorsMinSize))
	}
	if sizeKB <= 0 {
		return nil
	}
	expected := sizeKB * 1024
	tolerance := expected * 0.01
	if tolerance < 1024 {
		tolerance = 1024
	}
	if math.Abs(float64(written)-expected) > tolerance {
		return fmt.Errorf("%w: expected %.0f bytes, got %d", ErrSizeMismatch, expected, written)
	}
	return nil
}

// withNsfwParam appends nsfw=true to a download URL unless already present.
func withNsfwParam(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	query := parsed.Query()
	if query.Get("nsfw") == "" {
		query.Set("nsfw", "true")
		parsed.RawQuery = query.Encode()
	}
	return parsed.String()
}

// Download fetches url into destPath atomically. An existing destination is
// skipped without a request unless VerifyExisting is set, in which case it is
// re-verified and replaced when the check fails. Transient failures and
// integrity mismatches are retried up to the configured limit; auth failures,
// 404 and filesystem errors are terminal.
func (d *Downloader) Download(rawURL string, destPath string, verify VerifySpec) (Status, error) {
	if info, err := os.Stat(destPath); err == nil && info.Mode().IsRegular() {
		if !d.verifyExisting {
			log.Debugf("File already exists, skipping: %s", destPath)
			return StatusSkipped, nil
		}
		if err := d.verifyExistingFile(destPath, verify); err == nil {
			log.Debugf("Existing file re-verified, skipping: %s", destPath)
			return StatusSkipped, nil
		} else {
			log.WithError(err).Warnf("Existing file failed verification, re-downloading: %s", destPath)
			if removeErr := os.Remove(destPath); removeErr != nil {
				return StatusFailed, fmt.Errorf("%w: removing stale file %s: %v", ErrFileSystem, destPath, removeErr)
			}
		}
	}

	targetDir := filepath.Dir(destPath)
	if !helpers.CheckAndMakeDir(targetDir) {
		return StatusFailed, fmt.Errorf("%w: creating target directory %s", ErrFileSystem, targetDir)
	}

	reqURL := withNsfwParam(rawURL)

	var lastErr error
	for attempt := 1; attempt <= d.maxRetries; attempt++ {
		if attempt > 1 {
			log.WithError(lastErr).Warnf("Retrying download of %s (%d/%d) in %v...",
				filepath.Base(destPath), attempt, d.maxRetries, d.retryDelay)
			time.Sleep(d.retryDelay)
		}

		err := d.attempt(reqURL, destPath, verify)
		if err == nil {
			return StatusDownloaded, nil
		}
		if !isRetryable(err) {
			return StatusFailed, err
		}
		lastErr = err
	}

	return StatusFailed, fmt.Errorf("download failed after %d attempts: %w", d.maxRetries, lastErr)
}

func isRetryable(err error) bool {
	return errors.Is(err, errTransient) ||
		errors.Is(err, ErrHashMismatch) ||
		errors.Is(err, ErrSizeMismatch)
}

// attempt performs one request/verify/rename cycle. The temp file never
// survives a failed attempt.
func (d *Downloader) attempt(reqURL string, destPath string, verify VerifySpec) error {
	req, err := http.NewRequest(http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("creating download request: %w", err)
	}
	if d.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.apiKey)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: requesting %s: %v", errTransient, helpers.RedactURL(reqURL), err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, helpers.RedactURL(reqURL))
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w (status %d)", ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d from %s", errTransient, resp.StatusCode, helpers.RedactURL(reqURL))
	default:
		return fmt.Errorf("%w: received status %d from %s", ErrHttpStatus, resp.StatusCode, helpers.RedactURL(reqURL))
	}

	targetDir := filepath.Dir(destPath)
	tempFile, err := os.CreateTemp(targetDir, filepath.Base(destPath)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: creating temporary file for %s: %v", ErrFileSystem, destPath, err)
	}
	shouldCleanupTemp := true
	defer func() {
		if shouldCleanupTemp {
			tempFile.Close()
			if removeErr := os.Remove(tempFile.Name()); removeErr != nil && !os.IsNotExist(removeErr) {
				log.WithError(removeErr).Warnf("Failed to remove temporary file %s", tempFile.Name())
			}
		}
	}()

	var writer io.Writer = tempFile
	if d.Counter != nil {
		writer = io.MultiWriter(writer, d.Counter)
	}

	var hashName, expected string
	var hasher hash.Hash
	if d.verifyHashes {
		hashName, expected, hasher = pickHash(verify.Hashes)
		if hasher != nil {
			writer = io.MultiWriter(writer, hasher)
		}
	}

	written, err := io.Copy(writer, resp.Body)
	if err != nil {
		return fmt.Errorf("%w: writing %s: %v", errTransient, tempFile.Name(), err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("%w: closing temp file %s: %v", ErrFileSystem, tempFile.Name(), err)
	}

	if err := checkSize(written, verify.SizeKB, destPath); err != nil {
		return err
	}
	if hasher != nil {
		got := hex.EncodeToString(hasher.Sum(nil))
		if !strings.EqualFold(got, expected) {
			return fmt.Errorf("%w: %s expected %s, got %s", ErrHashMismatch, hashName, expected, got)
		}
		log.Debugf("%s verified for %s", hashName, destPath)
	}

	if err := os.Rename(tempFile.Name(), destPath); err != nil {
		return fmt.Errorf("%w: renaming %s to %s: %v", ErrFileSystem, tempFile.Name(), destPath, err)
	}
	shouldCleanupTemp = false

	log.Debugf("Successfully downloaded %s (%s)", destPath, helpers.BytesToSize(uint64(written)))
	return nil
}

// verifyExistingFile re-checks a file already on disk against the provider
// metadata. Used by the verify-existing mode.
func (d *Downloader) verifyExistingFile(path string, verify VerifySpec) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFileSystem, err)
	}
	if err := checkSize(info.Size(), verify.SizeKB, path); err != nil {
		return err
	}

	hashName, expected, hasher := pickHash(verify.Hashes)
	if hasher == nil || !d.verifyHashes {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFileSystem, err)
	}
	defer f.Close()

	if _, err := io.Copy(hasher, f); err != nil {
		return fmt.Errorf("%w: hashing %s: %v", ErrFileSystem, path, err)
	}
	got := hex.EncodeToString(hasher.Sum(nil))
	if !strings.EqualFold(got, expected) {
		return fmt.Errorf("%w: %s expected %s, got %s", ErrHashMismatch, hashName, expected, got)
	}
	return nil
}
