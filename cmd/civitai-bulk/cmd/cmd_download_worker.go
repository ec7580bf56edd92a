package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"go-civitai-bulk/internal/classify"
	"go-civitai-bulk/internal/downloader"
	"go-civitai-bulk/internal/helpers"
	"go-civitai-bulk/internal/ledger"
	"go-civitai-bulk/internal/paths"

	log "github.com/sirupsen/logrus"
)

// downloadWorker consumes jobs until the channel closes. Each job is one
// model version; the worker downloads its files and preview images and
// records every outcome.
func (r *userRun) downloadWorker(id int, jobs <-chan downloadJob, wg *sync.WaitGroup) {
	defer wg.Done()
	log.Debugf("Worker %d starting", id)
	for job := range jobs {
		r.processVersion(id, job)
	}
	log.Debugf("Worker %d finished", id)
}

// sanitizeOr sanitizes an untrusted name, falling back to a provider-id
// derived token when the name is empty or cannot be made safe.
func sanitizeOr(raw string, kind paths.Kind, fallback string) string {
	s, err := paths.SanitizeSegment(raw, kind)
	if err != nil || s == "" {
		log.Debugf("Name %.50q not usable as a path segment, using %q", raw, fallback)
		return fallback
	}
	return s
}

func (r *userRun) processVersion(id int, job downloadJob) {
	modelURL := fmt.Sprintf("https://civitai.com/models/%d", job.ItemID)
	itemName := sanitizeOr(job.ItemName, paths.KindItem, fmt.Sprintf("m%d", job.ItemID))
	versionName := sanitizeOr(job.Version.Name, paths.KindItem, fmt.Sprintf("v%d", job.Version.ID))

	// Set on the first file that passes the category filter; images are
	// only fetched for versions that contributed at least one file.
	var versionDir string
	usedNames := make(map[string]struct{})

	for _, file := range job.Version.Files {
		category := classify.ClassifyFile(job.ItemType, file.Name)
		if r.filter != classify.All && category != r.filter {
			atomic.AddInt64(&r.counters.filtered, 1)
			continue
		}
		if file.Name == "" || file.DownloadUrl == "" {
			log.Warnf("Worker %d: Skipping invalid file entry (id %d) in %q", id, file.ID, job.ItemName)
			continue
		}

		dir, err := r.ensureVersionDir(category, job, itemName, versionName)
		if err != nil {
			log.WithError(err).Errorf("Worker %d: Failed to prepare directory for %q", id, job.ItemName)
			r.failures.Record(job.ItemName, "Model", modelURL)
			r.errLog.Append("Failed to prepare directory for %s: %v", job.ItemName, err)
			atomic.AddInt64(&r.counters.failed, 1)
			continue
		}
		versionDir = dir

		fileName := sanitizeOr(file.Name, paths.KindFile, fmt.Sprintf("%d_file_%d", job.Version.ID, file.ID))
		if _, dup := usedNames[fileName]; dup {
			fileName = fmt.Sprintf("%d_%s", file.ID, fileName)
		}
		usedNames[fileName] = struct{}{}
		fileName, err = paths.FitWithinPath(fileName, versionDir, paths.MaxPathLength)
		if err != nil {
			log.WithError(err).Errorf("Worker %d: Destination path too long for %q", id, file.Name)
			r.failures.Record(job.ItemName, "File", file.DownloadUrl)
			r.errLog.Append("Destination path too long for %s: %v", helpers.RedactURL(file.DownloadUrl), err)
			atomic.AddInt64(&r.counters.failed, 1)
			continue
		}

		dest, err := paths.SafeJoin(versionDir, fileName)
		if err != nil {
			log.WithError(err).Errorf("Worker %d: Rejected destination for %q", id, file.Name)
			r.failures.Record(job.ItemName, "File", file.DownloadUrl)
			atomic.AddInt64(&r.counters.failed, 1)
			continue
		}

		fmt.Fprintf(r.writer.Newline(), "Worker %d: Downloading %s...\n", id, fileName)
		status, dlErr := r.dl.Download(file.DownloadUrl, dest, downloader.VerifySpec{
			SizeKB: file.SizeKB,
			Hashes: file.Hashes,
		})
		switch status {
		case downloader.StatusDownloaded:
			atomic.AddInt64(&r.counters.downloaded, 1)
			fmt.Fprintf(r.writer.Newline(), "Worker %d: Success downloading %s\n", id, fileName)
		case downloader.StatusSkipped:
			atomic.AddInt64(&r.counters.skipped, 1)
		default:
			atomic.AddInt64(&r.counters.failed, 1)
			log.WithError(dlErr).Errorf("Worker %d: Failed to download %q", id, file.Name)
			r.failures.Record(job.ItemName, "File", file.DownloadUrl)
			r.errLog.Append("Failed to download %s: %v", helpers.RedactURL(file.DownloadUrl), dlErr)
			fmt.Fprintf(r.writer.Newline(), "Worker %d: Error downloading %s: %v\n", id, fileName, dlErr)
		}

		detailsPath := filepath.Join(versionDir, ledger.DetailsFileName)
		if err := ledger.AppendDetails(r.locks, detailsPath,
			"Model URL: "+modelURL,
			"File Name: "+file.Name,
			"File URL: "+helpers.RedactURL(file.DownloadUrl),
		); err != nil {
			log.WithError(err).Warnf("Worker %d: Failed to append details for %q", id, file.Name)
		}
	}

	if versionDir == "" {
		return
	}

	for _, image := range job.Version.Images {
		if image.ID == 0 || image.URL == "" {
			log.Warnf("Worker %d: Skipping invalid image entry in %q", id, job.ItemName)
			continue
		}

		imageName, err := paths.FitWithinPath(fmt.Sprintf("%s_%d.jpeg", itemName, image.ID), versionDir, paths.MaxPathLength)
		if err != nil {
			log.WithError(err).Errorf("Worker %d: Destination path too long for image %d", id, image.ID)
			r.failures.Record(job.ItemName, "Image", image.URL)
			r.errLog.Append("Destination path too long for %s: %v", helpers.RedactURL(image.URL), err)
			atomic.AddInt64(&r.counters.failed, 1)
			continue
		}
		dest, err := paths.SafeJoin(versionDir, imageName)
		if err != nil {
			log.WithError(err).Errorf("Worker %d: Rejected image destination for %q", id, imageName)
			r.failures.Record(job.ItemName, "Image", image.URL)
			atomic.AddInt64(&r.counters.failed, 1)
			continue
		}

		status, dlErr := r.dl.Download(image.URL, dest, downloader.VerifySpec{})
		switch status {
		case downloader.StatusDownloaded:
			atomic.AddInt64(&r.counters.downloaded, 1)
		case downloader.StatusSkipped:
			atomic.AddInt64(&r.counters.skipped, 1)
		default:
			atomic.AddInt64(&r.counters.failed, 1)
			log.WithError(dlErr).Errorf("Worker %d: Failed to download image %d for %q", id, image.ID, job.ItemName)
			r.failures.Record(job.ItemName, "Image", image.URL)
			r.errLog.Append("Failed to download %s: %v", helpers.RedactURL(image.URL), dlErr)
		}

		detailsPath := filepath.Join(versionDir, ledger.DetailsFileName)
		if err := ledger.AppendDetails(r.locks, detailsPath,
			fmt.Sprintf("Image ID: %d", image.ID),
			"Image URL: "+helpers.RedactURL(image.URL),
		); err != nil {
			log.WithError(err).Warnf("Worker %d: Failed to append image details", id)
		}
	}
}

// ensureVersionDir builds and creates the directory for one model version,
// validated against the save root, and seeds its metadata files.
func (r *userRun) ensureVersionDir(category classify.Category, job downloadJob, itemName, versionName string) (string, error) {
	segments := []string{r.safeUser, string(category)}
	if bm, err := paths.SanitizeSegment(job.Version.BaseModel, paths.KindItem); err == nil && bm != "" {
		segments = append(segments, bm)
	}
	segments = append(segments, itemName, versionName)

	dir, err := paths.SafeJoin(r.saveDir, segments...)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	r.writeVersionMetadata(dir, job)
	return dir, nil
}

// writeVersionMetadata writes description.html, triggerWords.txt and
// version_info.txt into a version directory. Files already present are left
// alone, so a re-run never clobbers them mid-download.
func (r *userRun) writeVersionMetadata(dir string, job downloadJob) {
	writeIfAbsent := func(name, content string) {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return
		}
		if err := os.WriteFile(path, []byte(content), 0600); err != nil {
			log.WithError(err).Warnf("Failed to write %s for %q", name, job.ItemName)
		}
	}

	writeIfAbsent("description.html", job.Description)

	var words strings.Builder
	for _, word := range job.Version.TrainedWords {
		words.WriteString(word)
		words.WriteString("\n")
	}
	writeIfAbsent("triggerWords.txt", words.String())

	info := fmt.Sprintf("Version ID: %d\nVersion Name: %s\nBase Model: %s\nPublished At: %s\nDownload URL: %s\n",
		job.Version.ID, job.Version.Name, job.Version.BaseModel, job.Version.PublishedAt,
		helpers.RedactURL(job.Version.DownloadUrl))
	if job.Version.Description != "" {
		info += "Description:\n" + job.Version.Description + "\n"
	}
	writeIfAbsent("version_info.txt", info)
}
