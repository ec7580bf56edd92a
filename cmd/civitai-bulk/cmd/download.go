package cmd

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"go-civitai-bulk/internal/api"
	"go-civitai-bulk/internal/classify"
	"go-civitai-bulk/internal/downloader"
	"go-civitai-bulk/internal/helpers"
	"go-civitai-bulk/internal/ledger"
	"go-civitai-bulk/internal/paths"

	"github.com/gosuri/uilive"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var downloadCmd = &cobra.Command{
	Use:   "download [username]...",
	Short: "Download all published content for one or more users",
	Long: `Fetches every model each given user has published, writes a category
summary, and downloads the model files and preview images into
SavePath/{user}/{Category}/... with hash verification. Usernames are
processed one after another; files within a user download concurrently.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runDownload,
}

// downloadTransport builds the transport for file downloads: a connect
// timeout on the dialer plus a response-header timeout, but no overall
// deadline, since large files legitimately take a long time.
func downloadTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout: time.Duration(globalConfig.ConnectTimeoutSec) * time.Second,
		}).DialContext,
		ResponseHeaderTimeout: time.Duration(globalConfig.ReadTimeoutSec) * time.Second,
	}
}

func runDownload(cmd *cobra.Command, args []string) error {
	applyDownloadOverrides(cmd)

	filter, err := classify.ParseFilter(globalConfig.DownloadType)
	if err != nil {
		return err
	}

	token, err := resolveToken("download.token")
	if err != nil {
		return err
	}

	if !helpers.CheckAndMakeDir(globalConfig.SavePath) {
		return fmt.Errorf("cannot create save path %s", globalConfig.SavePath)
	}

	apiClient := api.NewClient(token, &http.Client{
		Transport: globalHttpTransport,
		Timeout:   time.Duration(globalConfig.ReadTimeoutSec) * time.Second,
	}, globalConfig)

	dl := downloader.NewDownloader(&http.Client{Transport: downloadTransport()}, token, globalConfig)
	dl.Counter = &helpers.CounterWriter{Writer: io.Discard}

	// One username failing must not stop the rest of the batch.
	for _, username := range args {
		if err := processUsername(username, apiClient, dl, filter); err != nil {
			log.WithError(err).Errorf("Failed to process username %q", username)
		}
	}

	log.Infof("All usernames processed, %s transferred in total", helpers.BytesToSize(dl.Counter.Total()))
	return nil
}

// buildSummary runs the listing pass for one user and categorizes every item.
// A page-ceiling stop degrades to a warning; everything seen so far is kept.
func buildSummary(client *api.Client, rawUsername, safeUser string) (*ledger.Summary, error) {
	summary := ledger.NewSummary(safeUser)

	it := client.ListUserModels(rawUsername)
	for it.Next() {
		for _, item := range it.Page().Items {
			summary.AddItem(item.Name, item.Type)
			for _, version := range item.ModelVersions {
				for _, file := range version.Files {
					if file.Type == "Training Data" {
						summary.AddTrainingDataFile(file.Name)
					}
				}
			}
		}
	}
	if err := it.Err(); err != nil {
		if errors.Is(err, api.ErrTruncatedResults) {
			log.Warnf("Page ceiling reached for %s; summary covers the first %d pages only", safeUser, it.Pages())
			return summary, nil
		}
		return nil, err
	}
	return summary, nil
}

func processUsername(rawUsername string, client *api.Client, dl *downloader.Downloader, filter classify.Category) error {
	safeUser, err := paths.SanitizeUsername(rawUsername)
	if err != nil {
		return fmt.Errorf("invalid username %q: %w", rawUsername, err)
	}
	log.Infof("Processing username: %s, Download type: %s", safeUser, filter)

	// Listing pass: categorize everything and persist the summary ledger.
	summary, err := buildSummary(client, rawUsername, safeUser)
	if err != nil {
		return fmt.Errorf("listing models for %s: %w", safeUser, err)
	}
	summaryPath, err := summary.Write(globalConfig.SavePath)
	if err != nil {
		return err
	}
	counts, err := ledger.ReadCounts(summaryPath)
	if err != nil {
		return fmt.Errorf("reading back summary ledger: %w", err)
	}
	totalItems := counts["Total"]
	intentionallySkipped := 0
	if filter != classify.All {
		intentionallySkipped = totalItems - counts[string(filter)]
	}

	failures, err := ledger.NewFailureLedger(globalConfig.SavePath, safeUser)
	if err != nil {
		return err
	}
	defer failures.Close()
	errLog, err := ledger.OpenErrorLog(globalConfig.SavePath, safeUser)
	if err != nil {
		return err
	}
	defer errLog.Close()

	writer := uilive.New()
	writer.Start()
	defer writer.Stop()

	run := &userRun{
		safeUser: safeUser,
		saveDir:  globalConfig.SavePath,
		filter:   filter,
		dl:       dl,
		failures: failures,
		errLog:   errLog,
		locks:    ledger.NewLockRegistry(),
		counters: &runCounters{},
		writer:   writer,
	}

	jobs := make(chan downloadJob)
	var wg sync.WaitGroup
	for i := 1; i <= globalConfig.Concurrency; i++ {
		wg.Add(1)
		go run.downloadWorker(i, jobs, &wg)
	}

	// Download pass: re-walk the listing and hand one job per (item,
	// version) to the pool. Repeated item names within a page are listing
	// noise and dropped; across pages they are distinct items and kept.
	it := client.ListUserModels(rawUsername)
	for it.Next() {
		seenItems := make(map[string]struct{})
		for _, item := range it.Page().Items {
			if _, dup := seenItems[item.Name]; dup {
				log.Debugf("Skipping duplicate listing entry %q", item.Name)
				continue
			}
			seenItems[item.Name] = struct{}{}

			for _, version := range item.ModelVersions {
				jobs <- downloadJob{
					ItemID:      item.ID,
					ItemName:    item.Name,
					ItemType:    item.Type,
					Description: item.Description,
					Version:     version,
				}
			}
		}
	}
	close(jobs)
	wg.Wait()

	if err := it.Err(); err != nil {
		if errors.Is(err, api.ErrTruncatedResults) {
			log.Warnf("Page ceiling reached for %s; downloaded the first %d pages only", safeUser, it.Pages())
		} else {
			errLog.Append("Listing walk for %s stopped early: %v", safeUser, err)
			return fmt.Errorf("download pass for %s stopped early: %w", safeUser, err)
		}
	}

	downloaded, skipped, failed, filtered := run.counters.snapshot()
	fmt.Printf("Total items for username %s: %d\n", safeUser, totalItems)
	fmt.Printf("Downloaded files for username %s: %d\n", safeUser, downloaded)
	fmt.Printf("Already present (skipped) for username %s: %d\n", safeUser, skipped)
	fmt.Printf("Intentionally skipped items for username %s: %d\n", safeUser, intentionallySkipped)
	fmt.Printf("Filtered-out files for username %s: %d\n", safeUser, filtered)
	fmt.Printf("Failed downloads for username %s: %d\n", safeUser, failed)
	if failed > 0 {
		fmt.Printf("See %s for details.\n", failures.Path())
	}
	return nil
}
