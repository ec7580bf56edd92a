package cmd

import (
	"sync/atomic"

	"go-civitai-bulk/internal/classify"
	"go-civitai-bulk/internal/downloader"
	"go-civitai-bulk/internal/ledger"
	"go-civitai-bulk/internal/models"

	"github.com/gosuri/uilive"
)

// downloadJob is one unit of work for the worker pool: a single model
// version of a single item, downloaded in full (files plus preview images).
type downloadJob struct {
	ItemID      int
	ItemName    string
	ItemType    string
	Description string
	Version     models.ModelVersion
}

// runCounters aggregates worker outcomes for one username. Workers update
// the fields with atomics.
type runCounters struct {
	downloaded int64
	skipped    int64
	failed     int64
	filtered   int64
}

func (c *runCounters) snapshot() (downloaded, skipped, failed, filtered int64) {
	return atomic.LoadInt64(&c.downloaded),
		atomic.LoadInt64(&c.skipped),
		atomic.LoadInt64(&c.failed),
		atomic.LoadInt64(&c.filtered)
}

// userRun bundles everything the workers for one username share.
type userRun struct {
	safeUser string
	saveDir  string
	filter   classify.Category

	dl       *downloader.Downloader
	failures *ledger.FailureLedger
	errLog   *ledger.ErrorLog
	locks    *ledger.LockRegistry
	counters *runCounters
	writer   *uilive.Writer
}
