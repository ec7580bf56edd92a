package cmd

import (
	"fmt"
	"net/http"
	"time"

	"go-civitai-bulk/internal/api"
	"go-civitai-bulk/internal/classify"
	"go-civitai-bulk/internal/helpers"
	"go-civitai-bulk/internal/paths"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var summaryCmd = &cobra.Command{
	Use:   "summary [username]...",
	Short: "Fetch and categorize a user's published models without downloading",
	Long: `Runs only the listing pass: fetches every model each given user has
published, categorizes the items, and writes SavePath/{user}.txt with the
per-category counts and a detailed listing. No files are downloaded.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSummary,
}

func runSummary(cmd *cobra.Command, args []string) error {
	if cmd.Flags().Changed("max-pages") {
		if v, _ := cmd.Flags().GetInt("max-pages"); v > 0 {
			globalConfig.MaxPages = v
		}
	}

	token, err := resolveToken("summary.token")
	if err != nil {
		return err
	}

	if !helpers.CheckAndMakeDir(globalConfig.SavePath) {
		return fmt.Errorf("cannot create save path %s", globalConfig.SavePath)
	}

	client := api.NewClient(token, &http.Client{
		Transport: globalHttpTransport,
		Timeout:   time.Duration(globalConfig.ReadTimeoutSec) * time.Second,
	}, globalConfig)

	for _, username := range args {
		safeUser, err := paths.SanitizeUsername(username)
		if err != nil {
			log.Errorf("Invalid username %q: %v", username, err)
			continue
		}

		summary, err := buildSummary(client, username, safeUser)
		if err != nil {
			log.WithError(err).Errorf("Failed to list models for %s", safeUser)
			continue
		}
		path, err := summary.Write(globalConfig.SavePath)
		if err != nil {
			log.WithError(err).Errorf("Failed to write summary for %s", safeUser)
			continue
		}

		fmt.Printf("%s: %d items (%s)\n", safeUser, summary.Total(), path)
		for _, cat := range classify.Categories {
			fmt.Printf("  %s: %d\n", cat, summary.Count(cat))
		}
	}
	return nil
}
