package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"
)

// Logging flags shared by all commands
var (
	logLevel  string
	logFormat string
)

// Variable to store concurrency level for flag parsing
var concurrencyLevel int

func init() {
	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(summaryCmd)

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Logging level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Logging format (text, json)")

	// Hook to configure logging before any command runs
	cobra.OnInitialize(initLogging)

	// Flags shared by download and summary
	for _, c := range []*cobra.Command{downloadCmd, summaryCmd} {
		c.Flags().String("token", "", "Civitai API token (falls back to CIVITAI_API_TOKEN, then a hidden prompt)")
		c.Flags().Int("max-pages", 0, "Maximum number of API pages to fetch per user (0 uses config default)")
	}

	// Flags specific to the download command
	downloadCmd.Flags().StringP("download_type", "t", "All", "Content category to download (Lora, Checkpoints, Embeddings, Training_Data, Other, All)")
	downloadCmd.Flags().IntVarP(&concurrencyLevel, "concurrency", "c", 0, "Number of concurrent downloads per user (0 uses config default)")
	downloadCmd.Flags().Int("max-retries", 0, "Download attempts per file before recording a failure (0 uses config default)")
	downloadCmd.Flags().Int("retry-delay", 0, "Seconds between retry attempts (0 uses config default)")
	downloadCmd.Flags().Bool("verify-hashes", true, "Verify downloaded files against provider hashes")
	downloadCmd.Flags().Bool("verify-existing", false, "Re-verify files already on disk and replace them on mismatch")

	// Bind flags to Viper
	viper.BindPFlag("download.token", downloadCmd.Flags().Lookup("token"))
	viper.BindPFlag("summary.token", summaryCmd.Flags().Lookup("token"))
	viper.BindEnv("download.token", "CIVITAI_API_TOKEN")
	viper.BindEnv("summary.token", "CIVITAI_API_TOKEN")
}

// initLogging configures logrus based on persistent flags
func initLogging() {
	level, err := log.ParseLevel(logLevel)
	if err != nil {
		log.WithError(err).Warnf("Invalid log level '%s', using default 'info'", logLevel)
		level = log.InfoLevel
	}
	log.SetLevel(level)

	switch logFormat {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	default:
		log.Warnf("Invalid log format '%s', using default 'text'", logFormat)
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}

// resolveToken returns the API token from the flag, the environment, the
// config file, or a hidden prompt, in that order. The token is never echoed
// and never appears in URLs or logs.
func resolveToken(viperKey string) (string, error) {
	if token := strings.TrimSpace(viper.GetString(viperKey)); token != "" {
		return token, nil
	}
	if token := strings.TrimSpace(globalConfig.ApiKey); token != "" {
		return token, nil
	}

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", errors.New("no API token: pass --token, set CIVITAI_API_TOKEN, or set ApiKey in the config file")
	}
	fmt.Fprint(os.Stderr, "Enter your Civitai API token: ")
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading token: %w", err)
	}
	token := strings.TrimSpace(string(raw))
	if token == "" {
		return "", errors.New("token cannot be empty")
	}
	return token, nil
}

// applyDownloadOverrides copies changed download flags into the global config.
func applyDownloadOverrides(cmd *cobra.Command) {
	if cmd.Flags().Changed("download_type") {
		globalConfig.DownloadType, _ = cmd.Flags().GetString("download_type")
	}
	if cmd.Flags().Changed("concurrency") && concurrencyLevel > 0 {
		globalConfig.Concurrency = concurrencyLevel
	}
	if cmd.Flags().Changed("max-retries") {
		if v, _ := cmd.Flags().GetInt("max-retries"); v > 0 {
			globalConfig.MaxRetries = v
		}
	}
	if cmd.Flags().Changed("retry-delay") {
		if v, _ := cmd.Flags().GetInt("retry-delay"); v >= 0 {
			globalConfig.RetryDelaySec = v
		}
	}
	if cmd.Flags().Changed("max-pages") {
		if v, _ := cmd.Flags().GetInt("max-pages"); v > 0 {
			globalConfig.MaxPages = v
		}
	}
	if cmd.Flags().Changed("verify-hashes") {
		globalConfig.VerifyHashes, _ = cmd.Flags().GetBool("verify-hashes")
	}
	if cmd.Flags().Changed("verify-existing") {
		globalConfig.VerifyExisting, _ = cmd.Flags().GetBool("verify-existing")
	}
}
