package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-civitai-bulk/internal/api"
	"go-civitai-bulk/internal/classify"
	"go-civitai-bulk/internal/downloader"
	"go-civitai-bulk/internal/models"
)

// weightsPayload has to clear the 4MB floor applied to .safetensors files.
var (
	weightsPayload = bytes.Repeat([]byte("W"), (4<<20)+512)
	imagePayload   = []byte("jpeg bytes for the preview image")
)

// newListingServer serves a one-page listing for the given items plus the
// file and image download endpoints.
func newListingServer(t *testing.T, items []models.Model) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/models", func(w http.ResponseWriter, r *http.Request) {
		page := models.ApiResponse{
			Items:    items,
			Metadata: models.MetadataNextPage{TotalItems: len(items), PageSize: len(items)},
		}
		if err := json.NewEncoder(w).Encode(page); err != nil {
			t.Errorf("encoding listing page: %v", err)
		}
	})
	mux.HandleFunc("/download/weights", func(w http.ResponseWriter, r *http.Request) {
		w.Write(weightsPayload)
	})
	mux.HandleFunc("/download/image", func(w http.ResponseWriter, r *http.Request) {
		w.Write(imagePayload)
	})
	return httptest.NewServer(mux)
}

func testModels(serverURL string) []models.Model {
	return []models.Model{
		{
			ID:          77,
			Name:        "My Lora",
			Description: "<p>A test lora.</p>",
			Type:        "LORA",
			ModelVersions: []models.ModelVersion{
				{
					ID:           1001,
					Name:         "v1",
					BaseModel:    "SD 1.5",
					PublishedAt:  "2024-01-02T03:04:05Z",
					TrainedWords: []string{"trigger one", "trigger two"},
					Files: []models.File{
						{
							ID:          5001,
							Name:        "weights.safetensors",
							SizeKB:      float64(len(weightsPayload)) / 1024,
							Type:        "Model",
							DownloadUrl: serverURL + "/download/weights",
							Hashes: models.Hashes{
								CRC32: fmt.Sprintf("%08X", crc32.ChecksumIEEE(weightsPayload)),
							},
						},
					},
					Images: []models.ModelImage{
						{ID: 101, URL: serverURL + "/download/image"},
					},
				},
			},
		},
	}
}

func setupRun(t *testing.T, server *httptest.Server) (*api.Client, *downloader.Downloader) {
	t.Helper()
	globalConfig = models.Config{
		SavePath:       t.TempDir(),
		MaxPages:       10,
		Concurrency:    2,
		MaxRetries:     2,
		RetryDelaySec:  0,
		DownloadType:   "All",
		VerifyHashes:   true,
	}

	client := api.NewClient("test-token", server.Client(), globalConfig)
	client.BaseURL = server.URL + "/api/v1"
	client.PageDelay = 0

	dl := downloader.NewDownloader(&http.Client{Timeout: 30 * time.Second}, "test-token", globalConfig)
	return client, dl
}

func TestProcessUsernameEndToEnd(t *testing.T) {
	// File and image URLs must exist before the listing that references
	// them can be built, hence two servers.
	base := newListingServer(t, nil)
	defer base.Close()

	server := newListingServer(t, testModels(base.URL))
	defer server.Close()

	client, dl := setupRun(t, server)

	err := processUsername("alice", client, dl, classify.All)
	require.NoError(t, err)

	saveDir := globalConfig.SavePath
	versionDir := filepath.Join(saveDir, "alice", "Lora", "SD 1.5", "My Lora", "v1")

	// The model file landed where the tree says it should.
	weights, err := os.ReadFile(filepath.Join(versionDir, "weights.safetensors"))
	require.NoError(t, err, "model file missing from version directory")
	assert.Equal(t, len(weightsPayload), len(weights))

	// Preview image alongside it.
	image, err := os.ReadFile(filepath.Join(versionDir, "My Lora_101.jpeg"))
	require.NoError(t, err, "preview image missing from version directory")
	assert.Equal(t, imagePayload, image)

	// Per-version metadata files.
	desc, err := os.ReadFile(filepath.Join(versionDir, "description.html"))
	require.NoError(t, err)
	assert.Contains(t, string(desc), "A test lora.")

	words, err := os.ReadFile(filepath.Join(versionDir, "triggerWords.txt"))
	require.NoError(t, err)
	assert.Equal(t, "trigger one\ntrigger two\n", string(words))

	info, err := os.ReadFile(filepath.Join(versionDir, "version_info.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(info), "Version ID: 1001")
	assert.Contains(t, string(info), "Base Model: SD 1.5")

	details, err := os.ReadFile(filepath.Join(versionDir, "details.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(details), "File Name: weights.safetensors")
	assert.Contains(t, string(details), "Image ID: 101")

	// Summary ledger with the category counts.
	summary, err := os.ReadFile(filepath.Join(saveDir, "alice.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(summary), "Total - Count: 1")
	assert.Contains(t, string(summary), "Lora - Count: 1")
	assert.Contains(t, string(summary), "  My Lora")

	// Failure ledger was created fresh and holds only the header.
	failures, err := os.ReadFile(filepath.Join(saveDir, "failed_downloads_alice.txt"))
	require.NoError(t, err)
	assert.Equal(t, "Failed Downloads for Username: alice\n\n", string(failures))
}

func TestProcessUsernameCategoryFilter(t *testing.T) {
	base := newListingServer(t, nil)
	defer base.Close()

	items := testModels(base.URL)
	items = append(items, models.Model{
		ID:   88,
		Name: "Big Checkpoint",
		Type: "Checkpoint",
		ModelVersions: []models.ModelVersion{
			{
				ID:   2002,
				Name: "v1",
				Files: []models.File{
					{
						ID:          6001,
						Name:        "checkpoint.safetensors",
						DownloadUrl: base.URL + "/download/weights",
					},
				},
			},
		},
	})

	server := newListingServer(t, items)
	defer server.Close()

	client, dl := setupRun(t, server)

	err := processUsername("alice", client, dl, classify.Lora)
	require.NoError(t, err)

	saveDir := globalConfig.SavePath

	// The Lora file downloaded.
	loraPath := filepath.Join(saveDir, "alice", "Lora", "SD 1.5", "My Lora", "v1", "weights.safetensors")
	_, err = os.Stat(loraPath)
	assert.NoError(t, err, "in-category file should download")

	// The checkpoint was filtered out, not attempted and not failed.
	_, err = os.Stat(filepath.Join(saveDir, "alice", "Checkpoints"))
	assert.True(t, os.IsNotExist(err), "out-of-category tree must not be created")

	failures, err := os.ReadFile(filepath.Join(saveDir, "failed_downloads_alice.txt"))
	require.NoError(t, err)
	assert.Equal(t, "Failed Downloads for Username: alice\n\n", string(failures),
		"filtered files must not appear in the failure ledger")
}

func TestProcessUsernameDeduplicatesItems(t *testing.T) {
	base := newListingServer(t, nil)
	defer base.Close()

	// The same item twice in one listing; only one download should happen.
	items := append(testModels(base.URL), testModels(base.URL)...)
	server := newListingServer(t, items)
	defer server.Close()

	client, dl := setupRun(t, server)

	err := processUsername("alice", client, dl, classify.All)
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(globalConfig.SavePath, "alice", "Lora", "SD 1.5"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "duplicate listing entries must collapse into one item")
}

func TestResolveTokenConfigFallback(t *testing.T) {
	t.Setenv("CIVITAI_API_TOKEN", "")
	saved := globalConfig
	defer func() { globalConfig = saved }()

	globalConfig.ApiKey = "token-from-config"
	token, err := resolveToken("download.token")
	require.NoError(t, err)
	assert.Equal(t, "token-from-config", token)

	// The environment outranks the config file.
	t.Setenv("CIVITAI_API_TOKEN", "token-from-env")
	token, err = resolveToken("download.token")
	require.NoError(t, err)
	assert.Equal(t, "token-from-env", token)
}

func TestProcessUsernameKeepsSameNamedItemsAcrossPages(t *testing.T) {
	base := newListingServer(t, nil)
	defer base.Close()

	// Two distinct items sharing a display name, one per page. Only
	// within-page repeats are duplicates; the second item must download.
	first := testModels(base.URL)
	first[0].Name = "Same Name"
	second := testModels(base.URL)
	second[0].ID = 78
	second[0].Name = "Same Name"
	second[0].ModelVersions[0].ID = 1002
	second[0].ModelVersions[0].Name = "v2"
	second[0].ModelVersions[0].Images = nil

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/models", func(w http.ResponseWriter, r *http.Request) {
		page := models.ApiResponse{
			Items:    second,
			Metadata: models.MetadataNextPage{TotalItems: 2, PageSize: 1},
		}
		if r.URL.Query().Get("cursor") == "" {
			page.Items = first
			page.Metadata.NextPage = "http://" + r.Host + "/api/v1/models?cursor=2"
		}
		if err := json.NewEncoder(w).Encode(page); err != nil {
			t.Errorf("encoding listing page: %v", err)
		}
	})
	mux.HandleFunc("/download/weights", func(w http.ResponseWriter, r *http.Request) {
		w.Write(weightsPayload)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client, dl := setupRun(t, server)

	err := processUsername("alice", client, dl, classify.All)
	require.NoError(t, err)

	itemDir := filepath.Join(globalConfig.SavePath, "alice", "Lora", "SD 1.5", "Same Name")
	for _, version := range []string{"v1", "v2"} {
		_, err := os.Stat(filepath.Join(itemDir, version, "weights.safetensors"))
		assert.NoError(t, err, "file for version %s missing", version)
	}
}

func TestProcessUsernameRejectsBadUsername(t *testing.T) {
	server := newListingServer(t, nil)
	defer server.Close()

	client, dl := setupRun(t, server)

	err := processUsername("!!!", client, dl, classify.All)
	require.Error(t, err, "unsalvageable username must abort the user")

	// Nothing may be written for the rejected name.
	entries, readErr := os.ReadDir(globalConfig.SavePath)
	require.NoError(t, readErr)
	assert.Empty(t, entries)
}

func TestProcessUsernameRecordsOverlongPath(t *testing.T) {
	base := newListingServer(t, nil)
	defer base.Close()

	// An item name near the segment limit pushes the version directory
	// past the full-path bound; the file must fail, not overflow.
	items := testModels(base.URL)
	items[0].Name = strings.Repeat("n", 190)
	items[0].ModelVersions[0].Images = nil

	server := newListingServer(t, items)
	defer server.Close()

	client, dl := setupRun(t, server)

	err := processUsername("alice", client, dl, classify.All)
	require.NoError(t, err)

	failures, err := os.ReadFile(filepath.Join(globalConfig.SavePath, "failed_downloads_alice.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(failures), "File URL: "+base.URL+"/download/weights")
}

func TestProcessUsernameFailedDownloadRecorded(t *testing.T) {
	base := newListingServer(t, nil)
	defer base.Close()

	items := testModels(base.URL)
	// Point the file at an endpoint that always 404s.
	items[0].ModelVersions[0].Files[0].DownloadUrl = base.URL + "/download/missing"
	items[0].ModelVersions[0].Images = nil

	server := newListingServer(t, items)
	defer server.Close()

	client, dl := setupRun(t, server)

	err := processUsername("alice", client, dl, classify.All)
	require.NoError(t, err, "a failed file must not abort the user")

	failures, err := os.ReadFile(filepath.Join(globalConfig.SavePath, "failed_downloads_alice.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(failures), "Item Name: My Lora")
	assert.Contains(t, string(failures), "File URL: "+base.URL+"/download/missing")

	errLog, err := os.ReadFile(filepath.Join(globalConfig.SavePath, "alice.download_errors.log"))
	require.NoError(t, err)
	assert.Contains(t, string(errLog), "/download/missing")
}
