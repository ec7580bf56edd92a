package models

type (
	Config struct {
		// Connection/Auth
		ApiKey string `toml:"ApiKey"`

		// Paths
		SavePath string `toml:"SavePath"`

		// API query behavior
		MaxPages   int `toml:"MaxPages"`
		ApiDelayMs int `toml:"ApiDelayMs"`

		// Downloader behavior
		Concurrency       int    `toml:"Concurrency"`
		MaxRetries        int    `toml:"MaxRetries"`
		RetryDelaySec     int    `toml:"RetryDelaySec"`
		ConnectTimeoutSec int    `toml:"ConnectTimeoutSec"`
		ReadTimeoutSec    int    `toml:"ReadTimeoutSec"`
		DownloadType      string `toml:"DownloadType"`
		VerifyHashes      bool   `toml:"VerifyHashes"`
		VerifyExisting    bool   `toml:"VerifyExisting"`

		// Other
		LogApiRequests bool `toml:"LogApiRequests"`
	}

	// Model is a top-level listing item returned by /api/v1/models.
	Model struct {
		ID            int            `json:"id"`
		Name          string         `json:"name"`
		Description   string         `json:"description"`
		Type          string         `json:"type"`
		Nsfw          bool           `json:"nsfw"`
		Creator       Creator        `json:"creator"`
		Tags          []string       `json:"tags"`
		ModelVersions []ModelVersion `json:"modelVersions"`
	}

	Creator struct {
		Username string `json:"username"`
		Image    string `json:"image"`
	}

	ModelVersion struct {
		ID           int          `json:"id"`
		ModelId      int          `json:"modelId"`
		Name         string       `json:"name"`
		PublishedAt  string       `json:"publishedAt"`
		TrainedWords []string     `json:"trainedWords"`
		BaseModel    string       `json:"baseModel"`
		Description  string       `json:"description"`
		Files        []File       `json:"files"`
		Images       []ModelImage `json:"images"`
		DownloadUrl  string       `json:"downloadUrl"`
	}

	File struct {
		Name        string  `json:"name"`
		ID          int     `json:"id"`
		SizeKB      float64 `json:"sizeKB"`
		Type        string  `json:"type"`
		Hashes      Hashes  `json:"hashes"`
		DownloadUrl string  `json:"downloadUrl"`
		Primary     bool    `json:"primary"`
	}

	Hashes struct {
		AutoV2 string `json:"AutoV2"`
		SHA256 string `json:"SHA256"`
		CRC32  string `json:"CRC32"`
		BLAKE3 string `json:"BLAKE3"`
	}

	ModelImage struct {
		ID  int    `json:"id"`
		URL string `json:"url"`
	}

	ApiResponse struct {
		Items    []Model          `json:"items"`
		Metadata MetadataNextPage `json:"metadata"`
	}

	// MetadataNextPage carries the server-supplied pagination cursor. The
	// nextPage URL is echoed from a prior response and therefore untrusted.
	MetadataNextPage struct {
		TotalItems  int    `json:"totalItems,omitempty"`
		CurrentPage int    `json:"currentPage,omitempty"`
		PageSize    int    `json:"pageSize,omitempty"`
		NextPage    string `json:"nextPage,omitempty"`
	}
)

// Empty reports whether the page signals provider end-of-results: no items
// and no pagination metadata.
func (r ApiResponse) Empty() bool {
	return len(r.Items) == 0 && r.Metadata == (MetadataNextPage{})
}

// HasAny reports whether at least one verification hash is present.
func (h Hashes) HasAny() bool {
	return h.SHA256 != "" || h.BLAKE3 != "" || h.CRC32 != "" || h.AutoV2 != ""
}
