// Package classify maps provider model types and file names onto the fixed
// set of download categories used to partition the output tree.
package classify

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Category is the content bucket a file or item is filed under.
type Category string

const (
	Checkpoints  Category = "Checkpoints"
	Embeddings   Category = "Embeddings"
	Lora         Category = "Lora"
	TrainingData Category = "Training_Data"
	Other        Category = "Other"

	// All is a filter value only, never a classification result.
	All Category = "All"
)

// Categories lists every real category, in ledger order.
var Categories = []Category{Checkpoints, Embeddings, Lora, TrainingData, Other}

// ParseFilter validates a --download_type value.
func ParseFilter(s string) (Category, error) {
	switch Category(s) {
	case Checkpoints, Embeddings, Lora, TrainingData, Other, All:
		return Category(s), nil
	}
	return "", fmt.Errorf("invalid download type %q (valid: Lora, Checkpoints, Embeddings, Training_Data, Other, All)", s)
}

// ClassifyFile buckets a file by its extension first and the parent item's
// provider type second. A .safetensors file with an unknown or missing type
// deliberately defaults to Lora, not Other: that mirrors the provider's
// taxonomy, where loose safetensors are almost always LoRA weights.
func ClassifyFile(itemType, fileName string) Category {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".zip":
		switch itemType {
		case "LORA":
			return Lora
		case "Training_Data":
			return TrainingData
		default:
			return Other
		}
	case ".safetensors":
		switch itemType {
		case "Checkpoint":
			return Checkpoints
		case "TextualInversion":
			return Embeddings
		case "VAE", "LoCon":
			return Other
		default:
			return Lora
		}
	case ".pt":
		if itemType == "TextualInversion" {
			return Embeddings
		}
		return Other
	default:
		return Other
	}
}

// CategorizeItem buckets an item by provider type alone. It is coarser than
// ClassifyFile because the ledger pass runs before any file is inspected.
func CategorizeItem(itemType string) Category {
	switch strings.ToUpper(itemType) {
	case "CHECKPOINT":
		return Checkpoints
	case "TEXTUALINVERSION":
		return Embeddings
	case "LORA":
		return Lora
	case "TRAINING_DATA":
		return TrainingData
	default:
		return Other
	}
}
