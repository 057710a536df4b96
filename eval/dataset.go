// Package eval scores the answer path against a question dataset:
// fact coverage, source relevance and groundedness per question, with
// aggregate means for regression tracking across model or prompt
// changes.
package eval

import (
	"encoding/json"
	"fmt"
	"os"
)

// Item is one evaluation question. ExpectedFacts are substrings the
// answer must contain; alternatives within one fact are separated by
// "|" and matching any of them counts.
type Item struct {
	ID            string   `json:"id,omitempty"`
	Question      string   `json:"question"`
	ExpectedFacts []string `json:"expected_facts"`
	Category      string   `json:"category,omitempty"`
	DocumentIDs   []int64  `json:"document_ids,omitempty"`
}

// Dataset is a named list of evaluation questions.
type Dataset struct {
	Name  string `json:"name"`
	Items []Item `json:"items"`
}

// LoadDataset reads a dataset from a JSON file.
func LoadDataset(path string) (*Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading dataset: %w", err)
	}
	var ds Dataset
	if err := json.Unmarshal(data, &ds); err != nil {
		return nil, fmt.Errorf("parsing dataset: %w", err)
	}
	if len(ds.Items) == 0 {
		return nil, fmt.Errorf("dataset %q has no items", path)
	}
	for i, item := range ds.Items {
		if item.Question == "" {
			return nil, fmt.Errorf("dataset item %d has no question", i)
		}
	}
	return &ds, nil
}
