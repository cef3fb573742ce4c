package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"market_radar/internal/model"
)

// Mock serves listings from a JSON file. The file is re-read on every call so
// it can be edited while the process runs.
type Mock struct {
	path string
}

// NewMock returns a Mock reading path.
func NewMock(path string) *Mock {
	return &Mock{path: path}
}

// FetchAll returns the listings in the file.
func (m *Mock) FetchAll(_ context.Context) ([]model.Listing, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return nil, fmt.Errorf("read mock data: %w", err)
	}
	var listings []model.Listing
	if err := json.Unmarshal(data, &listings); err != nil {
		return nil, fmt.Errorf("decode mock data: %w", err)
	}
	for i := range listings {
		if listings[i].Source == "" {
			listings[i].Source = "mock"
		}
	}
	return listings, nil
}
