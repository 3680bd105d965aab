package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/david/opportunity-validator/internal/ingest"
)

// readRecords loads a JSON array of records, or an object with a "records"
// array. "-" reads stdin.
func readRecords(path string) ([]ingest.RawOpportunity, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return decodeRecords(data)
}

func decodeRecords(data []byte) ([]ingest.RawOpportunity, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("input is empty")
	}

	var records []ingest.RawOpportunity
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &records); err != nil {
			return nil, fmt.Errorf("decode records: %w", err)
		}
		return records, nil
	}

	var wrapped struct {
		Records []ingest.RawOpportunity `json:"records"`
	}
	if err := json.Unmarshal(trimmed, &wrapped); err != nil {
		return nil, fmt.Errorf("decode records: %w", err)
	}
	return wrapped.Records, nil
}
