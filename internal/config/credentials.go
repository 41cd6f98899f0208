package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Credentials is the API key pair the submission system issues, stored as a
// JSON file ("credentials.json").
type Credentials struct {
	APIKey string `json:"api_key"`
	KeyID  string `json:"key_id"`
}

// LoadCredentials reads and validates the credentials file. A missing or
// malformed file is a configuration error and aborts the run.
func LoadCredentials(path string) (Credentials, error) {
	var c Credentials

	b, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("config: read credentials %s: %w", path, err)
	}
	if err := json.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("config: parse credentials %s: %w", path, err)
	}
	if c.APIKey == "" || c.KeyID == "" {
		return c, fmt.Errorf("config: credentials %s: api_key and key_id are required", path)
	}
	return c, nil
}
