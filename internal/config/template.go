package config

import (
	"bytes"
	"fmt"
	"os"

	bstoml "github.com/BurntSushi/toml"
)

// Template renders the default node config as TOML.
func Template() (string, error) {
	var buf bytes.Buffer
	enc := bstoml.NewEncoder(&buf)
	enc.Indent = ""
	if err := enc.Encode(Default()); err != nil {
		return "", fmt.Errorf("config template encode failed: %w", err)
	}
	return buf.String(), nil
}

// WriteTemplate writes the default config template to path. Existing files
// are preserved unless overwrite is set.
func WriteTemplate(path string, overwrite bool) error {
	template, err := Template()
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}
