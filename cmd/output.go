package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// textRenderer is implemented by reports that have a human-readable form.
type textRenderer interface {
	WriteText(w io.Writer) error
}

// writeOutput renders v as text, json or yaml.
func writeOutput(w io.Writer, format string, v interface{}) error {
	switch format {
	case "", "text":
		if r, ok := v.(textRenderer); ok {
			return r.WriteText(w)
		}
		_, err := fmt.Fprintln(w, v)
		return err
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unsupported format: %s (supported: text, json, yaml)", format)
	}
}
