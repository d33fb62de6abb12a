package validation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/filmforge/backend/internal/models"
)

// ErrValidation can be used with errors.Is to detect schema failures.
var ErrValidation = errors.New("validation failed")

// Validator checks generation parameters against per-media-type JSON
// schemas before any provider work is attempted.
type Validator struct {
	schemas map[models.MediaType]*jsonschema.Schema
}

// NewValidator loads all *.json schema files from schemaDir. The file stem
// (minus a .v1 version suffix) names the media type, e.g. image.v1.json.
func NewValidator(_ context.Context, schemaDir string) (*Validator, error) {
	entries, err := os.ReadDir(schemaDir)
	if err != nil {
		return nil, fmt.Errorf("read schema dir %q: %w", schemaDir, err)
	}
	schemas := make(map[models.MediaType]*jsonschema.Schema)

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		name = strings.TrimSuffix(name, ".v1")
		media := models.MediaType(name)
		if !media.Valid() {
			return nil, fmt.Errorf("schema file %q names no known media type", e.Name())
		}
		path := filepath.Join(schemaDir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", path, err)
		}
		id := "https://filmforge.dev/schemas/" + name + ".params"
		schemas[media], err = jsonschema.CompileString(id, string(data))
		if err != nil {
			return nil, fmt.Errorf("compile schema %q: %w", name, err)
		}
	}

	return &Validator{schemas: schemas}, nil
}

// ValidateParams rejects parameters that do not match the media type's
// schema. A media type without a loaded schema is rejected outright.
func (v *Validator) ValidateParams(ctx context.Context, media models.MediaType, params json.RawMessage) error {
	schema, ok := v.schemas[media]
	if !ok {
		return fmt.Errorf("no schema for media type %q", media)
	}
	var doc interface{}
	if err := json.Unmarshal(params, &doc); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}
