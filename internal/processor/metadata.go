package processor

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/gabriel-vasile/mimetype"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/filetrack/filetrack/constants"
	"github.com/filetrack/filetrack/internal/storage"
)

// metadataSchema constrains the blob we persist; a unit bug that emits a
// malformed document fails the attempt instead of storing garbage.
func metadataSchema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"filename":     map[string]any{"type": "string", "minLength": 1},
			"size_bytes":   map[string]any{"type": "integer", "minimum": 0},
			"sha256":       map[string]any{"type": "string", "pattern": `^[0-9a-f]{64}$`},
			"content_type": map[string]any{"type": "string", "minLength": 1},
		},
		"required": []string{"filename", "size_bytes", "sha256", "content_type"},
	}
}

// Metadata streams the artifact and extracts a digest, size, and detected
// content type.
type Metadata struct {
	store  storage.Storage
	schema *jsonschema.Schema
}

func NewMetadata(store storage.Storage) (*Metadata, error) {
	b, err := json.Marshal(metadataSchema())
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("metadata.json", bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("metadata.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Metadata{store: store, schema: schema}, nil
}

func (m *Metadata) JobType() string { return constants.JobTypeMetadata }

func (m *Metadata) Process(ctx context.Context, locator, filename string) ([]byte, error) {
	rc, err := m.store.Open(ctx, locator)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", locator, err)
	}
	defer rc.Close()

	// hash, count, and sniff in one pass
	hasher := sha256.New()
	cw := &countingWriter{w: hasher}
	mtype, err := mimetype.DetectReader(io.TeeReader(rc, cw))
	if err != nil {
		return nil, fmt.Errorf("detect content type: %w", err)
	}
	// DetectReader only consumes the sniff window; drain the rest
	if _, err := io.Copy(cw, rc); err != nil {
		return nil, fmt.Errorf("read %s: %w", locator, err)
	}

	out := map[string]any{
		"filename":     filename,
		"size_bytes":   cw.n,
		"sha256":       hex.EncodeToString(hasher.Sum(nil)),
		"content_type": mtype.String(),
	}
	blob, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}

	var v any
	if err := json.Unmarshal(blob, &v); err != nil {
		return nil, err
	}
	if err := m.schema.Validate(v); err != nil {
		return nil, fmt.Errorf("metadata does not match schema: %w", err)
	}
	return blob, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
