package schemacache

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/ekaya-inc/ekaya-query-engine/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/models"
)

// Dumps start with a magic string and a format version. Bumping the version
// turns every older dump into a cache miss.
const (
	magic         = "EQSC"
	formatVersion = byte(1)
)

var (
	encoder, _ = zstd.NewWriter(nil)
	decoder, _ = zstd.NewReader(nil)
)

// Encode serializes a schema as a header followed by zstd-compressed gob.
func Encode(schema *models.MappedSchema) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(schema); err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	out := make([]byte, 0, len(magic)+1+buf.Len()/2)
	out = append(out, magic...)
	out = append(out, formatVersion)
	return encoder.EncodeAll(buf.Bytes(), out), nil
}

// Decode reverses Encode. Any malformed input yields ErrCacheCorrupt.
func Decode(data []byte) (*models.MappedSchema, error) {
	header := len(magic) + 1
	if len(data) < header || string(data[:len(magic)]) != magic {
		return nil, fmt.Errorf("%w: bad header", apperrors.ErrCacheCorrupt)
	}
	if data[len(magic)] != formatVersion {
		return nil, fmt.Errorf("%w: format version %d", apperrors.ErrCacheCorrupt, data[len(magic)])
	}

	raw, err := decoder.DecodeAll(data[header:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrCacheCorrupt, err)
	}

	var schema models.MappedSchema
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&schema); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrCacheCorrupt, err)
	}
	if schema.Tables == nil {
		schema.Tables = make(map[string]*models.Table)
	}
	if schema.Skipped == nil {
		schema.Skipped = make(map[string]string)
	}
	return &schema, nil
}
