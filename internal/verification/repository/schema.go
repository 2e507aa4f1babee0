package repository

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/medflow/rx-verification/pkg/database"
)

//go:embed schema.sql
var Schema string

// Tables lists every table owned by the verification service, children first
var Tables = []string{"fingerprints", "verifications", "uploads", "rx_number_sequences"}

// Migrate applies the schema. Statements are idempotent.
func Migrate(ctx context.Context, db *database.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply verification schema: %w", err)
	}
	return nil
}

// jsonb encodes v for a JSONB column. nil pointers become SQL NULL.
func jsonb(v interface{}) (interface{}, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return nil, nil
	}
	return string(b), nil
}

// unjsonb decodes a JSONB column, leaving v untouched for NULL
func unjsonb(b []byte, v interface{}) error {
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, v)
}
