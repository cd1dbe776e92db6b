// Package schema describes the target database's tables and keeps their
// embeddings in the schema collection of the vector index.
package schema

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

type Column struct {
	Name         string `json:"name"`
	DeclaredType string `json:"type"`
	Nullable     bool   `json:"nullable"`
	IsKey        bool   `json:"is_key,omitempty"`
}

type Relationship struct {
	FromColumn string `json:"from_column"`
	ToTable    string `json:"to_table"`
	ToColumn   string `json:"to_column"`
}

type Table struct {
	Name          string         `json:"name"`
	Columns       []Column       `json:"columns"`
	Relationships []Relationship `json:"relationships,omitempty"`
}

// Provider lists the tables of the target database.
type Provider interface {
	ListTables(ctx context.Context) ([]Table, error)
}

// Describe renders t as the plain-text document that gets embedded.
func Describe(t Table) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Table: %s\n", t.Name)
	for _, col := range t.Columns {
		fmt.Fprintf(&b, "  - %s (%s", col.Name, col.DeclaredType)
		if col.IsKey {
			b.WriteString(", primary key")
		}
		if !col.Nullable {
			b.WriteString(", not null")
		}
		b.WriteString(")\n")
	}
	for _, rel := range t.Relationships {
		fmt.Fprintf(&b, "  references %s.%s -> %s.%s\n", t.Name, rel.FromColumn, rel.ToTable, rel.ToColumn)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Fingerprint is a content hash of t used to detect changed tables.
func Fingerprint(t Table) string {
	raw, _ := json.Marshal(t)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
