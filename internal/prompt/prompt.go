// Package prompt renders ranked context and a question into the text sent to
// the language model.
package prompt

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/sqlrag/sqlrag/internal/feedback"
	"github.com/sqlrag/sqlrag/internal/retrieval"
)

const (
	DefaultInstructions = "You are an expert SQL query generator. Given a database schema and a natural language question, " +
		"generate the appropriate SQL query. Use only the tables and columns listed in the context."
	DefaultClosing = "Generate ONLY the SQL query without any explanation or markdown formatting."
)

type Template struct {
	Instructions string
	// Dialect names the SQL dialect the statement must be written in. Empty
	// leaves the dialect unstated.
	Dialect string
	Closing string
}

func DefaultTemplate() Template {
	return Template{Instructions: DefaultInstructions, Closing: DefaultClosing}
}

// Build renders the prompt. Items appear in the order given.
func Build(question string, items []retrieval.Item, tmpl Template) string {
	if tmpl.Instructions == "" {
		tmpl.Instructions = DefaultInstructions
	}
	if tmpl.Closing == "" {
		tmpl.Closing = DefaultClosing
	}

	var b strings.Builder
	b.WriteString(tmpl.Instructions)
	b.WriteString("\n")
	if tmpl.Dialect != "" {
		fmt.Fprintf(&b, "SQL dialect: %s\n", tmpl.Dialect)
	}

	b.WriteString("\nContext:\n")
	if len(items) == 0 {
		b.WriteString("(no relevant schema or examples were found)\n")
	}
	for _, item := range items {
		b.WriteString(RenderItem(item))
		b.WriteString("\n\n")
	}

	fmt.Fprintf(&b, "Question: %s\n\n", strings.TrimSpace(question))
	b.WriteString(tmpl.Closing)
	b.WriteString("\nSQL:")
	return b.String()
}

// RenderItem renders one context item exactly as Build places it.
func RenderItem(item retrieval.Item) string {
	switch {
	case item.Table != nil:
		return renderTable(item)
	case item.Feedback != nil:
		return renderExemplar(item.Feedback)
	default:
		return ""
	}
}

// RenderedSize is the character count of RenderItem(item).
func RenderedSize(item retrieval.Item) int {
	return utf8.RuneCountInString(RenderItem(item))
}

func renderTable(item retrieval.Item) string {
	table := item.Table
	cols := make([]string, 0, len(table.Columns))
	for _, col := range table.Columns {
		def := col.Name + " " + strings.ToUpper(col.DeclaredType)
		if col.IsKey {
			def += " PRIMARY KEY"
		}
		if !col.Nullable {
			def += " NOT NULL"
		}
		cols = append(cols, def)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Table %s (%s)", table.Name, strings.Join(cols, ", "))
	for _, rel := range table.Relationships {
		fmt.Fprintf(&b, "\n  %s.%s -> %s.%s", table.Name, rel.FromColumn, rel.ToTable, rel.ToColumn)
	}
	return b.String()
}

func renderExemplar(rec *feedback.Record) string {
	label := "SQL"
	if rec.Rating == feedback.RatingNegative && !rec.Corrected() {
		label = "SQL (rated incorrect, do not repeat)"
	}
	return fmt.Sprintf("Example question: %s\n%s: %s",
		strings.TrimSpace(rec.NaturalLanguage), label, strings.TrimSpace(rec.ExemplarSQL()))
}
