package sqlengine

import "strings"

// Column describes one column of a table.
type Column struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// Table describes one table of a schema.
type Table struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Columns     []Column `json:"columns"`
}

// Schema groups tables under a namespace.
type Schema struct {
	Name   string  `json:"name"`
	Tables []Table `json:"tables"`
}

// Catalog is the schema catalog of the data available to sandbox programs.
// It is configured or injected; introspecting it from a live database is
// the responsibility of the backend that builds it.
type Catalog struct {
	Schemas []Schema `json:"schemas"`
}

// RenderForPrompt renders the catalog as DDL-style text for the system
// prompt.
func (c Catalog) RenderForPrompt() string {
	var b strings.Builder
	for _, schema := range c.Schemas {
		for _, table := range schema.Tables {
			b.WriteString("CREATE TABLE " + schema.Name + "." + table.Name + " (")
			if table.Description != "" {
				b.WriteString(" -- Description: " + table.Description)
			}
			b.WriteString("\n")
			for _, column := range table.Columns {
				b.WriteString("  " + column.Name + " " + column.Type)
				if column.Description != "" {
					b.WriteString(" -- Description: " + column.Description)
				}
				b.WriteString("\n")
			}
			b.WriteString(")\n")
		}
	}
	return b.String()
}
