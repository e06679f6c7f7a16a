package prompt

import (
	"strings"
	"testing"

	"github.com/queryloop/queryloop/internal/artifact"
	"github.com/queryloop/queryloop/internal/sqlengine"
)

func testCatalog() sqlengine.Catalog {
	return sqlengine.Catalog{Schemas: []sqlengine.Schema{{
		Name: "library",
		Tables: []sqlengine.Table{{
			Name:    "articles",
			Columns: []sqlengine.Column{{Name: "id", Type: "INTEGER"}},
		}},
	}}}
}

func TestSystemPrompt_AllCapabilities(t *testing.T) {
	b := Builder{Options: DefaultOptions()}
	got := b.SystemPrompt(nil, testCatalog())

	for _, want := range []string{
		"def run_sql(self, sql: str)",
		"def print(self, text: str)",
		"def store_artifact(self, identifier: str",
		"def get_artifact(self, identifier: str)",
		"def classify(self, instructions: str",
		"def summarize(self, instructions: str",
		"<artifact identifier = 'most_recent_articles'",
		"CREATE TABLE library.articles (",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("Expected prompt to contain %q", want)
		}
	}

	// Tilde placeholders must all be swapped for backticks.
	if strings.Contains(got, "~") {
		t.Error("Expected no leftover tilde placeholders in prompt")
	}
	if !strings.Contains(got, "`executor`") {
		t.Error("Expected backtick code spans in prompt")
	}
}

func TestSystemPrompt_DisabledCapabilities(t *testing.T) {
	b := Builder{Options: Options{}}
	got := b.SystemPrompt(nil, sqlengine.Catalog{})

	for _, banned := range []string{
		"store_artifact",
		"get_artifact",
		"def classify",
		"def summarize",
		"<artifact identifier",
	} {
		if strings.Contains(got, banned) {
			t.Errorf("Expected disabled capability %q to be absent", banned)
		}
	}
	if !strings.Contains(got, "def run_sql") {
		t.Error("Expected run_sql to always be described")
	}
}

func TestSystemPrompt_ArtifactList(t *testing.T) {
	a, err := artifact.New("notes", "My notes", artifact.TypeText, "remember")
	if err != nil {
		t.Fatal(err)
	}

	b := Builder{Options: DefaultOptions()}
	got := b.SystemPrompt([]artifact.Artifact{a}, sqlengine.Catalog{})

	if !strings.Contains(got, "The previously created artifacts by you are:") {
		t.Error("Expected artifact list header")
	}
	if !strings.Contains(got, "identifier = 'notes'") {
		t.Error("Expected artifact render in prompt")
	}

	// With no artifacts, the section is omitted entirely.
	empty := b.SystemPrompt(nil, sqlengine.Catalog{})
	if strings.Contains(empty, "previously created artifacts") {
		t.Error("Expected no artifact section without artifacts")
	}
}

func TestSystemPrompt_CustomExamples(t *testing.T) {
	b := Builder{Options: DefaultOptions(), CustomExamples: "Example: custom scenario"}
	got := b.SystemPrompt(nil, sqlengine.Catalog{})

	if !strings.Contains(got, "Example: custom scenario") {
		t.Error("Expected custom examples in prompt")
	}
	if strings.Contains(got, "Fetching the title of article with ID 5") {
		t.Error("Expected generic examples to be replaced")
	}
}

func TestToolDescription(t *testing.T) {
	full := Builder{Options: DefaultOptions()}.ToolDescription()
	if !strings.Contains(full, "`executor.print` or `executor.store_artifact`") {
		t.Errorf("Expected artifact-aware description, got %q", full)
	}

	bare := Builder{Options: Options{}}.ToolDescription()
	if strings.Contains(bare, "store_artifact") {
		t.Errorf("Expected no artifact mention without artifacts, got %q", bare)
	}
}
