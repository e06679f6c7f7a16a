// Package prompt assembles the system prompt for the code-writing
// assistant: the executor method reference, worked examples, artifact
// rendering instructions, the current artifact list, and the database
// catalog.
package prompt

import (
	"strings"

	"github.com/queryloop/queryloop/internal/artifact"
	"github.com/queryloop/queryloop/internal/sqlengine"
)

const (
	// ToolName is the single tool exposed to the LLM.
	ToolName = "execute_python"
	// CodeArgument is the tool input parameter carrying the script.
	CodeArgument = "python_code"
	// CodeArgumentDescription documents CodeArgument in the tool schema.
	CodeArgumentDescription = "The python code to execute. This must be Python code and not direct SQL."
)

// Options control which executor capabilities are described to the model.
// Capabilities disabled here should also be left unwired in the sandbox
// client, so the prompt and runtime agree.
type Options struct {
	EnableArtifacts         bool
	EnableArtifactRendering bool
	EnableClassify          bool
	EnableSummarize         bool
}

// DefaultOptions enables everything.
func DefaultOptions() Options {
	return Options{
		EnableArtifacts:         true,
		EnableArtifactRendering: true,
		EnableClassify:          true,
		EnableSummarize:         true,
	}
}

// Builder produces system prompts for a fixed configuration. The zero
// value is not useful; construct with an Options value.
type Builder struct {
	Options Options

	// CustomExamples replaces the generic worked examples when set.
	// Deployments with a known schema can show schema-specific scripts.
	CustomExamples string
}

// ToolDescription is the description advertised for the execute_python
// tool.
func (b Builder) ToolDescription() string {
	var sb strings.Builder
	sb.WriteString("This tool can be used to write Python scripts to retrieve data from the user's database, process data")
	if b.Options.EnableArtifacts {
		sb.WriteString(", or manipulate artifacts")
	}
	sb.WriteString(".\nAlways ensure that there is at least one `executor.print`")
	if b.Options.EnableArtifacts && b.Options.EnableArtifactRendering {
		sb.WriteString(" or `executor.store_artifact`")
	}
	sb.WriteString(" call.")
	return sb.String()
}

// SystemPrompt assembles the full prompt fragment for one LLM call. The
// artifact list and catalog vary per call; everything else is fixed by
// the builder's options.
func (b Builder) SystemPrompt(artifacts []artifact.Artifact, catalog sqlengine.Catalog) string {
	var sb strings.Builder

	sb.WriteString("When executing Python code, you have access to an `executor` variable, which has the following methods:\n")
	sb.WriteString(b.executorMethods())

	sb.WriteString("\n\nSome Python code examples:\n\n")
	if b.CustomExamples != "" {
		sb.WriteString(b.CustomExamples)
	} else {
		sb.WriteString(b.genericExamples())
	}

	if b.Options.EnableArtifactRendering {
		sb.WriteString("\n\n")
		sb.WriteString(artifactRenderingInstructions)
	}

	if b.Options.EnableArtifacts && len(artifacts) > 0 {
		sb.WriteString("\n\nThe previously created artifacts by you are:\n\n")
		for i, a := range artifacts {
			if i > 0 {
				sb.WriteString("\n\n")
			}
			sb.WriteString(a.RenderForPrompt())
		}
	}

	sb.WriteString("\n\nThe schema of the database available using the run_sql method is as follows.\n\n")
	sb.WriteString(catalog.RenderForPrompt())
	sb.WriteString("\n")

	return sb.String()
}

func (b Builder) executorMethods() string {
	var sb strings.Builder
	sb.WriteString(methodsRunSQLAndPrint)
	if b.Options.EnableArtifacts {
		if b.Options.EnableArtifactRendering {
			sb.WriteString("\n  Do not use this to print large amounts of data, use artifacts instead. If the user asks for insights or analysis on artifact data that requires you to view, then you should print that data.")
		}
		sb.WriteString(methodsArtifacts)
	}
	if b.Options.EnableClassify {
		sb.WriteString(methodsClassify)
	}
	if b.Options.EnableSummarize {
		sb.WriteString(methodsSummarize)
	}
	return sb.String()
}

func (b Builder) genericExamples() string {
	var sb strings.Builder
	sb.WriteString(examplesBasic)
	if b.Options.EnableArtifacts {
		sb.WriteString(examplesStoreArtifact)
	}
	if b.Options.EnableArtifacts && b.Options.EnableClassify {
		sb.WriteString(examplesClassify)
	}
	if b.Options.EnableArtifacts && b.Options.EnableSummarize {
		sb.WriteString(examplesSummarize)
	}
	return sb.String()
}

// The prompt text uses backticks for code spans, which Go raw strings
// cannot contain. The source text below writes ~ where a backtick
// belongs and bq swaps them; the text itself never uses a tilde.
func bq(s string) string {
	return strings.ReplaceAll(s, "~", "`")
}

var methodsRunSQLAndPrint = bq(`- ~def run_sql(self, sql: str) -> list[dict[str, Any]]~:
  This can be used to retrieve data by issuing a SQL query. It returns a list of rows, with each row represented as a dictionary of selected column names (or aliases) to column values.
  Account for the possibility of rows not meeting your filters in your python code or nullable columns returning None.
  Keep the SQL easy to understand (eg: no sub-selects), doing more in Python if you need to, especially if SQL is throwing errors.
  Never do a SELECT * but select only the columns you want.
  The python representations of various SQL types are:
  - any number-like types: int
  - any text-like types: str
  - DATE type: str (eg: '2024-08-14')
  - TIMESTAMP type: str (eg: '2024-08-14T13:58:26')
- ~def print(self, text: str)~
  This can be used to print and observe anything from the Python script. This output will be visible to you only (not the user).`)

var methodsArtifacts = bq(`
- ~def store_artifact(self, identifier: str, title: str, artifact_type: 'table' | 'text', data)~:
  This can be used to store any retrieved / computed data, for referencing either when talking to the user or when reading it in subsequent turns.
  The ~identifier~ will be used to reference this artifact. If reusing an identifier, this overwrites the existing artifact.
  The ~title~ is a human friendly description of what the data contains.
  The ~artifact_type~ can either be 'table' or 'text' depending on the kind of artifact.
  The ~data~ contains the data to store in the artifact. The type of this argument depends on the ~artifact_type~:
  - For 'table' artifacts, the data type is ~list[dict[str, Any]]~: A list of rows, with each row represented as a dictionary of column names to column values. The column names and values must be user-friendly and there must be at least one row in the data.
  - For 'text' artifacts, the data type is ~str~: Raw text (eg: text of a document).
- ~def get_artifact(self, identifier: str) -> list[dict[str, Any]] | str~:
  This can be used to retrieve the ~data~ for an artifact that was previously created (even in an old invocation of this tool) for further processing or observation.
  The returned artifact data can also be modified (eg: to append rows or columns to it) and stored back.
  For follow-up questions, avoid retrieving the data from the database again if you can look it up in a previously created artifact.`)

var methodsClassify = bq(`
- ~def classify(self, instructions: str, inputs_to_classify: list[str], categories: list[str], allow_multiple: bool) -> list[str | list[str]]~:
  This can be used to call an AI language model to categorize the given ~inputs_to_classify~ into the specified ~categories~.
  If ~allow_multiple~ is True, then zero or more categories can be chosen for each input and hence the output is a list of list of categories - one list per input.
  If ~allow_multiple~ is False, then exactly one category is chosen for each input and the output is a list of categories - one per input.
  Any instructions for classification (eg: what the categories mean) should be clearly given in ~instructions~. The classification model cannot access any external data.`)

var methodsSummarize = bq(`
- ~def summarize(self, instructions: str, input: str) -> str~:
  This can be used to call a language model to summarize the ~input~. Any summarization instructions (eg: what information to preserve) must be given in ~instructions~. The output is the summarized text.`)

var examplesBasic = bq(`Example: Fetching the title of article with ID 5
~~~
data = executor.run_sql("SELECT title FROM library.articles WHERE id = 5")
if len(data) == 0:
  executor.print('not found')
else:
  executor.print(f'{data[0]["title"]}')
~~~

Example: Fetching the date of the oldest article
~~~
data = executor.run_sql("SELECT MIN(date) AS min_date FROM library.articles WHERE date >= '2023-01-01'")
min_date = data[0]['min_date']
executor.print(f'{min_date}')
~~~`)

var examplesStoreArtifact = bq(`

Example: Fetching the 100 most recent articles and storing them in an artifact
~~~
sql = """
    SELECT
        articles.id AS article_id,
        articles.title AS article_title,
        articles.published_at AS article_published_at
    FROM
       library.articles AS articles
    ORDER BY articles.published_at DESC
    LIMIT 100
"""
data = executor.run_sql(sql)
if len(data) == 0:
  executor.print('no articles found')
else:
  artifact_data = []
  for row in data:
    artifact_row = {
      'ID': row['article_id'],
      'Title': row['article_title'],
      'Published at': row['article_published_at'],
    }
    artifact_data.append(artifact_row)
  # Store the articles as a tabular artifact, for easier consumption by the user
  executor.store_artifact('most_recent_articles', '100 most recent articles', 'table', artifact_data)
~~~`)

var examplesClassify = bq(`

Example: Filtering the previously retrieved articles to ones that might be considered controversial
~~~
# Get the previously retrieved data from the artifact
articles = executor.get_artifact('most_recent_articles')

categories = ['controversial', 'non-controversial']
instructions = """
Classify the given article title as either 'controversial' or 'non-controversial'.
Controversial articles typically contain topics that are likely to generate significant
debate, disagreement, or emotional responses.
"""

classifications = executor.classify(instructions, [article['Title'] for article in articles], categories, False)

controversial_articles = [articles[i] for i, c in enumerate(classifications) if c == 'controversial']
executor.store_artifact('most_recent_controversial_articles', 'most recent controversial articles', 'table', controversial_articles)
~~~`)

var examplesSummarize = bq(`

Example: Adding a summary of the content to the previously retrieved controversial articles
~~~
articles = executor.get_artifact('most_recent_controversial_articles')

for article in articles:
    article['Summary'] = executor.summarize('Summarize this article title in a few words', article['Title'])

executor.store_artifact('most_recent_controversial_articles_with_summary', 'Most recent controversial articles with summaries', 'table', articles)
~~~`)

var artifactRenderingInstructions = bq(`Any data or synthesized response that might be useful to reference later - either when talking to the user or for follow-up processing - should be stored as an artifact.
When referenced in the response, artifacts are rendered with a special user-friendly UI. So, whenever presenting data to the user, always put it in an artifact.

When responding to the user with data which lives in an artifact, you can reference the artifact using an <artifact /> tag, with ~identifier~ being an attribute.
Eg: If you created an artifact called 'most_recent_articles' and wanted to respond to the user with that data, you would respond like this:

Here are the 100 most recent articles I retrieved:
<artifact identifier = 'most_recent_articles' warning = 'I cannot see the full data so I must not make up observations' />

This tag will be replaced by the actual artifact data when showed to the user. So do not repeat or summarize the data from the artifact in your response.
Remember you yourself can't see the artifact, except what you printed from the python code, so any analysis on the artifact should be done in Python by reading the artifact, computing metrics, and printing the information.

For follow up questions, read or process the data from the artifact itself, instead of querying it again from the database. This is important because the user is viewing the artifact and so will refer to data in the artifact as it is.

Do not write very big python programs that do a lot of work. Instead, break them down into smaller programs (storing intermediate results in artifacts if needed), executing them, observing the output to see if it is doing what you expect, and keeping the user informed on the progress.`)
