// Package enrich turns a cluster's collected content into an initiative:
// it fits the prompt under the model token budget, asks the model for a
// structured sheet and persists the sanitized answer.
package enrich

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/hazyhaar/etabli/initiative/internal/collect"
)

// SystemInstructions frame every enrichment request.
const SystemInstructions = "You are a bot computing information to build an initiative sheet " +
	"that will be listed in a directory. Use the tools document attached as context " +
	"to give exact naming when answering questions about tooling. Answer with JSON only."

// resultSchemaDefinition is shown to the model next to the enforced schema,
// so that field meanings survive providers without schema support.
const resultSchemaDefinition = `interface ResultSchemaType {
  name: string;
  businessUseCases: string[];
  description: string;
  tools: string[];
  functionalUseCases: {
    generatesPDF: boolean;
    hasVirtualEmailInboxes: boolean;
    sendsEmails: boolean;
  };
}`

const promptTemplate = `From the following information about an initiative (a public project or product), fill the JSON result matching this TypeScript definition:

` + "```ts\n{{.Schema}}\n```" + `

- "description" explains in a few sentences what the initiative does for its users.
- "businessUseCases" lists the business purposes served, as short phrases.
- "tools" only names tools you can confirm from the tools document.
- each "functionalUseCases" flag is true only if the content shows the capability.
{{range $i, $w := .Websites}}
## Website {{inc $i}}{{if $w.Main}} (main){{end}}
{{if $w.DeducedTools}}
Deduced tools: {{join $w.DeducedTools}}
{{end}}
{{$w.Markdown}}
{{end}}{{range $i, $r := .Repositories}}
## Repository {{inc $i}}{{if $r.Main}} (main){{end}}
{{if $r.Functions}}
Functions: {{join $r.Functions}}
{{end}}{{if $r.Dependencies}}
Dependencies: {{join $r.Dependencies}}
{{end}}{{if $r.Readme}}
README:

{{$r.Readme}}
{{end}}{{end}}{{if .DeducedTools}}
## Tool hints

These names were detected automatically and may be imprecise: {{join .DeducedTools}}
{{end}}`

// Prompt renders enrichment prompts.
type Prompt struct {
	tmpl *template.Template
}

// NewPrompt parses the enrichment template.
func NewPrompt() *Prompt {
	funcs := template.FuncMap{
		"inc":  func(i int) int { return i + 1 },
		"join": func(items []string) string { return strings.Join(items, ", ") },
	}
	return &Prompt{tmpl: template.Must(template.New("initiative").Funcs(funcs).Parse(promptTemplate))}
}

type promptData struct {
	Schema       string
	Websites     []collect.WebsiteContent
	Repositories []collect.RepositoryContent
	DeducedTools []string
}

// Render builds the prompt. When at least one website is present the
// repository READMEs are left out: website text describes the business,
// READMEs mostly describe the code.
func (p *Prompt) Render(websites []collect.WebsiteContent, repositories []collect.RepositoryContent, deducedTools []string) (string, error) {
	data := promptData{Schema: resultSchemaDefinition, Websites: websites, DeducedTools: deducedTools}
	data.Repositories = make([]collect.RepositoryContent, len(repositories))
	copy(data.Repositories, repositories)
	if len(websites) > 0 {
		for i := range data.Repositories {
			data.Repositories[i].Readme = ""
		}
	}
	var buf bytes.Buffer
	if err := p.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("enrich: render prompt: %w", err)
	}
	return buf.String(), nil
}
