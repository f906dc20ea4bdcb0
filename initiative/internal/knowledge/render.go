// Package knowledge renders the enriched corpus into token-bounded
// documents and keeps the provider-hosted copies in step with the store.
package knowledge

import (
	"bufio"
	"strings"

	"github.com/hazyhaar/etabli/initiative/internal/store"
)

// Labels of rendered fields, in rendering order.
const (
	LabelName               = "Name"
	LabelTitle              = "Title"
	LabelDescription        = "Description"
	LabelWebsites           = "Websites"
	LabelRepositories       = "Repositories"
	LabelBusinessUseCases   = "Business use cases"
	LabelTools              = "Tools"
	LabelFunctionalUseCases = "Functional use cases"
)

// Block is the canonical text of one corpus entry.
type Block struct {
	ID   string
	Text string
}

// Field is one labeled value of a record.
type Field struct {
	Label string
	Value string
}

// Record is a parsed block.
type Record struct {
	// Type is "Initiative" or "Tool".
	Type   string
	ID     string
	Fields []Field
}

// Get returns the value of label, or "".
func (r Record) Get(label string) string {
	for _, f := range r.Fields {
		if f.Label == label {
			return f.Value
		}
	}
	return ""
}

// RenderInitiative renders an initiative. Empty fields are left out.
func RenderInitiative(in *store.Initiative) Block {
	tools := make([]string, 0, len(in.Tools))
	for _, t := range in.Tools {
		tools = append(tools, t.Name)
	}
	useCases := make([]string, 0, len(in.BusinessUseCases))
	for _, b := range in.BusinessUseCases {
		useCases = append(useCases, b.Name)
	}
	flags := make([]string, 0, len(in.FunctionalUseCases))
	for _, f := range in.FunctionalUseCases {
		flags = append(flags, string(f))
	}
	return render("Initiative", in.ID, []Field{
		{LabelName, in.Name},
		{LabelDescription, in.Description},
		{LabelWebsites, strings.Join(in.Websites, ", ")},
		{LabelRepositories, strings.Join(in.Repositories, ", ")},
		{LabelBusinessUseCases, strings.Join(useCases, ", ")},
		{LabelTools, strings.Join(tools, ", ")},
		{LabelFunctionalUseCases, strings.Join(flags, ", ")},
	})
}

// RenderTool renders a tool.
func RenderTool(t *store.Tool) Block {
	return render("Tool", t.ID, []Field{
		{LabelName, t.Name},
		{LabelTitle, t.Title},
		{LabelDescription, t.Description},
	})
}

func render(typ, id string, fields []Field) Block {
	var b strings.Builder
	b.WriteString("# ")
	b.WriteString(typ)
	b.WriteString(" ")
	b.WriteString(id)
	b.WriteString("\n")
	for _, f := range fields {
		v := flatten(f.Value)
		if v == "" {
			continue
		}
		b.WriteString("- ")
		b.WriteString(f.Label)
		b.WriteString(": ")
		b.WriteString(v)
		b.WriteString("\n")
	}
	return Block{ID: id, Text: b.String()}
}

// flatten keeps a value on one line so that blocks parse back unambiguously.
func flatten(s string) string { return strings.Join(strings.Fields(s), " ") }

// Parse reads records back from rendered text. Lines outside a record and
// malformed field lines are ignored.
func Parse(text string) []Record {
	var out []Record
	var cur *Record
	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if rest, ok := strings.CutPrefix(line, "# "); ok {
			typ, id, found := strings.Cut(rest, " ")
			if !found {
				cur = nil
				continue
			}
			out = append(out, Record{Type: typ, ID: id})
			cur = &out[len(out)-1]
			continue
		}
		if cur == nil {
			continue
		}
		rest, ok := strings.CutPrefix(line, "- ")
		if !ok {
			continue
		}
		label, value, found := strings.Cut(rest, ": ")
		if !found {
			continue
		}
		cur.Fields = append(cur.Fields, Field{Label: label, Value: value})
	}
	return out
}
