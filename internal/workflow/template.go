package workflow

import (
	"bytes"
	"strings"
	"text/template"
)

// promptData is what step templates see, e.g. {{.Context.plan}} or {{.ExecutionID}}.
type promptData struct {
	Context     map[string]any
	ExecutionID string
	WorkflowID  string
	StepID      string
}

func parseTemplate(name, text string) (*template.Template, error) {
	return template.New(name).Option("missingkey=zero").Parse(text)
}

// render executes tmpl. Missing map keys render as empty strings.
func render(tmpl *template.Template, data promptData) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return strings.ReplaceAll(buf.String(), "<no value>", ""), nil
}
