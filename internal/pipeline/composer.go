package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"genmedia-studio/internal/errs"
)

// Composition is the structured reply of the prompt composer.
type Composition struct {
	TechnicalPrompt string `json:"technicalPrompt"`
	Reasoning       string `json:"reasoning"`
}

// Request-side schema in the endpoint's OpenAPI subset.
var compositionResponseSchema = map[string]any{
	"type": "OBJECT",
	"properties": map[string]any{
		"technicalPrompt": map[string]any{"type": "STRING"},
		"reasoning":       map[string]any{"type": "STRING"},
	},
	"required":         []string{"technicalPrompt", "reasoning"},
	"propertyOrdering": []string{"technicalPrompt", "reasoning"},
}

const compositionValidationSchema = `{
  "type": "object",
  "properties": {
    "technicalPrompt": {"type": "string", "minLength": 1},
    "reasoning": {"type": "string"}
  },
  "required": ["technicalPrompt", "reasoning"],
  "additionalProperties": false
}`

type Composer struct {
	text   TextModel
	model  string
	schema *gojsonschema.Schema
}

func NewComposer(text TextModel, model string) (*Composer, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(compositionValidationSchema))
	if err != nil {
		return nil, fmt.Errorf("compile composition schema: %w", err)
	}
	return &Composer{text: text, model: model, schema: schema}, nil
}

// Compose merges the free-text fields and every description into one
// technical prompt. Any failure is a COMPOSITION_FAILURE carrying the
// endpoint or parser message as is; there is no fallback prompt.
func (c *Composer) Compose(ctx context.Context, scene, characters, style string, descriptions []Description) (Composition, error) {
	instruction := compositionInstruction(scene, characters, style, descriptions)

	raw, err := c.text.GenerateJSON(ctx, c.model, instruction, compositionResponseSchema)
	if err != nil {
		return Composition{}, errs.Wrap(errs.KindComposition, "compose", c.model, err)
	}

	result, err := c.schema.Validate(gojsonschema.NewStringLoader(raw))
	if err != nil {
		return Composition{}, errs.Wrap(errs.KindComposition, "compose", c.model, fmt.Errorf("invalid JSON from text model: %w", err))
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return Composition{}, errs.New(errs.KindComposition, "compose", "response does not match schema: "+strings.Join(problems, "; ")).WithModel(c.model)
	}

	var out Composition
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return Composition{}, errs.Wrap(errs.KindComposition, "compose", c.model, err)
	}
	return out, nil
}

func compositionInstruction(scene, characters, style string, descriptions []Description) string {
	var b strings.Builder
	b.WriteString("You are a prompt engineer for image and video generation models.\n")
	b.WriteString("Merge the creative brief and every reference description below into one detailed technical prompt. ")
	b.WriteString("Every reference description must be reflected in the prompt. ")
	b.WriteString("Return JSON with technicalPrompt (the prompt) and reasoning (one short paragraph on how the references were used).\n\n")

	writeField(&b, "Scene", scene)
	writeField(&b, "Characters", characters)
	writeField(&b, "Visual style", style)

	if len(descriptions) > 0 {
		b.WriteString("Reference descriptions:\n")
		for i, d := range descriptions {
			fmt.Fprintf(&b, "%d. %s\n", i+1, d.String())
		}
	}
	return b.String()
}

func writeField(b *strings.Builder, name, value string) {
	value = strings.TrimSpace(value)
	if value == "" {
		value = "(none)"
	}
	fmt.Fprintf(b, "%s: %s\n\n", name, value)
}
