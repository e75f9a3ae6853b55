package pipeline

import (
	"fmt"
	"sort"
	"strings"

	"genmedia-studio/internal/errs"
	"genmedia-studio/internal/studio"
)

// Model is one entry of the label table.
type Model struct {
	Label string
	ID    string
	Kind  studio.MediaKind
}

var builtinModels = []Model{
	{Label: "Nano Banana", ID: "gemini-2.5-flash-image", Kind: studio.KindImage},
	{Label: "Gemini Flash Image", ID: "gemini-2.5-flash-image", Kind: studio.KindImage},
	{Label: "Nano Banana Pro", ID: "gemini-3-pro-image-preview", Kind: studio.KindImage},
	{Label: "Veo 3", ID: "veo-3.0-generate-001", Kind: studio.KindVideo},
	{Label: "Veo 3 Fast", ID: "veo-3.0-fast-generate-001", Kind: studio.KindVideo},
	{Label: "Veo 2", ID: "veo-2.0-generate-001", Kind: studio.KindVideo},
}

// Catalog maps human-readable model labels to endpoint model ids. Lookups
// never pass an unrecognized string through to the endpoint.
type Catalog struct {
	byKey    map[string]Model
	defaults map[studio.MediaKind]string
}

// NewCatalog builds the table from the built-in labels, the default ids and
// overrides in "label=id,label=id" form. Ids starting with "veo" are video models.
func NewCatalog(defaultImage, defaultVideo, overrides string) (*Catalog, error) {
	c := &Catalog{
		byKey: make(map[string]Model),
		defaults: map[studio.MediaKind]string{
			studio.KindImage: defaultImage,
			studio.KindVideo: defaultVideo,
		},
	}
	for _, m := range builtinModels {
		c.add(m)
	}
	if defaultImage != "" {
		c.add(Model{Label: defaultImage, ID: defaultImage, Kind: studio.KindImage})
	}
	if defaultVideo != "" {
		c.add(Model{Label: defaultVideo, ID: defaultVideo, Kind: studio.KindVideo})
	}

	for _, entry := range strings.Split(overrides, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		label, id, ok := strings.Cut(entry, "=")
		label, id = strings.TrimSpace(label), strings.TrimSpace(id)
		if !ok || label == "" || id == "" {
			return nil, fmt.Errorf("invalid model label entry %q, want label=id", entry)
		}
		c.add(Model{Label: label, ID: id, Kind: kindForID(id)})
	}
	return c, nil
}

func (c *Catalog) add(m Model) {
	c.byKey[normalizeLabel(m.Label)] = m
	if _, exists := c.byKey[normalizeLabel(m.ID)]; !exists {
		c.byKey[normalizeLabel(m.ID)] = Model{Label: m.ID, ID: m.ID, Kind: m.Kind}
	}
}

// Resolve returns the model id for label. An empty label selects the default
// for kind. Unknown labels fail with UNKNOWN_MODEL; a label for the other
// media kind fails with VALIDATION.
func (c *Catalog) Resolve(label string, kind studio.MediaKind) (string, error) {
	if strings.TrimSpace(label) == "" {
		id := c.defaults[kind]
		if id == "" {
			return "", errs.New(errs.KindUnknownModel, "resolve_model", fmt.Sprintf("no default %s model configured", kind))
		}
		return id, nil
	}

	m, ok := c.byKey[normalizeLabel(label)]
	if !ok {
		return "", errs.New(errs.KindUnknownModel, "resolve_model", fmt.Sprintf("unknown model %q", label))
	}
	if m.Kind != kind {
		return "", errs.New(errs.KindValidation, "resolve_model", fmt.Sprintf("model %q generates %s, not %s", label, m.Kind, kind))
	}
	return m.ID, nil
}

// Models lists the labelled entries sorted by kind then label.
func (c *Catalog) Models() []Model {
	seen := make(map[string]bool)
	var out []Model
	for _, m := range c.byKey {
		key := m.Label + "\x00" + m.ID
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Label < out[j].Label
	})
	return out
}

func kindForID(id string) studio.MediaKind {
	if strings.HasPrefix(strings.ToLower(id), "veo") {
		return studio.KindVideo
	}
	return studio.KindImage
}

func normalizeLabel(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
