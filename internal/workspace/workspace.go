// Package workspace holds the editable inputs of one user before they are
// submitted for generation.
package workspace

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"genmedia-studio/internal/errs"
	"genmedia-studio/internal/studio"
)

const (
	DefaultAspectRatio = "1:1"
	MaxPerGroup        = 8
)

type Workspace struct {
	ProjectID string

	Scene      string
	Characters string
	Style      string

	Locations     []studio.ReferenceAsset
	CharacterRefs []studio.ReferenceAsset
	StyleRefs     []studio.ReferenceAsset

	Mode        studio.Mode
	AspectRatio string
	ModelLabel  string
	Kind        studio.MediaKind

	// LastResult is the most recent generated or restored entry, the
	// default target of a refinement.
	LastResult *studio.GeneratedAsset

	// restored holds the inputs of the last restored entry.
	restored *studio.InputSnapshot

	UpdatedAt time.Time
}

func New(projectID string) Workspace {
	return Workspace{
		ProjectID:   projectID,
		Mode:        studio.ModePrompt,
		AspectRatio: DefaultAspectRatio,
		Kind:        studio.KindImage,
	}
}

// Snapshot copies the editable fields into an InputSnapshot. The result
// shares no memory with w. While the inputs still match a restored
// refinement entry, the snapshot carries its refinement fields so that
// submitting it repeats the refinement.
func (w Workspace) Snapshot() studio.InputSnapshot {
	snap := studio.InputSnapshot{
		Scene:         w.Scene,
		Characters:    w.Characters,
		Style:         w.Style,
		Locations:     cloneRefs(w.Locations),
		CharacterRefs: cloneRefs(w.CharacterRefs),
		StyleRefs:     cloneRefs(w.StyleRefs),
		Mode:          w.Mode,
		AspectRatio:   w.AspectRatio,
		ModelLabel:    w.ModelLabel,
		Kind:          w.Kind,
	}
	if w.restored != nil && w.restored.IsRefinement() && reflect.DeepEqual(snap, w.restored.WithoutRefinement()) {
		snap.RefinedFrom = w.restored.RefinedFrom
		snap.Feedback = w.restored.Feedback
		snap.AnchorURI = w.restored.AnchorURI
		snap.RefinedModel = w.restored.RefinedModel
	}
	return snap
}

// Restore replaces every editable field with the inputs of a and makes a
// the last result. Submitting the restored workspace reproduces the request
// that created a.
func (w *Workspace) Restore(a studio.GeneratedAsset) {
	in := a.Inputs.Clone()
	w.Scene = in.Scene
	w.Characters = in.Characters
	w.Style = in.Style
	w.Locations = in.Locations
	w.CharacterRefs = in.CharacterRefs
	w.StyleRefs = in.StyleRefs
	w.Mode = in.Mode
	w.AspectRatio = in.AspectRatio
	w.ModelLabel = in.ModelLabel
	w.Kind = in.Kind

	restored := a.Inputs.Clone()
	w.restored = &restored

	last := a.Clone()
	w.LastResult = &last
}

// Remember records a fresh result without touching the inputs.
func (w *Workspace) Remember(a studio.GeneratedAsset) {
	last := a.Clone()
	w.LastResult = &last
}

// AddReference appends asset to group. New references start selected.
func (w *Workspace) AddReference(group studio.AssetGroup, asset studio.ReferenceAsset) error {
	refs := w.group(group)
	if refs == nil {
		return errs.New(errs.KindValidation, "workspace", fmt.Sprintf("unknown reference group %q", group))
	}
	if len(*refs) >= MaxPerGroup {
		return errs.New(errs.KindValidation, "workspace",
			fmt.Sprintf("%s already holds %d references", group, MaxPerGroup))
	}
	asset = asset.Clone()
	asset.Selected = true
	*refs = append(*refs, asset)
	return nil
}

// ToggleSelected flips the selection of one reference and reports its new
// state. The second result is false when no such reference exists.
func (w *Workspace) ToggleSelected(group studio.AssetGroup, id string) (selected, ok bool) {
	refs := w.group(group)
	if refs == nil {
		return false, false
	}
	for i := range *refs {
		if (*refs)[i].ID == id {
			(*refs)[i].Selected = !(*refs)[i].Selected
			return (*refs)[i].Selected, true
		}
	}
	return false, false
}

func (w *Workspace) RemoveReference(group studio.AssetGroup, id string) bool {
	refs := w.group(group)
	if refs == nil {
		return false
	}
	for i, r := range *refs {
		if r.ID == id {
			*refs = append((*refs)[:i:i], (*refs)[i+1:]...)
			return true
		}
	}
	return false
}

// ClearReferences drops every reference in every group.
func (w *Workspace) ClearReferences() {
	w.Locations = nil
	w.CharacterRefs = nil
	w.StyleRefs = nil
}

func (w *Workspace) SetAspectRatio(value string) error {
	ar := NormalizeAspectRatio(value)
	if ar == "" {
		return errs.New(errs.KindValidation, "workspace", fmt.Sprintf("invalid aspect ratio %q, expected W:H", value))
	}
	w.AspectRatio = ar
	return nil
}

func (w *Workspace) group(g studio.AssetGroup) *[]studio.ReferenceAsset {
	switch g {
	case studio.GroupLocation:
		return &w.Locations
	case studio.GroupCharacter:
		return &w.CharacterRefs
	case studio.GroupStyle:
		return &w.StyleRefs
	default:
		return nil
	}
}

// NormalizeAspectRatio returns value as "W:H" with positive integers, or ""
// when it is not a ratio.
func NormalizeAspectRatio(value string) string {
	value = strings.TrimSpace(strings.ToLower(value))
	if value == "" {
		return ""
	}
	parts := strings.SplitN(value, ":", 2)
	if len(parts) != 2 {
		return ""
	}
	a, errA := strconv.Atoi(strings.TrimSpace(parts[0]))
	b, errB := strconv.Atoi(strings.TrimSpace(parts[1]))
	if errA != nil || errB != nil || a <= 0 || b <= 0 {
		return ""
	}
	return fmt.Sprintf("%d:%d", a, b)
}

// ParseGroup accepts a group name or a common alias such as "loc" or "char".
func ParseGroup(value string) (studio.AssetGroup, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "location", "locations", "loc", "scene":
		return studio.GroupLocation, true
	case "character", "characters", "char", "chars":
		return studio.GroupCharacter, true
	case "style", "styles":
		return studio.GroupStyle, true
	default:
		return "", false
	}
}

func cloneRefs(in []studio.ReferenceAsset) []studio.ReferenceAsset {
	if in == nil {
		return nil
	}
	out := make([]studio.ReferenceAsset, len(in))
	for i, a := range in {
		out[i] = a.Clone()
	}
	return out
}
