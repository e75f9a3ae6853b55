package studio

import (
	"strings"
	"time"
)

type MediaKind string

const (
	KindImage MediaKind = "image"
	KindVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == KindImage || k == KindVideo
}

// KindFromMime maps a MIME type to a media kind. The second result is false
// for anything that is neither an image nor a video.
func KindFromMime(mimeType string) (MediaKind, bool) {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return KindImage, true
	case strings.HasPrefix(mimeType, "video/"):
		return KindVideo, true
	default:
		return "", false
	}
}

// Mode selects how the final generation instruction is produced.
type Mode string

const (
	ModePrompt Mode = "prompt"
	ModeDirect Mode = "direct"
)

func (m Mode) Valid() bool {
	return m == ModePrompt || m == ModeDirect
}

type AssetGroup string

const (
	GroupLocation  AssetGroup = "location"
	GroupCharacter AssetGroup = "character"
	GroupStyle     AssetGroup = "style"
)

// Groups lists the reference groups in the order they are analyzed and sent.
var Groups = []AssetGroup{GroupLocation, GroupCharacter, GroupStyle}

func (g AssetGroup) Valid() bool {
	return g == GroupLocation || g == GroupCharacter || g == GroupStyle
}

// Label is the prefix used for descriptions of assets in this group.
func (g AssetGroup) Label() string {
	switch g {
	case GroupLocation:
		return "Location Reference"
	case GroupCharacter:
		return "Character Reference"
	case GroupStyle:
		return "Style Reference"
	default:
		return "Reference"
	}
}

type ReferenceAsset struct {
	ID       string    `json:"id"`
	Kind     MediaKind `json:"mediaKind"`
	MimeType string    `json:"mimeType"`
	Data     []byte    `json:"contentBytes"`
	Selected bool      `json:"selected"`
}

func (a ReferenceAsset) Clone() ReferenceAsset {
	out := a
	if a.Data != nil {
		out.Data = append([]byte(nil), a.Data...)
	}
	return out
}

// InputSnapshot records everything that produced a generated asset. Values are
// treated as immutable once attached to a GeneratedAsset; use Clone before editing.
type InputSnapshot struct {
	Scene      string `json:"scene"`
	Characters string `json:"characters"`
	Style      string `json:"style"`

	Locations     []ReferenceAsset `json:"locations"`
	CharacterRefs []ReferenceAsset `json:"characterRefs"`
	StyleRefs     []ReferenceAsset `json:"styleRefs"`

	Mode        Mode      `json:"mode"`
	AspectRatio string    `json:"aspectRatio"`
	ModelLabel  string    `json:"model"`
	Kind        MediaKind `json:"mediaKind"`

	// Set on refinement results only. Together they reproduce the
	// refinement request without the entry it was refined from.
	RefinedFrom  string `json:"refinedFrom,omitempty"`
	Feedback     string `json:"feedback,omitempty"`
	AnchorURI    string `json:"anchorUri,omitempty"`
	RefinedModel string `json:"refinedModel,omitempty"`
}

func (s InputSnapshot) IsRefinement() bool {
	return s.RefinedFrom != ""
}

// WithoutRefinement returns s with the refinement fields cleared.
func (s InputSnapshot) WithoutRefinement() InputSnapshot {
	s.RefinedFrom = ""
	s.Feedback = ""
	s.AnchorURI = ""
	s.RefinedModel = ""
	return s
}

func (s InputSnapshot) Clone() InputSnapshot {
	out := s
	out.Locations = cloneAssets(s.Locations)
	out.CharacterRefs = cloneAssets(s.CharacterRefs)
	out.StyleRefs = cloneAssets(s.StyleRefs)
	return out
}

func (s InputSnapshot) Group(g AssetGroup) []ReferenceAsset {
	switch g {
	case GroupLocation:
		return s.Locations
	case GroupCharacter:
		return s.CharacterRefs
	case GroupStyle:
		return s.StyleRefs
	default:
		return nil
	}
}

// Selected returns the selected assets of one group in input order.
func (s InputSnapshot) Selected(g AssetGroup) []ReferenceAsset {
	var out []ReferenceAsset
	for _, a := range s.Group(g) {
		if a.Selected {
			out = append(out, a)
		}
	}
	return out
}

// SelectedAll returns every selected asset, locations first, then characters, then styles.
func (s InputSnapshot) SelectedAll() []ReferenceAsset {
	var out []ReferenceAsset
	for _, g := range Groups {
		out = append(out, s.Selected(g)...)
	}
	return out
}

type GeneratedAsset struct {
	ID              string        `json:"id"`
	Kind            MediaKind     `json:"mediaKind"`
	OutputURI       string        `json:"outputUri"`
	TechnicalPrompt string        `json:"technicalPrompt"`
	Reasoning       string        `json:"reasoning,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
	ModelID         string        `json:"modelId"`
	Inputs          InputSnapshot `json:"inputs"`
}

func (a GeneratedAsset) Clone() GeneratedAsset {
	out := a
	out.Inputs = a.Inputs.Clone()
	return out
}

func CloneHistory(in []GeneratedAsset) []GeneratedAsset {
	if in == nil {
		return nil
	}
	out := make([]GeneratedAsset, len(in))
	for i, a := range in {
		out[i] = a.Clone()
	}
	return out
}

func cloneAssets(in []ReferenceAsset) []ReferenceAsset {
	if in == nil {
		return nil
	}
	out := make([]ReferenceAsset, len(in))
	for i, a := range in {
		out[i] = a.Clone()
	}
	return out
}
