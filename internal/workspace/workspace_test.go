package workspace

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genmedia-studio/internal/errs"
	"genmedia-studio/internal/studio"
)

func ref(id string, selected bool) studio.ReferenceAsset {
	return studio.ReferenceAsset{ID: id, Kind: studio.KindImage, MimeType: "image/png", Data: []byte(id), Selected: selected}
}

func TestRestoreThenSnapshotReproducesInputs(t *testing.T) {
	entry := studio.GeneratedAsset{
		ID:   "gen_1",
		Kind: studio.KindImage,
		Inputs: studio.InputSnapshot{
			Scene:         "a harbor at dawn",
			Characters:    "two fishermen",
			Style:         "oil painting",
			Locations:     []studio.ReferenceAsset{ref("loc1", true), ref("loc2", false)},
			CharacterRefs: []studio.ReferenceAsset{ref("ch1", true)},
			Mode:          studio.ModePrompt,
			AspectRatio:   "16:9",
			ModelLabel:    "Nano Banana",
			Kind:          studio.KindImage,
		},
	}

	ws := New("proj")
	ws.Scene = "something else"
	ws.StyleRefs = []studio.ReferenceAsset{ref("old", true)}
	ws.Restore(entry)

	assert.Equal(t, entry.Inputs, ws.Snapshot())
	require.NotNil(t, ws.LastResult)
	assert.Equal(t, "gen_1", ws.LastResult.ID)

	ws.Locations[0].Data[0] = 'X'
	assert.Equal(t, []byte("loc1"), entry.Inputs.Locations[0].Data)
}

func TestRestoredRefinementRepeatsUntilEdited(t *testing.T) {
	entry := studio.GeneratedAsset{ID: "gen_2", Kind: studio.KindImage, Inputs: studio.InputSnapshot{
		Scene:        "s",
		Locations:    []studio.ReferenceAsset{ref("l1", true)},
		Mode:         studio.ModeDirect,
		AspectRatio:  "16:9",
		Kind:         studio.KindImage,
		RefinedFrom:  "gen_1",
		Feedback:     "warmer",
		AnchorURI:    "https://cdn.example/p/gen_1.png",
		RefinedModel: "gemini-2.5-flash-image",
	}}

	store := NewStore()
	key := Key{ChatID: 1, UserID: 2}
	ws, err := store.Update(key, func(w *Workspace) error {
		w.Restore(entry)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, entry.Inputs, ws.Snapshot())
	assert.Equal(t, entry.Inputs, store.Get(key).Snapshot())

	ws, err = store.Update(key, func(w *Workspace) error {
		return w.SetAspectRatio("1:1")
	})
	require.NoError(t, err)
	snap := ws.Snapshot()
	assert.False(t, snap.IsRefinement())
	assert.Empty(t, snap.Feedback)
	assert.Empty(t, snap.AnchorURI)
	assert.Equal(t, "s", snap.Scene)

	ws, err = store.Update(key, func(w *Workspace) error {
		w.Scene = "other"
		return w.SetAspectRatio("16:9")
	})
	require.NoError(t, err)
	assert.False(t, ws.Snapshot().IsRefinement())
}

func TestRestorePlainEntryAfterRefinement(t *testing.T) {
	ws := New("proj")
	ws.Restore(studio.GeneratedAsset{ID: "gen_2", Inputs: studio.InputSnapshot{
		Scene: "s", Mode: studio.ModeDirect, Kind: studio.KindImage, RefinedFrom: "gen_1", Feedback: "warmer",
	}})
	ws.Restore(studio.GeneratedAsset{ID: "gen_1", Inputs: studio.InputSnapshot{
		Scene: "s", Mode: studio.ModeDirect, Kind: studio.KindImage,
	}})
	assert.False(t, ws.Snapshot().IsRefinement())
}

func TestSnapshotIsDetached(t *testing.T) {
	ws := New("proj")
	require.NoError(t, ws.AddReference(studio.GroupStyle, ref("s1", false)))

	snap := ws.Snapshot()
	snap.StyleRefs[0].Data[0] = 'X'
	assert.Equal(t, []byte("s1"), ws.StyleRefs[0].Data)
	assert.True(t, ws.StyleRefs[0].Selected)
}

func TestReferenceEditing(t *testing.T) {
	ws := New("proj")
	require.NoError(t, ws.AddReference(studio.GroupLocation, ref("a", false)))
	require.NoError(t, ws.AddReference(studio.GroupLocation, ref("b", false)))

	sel, ok := ws.ToggleSelected(studio.GroupLocation, "a")
	assert.True(t, ok)
	assert.False(t, sel)
	assert.Equal(t, []studio.ReferenceAsset{ws.Locations[1]}, ws.Snapshot().Selected(studio.GroupLocation))

	_, ok = ws.ToggleSelected(studio.GroupCharacter, "a")
	assert.False(t, ok)

	assert.True(t, ws.RemoveReference(studio.GroupLocation, "a"))
	assert.False(t, ws.RemoveReference(studio.GroupLocation, "a"))
	require.Len(t, ws.Locations, 1)
	assert.Equal(t, "b", ws.Locations[0].ID)

	err := ws.AddReference("props", ref("c", true))
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))

	for i := len(ws.Locations); i < MaxPerGroup; i++ {
		require.NoError(t, ws.AddReference(studio.GroupLocation, ref("x", true)))
	}
	assert.Error(t, ws.AddReference(studio.GroupLocation, ref("overflow", true)))

	ws.ClearReferences()
	assert.Empty(t, ws.Snapshot().SelectedAll())
}

func TestNormalizeAspectRatio(t *testing.T) {
	cases := map[string]string{
		"16:9":    "16:9",
		" 9 : 16": "9:16",
		"1:1":     "1:1",
		"0:1":     "",
		"wide":    "",
		"4:":      "",
		"":        "",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeAspectRatio(in), in)
	}

	ws := New("p")
	require.NoError(t, ws.SetAspectRatio("9:16"))
	assert.Equal(t, "9:16", ws.AspectRatio)
	assert.Error(t, ws.SetAspectRatio("tall"))
	assert.Equal(t, "9:16", ws.AspectRatio)
}

func TestParseGroup(t *testing.T) {
	g, ok := ParseGroup("Characters")
	assert.True(t, ok)
	assert.Equal(t, studio.GroupCharacter, g)

	_, ok = ParseGroup("props")
	assert.False(t, ok)
}

func TestStoreUpdateIsAtomic(t *testing.T) {
	s := NewStore()
	s.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	k := Key{ChatID: 10, UserID: 20}

	ws := s.Get(k)
	assert.Equal(t, "tg-10-20", ws.ProjectID)
	assert.Equal(t, DefaultAspectRatio, ws.AspectRatio)

	ws, err := s.Update(k, func(w *Workspace) error {
		w.Scene = "desert"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "desert", ws.Scene)
	assert.Equal(t, 2026, ws.UpdatedAt.Year())

	_, err = s.Update(k, func(w *Workspace) error {
		w.Scene = "ocean"
		return errors.New("rejected")
	})
	require.Error(t, err)
	assert.Equal(t, "desert", s.Get(k).Scene)

	ws.Scene = "mutated copy"
	assert.Equal(t, "desert", s.Get(k).Scene)

	reset := s.Reset(k)
	assert.Empty(t, reset.Scene)
	assert.Equal(t, "tg-10-20", reset.ProjectID)
}
