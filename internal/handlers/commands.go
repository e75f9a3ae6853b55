package handlers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"genmedia-studio/internal/errs"
	"genmedia-studio/internal/studio"
	"genmedia-studio/internal/workspace"
)

const helpText = "🎬 Generative studio\n\n" +
	"Inputs:\n" +
	"/scene <text> - scene description\n" +
	"/characters <text> - characters\n" +
	"/style <text> - visual style\n" +
	"Send photos or videos captioned location, character or style to add references.\n" +
	"/refs - choose which references are used\n\n" +
	"Settings:\n" +
	"/mode prompt|direct\n" +
	"/aspect 16:9\n" +
	"/kind image|video\n" +
	"/model [label] - list or pick a model\n\n" +
	"Results:\n" +
	"/generate - generate from the current inputs\n" +
	"/refine <feedback> - refine the last result\n" +
	"/history - past results\n" +
	"/restore <id> - load the inputs of a past result\n" +
	"/delete <id> - remove a past result\n" +
	"/clear - reset the inputs (history is kept)"

func (h *Handler) handleCommand(ctx context.Context, key workspace.Key, command, args string) error {
	switch command {
	case "start", "help":
		return h.tg.SendText(key.ChatID, helpText)
	case "scene", "characters", "style":
		return h.setText(key, command, args)
	case "mode":
		return h.setMode(key, args)
	case "aspect":
		return h.setAspect(key, args)
	case "kind":
		return h.setKind(key, args)
	case "model":
		return h.setModel(key, args)
	case "refs":
		return h.showReferences(key)
	case "generate":
		return h.generate(ctx, key)
	case "refine":
		return h.refine(ctx, key, args)
	case "history":
		return h.showHistory(ctx, key)
	case "restore":
		return h.restore(ctx, key, args)
	case "delete":
		return h.deleteEntry(ctx, key, args)
	case "show":
		return h.show(ctx, key, args)
	case "clear":
		h.workspaces.Reset(key)
		return h.tg.SendText(key.ChatID, "✅ Inputs cleared. History is unchanged.")
	default:
		return h.tg.SendText(key.ChatID, "❌ Unknown command. Use /help.")
	}
}

func (h *Handler) setText(key workspace.Key, field, value string) error {
	if value == "" {
		ws := h.workspaces.Get(key)
		current := map[string]string{"scene": ws.Scene, "characters": ws.Characters, "style": ws.Style}[field]
		if current == "" {
			current = "(empty)"
		}
		return h.tg.SendText(key.ChatID, fmt.Sprintf("%s: %s\nSend /%s <text> to change it.", field, current, field))
	}

	_, _ = h.workspaces.Update(key, func(w *workspace.Workspace) error {
		switch field {
		case "scene":
			w.Scene = value
		case "characters":
			w.Characters = value
		case "style":
			w.Style = value
		}
		return nil
	})
	return h.tg.SendText(key.ChatID, "✅ "+field+" updated.")
}

func (h *Handler) setMode(key workspace.Key, value string) error {
	mode := studio.Mode(strings.ToLower(value))
	if !mode.Valid() {
		return h.tg.SendText(key.ChatID, "❌ Usage: /mode prompt|direct")
	}
	_, _ = h.workspaces.Update(key, func(w *workspace.Workspace) error {
		w.Mode = mode
		return nil
	})
	return h.tg.SendText(key.ChatID, "✅ Mode: "+string(mode))
}

func (h *Handler) setAspect(key workspace.Key, value string) error {
	ws, err := h.workspaces.Update(key, func(w *workspace.Workspace) error {
		return w.SetAspectRatio(value)
	})
	if err != nil {
		return h.tg.SendText(key.ChatID, "❌ Usage: /aspect 16:9")
	}
	return h.tg.SendText(key.ChatID, "✅ Aspect ratio: "+ws.AspectRatio)
}

func (h *Handler) setKind(key workspace.Key, value string) error {
	kind := studio.MediaKind(strings.ToLower(value))
	if !kind.Valid() {
		return h.tg.SendText(key.ChatID, "❌ Usage: /kind image|video")
	}
	_, _ = h.workspaces.Update(key, func(w *workspace.Workspace) error {
		w.Kind = kind
		// A label for the other kind would fail at generation time.
		w.ModelLabel = ""
		return nil
	})
	return h.tg.SendText(key.ChatID, "✅ Output: "+string(kind)+" (model reset to the default)")
}

func (h *Handler) setModel(key workspace.Key, label string) error {
	ws := h.workspaces.Get(key)
	if label == "" {
		var b strings.Builder
		b.WriteString("Models:\n")
		for _, m := range h.catalog.Models() {
			marker := ""
			if strings.EqualFold(m.Label, ws.ModelLabel) {
				marker = " ✓"
			}
			fmt.Fprintf(&b, "- %s (%s)%s\n", m.Label, m.Kind, marker)
		}
		return h.tg.SendText(key.ChatID, b.String())
	}

	id, err := h.catalog.Resolve(label, ws.Kind)
	if err != nil {
		return h.tg.SendText(key.ChatID, "❌ "+userMessage(err))
	}
	_, _ = h.workspaces.Update(key, func(w *workspace.Workspace) error {
		w.ModelLabel = label
		return nil
	})
	return h.tg.SendText(key.ChatID, fmt.Sprintf("✅ Model: %s (%s)", label, id))
}

func (h *Handler) generate(ctx context.Context, key workspace.Key) error {
	ws := h.workspaces.Get(key)

	h.tg.SendTyping(key.ChatID)
	_ = h.tg.SendText(key.ChatID, fmt.Sprintf("🎨 Generating %s, please wait...", ws.Kind))

	out, err := h.studio.Generate(ctx, ws.ProjectID, ws.Snapshot())
	if err != nil {
		h.logger.Error("generation failed", "err", err, "project_id", ws.ProjectID)
		return h.tg.SendText(key.ChatID, "❌ "+userMessage(err))
	}

	_, _ = h.workspaces.Update(key, func(w *workspace.Workspace) error {
		w.Remember(out)
		return nil
	})
	return h.deliver(ctx, key.ChatID, out)
}

func (h *Handler) refine(ctx context.Context, key workspace.Key, feedback string) error {
	if feedback == "" {
		return h.tg.SendText(key.ChatID, "❌ Usage: /refine <what to change>")
	}

	ws := h.workspaces.Get(key)
	var prior studio.GeneratedAsset
	if ws.LastResult != nil {
		prior = *ws.LastResult
	} else {
		latest, err := h.history.Latest(ctx, ws.ProjectID)
		if err != nil {
			if errs.KindOf(err) == errs.KindNotFound {
				return h.tg.SendText(key.ChatID, "❌ Nothing to refine yet. Use /generate first.")
			}
			return h.tg.SendText(key.ChatID, "❌ "+userMessage(err))
		}
		prior = latest
	}

	h.tg.SendTyping(key.ChatID)
	_ = h.tg.SendText(key.ChatID, "🎨 Refining "+prior.ID+"...")

	out, err := h.studio.Refine(ctx, ws.ProjectID, prior, feedback)
	if err != nil {
		h.logger.Error("refinement failed", "err", err, "project_id", ws.ProjectID, "prior", prior.ID)
		return h.tg.SendText(key.ChatID, "❌ "+userMessage(err))
	}

	_, _ = h.workspaces.Update(key, func(w *workspace.Workspace) error {
		w.Remember(out)
		return nil
	})
	return h.deliver(ctx, key.ChatID, out)
}

func (h *Handler) restore(ctx context.Context, key workspace.Key, assetID string) error {
	if assetID == "" {
		return h.tg.SendText(key.ChatID, "❌ Usage: /restore <id>")
	}
	ws := h.workspaces.Get(key)
	entry, err := h.history.Get(ctx, ws.ProjectID, assetID)
	if err != nil {
		return h.tg.SendText(key.ChatID, "❌ "+userMessage(err))
	}

	ws, _ = h.workspaces.Update(key, func(w *workspace.Workspace) error {
		w.Restore(entry)
		return nil
	})
	return h.tg.SendText(key.ChatID, "✅ Restored inputs of "+entry.ID+".\n\n"+summary(ws))
}

func (h *Handler) deleteEntry(ctx context.Context, key workspace.Key, assetID string) error {
	if assetID == "" {
		return h.tg.SendText(key.ChatID, "❌ Usage: /delete <id>")
	}
	if err := h.history.Remove(ctx, h.workspaces.Get(key).ProjectID, assetID); err != nil {
		return h.tg.SendText(key.ChatID, "❌ "+userMessage(err))
	}

	_, _ = h.workspaces.Update(key, func(w *workspace.Workspace) error {
		if w.LastResult != nil && w.LastResult.ID == assetID {
			w.LastResult = nil
		}
		return nil
	})
	return h.tg.SendText(key.ChatID, "✅ Deleted "+assetID+".")
}

func (h *Handler) show(ctx context.Context, key workspace.Key, assetID string) error {
	entry, err := h.history.Get(ctx, h.workspaces.Get(key).ProjectID, assetID)
	if err != nil {
		return h.tg.SendText(key.ChatID, "❌ "+userMessage(err))
	}
	return h.deliver(ctx, key.ChatID, entry)
}

func (h *Handler) deliver(ctx context.Context, chatID int64, a studio.GeneratedAsset) error {
	caption := fmt.Sprintf("✅ %s · %s\n\n%s", a.ID, a.ModelID, a.TechnicalPrompt)
	if err := h.tg.SendMedia(ctx, chatID, a.Kind, a.OutputURI, caption); err != nil {
		h.logger.Error("send result failed", "err", err, "asset_id", a.ID)
		return h.tg.SendText(chatID, "❌ The result was saved as "+a.ID+" but could not be sent.")
	}
	return nil
}

func summary(ws workspace.Workspace) string {
	var b strings.Builder
	field := func(name, value string) {
		if value == "" {
			value = "(empty)"
		}
		fmt.Fprintf(&b, "%s: %s\n", name, value)
	}
	field("Scene", ws.Scene)
	field("Characters", ws.Characters)
	field("Style", ws.Style)
	fmt.Fprintf(&b, "References: %d location, %d character, %d style\n",
		len(ws.Locations), len(ws.CharacterRefs), len(ws.StyleRefs))
	model := ws.ModelLabel
	if model == "" {
		model = "default"
	}
	fmt.Fprintf(&b, "%s · %s · %s · %s", ws.Kind, ws.Mode, ws.AspectRatio, model)
	return b.String()
}

// userMessage turns a pipeline error into a line fit for a chat.
func userMessage(err error) string {
	var e *errs.Error
	if !errors.As(err, &e) {
		return "Something went wrong. Please try again."
	}
	switch e.Kind {
	case errs.KindBusy:
		return "A generation is already running. Wait for it to finish."
	case errs.KindSafetyOrEmpty:
		return "The model returned nothing, likely because of its safety filter. Try different wording."
	case errs.KindPollTimeout:
		return "The video took too long and was abandoned. Try again later."
	case errs.KindInternal:
		return "Something went wrong. Please try again."
	default:
		return e.Message
	}
}
