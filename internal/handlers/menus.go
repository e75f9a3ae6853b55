package handlers

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"genmedia-studio/internal/studio"
	"genmedia-studio/internal/telegram"
	"genmedia-studio/internal/workspace"
)

// Callback data is "<menu>:<owner>:<action>:<args...>" and must stay under
// Telegram's 64 byte limit.
const (
	historyCallbackPrefix = "h"
	refsCallbackPrefix    = "f"

	historyPageSize = 10
)

var groupCodes = map[studio.AssetGroup]string{
	studio.GroupLocation:  "l",
	studio.GroupCharacter: "c",
	studio.GroupStyle:     "s",
}

func (h *Handler) showHistory(ctx context.Context, key workspace.Key) error {
	entries, err := h.history.List(ctx, h.workspaces.Get(key).ProjectID)
	if err != nil {
		return h.tg.SendText(key.ChatID, "❌ "+userMessage(err))
	}
	if len(entries) == 0 {
		return h.tg.SendText(key.ChatID, "History is empty. Use /generate.")
	}

	start := 0
	if len(entries) > historyPageSize {
		start = len(entries) - historyPageSize
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🗂 %d result(s), newest last:\n\n", len(entries))
	var rows [][]telegram.InlineButton
	for i, e := range entries[start:] {
		n := start + i + 1
		marker := ""
		if e.Inputs.RefinedFrom != "" {
			marker = " (refined)"
		}
		fmt.Fprintf(&b, "%d. %s %s · %s · %s%s\n", n, e.ID, e.Kind, e.ModelID, e.CreatedAt.Format("Jan 2 15:04"), marker)
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(fmt.Sprintf("%d ▶ show", n), callbackData(historyCallbackPrefix, key.UserID, "s", e.ID)),
			tgbotapi.NewInlineKeyboardButtonData("↺ restore", callbackData(historyCallbackPrefix, key.UserID, "r", e.ID)),
			tgbotapi.NewInlineKeyboardButtonData("✖ delete", callbackData(historyCallbackPrefix, key.UserID, "d", e.ID)),
		))
	}

	_, err = h.tg.SendTextWithKeyboard(key.ChatID, b.String(), tgbotapi.NewInlineKeyboardMarkup(rows...))
	return err
}

func (h *Handler) showReferences(key workspace.Key) error {
	ws := h.workspaces.Get(key)

	var b strings.Builder
	b.WriteString("📎 References (tap to select or deselect):\n")
	var rows [][]telegram.InlineButton
	for _, g := range studio.Groups {
		refs := ws.Snapshot().Group(g)
		if len(refs) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n%s: %d\n", g, len(refs))
		for i, r := range refs {
			mark := "☐"
			if r.Selected {
				mark = "☑"
			}
			label := fmt.Sprintf("%s %s %d (%s)", mark, g, i+1, r.Kind)
			rows = append(rows, tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData(label, callbackData(refsCallbackPrefix, key.UserID, groupCodes[g], r.ID)),
			))
		}
	}
	if len(rows) == 0 {
		return h.tg.SendText(key.ChatID, "No references yet. Send a photo captioned location, character or style.")
	}

	_, err := h.tg.SendTextWithKeyboard(key.ChatID, b.String(), tgbotapi.NewInlineKeyboardMarkup(rows...))
	return err
}

func (h *Handler) handleCallback(ctx context.Context, q *telegram.IncomingCallback) error {
	if q == nil || q.Message == nil || q.From == nil {
		return nil
	}

	parts := strings.Split(strings.TrimSpace(q.Data), ":")
	if len(parts) != 4 {
		return nil
	}
	ownerID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return nil
	}
	if ownerID != q.From.ID {
		_ = h.tg.AnswerCallback(q.ID, "This menu belongs to someone else.", true)
		return nil
	}

	key := workspace.Key{ChatID: q.Message.Chat.ID, UserID: ownerID}
	action, id := parts[2], parts[3]

	switch parts[0] {
	case historyCallbackPrefix:
		_ = h.tg.AnswerCallback(q.ID, "", false)
		switch action {
		case "s":
			return h.show(ctx, key, id)
		case "r":
			return h.restore(ctx, key, id)
		case "d":
			return h.deleteEntry(ctx, key, id)
		}
	case refsCallbackPrefix:
		group, ok := groupFromCode(action)
		if !ok {
			return nil
		}
		var selected, found bool
		_, _ = h.workspaces.Update(key, func(w *workspace.Workspace) error {
			selected, found = w.ToggleSelected(group, id)
			return nil
		})
		switch {
		case !found:
			return h.tg.AnswerCallback(q.ID, "That reference is gone.", false)
		case selected:
			return h.tg.AnswerCallback(q.ID, "Selected", false)
		default:
			return h.tg.AnswerCallback(q.ID, "Deselected", false)
		}
	}
	return nil
}

func callbackData(prefix string, ownerID int64, action, id string) string {
	return fmt.Sprintf("%s:%d:%s:%s", prefix, ownerID, action, id)
}

func groupFromCode(code string) (studio.AssetGroup, bool) {
	for g, c := range groupCodes {
		if c == code {
			return g, true
		}
	}
	return "", false
}
