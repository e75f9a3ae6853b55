// Package handlers drives the studio from Telegram chats.
package handlers

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"genmedia-studio/internal/asset"
	"genmedia-studio/internal/ids"
	"genmedia-studio/internal/mediagroup"
	"genmedia-studio/internal/pipeline"
	"genmedia-studio/internal/studio"
	"genmedia-studio/internal/telegram"
	"genmedia-studio/internal/workspace"
)

type Messenger interface {
	SendText(chatID int64, text string) error
	SendTextWithKeyboard(chatID int64, text string, kb telegram.InlineKeyboard) (int, error)
	AnswerCallback(callbackID, text string, alert bool) error
	SendTyping(chatID int64)
	SendMedia(ctx context.Context, chatID int64, kind studio.MediaKind, uri, caption string) error
	DownloadFile(ctx context.Context, fileID string) ([]byte, string, error)
}

// Studio runs generations; *pipeline.Pipeline satisfies it.
type Studio interface {
	Generate(ctx context.Context, projectID string, snap studio.InputSnapshot) (studio.GeneratedAsset, error)
	Refine(ctx context.Context, projectID string, prior studio.GeneratedAsset, feedback string) (studio.GeneratedAsset, error)
}

type History interface {
	List(ctx context.Context, projectID string) ([]studio.GeneratedAsset, error)
	Get(ctx context.Context, projectID, assetID string) (studio.GeneratedAsset, error)
	Latest(ctx context.Context, projectID string) (studio.GeneratedAsset, error)
	Remove(ctx context.Context, projectID, assetID string) error
}

type Normalizer interface {
	Normalize(ctx context.Context, sources []asset.Source) asset.Result
}

type Options struct {
	Messenger  Messenger
	Studio     Studio
	History    History
	Normalizer Normalizer
	Catalog    *pipeline.Catalog
	Workspaces *workspace.Store
	Logger     *slog.Logger
}

type Handler struct {
	tg         Messenger
	studio     Studio
	history    History
	normalizer Normalizer
	catalog    *pipeline.Catalog
	workspaces *workspace.Store
	logger     *slog.Logger
	aggregator *mediagroup.Aggregator
}

func New(opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	workspaces := opts.Workspaces
	if workspaces == nil {
		workspaces = workspace.NewStore()
	}

	return &Handler{
		tg:         opts.Messenger,
		studio:     opts.Studio,
		history:    opts.History,
		normalizer: opts.Normalizer,
		catalog:    opts.Catalog,
		workspaces: workspaces,
		logger:     logger,
	}
}

func (h *Handler) SetMediaGroupAggregator(ag *mediagroup.Aggregator) {
	h.aggregator = ag
}

func (h *Handler) HandleUpdate(ctx context.Context, update telegram.Update) error {
	if update.CallbackQuery != nil {
		return h.handleCallback(ctx, update.CallbackQuery)
	}
	if update.Message == nil || update.Message.From == nil {
		return nil
	}

	msg := update.Message
	key := workspace.Key{ChatID: msg.Chat.ID, UserID: msg.From.ID}

	if msg.IsCommand() {
		return h.handleCommand(ctx, key, msg.Command(), strings.TrimSpace(msg.CommandArguments()))
	}

	if file, ok := incomingFile(msg); ok {
		if msg.MediaGroupID != "" && h.aggregator != nil {
			h.aggregator.Add(mediagroup.Item{
				ChatID:       key.ChatID,
				UserID:       key.UserID,
				MediaGroupID: msg.MediaGroupID,
				Caption:      msg.Caption,
				FileID:       file.ID,
				MimeHint:     file.MimeHint,
			})
			return nil
		}
		return h.addReferences(ctx, key, msg.Caption, []mediagroup.File{file})
	}

	if strings.TrimSpace(msg.Text) != "" {
		return h.tg.SendText(key.ChatID, "Use /scene, /characters or /style to set text, or /help for all commands.")
	}
	return nil
}

// HandleMediaGroup adds a flushed album to the group named by its caption.
func (h *Handler) HandleMediaGroup(ctx context.Context, group mediagroup.Group) {
	key := workspace.Key{ChatID: group.ChatID, UserID: group.UserID}
	if err := h.addReferences(ctx, key, group.Caption, group.Files); err != nil {
		h.logger.Error("media group processing failed", "err", err, "chat_id", group.ChatID)
	}
}

func incomingFile(msg *telegram.IncomingMessage) (mediagroup.File, bool) {
	switch {
	case len(msg.Photo) > 0:
		return mediagroup.File{ID: msg.Photo[len(msg.Photo)-1].FileID}, true
	case msg.Video != nil:
		return mediagroup.File{ID: msg.Video.FileID, MimeHint: msg.Video.MimeType}, true
	case msg.Document != nil:
		if _, ok := studio.KindFromMime(msg.Document.MimeType); ok {
			return mediagroup.File{ID: msg.Document.FileID, MimeHint: msg.Document.MimeType}, true
		}
	}
	return mediagroup.File{}, false
}

func (h *Handler) addReferences(ctx context.Context, key workspace.Key, caption string, files []mediagroup.File) error {
	group, ok := workspace.ParseGroup(firstWord(caption))
	if !ok {
		return h.tg.SendText(key.ChatID, "❌ Caption the upload with its group: location, character or style.")
	}

	h.tg.SendTyping(key.ChatID)

	sources := make([]asset.Source, len(files))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(4)
	for i, f := range files {
		eg.Go(func() error {
			data, mimeType, err := h.tg.DownloadFile(egCtx, f.ID)
			if err != nil {
				return fmt.Errorf("download %s: %w", f.ID, err)
			}
			if mimeType == "" {
				mimeType = f.MimeHint
			}
			sources[i] = asset.Source{ID: ids.New("ref"), Name: f.ID, Data: data, MimeHint: mimeType, Selected: true}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		h.logger.Error("reference download failed", "err", err, "chat_id", key.ChatID)
		return h.tg.SendText(key.ChatID, "❌ Could not download the upload. Please send it again.")
	}

	res := h.normalizer.Normalize(ctx, sources)
	if len(res.Assets) == 0 {
		return h.tg.SendText(key.ChatID, "❌ Only images and videos can be used as references.")
	}

	added := 0
	ws, err := h.workspaces.Update(key, func(w *workspace.Workspace) error {
		for _, a := range res.Assets {
			if err := w.AddReference(group, a); err != nil {
				return err
			}
			added++
		}
		return nil
	})
	if err != nil {
		return h.tg.SendText(key.ChatID, "❌ "+userMessage(err))
	}

	text := fmt.Sprintf("✅ Added %d %s reference(s). %d in total; /refs to choose which are used.",
		added, group, len(referencesOf(ws, group)))
	if n := len(res.Failures); n > 0 {
		text += fmt.Sprintf("\n%d file(s) were skipped.", n)
	}
	return h.tg.SendText(key.ChatID, text)
}

func referencesOf(ws workspace.Workspace, g studio.AssetGroup) []studio.ReferenceAsset {
	return ws.Snapshot().Group(g)
}

func firstWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
