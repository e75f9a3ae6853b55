// Package mediagroup collects the messages of a Telegram album into one batch.
package mediagroup

import (
	"fmt"
	"sync"
	"time"
)

// Item is one file of an album. Telegram puts the caption on one message only.
type Item struct {
	ChatID       int64
	UserID       int64
	MediaGroupID string
	Caption      string
	FileID       string
	MimeHint     string
}

type File struct {
	ID       string
	MimeHint string
}

// Group is a complete album, files in arrival order.
type Group struct {
	ChatID  int64
	UserID  int64
	Caption string
	Files   []File
}

type Options struct {
	Debounce time.Duration
	OnFlush  func(Group)
}

type Aggregator struct {
	mu       sync.Mutex
	debounce time.Duration
	onFlush  func(Group)
	groups   map[string]*pendingGroup
}

type pendingGroup struct {
	group Group
	timer *time.Timer
}

func New(opts Options) *Aggregator {
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = 1200 * time.Millisecond
	}

	return &Aggregator{
		debounce: debounce,
		onFlush:  opts.OnFlush,
		groups:   make(map[string]*pendingGroup),
	}
}

// Add buffers item. The album is flushed once no new item arrived for the
// debounce period.
func (a *Aggregator) Add(item Item) {
	if item.MediaGroupID == "" || item.FileID == "" {
		return
	}

	key := makeKey(item.ChatID, item.MediaGroupID)
	file := File{ID: item.FileID, MimeHint: item.MimeHint}

	a.mu.Lock()
	defer a.mu.Unlock()

	pg, ok := a.groups[key]
	if !ok {
		pg = &pendingGroup{group: Group{ChatID: item.ChatID, UserID: item.UserID}}
		a.groups[key] = pg
	}
	pg.group.Files = append(pg.group.Files, file)
	if item.Caption != "" {
		pg.group.Caption = item.Caption
	}

	if pg.timer != nil {
		pg.timer.Stop()
	}
	pg.timer = time.AfterFunc(a.debounce, func() {
		a.flush(key)
	})
}

// Pending reports how many albums are still buffered.
func (a *Aggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.groups)
}

// FlushAll delivers every buffered album now. Used on shutdown.
func (a *Aggregator) FlushAll() {
	a.mu.Lock()
	keys := make([]string, 0, len(a.groups))
	for k, pg := range a.groups {
		if pg.timer != nil {
			pg.timer.Stop()
		}
		keys = append(keys, k)
	}
	a.mu.Unlock()

	for _, k := range keys {
		a.flush(k)
	}
}

func (a *Aggregator) flush(key string) {
	a.mu.Lock()
	pg, ok := a.groups[key]
	if !ok {
		a.mu.Unlock()
		return
	}
	delete(a.groups, key)
	group := pg.group
	onFlush := a.onFlush
	a.mu.Unlock()

	if onFlush != nil {
		onFlush(group)
	}
}

func makeKey(chatID int64, mediaGroupID string) string {
	return fmt.Sprintf("%d:%s", chatID, mediaGroupID)
}
