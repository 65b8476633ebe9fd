package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentdesk/internal/models"
	"agentdesk/internal/redis"
)

const (
	historyInvalidateChannel = "agentdesk:history:invalidate"
	historyTTL               = 30 * time.Minute
	// the version must outlive every snapshot written against it
	historyVersionTTL = 2 * historyTTL
	maxLocalHistories = 256
)

type invalidateMessage struct {
	ConversationID string `json:"conversation_id"`
	Origin         string `json:"origin"`
}

// historySnapshot is the redis form of a transcript. Version is the
// conversation's append counter when the transcript was read.
type historySnapshot struct {
	Version  int64             `json:"version"`
	Messages []*models.Message `json:"messages"`
}

type historyFetcher func(ctx context.Context, conversationID string) ([]*models.Message, error)

// loadState tracks the loads in flight for one conversation. Appends bump
// version so a load that raced with them does not cache its snapshot.
type loadState struct {
	version uint64
	loaders int
}

// historyCache keeps conversation transcripts for generation. Each instance
// holds a local copy; redis, when configured, is shared between instances
// and appends are announced over pub/sub so peers drop stale copies.
type historyCache struct {
	mu     sync.Mutex
	local  map[string][]*models.Message
	loads  map[string]*loadState
	remote *redis.Client
	origin string
}

func newHistoryCache(remote *redis.Client) *historyCache {
	return &historyCache{
		local:  make(map[string][]*models.Message),
		loads:  make(map[string]*loadState),
		remote: remote,
		origin: uuid.NewString(),
	}
}

func historyKey(conversationID string) string {
	return "agentdesk:history:" + conversationID
}

func historyVersionKey(conversationID string) string {
	return "agentdesk:history:version:" + conversationID
}

// load returns the transcript of conversationID, reading through to fetch on
// a miss. A snapshot is only cached when no append happened while it was read.
func (h *historyCache) load(ctx context.Context, conversationID string, fetch historyFetcher) ([]*models.Message, error) {
	h.mu.Lock()
	if history, ok := h.local[conversationID]; ok {
		out := append([]*models.Message(nil), history...)
		h.mu.Unlock()
		return out, nil
	}
	st := h.loads[conversationID]
	if st == nil {
		st = &loadState{}
		h.loads[conversationID] = st
	}
	st.loaders++
	version := st.version
	h.mu.Unlock()
	defer h.finishLoad(conversationID, st)

	if history, ok := h.loadRemote(ctx, conversationID); ok {
		h.storeLocal(conversationID, history, st, version)
		return history, nil
	}

	remoteVersion, versionOK := h.remoteVersion(ctx, conversationID)
	history, err := fetch(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if h.storeLocal(conversationID, history, st, version) && versionOK {
		h.storeRemote(ctx, conversationID, history, remoteVersion)
	}
	return append([]*models.Message(nil), history...), nil
}

func (h *historyCache) finishLoad(conversationID string, st *loadState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st.loaders--
	if st.loaders == 0 && h.loads[conversationID] == st {
		delete(h.loads, conversationID)
	}
}

// append records a freshly persisted message.
func (h *historyCache) append(msg *models.Message) {
	if msg == nil {
		return
	}
	h.mu.Lock()
	if st, ok := h.loads[msg.ConversationID]; ok {
		st.version++
	}
	if history, ok := h.local[msg.ConversationID]; ok {
		history = append(history, msg)
		sort.SliceStable(history, func(i, j int) bool {
			return history[i].CreatedAt.Before(history[j].CreatedAt)
		})
		h.local[msg.ConversationID] = history
	}
	h.mu.Unlock()
	h.invalidateRemote(msg.ConversationID)
}

// drop forgets the local copy of a conversation.
func (h *historyCache) drop(conversationID string) {
	h.mu.Lock()
	if st, ok := h.loads[conversationID]; ok {
		st.version++
	}
	delete(h.local, conversationID)
	h.mu.Unlock()
}

// storeLocal caches history unless an append bumped st past version.
func (h *historyCache) storeLocal(conversationID string, history []*models.Message, st *loadState, version uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if st.version != version {
		debugLog("[history] discard stale snapshot of %s", conversationID)
		return false
	}
	if _, ok := h.local[conversationID]; !ok && len(h.local) >= maxLocalHistories {
		for id := range h.local {
			delete(h.local, id)
			break
		}
	}
	h.local[conversationID] = append([]*models.Message(nil), history...)
	return true
}

// remoteVersion reads the shared append counter. A missing key is version 0.
func (h *historyCache) remoteVersion(ctx context.Context, conversationID string) (int64, bool) {
	if h.remote == nil {
		return 0, false
	}
	raw, err := h.remote.Get(ctx, historyVersionKey(conversationID))
	if err != nil {
		if errors.Is(err, redis.ErrCacheMiss) {
			return 0, true
		}
		log.Printf("history version load failed: %v", err)
		return 0, false
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("history version decode failed: %v", err)
		return 0, false
	}
	return v, true
}

func (h *historyCache) loadRemote(ctx context.Context, conversationID string) ([]*models.Message, bool) {
	if h.remote == nil {
		return nil, false
	}
	raw, err := h.remote.Get(ctx, historyKey(conversationID))
	if err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			log.Printf("history cache load failed: %v", err)
		}
		return nil, false
	}
	var snap historySnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		log.Printf("history cache decode failed: %v", err)
		return nil, false
	}
	current, ok := h.remoteVersion(ctx, conversationID)
	if !ok || current != snap.Version {
		return nil, false
	}
	return snap.Messages, true
}

func (h *historyCache) storeRemote(ctx context.Context, conversationID string, history []*models.Message, version int64) {
	if h.remote == nil {
		return
	}
	data, err := json.Marshal(historySnapshot{Version: version, Messages: history})
	if err != nil {
		log.Printf("history cache marshal failed: %v", err)
		return
	}
	if err := h.remote.Set(ctx, historyKey(conversationID), data, historyTTL); err != nil {
		log.Printf("history cache store failed: %v", err)
	}
}

func (h *historyCache) invalidateRemote(conversationID string) {
	if h.remote == nil {
		return
	}
	ctx := context.Background()
	if _, err := h.remote.IncrWithTTL(ctx, historyVersionKey(conversationID), historyVersionTTL); err != nil {
		log.Printf("history version bump failed: %v", err)
	}
	if err := h.remote.Del(ctx, historyKey(conversationID)); err != nil {
		log.Printf("history cache invalidate failed: %v", err)
	}
	payload, err := json.Marshal(invalidateMessage{ConversationID: conversationID, Origin: h.origin})
	if err != nil {
		log.Printf("history invalidation marshal failed: %v", err)
		return
	}
	if err := h.remote.Publish(ctx, historyInvalidateChannel, payload); err != nil {
		log.Printf("history publish invalidation failed: %v", err)
	}
}

// listen drops local copies that other instances announce as stale.
func (h *historyCache) listen(ctx context.Context) error {
	if h.remote == nil {
		return nil
	}
	return h.remote.Subscribe(ctx, historyInvalidateChannel, func(payload string) {
		var inv invalidateMessage
		if err := json.Unmarshal([]byte(payload), &inv); err != nil {
			log.Printf("history invalidation decode failed: %v", err)
			return
		}
		if inv.Origin == h.origin || inv.ConversationID == "" {
			return
		}
		debugLog("[history] drop %s on notice from %s", inv.ConversationID, inv.Origin)
		h.drop(inv.ConversationID)
	})
}
