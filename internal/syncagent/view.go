package syncagent

import (
	"sort"
	"sync"
	"time"

	"github.com/agentworkforce/novelsync/internal/storage"
)

// ViewState is the persisted form of a View.
type ViewState struct {
	Novels  []storage.Novel `json:"novels"`
	SavedAt time.Time       `json:"savedAt"`
}

// View is the agent's local copy of the novel catalogue, keyed by
// (author, title).
type View struct {
	mu     sync.RWMutex
	novels map[storage.NovelKey]storage.Novel
}

func NewView() *View {
	return &View{novels: map[storage.NovelKey]storage.Novel{}}
}

func (v *View) Upsert(novel storage.Novel) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.novels[novel.Key()] = novel
}

func (v *View) Remove(key storage.NovelKey) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.novels[key]
	delete(v.novels, key)
	return ok
}

// Replace discards the current contents in favor of novels.
func (v *View) Replace(novels []storage.Novel) {
	next := make(map[storage.NovelKey]storage.Novel, len(novels))
	for _, novel := range novels {
		next[novel.Key()] = novel
	}
	v.mu.Lock()
	v.novels = next
	v.mu.Unlock()
}

func (v *View) Get(username, title string) (storage.Novel, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	novel, ok := v.novels[storage.NovelKey{Username: username, Title: title}]
	return novel, ok
}

func (v *View) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.novels)
}

// Novels lists the view newest first, matching the server's ordering.
func (v *View) Novels() []storage.Novel {
	v.mu.RLock()
	out := make([]storage.Novel, 0, len(v.novels))
	for _, novel := range v.novels {
		out = append(out, novel)
	}
	v.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].Key().String() < out[j].Key().String()
	})
	return out
}

func (v *View) snapshot(now time.Time) *ViewState {
	return &ViewState{Novels: v.Novels(), SavedAt: now}
}
