package session

import (
	"sync"

	"github.com/snarg/commcoach/internal/auth"
	"github.com/snarg/commcoach/internal/media"
)

// Links hands out unguessable, revocable references to clips so a player can
// fetch media without a bearer header.
type Links struct {
	mu      sync.RWMutex
	entries map[string]*media.Clip
}

func NewLinks() *Links {
	return &Links{entries: make(map[string]*media.Clip)}
}

// Create registers clip and returns its token.
func (l *Links) Create(clip *media.Clip) string {
	token := auth.NewToken()
	l.mu.Lock()
	l.entries[token] = clip
	l.mu.Unlock()
	return token
}

// Resolve returns the clip for a live token.
func (l *Links) Resolve(token string) (*media.Clip, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, ok := l.entries[token]
	return c, ok
}

// Revoke makes token unresolvable. Unknown tokens are ignored.
func (l *Links) Revoke(token string) {
	l.mu.Lock()
	delete(l.entries, token)
	l.mu.Unlock()
}

func (l *Links) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
