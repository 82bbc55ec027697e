// Package room names broadcast scopes and serializes work per scope.
package room

import (
	"strings"
	"sync"

	"github.com/manpreetbhatti/codehive/internal/language"
)

// ChatLanguage is the pseudo language naming a project's chat room
const ChatLanguage = "__chat"

// Key identifies a room: one project's file set for one language, or its chat
type Key struct {
	Project  string
	Language string
}

// NewKey builds a key with the language normalized to its canonical name
func NewKey(project, lang string) Key {
	return Key{Project: strings.TrimSpace(project), Language: language.Normalize(lang)}
}

func ChatKey(project string) Key {
	return Key{Project: strings.TrimSpace(project), Language: ChatLanguage}
}

func (k Key) String() string {
	return k.Project + ":" + k.Language
}

func (k Key) IsChat() bool {
	return k.Language == ChatLanguage
}

// Valid reports whether both parts of the key are present
func (k Key) Valid() bool {
	return k.Project != "" && k.Language != ""
}

type keyedMutex struct {
	mu   sync.Mutex
	refs int
}

// Locks hands out one mutex per key. Entries are dropped once no caller
// holds or waits on them.
type Locks struct {
	mu    sync.Mutex
	locks map[Key]*keyedMutex
}

func NewLocks() *Locks {
	return &Locks{locks: make(map[Key]*keyedMutex)}
}

// Lock blocks until the key's mutex is held and returns its release func
func (l *Locks) Lock(key Key) func() {
	l.mu.Lock()
	km, ok := l.locks[key]
	if !ok {
		km = &keyedMutex{}
		l.locks[key] = km
	}
	km.refs++
	l.mu.Unlock()

	km.mu.Lock()

	return func() {
		km.mu.Unlock()

		l.mu.Lock()
		km.refs--
		if km.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

// Len returns the number of keys currently held or awaited
func (l *Locks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
