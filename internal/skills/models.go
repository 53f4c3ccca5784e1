// Package skills loads markdown-defined capability packs. A skill is a
// markdown file with YAML frontmatter; each enabled skill surfaces in
// the tool registry as a skill_<name> tool whose payload is the skill's
// instruction content.
package skills

import (
	"sync"
	"time"
)

// Skill is a parsed skill definition.
type Skill struct {
	Name          string                 `yaml:"name" json:"name"`
	Version       string                 `yaml:"version" json:"version"`
	Description   string                 `yaml:"description" json:"description"`
	RequiresTools []string               `yaml:"requires_tools" json:"requires_tools,omitempty"`
	CachePolicy   string                 `yaml:"cache_policy" json:"cache_policy,omitempty"`
	TimeoutSecs   int                    `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
	Enabled       bool                   `yaml:"enabled" json:"enabled"`
	Metadata      map[string]interface{} `yaml:"metadata" json:"metadata,omitempty"`
	Content       string                 `yaml:"-" json:"content,omitempty"` // markdown after frontmatter
}

// Entry wraps a skill with loading metadata.
type Entry struct {
	Skill       *Skill
	SourcePath  string
	ContentHash string
	LoadedAt    time.Time
}

// Library holds loaded skills with thread-safe access.
type Library struct {
	mu     sync.RWMutex
	skills map[string]*Entry // by skill name
}

// NewLibrary creates an empty library.
func NewLibrary() *Library {
	return &Library{skills: make(map[string]*Entry)}
}

// Put inserts or replaces a skill entry.
func (l *Library) Put(e *Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.skills[e.Skill.Name] = e
}

// Get returns a skill entry by name.
func (l *Library) Get(name string) (*Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.skills[name]
	return e, ok
}

// Remove deletes a skill by name.
func (l *Library) Remove(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.skills, name)
}

// List returns all entries.
func (l *Library) List() []*Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Entry, 0, len(l.skills))
	for _, e := range l.skills {
		out = append(out, e)
	}
	return out
}
