// Package skills loads skill definitions from a workspace directory and
// renders them into the agent's system prompt.
//
// A skill is a Markdown file with YAML frontmatter:
//
//	---
//	name: weather-lookup
//	description: Look up current weather for a city.
//	---
//	## Steps
//	1. Call the weather tool with the city name.
//	2. Summarize the response in one sentence.
//
// The loader watches its directory with fsnotify so skills edited or added
// while the agent is running are picked up on the next turn without a
// restart.
package skills

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Skill is one loaded skill definition.
type Skill struct {
	Name        string
	Description string
	Body        string // instructions shown when the skill is inlined or fetched by skill_search
	Path        string
}

type frontmatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// Loader holds the set of skills found under a directory, refreshed live.
type Loader struct {
	dir string

	mu     sync.RWMutex
	skills map[string]Skill // name -> skill

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewLoader scans dir for skill files and starts watching it for changes.
// A missing directory is not an error — it simply yields zero skills until
// the directory is created.
func NewLoader(dir string) (*Loader, error) {
	l := &Loader{dir: dir, skills: make(map[string]Skill)}
	if err := l.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("skills: failed to start file watcher, hot-reload disabled", "error", err)
		return l, nil
	}
	if err := os.MkdirAll(dir, 0755); err == nil {
		if err := watcher.Add(dir); err != nil {
			slog.Warn("skills: failed to watch directory", "dir", dir, "error", err)
		}
	}
	l.watcher = watcher
	l.done = make(chan struct{})
	go l.watch()

	return l, nil
}

func (l *Loader) watch() {
	for {
		select {
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if err := l.reload(); err != nil {
				slog.Warn("skills: reload failed", "error", err)
			}
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("skills: watcher error", "error", err)
		case <-l.done:
			return
		}
	}
}

// Close stops the background watcher.
func (l *Loader) Close() error {
	if l.done != nil {
		close(l.done)
	}
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}

func (l *Loader) reload() error {
	entries, err := os.ReadDir(l.dir)
	if os.IsNotExist(err) {
		l.mu.Lock()
		l.skills = make(map[string]Skill)
		l.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("skills: read dir %s: %w", l.dir, err)
	}

	found := make(map[string]Skill, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		path := filepath.Join(l.dir, e.Name())
		skill, err := parseSkillFile(path)
		if err != nil {
			slog.Warn("skills: skipping invalid skill file", "path", path, "error", err)
			continue
		}
		found[skill.Name] = skill
	}

	l.mu.Lock()
	l.skills = found
	l.mu.Unlock()
	return nil
}

func parseSkillFile(path string) (Skill, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Skill{}, err
	}

	content := string(raw)
	var fm frontmatter
	body := content

	if strings.HasPrefix(content, "---\n") {
		rest := content[4:]
		if idx := strings.Index(rest, "\n---"); idx >= 0 {
			header := rest[:idx]
			if err := yaml.Unmarshal([]byte(header), &fm); err != nil {
				return Skill{}, fmt.Errorf("parse frontmatter: %w", err)
			}
			body = strings.TrimLeft(rest[idx+4:], "\n")
		}
	}

	if fm.Name == "" {
		fm.Name = strings.TrimSuffix(filepath.Base(path), ".md")
	}
	if fm.Description == "" {
		return Skill{}, fmt.Errorf("missing description in frontmatter")
	}

	return Skill{Name: fm.Name, Description: fm.Description, Body: body, Path: path}, nil
}

// FilterSkills returns the loaded skills allowed by allowList: nil means
// all skills, an empty non-nil slice means none, otherwise only names
// present in the list.
func (l *Loader) FilterSkills(allowList []string) []Skill {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if allowList != nil && len(allowList) == 0 {
		return nil
	}

	var allow map[string]bool
	if allowList != nil {
		allow = make(map[string]bool, len(allowList))
		for _, name := range allowList {
			allow[name] = true
		}
	}

	out := make([]Skill, 0, len(l.skills))
	for _, s := range l.skills {
		if allow != nil && !allow[s.Name] {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns a single skill by name, for the skill_search tool.
func (l *Loader) Get(name string) (Skill, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.skills[name]
	return s, ok
}

// BuildSummary renders the allowed skills as an XML skill index, inlined
// directly into the system prompt.
func (l *Loader) BuildSummary(allowList []string) string {
	filtered := l.FilterSkills(allowList)
	if len(filtered) == 0 {
		return ""
	}

	var b strings.Builder
	for _, s := range filtered {
		fmt.Fprintf(&b, "<skill name=%q>\n  <description>%s</description>\n</skill>\n", s.Name, s.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}
