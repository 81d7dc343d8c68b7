package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"guardloop/internal/model"
)

// AgentRecord is the persisted shape of model.Agent: everything the
// registry needs to reconstruct bindings across a restart, minus the live
// session and reachability fields, which are rebuilt from telemetry.
type AgentRecord struct {
	ID       string            `yaml:"id"`
	Hostname string            `yaml:"hostname"`
	Platform model.Platform    `yaml:"platform"`
	ChildID  string            `yaml:"child_id,omitempty"`
	Enabled  bool              `yaml:"enabled"`
	Scripts  map[string]string `yaml:"scripts,omitempty"` // scriptID -> version
}

// Blob is the single opaque configuration object the host persists via
// configurationUpdate and reloads at startup (§6 of the design doc).
type Blob struct {
	Agents          []AgentRecord                  `yaml:"agents"`
	UserMappings    map[string]map[string]string   `yaml:"user_mappings"`    // agentID -> username -> childID
	ParentAccounts  map[string][]string             `yaml:"parent_accounts"` // agentID -> usernames
	Children        map[string]*model.Child         `yaml:"children"`       // childID -> config
	Settings        model.Settings                  `yaml:"settings"`
	Violations      []model.Violation               `yaml:"violations"`
	ActivityLog     []model.ActivityEvent           `yaml:"activity_log"`
	LastSync        time.Time                       `yaml:"last_sync"`
}

// NewBlob returns an empty blob with documented defaults applied.
func NewBlob() *Blob {
	return &Blob{
		UserMappings:   make(map[string]map[string]string),
		ParentAccounts: make(map[string][]string),
		Children:       make(map[string]*model.Child),
		Settings:       model.DefaultSettings(),
	}
}

// applyDefaults fills the maps a partial load leaves nil. Settings keys
// absent from the file keep the documented defaults that loadBlob seeds
// before decoding.
func (b *Blob) applyDefaults() {
	if b.UserMappings == nil {
		b.UserMappings = make(map[string]map[string]string)
	}
	if b.ParentAccounts == nil {
		b.ParentAccounts = make(map[string][]string)
	}
	if b.Children == nil {
		b.Children = make(map[string]*model.Child)
	}
}

// Store persists and reloads the Blob, guarding concurrent access from the
// Control API command handlers and the fsnotify watcher.
type Store struct {
	mu   sync.RWMutex
	path string
	blob *Blob
}

// NewStore loads path if it exists, or seeds a fresh Blob otherwise.
func NewStore(path string) (*Store, error) {
	s := &Store{path: path}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		s.blob = NewBlob()
		return s, nil
	}
	blob, err := loadBlob(path)
	if err != nil {
		return nil, err
	}
	s.blob = blob
	return s, nil
}

func loadBlob(path string) (*Blob, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read state %s: %w", path, err)
	}
	blob := &Blob{Settings: model.DefaultSettings()}
	if err := yaml.Unmarshal(data, blob); err != nil {
		return nil, fmt.Errorf("parse state %s: %w", path, err)
	}
	blob.applyDefaults()
	return blob, nil
}

// Snapshot returns a point-in-time copy of the blob for readers. Every
// reference field is cloned so the result shares no mutable state with
// the live blob — Mutate edits s.blob (and its Child pointers) in place,
// so a shallow copy here would let a reader's concurrent map range race
// against it.
func (s *Store) Snapshot() Blob {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.blob.clone()
}

func (b *Blob) clone() Blob {
	out := *b

	out.Agents = append([]AgentRecord(nil), b.Agents...)
	for i := range out.Agents {
		if b.Agents[i].Scripts != nil {
			scripts := make(map[string]string, len(b.Agents[i].Scripts))
			for k, v := range b.Agents[i].Scripts {
				scripts[k] = v
			}
			out.Agents[i].Scripts = scripts
		}
	}

	out.UserMappings = make(map[string]map[string]string, len(b.UserMappings))
	for agentID, m := range b.UserMappings {
		cloned := make(map[string]string, len(m))
		for k, v := range m {
			cloned[k] = v
		}
		out.UserMappings[agentID] = cloned
	}

	out.ParentAccounts = make(map[string][]string, len(b.ParentAccounts))
	for agentID, names := range b.ParentAccounts {
		out.ParentAccounts[agentID] = append([]string(nil), names...)
	}

	out.Children = make(map[string]*model.Child, len(b.Children))
	for childID, child := range b.Children {
		cloned := *child
		cloned.DailyComputerCapSeconds = cloneIntPtr(child.DailyComputerCapSeconds)
		cloned.DailyInternetCapSeconds = cloneIntPtr(child.DailyInternetCapSeconds)
		cloned.BlockedProcesses = append([]string(nil), child.BlockedProcesses...)
		cloned.Bedtime.Days = cloneDaySet(child.Bedtime.Days)
		cloned.Schedules = append([]model.Schedule(nil), child.Schedules...)
		for i := range cloned.Schedules {
			cloned.Schedules[i].Days = cloneDaySet(child.Schedules[i].Days)
			cloned.Schedules[i].AllowedCategory = cloneCategorySet(child.Schedules[i].AllowedCategory)
			cloned.Schedules[i].BlockedPatterns = append([]string(nil), child.Schedules[i].BlockedPatterns...)
		}
		if child.FocusMode != nil {
			fm := *child.FocusMode
			fm.HideIconPatterns = append([]string(nil), child.FocusMode.HideIconPatterns...)
			fm.BlockedApps = append([]string(nil), child.FocusMode.BlockedApps...)
			fm.BlockedCategory = cloneCategorySet(child.FocusMode.BlockedCategory)
			cloned.FocusMode = &fm
		}
		out.Children[childID] = &cloned
	}

	out.Violations = append([]model.Violation(nil), b.Violations...)
	out.ActivityLog = append([]model.ActivityEvent(nil), b.ActivityLog...)

	return out
}

func cloneIntPtr(v *int) *int {
	if v == nil {
		return nil
	}
	cp := *v
	return &cp
}

func cloneDaySet(d model.DaySet) model.DaySet {
	if d == nil {
		return nil
	}
	out := make(model.DaySet, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

func cloneCategorySet(c map[model.Category]bool) map[model.Category]bool {
	if c == nil {
		return nil
	}
	out := make(map[model.Category]bool, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Mutate runs fn with exclusive access to the live blob, then persists it.
// Every state-affecting Control API command goes through Mutate so the
// write and the on-disk blob never drift.
func (s *Store) Mutate(fn func(*Blob) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := fn(s.blob); err != nil {
		return err
	}
	s.blob.LastSync = timeNow()
	return s.saveLocked()
}

// Reload re-reads the on-disk blob, used by the fsnotify watcher when the
// file changes outside the Control API (a parent editing YAML directly).
func (s *Store) Reload() error {
	blob, err := loadBlob(s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blob = blob
	return nil
}

func (s *Store) saveLocked() error {
	data, err := yaml.Marshal(s.blob)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write state %s: %w", tmp, err)
	}
	return os.Rename(tmp, s.path)
}

// timeNow is a seam so tests can assert exact LastSync values if needed;
// production always uses the wall clock.
var timeNow = time.Now
