// Package registry provides the static, administrator-maintained list of
// destination chats plus the administrator allow-set. Both are loaded once at
// startup and are immutable afterwards: every method is a pure read and safe
// for concurrent use.
package registry

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Entry describes one registered production chat.
type Entry struct {
	// Name is the unique human-readable chat name used in commands and listings.
	Name string `yaml:"name"`
	// InviteLink is an opaque invite reference shown in the chat list; never dialed.
	InviteLink string `yaml:"invite_link"`
	// ChatID is the stable destination identifier used for delivery.
	ChatID int64 `yaml:"chat_id"`
}

// Registry holds the ordered production chat list and the test subset.
// Order is load order and defines fan-out and listing order.
type Registry struct {
	entries []Entry
	testIDs []int64

	byID   map[int64]int
	byName map[string]int
}

// file is the on-disk YAML shape of the registry.
type file struct {
	Chats     []Entry `yaml:"chats"`
	TestChats []int64 `yaml:"test_chats"`
}

// Load reads and validates a registry YAML file.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse builds a Registry from raw YAML bytes.
//
// Validation rules:
//   - every entry needs a non-empty name and a non-zero chat id
//   - names and chat ids must be unique
func Parse(data []byte) (*Registry, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}
	if len(f.Chats) == 0 {
		return nil, fmt.Errorf("registry has no chats")
	}

	r := &Registry{
		entries: f.Chats,
		testIDs: f.TestChats,
		byID:    make(map[int64]int, len(f.Chats)),
		byName:  make(map[string]int, len(f.Chats)),
	}
	for i, e := range f.Chats {
		if strings.TrimSpace(e.Name) == "" {
			return nil, fmt.Errorf("registry entry %d: empty name", i)
		}
		if e.ChatID == 0 {
			return nil, fmt.Errorf("registry entry %q: missing chat_id", e.Name)
		}
		if _, dup := r.byID[e.ChatID]; dup {
			return nil, fmt.Errorf("registry entry %q: duplicate chat_id %d", e.Name, e.ChatID)
		}
		key := nameKey(e.Name)
		if _, dup := r.byName[key]; dup {
			return nil, fmt.Errorf("registry entry %q: duplicate name", e.Name)
		}
		r.byID[e.ChatID] = i
		r.byName[key] = i
	}
	return r, nil
}

// IsProductionChat reports whether chatID belongs to the production set.
func (r *Registry) IsProductionChat(chatID int64) bool {
	_, ok := r.byID[chatID]
	return ok
}

// All returns the production entries in registry order. Callers must not
// mutate the returned slice.
func (r *Registry) All() []Entry {
	return r.entries
}

// ProductionChatIDs returns the production chat ids in registry order.
func (r *Registry) ProductionChatIDs() []int64 {
	out := make([]int64, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.ChatID
	}
	return out
}

// TestChatIDs returns the test destination subset (possibly empty).
func (r *Registry) TestChatIDs() []int64 {
	return r.testIDs
}

// ByName resolves a chat by its name, case-insensitively.
func (r *Registry) ByName(name string) (Entry, bool) {
	i, ok := r.byName[nameKey(name)]
	if !ok {
		return Entry{}, false
	}
	return r.entries[i], true
}

// NameOf returns the registered name for chatID, or a numeric fallback.
func (r *Registry) NameOf(chatID int64) string {
	if i, ok := r.byID[chatID]; ok {
		return r.entries[i].Name
	}
	return fmt.Sprintf("chat %d", chatID)
}

func nameKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// AccessList is the fixed administrator allow-set with one distinguished
// owner identity.
type AccessList struct {
	admins map[int64]struct{}
	owner  int64
}

// NewAccessList builds an AccessList from the configured admin ids and owner
// id. The owner is always an admin, whether or not it is listed.
func NewAccessList(adminIDs []int64, ownerID int64) *AccessList {
	a := &AccessList{
		admins: make(map[int64]struct{}, len(adminIDs)+1),
		owner:  ownerID,
	}
	for _, id := range adminIDs {
		a.admins[id] = struct{}{}
	}
	if ownerID != 0 {
		a.admins[ownerID] = struct{}{}
	}
	return a
}

// IsAdmin reports whether memberID may invoke privileged commands.
func (a *AccessList) IsAdmin(memberID int64) bool {
	_, ok := a.admins[memberID]
	return ok
}

// IsOwner reports whether memberID holds the owner capability.
func (a *AccessList) IsOwner(memberID int64) bool {
	return a.owner != 0 && memberID == a.owner
}
