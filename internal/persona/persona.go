// Package persona describes the companion characters a session can talk to.
package persona

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

type ID string

const (
	Fox     ID = "fox"
	Dolphin ID = "dolphin"
	Owl     ID = "owl"
	// Default stands for "no explicit choice" and resolves to the table fallback.
	Default ID = "default"
)

// Parse maps unknown or empty ids to Default.
func Parse(s string) ID {
	switch id := ID(strings.ToLower(strings.TrimSpace(s))); id {
	case Fox, Dolphin, Owl:
		return id
	default:
		return Default
	}
}

func (id ID) Known() bool {
	switch id {
	case Fox, Dolphin, Owl:
		return true
	}
	return false
}

type Profile struct {
	ID           ID     `yaml:"id" json:"id"`
	DisplayName  string `yaml:"display_name" json:"display_name"`
	AvatarRef    string `yaml:"avatar" json:"avatar"`
	AccentColor  string `yaml:"accent_color" json:"accent_color"`
	Greeting     string `yaml:"greeting" json:"greeting"`
	Voice        string `yaml:"voice,omitempty" json:"voice,omitempty"`
	SystemPrompt string `yaml:"system_prompt,omitempty" json:"-"`
}

// Builtin returns the stock companions.
func Builtin() []Profile {
	return []Profile{
		{
			ID:           Fox,
			DisplayName:  "小狐狸",
			AvatarRef:    "🦊",
			AccentColor:  "#FF6B6B",
			Greeting:     "你好呀！我是小狐狸，很高兴认识你！有什么想聊的吗？",
			SystemPrompt: "你是小狐狸，一个聪明活泼的小伙伴。用简短、温暖、适合孩子的中文回答。",
		},
		{
			ID:           Dolphin,
			DisplayName:  "小海豚",
			AvatarRef:    "🐬",
			AccentColor:  "#4ECDC4",
			Greeting:     "嗨！我是小海豚，我最喜欢和朋友们一起学习新知识啦！",
			SystemPrompt: "你是小海豚，一个热爱学习、乐于分享的小伙伴。用简短、鼓励的中文回答。",
		},
		{
			ID:           Owl,
			DisplayName:  "小猫头鹰",
			AvatarRef:    "🦉",
			AccentColor:  "#45B7D1",
			Greeting:     "你好！我是小猫头鹰，我知道很多有趣的知识，想听听吗？",
			SystemPrompt: "你是小猫头鹰，一个博学又耐心的小伙伴。用简短、有趣的中文讲解知识。",
		},
	}
}

// Table is read-only after construction.
type Table struct {
	profiles map[ID]Profile
	fallback ID
}

// NewTable indexes profiles. Default lookups resolve to fallback, which must
// be one of the profiles; otherwise the first profile in id order is used.
func NewTable(profiles []Profile, fallback ID) *Table {
	t := &Table{profiles: make(map[ID]Profile, len(profiles))}
	for _, p := range profiles {
		t.profiles[p.ID] = p
	}
	if _, ok := t.profiles[fallback]; ok {
		t.fallback = fallback
	} else if ids := t.IDs(); len(ids) > 0 {
		t.fallback = ids[0]
	}
	return t
}

func (t *Table) Fallback() ID { return t.fallback }

// Lookup never fails: Default and unknown ids resolve to the fallback profile.
func (t *Table) Lookup(id ID) Profile {
	if p, ok := t.profiles[id]; ok {
		return p
	}
	return t.profiles[t.fallback]
}

// Resolve turns Default into the concrete fallback id.
func (t *Table) Resolve(id ID) ID {
	if _, ok := t.profiles[id]; ok {
		return id
	}
	return t.fallback
}

func (t *Table) IDs() []ID {
	ids := make([]ID, 0, len(t.profiles))
	for id := range t.profiles {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (t *Table) All() []Profile {
	ids := t.IDs()
	out := make([]Profile, 0, len(ids))
	for _, id := range ids {
		out = append(out, t.profiles[id])
	}
	return out
}

// File is the on-disk persona override document.
type File struct {
	Default  string    `yaml:"default"`
	Personas []Profile `yaml:"personas"`
}

// Load reads a persona file from disk.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, err
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("parse persona file: %w", err)
	}
	return f, nil
}

// Validate ensures every entry names a known companion exactly once.
func Validate(f File) error {
	if f.Default != "" && !Parse(f.Default).Known() {
		return fmt.Errorf("default persona %q is not a known companion", f.Default)
	}
	seen := make(map[ID]bool, len(f.Personas))
	for i, p := range f.Personas {
		if !p.ID.Known() {
			return fmt.Errorf("personas[%d]: id %q is not a known companion", i, p.ID)
		}
		if seen[p.ID] {
			return fmt.Errorf("personas[%d]: duplicate id %q", i, p.ID)
		}
		seen[p.ID] = true
		if strings.TrimSpace(p.DisplayName) == "" {
			return fmt.Errorf("personas[%d]: display_name is required", i)
		}
	}
	return nil
}

// Merge overlays non-empty file fields on top of base.
func Merge(base []Profile, f File) []Profile {
	out := make([]Profile, len(base))
	copy(out, base)
	index := make(map[ID]int, len(out))
	for i, p := range out {
		index[p.ID] = i
	}
	for _, o := range f.Personas {
		i, ok := index[o.ID]
		if !ok {
			out = append(out, o)
			index[o.ID] = len(out) - 1
			continue
		}
		p := &out[i]
		overlay(&p.DisplayName, o.DisplayName)
		overlay(&p.AvatarRef, o.AvatarRef)
		overlay(&p.AccentColor, o.AccentColor)
		overlay(&p.Greeting, o.Greeting)
		overlay(&p.Voice, o.Voice)
		overlay(&p.SystemPrompt, o.SystemPrompt)
	}
	return out
}

func overlay(dst *string, v string) {
	if strings.TrimSpace(v) != "" {
		*dst = v
	}
}

// LoadTable builds the session table from the builtin companions, an optional
// persona file and the configured default.
func LoadTable(path, defaultID string) (*Table, error) {
	profiles := Builtin()
	fallback := Parse(defaultID)
	if path != "" {
		f, err := Load(path)
		if err != nil {
			return nil, err
		}
		if err := Validate(f); err != nil {
			return nil, err
		}
		profiles = Merge(profiles, f)
		if f.Default != "" {
			fallback = Parse(f.Default)
		}
	}
	if fallback == Default {
		fallback = Fox
	}
	return NewTable(profiles, fallback), nil
}
