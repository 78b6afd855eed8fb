// Package bot wraps the conversation contexts of the tutoring roles with
// typed requests and replies.
//
// Every bot owns one [conversation.Context]. The templates default to the
// ones embedded in the binary and can be overridden per role from files.
package bot

import (
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/echojourney/internal/conversation"
)

//go:embed templates/*.yaml
var templateFS embed.FS

// Role names, also the names of the embedded templates.
const (
	RoleScene      = "scene"
	RolePractice   = "practice"
	RoleCorrection = "correction"
	RoleHistory    = "history"
	RoleTitle      = "title"
)

// Templates holds one assistant template per role.
type Templates struct {
	Scene      conversation.Assistant
	Practice   conversation.Assistant
	Correction conversation.Assistant
	History    conversation.Assistant
	Title      conversation.Assistant
}

// Paths optionally overrides embedded templates with files. Empty fields keep
// the embedded default.
type Paths struct {
	Scene      string `yaml:"scene"`
	Practice   string `yaml:"practice"`
	Correction string `yaml:"correction"`
	History    string `yaml:"history"`
	Title      string `yaml:"title"`
}

// LoadTemplates returns the embedded templates with the overrides in p
// applied. Every broken template is reported.
func LoadTemplates(p Paths) (Templates, error) {
	var t Templates
	var errs []error
	for _, r := range []struct {
		role string
		path string
		dst  *conversation.Assistant
	}{
		{RoleScene, p.Scene, &t.Scene},
		{RolePractice, p.Practice, &t.Practice},
		{RoleCorrection, p.Correction, &t.Correction},
		{RoleHistory, p.History, &t.History},
		{RoleTitle, p.Title, &t.Title},
	} {
		a, err := load(r.role, r.path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*r.dst = a
	}
	if err := errors.Join(errs...); err != nil {
		return Templates{}, fmt.Errorf("bot: load templates: %w", err)
	}
	return t, nil
}

// DefaultTemplates returns the embedded templates.
func DefaultTemplates() (Templates, error) {
	return LoadTemplates(Paths{})
}

func load(role, path string) (conversation.Assistant, error) {
	if path != "" {
		return conversation.LoadAssistantFile(role, path)
	}
	data, err := templateFS.ReadFile("templates/" + role + ".yaml")
	if err != nil {
		return conversation.Assistant{}, fmt.Errorf("%s: %w", role, err)
	}
	return conversation.LoadAssistantBytes(role, data)
}

// withSystemVars fills {name} placeholders of the system prompt.
func withSystemVars(a conversation.Assistant, vars map[string]string) conversation.Assistant {
	pairs := make([]string, 0, 2*len(vars))
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	a.SystemPrompt = strings.NewReplacer(pairs...).Replace(a.SystemPrompt)
	return a
}
