package conversation

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Assistant is the static template of one bot role: its system prompt, the
// example turns shown before the transcript and its behavioural flags.
// Templates are read-only once loaded.
type Assistant struct {
	// Name identifies the bot in logs and errors, e.g. "practice".
	Name string `yaml:"name"`

	// SystemPrompt is sent as the first message of every submission.
	SystemPrompt string `yaml:"system_prompt"`

	// UserPromptPrefix is the template for user turns. Placeholders use the
	// {NAME} form and are filled by [Assistant.Prompt].
	UserPromptPrefix string `yaml:"user_prompt_prefix"`

	// PrefixMessages is a YAML list of example turns, each with role, content
	// and optional name. It is kept as text and parsed before every submission
	// so that a broken template fails loudly.
	PrefixMessages string `yaml:"prefix_messages"`

	// CommitLastNRounds limits the submitted transcript to the last
	// KeepRoundNums rounds (2*KeepRoundNums+1 turns).
	CommitLastNRounds bool `yaml:"commit_last_n_rounds"`
	KeepRoundNums     int  `yaml:"keep_round_nums"`

	// JSONMode asks the model for a single JSON object.
	JSONMode bool `yaml:"json_mode"`

	// Temperature is forwarded to the model; zero keeps the provider default.
	Temperature float64 `yaml:"temperature"`
}

// PrefixFormatError reports an Assistant whose prefix messages are not a
// valid list of turns. It is a template defect and is never retried.
type PrefixFormatError struct {
	Assistant string
	Err       error
}

func (e *PrefixFormatError) Error() string {
	return fmt.Sprintf("conversation: %s: prefix_messages: %v", e.Assistant, e.Err)
}

func (e *PrefixFormatError) Unwrap() error { return e.Err }

// LoadAssistant decodes a template from r. Unknown keys are rejected. JSON
// templates are accepted as well, being valid YAML.
func LoadAssistant(r io.Reader) (Assistant, error) {
	var a Assistant
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&a); err != nil {
		if errors.Is(err, io.EOF) {
			return Assistant{}, errors.New("conversation: empty assistant template")
		}
		return Assistant{}, fmt.Errorf("conversation: decode assistant: %w", err)
	}
	if err := a.Validate(); err != nil {
		return Assistant{}, err
	}
	return a, nil
}

// LoadAssistantBytes is LoadAssistant over an in-memory template, typically
// one embedded in the binary. name is used when the template has none.
func LoadAssistantBytes(name string, data []byte) (Assistant, error) {
	a, err := LoadAssistant(bytes.NewReader(data))
	if err != nil {
		return Assistant{}, fmt.Errorf("%s: %w", name, err)
	}
	if a.Name == "" {
		a.Name = name
	}
	return a, nil
}

// LoadAssistantFile reads a template from path. name is used when the
// template has none.
func LoadAssistantFile(name, path string) (Assistant, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Assistant{}, fmt.Errorf("conversation: read assistant %s: %w", name, err)
	}
	return LoadAssistantBytes(name, data)
}

// Validate checks the template. Only the prefix messages can be malformed.
func (a Assistant) Validate() error {
	if a.KeepRoundNums < 0 {
		return fmt.Errorf("conversation: %s: keep_round_nums must not be negative", a.Name)
	}
	_, err := a.Prefix()
	return err
}

// Prefix parses PrefixMessages into turns. An empty document yields no turns.
func (a Assistant) Prefix() ([]Turn, error) {
	if strings.TrimSpace(a.PrefixMessages) == "" {
		return nil, nil
	}
	var raw []struct {
		Role    string `yaml:"role"`
		Content string `yaml:"content"`
		Name    string `yaml:"name"`
	}
	if err := yaml.Unmarshal([]byte(a.PrefixMessages), &raw); err != nil {
		return nil, &PrefixFormatError{Assistant: a.Name, Err: err}
	}
	out := make([]Turn, 0, len(raw))
	for i, m := range raw {
		switch Role(m.Role) {
		case RoleSystem, RoleUser, RoleAssistant:
		default:
			return nil, &PrefixFormatError{Assistant: a.Name, Err: fmt.Errorf("message %d: unknown role %q", i, m.Role)}
		}
		out = append(out, Turn{Role: Role(m.Role), Content: m.Content, Name: m.Name})
	}
	return out, nil
}

// Prompt fills the {NAME} placeholders of UserPromptPrefix. Placeholders
// without a value are left as they are.
func (a Assistant) Prompt(vars map[string]string) string {
	if len(vars) == 0 {
		return a.UserPromptPrefix
	}
	pairs := make([]string, 0, 2*len(vars))
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(a.UserPromptPrefix)
}
