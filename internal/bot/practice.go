package bot

import (
	"context"
	"encoding/json"
	"slices"
	"strings"

	"github.com/MrWong99/echojourney/internal/conversation"
	"github.com/MrWong99/echojourney/internal/ledger"
	"github.com/MrWong99/echojourney/internal/practice"
	"github.com/MrWong99/echojourney/pkg/provider/llm"
)

// Student status lines shown to the practice bot.
const (
	StatusChatting = "学生在和老师聊天"
	StatusStarting = "新的场景刚刚开始"
	StatusPassed   = "学生读对了上一个练习"
	StatusSkipped  = "学生跳过了上一个练习"
)

// correctionRequest is the user turn recorded with a correction.
const correctionRequest = "老师帮我纠下音吧"

// PracticeReply is the practice bot's structured answer.
type PracticeReply struct {
	Teacher     string `json:"teacher"`
	Skip        bool   `json:"skip"`
	ChangeScene bool   `json:"change_scene"`
}

// Practice leads the dialogue around the current practice target.
type Practice struct {
	conv *conversation.Context
}

// NewPractice creates the practice bot. The {initials} and {finals}
// placeholders of the system prompt are filled from unfamiliar, the student's
// weak spots of the latest day.
func NewPractice(a conversation.Assistant, p llm.Provider, unfamiliar ledger.Counts) *Practice {
	a = withSystemVars(a, map[string]string{
		"initials": joinKeys(unfamiliar.Initials),
		"finals":   joinKeys(unfamiliar.Finals),
	})
	return &Practice{conv: conversation.New(a, p)}
}

func joinKeys(m map[string]int) string {
	if len(m) == 0 {
		return practice.None
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return strings.Join(keys, ",")
}

// Context exposes the underlying conversation.
func (b *Practice) Context() *conversation.Context { return b.conv }

// Greet records text as the bot's own opening words.
func (b *Practice) Greet(text string) {
	b.conv.AddAssistant(text)
}

// Reply renders the current position of tr together with the student's
// words and returns the bot's answer.
func (b *Practice) Reply(ctx context.Context, tr *practice.Tracker, status, student string) (PracticeReply, error) {
	b.conv.AddUser(b.conv.Assistant().Prompt(map[string]string{
		"SCENE":            tr.Scene(),
		"PLAN":             tr.Sentence(),
		"HISTORY_PRACTICE": orNone(tr.History()),
		"CURRENT_PRACTICE": tr.TargetOrNone(),
		"STUDENT_STATUS":   status,
		"STUDENT":          student,
	}))
	var reply PracticeReply
	if err := b.conv.ExecuteInto(ctx, &reply); err != nil {
		return PracticeReply{}, err
	}
	return reply, nil
}

// AddCorrection makes the bot aware that the student struggled: the
// corrective suggestions are recorded as the bot's answer to a request for
// help.
func (b *Practice) AddCorrection(tr *practice.Tracker, suggestions string) {
	b.conv.AddUser(b.conv.Assistant().Prompt(map[string]string{
		"SCENE":            tr.Scene(),
		"PLAN":             tr.Sentence(),
		"HISTORY_PRACTICE": orNone(tr.History()),
		"CURRENT_PRACTICE": tr.TargetOrNone(),
		"STUDENT_STATUS":   StatusChatting,
		"STUDENT":          correctionRequest,
	}))
	data, _ := json.Marshal(PracticeReply{Teacher: suggestions})
	b.conv.AddAssistant(string(data))
}

func orNone(s string) string {
	if s == "" {
		return practice.None
	}
	return s
}
