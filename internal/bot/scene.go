package bot

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/echojourney/internal/conversation"
	"github.com/MrWong99/echojourney/internal/practice"
	"github.com/MrWong99/echojourney/pkg/provider/llm"
)

// SceneResult is the scene generator's answer to one utterance.
type SceneResult struct {
	// Teacher is the text addressed to the student, possibly empty.
	Teacher string

	// Plan is set when Found is true.
	Plan  practice.Plan
	Found bool
}

// Scene detects the topic a student wants to practise and drafts the plan.
type Scene struct {
	conv *conversation.Context
}

// NewScene creates the scene generator.
func NewScene(a conversation.Assistant, p llm.Provider) *Scene {
	return &Scene{conv: conversation.New(a, p)}
}

// Context exposes the underlying conversation.
func (b *Scene) Context() *conversation.Context { return b.conv }

// Generate submits text and interprets the reply. A reply without a scene
// label is not an error; Found is false and Teacher holds the prompt for a
// topic.
func (b *Scene) Generate(ctx context.Context, text string) (SceneResult, error) {
	b.conv.AddUser(b.conv.Assistant().UserPromptPrefix + text)
	reply, err := b.conv.Execute(ctx)
	if err != nil {
		return SceneResult{}, err
	}
	res := SceneResult{}
	res.Teacher, _ = reply["teacher"].(string)

	plan, err := practice.PlanFromScene(reply)
	switch {
	case errors.Is(err, practice.ErrNoScene):
		return res, nil
	case err != nil:
		return SceneResult{}, &conversation.ResponseFormatError{Assistant: RoleScene, Content: fmt.Sprint(reply), Err: err}
	case len(plan.Sentences) == 0:
		return SceneResult{}, &conversation.ResponseFormatError{Assistant: RoleScene, Content: fmt.Sprint(reply), Err: errors.New("scene without sentences")}
	}
	res.Plan, res.Found = plan, true
	return res, nil
}
