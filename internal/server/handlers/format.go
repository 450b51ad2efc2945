package handlers

import (
	"github.com/cursorgate/cursorgate/internal/core/frame"
)

const (
	thinkingOpen  = "<thinking>"
	thinkingClose = "</thinking>"
)

// thinkingWrapper folds reasoning fragments into the visible content: the
// first reasoning text is preceded by an opening tag and the first answer
// text after it is preceded by the closing tag.
type thinkingWrapper struct {
	opened bool
	closed bool
}

func (tw *thinkingWrapper) apply(frag frame.Fragment) string {
	var out string
	if !tw.opened && frag.Thinking != "" {
		out += thinkingOpen + "\n"
		tw.opened = true
	}
	out += frag.Thinking
	if tw.opened && !tw.closed && frag.Thinking == "" && frag.Text != "" {
		out += "\n" + thinkingClose + "\n"
		tw.closed = true
	}
	return out + frag.Text
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

// chatMessage accepts string content or the array-of-parts form; only text
// parts are kept.
type chatMessage struct {
	Role    string      `json:"role"`
	Content messageBody `json:"content"`
}

type chunkDelta struct {
	Content string `json:"content,omitempty"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type completionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
}

type assistantMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionChoice struct {
	Index        int              `json:"index"`
	Message      assistantMessage `json:"message"`
	FinishReason string           `json:"finish_reason"`
}

type completionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type completion struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []completionChoice `json:"choices"`
	Usage   completionUsage    `json:"usage"`
}

type modelEntry struct {
	ID      string `json:"id"`
	Created int64  `json:"created"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

type modelList struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}
