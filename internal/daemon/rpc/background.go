package rpc

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/leonletto/anchord/internal/daemon"
	"github.com/leonletto/anchord/internal/daemon/state"
	"github.com/leonletto/anchord/internal/types"
)

const (
	backgroundTimeout = 60 * time.Second
	archiveTimeout    = 5 * time.Second
)

//nolint:staticcheck // ST1005: shown to users verbatim
var (
	errNoChanges        = errors.New("No changes to generate commit message for")
	errNoCommitMessage  = errors.New("No commit message was generated")
	errPromptRequired   = errors.New("Prompt is required.")
	errNoMetadata       = errors.New("No metadata was generated")
	errMetadataJSON     = errors.New("Failed to parse metadata JSON")
	errMetadataTitle    = errors.New("Missing title in metadata")
	errMetadataWorktree = errors.New("Missing worktree name in metadata")
	errNoBus            = errors.New("event bus unavailable")
	errNoThreadID       = errors.New("Failed to get threadId from thread/start response")
)

const commitMessageInstructions = `Write a git commit message for the changes below.
Use a concise imperative subject line of at most 72 characters. If the change
needs more explanation, add a blank line and a short body. Respond with the
commit message only, without code fences or commentary.

Changes:
`

const runMetadataInstructions = `Summarize the task below for a task list.
Respond with JSON only, in the form {"title": "...", "worktreeName": "..."}.
The title is at most 60 characters. The worktreeName is a short git branch name
in lowercase kebab-case with an optional prefix such as feat/ or fix/.

Task:
`

type backgroundHandlers struct {
	deps  Deps
	codex *codexHandlers
}

func registerBackground(d *Dispatcher, deps Deps) {
	h := &backgroundHandlers{deps: deps, codex: &codexHandlers{deps: deps}}
	d.Register("get_commit_message_prompt", h.commitMessagePrompt)
	d.Register("generate_commit_message", h.generateCommitMessage)
	d.Register("generate_run_metadata", h.generateRunMetadata)
}

func (h *backgroundHandlers) commitPrompt(ctx context.Context, entry types.WorkspaceEntry) (string, error) {
	diff, err := h.deps.Git.WorkspaceDiff(ctx, repoDir(entry))
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(diff) == "" {
		return "", errNoChanges
	}
	return commitMessageInstructions + diff, nil
}

func (h *backgroundHandlers) commitMessagePrompt(ctx context.Context, p Params) (any, error) {
	entry, err := workspaceParam(h.deps.Registry, p)
	if err != nil {
		return nil, err
	}
	return h.commitPrompt(ctx, entry)
}

func (h *backgroundHandlers) generateCommitMessage(ctx context.Context, p Params) (any, error) {
	entry, sess, err := h.codex.session(p)
	if err != nil {
		return nil, err
	}
	prompt, err := h.commitPrompt(ctx, entry)
	if err != nil {
		return nil, err
	}
	text, err := h.run(ctx, entry, sess, prompt,
		"Timeout waiting for commit message generation",
		"Unknown error during commit message generation")
	if err != nil {
		return nil, err
	}
	if text = strings.TrimSpace(text); text == "" {
		return nil, errNoCommitMessage
	}
	return text, nil
}

func (h *backgroundHandlers) generateRunMetadata(ctx context.Context, p Params) (any, error) {
	entry, sess, err := h.codex.session(p)
	if err != nil {
		return nil, err
	}
	prompt, err := p.String("prompt")
	if err != nil {
		return nil, err
	}
	if prompt = strings.TrimSpace(prompt); prompt == "" {
		return nil, errPromptRequired
	}
	text, err := h.run(ctx, entry, sess, runMetadataInstructions+prompt,
		"Timeout waiting for metadata generation",
		"Unknown error during metadata generation")
	if err != nil {
		return nil, err
	}
	return parseRunMetadata(text)
}

// parseRunMetadata pulls the title and worktree name out of a model reply
// that may wrap its JSON in prose or code fences.
func parseRunMetadata(text string) (map[string]string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errNoMetadata
	}
	start, end := strings.IndexByte(text, '{'), strings.LastIndexByte(text, '}')
	if start < 0 || end < start || !gjson.Valid(text[start:end+1]) {
		return nil, errMetadataJSON
	}
	doc := gjson.Parse(text[start : end+1])
	title := strings.TrimSpace(doc.Get("title").String())
	if doc.Get("title").Type != gjson.String || title == "" {
		return nil, errMetadataTitle
	}
	raw := doc.Get("worktreeName")
	if !raw.Exists() {
		raw = doc.Get("worktree_name")
	}
	name := sanitizeWorktreeName(raw.String())
	if raw.Type != gjson.String || name == "" {
		return nil, errMetadataWorktree
	}
	return map[string]string{"title": title, "worktreeName": name}, nil
}

// sanitizeWorktreeName lowercases name and reduces it to a safe branch name
// made of letters, digits, dashes and slashes.
func sanitizeWorktreeName(name string) string {
	var b strings.Builder
	dash := false
	for _, c := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '/':
			b.WriteRune(c)
			dash = false
		case !dash:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.Trim(b.String(), "-/")
}

// run starts a hidden read-only thread, sends prompt and returns the agent's
// reply. The thread is archived afterwards.
func (h *backgroundHandlers) run(ctx context.Context, entry types.WorkspaceEntry, sess state.Session, prompt, timeoutMsg, unknownMsg string) (string, error) {
	if h.deps.Bus == nil {
		return "", errNoBus
	}
	sub := h.deps.Bus.Subscribe()

	res, err := sess.Request(ctx, agentThreadStart, map[string]any{
		"cwd":            entry.Path,
		"approvalPolicy": "never",
	})
	if err != nil {
		return "", err
	}
	threadID := gjson.GetBytes(res, "thread.id").String()
	if threadID == "" {
		threadID = gjson.GetBytes(res, "threadId").String()
	}
	if threadID == "" {
		return "", errNoThreadID
	}
	if h.deps.Events != nil {
		h.deps.Events.EmitAppServerEvent(hideThreadEvent(entry.ID, threadID))
	}
	defer func() {
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveTimeout)
		defer cancel()
		if _, err := sess.Request(actx, agentThreadArchive, map[string]any{"threadId": threadID}); err != nil {
			h.deps.Logger.Debug().Err(err).Str("thread", threadID).Msg("archive background thread")
		}
	}()

	_, err = sess.Request(ctx, agentTurnStart, map[string]any{
		"threadId":       threadID,
		"input":          userInput(prompt, nil),
		"cwd":            entry.Path,
		"approvalPolicy": "never",
		"sandboxPolicy":  map[string]any{"type": "readOnly"},
	})
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, backgroundTimeout)
	defer cancel()
	return collectReply(ctx, sub, entry.ID, threadID, timeoutMsg, unknownMsg)
}

// collectReply reads agent events for one thread until its turn ends.
func collectReply(ctx context.Context, sub *daemon.Subscriber, workspaceID, threadID, timeoutMsg, unknownMsg string) (string, error) {
	var reply strings.Builder
	for {
		ev, err := sub.Recv(ctx)
		if err != nil {
			var lagged *daemon.LaggedError
			switch {
			case errors.As(err, &lagged):
				continue
			case errors.Is(err, context.DeadlineExceeded):
				return "", errors.New(timeoutMsg)
			}
			return "", err
		}
		app, ok := ev.(types.AppServerEvent)
		if !ok || app.WorkspaceID != workspaceID {
			continue
		}
		msg := gjson.ParseBytes(app.Message)
		params := msg.Get("params")
		if params.Get("threadId").String() != threadID {
			continue
		}
		switch msg.Get("method").String() {
		case "item/agentMessage/delta":
			reply.WriteString(params.Get("delta").String())
		case "item/completed":
			item := params.Get("item")
			if item.Get("type").String() == "agentMessage" && item.Get("text").String() != "" {
				reply.Reset()
				reply.WriteString(item.Get("text").String())
			}
		case "turn/completed":
			turn := params.Get("turn")
			if turn.Get("status").String() == "failed" {
				return "", agentError(turn.Get("error.message").String(), unknownMsg)
			}
			return reply.String(), nil
		case "error":
			if params.Get("willRetry").Bool() {
				continue
			}
			return "", agentError(params.Get("error.message").String(), unknownMsg)
		}
	}
}

func agentError(msg, fallback string) error {
	if strings.TrimSpace(msg) == "" {
		msg = fallback
	}
	return errors.New(msg)
}
