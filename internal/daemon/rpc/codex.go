package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/leonletto/anchord/internal/daemon/state"
	"github.com/leonletto/anchord/internal/types"
)

// Agent JSON-RPC method names.
const (
	agentThreadStart     = "thread/start"
	agentThreadResume    = "thread/resume"
	agentThreadFork      = "thread/fork"
	agentThreadList      = "thread/list"
	agentMCPStatusList   = "mcpServerStatus/list"
	agentThreadArchive   = "thread/archive"
	agentThreadCompact   = "thread/compact/start"
	agentThreadNameSet   = "thread/name/set"
	agentTurnStart       = "turn/start"
	agentTurnInterrupt   = "turn/interrupt"
	agentReviewStart     = "review/start"
	agentModelList       = "model/list"
	agentCollabModeList  = "collaborationMode/list"
	agentRateLimitsRead  = "account/rateLimits/read"
	agentAccountRead     = "account/read"
	agentSkillsList      = "skills/list"
	agentAppList         = "app/list"
	agentLoginStart      = "account/login/start"
	agentLoginCancel     = "account/login/cancel"
	backgroundThreadNote = "codex/backgroundThread"
)

var errEmptyMessage = errors.New("empty user message")

type codexHandlers struct {
	deps   Deps
	logins *loginTracker
}

// loginTracker remembers the pending account login of each workspace so it
// can be cancelled.
type loginTracker struct {
	mu  sync.Mutex
	ids map[string]string
}

func (l *loginTracker) set(workspaceID, loginID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ids[workspaceID] = loginID
}

func (l *loginTracker) take(workspaceID string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.ids[workspaceID]
	delete(l.ids, workspaceID)
	return id, ok
}

func registerCodex(d *Dispatcher, deps Deps) {
	h := &codexHandlers{deps: deps, logins: &loginTracker{ids: make(map[string]string)}}
	d.Register("start_thread", h.startThread)
	d.Register("resume_thread", h.threadCall(agentThreadResume))
	d.Register("fork_thread", h.threadCall(agentThreadFork))
	d.Register("archive_thread", h.threadCall(agentThreadArchive))
	d.Register("compact_thread", h.threadCall(agentThreadCompact))
	d.Register("list_threads", h.pagedCall(agentThreadList, "sortKey"))
	d.Register("list_mcp_server_status", h.pagedCall(agentMCPStatusList))
	d.Register("apps_list", h.pagedCall(agentAppList))
	d.Register("set_thread_name", h.setThreadName)
	d.Register("send_user_message", h.sendUserMessage)
	d.Register("turn_interrupt", h.turnInterrupt)
	d.Register("start_review", h.startReview)
	d.Register("model_list", h.simpleCall(agentModelList, map[string]any{}))
	d.Register("collaboration_mode_list", h.simpleCall(agentCollabModeList, map[string]any{}))
	d.Register("account_rate_limits", h.simpleCall(agentRateLimitsRead, nil))
	d.Register("account_read", h.simpleCall(agentAccountRead, nil))
	d.Register("skills_list", h.skillsList)
	d.Register("respond_to_server_request", h.respond)
	d.Register("codex_login", h.login)
	d.Register("codex_login_cancel", h.loginCancel)
}

// session resolves workspaceId to its entry and live session.
func (h *codexHandlers) session(p Params) (types.WorkspaceEntry, state.Session, error) {
	entry, err := workspaceParam(h.deps.Registry, p)
	if err != nil {
		return types.WorkspaceEntry{}, nil, err
	}
	sess, err := h.deps.Registry.Session(entry.ID)
	if err != nil {
		return types.WorkspaceEntry{}, nil, err
	}
	return entry, sess, nil
}

func (h *codexHandlers) simpleCall(method string, params any) Handler {
	return func(ctx context.Context, p Params) (any, error) {
		_, sess, err := h.session(p)
		if err != nil {
			return nil, err
		}
		return sess.Request(ctx, method, params)
	}
}

func (h *codexHandlers) threadCall(method string) Handler {
	return func(ctx context.Context, p Params) (any, error) {
		_, sess, err := h.session(p)
		if err != nil {
			return nil, err
		}
		threadID, err := p.String("threadId")
		if err != nil {
			return nil, err
		}
		return sess.Request(ctx, method, map[string]any{"threadId": threadID})
	}
}

// pagedCall forwards cursor and limit, plus any extra optional string keys.
func (h *codexHandlers) pagedCall(method string, extra ...string) Handler {
	return func(ctx context.Context, p Params) (any, error) {
		_, sess, err := h.session(p)
		if err != nil {
			return nil, err
		}
		params := map[string]any{}
		if cursor, ok := p.OptString("cursor"); ok {
			params["cursor"] = cursor
		}
		if limit, ok := p.OptUint32("limit"); ok {
			params["limit"] = limit
		}
		for _, key := range extra {
			if v, ok := p.OptString(key); ok {
				params[key] = v
			}
		}
		return sess.Request(ctx, method, params)
	}
}

func (h *codexHandlers) startThread(ctx context.Context, p Params) (any, error) {
	entry, sess, err := h.session(p)
	if err != nil {
		return nil, err
	}
	return sess.Request(ctx, agentThreadStart, map[string]any{
		"cwd":            entry.Path,
		"approvalPolicy": "on-request",
	})
}

func (h *codexHandlers) setThreadName(ctx context.Context, p Params) (any, error) {
	_, sess, err := h.session(p)
	if err != nil {
		return nil, err
	}
	threadID, err := p.String("threadId")
	if err != nil {
		return nil, err
	}
	name, err := p.String("name")
	if err != nil {
		return nil, err
	}
	return sess.Request(ctx, agentThreadNameSet, map[string]any{"threadId": threadID, "name": name})
}

func (h *codexHandlers) sendUserMessage(ctx context.Context, p Params) (any, error) {
	entry, sess, err := h.session(p)
	if err != nil {
		return nil, err
	}
	threadID, err := p.String("threadId")
	if err != nil {
		return nil, err
	}
	text, err := p.String("text")
	if err != nil {
		return nil, err
	}
	images, _ := p.OptStrings("images")
	input := userInput(text, images)
	if len(input) == 0 {
		return nil, errEmptyMessage
	}

	accessMode, ok := p.OptString("accessMode")
	if !ok && h.deps.Settings != nil {
		accessMode = h.deps.Settings.Snapshot().DefaultAccessMode
	}
	approval, sandbox := accessPolicy(accessMode, entry.Path)

	params := map[string]any{
		"threadId":       threadID,
		"input":          input,
		"cwd":            entry.Path,
		"approvalPolicy": approval,
		"sandboxPolicy":  sandbox,
	}
	if model, ok := p.OptString("model"); ok {
		params["model"] = model
	}
	if effort, ok := p.OptString("effort"); ok {
		params["effort"] = effort
	}
	if mode, ok := p.OptValue("collaborationMode"); ok {
		params["collaborationMode"] = mode
	}
	return sess.Request(ctx, agentTurnStart, params)
}

// userInput builds turn input items from message text and image references.
// Data and http(s) URLs are sent as remote images, anything else as a local path.
func userInput(text string, images []string) []map[string]any {
	var input []map[string]any
	if strings.TrimSpace(text) != "" {
		input = append(input, map[string]any{"type": "text", "text": text})
	}
	for _, img := range images {
		img = strings.TrimSpace(img)
		switch {
		case img == "":
		case strings.HasPrefix(img, "data:"), strings.HasPrefix(img, "http://"), strings.HasPrefix(img, "https://"):
			input = append(input, map[string]any{"type": "image", "url": img})
		default:
			input = append(input, map[string]any{"type": "localImage", "path": img})
		}
	}
	return input
}

// accessPolicy maps an access mode to the agent's approval and sandbox policies.
func accessPolicy(mode, cwd string) (string, map[string]any) {
	switch mode {
	case "full-access":
		return "never", map[string]any{"type": "dangerFullAccess"}
	case "read-only":
		return "on-request", map[string]any{"type": "readOnly"}
	default:
		return "on-request", map[string]any{
			"type":          "workspaceWrite",
			"writableRoots": []string{cwd},
			"networkAccess": true,
		}
	}
}

func (h *codexHandlers) turnInterrupt(ctx context.Context, p Params) (any, error) {
	_, sess, err := h.session(p)
	if err != nil {
		return nil, err
	}
	threadID, err := p.String("threadId")
	if err != nil {
		return nil, err
	}
	turnID, err := p.String("turnId")
	if err != nil {
		return nil, err
	}
	return sess.Request(ctx, agentTurnInterrupt, map[string]any{"threadId": threadID, "turnId": turnID})
}

// startReview starts a review. A detached review runs on its own thread,
// which clients are told to hide from their thread lists.
func (h *codexHandlers) startReview(ctx context.Context, p Params) (any, error) {
	entry, sess, err := h.session(p)
	if err != nil {
		return nil, err
	}
	threadID, err := p.String("threadId")
	if err != nil {
		return nil, err
	}
	target, err := p.Value("target")
	if err != nil {
		return nil, err
	}
	params := map[string]any{"threadId": threadID, "target": target}
	delivery, hasDelivery := p.OptString("delivery")
	if hasDelivery {
		params["delivery"] = delivery
	}
	res, err := sess.Request(ctx, agentReviewStart, params)
	if err != nil {
		return nil, err
	}
	if delivery == "detached" && h.deps.Events != nil {
		if reviewThread := gjson.GetBytes(res, "reviewThreadId").String(); reviewThread != "" && reviewThread != threadID {
			h.deps.Events.EmitAppServerEvent(hideThreadEvent(entry.ID, reviewThread))
		}
	}
	return res, nil
}

func hideThreadEvent(workspaceID, threadID string) types.AppServerEvent {
	msg, _ := json.Marshal(map[string]any{
		"method": backgroundThreadNote,
		"params": map[string]string{"threadId": threadID, "action": "hide"},
	})
	return types.AppServerEvent{WorkspaceID: workspaceID, Message: msg}
}

func (h *codexHandlers) skillsList(ctx context.Context, p Params) (any, error) {
	entry, sess, err := h.session(p)
	if err != nil {
		return nil, err
	}
	return sess.Request(ctx, agentSkillsList, map[string]any{"cwd": entry.Path})
}

// respond answers a request the agent sent to clients, such as an approval.
func (h *codexHandlers) respond(ctx context.Context, p Params) (any, error) {
	_, sess, err := h.session(p)
	if err != nil {
		return nil, err
	}
	reqID, ok := p.OptValue("requestId")
	if !ok {
		return nil, errors.New("missing requestId")
	}
	if kind := gjson.ParseBytes(reqID).Type; kind != gjson.Number && kind != gjson.String {
		return nil, errors.New("missing requestId")
	}
	result, err := p.Value("result")
	if err != nil {
		return nil, err
	}
	if err := sess.Respond(ctx, reqID, result); err != nil {
		return nil, err
	}
	return okResult, nil
}

// login starts a browser account login and returns the agent's reply, which
// carries the auth URL.
func (h *codexHandlers) login(ctx context.Context, p Params) (any, error) {
	entry, sess, err := h.session(p)
	if err != nil {
		return nil, err
	}
	res, err := sess.Request(ctx, agentLoginStart, map[string]any{"type": "chatgpt"})
	if err != nil {
		return nil, err
	}
	if id := gjson.GetBytes(res, "loginId").String(); id != "" {
		h.logins.set(entry.ID, id)
	}
	return res, nil
}

func (h *codexHandlers) loginCancel(ctx context.Context, p Params) (any, error) {
	entry, sess, err := h.session(p)
	if err != nil {
		return nil, err
	}
	id, ok := h.logins.take(entry.ID)
	if !ok {
		return map[string]bool{"canceled": false}, nil
	}
	if _, err := sess.Request(ctx, agentLoginCancel, map[string]any{"loginId": id}); err != nil {
		return nil, err
	}
	return map[string]bool{"canceled": true}, nil
}
