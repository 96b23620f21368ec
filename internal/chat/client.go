// Package chat implements the HTTP client (C8) to the external chat server:
// context-window capping, performance options, tool-call normalization,
// text-leak salvage for small models, content cleaning, and the CUDA-OOM
// retry ladder.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/jarvis-core/perception/internal/telemetry"
)

var log = telemetry.Component("chat")

// Message is one chat turn in the request/response wire format.
type Message struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is a normalized tool invocation: a name and a decoded argument map.
type ToolCall struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// Tool describes a callable tool in the chat server's function-calling
// schema, passed through verbatim in the request body.
type Tool struct {
	Type     string                 `json:"type"`
	Function map[string]interface{} `json:"function"`
}

// Reply is the result of a tool-enabled chat call: cleaned content plus any
// normalized tool calls (exactly one of the two is normally non-empty).
type Reply struct {
	Content   string
	ToolCalls []ToolCall
}

// Options configures client performance knobs, mirroring the Jetson-tuned
// defaults of the system this client talks to.
type Options struct {
	BaseURL        string
	Model          string
	NumCtx         int
	NumCtxMax      int
	NumPredict     int
	Temperature    float64
	Think          bool
	RequestTimeout time.Duration
}

// DefaultOptions returns the spec's conservative small-context defaults.
func DefaultOptions() Options {
	return Options{
		BaseURL:        "http://127.0.0.1:11434",
		Model:          "qwen3:1.7b",
		NumCtx:         2048,
		NumCtxMax:      2048,
		NumPredict:     256,
		Temperature:    0.6,
		Think:          false,
		RequestTimeout: 30 * time.Second,
	}
}

// oomRetryContexts is the fallback sequence of progressively smaller
// context windows tried after a CUDA out-of-memory response.
var oomRetryContexts = []int{2048, 1024, 512}

// Client talks to the external chat server over HTTP.
type Client struct {
	httpClient *http.Client
	opts       Options
}

// New builds a Client. httpClient may be nil to use a default with the
// configured request timeout.
func New(opts Options, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.RequestTimeout}
	}
	if opts.NumCtxMax <= 0 {
		opts.NumCtxMax = 2048
	}
	return &Client{httpClient: httpClient, opts: opts}
}

func (c *Client) safeNumCtx(n int) int {
	if n < 128 {
		n = 128
	}
	if n > c.opts.NumCtxMax {
		n = c.opts.NumCtxMax
	}
	return n
}

type chatRequest struct {
	Model    string                 `json:"model"`
	Messages []Message              `json:"messages"`
	Stream   bool                   `json:"stream"`
	Think    bool                   `json:"think"`
	Tools    []Tool                 `json:"tools,omitempty"`
	Options  map[string]interface{} `json:"options"`
}

type chatResponseMessage struct {
	Content   string          `json:"content"`
	ToolCalls json.RawMessage `json:"tool_calls"`
}

type chatResponse struct {
	Message chatResponseMessage `json:"message"`
}

// Chat sends a plain chat request (no tools) and returns the cleaned
// response text. On unrecoverable failure it returns an empty string rather
// than an error, matching the voice assistant's fail-soft contract.
func (c *Client) Chat(ctx context.Context, messages []Message) string {
	reply := c.send(ctx, messages, nil)
	return reply.Content
}

// ChatWithTools sends a tool-enabled chat request. If the model leaks tool
// calls as plain text, they are salvaged via extractTextToolCalls. Final
// content is passed through cleanContent only when no tool call resulted.
func (c *Client) ChatWithTools(ctx context.Context, messages []Message, tools []Tool) Reply {
	return c.send(ctx, messages, tools)
}

func (c *Client) send(ctx context.Context, messages []Message, tools []Tool) Reply {
	numCtx := c.safeNumCtx(c.opts.NumCtx)
	tryContexts := append([]int{numCtx}, smallerContexts(numCtx)...)

	url := strings.TrimRight(c.opts.BaseURL, "/") + "/api/chat"

	for _, ctxSize := range tryContexts {
		body := chatRequest{
			Model:    c.opts.Model,
			Messages: messages,
			Stream:   false,
			Think:    c.opts.Think,
			Tools:    tools,
			Options: map[string]interface{}{
				"num_ctx":     ctxSize,
				"num_predict": c.opts.NumPredict,
				"temperature": c.opts.Temperature,
			},
		}
		data, err := json.Marshal(body)
		if err != nil {
			log.Warn().Err(err).Msg("encoding chat request")
			return Reply{}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
		if err != nil {
			log.Warn().Err(err).Msg("building chat request")
			return Reply{}
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if isOOMText(err.Error()) {
				log.Warn().Int("num_ctx", ctxSize).Msg("chat request OOM-like failure, recovering and retrying")
				c.recoverFromOOM(ctx)
				continue
			}
			log.Warn().Err(err).Msg("chat request failed")
			return Reply{}
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode == http.StatusOK {
			var parsed chatResponse
			if readErr != nil || json.Unmarshal(respBody, &parsed) != nil {
				log.Warn().Msg("decoding chat response failed")
				return Reply{}
			}
			return buildReply(parsed)
		}

		if resp.StatusCode == http.StatusInternalServerError && isOOMText(strings.ToLower(string(respBody))) {
			log.Warn().Int("num_ctx", ctxSize).Msg("chat server reported GPU OOM, recovering and retrying")
			c.recoverFromOOM(ctx)
			continue
		}

		log.Warn().Int("status", resp.StatusCode).Msg("chat request returned non-OK status")
		return Reply{}
	}

	log.Warn().Msg("chat request exhausted all context sizes after repeated OOM")
	return Reply{}
}

func smallerContexts(numCtx int) []int {
	var out []int
	for _, c := range oomRetryContexts {
		if c < numCtx {
			out = append(out, c)
		}
	}
	return out
}

func buildReply(parsed chatResponse) Reply {
	content := strings.TrimSpace(parsed.Message.Content)
	toolCalls := parseToolCalls(parsed.Message.ToolCalls)

	if len(toolCalls) == 0 && content != "" {
		cleaned, extracted := extractTextToolCalls(content)
		if len(extracted) > 0 {
			toolCalls = extracted
			content = cleaned
		}
	}

	if len(toolCalls) == 0 {
		content = cleanContent(content)
	}

	return Reply{Content: content, ToolCalls: toolCalls}
}

// parseToolCalls normalizes the server's raw tool_calls payload: each
// entry's arguments may arrive as a JSON-encoded string or as an already
// decoded object; both collapse to map[string]interface{}.
func parseToolCalls(raw json.RawMessage) []ToolCall {
	if len(raw) == 0 {
		return nil
	}

	var entries []struct {
		Function struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil
	}

	out := make([]ToolCall, 0, len(entries))
	for _, e := range entries {
		out = append(out, ToolCall{
			Name:      e.Function.Name,
			Arguments: decodeArguments(e.Function.Arguments),
		})
	}
	return out
}

func decodeArguments(raw json.RawMessage) map[string]interface{} {
	if len(raw) == 0 {
		return map[string]interface{}{}
	}

	var asMap map[string]interface{}
	if err := json.Unmarshal(raw, &asMap); err == nil {
		return asMap
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil && asString != "" {
		var nested map[string]interface{}
		if json.Unmarshal([]byte(asString), &nested) == nil {
			return nested
		}
	}
	return map[string]interface{}{}
}

var (
	jsonNamePattern   = regexp.MustCompile(`\{[^{}]*"name"\s*:\s*"(\w+)"[^{}]*\}`)
	actionBlockPattern = regexp.MustCompile(`(?s)Action:\s*(\{.+?\})`)
)

// extractTextToolCalls salvages tool calls leaked into plain text content
// by small models, recognizing a bare {"name": ...} object or an
// "Action: {...}" line. Returns the content with matched blocks stripped.
func extractTextToolCalls(content string) (string, []ToolCall) {
	var calls []ToolCall

	for _, m := range jsonNamePattern.FindAllString(content, -1) {
		var obj map[string]interface{}
		if json.Unmarshal([]byte(m), &obj) != nil {
			continue
		}
		name, _ := obj["name"].(string)
		if name == "" {
			continue
		}
		calls = append(calls, ToolCall{Name: name, Arguments: firstMapOf(obj, "parameters", "arguments", "args")})
	}

	for _, m := range actionBlockPattern.FindAllStringSubmatch(content, -1) {
		var obj map[string]interface{}
		if json.Unmarshal([]byte(m[1]), &obj) != nil {
			continue
		}
		name, _ := obj["tool"].(string)
		if name == "" {
			name, _ = obj["name"].(string)
		}
		if name == "" {
			continue
		}
		calls = append(calls, ToolCall{Name: name, Arguments: firstMapOf(obj, "args", "arguments", "parameters")})
	}

	if len(calls) == 0 {
		return content, nil
	}

	cleaned := jsonNamePattern.ReplaceAllString(content, "")
	cleaned = actionBlockPattern.ReplaceAllString(cleaned, "")
	cleaned = strings.Trim(strings.TrimSpace(cleaned), "{}")
	cleaned = strings.TrimSpace(cleaned)
	return cleaned, calls
}

func firstMapOf(obj map[string]interface{}, keys ...string) map[string]interface{} {
	for _, k := range keys {
		if m, ok := obj[k].(map[string]interface{}); ok {
			return m
		}
	}
	return map[string]interface{}{}
}

var (
	thinkBlockPattern    = regexp.MustCompile(`(?s)<think>.*?</think>`)
	codeFencePattern     = regexp.MustCompile("(?s)```.*?```")
	metaJSONPattern      = regexp.MustCompile(`(?s)\{[^{}]*"(?:output|context|objects|reminders|name|type)"[^{}]*\}`)
	metaCommentPattern   = regexp.MustCompile(`(?i)\s*\((?:Exact time|no tool|tool call|Note:)[^)]*\)`)
	structuralLinePattern = regexp.MustCompile(`^\s*["'{}\[\]]`)
)

// cleanContent strips reasoning blocks, code fences, leaked JSON fragments,
// and meta-commentary so the remainder is natural language suitable for
// text-to-speech playback. Content shorter than 3 characters collapses to
// empty: it is residue, not an answer.
func cleanContent(content string) string {
	if content == "" {
		return content
	}

	content = thinkBlockPattern.ReplaceAllString(content, "")
	content = codeFencePattern.ReplaceAllString(content, "")
	content = metaJSONPattern.ReplaceAllString(content, "")
	content = metaCommentPattern.ReplaceAllString(content, "")

	lines := strings.Split(content, "\n")
	kept := lines[:0]
	for _, ln := range lines {
		if !structuralLinePattern.MatchString(strings.TrimSpace(ln)) {
			kept = append(kept, ln)
		}
	}
	content = strings.TrimSpace(strings.Join(kept, "\n"))

	if len(content) < 3 {
		return ""
	}
	return content
}

// isOOMText reports whether a response body or error message describes a
// GPU/CUDA allocation failure.
func isOOMText(text string) bool {
	text = strings.ToLower(text)
	markers := []string{"allocate", "buffer", "failed to load model", "out of memory", "nvmapmemalloc"}
	for _, m := range markers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}

// UnloadModel asks the chat server to evict the model from the GPU by
// setting keep_alive=0, freeing unified memory back to the system.
func (c *Client) UnloadModel(ctx context.Context) bool {
	url := strings.TrimRight(c.opts.BaseURL, "/") + "/api/chat"
	payload := map[string]interface{}{"model": c.opts.Model, "messages": []Message{}, "keep_alive": 0}
	data, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Warn().Err(err).Msg("unload model request failed")
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		log.Info().Str("model", c.opts.Model).Msg("unloaded model from GPU")
		return true
	}
	log.Warn().Int("status", resp.StatusCode).Msg("unload model returned non-OK status")
	return false
}

// dropCaches best-effort drops kernel page/dentry/inode caches, needing
// passwordless sudo. On unified-memory Jetson-class devices, buff/cache can
// hold memory that the GPU allocator cannot reclaim automatically.
func dropCaches() {
	cmd := exec.Command("sudo", "-n", "sh", "-c", "echo 3 > /proc/sys/vm/drop_caches")
	if err := cmd.Run(); err != nil {
		log.Debug().Err(err).Msg("drop_caches skipped (needs passwordless sudo)")
	}
}

// recoverFromOOM performs the best-effort OOM recovery ladder: unload the
// model, drop kernel caches, then pause briefly before the caller retries
// with a smaller context.
func (c *Client) recoverFromOOM(ctx context.Context) {
	c.UnloadModel(ctx)
	dropCaches()
	time.Sleep(1 * time.Second)
}

// IsReachable reports whether the chat server responds to a basic probe.
func (c *Client) IsReachable(ctx context.Context) bool {
	url := strings.TrimRight(c.opts.BaseURL, "/") + "/api/tags"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// IsModelAvailable reports whether model is reachable and pulled, matching
// either exactly or with a ":latest" suffix normalized away on both sides.
func (c *Client) IsModelAvailable(ctx context.Context, model string) bool {
	url := strings.TrimRight(c.opts.BaseURL, "/") + "/api/tags"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}

	var parsed tagsResponse
	if json.NewDecoder(resp.Body).Decode(&parsed) != nil {
		return false
	}

	want := strings.TrimSuffix(model, ":latest")
	for _, m := range parsed.Models {
		name := strings.TrimSuffix(m.Name, ":latest")
		if name == want || m.Name == model {
			return true
		}
	}
	return false
}
