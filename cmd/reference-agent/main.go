// Command reference-agent is a minimal implementation of the agent
// subprocess protocol (pkg/proto/subprocess.go): newline-delimited JSON
// control frames in on stdin, newline-delimited JSON agent frames out on
// stdout. It is the binary noxctl add-agent spawns when no --command is
// given, and the concrete agent local smoke-testing runs against; every
// other agent the control plane supervises is an opaque external
// subprocess built elsewhere.
//
// When ANTHROPIC_API_KEY is set it answers messages with a real Claude
// completion via github.com/anthropics/anthropic-sdk-go. Without a key it
// falls back to a canned echo response so the control plane can be
// exercised end to end without network access or a configured credential.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"nox/pkg/logx"
	"nox/pkg/proto"
)

const (
	defaultModel       = "claude-3-5-haiku-20241022"
	heartbeatInterval  = 20 * time.Second
	anthropicMaxTokens = 1024
)

func main() {
	var agentID string
	flag.StringVar(&agentID, "agent-id", os.Getenv("NOX_AGENT_ID"), "agent id this process is running as")
	flag.Parse()
	if agentID == "" {
		agentID = "reference-agent"
	}

	log := logx.NewLogger(agentID)
	out := bufio.NewWriter(os.Stdout)
	responder := newResponder(log)

	writeFrame(out, log, proto.AgentFrame{Kind: proto.AgentFrameReady, Capabilities: []string{"chat"}})

	done := make(chan struct{})
	go runHeartbeat(out, done)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var frame proto.ControlFrame
		if err := json.Unmarshal(scanner.Bytes(), &frame); err != nil {
			log.Warn("discarding malformed control frame: %v", err)
			continue
		}
		if !handleFrame(context.Background(), out, log, responder, frame) {
			break
		}
	}
	close(done)
	if err := scanner.Err(); err != nil && err != io.EOF {
		log.Error("reading stdin: %v", err)
	}
}

// handleFrame applies one control frame and returns false when the caller
// should stop reading (a shutdown frame was received).
func handleFrame(ctx context.Context, out *bufio.Writer, log *logx.Logger, r *responder, frame proto.ControlFrame) bool {
	switch frame.Kind {
	case proto.ControlShutdown:
		log.Info("shutdown requested: %s", frame.Reason)
		return false
	case proto.ControlMessage:
		if frame.Message == nil {
			log.Warn("message frame with no message body")
			return true
		}
		content, err := r.reply(ctx, frame.Message.Content)
		if err != nil {
			log.Error("generating reply: %v", err)
			content = "error: " + err.Error()
		}
		writeFrame(out, log, proto.AgentFrame{
			Kind:    proto.AgentFrameResponse,
			ReplyTo: frame.Message.MessageID,
			Content: content,
		})
	case proto.ControlTask:
		if frame.Task == nil {
			log.Warn("task frame with no task body")
			return true
		}
		log.Info("received task %s: %s", frame.Task.TaskID, frame.Task.Title)
		writeFrame(out, log, proto.AgentFrame{
			Kind:    proto.AgentFrameResponse,
			TaskID:  frame.Task.TaskID,
			Content: fmt.Sprintf("acknowledged task %q", frame.Task.Title),
		})
	default:
		log.Warn("unknown control frame kind %q", frame.Kind)
	}
	return true
}

func runHeartbeat(out *bufio.Writer, done <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			writeFrame(out, nil, proto.AgentFrame{Kind: proto.AgentFrameHeartbeat})
		}
	}
}

func writeFrame(out *bufio.Writer, log *logx.Logger, frame proto.AgentFrame) {
	line, err := proto.MarshalLine(frame)
	if err != nil {
		if log != nil {
			log.Error("marshaling agent frame: %v", err)
		}
		return
	}
	if _, err := out.Write(line); err != nil {
		if log != nil {
			log.Error("writing agent frame: %v", err)
		}
		return
	}
	if err := out.Flush(); err != nil && log != nil {
		log.Error("flushing stdout: %v", err)
	}
}

// responder answers incoming message content, either via the live Claude
// API (apiKey set) or a canned fallback so the protocol can be exercised
// without network access or a configured credential.
type responder struct {
	log    *logx.Logger
	client *anthropic.Client
	model  anthropic.Model
}

func newResponder(log *logx.Logger) *responder {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		log.Info("ANTHROPIC_API_KEY not set, replying with canned responses")
		return &responder{log: log}
	}
	model := os.Getenv("ANTHROPIC_MODEL")
	if model == "" {
		model = defaultModel
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey), option.WithMaxRetries(2))
	return &responder{log: log, client: &client, model: anthropic.Model(model)}
}

func (r *responder) reply(ctx context.Context, content string) (string, error) {
	if r.client == nil {
		return "echo: " + content, nil
	}
	params := anthropic.MessageNewParams{
		Model:     r.model,
		MaxTokens: anthropicMaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(content)),
		},
	}
	resp, err := r.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic completion: %w", err)
	}
	if resp == nil || len(resp.Content) == 0 {
		return "", fmt.Errorf("anthropic returned an empty response")
	}
	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.AsText().Text
		}
	}
	if text == "" {
		return "", fmt.Errorf("anthropic response had no text content")
	}
	return text, nil
}
