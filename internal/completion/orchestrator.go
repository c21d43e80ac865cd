// Package completion builds persona prompts and streams answers from an
// OpenAI-compatible chat completion service.
package completion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yunhe-labs/tourguide/internal/persona"
	"github.com/yunhe-labs/tourguide/internal/shared"
)

// Apology is the single fragment yielded when the service fails.
const Apology = "抱歉，AI服务暂时不可用。"

var errNoAPIKey = errors.New("completion API key not configured")

// Streamer produces the answer fragments for one question.
type Streamer interface {
	Stream(ctx context.Context, question, kbContext string, id persona.ID) iter.Seq[string]
}

// Config holds completion service settings.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float32
	MaxTokens   int
	Timeout     time.Duration
}

// DefaultConfig returns the settings used against the ZhipuAI v4 endpoint.
func DefaultConfig() Config {
	return Config{
		BaseURL:     "https://open.bigmodel.cn/api/paas/v4",
		Model:       "glm-4-flash",
		Temperature: 0.75,
		MaxTokens:   2048,
		Timeout:     90 * time.Second,
	}
}

// Orchestrator implements Streamer on top of go-openai.
type Orchestrator struct {
	client *openai.Client
	cfg    Config
	tracer trace.Tracer
}

var _ Streamer = (*Orchestrator)(nil)

// New creates an Orchestrator. Without an API key every stream degrades to
// the apology fragment.
func New(cfg Config) *Orchestrator {
	o := &Orchestrator{
		cfg:    cfg,
		tracer: otel.Tracer("github.com/yunhe-labs/tourguide/completion"),
	}
	if cfg.APIKey == "" {
		slog.Warn("Completion API key missing, answers will degrade to apology")
		return o
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	clientCfg.HTTPClient = &http.Client{}
	o.client = openai.NewClientWithConfig(clientCfg)
	return o
}

// Stream returns a single-pass sequence of non-empty answer fragments. The
// sequence always yields at least one fragment: on service failure it yields
// Apology and ends. Ranging over it a second time yields nothing.
func (o *Orchestrator) Stream(ctx context.Context, question, kbContext string, id persona.ID) iter.Seq[string] {
	var consumed atomic.Bool
	return func(yield func(string) bool) {
		if !consumed.CompareAndSwap(false, true) {
			slog.Warn("Completion stream iterated twice, ignoring replay")
			return
		}

		ctx, span := o.tracer.Start(ctx, "completion.stream", trace.WithAttributes(
			attribute.String("persona", string(id)),
			attribute.String("model", o.cfg.Model),
		))
		defer span.End()

		if o.cfg.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, o.cfg.Timeout)
			defer cancel()
		}

		fail := func(err error) {
			err = fmt.Errorf("%w: %w", shared.ErrService, err)
			slog.Error("Completion failed, yielding apology", "persona", id, "error", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, "completion failed")
			yield(Apology)
		}

		p, err := persona.Lookup(id)
		if err != nil {
			fail(err)
			return
		}
		if o.client == nil {
			fail(errNoAPIKey)
			return
		}

		stream, err := o.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
			Model: o.cfg.Model,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleUser, Content: p.Render(kbContext, question)},
			},
			Temperature: o.cfg.Temperature,
			MaxTokens:   o.cfg.MaxTokens,
			Stream:      true,
		})
		if err != nil {
			fail(fmt.Errorf("start stream: %w", err))
			return
		}
		defer func() {
			if closeErr := stream.Close(); closeErr != nil {
				slog.Debug("failed to close completion stream", "error", closeErr)
			}
		}()

		fragments := 0
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				fail(fmt.Errorf("receive fragment %d: %w", fragments, err))
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			frag := resp.Choices[0].Delta.Content
			if frag == "" {
				continue
			}
			fragments++
			if !yield(frag) {
				return
			}
		}

		span.SetAttributes(attribute.Int("fragments", fragments))
		if fragments == 0 {
			fail(errors.New("stream ended without content"))
		}
	}
}

// Collect drains seq, calling onFragment for each fragment, and returns the
// concatenated text.
func Collect(seq iter.Seq[string], onFragment func(string)) string {
	var b strings.Builder
	for frag := range seq {
		b.WriteString(frag)
		if onFragment != nil {
			onFragment(frag)
		}
	}
	return b.String()
}
