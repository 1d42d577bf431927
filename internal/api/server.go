// Package api serves text completions over HTTP with an OpenAI-style shape.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/lantern/internal/inference"
	"github.com/samcharles93/lantern/internal/logger"
)

// Engine is the generation backend the server fronts.
type Engine interface {
	Generate(ctx context.Context, req *inference.Request, stream inference.StreamFunc) (*inference.Result, error)
}

// Server handles completion requests against a single loaded model. A mutex
// serializes generation: the forward pass saturates the CPU, so queuing
// requests beats interleaving them.
type Server struct {
	engine    Engine
	modelName string
	log       logger.Logger
	clock     func() time.Time

	// request defaults, applied when the request omits the field
	maxTokens   int
	temperature float64

	mu sync.Mutex
}

func NewServer(engine Engine, modelName string, log logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	return &Server{
		engine:      engine,
		modelName:   modelName,
		log:         log,
		clock:       time.Now,
		maxTokens:   100,
		temperature: 0,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/completions", s.handleCompletions)
	e.GET("/healthz", s.handleHealth)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status": "ok",
		"model":  s.modelName,
	})
}

func (s *Server) handleCompletions(c *echo.Context) error {
	req, err := decodeJSON[CompletionRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if req.Prompt == "" {
		return writeBadRequest(c, "prompt is required")
	}

	inferReq := s.toInferenceRequest(&req)
	completionID := "cmpl-" + uuid.NewString()
	created := s.clock().Unix()
	model := req.Model
	if model == "" {
		model = s.modelName
	}

	if req.Stream != nil && *req.Stream {
		return s.handleCompletionsStream(c, inferReq, completionID, created, model)
	}

	s.mu.Lock()
	result, err := s.engine.Generate(c.Request().Context(), inferReq, nil)
	s.mu.Unlock()
	if err != nil {
		s.log.Error("generate failed", "error", err)
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error())
	}

	finishReason := "stop"
	if result.Stats.ResponseTokens >= inferReq.MaxTokens {
		finishReason = "length"
	}
	return c.JSON(http.StatusOK, CompletionResponse{
		ID:      completionID,
		Object:  "text_completion",
		Created: created,
		Model:   model,
		Choices: []CompletionChoice{
			{Index: 0, Text: result.Text, FinishReason: &finishReason},
		},
		Usage: Usage{
			PromptTokens:     result.Stats.PromptTokens,
			CompletionTokens: result.Stats.ResponseTokens,
			TotalTokens:      result.Stats.PromptTokens + result.Stats.ResponseTokens,
		},
	})
}

func (s *Server) handleCompletionsStream(c *echo.Context, inferReq *inference.Request, completionID string, created int64, model string) error {
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")

	flusher, ok := res.(interface{ Flush() })
	if !ok {
		return writeBadRequest(c, "streaming unsupported")
	}

	s.mu.Lock()
	result, err := s.engine.Generate(c.Request().Context(), inferReq, func(text string) {
		chunk := CompletionChunk{
			ID:      completionID,
			Object:  "text_completion.chunk",
			Created: created,
			Model:   model,
			Choices: []CompletionChoice{{Index: 0, Text: text}},
		}
		_ = sendSSEChunk(res, chunk)
		flusher.Flush()
	})
	s.mu.Unlock()

	if err != nil {
		_ = sendSSEChunk(res, map[string]any{"error": err.Error()})
		flusher.Flush()
		return nil
	}

	finishReason := "stop"
	if result.Stats.ResponseTokens >= inferReq.MaxTokens {
		finishReason = "length"
	}
	final := CompletionChunk{
		ID:      completionID,
		Object:  "text_completion.chunk",
		Created: created,
		Model:   model,
		Choices: []CompletionChoice{{Index: 0, FinishReason: &finishReason}},
	}
	_ = sendSSEChunk(res, final)
	_, _ = fmt.Fprint(res, "data: [DONE]\n\n")
	flusher.Flush()
	return nil
}

func (s *Server) toInferenceRequest(req *CompletionRequest) *inference.Request {
	out := &inference.Request{
		Prompt:      req.Prompt,
		MaxTokens:   s.maxTokens,
		Temperature: float32(s.temperature),
	}
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		out.MaxTokens = *req.MaxTokens
	}
	if req.Temperature != nil {
		out.Temperature = float32(*req.Temperature)
	}
	if req.TopK != nil {
		out.TopK = *req.TopK
	}
	if req.Seed != nil {
		out.Seed = *req.Seed
	}
	return out
}

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg)
}

func writeError(c *echo.Context, status int, errType, msg string) error {
	return c.JSON(status, map[string]any{
		"error": ResponseError{Message: msg, Type: errType},
	})
}

func sendSSEChunk(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", b)
	return err
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}
