package ollama

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/lemonade-sdk/lemonade-server/pkg/logging"
)

// streamingChatWriter converts an OpenAI chat SSE stream into Ollama NDJSON
// chat chunks on the fly.
type streamingChatWriter struct {
	w           http.ResponseWriter
	modelName   string
	log         logging.Logger
	buffer      strings.Builder
	headersSent bool
	sentDone    bool
}

func (s *streamingChatWriter) Header() http.Header {
	return s.w.Header()
}

func (s *streamingChatWriter) WriteHeader(statusCode int) {
	s.headersSent = true
	if statusCode != http.StatusOK {
		s.w.WriteHeader(statusCode)
		return
	}
	s.w.Header().Del("Content-Type")
	s.w.Header().Set("Content-Type", "application/json")
	s.w.WriteHeader(statusCode)
}

func (s *streamingChatWriter) Write(data []byte) (int, error) {
	if !s.headersSent {
		s.WriteHeader(http.StatusOK)
	}
	for _, line := range s.consumeLines(data) {
		if line == "[DONE]" {
			s.emit(ChatResponse{Model: s.modelName, CreatedAt: time.Now(), Done: true})
			s.sentDone = true
			continue
		}
		var chunk openAIChatStreamChunk
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			s.log.Warnf("Failed to parse chat stream chunk: %v", err)
			continue
		}
		var content string
		if len(chunk.Choices) > 0 {
			content = chunk.Choices[0].Delta.Content
		}
		s.emit(ChatResponse{
			Model:     s.modelName,
			CreatedAt: time.Now(),
			Message:   Message{Role: "assistant", Content: content},
		})
	}
	if flusher, ok := s.w.(http.Flusher); ok {
		flusher.Flush()
	}
	return len(data), nil
}

func (s *streamingChatWriter) emit(response ChatResponse) {
	if payload, err := json.Marshal(response); err == nil {
		s.w.Write(payload)
		s.w.Write([]byte("\n"))
	}
}

// finish emits the final done envelope if the upstream never produced one
// (e.g. on mid-stream failure).
func (s *streamingChatWriter) finish() {
	if s.headersSent && !s.sentDone {
		s.emit(ChatResponse{Model: s.modelName, CreatedAt: time.Now(), Done: true})
	}
}

// consumeLines accumulates partial SSE data and returns the payloads of the
// complete "data: " lines seen so far.
func (s *streamingChatWriter) consumeLines(data []byte) []string {
	return consumeSSELines(&s.buffer, data)
}

// streamingGenerateWriter converts an OpenAI completion SSE stream into
// Ollama NDJSON generate chunks on the fly.
type streamingGenerateWriter struct {
	w           http.ResponseWriter
	modelName   string
	log         logging.Logger
	buffer      strings.Builder
	headersSent bool
	sentDone    bool
}

func (s *streamingGenerateWriter) Header() http.Header {
	return s.w.Header()
}

func (s *streamingGenerateWriter) WriteHeader(statusCode int) {
	s.headersSent = true
	if statusCode != http.StatusOK {
		s.w.WriteHeader(statusCode)
		return
	}
	s.w.Header().Del("Content-Type")
	s.w.Header().Set("Content-Type", "application/json")
	s.w.WriteHeader(statusCode)
}

func (s *streamingGenerateWriter) Write(data []byte) (int, error) {
	if !s.headersSent {
		s.WriteHeader(http.StatusOK)
	}
	for _, line := range consumeSSELines(&s.buffer, data) {
		if line == "[DONE]" {
			s.emit(GenerateResponse{Model: s.modelName, CreatedAt: time.Now(), Done: true})
			s.sentDone = true
			continue
		}
		var chunk openAICompletionStreamChunk
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			s.log.Warnf("Failed to parse completion stream chunk: %v", err)
			continue
		}
		var text string
		if len(chunk.Choices) > 0 {
			text = chunk.Choices[0].Text
		}
		s.emit(GenerateResponse{Model: s.modelName, CreatedAt: time.Now(), Response: text})
	}
	if flusher, ok := s.w.(http.Flusher); ok {
		flusher.Flush()
	}
	return len(data), nil
}

func (s *streamingGenerateWriter) emit(response GenerateResponse) {
	if payload, err := json.Marshal(response); err == nil {
		s.w.Write(payload)
		s.w.Write([]byte("\n"))
	}
}

func (s *streamingGenerateWriter) finish() {
	if s.headersSent && !s.sentDone {
		s.emit(GenerateResponse{Model: s.modelName, CreatedAt: time.Now(), Done: true})
	}
}

// consumeSSELines buffers partial SSE data and returns the payloads of each
// complete "data: " line.
func consumeSSELines(buffer *strings.Builder, data []byte) []string {
	buffer.Write(data)
	content := buffer.String()
	lines := strings.Split(content, "\n")
	buffer.Reset()
	if !strings.HasSuffix(content, "\n") {
		buffer.WriteString(lines[len(lines)-1])
		lines = lines[:len(lines)-1]
	}

	var payloads []string
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "data: ") {
			payloads = append(payloads, strings.TrimPrefix(line, "data: "))
		}
	}
	return payloads
}
