package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	relay "github.com/nevindra/relay"
)

// sseStream adapts an SSE chat completions body to relay.TokenStream.
// Expected format:
//
//	data: {"id":"...","choices":[...]}
//	data: [DONE]
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	done    bool
}

var _ relay.TokenStream = (*sseStream)(nil)

func newSSEStream(body io.ReadCloser) *sseStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	return &sseStream{body: body, scanner: scanner}
}

// Next returns the next non-empty content delta, io.EOF at end of stream.
func (s *sseStream) Next(ctx context.Context) (string, error) {
	if s.done {
		return "", io.EOF
	}
	for s.scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		line := s.scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			s.done = true
			return "", io.EOF
		}
		var chunk chatResponse
		if json.Unmarshal([]byte(data), &chunk) != nil {
			continue // malformed chunk, skip
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta == nil {
			continue
		}
		if token := chunk.Choices[0].Delta.Content; token != "" {
			return token, nil
		}
	}
	if err := s.scanner.Err(); err != nil {
		return "", err
	}
	s.done = true
	return "", io.EOF
}

// Close releases the response body.
func (s *sseStream) Close() error {
	s.done = true
	return s.body.Close()
}
