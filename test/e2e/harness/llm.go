// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package harness

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
)

// Request kinds the scripted backend distinguishes, keyed off the
// prompt each pipeline endpoint builds.
const (
	ReqGenerator = "generator"
	ReqAnswer    = "answer"
	ReqSolution  = "solution"
	ReqSummary   = "summary"
	ReqOther     = "other"
)

// LLMServer is an OpenAI-compatible chat-completions endpoint with
// canned replies. The generator reply is a script the pipeline runs
// under the configured interpreter; answer replies sum the two
// integers of the input, matching the generated A+B data.
type LLMServer struct {
	srv *httptest.Server

	mu       sync.Mutex
	genCases int
	counts   map[string]int
	blockGen chan struct{}
	solution string
}

func newLLMServer(genCases int) *LLMServer {
	s := &LLMServer{
		genCases: genCases,
		counts:   make(map[string]int),
		solution: "#include <iostream>\nint main() {\n    long long a, b;\n    std::cin >> a >> b;\n    std::cout << a + b << \"\\n\";\n    return 0;\n}",
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// URL is the base the provider's base_url points at.
func (s *LLMServer) URL() string { return s.srv.URL }

// Close shuts the backend down.
func (s *LLMServer) Close() { s.srv.Close() }

// Requests returns how many calls of the given kind arrived.
func (s *LLMServer) Requests(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[kind]
}

// Total returns the overall call count.
func (s *LLMServer) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.counts {
		n += c
	}
	return n
}

// BlockGeneration makes generator requests hang until the caller goes
// away. Used to hold a problem in the generate stage.
func (s *LLMServer) BlockGeneration() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blockGen = make(chan struct{})
}

// SetSolution overrides the canned solution reply.
func (s *LLMServer) SetSolution(source string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.solution = source
}

func (s *LLMServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, "/chat/completions") {
		http.NotFound(w, r)
		return
	}

	var req struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string          `json:"role"`
			Content json.RawMessage `json:"content"`
		} `json:"messages"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	prompt := ""
	for _, m := range req.Messages {
		if m.Role != "user" {
			continue
		}
		var text string
		if err := json.Unmarshal(m.Content, &text); err == nil {
			prompt = text
		}
	}

	kind := classify(prompt)
	s.mu.Lock()
	s.counts[kind]++
	block := s.blockGen
	solution := s.solution
	genCases := s.genCases
	s.mu.Unlock()

	if kind == ReqGenerator && block != nil {
		select {
		case <-r.Context().Done():
		case <-block:
		}
		return
	}

	var content string
	switch kind {
	case ReqGenerator:
		content = generatorReply(genCases)
	case ReqAnswer:
		content = answerReply(prompt)
	case ReqSolution:
		content = "```cpp\n" + solution + "\n```"
	case ReqSummary:
		content = "Sum two integers read from standard input."
	default:
		content = "ok"
	}

	resp := map[string]any{
		"id":    "cmpl-e2e",
		"model": req.Model,
		"choices": []map[string]any{
			{
				"message":       map[string]any{"content": content},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]int{
			"prompt_tokens":     len(prompt) / 4,
			"completion_tokens": len(content) / 4,
			"total_tokens":      (len(prompt) + len(content)) / 4,
		},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func classify(prompt string) string {
	switch {
	case strings.Contains(prompt, "script that generates"):
		return ReqGenerator
	case strings.Contains(prompt, "produce the exact expected output"):
		return ReqAnswer
	case strings.Contains(prompt, "solution for this problem"):
		return ReqSolution
	case strings.Contains(prompt, "Condense the following reference"):
		return ReqSummary
	default:
		return ReqOther
	}
}

// generatorReply is a POSIX shell script in a python fence; the harness
// configures /bin/sh as the interpreter, so the pipeline runs it as-is.
// It writes "<i> <i+1>" pairs as 1.in .. n.in in the working directory.
func generatorReply(n int) string {
	script := fmt.Sprintf(`i=1
while [ "$i" -le %d ]; do
  printf '%%s %%s\n' "$i" "$((i + 1))" > "$i.in"
  i=$((i + 1))
done
`, n)
	return "```python\n" + script + "```"
}

// answerReply sums the two integers of the prompt's embedded input.
func answerReply(prompt string) string {
	input := extractInput(prompt)
	total := 0
	for _, f := range strings.Fields(input) {
		if v, err := strconv.Atoi(f); err == nil {
			total += v
		}
	}
	return fmt.Sprintf("```\n%d\n```", total)
}

// extractInput pulls the fenced input block out of an answer prompt.
func extractInput(prompt string) string {
	const marker = "Input:\n```\n"
	i := strings.Index(prompt, marker)
	if i < 0 {
		return ""
	}
	rest := prompt[i+len(marker):]
	if j := strings.Index(rest, "\n```"); j >= 0 {
		return rest[:j]
	}
	return rest
}
