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

package llm

import (
	"regexp"
	"strings"

	grindererrors "github.com/tombee/grinder/pkg/errors"
)

var codeFence = regexp.MustCompile("(?s)```([a-zA-Z0-9+]*)[ \t]*\n(.*?)```")

// minCodeLen rejects replies where the model produced a fragment or an
// apology instead of a program.
const minCodeLen = 10

// ExtractCode pulls source code out of an LLM reply. Fenced blocks tagged
// with the requested language win; among candidates the longest block is
// taken, because models tend to emit truncated or illustrative fragments
// before the real program. A reply with no fences at all passes through
// trimmed.
func ExtractCode(reply, language string) (string, error) {
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return "", &grindererrors.ValidationError{
			Field:   "reply",
			Message: "LLM reply is empty",
		}
	}

	matches := codeFence.FindAllStringSubmatch(reply, -1)

	var tagged, all []string
	for _, m := range matches {
		block := strings.TrimSpace(m[2])
		if block == "" {
			continue
		}
		all = append(all, block)
		if langMatches(m[1], language) {
			tagged = append(tagged, block)
		}
	}

	candidates := tagged
	if len(candidates) == 0 {
		candidates = all
	}

	code := reply
	if len(candidates) > 0 {
		code = longest(candidates)
	}

	if len(code) < minCodeLen {
		return "", &grindererrors.ValidationError{
			Field:   "reply",
			Message: "extracted code is too short to be a program",
		}
	}
	if err := validateLanguage(code, language); err != nil {
		return "", err
	}
	return code, nil
}

// ExtractOutput pulls the expected-output text out of an answer reply.
// The first fenced block wins regardless of tag; a reply with no fences
// passes through trimmed. Unlike code, an output may be a single token,
// so no length floor applies.
func ExtractOutput(reply string) string {
	reply = strings.TrimSpace(reply)
	if m := codeFence.FindStringSubmatch(reply); m != nil {
		return strings.TrimRight(m[2], " \t\n")
	}
	return strings.TrimRight(reply, " \t\n")
}

// langMatches accepts the fence tags each language is seen under.
func langMatches(tag, language string) bool {
	tag = strings.ToLower(tag)
	switch language {
	case "python":
		return tag == "python" || tag == "py" || tag == "python3"
	case "cpp":
		return tag == "cpp" || tag == "c++" || tag == "cxx"
	}
	return tag == strings.ToLower(language)
}

func longest(blocks []string) string {
	best := blocks[0]
	for _, b := range blocks[1:] {
		if len(b) > len(best) {
			best = b
		}
	}
	return best
}

// validateLanguage applies cheap structural checks that catch a model
// answering in prose or the wrong language before anything is compiled.
func validateLanguage(code, language string) error {
	if language == "cpp" {
		if !strings.Contains(code, "#include") || !strings.Contains(code, "main") {
			return &grindererrors.ValidationError{
				Field:   "reply",
				Message: "extracted code does not look like a C++ program",
			}
		}
	}
	return nil
}
