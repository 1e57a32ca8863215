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
	"fmt"
	"strings"

	"github.com/tombee/grinder/pkg/problem"
)

// System prompts per endpoint. The user prompt carries the statement; the
// system prompt fixes the role and the output contract.
const (
	generationSystemPrompt = "You are a test data engineer for competitive programming problems. " +
		"You write small, deterministic Python 3 scripts that produce edge-case-rich test data. " +
		"Reply with exactly one Python code block and nothing else."

	solutionSystemPrompt = "You are a competitive programmer. You write correct, efficient solutions " +
		"that read from standard input and write to standard output. " +
		"Reply with exactly one code block and nothing else."

	summarySystemPrompt = "You condense programming editorials into their essentials. Be factual and brief."

	ocrExtractionPrompt = "Transcribe all text in this image exactly as written. " +
		"Use LaTeX for mathematical formulas. Preserve line breaks and table structure. " +
		"Output only the transcription, no commentary."
)

// statementBlock renders the canonical statement as the shared prompt
// preamble. The same block feeds both the generation and solution prompts
// so the model always sees identical problem facts.
func statementBlock(st *problem.Statement) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# %s\n\n", st.Title)
	if st.Body != "" {
		b.WriteString("## Problem\n")
		b.WriteString(strings.TrimSpace(st.Body))
		b.WriteString("\n\n")
	}
	if st.InputFormat != "" {
		b.WriteString("## Input format\n")
		b.WriteString(strings.TrimSpace(st.InputFormat))
		b.WriteString("\n\n")
	}
	if st.OutputFormat != "" {
		b.WriteString("## Output format\n")
		b.WriteString(strings.TrimSpace(st.OutputFormat))
		b.WriteString("\n\n")
	}
	for i, s := range st.Samples {
		fmt.Fprintf(&b, "## Sample %d\nInput:\n```\n%s\n```\nOutput:\n```\n%s\n```\n\n",
			i+1, strings.TrimRight(s.In, "\n"), strings.TrimRight(s.Out, "\n"))
	}
	if st.Limits.TimeMS > 0 || st.Limits.MemoryMB > 0 {
		fmt.Fprintf(&b, "## Limits\nTime: %d ms, Memory: %d MB\n\n", st.Limits.TimeMS, st.Limits.MemoryMB)
	}
	if st.Notes != "" {
		b.WriteString("## Notes\n")
		b.WriteString(strings.TrimSpace(st.Notes))
		b.WriteString("\n\n")
	}
	return b.String()
}

// GenerationPrompt asks for a gen.py producing n test cases. The script
// contract: run once with the working directory set to the output
// directory, it writes 1.in .. n.in, plus matching 1.ans .. n.ans when it
// can also compute correct answers.
func GenerationPrompt(st *problem.Statement, n int) string {
	var b strings.Builder
	b.WriteString(statementBlock(st))
	b.WriteString("---\n\n")
	fmt.Fprintf(&b, `Write a Python 3 script that generates %d test cases for this problem.

Requirements:
- Write input files named "1.in" through "%d.in" into the current working directory.
- If you can also solve the problem correctly, write the matching expected
  outputs as "1.ans" through "%d.ans". If you are not certain your solution
  is correct, write only the .in files.
- Inputs must strictly follow the input format and respect every stated
  constraint. Cover edge cases: minimum and maximum values, boundaries,
  degenerate structures.
- Use a fixed random seed so repeated runs produce identical data.
- Use only the Python standard library. No network access, no reading
  other files.
- The script must finish in well under a minute.

Reply with exactly one Python code block.`, n, n, n)
	return b.String()
}

// SolutionPrompt asks for a complete solution in the given language.
// Reference context, when non-empty, is appended as prior art the model
// may rely on.
func SolutionPrompt(st *problem.Statement, language, reference string) string {
	langName := "C++17"
	if language == "python" {
		langName = "Python 3"
	}

	var b strings.Builder
	b.WriteString(statementBlock(st))
	if reference != "" {
		b.WriteString("## Reference material\n")
		b.WriteString(strings.TrimSpace(reference))
		b.WriteString("\n\n")
	}
	b.WriteString("---\n\n")
	fmt.Fprintf(&b, `Write a complete %s solution for this problem.

Requirements:
- Read from standard input, write to standard output.
- The solution must pass every sample and run within the stated limits.
- No debug output, no interactive prompts.

Reply with exactly one code block.`, langName)
	return b.String()
}

// AnswerPrompt asks for the exact expected output for one generated input.
// Used when no reference solution is available to compute answers locally.
func AnswerPrompt(st *problem.Statement, input string) string {
	var b strings.Builder
	b.WriteString(statementBlock(st))
	b.WriteString("---\n\n")
	fmt.Fprintf(&b, `For the following input, produce the exact expected output.

Input:
`+"```"+`
%s
`+"```"+`

Reply with exactly one code block containing only the output, byte for
byte, no explanation.`, strings.TrimRight(input, "\n"))
	return b.String()
}

// SummaryPrompt condenses an editorial or reference solution before it is
// fed into the solution prompt. Long references blow the context budget
// without this step.
func SummaryPrompt(reference string) string {
	return fmt.Sprintf(`Condense the following reference material for a programming problem
into the core algorithm, its complexity, and implementation pitfalls.
At most 40 lines.

%s`, strings.TrimSpace(reference))
}
