package core

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/mohammad-safakhou/stepwise/internal/plan"
	"github.com/mohammad-safakhou/stepwise/internal/tool"
)

// transcriptLimit bounds how many recent completed steps are rendered into
// prompts so context stays bounded as a plan grows.
const transcriptLimit = 5

const summaryClip = 600

// clip truncates on a rune boundary so multi-byte text never turns into
// invalid UTF-8 inside a prompt.
func clip(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func createPlanningPrompt(snap plan.Snapshot) string {
	instruction := snap.NormalizedInstruction
	if instruction == "" {
		instruction = snap.Instruction
	}

	ctxBlock := ""
	if len(snap.Workspaces) > 0 {
		var b strings.Builder
		for _, w := range snap.Workspaces {
			fmt.Fprintf(&b, "- %s\n", w.Description)
		}
		ctxBlock += "\nWORKSPACES:\n" + b.String()
	}
	if len(snap.Checklist) > 0 {
		var b strings.Builder
		for _, item := range snap.Checklist {
			fmt.Fprintf(&b, "- %s\n", item)
		}
		ctxBlock += "\nOPEN QUESTIONS:\n" + b.String()
	}
	if block := renderProgress(snap); block != "" {
		ctxBlock += "\nPROGRESS SO FAR:\n" + block
	}

	return fmt.Sprintf(`You are a planning agent that decides what remains to be done for a task.%s

TASK: %s

PLANNING REQUIREMENTS:
1. Look at what has already been done and what failed.
2. Produce the next outcomes that must be achieved, in execution order.
3. Describe WHAT must happen, not which tool to use; tool selection happens later.
4. If a prior step failed, decide whether to retry differently, work around it, or drop it.
5. If the task is fully satisfied by the progress so far, return an empty list. An empty list is the only way to signal completion, so use it deliberately.
6. Never invent outcomes the task does not need.

OUTPUT FORMAT (JSON):
{
  "requirements": [
    {"description": "what must happen next"}
  ]
}

Return only the JSON object.`, ctxBlock, instruction)
}

func createToolReasoningPrompt(snap plan.Snapshot, reqs []Requirement, descriptors []tool.Descriptor) string {
	var reqBlock strings.Builder
	for i, r := range reqs {
		fmt.Fprintf(&reqBlock, "%d. %s\n", i+1, r.Description)
	}

	var toolBlock strings.Builder
	for _, d := range descriptors {
		fmt.Fprintf(&toolBlock, "- %s: %s\n", d.Name, d.Description)
		if len(d.ExampleParams) > 0 {
			keys := make([]string, 0, len(d.ExampleParams))
			for k := range d.ExampleParams {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(&toolBlock, "    %s: %s\n", k, d.ExampleParams[k])
			}
		}
	}

	progress := renderProgress(snap)
	if progress == "" {
		progress = "no steps executed yet\n"
	}

	return fmt.Sprintf(`You are mapping requirements to concrete tool calls.

REQUIREMENTS:
%s
AVAILABLE TOOLS:
%s
PROGRESS SO FAR:
%s
MAPPING REQUIREMENTS:
1. Produce exactly one selection per requirement, in the same order.
2. tool_name must be one of the available tool names, copied exactly.
3. parameters is a flat object of string values the tool needs.
4. reasoning is a short audit note explaining the choice.

OUTPUT FORMAT (JSON):
{
  "selections": [
    {"tool_name": "TOOL_NAME", "reasoning": "why this tool", "parameters": {"key": "value"}}
  ]
}

Return only the JSON object.`, reqBlock.String(), toolBlock.String(), progress)
}

func createFinalizePrompt(snap plan.Snapshot) string {
	var ctxBlock strings.Builder

	fmt.Fprintf(&ctxBlock, "TASK: %s\n", snap.Instruction)
	if snap.NormalizedInstruction != "" && snap.NormalizedInstruction != snap.Instruction {
		fmt.Fprintf(&ctxBlock, "NORMALIZED TASK: %s\n", snap.NormalizedInstruction)
	}
	for _, w := range snap.Workspaces {
		fmt.Fprintf(&ctxBlock, "WORKSPACE: %s\n", w.Description)
	}
	for _, item := range snap.Checklist {
		fmt.Fprintf(&ctxBlock, "CHECKLIST: %s\n", item)
	}

	var done, failed strings.Builder
	for _, s := range snap.Steps {
		switch s.Status {
		case plan.StepDone:
			fmt.Fprintf(&done, "- [%s] %s\n", s.ToolName, clip(s.Instruction, summaryClip))
			if s.Result != nil {
				out := s.Result.Content
				if out == "" {
					out = s.Result.Summary
				}
				fmt.Fprintf(&done, "  output: %s\n", clip(out, summaryClip))
			}
		case plan.StepFailed:
			fmt.Fprintf(&failed, "- [%s] %s\n", s.ToolName, clip(s.Instruction, summaryClip))
			if s.Result != nil {
				fmt.Fprintf(&failed, "  error: %s\n", clip(s.Result.ErrorMessage, summaryClip))
			}
		}
	}
	if done.Len() == 0 {
		done.WriteString("none\n")
	}
	if failed.Len() == 0 {
		failed.WriteString("none\n")
	}

	return fmt.Sprintf(`You are writing the final answer for a completed task.

%s
COMPLETED STEPS:
%s
FAILED STEPS:
%s
ANSWER REQUIREMENTS:
1. Answer the task directly using the step outputs above.
2. If some steps failed, explain plainly what could not be done and why, and answer with what is available.
3. Never return an empty answer; if nothing was achieved, say so legibly.
4. Return only the answer text, no preamble.`, ctxBlock.String(), done.String(), failed.String())
}

// renderProgress builds a compact completed/total view with the last few
// completed-step summaries, shared by the planning and reasoning prompts.
func renderProgress(snap plan.Snapshot) string {
	if len(snap.Steps) == 0 {
		return ""
	}
	var completed, failedCount int
	var recent []string
	for _, s := range snap.Steps {
		switch s.Status {
		case plan.StepDone:
			completed++
			if s.Result != nil {
				recent = append(recent, fmt.Sprintf("[%s] %s", s.ToolName, clip(s.Result.Summary, summaryClip)))
			}
		case plan.StepFailed:
			failedCount++
			if s.Result != nil {
				recent = append(recent, fmt.Sprintf("[%s] FAILED: %s", s.ToolName, clip(s.Result.Summary, summaryClip)))
			}
		}
	}
	if len(recent) > transcriptLimit {
		recent = recent[len(recent)-transcriptLimit:]
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d/%d steps completed, %d failed\n", completed, len(snap.Steps), failedCount)
	for _, line := range recent {
		fmt.Fprintf(&b, "- %s\n", line)
	}
	return b.String()
}

// extractJSONObject pulls the first balanced {...} block out of free-form
// model output. Models wrap JSON in prose or code fences often enough that
// plain unmarshal on the raw text is not reliable.
func extractJSONObject(response string) (string, error) {
	start := -1
	depth := 0
	inString := false
	escaped := false
	for i, ch := range response {
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start != -1 {
					return response[start : i+1], nil
				}
			}
		}
	}
	return "", fmt.Errorf("no JSON object found in response")
}
