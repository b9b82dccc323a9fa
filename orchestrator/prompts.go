package orchestrator

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/BaSui01/agentroom/types"
)

func writeSection(b *strings.Builder, title, body string) {
	body = strings.TrimSpace(body)
	if body == "" {
		return
	}
	fmt.Fprintf(b, "## %s\n%s\n\n", title, body)
}

func writeHeader(b *strings.Builder, task *types.Task) {
	fmt.Fprintf(b, "# Task: %s\n", task.Title)
	if task.Type != "" {
		fmt.Fprintf(b, "Type: %s\n", task.Type)
	}
	if task.Priority != "" {
		fmt.Fprintf(b, "Priority: %s\n", task.Priority)
	}
	if task.Specialization != "" {
		fmt.Fprintf(b, "Domain: %s\n", task.Specialization)
	}
	if len(task.Params) > 0 {
		b.WriteString("Parameters:\n")
		for _, k := range slices.Sorted(maps.Keys(task.Params)) {
			fmt.Fprintf(b, "- %s: %v\n", k, task.Params[k])
		}
	}
	b.WriteString("\n")
}

func analysisPrompt(task *types.Task, rejection string) string {
	var b strings.Builder
	writeHeader(&b, task)
	writeSection(&b, "Original requirement", task.Requirement)
	if rejection != "" {
		writeSection(&b, "Previous analysis", task.AnalyzedRequirement)
		writeSection(&b, "User feedback on the previous analysis", rejection)
	}
	b.WriteString("Analyze the requirement. Restate the goal, list the functional requirements, " +
		"constraints and acceptance criteria, and call out anything ambiguous. " +
		"The user will confirm your analysis before planning starts.")
	return b.String()
}

func planningPrompt(task *types.Task) string {
	var b strings.Builder
	writeHeader(&b, task)
	writeSection(&b, "Confirmed requirement analysis", task.AnalyzedRequirement)
	b.WriteString("Produce an execution plan: ordered steps, the deliverable of each step, " +
		"and how the result will be checked against the acceptance criteria.")
	return b.String()
}

func executionPrompt(task *types.Task, revision string) string {
	var b strings.Builder
	writeHeader(&b, task)
	writeSection(&b, "Original requirement", task.Requirement)
	writeSection(&b, "Requirement analysis", task.AnalyzedRequirement)
	writeSection(&b, "Execution plan", task.ExecutionPlan)
	if revision != "" {
		writeSection(&b, fmt.Sprintf("Previous result (attempt %d)", task.RetryCount), task.Result)
		writeSection(&b, "Evaluator feedback to address", revision)
	}
	b.WriteString("Carry out the plan and return the complete result.")
	return b.String()
}

func evaluationPrompt(task *types.Task) string {
	var b strings.Builder
	writeHeader(&b, task)
	writeSection(&b, "Requirement analysis", task.AnalyzedRequirement)
	writeSection(&b, "Execution plan", task.ExecutionPlan)
	writeSection(&b, "Result to evaluate", task.Result)
	b.WriteString("Evaluate the result against the requirement. Answer with one JSON object:\n" +
		`{"score": <0.0-1.0>, "result": "pass|fail|needs_improvement|excellent", ` +
		`"feedback": "<what is good or missing>", "suggestions": "<concrete changes>"}`)
	return b.String()
}
