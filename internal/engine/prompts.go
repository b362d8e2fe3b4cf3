package engine

import (
	"fmt"
	"strings"

	"specline/internal/config"
	"specline/internal/domain"
)

const interrogationSystem = `You are a senior product consultant interviewing a founder about a software product idea.
Ask exactly one focused question per turn. Classify it as one of: users, problem, technical, scope.
When you understand the users, the problem, the core features, the technical constraints and the scope
of a first release well enough to write specifications, set isComplete to true and explain why in completionReason.
Reply with a single JSON object and nothing else:
{"question": "...", "category": "users|problem|technical|scope", "isComplete": false, "completionReason": ""}`

func interrogationPrompt(p domain.Project, c domain.Conversation, target int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Project: %s\n", p.Title)
	fmt.Fprintf(&b, "Project type: %s\n", p.ProjectType)
	fmt.Fprintf(&b, "Original idea:\n%s\n\n", c.InitialDescription)
	if len(c.Messages) == 0 {
		b.WriteString("Conversation so far: (none)\n\n")
	} else {
		b.WriteString("Conversation so far:\n")
		for _, m := range c.Messages {
			if m.Role == domain.RoleAssistant {
				fmt.Fprintf(&b, "Q [%s]: %s\n", m.Category, m.Content)
			} else {
				fmt.Fprintf(&b, "A: %s\n", m.Content)
			}
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "This will be question %d (aim to finish in about %d questions).\n", c.QuestionsAsked+1, target)
	b.WriteString("Ask the next question, or mark the interview complete.")
	return b.String()
}

const blueprintSystem = `You are a principal engineer writing one specification document for a product team.
Write in Markdown. Be concrete and specific to the product described; do not write generic advice.
Cover every item of the required outline under its own heading. Output only the document.`

func blueprintPrompt(doc config.DocumentSpec, summary string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Document: %s\n\n", doc.Title)
	b.WriteString("Required outline:\n")
	for _, item := range doc.Outline {
		fmt.Fprintf(&b, "- %s\n", item)
	}
	b.WriteString("\nProduct requirements gathered from the founder interview:\n")
	b.WriteString(summary)
	return b.String()
}

const sequenceSystem = `You turn specification documents into an ordered list of implementation tasks for a developer
working with an AI coding assistant. Each task must be small enough to finish in one sitting and must be
written as a self-contained instruction. Titles must be unique and descriptive.
Prerequisites must list exact titles of tasks that come earlier (from the existing list or earlier in your batch).
Reply with a single JSON object and nothing else:
{"tasks": [{"title": "...", "content": "...", "userActions": ["..."], "acceptanceCriteria": ["..."], "prerequisites": ["..."]}]}`

func sequencePrompt(p domain.Project, cat implCategory, docs []domain.Blueprint, existing []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Project: %s\n", p.Title)
	if p.TechStack != "" {
		fmt.Fprintf(&b, "Tech stack: %s\n", p.TechStack)
	}
	fmt.Fprintf(&b, "Task category: %s (%s)\n\n", cat.Name, cat.Focus)
	for _, d := range docs {
		fmt.Fprintf(&b, "=== %s ===\n%s\n\n", d.Title, d.Content)
	}
	if len(existing) > 0 {
		b.WriteString("Tasks already planned (do not repeat them; you may reference them as prerequisites):\n")
		for _, t := range existing {
			fmt.Fprintf(&b, "- %s\n", t)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Write between 2 and 6 tasks for the %s category.", cat.Name)
	return b.String()
}

func regeneratePrompt(p domain.Project, prompt domain.ImplementationPrompt, docs []domain.Blueprint, others []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Project: %s\n", p.Title)
	if p.TechStack != "" {
		fmt.Fprintf(&b, "Tech stack: %s\n", p.TechStack)
	}
	for _, d := range docs {
		fmt.Fprintf(&b, "=== %s ===\n%s\n\n", d.Title, d.Content)
	}
	fmt.Fprintf(&b, "Rewrite exactly one task titled %q in the %s category.\n", prompt.Title, prompt.Category)
	if len(prompt.Prerequisites) > 0 {
		fmt.Fprintf(&b, "It runs after: %s.\n", strings.Join(prompt.Prerequisites, "; "))
	}
	b.WriteString("Previous version, to be replaced with a clearer and more complete one:\n")
	b.WriteString(prompt.Content)
	b.WriteString("\n\n")
	if len(others) > 0 {
		b.WriteString("Other tasks already in the plan (do not duplicate their work):\n")
		for _, t := range others {
			fmt.Fprintf(&b, "- %s\n", t)
		}
	}
	b.WriteString("\nReturn the tasks JSON with exactly one task.")
	return b.String()
}
