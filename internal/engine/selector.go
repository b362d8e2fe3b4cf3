package engine

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"specline/internal/config"
	"specline/internal/domain"
)

// SelectBlueprintTypes returns the core set plus the types pulled in by the
// project type and by each feature, deduplicated and sorted.
func SelectBlueprintTypes(cat config.Catalog, projectType string, features []string) []string {
	set := map[string]struct{}{}
	add := func(types []string) {
		for _, t := range types {
			set[t] = struct{}{}
		}
	}
	add(cat.Core)
	add(cat.ProjectTypes[projectType])
	for _, f := range features {
		add(cat.Features[f])
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

var featureKeywords = map[string][]string{
	"payments":      {`payments?`, `stripe`, `checkout`, `subscriptions?`, `billing`, `invoices?`, `payouts?`},
	"realtime":      {`real[- ]?time`, `live updates?`, `websockets?`, `chat`, `messaging`},
	"ai":            {`ai`, `llms?`, `gpt`, `machine learning`, `artificial intelligence`, `recommendations?`},
	"notifications": {`notifications?`, `push`, `reminders?`, `alerts?`},
	"search":        {`search`, `discover(y)?`, `filters?`},
	"file-uploads":  {`uploads?`, `attachments?`, `photos?`, `images?`, `videos?`, `documents?`},
	"analytics":     {`analytics`, `dashboards?`, `metrics`, `reports?`, `reporting`},
	"admin":         {`admin`, `moderation`, `back[- ]office`},
	"mobile":        {`mobile`, `ios`, `android`, `app store`},
	"api":           {`api`, `integrations?`, `webhooks?`, `third[- ]party`},
	"user-content":  {`user[- ]generated`, `reviews?`, `comments?`, `posts?`, `profiles?`},
}

var featurePatterns = compileFeaturePatterns()

func compileFeaturePatterns() map[string]*regexp.Regexp {
	out := make(map[string]*regexp.Regexp, len(featureKeywords))
	for f, words := range featureKeywords {
		out[f] = regexp.MustCompile(`(?i)\b(` + strings.Join(words, "|") + `)\b`)
	}
	return out
}

// DetectFeatures merges the project's declared features with features mentioned
// by the user in the idea or their answers. Only features known to cat are kept.
func DetectFeatures(cat config.Catalog, p domain.Project, c domain.Conversation) []string {
	set := map[string]struct{}{}
	for _, f := range p.Features {
		if _, ok := cat.Features[f]; ok {
			set[f] = struct{}{}
		}
	}
	var text strings.Builder
	text.WriteString(c.InitialDescription)
	for _, m := range c.Messages {
		if m.Role == domain.RoleUser {
			text.WriteString("\n")
			text.WriteString(m.Content)
		}
	}
	corpus := text.String()
	for f, re := range featurePatterns {
		if _, ok := cat.Features[f]; !ok {
			continue
		}
		if re.MatchString(corpus) {
			set[f] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// SummarizeConversation renders the interview as the requirements text fed to
// blueprint generation.
func SummarizeConversation(p domain.Project, c domain.Conversation, features []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Product: %s\n", p.Title)
	fmt.Fprintf(&b, "Project type: %s\n", p.ProjectType)
	if p.TechStack != "" {
		fmt.Fprintf(&b, "Preferred tech stack: %s\n", p.TechStack)
	}
	if len(features) > 0 {
		fmt.Fprintf(&b, "Detected features: %s\n", strings.Join(features, ", "))
	}
	fmt.Fprintf(&b, "\nIdea:\n%s\n", c.InitialDescription)
	var pending *domain.Message
	for i := range c.Messages {
		m := c.Messages[i]
		switch m.Role {
		case domain.RoleAssistant:
			pending = &c.Messages[i]
		case domain.RoleUser:
			if pending != nil {
				fmt.Fprintf(&b, "\n[%s] %s\n", pending.Category, pending.Content)
				pending = nil
			} else {
				b.WriteString("\n")
			}
			fmt.Fprintf(&b, "Answer: %s\n", m.Content)
		}
	}
	if c.CompletionReason != "" {
		fmt.Fprintf(&b, "\nInterviewer notes: %s\n", c.CompletionReason)
	}
	return b.String()
}
