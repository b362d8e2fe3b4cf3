package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"specline/internal/domain"
	"specline/internal/events"
	"specline/internal/parse"
	"specline/internal/repo"
)

var promptTransitions = map[string][]string{
	domain.PromptPending:    {domain.PromptUnlocked, domain.PromptInProgress, domain.PromptCompleted, domain.PromptSkipped},
	domain.PromptUnlocked:   {domain.PromptInProgress, domain.PromptCompleted, domain.PromptSkipped},
	domain.PromptInProgress: {domain.PromptCompleted, domain.PromptSkipped, domain.PromptUnlocked},
	domain.PromptCompleted:  {domain.PromptInProgress, domain.PromptUnlocked},
	domain.PromptSkipped:    {domain.PromptUnlocked, domain.PromptInProgress},
}

// ValidPromptStatus reports whether s is a known prompt status.
func ValidPromptStatus(s string) bool {
	_, ok := promptTransitions[s]
	return ok
}

// unmetPrerequisites returns the prerequisite titles of p that do not name a
// finished prompt among all.
func unmetPrerequisites(p domain.ImplementationPrompt, all []domain.ImplementationPrompt) []string {
	finished := map[string]bool{}
	for _, o := range all {
		if o.Finished() {
			finished[o.Title] = true
		}
	}
	var unmet []string
	for _, t := range p.Prerequisites {
		if !finished[t] {
			unmet = append(unmet, t)
		}
	}
	return unmet
}

// StatusChange is the outcome of UpdatePromptStatus.
type StatusChange struct {
	Prompt   domain.ImplementationPrompt
	Sequence domain.PromptSequence
	Unlocked []string
	Changed  bool
}

// UpdatePromptStatus applies a user-driven transition to one prompt. Starting or
// completing a prompt requires its prerequisites to be finished. Finishing a
// prompt unlocks every pending prompt whose prerequisites are now all finished.
func (e Engine) UpdatePromptStatus(ctx context.Context, userID, projectID, promptID, status string) (StatusChange, error) {
	status = strings.TrimSpace(status)
	if !ValidPromptStatus(status) {
		return StatusChange{}, invalidInput("unknown prompt status %q", status)
	}
	var out StatusChange
	err := e.inTx(ctx, func(r repo.Repo) error {
		p, err := r.GetPrompt(ctx, projectID, userID, promptID)
		if err != nil {
			return err
		}
		if p.Status == status {
			out.Prompt = p
			return nil
		}
		if !slices.Contains(promptTransitions[p.Status], status) {
			return invalidInput("cannot move prompt from %s to %s", p.Status, status)
		}
		all, err := r.ListPrompts(ctx, p.SequenceID)
		if err != nil {
			return err
		}
		if status == domain.PromptInProgress || status == domain.PromptCompleted {
			if unmet := unmetPrerequisites(p, all); len(unmet) > 0 {
				return &PrerequisitesUnmetError{Titles: unmet}
			}
		}

		now := e.stamp()
		var completedAt *string
		if status == domain.PromptCompleted {
			completedAt = &now
		}
		if err := r.SetPromptStatus(ctx, p.ID, p.Status, status, completedAt, now); err != nil {
			if errors.Is(err, ErrNotFound) {
				return conflict("prompt changed concurrently; reload and retry")
			}
			return err
		}
		delta := 0
		switch {
		case status == domain.PromptCompleted:
			delta = 1
		case p.Status == domain.PromptCompleted:
			delta = -1
		}
		before, err := r.GetSequence(ctx, projectID, userID)
		if err != nil {
			return err
		}
		seqStatus, err := r.AdjustProgress(ctx, p.SequenceID, delta, now)
		if err != nil {
			return err
		}
		if err := e.events().Append(ctx, r.Exec(), events.PromptStatusChanged, projectID, "prompt", p.ID, userID, events.EventPayload{
			"title": p.Title, "from": p.Status, "to": status,
		}); err != nil {
			return err
		}

		if status == domain.PromptCompleted || status == domain.PromptSkipped {
			unlocked, err := e.unlockEligible(ctx, r, projectID, userID, p.SequenceID, now)
			if err != nil {
				return err
			}
			out.Unlocked = unlocked
		}
		if seqStatus == domain.SequenceComplete && before.Status != domain.SequenceComplete {
			if err := e.events().Append(ctx, r.Exec(), events.SequenceCompleted, projectID, "sequence", p.SequenceID, userID, events.EventPayload{
				"total_prompts": before.TotalPrompts,
			}); err != nil {
				return err
			}
		}
		out.Changed = true
		if out.Prompt, err = r.GetPrompt(ctx, projectID, userID, promptID); err != nil {
			return err
		}
		out.Sequence, err = r.GetSequence(ctx, projectID, userID)
		return err
	})
	if err != nil {
		return StatusChange{}, err
	}
	if !out.Changed {
		if out.Sequence, err = e.Repo.GetSequence(ctx, projectID, userID); err != nil {
			return StatusChange{}, err
		}
	}
	return out, nil
}

// unlockEligible moves every pending prompt whose prerequisites are all finished to unlocked.
func (e Engine) unlockEligible(ctx context.Context, r repo.Repo, projectID, userID, sequenceID, now string) ([]string, error) {
	all, err := r.ListPrompts(ctx, sequenceID)
	if err != nil {
		return nil, err
	}
	var unlocked []string
	for _, o := range all {
		if o.Status != domain.PromptPending || len(unmetPrerequisites(o, all)) > 0 {
			continue
		}
		if err := r.SetPromptStatus(ctx, o.ID, domain.PromptPending, domain.PromptUnlocked, nil, now); err != nil {
			return nil, fmt.Errorf("unlock %s: %w", o.Title, err)
		}
		if err := e.events().Append(ctx, r.Exec(), events.PromptUnlocked, projectID, "prompt", o.ID, userID, events.EventPayload{
			"title": o.Title, "sequence": o.Sequence,
		}); err != nil {
			return nil, err
		}
		unlocked = append(unlocked, o.Title)
	}
	return unlocked, nil
}

// RegeneratePrompt rewrites a prompt's body in place. Title, sequence and
// prerequisites are kept; a completed prompt goes back to unlocked.
func (e Engine) RegeneratePrompt(ctx context.Context, userID, projectID, promptID string) (domain.ImplementationPrompt, error) {
	project, err := e.Repo.GetProject(ctx, userID, projectID)
	if err != nil {
		return domain.ImplementationPrompt{}, err
	}
	p, err := e.Repo.GetPrompt(ctx, project.ID, userID, promptID)
	if err != nil {
		return domain.ImplementationPrompt{}, err
	}
	all, err := e.Repo.ListPrompts(ctx, p.SequenceID)
	if err != nil {
		return domain.ImplementationPrompt{}, err
	}
	var others []string
	for _, o := range all {
		if o.ID != p.ID {
			others = append(others, o.Title)
		}
	}
	var docs []domain.Blueprint
	if suite, err := e.Repo.GetSuite(ctx, project.ID, userID); err == nil {
		cats, sources := categoriesFor(suite.Blueprints)
		for _, c := range cats {
			if c.Name == p.Category {
				docs = sources[c.Name]
			}
		}
	} else if !errors.Is(err, ErrNotFound) {
		return domain.ImplementationPrompt{}, err
	}

	cost := e.cost(e.Config.Pricing.PromptRegeneration)
	if err := e.charge(ctx, userID, cost); err != nil {
		return domain.ImplementationPrompt{}, err
	}
	raw, err := e.AI.Complete(ctx, sequenceSystem, regeneratePrompt(project, p, docs, others))
	if err != nil {
		e.refund(ctx, userID, project.ID, cost, "prompt regeneration provider failure")
		return domain.ImplementationPrompt{}, err
	}
	res := parse.Decode(raw, taskPolicy())
	if res.Outcome != parse.Parsed {
		e.refund(ctx, userID, project.ID, cost, "prompt regeneration output unusable")
		return domain.ImplementationPrompt{}, &GenerationFailedError{Stage: "prompt regeneration", Err: res.Err}
	}
	task := res.Value.Tasks[0]

	err = e.inTx(ctx, func(r repo.Repo) error {
		cur, err := r.GetPrompt(ctx, project.ID, userID, p.ID)
		if err != nil {
			return err
		}
		now := e.stamp()
		next := cur
		next.Content = task.Content
		next.UserActions = nonNil(task.UserActions)
		next.AcceptanceCriteria = nonNil(task.AcceptanceCriteria)
		wasCompleted := cur.Status == domain.PromptCompleted
		if wasCompleted {
			next.Status = domain.PromptUnlocked
			next.CompletedAt = nil
		}
		if err := r.ReplacePromptContent(ctx, cur.ID, cur.Status, next, now); err != nil {
			if errors.Is(err, ErrNotFound) {
				return conflict("prompt changed concurrently; reload and retry")
			}
			return err
		}
		if wasCompleted {
			if _, err := r.AdjustProgress(ctx, cur.SequenceID, -1, now); err != nil {
				return err
			}
		}
		return e.events().Append(ctx, r.Exec(), events.PromptRegenerated, project.ID, "prompt", cur.ID, userID, events.EventPayload{
			"title": cur.Title, "previous_status": cur.Status, "status": next.Status,
		})
	})
	if err != nil {
		e.refund(ctx, userID, project.ID, cost, "prompt regeneration not stored")
		return domain.ImplementationPrompt{}, err
	}
	return e.Repo.GetPrompt(ctx, project.ID, userID, p.ID)
}
