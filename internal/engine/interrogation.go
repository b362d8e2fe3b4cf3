package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"specline/internal/domain"
	"specline/internal/events"
	"specline/internal/ledger"
	"specline/internal/parse"
	"specline/internal/repo"
)

// fallbackQuestion is asked whenever the model reply cannot be decoded.
var fallbackQuestion = questionRecord{
	Question: "Who will use this product day to day, and what problem does it solve for them that they cannot solve today?",
	Category: domain.CategoryUsers,
}

const closingQuestion = "Thanks, I have what I need to draft the specifications. Is there anything else you want the documents to cover?"

type questionRecord struct {
	Question         string `json:"question"`
	Category         string `json:"category"`
	IsComplete       bool   `json:"isComplete"`
	CompletionReason string `json:"completionReason"`
}

func questionPolicy() parse.Policy[questionRecord] {
	fb := fallbackQuestion
	return parse.Policy[questionRecord]{
		Fallback: &fb,
		Validate: func(q *questionRecord) error {
			q.Question = strings.TrimSpace(q.Question)
			q.Category = strings.ToLower(strings.TrimSpace(q.Category))
			if q.Question == "" && !q.IsComplete {
				return errors.New("question missing")
			}
			if q.Question == "" {
				q.Question = closingQuestion
			}
			if !slices.Contains(domain.QuestionCategories, q.Category) {
				q.Category = domain.CategoryScope
			}
			return nil
		},
	}
}

// AskOptions drive one interrogation step. InitialDescription is required only
// when the project has no conversation yet; Message is the user's optional answer.
type AskOptions struct {
	UserID             string
	ProjectID          string
	InitialDescription string
	Message            string
}

type AskResult struct {
	Question     domain.Question
	Outcome      parse.Outcome
	Conversation domain.Conversation
}

// AskNext advances the project's interrogation by one question. A supplied user
// message is paid for before it is appended; a refused charge leaves the
// conversation untouched. Unparsable model output falls back to a fixed question.
func (e Engine) AskNext(ctx context.Context, opts AskOptions) (AskResult, error) {
	project, err := e.Repo.GetProject(ctx, opts.UserID, opts.ProjectID)
	if err != nil {
		return AskResult{}, err
	}
	message := strings.TrimSpace(opts.Message)
	conv, err := e.Repo.GetConversation(ctx, project.ID, opts.UserID)
	isNew := errors.Is(err, ErrNotFound)
	if err != nil && !isNew {
		return AskResult{}, err
	}
	if isNew {
		desc := strings.TrimSpace(opts.InitialDescription)
		if desc == "" {
			return AskResult{}, invalidInput("initial_description is required to start an interrogation")
		}
		conv = domain.Conversation{
			ID:                 e.newID(),
			ProjectID:          project.ID,
			UserID:             opts.UserID,
			InitialDescription: desc,
			Status:             domain.ConversationActive,
			CreatedAt:          e.stamp(),
		}
		conv.UpdatedAt = conv.CreatedAt
	}

	var charged ledger.Amount
	if message != "" {
		charged = e.cost(e.Config.Pricing.InterrogationMessage)
		if err := e.charge(ctx, opts.UserID, charged); err != nil {
			return AskResult{}, err
		}
	}
	if isNew || message != "" {
		err := e.inTx(ctx, func(r repo.Repo) error {
			if isNew {
				if err := r.InsertConversation(ctx, conv); err != nil {
					if isUniqueViolation(err) {
						return conflict("interrogation already started for this project")
					}
					return fmt.Errorf("insert conversation: %w", err)
				}
				if err := e.events().Append(ctx, r.Exec(), events.ConversationStarted, project.ID, "conversation", conv.ID, opts.UserID, nil); err != nil {
					return err
				}
			}
			if message != "" {
				if _, err := r.AppendMessage(ctx, conv.ID, domain.Message{Role: domain.RoleUser, Content: message, CreatedAt: e.stamp()}); err != nil {
					return fmt.Errorf("append user message: %w", err)
				}
			}
			return nil
		})
		if err != nil {
			e.refund(ctx, opts.UserID, project.ID, charged, "interrogation message not recorded")
			return AskResult{}, err
		}
		if conv, err = e.Repo.GetConversation(ctx, project.ID, opts.UserID); err != nil {
			return AskResult{}, err
		}
	}

	raw, err := e.AI.Complete(ctx, interrogationSystem, interrogationPrompt(project, conv, e.Config.Interrogation.TargetQuestions))
	if err != nil {
		e.refund(ctx, opts.UserID, project.ID, charged, "interrogation provider failure")
		return AskResult{}, err
	}
	res := parse.Decode(raw, questionPolicy())
	if res.Outcome != parse.Parsed {
		e.Log.Warn("interrogation reply not parsed; asking fallback question",
			"project_id", project.ID, "conversation_id", conv.ID, "error", res.Err)
	}
	q := res.Value

	err = e.inTx(ctx, func(r repo.Repo) error {
		if _, err := r.AppendMessage(ctx, conv.ID, domain.Message{
			Role: domain.RoleAssistant, Content: q.Question, Category: q.Category, CreatedAt: e.stamp(),
		}); err != nil {
			return fmt.Errorf("append question: %w", err)
		}
		if err := r.RecordQuestion(ctx, conv.ID, opts.UserID, q.IsComplete, q.CompletionReason, e.stamp()); err != nil {
			return fmt.Errorf("record question: %w", err)
		}
		if err := e.events().Append(ctx, r.Exec(), events.ConversationAnswered, project.ID, "conversation", conv.ID, opts.UserID, events.EventPayload{
			"category": q.Category, "outcome": res.Outcome.String(), "question_number": conv.QuestionsAsked + 1,
		}); err != nil {
			return err
		}
		if q.IsComplete && conv.Status != domain.ConversationComplete {
			return e.events().Append(ctx, r.Exec(), events.ConversationCompleted, project.ID, "conversation", conv.ID, opts.UserID, events.EventPayload{
				"reason": q.CompletionReason, "questions_asked": conv.QuestionsAsked + 1,
			})
		}
		return nil
	})
	if err != nil {
		return AskResult{}, err
	}
	conv, err = e.Repo.GetConversation(ctx, project.ID, opts.UserID)
	if err != nil {
		return AskResult{}, err
	}
	return AskResult{
		Question: domain.Question{
			Question:   q.Question,
			Category:   q.Category,
			IsComplete: conv.Status == domain.ConversationComplete,
			Reason:     conv.CompletionReason,
		},
		Outcome:      res.Outcome,
		Conversation: conv,
	}, nil
}

// Conversation returns the caller's conversation for a project.
func (e Engine) Conversation(ctx context.Context, userID, projectID string) (domain.Conversation, error) {
	if _, err := e.Repo.GetProject(ctx, userID, projectID); err != nil {
		return domain.Conversation{}, err
	}
	return e.Repo.GetConversation(ctx, projectID, userID)
}
