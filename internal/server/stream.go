package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"specline/internal/domain"
	"specline/internal/engine"
)

// registerBlueprintStream exposes suite generation as a server-sent event
// stream. Failures after the stream opens are delivered as an error frame
// carrying the same envelope the JSON endpoints use.
func (h handler) registerBlueprintStream(api huma.API) {
	sse.Register(api, huma.Operation{
		OperationID: "stream-blueprints",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/blueprints/stream",
		Summary:     "Generate the blueprint suite, streaming progress",
		Description: "Emits suite_started, then fragment frames per document as text arrives, a document frame when each finishes and a final done frame.",
	}, map[string]any{
		"suite_started": SuiteStartedFrame{},
		"fragment":      FragmentFrame{},
		"document":      DocumentFrame{},
		"done":          SuiteDoneFrame{},
		"error":         ErrorFrame{},
	}, func(ctx context.Context, input *projectPath, send sse.Sender) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			send.Data(errorFrame(authErr))
			return
		}
		obs := &engine.SuiteObserver{
			OnStart: func(s domain.BlueprintSuite) {
				types := make([]string, 0, len(s.Blueprints))
				for _, b := range s.Blueprints {
					types = append(types, b.Type)
				}
				send.Data(SuiteStartedFrame{SuiteID: s.ID, Types: types})
			},
			OnFragment: func(typ, delta string) {
				send.Data(FragmentFrame{Type: typ, Delta: delta})
			},
			OnDocument: func(b domain.Blueprint) {
				send.Data(DocumentFrame{Type: b.Type, Status: b.Status, Error: b.Error})
			},
		}
		suite, err := h.e.GenerateBlueprintSuite(ctx, userID, input.ProjectID, obs)
		if err != nil {
			send.Data(errorFrame(h.handleError(ctx, err)))
			return
		}
		send.Data(SuiteDoneFrame{Suite: suite})
	})
}

func errorFrame(err huma.StatusError) ErrorFrame {
	if ae, ok := err.(*apiError); ok {
		return ErrorFrame{Error: ae.Body}
	}
	return ErrorFrame{Error: apiErrorBody{Code: defaultCodeForStatus(err.GetStatus()), Message: err.Error()}}
}
