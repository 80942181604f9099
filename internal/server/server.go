package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"demandline/internal/domain"
	"demandline/internal/engine"
	"demandline/internal/events"
	"demandline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   zerolog.Logger
}

// apiError is the error form of the response envelope.
type apiError struct {
	Status  int            `json:"status"`
	Message string         `json:"message"`
	Code    string         `json:"code" example:"illegal_transition"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *apiError) GetStatus() int { return e.Status }
func (e *apiError) Error() string  { return e.Message }

// New returns an HTTP handler exposing the demand API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	basePath = strings.TrimSuffix(basePath, "/")
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, errorDetails(errs))
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// Schema/request validation errors are plain bad requests.
			status = http.StatusBadRequest
		}
		return newAPIError(status, "", msg, errorDetails(errs))
	}

	log := cfg.Logger
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(log))
	router.Use(newAuthMiddleware(basePath, cfg.Auth, log))
	hcfg := huma.DefaultConfig("Demandline API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	hcfg.SchemasPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := handlers{engine: cfg.Engine, log: log}
	registerHealth(group)
	registerDemands(group, h)
	registerTransitions(group, h)
	registerEvents(group, h)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{Status: status, Message: message, Code: code, Details: details}
}

func errorDetails(errs []error) map[string]any {
	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(errs))
	for _, err := range errs {
		if err != nil {
			msgs = append(msgs, err.Error())
		}
	}
	return map[string]any{"errors": msgs}
}

type handlers struct {
	engine engine.Engine
	log    zerolog.Logger
}

func (h handlers) now() time.Time {
	if h.engine.Now != nil {
		return h.engine.Now()
	}
	return time.Now()
}

// handleError maps core errors onto HTTP statuses. Unknown errors are logged
// and hidden behind a generic 500.
func (h handlers) handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var te *domain.TransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusBadRequest, "illegal_transition", err.Error(), map[string]any{"status": te.From, "operation": te.Op})
	}
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": ve.Field, "reason": ve.Reason})
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, domain.ErrInvalidStatus):
		return newAPIError(http.StatusBadRequest, "invalid_status", err.Error(), map[string]any{"allowed": domain.Statuses})
	case errors.Is(err, domain.ErrValidation):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.Is(err, domain.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return newAPIError(http.StatusServiceUnavailable, "unavailable", "request cancelled", nil)
	default:
		h.log.Error().Err(err).Msg("request failed")
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			evt := log.Info()
			if status >= http.StatusInternalServerError {
				evt = log.Error()
			}
			evt.Str("method", r.Method).Str("path", r.URL.Path).Int("status", status).
				Dur("duration", time.Since(start)).Msg("request")
		})
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body messageEnvelope `json:"body"`
	}, error) {
		return &struct {
			Body messageEnvelope `json:"body"`
		}{Body: messageEnvelope{Status: http.StatusOK, Message: "ok"}}, nil
	})
}

type demandOutput struct {
	Body demandEnvelope `json:"body"`
}

type demandListOutput struct {
	Body demandListEnvelope `json:"body"`
}

type messageOutput struct {
	Body messageEnvelope `json:"body"`
}

type demandPath struct {
	ID string `path:"id"`
}

func (h handlers) demandOK(status int, msg string, d domain.Demand) *demandOutput {
	return &demandOutput{Body: demandEnvelope{Status: status, Message: msg, Data: demandResponse(d, h.now())}}
}

func (h handlers) demandsOK(msg string, items []domain.Demand) *demandListOutput {
	return &demandListOutput{Body: demandListEnvelope{Status: http.StatusOK, Message: msg, Data: demandResponses(items, h.now())}}
}

func registerDemands(api huma.API, h handlers) {
	e := h.engine
	huma.Register(api, huma.Operation{
		OperationID:   "create-demand",
		Method:        http.MethodPost,
		Path:          "/demands",
		Summary:       "Create demand",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CreateDemandRequest `json:"body"`
	}) (*demandOutput, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.Create(ctx, engine.CreateOptions{
			OwnerID:         caller.UserID,
			GroupID:         caller.GroupID,
			Title:           input.Body.Title,
			Description:     input.Body.Description,
			Type:            input.Body.Type,
			StartDate:       input.Body.StartDate,
			EndDate:         input.Body.EndDate,
			CollaboratorIDs: input.Body.CollaboratorIDs,
			AutoStart:       input.Body.AutoStart,
			ActorID:         caller.UserID,
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		return h.demandOK(http.StatusCreated, "demand created", d), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-my-demands",
		Method:      http.MethodGet,
		Path:        "/demands",
		Summary:     "List demands owned by the caller",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*demandListOutput, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListByOwner(ctx, caller.UserID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return h.demandsOK("demands retrieved", items), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-visible-demands",
		Method:      http.MethodGet,
		Path:        "/demands/all",
		Summary:     "List demands visible to the caller and their subordinates",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*demandListOutput, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListForPrincipal(ctx, caller)
		if err != nil {
			return nil, h.handleError(err)
		}
		return h.demandsOK("demands retrieved", items), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-user-demands",
		Method:      http.MethodGet,
		Path:        "/demands/user/{user_id}",
		Summary:     "List demands a user owns or collaborates on",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		UserID string `path:"user_id"`
	}) (*demandListOutput, error) {
		items, err := e.ListByOwnerOrCollaborator(ctx, input.UserID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return h.demandsOK("demands retrieved", items), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-demands-by-status",
		Method:      http.MethodGet,
		Path:        "/demands/status/{status}",
		Summary:     "List demands by status",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Status string `path:"status"`
	}) (*demandListOutput, error) {
		items, err := e.ListByStatus(ctx, input.Status)
		if err != nil {
			return nil, h.handleError(err)
		}
		return h.demandsOK("demands retrieved", items), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-demand",
		Method:      http.MethodGet,
		Path:        "/demands/{id}",
		Summary:     "Get demand",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *demandPath) (*demandOutput, error) {
		d, err := e.Get(ctx, input.ID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return h.demandOK(http.StatusOK, "demand retrieved", d), nil
	})

	update := func(ctx context.Context, input *updateDemandInput) (*demandOutput, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.Update(ctx, engine.UpdateOptions{
			ID:               input.ID,
			Title:            input.Body.Title,
			Description:      input.Body.Description,
			Type:             input.Body.Type,
			StartDate:        input.Body.StartDate,
			EndDate:          input.Body.EndDate,
			CollaboratorIDs:  input.Body.CollaboratorIDs,
			ExpectedRevision: input.Body.ExpectedRevision,
			ActorID:          caller.UserID,
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		return h.demandOK(http.StatusOK, "demand updated", d), nil
	}
	huma.Register(api, huma.Operation{
		OperationID: "update-demand",
		Method:      http.MethodPatch,
		Path:        "/demands/{id}",
		Summary:     "Update descriptive fields of a demand",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, update)
	huma.Register(api, huma.Operation{
		OperationID: "update-demand-put",
		Method:      http.MethodPut,
		Path:        "/demands/{id}/update",
		Summary:     "Update descriptive fields of a demand (legacy route)",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, update)

	huma.Register(api, huma.Operation{
		OperationID: "delete-demand",
		Method:      http.MethodDelete,
		Path:        "/demands/{id}",
		Summary:     "Delete demand",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *demandPath) (*messageOutput, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Delete(ctx, input.ID, caller.UserID); err != nil {
			return nil, h.handleError(err)
		}
		return &messageOutput{Body: messageEnvelope{Status: http.StatusOK, Message: "demand deleted", Data: map[string]any{"id": input.ID}}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-all-demands",
		Method:      http.MethodDelete,
		Path:        "/demands",
		Summary:     "Delete every demand",
	}, func(ctx context.Context, _ *struct{}) (*messageOutput, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		n, err := e.DeleteAll(ctx, caller.UserID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &messageOutput{Body: messageEnvelope{Status: http.StatusOK, Message: "all demands deleted", Data: map[string]any{"deleted": n}}}, nil
	})
}

func registerTransitions(api huma.API, h handlers) {
	e := h.engine
	ops := []struct {
		name string
		msg  string
		fn   func(context.Context, string, string) (domain.Demand, error)
	}{
		{"start", "demand started", e.Start},
		{"pause", "demand paused", e.Pause},
		{"continue", "demand continued", e.Continue},
		{"close", "demand closed", e.Close},
	}
	for _, op := range ops {
		op := op
		huma.Register(api, huma.Operation{
			OperationID: op.name + "-demand",
			Method:      http.MethodPut,
			Path:        "/demands/{id}/" + op.name,
			Summary:     strings.ToUpper(op.name[:1]) + op.name[1:] + " demand",
			Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
		}, func(ctx context.Context, input *demandPath) (*demandOutput, error) {
			caller, authErr := callerFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			d, err := op.fn(ctx, input.ID, caller.UserID)
			if err != nil {
				return nil, h.handleError(err)
			}
			return h.demandOK(http.StatusOK, op.msg, d), nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "set-demand-timer",
		Method:      http.MethodPut,
		Path:        "/demands/{id}/timer",
		Summary:     "Override the accumulated duration with an explicit range",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body SetTimerRequest `json:"body"`
	}) (*demandOutput, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.SetTimerRange(ctx, engine.TimerOptions{
			ID:        input.ID,
			StartTime: input.Body.StartTime,
			EndTime:   input.Body.EndTime,
			ActorID:   caller.UserID,
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		return h.demandOK(http.StatusOK, "demand timer updated", d), nil
	})
}

func registerEvents(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type     string `query:"type"`
		EntityID string `query:"entity_id"`
		Limit    int    `query:"limit" default:"50"`
		Cursor   string `query:"cursor"`
	}) (*struct {
		Body eventsEnvelope `json:"body"`
	}, error) {
		if _, authErr := callerFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := h.engine.Repo.LatestEvents(ctx, repo.EventFilters{
			Type:       input.Type,
			EntityKind: events.KindDemand,
			EntityID:   input.EntityID,
			Cursor:     cursorID,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		page := EventPage{Items: []EventResponse{}}
		if len(items) > limit {
			page.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			page.Items = append(page.Items, eventResponse(evt))
		}
		return &struct {
			Body eventsEnvelope `json:"body"`
		}{Body: eventsEnvelope{Status: http.StatusOK, Message: "events retrieved", Data: page}}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
