package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"repairline/internal/asana"
	"repairline/internal/config"
	"repairline/internal/domain"
	"repairline/internal/events"
	"repairline/internal/repo"
	"repairline/internal/workflow"
)

const (
	headerHookSecret    = "X-Hook-Secret"
	headerHookSignature = "X-Hook-Signature"
)

// handshakeWindow is how long a registration waits for the tracker to
// complete the handshake that rotates the stored secret.
const handshakeWindow = 2 * time.Minute

// intakeFilters selects the deliveries that can carry a new submission.
var intakeFilters = []asana.WebhookFilter{{ResourceType: "task", Action: "added"}}

type eventFilter struct {
	set map[string]struct{}
}

func newEventFilter(filters []asana.WebhookFilter) eventFilter {
	set := make(map[string]struct{}, len(filters))
	for _, f := range filters {
		set[f.ResourceType+":"+f.Action] = struct{}{}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt asana.Event) bool {
	_, ok := f.set[evt.Resource.ResourceType+":"+evt.Action]
	return ok
}

// Sign returns the hex HMAC-SHA256 of body under secret, as carried in
// X-Hook-Signature.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func validSignature(secret string, body []byte, signature string) bool {
	want, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(want) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}

type webhookInput struct {
	Secret    string `header:"X-Hook-Secret"`
	Signature string `header:"X-Hook-Signature"`
	RawBody   []byte `contentType:"application/json"`
}

type webhookOutput struct {
	Secret string `header:"X-Hook-Secret"`
	Body   WebhookResponse
}

func registerWebhook(api huma.API, cfg Config) {
	filter := newEventFilter(intakeFilters)
	body := &huma.RequestBody{Description: "Event batch. Empty on the handshake."}
	huma.Register(api, huma.Operation{
		OperationID:   "receive-webhook",
		Method:        http.MethodPost,
		Path:          "/webhook",
		Summary:       "Receive tracker webhook deliveries",
		Description:   "Answers the registration handshake and processes task additions on the intake project.",
		DefaultStatus: http.StatusOK,
		RequestBody:   body,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *webhookInput) (*webhookOutput, error) {
		logger := cfg.logger()
		if input.Secret != "" {
			accepted, err := cfg.Repo.AcceptWebhookSecret(ctx, cfg.IntakeProjectID, input.Secret, cfg.now())
			if err != nil {
				return nil, handleError(err)
			}
			if !accepted {
				logger.Warn().Str("resource_id", cfg.IntakeProjectID).Msg("webhook handshake refused, no registration pending")
				return nil, newAPIError(http.StatusUnauthorized, "handshake_refused", "no webhook registration pending", nil)
			}
			if err := cfg.events().Append(ctx, events.WebhookHandshake, "", "", "", events.EventPayload{"resource_id": cfg.IntakeProjectID}); err != nil {
				logger.Error().Err(err).Msg("append handshake event")
			}
			logger.Info().Str("resource_id", cfg.IntakeProjectID).Msg("webhook handshake")
			return &webhookOutput{Secret: input.Secret, Body: WebhookResponse{Status: "handshake", Events: []WebhookEventResult{}}}, nil
		}

		secret, err := cfg.Repo.WebhookSecret(ctx, cfg.IntakeProjectID)
		switch {
		case errors.Is(err, repo.ErrNotFound):
			logger.Warn().Str("resource_id", cfg.IntakeProjectID).Msg("no webhook secret stored, accepting unsigned delivery")
		case err != nil:
			return nil, handleError(err)
		case !validSignature(secret, input.RawBody, input.Signature):
			return nil, newAPIError(http.StatusUnauthorized, "invalid_signature", "webhook signature mismatch", nil)
		}

		var batch asana.EventBatch
		if len(input.RawBody) > 0 {
			if err := json.Unmarshal(input.RawBody, &batch); err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid webhook body", map[string]any{"error": err.Error()})
			}
		}
		resp := WebhookResponse{Status: "processed", Events: []WebhookEventResult{}}
		seen := map[string]bool{}
		for _, evt := range batch.Events {
			item := WebhookEventResult{TaskGID: evt.Resource.GID, Action: evt.Action}
			if !filter.match(evt) || evt.Resource.GID == "" || seen[evt.Resource.GID] {
				item.Outcome = "ignored"
				resp.Events = append(resp.Events, item)
				continue
			}
			seen[evt.Resource.GID] = true
			res, err := cfg.Workflow.ProcessTask(ctx, evt.Resource.GID, false)
			item.Outcome = workflow.Outcome(err)
			item.TaskID = res.TaskID
			if err != nil {
				item.Error = err.Error()
			}
			resp.Events = append(resp.Events, item)
		}
		return &webhookOutput{Body: resp}, nil
	})
	// RawBody marks the body required. The handshake has none.
	body.Required = false
}

// RegisterWebhook creates the intake project webhook and records it. The
// tracker performs the handshake against the target before this returns, so
// a handshake window is opened first to let it replace the stored secret.
func RegisterWebhook(ctx context.Context, cfg Config) (domain.WebhookRegistration, error) {
	var missing []string
	if cfg.Registrar == nil {
		missing = append(missing, "asana.token")
	}
	if cfg.IntakeProjectID == "" {
		missing = append(missing, "asana.intake_project_id")
	}
	if cfg.WebhookTarget == "" {
		missing = append(missing, "server.app_url")
	}
	if len(missing) > 0 {
		return domain.WebhookRegistration{}, &config.ConfigurationError{Missing: missing}
	}
	now := cfg.now()
	if err := cfg.Repo.OpenWebhookHandshake(ctx, cfg.IntakeProjectID, now, now.Add(handshakeWindow)); err != nil {
		return domain.WebhookRegistration{}, err
	}
	hook, err := cfg.Registrar.CreateWebhook(ctx, asana.WebhookCreate{
		Resource: cfg.IntakeProjectID,
		Target:   cfg.WebhookTarget,
		Filters:  intakeFilters,
	})
	if err != nil {
		if cerr := cfg.Repo.CloseWebhookHandshake(context.WithoutCancel(ctx), cfg.IntakeProjectID); cerr != nil {
			cfg.logger().Error().Err(cerr).Msg("close webhook handshake")
		}
		return domain.WebhookRegistration{}, &workflow.ExternalServiceError{Stage: workflow.StageWebhook, Err: err}
	}
	reg := domain.WebhookRegistration{
		WebhookID:  hook.GID,
		ResourceID: cfg.IntakeProjectID,
		Target:     cfg.WebhookTarget,
		CreatedAt:  repo.Timestamp(now),
	}
	if err := cfg.Repo.InsertWebhookRegistration(ctx, reg); err != nil {
		return reg, err
	}
	if err := cfg.events().Append(ctx, events.WebhookRegistered, "", "", "", events.EventPayload{"webhook_id": hook.GID, "target": cfg.WebhookTarget}); err != nil {
		cfg.logger().Error().Err(err).Msg("append webhook registered event")
	}
	cfg.logger().Info().Str("webhook_id", hook.GID).Str("target", cfg.WebhookTarget).Msg("webhook registered")
	return reg, nil
}
