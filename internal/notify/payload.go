package notify

import (
	"encoding/json"
	"time"

	"github.com/manaforge-ai/manaforge/internal/models"
)

// GenerationPayload builds the outbound webhook body for a terminal
// generation. The signature field is added by the sender.
func GenerationPayload(gen *models.Generation) map[string]any {
	event := models.WebhookGenerationCompleted
	if gen.Status != models.StatusCompleted {
		event = models.WebhookGenerationFailed
	}

	costUSD, _ := gen.QuotedUSD.Float64()
	payload := map[string]any{
		"event":         event,
		"generation_id": gen.ID,
		"tool_id":       gen.ToolID,
		"status":        string(gen.Status),
		"cost_usd":      costUSD,
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
	}
	if len(gen.Outputs) > 0 {
		payload["outputs"] = json.RawMessage(gen.Outputs)
	}
	if e := gen.Error(); e != nil {
		payload["error"] = map[string]any{"code": e.Code, "message": e.Message}
	}
	if gen.ParentCastID != nil {
		payload["cast_id"] = *gen.ParentCastID
	}
	if gen.StepIndex != nil {
		payload["step_index"] = *gen.StepIndex
	}
	return payload
}

// CastPayload builds the outbound webhook body for a terminal spell cast.
func CastPayload(cast *models.SpellCast) map[string]any {
	event := models.WebhookSpellCompleted
	if cast.Status != models.CastCompleted {
		event = models.WebhookSpellFailed
	}

	payload := map[string]any{
		"event":           event,
		"cast_id":         cast.ID,
		"spell_id":        cast.SpellID,
		"status":          string(cast.Status),
		"charged_credits": cast.ChargedCredits,
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
	}
	if len(cast.FinalOutput) > 0 {
		payload["final_outputs"] = json.RawMessage(cast.FinalOutput)
	}
	if cast.FailedStep != nil {
		payload["failed_step"] = *cast.FailedStep
	}
	if cast.ErrorCode != nil {
		errBody := map[string]any{"code": *cast.ErrorCode}
		if cast.ErrorMessage != nil {
			errBody["message"] = *cast.ErrorMessage
		}
		payload["error"] = errBody
	}
	return payload
}
