package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/AidanTheBandit/R-PlusPlus-sub000/internal/broker"
	"github.com/AidanTheBandit/R-PlusPlus-sub000/pkg/models"
)

// speechContentTypes maps the accepted TTS response formats onto MIME
// types for the raw audio response.
var speechContentTypes = map[string]string{
	"mp3":  "audio/mpeg",
	"opus": "audio/opus",
	"aac":  "audio/aac",
	"flac": "audio/flac",
	"wav":  "audio/wav",
	"pcm":  "audio/pcm",
}

// ChatCompletions handles POST /{deviceID}/v1/chat/completions.
//
// The handler admits, dispatches, then parks on the ticket until the
// socket hub or the timeout timer completes it. Timeouts arrive as a
// normal completion carrying apology text, so plain OpenAI clients
// still get usable output.
func (h *Handlers) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")

	var req models.ChatCompletionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "messages must not be empty")
		return
	}

	ticket, err := h.broker.Admit(deviceID, broker.KindChat, "")
	if err != nil {
		writeBrokerError(w, err)
		return
	}
	if err := h.broker.DispatchChat(r.Context(), ticket, deviceID, req); err != nil {
		writeBrokerError(w, err)
		return
	}

	select {
	case out := <-ticket.Done:
		if out.Err != nil {
			writeBrokerError(w, out.Err)
			return
		}
		writeJSON(w, http.StatusOK, completionResponse(req, out))
	case <-r.Context().Done():
		// Client went away; the pending entry resolves via reply or
		// timeout on its own.
		log.Debug().Str("request_id", ticket.RequestID).Msg("chat client disconnected while waiting")
	}
}

func completionResponse(req models.ChatCompletionRequest, out broker.Outcome) models.ChatCompletionResponse {
	model := out.Model
	if model == "" {
		model = DeviceModelID
	}
	prompt := 0
	for _, m := range req.Messages {
		prompt += len(m.Content) / 4
	}
	completion := len(out.Text) / 4

	return models.ChatCompletionResponse{
		ID:      "chatcmpl-" + uuid.New().String(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []models.CompletionChoice{{
			Index:        0,
			Message:      models.ChatMessage{Role: "assistant", Content: out.Text},
			FinishReason: "stop",
		}},
		Usage: models.CompletionUsage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      prompt + completion,
		},
	}
}

// ListModels handles GET /{deviceID}/v1/models.
func (h *Handlers) ListModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, models.ModelList{
		Object: "list",
		Data: []models.ModelInfo{{
			ID:      DeviceModelID,
			Object:  "model",
			Created: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Unix(),
			OwnedBy: "rabbit",
		}},
	})
}

// Speech handles POST /{deviceID}/v1/audio/speech and streams back raw
// audio bytes produced on the device.
func (h *Handlers) Speech(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")

	var req models.SpeechRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Input == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "input must not be empty")
		return
	}
	if req.ResponseFormat == "" {
		req.ResponseFormat = "mp3"
	}
	if _, ok := speechContentTypes[req.ResponseFormat]; !ok {
		writeError(w, http.StatusBadRequest, "invalid_request_error",
			fmt.Sprintf("unsupported response_format %q", req.ResponseFormat))
		return
	}
	if req.Speed != nil && (*req.Speed < 0.25 || *req.Speed > 4.0) {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "speed must be between 0.25 and 4.0")
		return
	}

	ticket, err := h.broker.Admit(deviceID, broker.KindSpeech, req.ResponseFormat)
	if err != nil {
		writeBrokerError(w, err)
		return
	}
	if err := h.broker.DispatchSpeech(r.Context(), ticket, deviceID, req); err != nil {
		writeBrokerError(w, err)
		return
	}

	select {
	case out := <-ticket.Done:
		if out.Err != nil {
			writeBrokerError(w, out.Err)
			return
		}
		format := out.ResponseFormat
		if format == "" {
			format = req.ResponseFormat
		}
		contentType, ok := speechContentTypes[format]
		if !ok {
			contentType = "application/octet-stream"
		}
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "speech."+format))
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(out.Audio); err != nil {
			log.Warn().Err(err).Str("device", deviceID).Msg("failed to write audio response")
		}
	case <-r.Context().Done():
		log.Debug().Str("request_id", ticket.RequestID).Msg("speech client disconnected while waiting")
	}
}
