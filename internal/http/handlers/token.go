package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/chatgate/internal/token"
)

// TokenHandler issues bearer tokens for companion clients. Only mounted when
// TOKEN_ISSUE_ENABLED is set; hosted deployments issue tokens upstream.
type TokenHandler struct {
	codec *token.Codec
	now   func() time.Time
}

// NewTokenHandler creates a new token handler.
func NewTokenHandler(codec *token.Codec) *TokenHandler {
	return &TokenHandler{codec: codec, now: time.Now}
}

// IssueTokenInput represents a token request.
type IssueTokenInput struct {
	Body struct {
		Subject string `json:"subject" minLength:"1" doc:"Subject to sign, or \"anonymous\""`
	}
}

// IssueTokenOutput represents an issued token.
type IssueTokenOutput struct {
	Body struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
}

// IssueToken signs a short-lived bearer token for the requested subject.
func (h *TokenHandler) IssueToken(ctx context.Context, input *IssueTokenInput) (*IssueTokenOutput, error) {
	now := h.now()
	tok, err := h.codec.IssueAt(input.Body.Subject, now)
	switch {
	case errors.Is(err, token.ErrInvalidSubject):
		return nil, huma.Error400BadRequest("invalid_subject")
	case err != nil:
		return nil, huma.Error500InternalServerError("token_unavailable")
	}

	out := &IssueTokenOutput{}
	out.Body.Token = tok
	out.Body.ExpiresAt = now.Add(token.MaxAge)
	return out, nil
}
