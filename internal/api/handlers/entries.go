package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/campaign-dispatch/internal/domain"
	"github.com/acme/campaign-dispatch/internal/repository"
)

type entryResponse struct {
	ID             uuid.UUID          `json:"id"`
	CampaignID     uuid.UUID          `json:"campaign_id"`
	ContactID      string             `json:"contact_id"`
	PhoneNumber    string             `json:"phone_number"`
	Status         domain.EntryStatus `json:"status"`
	Attempts       int                `json:"attempts"`
	NextAttemptAt  time.Time          `json:"next_attempt_at"`
	LastOutcome    *domain.Outcome    `json:"last_outcome,omitempty"`
	ExternalCallID *string            `json:"external_call_id,omitempty"`
	CallingSince   *time.Time         `json:"calling_since,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

type attemptResponse struct {
	Attempt        int                `json:"attempt"`
	Kind           domain.AttemptKind `json:"kind"`
	Outcome        string             `json:"outcome,omitempty"`
	ExternalCallID string             `json:"external_call_id,omitempty"`
	Detail         string             `json:"detail,omitempty"`
	DurationMs     int64              `json:"duration_ms,omitempty"`
	CostUnits      float64            `json:"cost_units,omitempty"`
	RecordedAt     time.Time          `json:"recorded_at"`
}

type listEntriesResponse struct {
	Entries []entryResponse `json:"entries"`
	NextID  *uuid.UUID      `json:"next_after_id,omitempty"`
}

func (h *HandlerSet) enrollContacts(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	var req struct {
		Contacts []contactRequest `json:"contacts"`
	}
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	enrolled, err := h.campaigns.Enroll(ctx.UserContext(), id, toContacts(req.Contacts))
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusAccepted).JSON(fiber.Map{
		"enrolled": enrolled,
		"skipped":  len(req.Contacts) - enrolled,
	})
}

func (h *HandlerSet) listEntries(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	limit, err := strconv.Atoi(ctx.Query("limit", "100"))
	if err != nil || limit <= 0 || limit > 1000 {
		return fiber.NewError(http.StatusBadRequest, "invalid limit")
	}
	filter := repository.EntryFilter{Status: domain.EntryStatus(ctx.Query("status")), Limit: limit}
	if afterStr := ctx.Query("after_id"); afterStr != "" {
		after, err := uuid.Parse(afterStr)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid after_id")
		}
		filter.AfterID = &after
	}

	entries, err := h.campaigns.ListEntries(ctx.UserContext(), id, filter)
	if err != nil {
		return translateError(err)
	}

	resp := listEntriesResponse{Entries: make([]entryResponse, 0, len(entries))}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, toEntryResponse(e))
	}
	if len(entries) == limit {
		last := entries[len(entries)-1].ID
		resp.NextID = &last
	}

	return ctx.Status(http.StatusOK).JSON(resp)
}

func (h *HandlerSet) getEntry(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid entry id")
	}

	detail, err := h.campaigns.GetEntry(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}

	history := make([]attemptResponse, 0, len(detail.History))
	for _, rec := range detail.History {
		history = append(history, attemptResponse{
			Attempt:        rec.Attempt,
			Kind:           rec.Kind,
			Outcome:        rec.Outcome,
			ExternalCallID: rec.ExternalCallID,
			Detail:         rec.Detail,
			DurationMs:     rec.Duration.Milliseconds(),
			CostUnits:      rec.CostUnits,
			RecordedAt:     rec.RecordedAt,
		})
	}

	return ctx.Status(http.StatusOK).JSON(fiber.Map{
		"entry":   toEntryResponse(detail.Entry),
		"history": history,
	})
}

func (h *HandlerSet) resetEntry(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid entry id")
	}

	entry, err := h.campaigns.ResetEntry(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(toEntryResponse(entry))
}

func toEntryResponse(e *domain.QueueEntry) entryResponse {
	return entryResponse{
		ID:             e.ID,
		CampaignID:     e.CampaignID,
		ContactID:      e.ContactID,
		PhoneNumber:    e.PhoneNumber,
		Status:         e.Status,
		Attempts:       e.Attempts,
		NextAttemptAt:  e.NextAttemptAt,
		LastOutcome:    e.LastOutcome,
		ExternalCallID: e.ExternalCallID,
		CallingSince:   e.CallingSince,
		CreatedAt:      e.CreatedAt,
		UpdatedAt:      e.UpdatedAt,
	}
}
