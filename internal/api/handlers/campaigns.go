package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/campaign-dispatch/internal/domain"
	campaignsvc "github.com/acme/campaign-dispatch/internal/service/campaign"
	apperrors "github.com/acme/campaign-dispatch/pkg/errors"
)

type createCampaignRequest struct {
	Name               string                `json:"name"`
	Description        string                `json:"description"`
	TimeZone           string                `json:"time_zone"`
	MaxConcurrentCalls int                   `json:"max_concurrent_calls"`
	RetryPolicy        *retryPolicyRequest   `json:"retry_policy"`
	BusinessHours      []businessHourRequest `json:"business_hours"`
	Contacts           []contactRequest      `json:"contacts"`
}

type retryPolicyRequest struct {
	MaxAttempts int     `json:"max_attempts"`
	BaseDelay   string  `json:"base_delay"`
	MaxDelay    string  `json:"max_delay"`
	Jitter      float64 `json:"jitter"`
}

type businessHourRequest struct {
	DayOfWeek int    `json:"day_of_week"`
	Start     string `json:"start"`
	End       string `json:"end"`
}

type contactRequest struct {
	ContactID   string `json:"contact_id"`
	PhoneNumber string `json:"phone_number"`
}

type campaignResponse struct {
	ID                 uuid.UUID              `json:"id"`
	Name               string                 `json:"name"`
	Description        string                 `json:"description"`
	TimeZone           string                 `json:"time_zone"`
	Status             domain.CampaignStatus  `json:"status"`
	MaxConcurrentCalls int                    `json:"max_concurrent_calls"`
	RetryPolicy        retryPolicyResponse    `json:"retry_policy"`
	BusinessHours      []businessHourResponse `json:"business_hours"`
	CreatedAt          time.Time              `json:"created_at"`
	UpdatedAt          time.Time              `json:"updated_at"`
	StartedAt          *time.Time             `json:"started_at,omitempty"`
	CompletedAt        *time.Time             `json:"completed_at,omitempty"`
}

type retryPolicyResponse struct {
	MaxAttempts int     `json:"max_attempts"`
	BaseDelay   string  `json:"base_delay"`
	MaxDelay    string  `json:"max_delay"`
	Jitter      float64 `json:"jitter"`
}

type businessHourResponse struct {
	DayOfWeek int    `json:"day_of_week"`
	Start     string `json:"start"`
	End       string `json:"end"`
}

type campaignStatsResponse struct {
	Pending          int64   `json:"pending"`
	Calling          int64   `json:"calling"`
	RetryScheduled   int64   `json:"retry_scheduled"`
	Completed        int64   `json:"completed"`
	Failed           int64   `json:"failed"`
	DispatchAttempts int64   `json:"dispatch_attempts"`
	Rejections       int64   `json:"rejections"`
	Sweeps           int64   `json:"sweeps"`
	TalkSeconds      int64   `json:"talk_seconds"`
	CostUnits        float64 `json:"cost_units"`
}

type listCampaignsResponse struct {
	Campaigns []campaignResponse `json:"campaigns"`
}

func (h *HandlerSet) createCampaign(ctx *fiber.Ctx) error {
	var req createCampaignRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	input, err := toCreateCampaignInput(req)
	if err != nil {
		return translateError(err)
	}

	campaign, err := h.campaigns.Create(ctx.UserContext(), input)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusCreated).JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) listCampaigns(ctx *fiber.Ctx) error {
	limit, err := strconv.Atoi(ctx.Query("limit", "50"))
	if err != nil || limit <= 0 || limit > 500 {
		return fiber.NewError(http.StatusBadRequest, "invalid limit")
	}
	var afterID *uuid.UUID
	if afterStr := ctx.Query("after_id"); afterStr != "" {
		id, err := uuid.Parse(afterStr)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid after_id")
		}
		afterID = &id
	}

	campaigns, err := h.campaigns.List(ctx.UserContext(), afterID, limit)
	if err != nil {
		return translateError(err)
	}

	resp := listCampaignsResponse{Campaigns: make([]campaignResponse, 0, len(campaigns))}
	for _, c := range campaigns {
		resp.Campaigns = append(resp.Campaigns, toCampaignResponse(c))
	}

	return ctx.Status(http.StatusOK).JSON(resp)
}

func (h *HandlerSet) getCampaign(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	campaign, err := h.campaigns.Get(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusOK).JSON(toCampaignResponse(campaign))
}

type updateCampaignRequest struct {
	Name               *string                `json:"name"`
	Description        *string                `json:"description"`
	TimeZone           *string                `json:"time_zone"`
	MaxConcurrentCalls *int                   `json:"max_concurrent_calls"`
	RetryPolicy        *retryPolicyRequest    `json:"retry_policy"`
	BusinessHours      *[]businessHourRequest `json:"business_hours"`
}

func (h *HandlerSet) updateCampaign(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	var req updateCampaignRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	input := campaignsvc.UpdateCampaignInput{
		ID:                 id,
		Name:               req.Name,
		Description:        req.Description,
		TimeZone:           req.TimeZone,
		MaxConcurrentCalls: req.MaxConcurrentCalls,
	}
	if req.RetryPolicy != nil {
		rp, err := parseRetryPolicy(*req.RetryPolicy)
		if err != nil {
			return translateError(err)
		}
		input.RetryPolicy = &rp
	}
	if req.BusinessHours != nil {
		bh, err := parseBusinessHours(*req.BusinessHours)
		if err != nil {
			return translateError(err)
		}
		input.BusinessHours = &bh
	}

	campaign, err := h.campaigns.Update(ctx.UserContext(), input)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusOK).JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) startCampaign(ctx *fiber.Ctx) error {
	return h.lifecycle(ctx, h.campaigns.Start)
}

func (h *HandlerSet) pauseCampaign(ctx *fiber.Ctx) error {
	return h.lifecycle(ctx, h.campaigns.Pause)
}

func (h *HandlerSet) resumeCampaign(ctx *fiber.Ctx) error {
	return h.lifecycle(ctx, h.campaigns.Resume)
}

func (h *HandlerSet) lifecycle(ctx *fiber.Ctx, op func(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}
	if _, err := op(ctx.UserContext(), id); err != nil {
		return translateError(err)
	}
	campaign, err := h.campaigns.Get(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) completeCampaign(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}
	_, cancelled, err := h.campaigns.Complete(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}
	campaign, err := h.campaigns.Get(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(fiber.Map{
		"campaign":          toCampaignResponse(campaign),
		"cancelled_entries": cancelled,
	})
}

func (h *HandlerSet) setConcurrency(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}
	var req struct {
		MaxConcurrentCalls int `json:"max_concurrent_calls"`
	}
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	if err := h.campaigns.SetConcurrency(ctx.UserContext(), id, req.MaxConcurrentCalls); err != nil {
		return translateError(err)
	}
	return ctx.SendStatus(http.StatusNoContent)
}

func (h *HandlerSet) campaignStats(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	stats, err := h.campaigns.Stats(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusOK).JSON(campaignStatsResponse{
		Pending:          stats.Pending,
		Calling:          stats.Calling,
		RetryScheduled:   stats.RetryScheduled,
		Completed:        stats.Completed,
		Failed:           stats.Failed,
		DispatchAttempts: stats.DispatchAttempts,
		Rejections:       stats.Rejections,
		Sweeps:           stats.Sweeps,
		TalkSeconds:      stats.TalkSeconds,
		CostUnits:        stats.CostUnits,
	})
}

func toCampaignResponse(campaign *domain.Campaign) campaignResponse {
	resp := campaignResponse{
		ID:                 campaign.ID,
		Name:               campaign.Name,
		Description:        campaign.Description,
		TimeZone:           campaign.TimeZone,
		Status:             campaign.Status,
		MaxConcurrentCalls: campaign.MaxConcurrentCalls,
		RetryPolicy: retryPolicyResponse{
			MaxAttempts: campaign.RetryPolicy.MaxAttempts,
			BaseDelay:   campaign.RetryPolicy.BaseDelay.String(),
			MaxDelay:    campaign.RetryPolicy.MaxDelay.String(),
			Jitter:      campaign.RetryPolicy.Jitter,
		},
		BusinessHours: make([]businessHourResponse, 0, len(campaign.BusinessHours)),
		CreatedAt:     campaign.CreatedAt,
		UpdatedAt:     campaign.UpdatedAt,
		StartedAt:     campaign.StartedAt,
		CompletedAt:   campaign.CompletedAt,
	}

	for _, window := range campaign.BusinessHours {
		resp.BusinessHours = append(resp.BusinessHours, businessHourResponse{
			DayOfWeek: int(window.DayOfWeek),
			Start:     window.Start.Format("15:04"),
			End:       window.End.Format("15:04"),
		})
	}

	return resp
}

func toCreateCampaignInput(req createCampaignRequest) (campaignsvc.CreateCampaignInput, error) {
	input := campaignsvc.CreateCampaignInput{
		Name:               req.Name,
		Description:        req.Description,
		TimeZone:           req.TimeZone,
		MaxConcurrentCalls: req.MaxConcurrentCalls,
		Contacts:           toContacts(req.Contacts),
	}

	if req.RetryPolicy != nil {
		rp, err := parseRetryPolicy(*req.RetryPolicy)
		if err != nil {
			return campaignsvc.CreateCampaignInput{}, err
		}
		input.RetryPolicy = rp
	}

	if len(req.BusinessHours) > 0 {
		windows, err := parseBusinessHours(req.BusinessHours)
		if err != nil {
			return campaignsvc.CreateCampaignInput{}, err
		}
		input.BusinessHours = windows
	}

	return input, nil
}

func toContacts(req []contactRequest) []domain.Contact {
	contacts := make([]domain.Contact, 0, len(req))
	for _, c := range req {
		contacts = append(contacts, domain.Contact{ContactID: c.ContactID, PhoneNumber: c.PhoneNumber})
	}
	return contacts
}

func parseRetryPolicy(req retryPolicyRequest) (domain.RetryPolicy, error) {
	policy := domain.RetryPolicy{MaxAttempts: req.MaxAttempts, Jitter: req.Jitter}
	if req.BaseDelay != "" {
		d, err := time.ParseDuration(req.BaseDelay)
		if err != nil {
			return domain.RetryPolicy{}, fmt.Errorf("%w: invalid base_delay", apperrors.ErrValidation)
		}
		policy.BaseDelay = d
	}
	if req.MaxDelay != "" {
		d, err := time.ParseDuration(req.MaxDelay)
		if err != nil {
			return domain.RetryPolicy{}, fmt.Errorf("%w: invalid max_delay", apperrors.ErrValidation)
		}
		policy.MaxDelay = d
	}
	return policy, nil
}

func parseBusinessHours(req []businessHourRequest) ([]campaignsvc.BusinessHourInput, error) {
	windows := make([]campaignsvc.BusinessHourInput, 0, len(req))
	for _, bh := range req {
		start, err := time.Parse("15:04", bh.Start)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid start time", apperrors.ErrValidation)
		}
		end, err := time.Parse("15:04", bh.End)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid end time", apperrors.ErrValidation)
		}
		windows = append(windows, campaignsvc.BusinessHourInput{
			DayOfWeek: time.Weekday(bh.DayOfWeek),
			Start:     start,
			End:       end,
		})
	}
	return windows, nil
}

func parseUUID(value string) (uuid.UUID, error) {
	return uuid.Parse(value)
}
