package domain

import (
	"context"
	"errors"
	"time"
)

type Service interface {
	Provision(ctx context.Context, req ProvisionRequest) (*ProvisionResponse, error)
	GetByID(ctx context.Context, id string) (*OrganizationResponse, error)
	List(ctx context.Context) ([]OrganizationResponse, error)
}

type ProvisionRequest struct {
	Name            string `json:"name"`
	TimezoneName    string `json:"timezone_name"`
	SupportEmail    string `json:"support_email"`
	PeriodAllowance *int64 `json:"period_allowance,omitempty"`
}

type ProvisionResponse struct {
	Organization   OrganizationResponse `json:"organization"`
	APIKeyID       string               `json:"api_key_id"`
	APIKey         string               `json:"api_key"`
	InitialCredits int64                `json:"initial_credits"`
}

type OrganizationResponse struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Slug         string    `json:"slug"`
	TimezoneName string    `json:"timezone_name"`
	SupportEmail string    `json:"support_email,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

var (
	ErrInvalidName         = errors.New("invalid_name")
	ErrInvalidAllowance    = errors.New("invalid_allowance")
	ErrSlugTaken           = errors.New("slug_taken")
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrNotFound            = errors.New("not_found")
)
