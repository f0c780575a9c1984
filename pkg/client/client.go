// Package client is a typed HTTP client for the tuning backend.
package client

import (
	"context"
	"fmt"

	"tune-backend/pkg/models"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

type Client struct {
	http *resty.Client
}

func New(baseURL string) *Client {
	return &Client{http: resty.New().SetBaseURL(baseURL)}
}

func (c *Client) CreateExperiment(ctx context.Context, req models.CreateExperimentRequest) (models.CreateExperimentResponse, error) {
	var response models.CreateExperimentResponse
	res, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&response).
		Post("/experiments")
	if err != nil {
		return response, fmt.Errorf("error creating experiment: %w", err)
	}
	if res.IsError() {
		return response, fmt.Errorf("error creating experiment: %s", res.String())
	}
	return response, nil
}

func (c *Client) GetExperiment(ctx context.Context, experimentId uuid.UUID) (models.Experiment, error) {
	var response models.Experiment
	res, err := c.http.R().
		SetContext(ctx).
		SetResult(&response).
		Get(fmt.Sprintf("/experiments/%s", experimentId))
	if err != nil {
		return response, fmt.Errorf("error getting experiment: %w", err)
	}
	if res.IsError() {
		return response, fmt.Errorf("error getting experiment: %s", res.String())
	}
	return response, nil
}

func (c *Client) ListTrials(ctx context.Context, experimentId uuid.UUID, status string) ([]models.Trial, error) {
	request := c.http.R().SetContext(ctx)
	if status != "" {
		request.SetQueryParam("status", status)
	}

	var response models.ListTrialsResponse
	res, err := request.
		SetResult(&response).
		Get(fmt.Sprintf("/experiments/%s/trials", experimentId))
	if err != nil {
		return nil, fmt.Errorf("error listing trials: %w", err)
	}
	if res.IsError() {
		return nil, fmt.Errorf("error listing trials: %s", res.String())
	}
	return response.Trials, nil
}

func (c *Client) GetTrial(ctx context.Context, trialId uuid.UUID) (models.Trial, error) {
	var response models.Trial
	res, err := c.http.R().
		SetContext(ctx).
		SetResult(&response).
		Get(fmt.Sprintf("/trials/%s", trialId))
	if err != nil {
		return response, fmt.Errorf("error getting trial: %w", err)
	}
	if res.IsError() {
		return response, fmt.Errorf("error getting trial: %s", res.String())
	}
	return response, nil
}

func (c *Client) StopTrial(ctx context.Context, trialId uuid.UUID) error {
	res, err := c.http.R().
		SetContext(ctx).
		Post(fmt.Sprintf("/trials/%s/stop", trialId))
	if err != nil {
		return fmt.Errorf("error stopping trial: %w", err)
	}
	if res.IsError() {
		return fmt.Errorf("error stopping trial: %s", res.String())
	}
	return nil
}
