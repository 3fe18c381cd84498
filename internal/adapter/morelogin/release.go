package morelogin

import (
	"context"
	"errors"
	"net/http"

	"loginpilot/internal/domain"
)

func releaseStrategies(id string) []Strategy {
	return []Strategy{
		{Name: "v1/profile/stop ids=string", Endpoint: "/api/v1/profile/stop", Payload: map[string]any{"ids": id}, Auth: true},
		{Name: "env/close", Endpoint: "/api/env/close", Payload: map[string]any{"envId": id}, Auth: true},
		{Name: "env/close unauthenticated", Endpoint: "/api/env/close", Payload: map[string]any{"envId": id}, Auth: false},
		{Name: "v1/profile/stop ids=array", Endpoint: "/api/v1/profile/stop", Payload: map[string]any{"ids": []string{id}}, Auth: true},
	}
}

// Release stops the profile. A 404 is only a strategy failure, since a
// service without a route answers 404 too; the next strategy still runs.
// When every strategy failed and one of them answered 404 the profile is
// taken as already released, so Release may be called more than once.
func (c *Client) Release(ctx context.Context, profileID string) (bool, error) {
	if profileID == "" {
		return false, domain.NewDomainError("morelogin.Release", domain.ErrInvalidInput, "empty profile id")
	}
	_, err := c.execute(ctx, "release "+profileID, releaseStrategies(profileID), requireOK)
	if err != nil {
		var serr *StrategyError
		if errors.As(err, &serr) {
			if serr.sawStatus(http.StatusNotFound) {
				c.logger.Info("profile already released", "profile_id", profileID)
				return true, nil
			}
			c.logger.Warn("profile release failed", "profile_id", profileID, "error", err)
		}
		return false, err
	}
	c.logger.Info("profile released", "profile_id", profileID)
	return true, nil
}
