package morelogin

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"loginpilot/internal/domain"
)

// resolvePageSize is how many profiles a name lookup scans.
const resolvePageSize = 100

// ListProfiles returns one page of profiles, trying the current listing
// endpoint first and the legacy one second.
func (c *Client) ListProfiles(ctx context.Context, page, pageSize int) ([]domain.ProfileSummary, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = resolvePageSize
	}

	strategies := []Strategy{
		{
			Name:     "env/page",
			Method:   http.MethodPost,
			Endpoint: "/api/env/page",
			Payload:  map[string]any{"pageNo": page, "pageSize": pageSize},
			Always:   true,
		},
		{
			Name:     "v1/profile/list",
			Method:   http.MethodGet,
			Endpoint: "/api/v1/profile/list?" + url.Values{"page": {strconv.Itoa(page)}, "page_size": {strconv.Itoa(pageSize)}}.Encode(),
			Always:   true,
		},
	}
	resp, err := c.execute(ctx, "list profiles", strategies, requireOK)
	if err != nil {
		return nil, err
	}

	data, err := resp.data()
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	m, _ := data.(map[string]any)
	items, _ := m["dataList"].([]any)
	if items == nil {
		items, _ = m["list"].([]any)
	}

	out := make([]domain.ProfileSummary, 0, len(items))
	for _, it := range items {
		p, ok := it.(map[string]any)
		if !ok {
			continue
		}
		id := stringField(p, "id", "Id", "envId")
		if id == "" {
			continue
		}
		out = append(out, domain.ProfileSummary{
			ID:     id,
			Name:   stringField(p, "envName", "name"),
			Status: stringField(p, "status", "localStatus"),
		})
	}
	return out, nil
}

// ResolveByName returns the id of the profile whose name equals name.
func (c *Client) ResolveByName(ctx context.Context, name string) (string, error) {
	profiles, err := c.ListProfiles(ctx, 1, resolvePageSize)
	if err != nil {
		return "", err
	}
	for _, p := range profiles {
		if p.Name == name {
			return p.ID, nil
		}
	}
	return "", domain.NewSubSystemError("morelogin", "morelogin.ResolveByName", domain.ErrNotFound,
		fmt.Sprintf("no profile named %q", name))
}

// FindByNameContains returns the first profile whose name contains term,
// case-insensitively.
func (c *Client) FindByNameContains(ctx context.Context, term string) (domain.ProfileSummary, error) {
	profiles, err := c.ListProfiles(ctx, 1, resolvePageSize)
	if err != nil {
		return domain.ProfileSummary{}, err
	}
	needle := strings.ToLower(term)
	for _, p := range profiles {
		if strings.Contains(strings.ToLower(p.Name), needle) {
			return p, nil
		}
	}
	return domain.ProfileSummary{}, domain.NewSubSystemError("morelogin", "morelogin.FindByNameContains", domain.ErrNotFound,
		fmt.Sprintf("no profile name contains %q", term))
}

// CheckHealth reports whether the service answers a one-item listing.
func (c *Client) CheckHealth(ctx context.Context) bool {
	resp, err := c.do(ctx, http.MethodPost, "/api/env/page", map[string]any{"pageNo": 1, "pageSize": 1}, true)
	return err == nil && resp.OK()
}
