// Package client holds HTTP clients for services this one depends on.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/boddenberg/finance-tracker/internal/domain"
	"github.com/boddenberg/finance-tracker/internal/infra/resilience"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("client")

// groupMembersResponse is the directory's answer for GET /v1/users/{id}/group.
type groupMembersResponse struct {
	GroupID   string   `json:"groupId"`
	MemberIDs []string `json:"memberIds"`
}

// GroupClient resolves shared owners through the user directory service.
type GroupClient struct {
	httpClient *http.Client
	baseURL    string
	cb         *gobreaker.CircuitBreaker
	cfg        resilience.Config
}

// NewGroupClient creates a new GroupClient.
func NewGroupClient(httpClient *http.Client, baseURL string, cb *gobreaker.CircuitBreaker, cfg resilience.Config) *GroupClient {
	return &GroupClient{
		httpClient: httpClient,
		baseURL:    baseURL,
		cb:         cb,
		cfg:        cfg,
	}
}

// SharedOwnerIDs returns every member of ownerID's group, ownerID first.
// A user without a group (404 or empty member list) resolves to itself.
func (c *GroupClient) SharedOwnerIDs(ctx context.Context, ownerID string) ([]string, error) {
	ctx, span := tracer.Start(ctx, "GroupClient.SharedOwnerIDs")
	defer span.End()
	span.SetAttributes(attribute.String("owner.id", ownerID))

	result, err := c.cb.Execute(func() (any, error) {
		var body groupMembersResponse
		innerErr := resilience.RetryWithBackoff(ctx, c.cfg, func() error {
			body = groupMembersResponse{}
			endpoint := fmt.Sprintf("%s/v1/users/%s/group", c.baseURL, url.PathEscape(ownerID))
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
			if err != nil {
				return resilience.Permanent(err)
			}

			resp, err := c.httpClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if resp.StatusCode == http.StatusNotFound {
				return resilience.Permanent(&domain.ErrNotFound{Resource: "group", ID: ownerID})
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("group directory returned status %d", resp.StatusCode)
			}

			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				return resilience.Permanent(fmt.Errorf("decode group members: %w", err))
			}
			return nil
		})
		if innerErr != nil {
			return nil, innerErr
		}
		return body.MemberIDs, nil
	})

	var notFound *domain.ErrNotFound
	switch {
	case err == nil:
	case errors.As(err, &notFound):
		return []string{ownerID}, nil
	default:
		span.RecordError(err)
		return nil, &domain.ErrExternalService{Service: "groups", Err: resilience.BreakerError(err, "groups")}
	}

	return withOwnerFirst(ownerID, result.([]string)), nil
}

// withOwnerFirst deduplicates members and guarantees ownerID is present.
func withOwnerFirst(ownerID string, members []string) []string {
	ids := make([]string, 0, len(members)+1)
	seen := map[string]bool{ownerID: true}
	ids = append(ids, ownerID)
	for _, m := range members {
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		ids = append(ids, m)
	}
	return ids
}
