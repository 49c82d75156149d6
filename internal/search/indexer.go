package search

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"identity-service/internal/client"
	"identity-service/internal/models"
	"identity-service/internal/util"
)

// ProfileDocument is the shape indexed for the candidate directory. It
// carries only fields recruiters search on.
type ProfileDocument struct {
	ProfileID         string   `json:"profile_id"`
	FirstName         string   `json:"first_name"`
	LastName          string   `json:"last_name"`
	Email             string   `json:"email"`
	City              string   `json:"city,omitempty"`
	State             string   `json:"state,omitempty"`
	Degree            string   `json:"degree,omitempty"`
	DegreeCgpa        *float64 `json:"degree_cgpa,omitempty"`
	TenthPercentage   *float64 `json:"tenth_percentage,omitempty"`
	TwelfthPercentage *float64 `json:"twelfth_percentage,omitempty"`
}

// Indexer maintains the candidate directory index. Index is best effort;
// the profile store stays the source of truth.
type Indexer interface {
	Index(ctx context.Context, profile *models.Profile)
	Search(ctx context.Context, query string, size int) ([]ProfileDocument, error)
}

type esIndexer struct {
	client *client.ESClient
	index  string
}

func NewESIndexer(esClient *client.ESClient, index string) Indexer {
	return &esIndexer{client: esClient, index: index}
}

func (s *esIndexer) Index(ctx context.Context, profile *models.Profile) {
	doc := ProfileDocument{
		ProfileID:         profile.ProfileID,
		FirstName:         profile.FirstName,
		LastName:          profile.LastName,
		Email:             profile.Email,
		City:              profile.City,
		State:             profile.State,
		Degree:            profile.Degree,
		DegreeCgpa:        profile.DegreeCgpa,
		TenthPercentage:   profile.TenthPercentage,
		TwelfthPercentage: profile.TwelfthPercentage,
	}

	res, err := s.client.IndexDocument(ctx, s.index, profile.ProfileID, doc)
	if err != nil {
		util.Warn("Failed to index profile",
			zap.String("profile_id", profile.ProfileID),
			zap.Error(err))
		return
	}
	defer res.Body.Close()

	if res.IsError() {
		util.Warn("Profile index request rejected",
			zap.String("profile_id", profile.ProfileID),
			zap.String("status", res.Status()))
		return
	}

	util.Debug("Profile indexed", zap.String("profile_id", profile.ProfileID))
}

func (s *esIndexer) Search(ctx context.Context, query string, size int) ([]ProfileDocument, error) {
	if size <= 0 || size > 100 {
		size = 20
	}

	esQuery := map[string]interface{}{
		"size": size,
		"query": map[string]interface{}{
			"multi_match": map[string]interface{}{
				"query":  query,
				"fields": []string{"first_name^2", "last_name^2", "email", "city", "state", "degree"},
			},
		},
	}

	res, err := s.client.Search(ctx, s.index, esQuery)
	if err != nil {
		return nil, fmt.Errorf("candidate search failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("candidate search failed: %s", res.Status())
	}

	var parsed struct {
		Hits struct {
			Hits []struct {
				Source ProfileDocument `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := s.client.ParseResponse(res, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse search response: %w", err)
	}

	docs := make([]ProfileDocument, 0, len(parsed.Hits.Hits))
	for _, hit := range parsed.Hits.Hits {
		docs = append(docs, hit.Source)
	}
	return docs, nil
}

// noopIndexer is used when the directory index is not configured.
type noopIndexer struct{}

func NewNoopIndexer() Indexer { return noopIndexer{} }

func (noopIndexer) Index(context.Context, *models.Profile) {}

func (noopIndexer) Search(context.Context, string, int) ([]ProfileDocument, error) {
	return nil, fmt.Errorf("candidate search not configured")
}
