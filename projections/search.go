package projections

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"example.com/aethyr/world/config"
	"example.com/aethyr/world/domain"
)

// Index names, before the configured prefix
const (
	EventsIndex  = "events"
	ObjectsIndex = "objects"
)

// NewElasticsearchClient creates a new Elasticsearch client
func NewElasticsearchClient(cfg config.ElasticConfig) (*elasticsearch.Client, error) {
	elasticCfg := elasticsearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 10,
		},
	}

	client, err := elasticsearch.NewClient(elasticCfg)
	if err != nil {
		return nil, fmt.Errorf("error creating Elasticsearch client: %w", err)
	}

	res, err := client.Info()
	if err != nil {
		return nil, fmt.Errorf("error connecting to Elasticsearch: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("Elasticsearch returned error: %s", res.String())
	}

	log.Info().Msg("Successfully connected to Elasticsearch")
	return client, nil
}

// EnsureIndices ensures that all required indices exist
func EnsureIndices(ctx context.Context, client *elasticsearch.Client, cfg config.ElasticConfig) error {
	for _, index := range []string{EventsIndex, ObjectsIndex} {
		formattedIndex := config.FormatIndex(cfg, index)

		exists, err := indexExists(ctx, client, formattedIndex)
		if err != nil {
			return err
		}
		if !exists {
			log.Info().Msgf("Creating index %s", formattedIndex)
			if err := createIndex(ctx, client, formattedIndex); err != nil {
				return err
			}
		}
	}
	return nil
}

func indexExists(ctx context.Context, client *elasticsearch.Client, index string) (bool, error) {
	res, err := client.Indices.Exists([]string{index}, client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return false, fmt.Errorf("error checking if index %s exists: %w", index, err)
	}
	defer res.Body.Close()

	return res.StatusCode == http.StatusOK, nil
}

func createIndex(ctx context.Context, client *elasticsearch.Client, index string) error {
	res, err := client.Indices.Create(index, client.Indices.Create.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("error creating index %s: %w", index, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("error creating index %s: %s", index, res.String())
	}
	return nil
}

// SearchProjector indexes every event and the current projected state of
// its aggregate. It must be registered after the SQL projectors, whose rows
// it copies.
type SearchProjector struct {
	client *elasticsearch.Client
	db     *gorm.DB
	cfg    config.ElasticConfig
}

// NewSearchProjector creates a new search projector
func NewSearchProjector(client *elasticsearch.Client, db *gorm.DB, cfg config.ElasticConfig) *SearchProjector {
	return &SearchProjector{client: client, db: db, cfg: cfg}
}

func (p *SearchProjector) Name() string { return "search" }

func (p *SearchProjector) Handles(aggregateType domain.AggregateType, _ domain.EventType) bool {
	return domain.KnownAggregateType(aggregateType)
}

// Project projects an event. Documents are keyed by event and aggregate
// id, so redelivery overwrites instead of duplicating.
func (p *SearchProjector) Project(ctx context.Context, event domain.Event) error {
	if err := p.index(ctx, EventsIndex, event.ID, event); err != nil {
		return fmt.Errorf("failed to index event in Elasticsearch: %w", err)
	}

	row, err := lookupRow(ctx, p.db, event.AggregateType, event.AggregateID)
	if err != nil {
		return err
	}
	if row == nil {
		return nil
	}
	row["aggregate_type"] = event.AggregateType
	if err := p.index(ctx, ObjectsIndex, event.AggregateID, row); err != nil {
		return fmt.Errorf("failed to index %s in Elasticsearch: %w", event.AggregateID, err)
	}
	return nil
}

func (p *SearchProjector) index(ctx context.Context, index, id string, doc any) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	res, err := p.client.Index(
		config.FormatIndex(p.cfg, index),
		bytes.NewReader(body),
		p.client.Index.WithDocumentID(id),
		p.client.Index.WithRefresh("true"),
		p.client.Index.WithContext(ctx),
	)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("%s", res.String())
	}
	return nil
}

// Reset drops and recreates the indices
func (p *SearchProjector) Reset(ctx context.Context) error {
	indices := []string{config.FormatIndex(p.cfg, EventsIndex), config.FormatIndex(p.cfg, ObjectsIndex)}
	res, err := p.client.Indices.Delete(
		indices,
		p.client.Indices.Delete.WithIgnoreUnavailable(true),
		p.client.Indices.Delete.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("error deleting indices: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("error deleting indices: %s", res.String())
	}
	return EnsureIndices(ctx, p.client, p.cfg)
}
