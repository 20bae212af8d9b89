package search

import (
	"bytes"
	"context"
	"encoding/json"

	"example.com/receiptops/config"
	"example.com/receiptops/internal/models"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/elastic/go-elasticsearch/v7/esapi"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ElasticClient feeds the analytics index consumed by downstream reporting.
// Only validated lines of fully processed receipts are indexed.
type ElasticClient struct {
	client  *elasticsearch.Client
	index   string
	enabled bool
}

// NewElasticClient creates a new Elasticsearch client
func NewElasticClient(cfg config.ElasticConfig) (*ElasticClient, error) {
	if !cfg.Enabled {
		return &ElasticClient{enabled: false}, nil
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Elasticsearch client")
	}

	return &ElasticClient{client: client, index: cfg.Index, enabled: true}, nil
}

// IndexLine indexes one validated receipt line together with its receipt's
// brand context
func (c *ElasticClient) IndexLine(ctx context.Context, receipt *models.Receipt, line *models.ReceiptLine) error {
	if !c.enabled {
		return nil
	}

	doc := map[string]interface{}{
		"line_id":     line.ID.String(),
		"receipt_id":  receipt.ID.String(),
		"root_id":     receipt.RootID.String(),
		"line_number": line.LineNumber,
		"item_name":   line.ItemName,
		"item_brand":  line.ItemBrand,
		"quantity":    line.Quantity,
		"unit":        line.Unit,
		"price":       line.Price,
		"category":    line.Category,
		"brand_name":  receipt.BrandName,
		"ingested_at": receipt.CreatedAt,
	}
	if receipt.BrandID != nil {
		doc["brand_id"] = receipt.BrandID.String()
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "failed to marshal line document")
	}

	req := esapi.IndexRequest{
		Index:      c.index,
		DocumentID: line.ID.String(),
		Body:       bytes.NewReader(body),
		Refresh:    "false",
	}

	res, err := req.Do(ctx, c.client)
	if err != nil {
		return errors.Wrap(err, "failed to index line")
	}
	defer res.Body.Close()

	if res.IsError() {
		return errors.Errorf("failed to index line: %s", res.String())
	}

	log.Debug().Str("line_id", line.ID.String()).Msg("indexed receipt line")
	return nil
}

// DeleteReceiptLines removes all indexed lines of a deleted receipt
func (c *ElasticClient) DeleteReceiptLines(ctx context.Context, receiptID string) error {
	if !c.enabled {
		return nil
	}

	query := map[string]interface{}{
		"query": map[string]interface{}{
			"term": map[string]interface{}{
				"receipt_id": receiptID,
			},
		},
	}
	body, err := json.Marshal(query)
	if err != nil {
		return errors.Wrap(err, "failed to marshal delete query")
	}

	res, err := c.client.DeleteByQuery([]string{c.index}, bytes.NewReader(body),
		c.client.DeleteByQuery.WithContext(ctx))
	if err != nil {
		return errors.Wrap(err, "failed to delete receipt lines from index")
	}
	defer res.Body.Close()

	if res.IsError() {
		return errors.Errorf("failed to delete receipt lines: %s", res.String())
	}
	return nil
}
