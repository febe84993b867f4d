// Package influx records bridgepool time series in InfluxDB: share
// verdicts, miner hashrate, payouts, settled periods and transfer status
// changes.
package influx

import (
	"context"
	"fmt"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/bardlex/bridgepool/internal/bridge"
)

// Client wraps InfluxDB operations for time-series metrics
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	queryAPI api.QueryAPI
	bucket   string
	org      string
	now      func() time.Time
}

// Config holds InfluxDB connection configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewClient creates a new InfluxDB client
func NewClient(cfg *Config) (*Client, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to check InfluxDB health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		client.Close()
		return nil, fmt.Errorf("InfluxDB health check failed: %s", msg)
	}

	return &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		queryAPI: client.QueryAPI(cfg.Org),
		bucket:   cfg.Bucket,
		org:      cfg.Org,
		now:      time.Now,
	}, nil
}

// Close closes the InfluxDB connection
func (c *Client) Close() {
	c.writeAPI.Flush()
	c.client.Close()
}

// Health checks InfluxDB connectivity
func (c *Client) Health(ctx context.Context) error {
	health, err := c.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("health check failed: %s", msg)
	}

	return nil
}

// Errors exposes asynchronous write failures.
func (c *Client) Errors() <-chan error {
	return c.writeAPI.Errors()
}

// Flush forces a write of all pending points
func (c *Client) Flush() {
	c.writeAPI.Flush()
}

// Pool metrics

// WriteShare writes one share verdict
func (c *Client) WriteShare(minerID string, difficulty, networkDiff float64, accepted, block bool, reason string, at time.Time) {
	c.writeAPI.WritePoint(sharePoint(minerID, difficulty, networkDiff, accepted, block, reason, at))
}

// WriteHashrate writes a miner hashrate estimate
func (c *Client) WriteHashrate(minerID string, hashrate float64) {
	point := write.NewPoint("hashrate",
		map[string]string{"miner_id": minerID},
		map[string]interface{}{"hashrate": hashrate},
		c.now())
	c.writeAPI.WritePoint(point)
}

// WritePayout writes one payout; it implements payout.Reporter
func (c *Client) WritePayout(periodID uint64, minerID string, amount uint64, status string) {
	c.writeAPI.WritePoint(payoutPoint(periodID, minerID, amount, status, c.now()))
}

// WritePeriod writes the totals of a settled period; it implements payout.Reporter
func (c *Client) WritePeriod(periodID uint64, pool, fee, paid uint64, miners, carried int) {
	c.writeAPI.WritePoint(periodPoint(periodID, pool, fee, paid, miners, carried, c.now()))
}

// Bridge metrics

// TransferChanged writes a transfer status change; it implements bridge.Observer
func (c *Client) TransferChanged(_ context.Context, t bridge.Transfer, from bridge.Status) {
	c.writeAPI.WritePoint(transferPoint(t, from))
}

func sharePoint(minerID string, difficulty, networkDiff float64, accepted, block bool, reason string, at time.Time) *write.Point {
	tags := map[string]string{
		"miner_id": minerID,
		"valid":    strconv.FormatBool(accepted),
		"block":    strconv.FormatBool(block),
	}
	if reason != "" {
		tags["reason"] = reason
	}

	fields := map[string]interface{}{
		"difficulty":         difficulty,
		"network_difficulty": networkDiff,
		"count":              1,
	}

	return write.NewPoint("shares", tags, fields, at)
}

func payoutPoint(periodID uint64, minerID string, amount uint64, status string, at time.Time) *write.Point {
	tags := map[string]string{
		"miner_id": minerID,
		"period":   strconv.FormatUint(periodID, 10),
		"status":   status,
	}

	fields := map[string]interface{}{
		"amount": amount,
		"count":  1,
	}

	return write.NewPoint("payouts", tags, fields, at)
}

func periodPoint(periodID uint64, pool, fee, paid uint64, miners, carried int, at time.Time) *write.Point {
	fields := map[string]interface{}{
		"pool":    pool,
		"fee":     fee,
		"paid":    paid,
		"miners":  miners,
		"carried": carried,
	}

	return write.NewPoint("periods", map[string]string{"period": strconv.FormatUint(periodID, 10)}, fields, at)
}

func transferPoint(t bridge.Transfer, from bridge.Status) *write.Point {
	tags := map[string]string{
		"source_chain": strconv.FormatUint(uint64(t.SourceChain), 10),
		"dest_chain":   strconv.FormatUint(uint64(t.DestChain), 10),
		"from":         string(from),
		"to":           string(t.Status),
	}

	fields := map[string]interface{}{
		"amount":   t.Amount,
		"fee":      t.Fee,
		"attempts": t.Attempts,
		"count":    1,
	}

	return write.NewPoint("transfers", tags, fields, t.UpdatedAt)
}

// Query methods

// GetHashrateHistory retrieves hashrate history for a miner
func (c *Client) GetHashrateHistory(ctx context.Context, minerID string, duration time.Duration) ([]HashratePoint, error) {
	query := fmt.Sprintf(`
		from(bucket: "%s")
		|> range(start: -%s)
		|> filter(fn: (r) => r._measurement == "hashrate")
		|> filter(fn: (r) => r.miner_id == %q)
		|> filter(fn: (r) => r._field == "hashrate")
		|> aggregateWindow(every: 5m, fn: mean, createEmpty: false)
	`, c.bucket, duration.String(), minerID)

	result, err := c.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query hashrate history: %w", err)
	}
	defer func() { _ = result.Close() }()

	var points []HashratePoint
	for result.Next() {
		record := result.Record()
		if value, ok := record.Value().(float64); ok {
			points = append(points, HashratePoint{
				Time:     record.Time(),
				Hashrate: value,
			})
		}
	}

	if result.Err() != nil {
		return nil, fmt.Errorf("error reading query result: %w", result.Err())
	}

	return points, nil
}

// GetShareStats retrieves share statistics for a time period
func (c *Client) GetShareStats(ctx context.Context, minerID string, duration time.Duration) (*ShareStats, error) {
	query := fmt.Sprintf(`
		from(bucket: "%s")
		|> range(start: -%s)
		|> filter(fn: (r) => r._measurement == "shares")
		|> filter(fn: (r) => r.miner_id == %q)
		|> filter(fn: (r) => r._field == "count")
		|> group(columns: ["valid"])
		|> sum()
	`, c.bucket, duration.String(), minerID)

	result, err := c.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query share stats: %w", err)
	}
	defer func() { _ = result.Close() }()

	stats := &ShareStats{}
	for result.Next() {
		record := result.Record()
		if count, ok := record.Value().(int64); ok {
			if record.ValueByKey("valid") == "true" {
				stats.ValidShares = count
			} else {
				stats.InvalidShares = count
			}
		}
	}

	if result.Err() != nil {
		return nil, fmt.Errorf("error reading query result: %w", result.Err())
	}

	stats.finish()
	return stats, nil
}

// Data structures

// HashratePoint represents a hashrate measurement at a point in time
type HashratePoint struct {
	Time     time.Time `json:"time"`
	Hashrate float64   `json:"hashrate"`
}

// ShareStats represents aggregated share statistics
type ShareStats struct {
	TotalShares   int64   `json:"total_shares"`
	ValidShares   int64   `json:"valid_shares"`
	InvalidShares int64   `json:"invalid_shares"`
	ValidPercent  float64 `json:"valid_percent"`
}

func (s *ShareStats) finish() {
	s.TotalShares = s.ValidShares + s.InvalidShares
	if s.TotalShares > 0 {
		s.ValidPercent = float64(s.ValidShares) / float64(s.TotalShares) * 100
	}
}
