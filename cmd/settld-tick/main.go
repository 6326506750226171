// Command settld-tick runs one pass of the outbox tick scheduler and exits,
// for cron-style invocation rather than webhookd's standing ticker loop.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"settld/core/outbox"
	"settld/core/storeselect"
	"settld/gateway/settldconfig"
	"settld/observability/logging"
	"settld/observability/metrics"
)

type tickReport struct {
	TenantID     string `json:"tenantId"`
	MessageType  string `json:"messageType,omitempty"`
	Delivered    int    `json:"delivered"`
	Failed       int    `json:"failed"`
	DeadLettered int    `json:"deadLettered"`
	Retried      int    `json:"retried"`
}

func main() {
	tenantID := flag.String("tenant", "", "tenant id to tick (required)")
	msgType := flag.String("type", "", "outbox message type to tick, empty matches any")
	maxMessages := flag.Int("max", 100, "maximum messages to drain in this pass")
	endpointURL := flag.String("endpoint-url", "", "webhook endpoint URL for this tenant")
	endpointSecret := flag.String("endpoint-secret", "", "webhook signing secret for this tenant")
	flag.Parse()

	if strings.TrimSpace(*tenantID) == "" {
		fmt.Fprintln(os.Stderr, "-tenant is required")
		os.Exit(1)
	}

	env := strings.TrimSpace(os.Getenv("NHB_ENV"))
	logging.Setup("settld-tick", env)

	cfg, err := settldconfig.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	st, err := storeselect.Open(cfg.Store)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}

	url := strings.TrimSpace(*endpointURL)
	if url == "" {
		url = strings.TrimSpace(os.Getenv("WEBHOOK_ENDPOINT_URL"))
	}
	secret := *endpointSecret
	if secret == "" {
		secret = os.Getenv("WEBHOOK_ENDPOINT_SECRET")
	}
	resolver := func(ctx context.Context, tenant, msgType string) (outbox.Endpoint, error) {
		if url == "" {
			return outbox.Endpoint{}, fmt.Errorf("settld-tick: no webhook endpoint configured for tenant %q", tenant)
		}
		return outbox.Endpoint{URL: url, Secret: secret}, nil
	}

	scheduler := outbox.NewScheduler(st, resolver,
		outbox.WithMaxAttempts(cfg.Outbox.MaxAttempts),
		outbox.WithSchedulerMetrics(metrics.Outbox()),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, err := scheduler.TickDeliveries(ctx, *tenantID, *msgType, *maxMessages)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tick deliveries: %v\n", err)
		os.Exit(1)
	}

	report := tickReport{
		TenantID: *tenantID, MessageType: *msgType,
		Delivered: result.Delivered, Failed: result.Failed,
		DeadLettered: result.DeadLettered, Retried: result.Retried,
	}
	output, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode report: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(output))
}
