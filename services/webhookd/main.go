// Command webhookd runs the outbox tick scheduler as a standalone polling
// loop, the way services/escrow-gateway's EventWatcher drives its
// webhook queue with a time.Ticker instead of a one-shot invocation.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"settld/core/outbox"
	"settld/core/storeselect"
	"settld/gateway/settldconfig"
	"settld/observability/logging"
	"settld/observability/metrics"
)

const defaultTickInterval = 5 * time.Second

func main() {
	env := strings.TrimSpace(os.Getenv("NHB_ENV"))
	logging.Setup("webhookd", env)

	cfg, err := settldconfig.LoadFromEnv()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	tenantID := strings.TrimSpace(os.Getenv("TENANT_ID"))
	if tenantID == "" {
		log.Fatalf("TENANT_ID is required")
	}

	st, err := storeselect.Open(cfg.Store)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}

	resolver := endpointResolverFromEnv()
	scheduler := outbox.NewScheduler(st, resolver,
		outbox.WithMaxAttempts(cfg.Outbox.MaxAttempts),
		outbox.WithSchedulerMetrics(metrics.Outbox()),
	)

	interval := cfg.Tick.AutoTickInterval
	if interval <= 0 {
		interval = defaultTickInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Printf("webhookd shutting down")
		cancel()
	}()

	log.Printf("webhookd ticking every %s for tenant %s", interval, tenantID)
	run(ctx, scheduler, tenantID, interval)
}

// run drains due outbox deliveries on a fixed interval until ctx is
// cancelled, mirroring EventWatcher.Run's ticker loop.
func run(ctx context.Context, scheduler *outbox.Scheduler, tenantID string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := scheduler.TickDeliveries(ctx, tenantID, "", 100)
			if err != nil {
				log.Printf("tick deliveries: %v", err)
				continue
			}
			if result.Delivered+result.Failed+result.DeadLettered+result.Retried > 0 {
				log.Printf("tick: delivered=%d retried=%d dead_lettered=%d", result.Delivered, result.Retried, result.DeadLettered)
			}
		}
	}
}

// endpointResolverFromEnv resolves the configured tenant's webhook endpoint
// + signing secret from WEBHOOK_ENDPOINT_URL/WEBHOOK_ENDPOINT_SECRET. One
// webhookd process serves one tenant; multi-tenant deployments run one
// process per tenant.
func endpointResolverFromEnv() outbox.EndpointResolver {
	url := strings.TrimSpace(os.Getenv("WEBHOOK_ENDPOINT_URL"))
	secret := os.Getenv("WEBHOOK_ENDPOINT_SECRET")
	return func(ctx context.Context, tenantID, msgType string) (outbox.Endpoint, error) {
		if url == "" {
			return outbox.Endpoint{}, fmt.Errorf("webhookd: WEBHOOK_ENDPOINT_URL not configured for tenant %q", tenantID)
		}
		return outbox.Endpoint{URL: url, Secret: secret}, nil
	}
}
