package main

import (
	"context"
	"testing"
	"time"

	"settld/core/outbox"
	"settld/core/store"
)

func TestEndpointResolverFromEnvRequiresURL(t *testing.T) {
	t.Setenv("WEBHOOK_ENDPOINT_URL", "")
	resolver := endpointResolverFromEnv()

	if _, err := resolver(context.Background(), "tenant_a", "session.event.appended"); err == nil {
		t.Fatalf("expected error when WEBHOOK_ENDPOINT_URL is unset")
	}
}

func TestEndpointResolverFromEnvReturnsConfiguredEndpoint(t *testing.T) {
	t.Setenv("WEBHOOK_ENDPOINT_URL", "https://example.test/hooks")
	t.Setenv("WEBHOOK_ENDPOINT_SECRET", "s3cret")
	resolver := endpointResolverFromEnv()

	endpoint, err := resolver(context.Background(), "tenant_a", "session.event.appended")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if endpoint.URL != "https://example.test/hooks" || endpoint.Secret != "s3cret" {
		t.Fatalf("unexpected endpoint: %+v", endpoint)
	}
}

type stubDeliverer struct {
	calls int
}

func (d *stubDeliverer) Deliver(context.Context, outbox.DeliveryRequest) (*outbox.DeliveryResponse, error) {
	d.calls++
	return &outbox.DeliveryResponse{StatusCode: 200}, nil
}

func TestRunStopsWhenContextCancelled(t *testing.T) {
	st := store.NewMemory()
	deliverer := &stubDeliverer{}
	scheduler := outbox.NewScheduler(st, func(context.Context, string, string) (outbox.Endpoint, error) {
		return outbox.Endpoint{URL: "https://example.test/hooks", Secret: "s3cret"}, nil
	}, outbox.WithDeliverer(deliverer))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		run(ctx, scheduler, "tenant_a", 5*time.Millisecond)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("run did not return after context cancellation")
	}
}
