package telemetry

import (
	"context"
	"testing"
	"time"
)

func TestSetupNoopWithoutEndpoint(t *testing.T) {
	shutdown, err := Setup(context.Background(), "codecollab-test", "")
	if err != nil {
		t.Fatalf("Failed to set up telemetry: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("Failed to shut down: %v", err)
	}
}

func TestSetupWithEndpoint(t *testing.T) {
	// Non-routable, nothing is exported before shutdown.
	shutdown, err := Setup(context.Background(), "codecollab-test", "http://192.0.2.1:4318")
	if err != nil {
		t.Fatalf("Failed to set up telemetry: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = shutdown(ctx)
}
