package xferd

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"pkt.systems/pslog"
)

func TestResolveOTLPTarget(t *testing.T) {
	cases := []struct {
		raw      string
		protocol string
		endpoint string
		path     string
		insecure bool
	}{
		{"collector", "grpc", "collector:4317", "", true},
		{"collector:9999", "grpc", "collector:9999", "", true},
		{"grpc://collector", "grpc", "collector:4317", "", true},
		{"grpcs://collector:443", "grpc", "collector:443", "", false},
		{"http://collector", "http", "collector:4318", "", true},
		{"https://collector/v1/traces/", "http", "collector:4318", "/v1/traces", false},
	}
	for _, tc := range cases {
		got, err := resolveOTLPTarget(tc.raw)
		if err != nil {
			t.Fatalf("%s: %v", tc.raw, err)
		}
		if got.protocol != tc.protocol || got.endpoint != tc.endpoint || got.path != tc.path || got.insecure != tc.insecure {
			t.Fatalf("%s: unexpected target %+v", tc.raw, got)
		}
	}
	for _, bad := range []string{"", "ftp://collector", "grpc://"} {
		if _, err := resolveOTLPTarget(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestSetupTelemetryEmpty(t *testing.T) {
	bundle, err := setupTelemetry(context.Background(), telemetryConfig{}, pslog.NoopLogger())
	if err != nil || bundle != nil {
		t.Fatalf("expected nil bundle, got %v, %v", bundle, err)
	}
	if _, err := setupTelemetry(context.Background(), telemetryConfig{enableProfilingMetrics: true}, pslog.NoopLogger()); err == nil {
		t.Fatalf("profiling without metrics listener must fail")
	}
}

func TestSetupTelemetryServesMetrics(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	bundle, err := setupTelemetry(ctx, telemetryConfig{
		metricsListen: "127.0.0.1:0",
		pprofListen:   "127.0.0.1:0",
	}, pslog.NoopLogger())
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	t.Cleanup(func() { _ = bundle.Shutdown(context.Background()) })

	for _, url := range []string{
		"http://" + bundle.metricsLn.Addr().String() + "/metrics",
		"http://" + bundle.pprofLn.Addr().String() + "/debug/pprof/",
	} {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("get %s: %v", url, err)
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("get %s: status %d", url, resp.StatusCode)
		}
	}
}
