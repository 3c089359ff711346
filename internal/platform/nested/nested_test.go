package nested

import "testing"

func TestParseMetricsJSONDecodesMemoryFields(t *testing.T) {
	raw := []byte(`{"cpu_usage": 15.0, "memory_used_kb": 262144, "memory_total_kb": 4194304, "rx_bytes": 10, "tx_bytes": 20, "uptime_seconds": 30}`)

	metrics, ok := parseMetricsJSON(raw)
	if !ok {
		t.Fatal("parseMetricsJSON() returned ok=false for well-formed input")
	}
	if metrics.MemoryUsedMB != 256 {
		t.Errorf("MemoryUsedMB = %d, want 256", metrics.MemoryUsedMB)
	}
	if metrics.MemoryTotalMB != 4096 {
		t.Errorf("MemoryTotalMB = %d, want 4096", metrics.MemoryTotalMB)
	}
	if metrics.RxBytes != 10 || metrics.TxBytes != 20 || metrics.UptimeSeconds != 30 {
		t.Errorf("unexpected metrics: %+v", metrics)
	}
	if !metrics.Stub {
		t.Error("expected the hardcoded cpu_usage reading to be flagged as stub")
	}
}

func TestParseMetricsJSONInvalidPayloadIsNotOK(t *testing.T) {
	if _, ok := parseMetricsJSON([]byte("not json")); ok {
		t.Error("parseMetricsJSON() should report ok=false for malformed input")
	}
}

func TestParseMetricsJSONErrorPayloadIsNotOK(t *testing.T) {
	raw := []byte(`{"error": "pgrep: no matching process"}`)
	metrics, ok := parseMetricsJSON(raw)
	if ok {
		t.Fatalf("parseMetricsJSON() should report ok=false for an error payload, got metrics=%+v", metrics)
	}
}
