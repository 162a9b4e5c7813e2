package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T) string {
	t.Helper()
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	return w.Body.String()
}

func TestHandler(t *testing.T) {
	UpdatePoolMetrics(3, 2)
	UpdateTabMetrics(2, 1)
	UpdateDomainStates(5)

	body := scrape(t)
	for _, metric := range []string{
		"copyguard_browser_pool_size",
		"copyguard_browser_pool_available",
		"copyguard_open_tabs",
		"copyguard_blocking_tabs",
		"copyguard_domain_states",
	} {
		if !strings.Contains(body, metric) {
			t.Errorf("Expected metric %q not found in output", metric)
		}
	}
}

func TestSetBuildInfo(t *testing.T) {
	SetBuildInfo("1.0.0", "go1.24")

	body := scrape(t)
	if !strings.Contains(body, "copyguard_build_info") {
		t.Error("Expected copyguard_build_info metric")
	}
	if !strings.Contains(body, `version="1.0.0"`) {
		t.Error("Expected version label in build_info")
	}
}

func TestRecordRequest(t *testing.T) {
	RecordRequest("GET_STATUS", "ok", 10*time.Millisecond)
	RecordRequest("ENABLE_COPY", "error", 500*time.Millisecond)

	body := scrape(t)
	if !strings.Contains(body, `copyguard_requests_total{command="ENABLE_COPY",status="error"}`) {
		t.Error("Expected labelled copyguard_requests_total sample")
	}
	if !strings.Contains(body, "copyguard_request_duration_seconds") {
		t.Error("Expected copyguard_request_duration_seconds metric")
	}
}

func TestRecordDetection(t *testing.T) {
	RecordDetection("complete", []string{"cssBlocking", "copyTracking"})
	ObserveDetectionDuration(20 * time.Millisecond)

	body := scrape(t)
	for _, want := range []string{
		`copyguard_detections_total{kind="complete"}`,
		`copyguard_signatures_total{signature="cssBlocking"}`,
		`copyguard_signatures_total{signature="copyTracking"}`,
		"copyguard_detection_duration_seconds",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("Expected %s in output", want)
		}
	}
}

func TestRecordHelpers(t *testing.T) {
	RecordProbeFailure("css")
	RecordProbeMessage("listener_detected")
	RecordRejectedMessage("foreign")
	RecordRecheck(true)
	RecordRecheck(false)
	RecordBypass("ok")
	RecordDispatch("whitelist")
	RecordNotification("blocking")
	RecordHTTP("/v1", 200, 0)
	RecordHTTP("/wp-admin", 404, 0)
	RecordRateLimited()

	body := scrape(t)
	for _, want := range []string{
		`copyguard_probe_failures_total{probe="css"}`,
		`copyguard_probe_messages_total{kind="listener_detected"}`,
		`copyguard_rejected_messages_total{reason="foreign"}`,
		`copyguard_rechecks_total{outcome="changed"}`,
		`copyguard_rechecks_total{outcome="unchanged"}`,
		`copyguard_bypass_runs_total{status="ok"}`,
		`copyguard_enable_dispatches_total{path="whitelist"}`,
		`copyguard_notifications_total{kind="blocking"}`,
		`copyguard_http_responses_total{code="200",path="/v1"}`,
		`copyguard_http_responses_total{code="404",path="other"}`,
		`copyguard_rate_limited_total`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("Expected %s in output", want)
		}
	}
}

func TestStartMemoryCollector(t *testing.T) {
	stopCh := make(chan struct{})
	done := make(chan struct{})
	go func() {
		StartMemoryCollector(5*time.Millisecond, stopCh)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	close(stopCh)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("collector did not stop")
	}

	if !strings.Contains(scrape(t), "copyguard_goroutines") {
		t.Error("Expected copyguard_goroutines metric")
	}
}
