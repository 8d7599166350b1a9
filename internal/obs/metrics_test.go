package obs

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                       "/",
		"/metrics":               "/metrics",
		"/status?key=1&value=x":  "/status",
		"/admin/control/":        "/admin/control",
		"/infectionData":         "/infectionData",
		"/registration":          "/registration",
		"/some/unknown/resource": "other",
		"/wp-login.php":          "other",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestInstrumentCountsRequests(t *testing.T) {
	Init()
	Init()

	h := Instrument(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/time", "418"))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/time", nil))

	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/time", "418"))
	if after != before+1 {
		t.Fatalf("expected counter to grow by 1, got %v -> %v", before, after)
	}
	if got := testutil.ToFloat64(httpInFlight); got != 0 {
		t.Fatalf("in-flight gauge not released: %v", got)
	}
}
