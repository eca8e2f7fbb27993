package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsExposed(t *testing.T) {
	reg := NewRegistry()
	m := NewMetrics(reg)

	m.TicksTotal.Inc()
	m.EvaluationsTotal.WithLabelValues("entry_long", "true").Inc()
	m.BreakerOpen.Set(1)

	if got := testutil.ToFloat64(m.TicksTotal); got != 1 {
		t.Errorf("ticks = %v", got)
	}

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, want := range []string{
		"engine_ticks_total 1",
		`engine_evaluations_total{result="true",type="entry_long"} 1`,
		"engine_circuit_breaker_state 1",
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output misses %q", want)
		}
	}
}
