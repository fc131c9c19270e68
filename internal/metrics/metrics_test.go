package metrics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/kortschak/pmdstream/pmd"
)

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Frame("H10", pmd.AccType)
	m.Frame("H10", pmd.AccType)
	m.Frame("H10", pmd.ECGType)
	_, err := pmd.Decode(pmd.AccType, []byte{2, 0})
	m.DecodeError("H10", pmd.AccType, err)
	m.ControlPointFailure("H10", pmd.MeasureStart.String())
	m.Connection(nil)
	m.Connection(errors.New("refused"))
	m.Connection(errors.New("refused"))
	m.Dropped("H10", pmd.ECGType, 3)
	m.Dropped("H10", pmd.ECGType, 0)

	tests := []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{name: "acc_frames", c: m.frames.WithLabelValues("H10", "ACC"), want: 2},
		{name: "ecg_frames", c: m.frames.WithLabelValues("H10", "ECG"), want: 1},
		{name: "truncated", c: m.decodeErrors.WithLabelValues("H10", "ACC", "truncated"), want: 1},
		{name: "cp_failure", c: m.cpFailures.WithLabelValues("H10", pmd.MeasureStart.String()), want: 1},
		{name: "connect_ok", c: m.connections.WithLabelValues("success"), want: 1},
		{name: "connect_fail", c: m.connections.WithLabelValues("failure"), want: 2},
		{name: "dropped", c: m.dropped.WithLabelValues("H10", "ECG"), want: 3},
	}
	for _, test := range tests {
		if got := testutil.ToFloat64(test.c); got != test.want {
			t.Errorf("unexpected value for %s: got:%v want:%v", test.name, got, test.want)
		}
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.Frame("H10", pmd.AccType)
	m.DecodeError("H10", pmd.AccType, pmd.ErrDecode)
	m.ControlPointFailure("H10", "start")
	m.Connection(nil)
	m.Dropped("H10", pmd.AccType, 1)
}

func TestKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{err: pmd.ErrTruncatedFrame, want: "truncated"},
		{err: fmt.Errorf("frame: %w", pmd.ErrMalformedFrame), want: "malformed"},
		{err: pmd.ErrUnsupportedLayout, want: "unsupported_layout"},
		{err: pmd.ErrProtocolMismatch, want: "protocol_mismatch"},
		{err: pmd.ErrDecode, want: "decode"},
		{err: errors.New("other"), want: "decode"},
	}
	for _, test := range tests {
		if got := Kind(test.err); got != test.want {
			t.Errorf("unexpected kind for %v: got:%q want:%q", test.err, got, test.want)
		}
	}
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.Frame("H10", pmd.PPIType)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	want := `pmdstream_frames_total{device="H10",measurement="PPI"} 1`
	if !strings.Contains(rec.Body.String(), want) {
		t.Errorf("missing %q in:\n%s", want, rec.Body)
	}
}

func TestServe(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg).Connection(nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, ln, reg) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/metrics")
	if err != nil {
		cancel()
		t.Fatalf("failed to scrape: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Errorf("failed to read body: %v", err)
	}
	if !strings.Contains(string(body), `pmdstream_connections_total{result="success"} 1`) {
		t.Errorf("unexpected scrape:\n%s", body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("unexpected serve error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Error("serve did not return after cancellation")
	}
}
