package session

import (
	"context"
	"encoding/binary"
	"errors"
	"reflect"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/kortschak/pmdstream/battery"
	"github.com/kortschak/pmdstream/devinfo"
	"github.com/kortschak/pmdstream/heart"
	"github.com/kortschak/pmdstream/internal/metrics"
	"github.com/kortschak/pmdstream/pfc"
	"github.com/kortschak/pmdstream/pmd"
	"github.com/kortschak/pmdstream/transport"
	"github.com/kortschak/pmdstream/transport/transporttest"
)

// sensor is a simulated Polar sensor.
type sensor struct {
	dev          *transporttest.Device
	cp, data, hr *transporttest.Characteristic

	mu     sync.Mutex
	frames map[pmd.MeasureType][][]byte
}

// newSensor returns a simulated sensor supporting ECG and ACC streams.
// Each started stream is sent the frames registered with onStart.
// Services listed in omit are not offered.
func newSensor(name, addr string, omit ...string) *sensor {
	dev := transporttest.NewDevice(name, addr)
	s := &sensor{dev: dev, frames: make(map[pmd.MeasureType][][]byte)}

	add := func(srv, char string) *transporttest.Characteristic {
		if slices.Contains(omit, srv) {
			return nil
		}
		return dev.AddCharacteristic(transport.MustParse(srv), transport.MustParse(char))
	}
	if c := add(devinfo.ServiceID, devinfo.ManufacturerNameID); c != nil {
		c.SetValue([]byte("Polar Electro Oy"))
		add(devinfo.ServiceID, devinfo.ModelNumberID).SetValue([]byte("H10"))
	}
	if c := add(pfc.ServiceID, pfc.FeatureID); c != nil {
		c.SetValue([]byte{0x83, 0x01})
		add(pfc.ServiceID, pfc.ControlPointID)
	}
	if c := add(battery.ServiceID, battery.LevelCharacteristicID); c != nil {
		c.SetValue([]byte{87})
	}
	s.hr = add(heart.RateServiceID, heart.RateMeasurementID)

	s.cp = add(pmd.ServiceID, pmd.ControlPointID)
	s.data = add(pmd.ServiceID, pmd.DataID)
	if s.cp == nil {
		return s
	}
	s.cp.SetValue([]byte{0x0f, byte(pmd.SupportECG | pmd.SupportAcc), 0x00})
	s.cp.OnWrite(func(c *transporttest.Characteristic, cmd []byte) {
		m := pmd.MeasureType(cmd[1] &^ 0x80)
		c.Notify([]byte{0xf0, cmd[0], byte(m), 0x00, 0x00})
		if pmd.Command(cmd[0]) != pmd.MeasureStart {
			return
		}
		if s.hr != nil {
			s.hr.Notify([]byte{0x00, 72})
		}
		s.mu.Lock()
		frames := s.frames[m]
		s.mu.Unlock()
		for _, f := range frames {
			s.data.Notify(f)
		}
	})
	return s
}

// onStart registers frames to be sent when m is started.
func (s *sensor) onStart(m pmd.MeasureType, frames ...[]byte) *sensor {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames[m] = append(s.frames[m], frames...)
	return s
}

func frame(m pmd.MeasureType, f pmd.FrameType, ts uint64, payload ...byte) []byte {
	buf := make([]byte, pmd.HeaderSize, pmd.HeaderSize+len(payload))
	buf[0] = byte(m)
	binary.LittleEndian.PutUint64(buf[1:], ts)
	buf[9] = byte(f)
	return append(buf, payload...)
}

// recorder is a Sink that records what it receives.
type recorder struct {
	mu      sync.Mutex
	frames  []pmd.Frame
	hr      []uint16
	battery []int
	info    []devinfo.Info

	c chan pmd.MeasureType
}

func newRecorder() *recorder {
	return &recorder{c: make(chan pmd.MeasureType, 64)}
}

func (r *recorder) Frame(dev *Device, f pmd.Frame, n uint64) {
	r.mu.Lock()
	r.frames = append(r.frames, f)
	r.mu.Unlock()
	select {
	case r.c <- f.Measure:
	default:
	}
}

func (r *recorder) HeartRate(dev *Device, hr heart.Rate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hr = append(r.hr, hr.HR)
}

func (r *recorder) Battery(dev *Device, level int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.battery = append(r.battery, level)
}

func (r *recorder) DeviceInfo(dev *Device, info devinfo.Info) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.info = append(r.info, info)
}

// wait waits for frames of each of the measurement types in want.
func (r *recorder) wait(t *testing.T, want ...pmd.MeasureType) {
	t.Helper()
	pending := make(map[pmd.MeasureType]int)
	for _, m := range want {
		pending[m]++
	}
	timeout := time.After(5 * time.Second)
	for len(pending) != 0 {
		select {
		case m := <-r.c:
			pending[m]--
			if pending[m] <= 0 {
				delete(pending, m)
			}
		case <-timeout:
			t.Fatalf("timed out waiting for frames: still waiting for %v", pending)
		}
	}
}

func TestRun(t *testing.T) {
	s := newSensor("Polar H10 1234", "a0:9e:1a:00:00:01").
		onStart(pmd.ECGType, frame(pmd.ECGType, pmd.ECGFrameType0, 10, 0x01, 0x00, 0x00, 0xff, 0xff, 0xff)).
		onStart(pmd.AccType, frame(pmd.AccType, pmd.AccFrameType1, 20, 0x01, 0x00, 0x02, 0x00, 0x03, 0x00))
	adapter := transporttest.NewAdapter(s.dev)
	dev := NewDevice(s.dev.Advertisement())
	stats := NewStats()
	rec := newRecorder()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() {
		errc <- Run(ctx, adapter, dev, Options{
			Streams:   []pmd.MeasureType{pmd.ECGType, pmd.PPGType, pmd.AccType},
			HeartRate:  true,
			Battery:    true,
			DeviceInfo: true,
			Retry:      Retry{MaxAttempts: 1},
			Metrics:    metrics.New(prometheus.NewRegistry()),
			Stats:      stats,
		}, rec)
	}()

	rec.wait(t, pmd.ECGType, pmd.AccType)
	if dev.State() != Connected {
		t.Errorf("unexpected device state while running: %v", dev.State())
	}
	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("unexpected error from cancelled session: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("session did not stop")
	}
	if dev.State() != Disconnected {
		t.Errorf("unexpected device state after stop: %v", dev.State())
	}

	rec.mu.Lock()
	gotFrames := rec.frames
	gotHR := rec.hr
	gotBattery := rec.battery
	gotInfo := rec.info
	rec.mu.Unlock()
	wantFrames := map[pmd.MeasureType]pmd.Frame{
		pmd.ECGType: {Measure: pmd.ECGType, FrameType: pmd.ECGFrameType0, Timestamp: 10, Samples: []pmd.Sample{{1}, {-1}}},
		pmd.AccType: {Measure: pmd.AccType, FrameType: pmd.AccFrameType1, Timestamp: 20, Samples: []pmd.Sample{{1, 2, 3}}},
	}
	if len(gotFrames) != len(wantFrames) {
		t.Errorf("unexpected number of frames: got:%d want:%d", len(gotFrames), len(wantFrames))
	}
	for _, f := range gotFrames {
		if !reflect.DeepEqual(f, wantFrames[f.Measure]) {
			t.Errorf("unexpected frame:\ngot: %+v\nwant:%+v", f, wantFrames[f.Measure])
		}
	}
	if !reflect.DeepEqual(gotHR, []uint16{72, 72}) {
		t.Errorf("unexpected heart rates: got:%v want:%v", gotHR, []uint16{72, 72})
	}
	if !reflect.DeepEqual(gotBattery, []int{87}) {
		t.Errorf("unexpected battery levels: got:%v want:%v", gotBattery, []int{87})
	}
	wantInfo := []devinfo.Info{{Manufacturer: "Polar Electro Oy", Model: "H10"}}
	if !reflect.DeepEqual(gotInfo, wantInfo) {
		t.Errorf("unexpected device information: got:%+v want:%+v", gotInfo, wantInfo)
	}

	// Streams not supported by the sensor are not requested and
	// started streams are stopped in order.
	writes := s.cp.Writes()
	wantTail := [][]byte{{0x03, 0x00}, {0x03, 0x02}}
	if len(writes) < len(wantTail) || !reflect.DeepEqual(writes[len(writes)-2:], wantTail) {
		t.Errorf("unexpected stop commands:\ngot: %#x\nwant tail:%#x", writes, wantTail)
	}
	for _, w := range writes {
		if pmd.MeasureType(w[1]&^0x80) == pmd.PPGType {
			t.Errorf("unexpected command for unsupported stream: %#x", w)
		}
	}

	for _, m := range []pmd.MeasureType{pmd.ECGType, pmd.AccType} {
		frames, errs := stats.Count(dev.String(), m)
		if frames != 1 || errs != 0 {
			t.Errorf("unexpected stats for %s: got:(%d, %d) want:(1, 0)", m, frames, errs)
		}
	}
	if mean, n := stats.MeanHeartRate(dev.String()); mean != 72 || n != 2 {
		t.Errorf("unexpected mean heart rate: got:(%v, %d) want:(72, 2)", mean, n)
	}
}

func TestRunReconnect(t *testing.T) {
	s := newSensor("Polar H10 1234", "a0:9e:1a:00:00:01").
		onStart(pmd.ECGType, frame(pmd.ECGType, pmd.ECGFrameType0, 10, 0x01, 0x00, 0x00))
	adapter := transporttest.NewAdapter(s.dev)
	dev := NewDevice(s.dev.Advertisement())
	rec := newRecorder()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() {
		errc <- Run(ctx, adapter, dev, Options{
			Streams: []pmd.MeasureType{pmd.ECGType},
			Retry:   Retry{MaxAttempts: 3, Backoff: time.Millisecond},
		}, rec)
	}()

	rec.wait(t, pmd.ECGType)
	s.dev.Conn().Drop()
	rec.wait(t, pmd.ECGType)
	if got := adapter.Connects(); got != 2 {
		t.Errorf("unexpected number of connections: got:%d want:2", got)
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("unexpected error from cancelled session: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("session did not stop")
	}
}

func TestRunConnectionError(t *testing.T) {
	s := newSensor("Polar H10 1234", "a0:9e:1a:00:00:01")
	adapter := transporttest.NewAdapter(s.dev)
	errRefused := errors.New("connection refused")
	adapter.ConnectErr = func(transport.Advertisement) error { return errRefused }
	dev := NewDevice(s.dev.Advertisement())

	err := Run(context.Background(), adapter, dev, Options{
		Streams: []pmd.MeasureType{pmd.ECGType},
		Retry:   Retry{MaxAttempts: 3, Backoff: time.Millisecond},
	}, nil)
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("unexpected error: got:%v want:%T", err, connErr)
	}
	if connErr.Attempts != 3 {
		t.Errorf("unexpected number of attempts: got:%d want:3", connErr.Attempts)
	}
	if !errors.Is(err, errRefused) {
		t.Errorf("connection error does not wrap cause: %v", err)
	}
	if got := adapter.Connects(); got != 3 {
		t.Errorf("unexpected number of connections: got:%d want:3", got)
	}
	if dev.State() != Disconnected {
		t.Errorf("unexpected device state: %v", dev.State())
	}
}

func TestRunMissingPMD(t *testing.T) {
	dev := transporttest.NewDevice("Polar Verity Sense", "a0:9e:1a:00:00:02")
	dev.AddCharacteristic(transport.MustParse(battery.ServiceID), transport.MustParse(battery.LevelCharacteristicID)).SetValue([]byte{50})
	adapter := transporttest.NewAdapter(dev)

	err := Run(context.Background(), adapter, NewDevice(dev.Advertisement()), Options{
		Streams: []pmd.MeasureType{pmd.ECGType},
		Battery: true,
		Retry:   Retry{MaxAttempts: 1},
	}, nil)
	if !errors.Is(err, transport.ErrNotFound) {
		t.Errorf("unexpected error: got:%v want:%v", err, transport.ErrNotFound)
	}
}

func TestRunWithoutPFC(t *testing.T) {
	s := newSensor("Polar Verity Sense 1234", "a0:9e:1a:00:00:04", pfc.ServiceID, devinfo.ServiceID).
		onStart(pmd.ECGType, frame(pmd.ECGType, pmd.ECGFrameType0, 10, 0x01, 0x00, 0x00))
	adapter := transporttest.NewAdapter(s.dev)
	dev := NewDevice(s.dev.Advertisement())
	rec := newRecorder()

	var logs strings.Builder
	ctx, cancel := context.WithCancel(zerolog.New(zerolog.SyncWriter(&logs)).WithContext(context.Background()))
	defer cancel()
	errc := make(chan error, 1)
	go func() {
		errc <- Run(ctx, adapter, dev, Options{
			Streams:    []pmd.MeasureType{pmd.ECGType},
			Battery:    true,
			DeviceInfo: true,
			Retry:      Retry{MaxAttempts: 1},
		}, rec)
	}()

	rec.wait(t, pmd.ECGType)
	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("unexpected error from cancelled session: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("session did not stop")
	}

	rec.mu.Lock()
	gotBattery := rec.battery
	gotInfo := rec.info
	rec.mu.Unlock()
	if !reflect.DeepEqual(gotBattery, []int{87}) {
		t.Errorf("unexpected battery levels: got:%v want:%v", gotBattery, []int{87})
	}
	if len(gotInfo) != 0 {
		t.Errorf("unexpected device information from device without service: %+v", gotInfo)
	}

	var missing, found bool
	for _, line := range strings.Split(logs.String(), "\n") {
		switch {
		case strings.Contains(line, `"service not found"`):
			missing = missing || strings.Contains(line, pfc.ServiceID)
			if strings.Contains(line, pmd.ServiceID) {
				t.Errorf("pmd service reported missing: %s", line)
			}
		case strings.Contains(line, `"found service"`):
			found = found || strings.Contains(line, pmd.ServiceID)
		case strings.Contains(line, "pfc features"):
			t.Errorf("unexpected pfc access: %s", line)
		}
	}
	if !missing {
		t.Errorf("missing pfc service not reported:\n%s", logs.String())
	}
	if !found {
		t.Errorf("pmd service not reported:\n%s", logs.String())
	}
}

func TestRunMalformedFrame(t *testing.T) {
	s := newSensor("Polar H10 1234", "a0:9e:1a:00:00:01").
		onStart(pmd.ECGType,
			frame(pmd.ECGType, pmd.ECGFrameType0, 10, 0x01, 0x00),
			frame(pmd.ECGType, pmd.ECGFrameType0, 20, 0x02, 0x00, 0x00),
		)
	adapter := transporttest.NewAdapter(s.dev)
	dev := NewDevice(s.dev.Advertisement())
	stats := NewStats()
	rec := newRecorder()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() {
		errc <- Run(ctx, adapter, dev, Options{
			Streams: []pmd.MeasureType{pmd.ECGType},
			Retry:   Retry{MaxAttempts: 1},
			Metrics: metrics.New(prometheus.NewRegistry()),
			Stats:   stats,
		}, rec)
	}()

	rec.wait(t, pmd.ECGType)
	frames, errs := stats.Count(dev.String(), pmd.ECGType)
	if frames != 1 || errs != 1 {
		t.Errorf("unexpected stats: got:(%d, %d) want:(1, 1)", frames, errs)
	}
	rec.mu.Lock()
	got := rec.frames[0]
	rec.mu.Unlock()
	want := pmd.Frame{Measure: pmd.ECGType, FrameType: pmd.ECGFrameType0, Timestamp: 20, Samples: []pmd.Sample{{2}}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("unexpected frame:\ngot: %+v\nwant:%+v", got, want)
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("unexpected error from cancelled session: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("session did not stop")
	}
}

func TestScan(t *testing.T) {
	h10 := newSensor("Polar H10 1234", "a0:9e:1a:00:00:01").
		onStart(pmd.ECGType, frame(pmd.ECGType, pmd.ECGFrameType0, 10, 0x01, 0x00, 0x00))
	lower := newSensor("polar h10 5678", "a0:9e:1a:00:00:02")
	other := newSensor("Heart Strap", "a0:9e:1a:00:00:03")
	adapter := transporttest.NewAdapter(h10.dev, lower.dev, other.dev)
	rec := newRecorder()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() {
		errc <- Scan(ctx, adapter, "Polar", 0, Options{
			Streams: []pmd.MeasureType{pmd.ECGType},
			Retry:   Retry{MaxAttempts: 1},
		}, rec)
	}()

	rec.wait(t, pmd.ECGType)
	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("unexpected error from cancelled scan: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("scan did not stop")
	}
	if got := adapter.Connects(); got != 1 {
		t.Errorf("unexpected number of connections: got:%d want:1", got)
	}
	if lower.dev.Conn() != nil || other.dev.Conn() != nil {
		t.Errorf("unexpected connection to non-matching device")
	}
}

func TestScanTimeout(t *testing.T) {
	s := newSensor("Polar H10 1234", "a0:9e:1a:00:00:01").
		onStart(pmd.ECGType, frame(pmd.ECGType, pmd.ECGFrameType0, 10, 0x01, 0x00, 0x00))
	adapter := transporttest.NewAdapter(s.dev)
	rec := newRecorder()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() {
		errc <- Scan(ctx, adapter, "Polar", 10*time.Millisecond, Options{
			Streams: []pmd.MeasureType{pmd.ECGType},
			Retry:   Retry{MaxAttempts: 1},
		}, rec)
	}()
	rec.wait(t, pmd.ECGType)

	// Sessions outlive the scan.
	select {
	case err := <-errc:
		t.Fatalf("scan returned before cancellation: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	conn := s.dev.Conn()
	if conn == nil {
		t.Fatal("no connection")
	}
	select {
	case <-conn.Disconnected():
		t.Errorf("session ended with scan")
	default:
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("unexpected error from cancelled scan: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("scan did not stop")
	}
}

func TestScanTimeoutNoDevices(t *testing.T) {
	adapter := transporttest.NewAdapter(newSensor("Heart Strap", "a0:9e:1a:00:00:03").dev)
	errc := make(chan error, 1)
	go func() {
		errc <- Scan(context.Background(), adapter, "Polar", 10*time.Millisecond, Options{}, nil)
	}()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("scan did not time out")
	}
	if got := adapter.Connects(); got != 0 {
		t.Errorf("unexpected number of connections: got:%d want:0", got)
	}
}

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		name  string
		retry Retry
		n     int
		want  time.Duration
	}{
		{name: "no_backoff", retry: Retry{}, n: 3, want: 0},
		{name: "first", retry: Retry{Backoff: 100 * time.Millisecond, MaxBackoff: time.Second}, n: 0, want: 100 * time.Millisecond},
		{name: "doubling", retry: Retry{Backoff: 100 * time.Millisecond, MaxBackoff: time.Second}, n: 3, want: 800 * time.Millisecond},
		{name: "capped", retry: Retry{Backoff: 100 * time.Millisecond, MaxBackoff: time.Second}, n: 4, want: time.Second},
		{name: "overflow_capped", retry: Retry{Backoff: 100 * time.Millisecond, MaxBackoff: time.Second}, n: 100, want: time.Second},
		{name: "uncapped", retry: Retry{Backoff: 100 * time.Millisecond}, n: 2, want: 400 * time.Millisecond},
		{name: "overflow_uncapped", retry: Retry{Backoff: 1 << 61}, n: 100, want: 1 << 62},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got := test.retry.delay(test.n)
			if got != test.want {
				t.Errorf("unexpected delay: got:%v want:%v", got, test.want)
			}
		})
	}
}

func TestDeviceString(t *testing.T) {
	tests := []struct {
		adv  transport.Advertisement
		want string
	}{
		{adv: transport.Advertisement{Name: "Polar H10 1234", Address: "a0:9e:1a:00:00:01"}, want: "Polar H10 1234"},
		{adv: transport.Advertisement{Address: "a0:9e:1a:00:00:01"}, want: "a0:9e:1a:00:00:01"},
	}
	for _, test := range tests {
		got := NewDevice(test.adv).String()
		if got != test.want {
			t.Errorf("unexpected device string: got:%q want:%q", got, test.want)
		}
	}
}
