package pfc

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/kortschak/pmdstream/pmd"
	"github.com/kortschak/pmdstream/transport/transporttest"
)

var parseResponseTests = []struct {
	name    string
	buf     []byte
	want    Response
	wantErr error
	failed  bool
}{
	{
		name:    "empty",
		wantErr: pmd.ErrTruncatedFrame,
	},
	{
		name:    "two_bytes",
		buf:     []byte{0xf0, 0x02},
		wantErr: pmd.ErrTruncatedFrame,
	},
	{
		name:    "bad_marker",
		buf:     []byte{0x0f, 0x02, 0x01},
		wantErr: pmd.ErrDecode,
	},
	{
		name: "success_no_params",
		buf:  []byte{0xf0, 0x02, 0x01},
		want: Response{Op: RequestBroadcast, Status: Success, Params: []byte{}},
	},
	{
		name: "success_params",
		buf:  []byte{0xf0, 0x06, 0x01, 0x01},
		want: Response{Op: RequestWhisperMode, Status: Success, Params: []byte{0x01}},
	},
	{
		name:   "not_supported",
		buf:    []byte{0xf0, 0x0a, 0x02, 0xde, 0xad},
		want:   Response{Op: ConfigureANTPlus, Status: NotSupported, Params: []byte{0xde, 0xad}},
		failed: true,
	},
}

func TestParseResponse(t *testing.T) {
	for _, test := range parseResponseTests {
		t.Run(test.name, func(t *testing.T) {
			got, err := ParseResponse(test.buf)
			if !errors.Is(err, test.wantErr) {
				t.Fatalf("unexpected error: got:%v want:%v", err, test.wantErr)
			}
			if err != nil {
				return
			}
			if !reflect.DeepEqual(got, test.want) {
				t.Errorf("unexpected response:\ngot: %+v\nwant:%+v", got, test.want)
			}
			err = got.Err()
			if (err != nil) != test.failed {
				t.Errorf("unexpected response error: %v", err)
			}
			if err != nil && !errors.Is(err, pmd.ErrStatus) {
				t.Errorf("response error does not match pmd.ErrStatus: %v", err)
			}
		})
	}
}

func TestFlags(t *testing.T) {
	tests := []struct {
		buf     []byte
		want    Flags
		str     string
		wantErr bool
	}{
		{buf: []byte{0x83, 0x01}, want: Broadcast | FiveKHz | MultiConnection | ANTPlus, str: "broadcast|5khz|multi_connection|ant_plus"},
		{buf: []byte{0x58, 0x00, 0xff}, want: WhisperMode | BLEMode | 1<<3, str: "whisper_mode|ble_mode|0x8"},
		{buf: []byte{0x00, 0x00}, want: 0, str: ""},
		{buf: []byte{0x01}, wantErr: true},
	}
	for _, test := range tests {
		got, err := ParseFlags(test.buf)
		if (err != nil) != test.wantErr {
			t.Errorf("unexpected error for %#x: %v", test.buf, err)
			continue
		}
		if err != nil {
			if !errors.Is(err, pmd.ErrTruncatedFrame) {
				t.Errorf("unexpected error kind for %#x: %v", test.buf, err)
			}
			continue
		}
		if got != test.want {
			t.Errorf("unexpected flags for %#x: got:%v want:%v", test.buf, got, test.want)
		}
		if got.String() != test.str {
			t.Errorf("unexpected string for %#x: got:%q want:%q", test.buf, got.String(), test.str)
		}
	}
}

func TestReadAndWatch(t *testing.T) {
	dev := transporttest.NewDevice("Polar H10 1234", "a0:9e:1a:00:00:03")
	dev.AddCharacteristic(pfcService, pfcFeature).SetValue([]byte{0x83, 0x01})
	cp := dev.AddCharacteristic(pfcService, pfcCP)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := transporttest.NewAdapter(dev).Connect(ctx, dev.Advertisement())
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}

	flags, err := Read(ctx, conn)
	if err != nil {
		t.Fatalf("unexpected error reading flags: %v", err)
	}
	if flags != Broadcast|FiveKHz|MultiConnection|ANTPlus {
		t.Errorf("unexpected flags: %v", flags)
	}

	var (
		mu   sync.Mutex
		got  []Response
		errs []error
	)
	stop, err := Watch(ctx, conn, func(r Response, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			errs = append(errs, err)
			return
		}
		got = append(got, r)
	})
	if err != nil {
		t.Fatalf("unexpected error watching control point: %v", err)
	}
	cp.Notify([]byte{0xf0, 0x02, 0x01, 0x00})
	cp.Notify([]byte{0xf0})
	if err := stop(); err != nil {
		t.Errorf("unexpected error stopping watch: %v", err)
	}
	if cp.Subscribed() {
		t.Errorf("expected control point subscription to be removed")
	}
	if err := stop(); err != nil {
		t.Errorf("unexpected error on second stop: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []Response{{Op: RequestBroadcast, Status: Success, Params: []byte{0x00}}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("unexpected responses: got:%v want:%v", got, want)
	}
	if len(errs) != 1 || !errors.Is(errs[0], pmd.ErrTruncatedFrame) {
		t.Errorf("unexpected errors: %v", errs)
	}
}
