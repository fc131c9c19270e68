// Copyright ©2025 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package transport

import (
	"testing"

	"github.com/google/uuid"
)

var parseTests = []struct {
	in        string
	want      uuid.UUID
	short     uint16
	wantShort bool
}{
	{
		in:        "180d",
		want:      uuid.MustParse("0000180d-0000-1000-8000-00805f9b34fb"),
		short:     0x180d,
		wantShort: true,
	},
	{
		in:        "00002a37-0000-1000-8000-00805f9b34fb",
		want:      uuid.MustParse("00002a37-0000-1000-8000-00805f9b34fb"),
		short:     0x2a37,
		wantShort: true,
	},
	{
		in:   "fb005c80-02e7-f387-1cad-8acd2d8df0c8",
		want: uuid.MustParse("fb005c80-02e7-f387-1cad-8acd2d8df0c8"),
	},
}

func TestParse(t *testing.T) {
	for _, test := range parseTests {
		t.Run(test.in, func(t *testing.T) {
			got, err := Parse(test.in)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != test.want {
				t.Errorf("unexpected uuid: got:%s want:%s", got, test.want)
			}
			short, ok := Short(got)
			if ok != test.wantShort {
				t.Fatalf("unexpected short form result: got:%t want:%t", ok, test.wantShort)
			}
			if ok && short != test.short {
				t.Errorf("unexpected short form: got:%#x want:%#x", short, test.short)
			}
		})
	}
}

func TestUUID16(t *testing.T) {
	if got, want := UUID16(0x180f), MustParse("180f"); got != want {
		t.Errorf("unexpected uuid: got:%s want:%s", got, want)
	}
}

func TestNameContains(t *testing.T) {
	accept := NameContains("Polar")
	for _, test := range []struct {
		name string
		want bool
	}{
		{name: "Polar H10 12345678", want: true},
		{name: "Polar Verity Sense 0A1B2C3D", want: true},
		{name: "polar h10", want: false},
		{name: "Wahoo TICKR", want: false},
		{name: "", want: false},
	} {
		if got := accept(Advertisement{Name: test.name}); got != test.want {
			t.Errorf("unexpected result for %q: got:%t want:%t", test.name, got, test.want)
		}
	}
}
