package ch341

import "testing"

func TestClkDiv(t *testing.T) {
	tests := []struct {
		ps, fact, want int
	}{
		{0, 0, 1 << 12},
		{0, 1, 1 << 11},
		{3, 0, 1 << 3},
	}
	for _, tt := range tests {
		if got := clkDiv(tt.ps, tt.fact); got != tt.want {
			t.Errorf("clkDiv(%d, %d) = %d, want %d", tt.ps, tt.fact, got, tt.want)
		}
	}
}

func TestBPSBounds(t *testing.T) {
	if MinBPS <= 0 {
		t.Fatalf("MinBPS = %d, want positive", MinBPS)
	}
	if MaxBPS <= MinBPS {
		t.Fatalf("MaxBPS = %d, want greater than MinBPS = %d", MaxBPS, MinBPS)
	}
}

func TestGetDivisor_DefaultBaudRate(t *testing.T) {
	d := New(nil, nil)
	d.detectQuirks()

	val, err := d.GetDivisor(DefaultBaudRate)
	if err != nil {
		t.Fatalf("GetDivisor(%d): %v", DefaultBaudRate, err)
	}

	ps := val & 0x07
	fact := (val >> 2) & 0x01
	div := 0x100 - (val >> 8)

	if ps > 3 {
		t.Errorf("ps = %d, out of range", ps)
	}
	if div < 2 || div > 255 {
		t.Errorf("div = %d, out of representable range", div)
	}
	_ = fact
}

func TestGetDivisor_Monotonic(t *testing.T) {
	d := New(nil, nil)
	d.detectQuirks()

	rates := []uint32{1200, 9600, 19200, 38400, 57600, 115200, 230400}
	var prevDiv int = -1
	var prevPS int = -1
	for _, r := range rates {
		val, err := d.GetDivisor(r)
		if err != nil {
			t.Fatalf("GetDivisor(%d): %v", r, err)
		}
		ps := int(val & 0x07)
		div := int(0x100 - (val >> 8))

		// Higher baud rates should never demand a larger divisor at the
		// same prescaler than a lower rate did — the encoding trends
		// toward smaller divisors (and/or larger prescalers) as the rate
		// climbs.
		if ps == prevPS && prevDiv >= 0 && div > prevDiv {
			t.Errorf("rate %d: div=%d at ps=%d regressed above previous div=%d", r, div, ps, prevDiv)
		}
		prevDiv, prevPS = div, ps
	}
}

func TestGetDivisor_OutOfRange(t *testing.T) {
	d := New(nil, nil)
	d.detectQuirks()

	if _, err := d.GetDivisor(uint32(MaxBPS) * 10); err != nil {
		t.Errorf("GetDivisor should clamp, not error, on an above-range rate, got %v", err)
	}
	if _, err := d.GetDivisor(1); err != nil {
		t.Errorf("GetDivisor(1) should clamp to MinBPS and succeed, got %v", err)
	}
}

func TestDetectQuirks(t *testing.T) {
	d := New(nil, nil)
	d.detectQuirks()
	if d.Quirks&QuirkLimitedPrescaler == 0 {
		t.Error("detectQuirks should always set QuirkLimitedPrescaler")
	}
	if d.Quirks&QuirkSimulateBreak == 0 {
		t.Error("detectQuirks should always set QuirkSimulateBreak")
	}
}

func TestRequestError(t *testing.T) {
	err := errFailedRequest(ReqReadVersion)
	want := "ch341: control request 0x5f failed"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
