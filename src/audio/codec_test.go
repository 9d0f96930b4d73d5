package audio

import (
	"bytes"
	"testing"
)

func TestMulawRoundTripEveryCode(t *testing.T) {
	for i := 0; i < 256; i++ {
		b := byte(i)
		got := mulawEncode(mulawDecode(b))
		want := b
		if b == 0x7F {
			// negative zero canonicalizes to positive zero
			want = 0xFF
		}
		if got != want {
			t.Errorf("encode(decode(0x%02X)) = 0x%02X, want 0x%02X", b, got, want)
		}
	}
}

func TestMulawEncodeKnownValues(t *testing.T) {
	tests := []struct {
		pcm  int16
		want byte
	}{
		{0, 0xFF},
		{8, 0xFE},
		{-8, 0x7E},
		{32124, 0x80},
		{-32124, 0x00},
		{32767, 0x80},
		{-32768, 0x00},
	}
	for _, tt := range tests {
		if got := mulawEncode(tt.pcm); got != tt.want {
			t.Errorf("mulawEncode(%d) = 0x%02X, want 0x%02X", tt.pcm, got, tt.want)
		}
	}
}

func TestMulawEncodeMonotonic(t *testing.T) {
	prev := mulawDecode(mulawEncode(-32768))
	for s := -32768; s <= 32767; s += 7 {
		cur := mulawDecode(mulawEncode(int16(s)))
		if cur < prev {
			t.Fatalf("quantized value decreased at %d: %d < %d", s, cur, prev)
		}
		prev = cur
	}
}

func TestUpsampleZeroOrderHold(t *testing.T) {
	got := Upsample([]int16{1, -2, 3}, 3)
	want := []int16{1, 1, 1, -2, -2, -2, 3, 3, 3}
	if !equalPCM(got, want) {
		t.Errorf("Upsample = %v, want %v", got, want)
	}
}

func TestDownsampleKeepsEveryNth(t *testing.T) {
	got := Downsample([]int16{10, 11, 12, 20, 21, 22, 30}, 3)
	want := []int16{10, 20, 30}
	if !equalPCM(got, want) {
		t.Errorf("Downsample = %v, want %v", got, want)
	}
}

func TestFactorOneIsIdentity(t *testing.T) {
	in := []int16{5, 6, 7}
	if got := Upsample(in, 1); !equalPCM(got, in) {
		t.Errorf("Upsample(_, 1) = %v", got)
	}
	if got := Downsample(in, 0); !equalPCM(got, in) {
		t.Errorf("Downsample(_, 0) = %v", got)
	}
}

func TestConstantSignalSurvivesRoundTrip(t *testing.T) {
	for _, factor := range []int{2, 3} {
		frame := bytes.Repeat([]byte{0x9A}, FrameSamples)

		up := TelephonyToAI(frame, factor)
		if len(up) != FrameSamples*factor*2 {
			t.Fatalf("factor %d: upsampled %d bytes, want %d", factor, len(up), FrameSamples*factor*2)
		}

		back := AIToTelephony(up, factor)
		if !bytes.Equal(back, frame) {
			t.Errorf("factor %d: round trip changed constant frame", factor)
		}
	}
}

func TestBytesToPCMOddLength(t *testing.T) {
	got := BytesToPCM([]byte{0x01, 0x02, 0x03})
	if len(got) != 1 || got[0] != 0x0201 {
		t.Errorf("BytesToPCM = %v, want [513]", got)
	}
	if got := BytesToPCM(nil); len(got) != 0 {
		t.Errorf("BytesToPCM(nil) = %v", got)
	}
}

func TestPCMBytesLittleEndian(t *testing.T) {
	got := PCMToBytes([]int16{0x0102, -1})
	want := []byte{0x02, 0x01, 0xFF, 0xFF}
	if !bytes.Equal(got, want) {
		t.Errorf("PCMToBytes = % X, want % X", got, want)
	}
}

func TestRateFactor(t *testing.T) {
	tests := map[int]int{8000: 1, 16000: 2, 24000: 3, 22050: 0, 4000: 0}
	for rate, want := range tests {
		if got := RateFactor(rate); got != want {
			t.Errorf("RateFactor(%d) = %d, want %d", rate, got, want)
		}
	}
}

func equalPCM(a, b []int16) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
