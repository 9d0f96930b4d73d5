package audio

import (
	"encoding/binary"
)

// Telephony leg: 8 kHz mono G.711 mu-law.
const (
	TelephonySampleRate = 8000
	// FrameSamples is one 20ms telephony frame.
	FrameSamples = 160
)

// RateFactor returns the integer ratio between an AI-side sample rate and the
// telephony rate, or 0 if the ratio is not a whole number.
func RateFactor(aiRate int) int {
	if aiRate < TelephonySampleRate || aiRate%TelephonySampleRate != 0 {
		return 0
	}
	return aiRate / TelephonySampleRate
}

// MulawToPCM converts mulaw audio to linear PCM int16
func MulawToPCM(mulaw []byte) []int16 {
	pcm := make([]int16, len(mulaw))
	for i, val := range mulaw {
		pcm[i] = mulawDecode(val)
	}
	return pcm
}

// PCMToMulaw converts linear PCM int16 to mulaw
func PCMToMulaw(pcm []int16) []byte {
	mulaw := make([]byte, len(pcm))
	for i, val := range pcm {
		mulaw[i] = mulawEncode(val)
	}
	return mulaw
}

// BytesToPCM converts little-endian PCM16 bytes to samples. A trailing odd
// byte is ignored.
func BytesToPCM(data []byte) []int16 {
	pcm := make([]int16, len(data)/2)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return pcm
}

// PCMToBytes converts int16 PCM to byte array (little-endian)
func PCMToBytes(pcm []int16) []byte {
	data := make([]byte, len(pcm)*2)
	for i, val := range pcm {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(val))
	}
	return data
}

// Upsample repeats every sample factor times (zero-order hold).
func Upsample(pcm []int16, factor int) []int16 {
	if factor <= 1 {
		return pcm
	}
	out := make([]int16, 0, len(pcm)*factor)
	for _, s := range pcm {
		for j := 0; j < factor; j++ {
			out = append(out, s)
		}
	}
	return out
}

// Downsample keeps every factor-th sample starting at index 0. No low-pass
// filter is applied.
func Downsample(pcm []int16, factor int) []int16 {
	if factor <= 1 {
		return pcm
	}
	out := make([]int16, 0, (len(pcm)+factor-1)/factor)
	for i := 0; i < len(pcm); i += factor {
		out = append(out, pcm[i])
	}
	return out
}

// TelephonyToAI decodes a mu-law payload and raises it to the AI input rate,
// returning little-endian PCM16 bytes.
func TelephonyToAI(mulaw []byte, factor int) []byte {
	return PCMToBytes(Upsample(MulawToPCM(mulaw), factor))
}

// AIToTelephony lowers little-endian PCM16 bytes from the AI output rate to
// 8 kHz and encodes them as mu-law.
func AIToTelephony(pcm16 []byte, factor int) []byte {
	return PCMToMulaw(Downsample(BytesToPCM(pcm16), factor))
}

// G.711 mu-law
const (
	mulawBias = 0x84
	mulawClip = 32635
)

var mulawDecodeTable = [256]int16{
	-32124, -31100, -30076, -29052, -28028, -27004, -25980, -24956,
	-23932, -22908, -21884, -20860, -19836, -18812, -17788, -16764,
	-15996, -15484, -14972, -14460, -13948, -13436, -12924, -12412,
	-11900, -11388, -10876, -10364, -9852, -9340, -8828, -8316,
	-7932, -7676, -7420, -7164, -6908, -6652, -6396, -6140,
	-5884, -5628, -5372, -5116, -4860, -4604, -4348, -4092,
	-3900, -3772, -3644, -3516, -3388, -3260, -3132, -3004,
	-2876, -2748, -2620, -2492, -2364, -2236, -2108, -1980,
	-1884, -1820, -1756, -1692, -1628, -1564, -1500, -1436,
	-1372, -1308, -1244, -1180, -1116, -1052, -988, -924,
	-876, -844, -812, -780, -748, -716, -684, -652,
	-620, -588, -556, -524, -492, -460, -428, -396,
	-372, -356, -340, -324, -308, -292, -276, -260,
	-244, -228, -212, -196, -180, -164, -148, -132,
	-120, -112, -104, -96, -88, -80, -72, -64,
	-56, -48, -40, -32, -24, -16, -8, 0,
	32124, 31100, 30076, 29052, 28028, 27004, 25980, 24956,
	23932, 22908, 21884, 20860, 19836, 18812, 17788, 16764,
	15996, 15484, 14972, 14460, 13948, 13436, 12924, 12412,
	11900, 11388, 10876, 10364, 9852, 9340, 8828, 8316,
	7932, 7676, 7420, 7164, 6908, 6652, 6396, 6140,
	5884, 5628, 5372, 5116, 4860, 4604, 4348, 4092,
	3900, 3772, 3644, 3516, 3388, 3260, 3132, 3004,
	2876, 2748, 2620, 2492, 2364, 2236, 2108, 1980,
	1884, 1820, 1756, 1692, 1628, 1564, 1500, 1436,
	1372, 1308, 1244, 1180, 1116, 1052, 988, 924,
	876, 844, 812, 780, 748, 716, 684, 652,
	620, 588, 556, 524, 492, 460, 428, 396,
	372, 356, 340, 324, 308, 292, 276, 260,
	244, 228, 212, 196, 180, 164, 148, 132,
	120, 112, 104, 96, 88, 80, 72, 64,
	56, 48, 40, 32, 24, 16, 8, 0,
}

func mulawDecode(mulaw byte) int16 {
	return mulawDecodeTable[mulaw]
}

func mulawEncode(sample int16) byte {
	s := int32(sample)
	sign := byte(0)
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > mulawClip {
		s = mulawClip
	}
	s += mulawBias

	exponent := byte(7)
	for mask := int32(0x4000); s&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte(s>>(exponent+3)) & 0x0F

	return ^(sign | exponent<<4 | mantissa)
}
