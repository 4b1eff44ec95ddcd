package audio

import (
	"encoding/base64"
	"encoding/binary"
	"math"
	"time"

	"github.com/eleven-am/voice-live/internal/shared"
)

const BytesPerSample = 2

func Resample(input []float32, fromRate, toRate int) []float32 {
	if fromRate == toRate || fromRate <= 0 || toRate <= 0 {
		return input
	}

	ratio := float64(toRate) / float64(fromRate)
	output := make([]float32, int(math.Ceil(float64(len(input))*ratio)))
	resampleCore(output, input, ratio)
	return output
}

func resampleCore(output, input []float32, ratio float64) {
	for i := range output {
		srcPos := float64(i) / ratio
		srcIdx := int(srcPos)
		frac := float32(srcPos - float64(srcIdx))

		switch {
		case srcIdx+1 < len(input):
			output[i] = input[srcIdx]*(1-frac) + input[srcIdx+1]*frac
		case srcIdx < len(input):
			output[i] = input[srcIdx]
		}
	}
}

// ResampleInt16 converts 16-bit PCM between sample rates with linear
// interpolation.
func ResampleInt16(samples []int16, fromRate, toRate int) []int16 {
	if fromRate == toRate {
		return samples
	}
	return Float32ToInt16(Resample(Int16ToFloat32(samples), fromRate, toRate))
}

// PCMBytesToInt16 decodes little-endian 16-bit PCM. A trailing odd byte is
// ignored.
func PCMBytesToInt16(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/BytesPerSample)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*BytesPerSample:]))
	}
	return samples
}

func Int16ToPCMBytes(samples []int16) []byte {
	pcm := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[i*BytesPerSample:], uint16(s))
	}
	return pcm
}

func EncodeBase64(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}

func DecodeBase64(data string) ([]byte, error) {
	pcm, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, shared.Wrap(shared.CodeInvalidAudioFormat, "invalid base64 audio", err)
	}
	return pcm, nil
}

func Int16ToBase64(samples []int16) string {
	return EncodeBase64(Int16ToPCMBytes(samples))
}

// Base64ToInt16 decodes a base64 PCM payload. The decoded buffer must hold a
// whole number of samples.
func Base64ToInt16(data string) ([]int16, error) {
	pcm, err := DecodeBase64(data)
	if err != nil {
		return nil, err
	}
	if len(pcm)%BytesPerSample != 0 {
		return nil, shared.Errorf(shared.CodeInvalidAudioFormat, "audio payload has odd length %d", len(pcm))
	}
	return PCMBytesToInt16(pcm), nil
}

func Int16ToFloat32(samples []int16) []float32 {
	result := make([]float32, len(samples))
	for i, s := range samples {
		result[i] = float32(s) / 32768.0
	}
	return result
}

func Float32ToInt16(samples []float32) []int16 {
	result := make([]int16, len(samples))
	for i, s := range samples {
		s = max(-1.0, min(1.0, s))
		result[i] = int16(s * 32767.0)
	}
	return result
}

// PCMDuration is the playback length of a mono 16-bit PCM buffer.
func PCMDuration(byteLen, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(byteLen) / float64(sampleRate*BytesPerSample) * float64(time.Second))
}
