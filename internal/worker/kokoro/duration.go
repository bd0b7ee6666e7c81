package kokoro

import (
	"encoding/binary"
	"errors"
)

// wavFormat holds what duration math needs from a RIFF/WAVE container.
type wavFormat struct {
	sampleRate    int
	channels      int
	bitsPerSample int
	dataLen       int
}

func (w wavFormat) durationMs() int {
	bytesPerSecond := w.sampleRate * w.channels * w.bitsPerSample / 8
	if bytesPerSecond == 0 {
		return 0
	}
	return int(int64(w.dataLen) * 1000 / int64(bytesPerSecond))
}

// parseWAV walks the RIFF chunks rather than assuming a fixed 44-byte
// header, since encoders vary the fmt chunk size and may insert LIST
// chunks before data.
func parseWAV(b []byte) (wavFormat, error) {
	var f wavFormat
	if len(b) < 12 || string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return f, errors.New("not a RIFF/WAVE container")
	}

	haveFmt := false
	offset := 12
	for offset+8 <= len(b) {
		chunkID := string(b[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(b[offset+4 : offset+8]))
		payload := offset + 8

		switch chunkID {
		case "fmt ":
			if chunkSize < 16 || payload+16 > len(b) {
				return f, errors.New("malformed fmt chunk")
			}
			f.channels = int(binary.LittleEndian.Uint16(b[payload+2 : payload+4]))
			f.sampleRate = int(binary.LittleEndian.Uint32(b[payload+4 : payload+8]))
			f.bitsPerSample = int(binary.LittleEndian.Uint16(b[payload+14 : payload+16]))
			haveFmt = true
		case "data":
			if !haveFmt {
				return f, errors.New("data chunk before fmt chunk")
			}
			f.dataLen = chunkSize
			if payload+f.dataLen > len(b) {
				// Truncated file; count what is actually present.
				f.dataLen = len(b) - payload
			}
			return f, nil
		}

		offset = payload + chunkSize
		if chunkSize%2 != 0 {
			offset++
		}
	}
	return f, errors.New("missing data chunk")
}

// MP3 frame tables, layer III only. Index 0 and 15 of the bitrate rows are
// invalid on the wire.
var (
	mp3BitrateV1 = [16]int{0, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320}
	mp3BitrateV2 = [16]int{0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160}

	mp3RateV1  = [4]int{44100, 48000, 32000, 0}
	mp3RateV2  = [4]int{22050, 24000, 16000, 0}
	mp3RateV25 = [4]int{11025, 12000, 8000, 0}
)

// mp3DurationMs walks the MP3 frame sequence and sums per-frame sample
// counts, which stays exact for VBR streams. Returns ok=false when b does
// not start with an ID3 tag or a valid frame sync.
func mp3DurationMs(b []byte) (int, bool) {
	offset := skipID3(b)
	totalSamples := int64(0)
	sampleRate := 0
	frames := 0

	for offset+4 <= len(b) {
		hdr := b[offset : offset+4]
		if hdr[0] != 0xFF || hdr[1]&0xE0 != 0xE0 {
			break
		}

		version := (hdr[1] >> 3) & 0x03 // 0=2.5, 2=2, 3=1
		layer := (hdr[1] >> 1) & 0x03   // 1 = layer III
		if version == 1 || layer != 1 {
			break
		}

		bitrateIdx := (hdr[2] >> 4) & 0x0F
		rateIdx := (hdr[2] >> 2) & 0x03
		padding := int((hdr[2] >> 1) & 0x01)

		var bitrate, rate, samplesPerFrame int
		if version == 3 {
			bitrate = mp3BitrateV1[bitrateIdx]
			rate = mp3RateV1[rateIdx]
			samplesPerFrame = 1152
		} else {
			bitrate = mp3BitrateV2[bitrateIdx]
			if version == 2 {
				rate = mp3RateV2[rateIdx]
			} else {
				rate = mp3RateV25[rateIdx]
			}
			samplesPerFrame = 576
		}
		if bitrate == 0 || rate == 0 {
			break
		}

		frameLen := samplesPerFrame / 8 * bitrate * 1000 / rate
		frameLen += padding
		if frameLen <= 0 {
			break
		}

		totalSamples += int64(samplesPerFrame)
		sampleRate = rate
		frames++
		offset += frameLen
	}

	if frames == 0 || sampleRate == 0 {
		return 0, false
	}
	return int(totalSamples * 1000 / int64(sampleRate)), true
}

// skipID3 returns the offset past a leading ID3v2 tag, or 0 if none.
func skipID3(b []byte) int {
	if len(b) < 10 || string(b[0:3]) != "ID3" {
		return 0
	}
	// Syncsafe 28-bit size, 7 bits per byte.
	size := int(b[6]&0x7F)<<21 | int(b[7]&0x7F)<<14 | int(b[8]&0x7F)<<7 | int(b[9]&0x7F)
	end := 10 + size
	if end > len(b) {
		return 0
	}
	return end
}
