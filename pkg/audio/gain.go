package audio

// ApplyGain scales 16-bit PCM samples by volume in place and returns pcm.
// volume is clamped to [0, 1]; 1 leaves the samples untouched.
func ApplyGain(pcm []byte, volume float64) []byte {
	if volume >= 1 {
		return pcm
	}
	if volume < 0 {
		volume = 0
	}
	for i := 0; i+1 < len(pcm); i += 2 {
		s := float64(int16(uint16(pcm[i]) | uint16(pcm[i+1])<<8))
		v := int32(s * volume)
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		pcm[i] = byte(v)
		pcm[i+1] = byte(v >> 8)
	}
	return pcm
}
