package audio

// EchoCanceller implements a Speex-style adaptive echo canceller operating
// on fixed-size 20ms frames. A ring of recently emitted output frames
// serves as the reference signal; on each input frame the time-aligned
// output frame is dequeued and subtracted (scaled by an adaptive gain
// estimate) from the input, attenuating the caller-side echo of the
// assistant's own speech.
//
// Frame boundaries are mandatory: both Cancel and PushReference operate in
// units of FrameBytes; any residual bytes that don't fill a whole frame
// pass through untouched.
type EchoCanceller struct {
	sampleRate int
	frameSize  int // samples per 20ms frame
	frameBytes int // bytes per 20ms frame (int16 mono)

	ref      [][]byte // ring of reference (output) frames
	refHead  int
	refCount int

	// gain is the adaptive echo-path gain estimate in [0,1], nudged toward
	// the value that best cancels observed energy.
	gain float64
}

// filterMs is the echo canceller's filter length, bounding how many 20ms
// reference frames are retained (≈128ms / 20ms ≈ 6-7 frames).
const filterMs = 128

// NewEchoCanceller creates a canceller for the given sample rate with a
// ring sized to the declared filter length.
func NewEchoCanceller(sampleRate int) *EchoCanceller {
	frameSize := sampleRate / 50 // 20ms worth of samples
	frameBytes := frameSize * 2
	ringLen := filterMs / 20
	if ringLen < 1 {
		ringLen = 1
	}
	return &EchoCanceller{
		sampleRate: sampleRate,
		frameSize:  frameSize,
		frameBytes: frameBytes,
		ref:        make([][]byte, ringLen),
		gain:       0.5,
	}
}

// PushReference records an output (assistant) frame as the reference
// signal for later cancellation against the corresponding input frame.
func (e *EchoCanceller) PushReference(pcm []byte) {
	for off := 0; off+e.frameBytes <= len(pcm); off += e.frameBytes {
		frame := make([]byte, e.frameBytes)
		copy(frame, pcm[off:off+e.frameBytes])
		e.ref[e.refHead] = frame
		e.refHead = (e.refHead + 1) % len(e.ref)
		if e.refCount < len(e.ref) {
			e.refCount++
		}
	}
}

// Cancel attenuates echo in an input (caller) frame using the oldest queued
// reference frame; if no reference is queued, silence is assumed and the
// input passes through unchanged. Bytes beyond the last whole frame are
// copied through untouched.
func (e *EchoCanceller) Cancel(pcm []byte) []byte {
	out := make([]byte, len(pcm))
	copy(out, pcm)

	for off := 0; off+e.frameBytes <= len(pcm); off += e.frameBytes {
		ref := e.dequeueReference()
		if ref == nil {
			continue
		}
		e.cancelFrame(out[off:off+e.frameBytes], ref)
	}
	return out
}

// dequeueReference pops the oldest reference frame, or nil if none queued.
func (e *EchoCanceller) dequeueReference() []byte {
	if e.refCount == 0 {
		return nil
	}
	tail := (e.refHead - e.refCount + len(e.ref)) % len(e.ref)
	frame := e.ref[tail]
	e.ref[tail] = nil
	e.refCount--
	return frame
}

// cancelFrame subtracts a gain-scaled reference frame from dst in place,
// clamping to int16 range, and nudges the gain estimate toward the ratio
// that minimises residual energy.
func (e *EchoCanceller) cancelFrame(dst, ref []byte) {
	n := len(dst) / 2
	var inEnergy, refEnergy float64

	for i := range n {
		in := int16(dst[i*2]) | int16(dst[i*2+1])<<8
		rf := int16(ref[i*2]) | int16(ref[i*2+1])<<8

		cancelled := float64(in) - e.gain*float64(rf)
		if cancelled > 32767 {
			cancelled = 32767
		} else if cancelled < -32768 {
			cancelled = -32768
		}
		dst[i*2] = byte(int16(cancelled))
		dst[i*2+1] = byte(int16(cancelled) >> 8)

		inEnergy += float64(in) * float64(in)
		refEnergy += float64(rf) * float64(rf)
	}

	if refEnergy > 0 {
		target := inEnergy / refEnergy
		if target > 1 {
			target = 1
		}
		e.gain += (target - e.gain) * 0.1
		if e.gain < 0 {
			e.gain = 0
		} else if e.gain > 1 {
			e.gain = 1
		}
	}
}

// Reset drops all queued reference frames and resets the gain estimate, for
// reuse across a provider fallback rebind.
func (e *EchoCanceller) Reset() {
	for i := range e.ref {
		e.ref[i] = nil
	}
	e.refHead = 0
	e.refCount = 0
	e.gain = 0.5
}
