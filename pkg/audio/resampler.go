package audio

// ResamplerPair composes the two directions of PCM16LE mono conversion a
// realtime session needs: media (caller) rate on one side, provider rate on
// the other. The two directions are independent converters since adapters
// may declare asymmetric input/output rates (e.g. Gemini: 16 kHz in,
// 24 kHz out).
type ResamplerPair struct {
	toProvider FormatConverter
	toMedia    FormatConverter
}

// NewResamplerPair builds a pair converting mediaRate<->providerIn/Out. All
// rates are mono PCM16LE.
func NewResamplerPair(mediaRate, providerInRate, providerOutRate int) *ResamplerPair {
	return &ResamplerPair{
		toProvider: FormatConverter{Target: Format{SampleRate: providerInRate, Channels: 1}},
		toMedia:    FormatConverter{Target: Format{SampleRate: mediaRate, Channels: 1}},
	}
}

// InputRate returns the target rate of the media->provider leg (the rate
// the provider expects to receive).
func (p *ResamplerPair) InputRate() int { return p.toProvider.Target.SampleRate }

// OutputRate returns the target rate of the provider->media leg (the rate
// the caller's media channel expects to receive).
func (p *ResamplerPair) OutputRate() int { return p.toMedia.Target.SampleRate }

// ToProvider resamples a frame captured at mediaRate into the provider's
// input rate.
func (p *ResamplerPair) ToProvider(frame AudioFrame) AudioFrame {
	return p.toProvider.Convert(frame)
}

// ToMedia resamples a frame emitted by the provider at its output rate into
// the media leg's rate.
func (p *ResamplerPair) ToMedia(frame AudioFrame) AudioFrame {
	return p.toMedia.Convert(frame)
}

// Passthrough reports whether both legs are no-ops at the given source
// rates, letting callers skip buffer allocation entirely.
func (p *ResamplerPair) Passthrough(mediaRate, providerRate int) bool {
	return mediaRate == p.OutputRate() && providerRate == p.InputRate()
}

// Reset clears the sync.Once warning guards so a freshly rebound pair (after
// a provider fallback swap) logs its own first-mismatch warning instead of
// silently inheriting the old pair's suppressed one.
func (p *ResamplerPair) Reset() {
	p.toProvider = FormatConverter{Target: p.toProvider.Target}
	p.toMedia = FormatConverter{Target: p.toMedia.Target}
}
