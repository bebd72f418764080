// Package coqui synthesizes speech with a self-hosted Coqui TTS server.
//
// Two server flavours are supported:
//
//   - APIModeStandard (default): the stock Coqui TTS server
//     (ghcr.io/coqui-ai/tts-cpu). GET /api/tts with query parameters, voices
//     from GET /details.
//   - APIModeXTTS: the XTTS v2 API server. POST /tts_to_audio/ with a JSON
//     body, voices from GET /studio_speakers.
//
// Both reply with WAV. The container is stripped and the samples are
// downmixed to mono and resampled to the configured output rate, so every
// sentence of a turn reaches the client in the same format.
//
//	p, err := coqui.New("http://localhost:5002",
//	    coqui.WithLanguage("zh-cn"),
//	    coqui.WithOutputSampleRate(16000),
//	)
//	pcm, err := p.Synthesize(ctx, "你好。", voice)
package coqui

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/MrWong99/voxstream/pkg/audio"
	"github.com/MrWong99/voxstream/pkg/provider/tts"
	"github.com/MrWong99/voxstream/pkg/types"
)

var _ tts.Provider = (*Provider)(nil)

const (
	providerName    = "coqui"
	defaultLanguage = "en"
	defaultTimeout  = 30 * time.Second

	apiTTSEndpoint  = "/api/tts"
	detailsEndpoint = "/details"

	ttsEndpoint            = "/tts_to_audio/"
	studioSpeakersEndpoint = "/studio_speakers"
)

// APIMode selects the server API.
type APIMode string

const (
	APIModeXTTS     APIMode = "xtts"
	APIModeStandard APIMode = "standard"
)

// Option configures a Provider.
type Option func(*Provider)

// WithLanguage sets the fallback language code ("en", "de", "zh-cn"). A
// voice profile's Language wins when set.
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithTimeout bounds each HTTP request. The default is 30s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.httpClient.Timeout = d }
}

// WithAPIMode selects the server API.
func WithAPIMode(mode APIMode) Option {
	return func(p *Provider) { p.apiMode = mode }
}

// WithOutputSampleRate resamples synthesized PCM to rate. Zero keeps the
// model's native rate.
func WithOutputSampleRate(rate int) Option {
	return func(p *Provider) { p.outputRate = rate }
}

// Provider is a [tts.Provider] over one Coqui server. It is safe for
// concurrent use.
type Provider struct {
	serverURL  string
	language   string
	httpClient *http.Client
	apiMode    APIMode
	outputRate int
}

// New returns a Provider for the server at serverURL.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: server url is required")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		apiMode:    APIModeStandard,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	if p.apiMode != APIModeStandard && p.apiMode != APIModeXTTS {
		return nil, fmt.Errorf("coqui: unknown api mode %q", p.apiMode)
	}
	return p, nil
}

// ttsRequest is the XTTS synthesis body.
type ttsRequest struct {
	Text       string `json:"text"`
	SpeakerWav string `json:"speaker_wav"`
	Language   string `json:"language"`
}

// detailsResponse is the standard server's model description. Speakers is
// empty for single-speaker models.
type detailsResponse struct {
	ModelName string   `json:"model_name"`
	Language  string   `json:"language"`
	Speakers  []string `json:"speakers"`
}

// Synthesize implements [tts.Provider].
func (p *Provider) Synthesize(ctx context.Context, text string, voice types.VoiceProfile) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("coqui: empty text")
	}
	lang := cmp.Or(voice.Language, p.language)

	req, err := p.synthRequest(ctx, text, voice.ID, lang)
	if err != nil {
		return nil, err
	}
	wav, err := p.fetch(req)
	if err != nil {
		return nil, err
	}

	pcm, native, err := audio.DecodeWAV(wav)
	if err != nil {
		return nil, fmt.Errorf("coqui: decode audio: %w", err)
	}
	out := audio.Format{SampleRate: native.SampleRate, Channels: 1}
	if p.outputRate > 0 {
		out.SampleRate = p.outputRate
	}
	pcm, err = audio.Convert(pcm, native, out)
	if err != nil {
		return nil, fmt.Errorf("coqui: %w", err)
	}
	return pcm, nil
}

// synthRequest builds the mode-specific synthesis request. XTTS always needs
// a speaker reference; standard single-speaker models do not.
func (p *Provider) synthRequest(ctx context.Context, text, speaker, lang string) (*http.Request, error) {
	var (
		req *http.Request
		err error
	)
	switch p.apiMode {
	case APIModeXTTS:
		if speaker == "" {
			return nil, errors.New("coqui: xtts needs a voice id")
		}
		body, merr := json.Marshal(ttsRequest{Text: text, SpeakerWav: speaker, Language: lang})
		if merr != nil {
			return nil, fmt.Errorf("coqui: encode request: %w", merr)
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+ttsEndpoint, bytes.NewReader(body))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	default:
		q := url.Values{"text": {text}}
		if speaker != "" {
			q.Set("speaker_id", speaker)
		}
		if lang != "" {
			q.Set("language_id", lang)
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+apiTTSEndpoint+"?"+q.Encode(), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("coqui: build request: %w", err)
	}
	req.Header.Set("Accept", "audio/wav")
	return req, nil
}

// fetch executes req and returns the body of a 200 reply.
func (p *Provider) fetch(req *http.Request) ([]byte, error) {
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: %s %s: status %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("coqui: read body: %w", err)
	}
	return body, nil
}

// ListVoices implements [tts.Provider]. Standard servers list one voice per
// speaker, or a single voice named after the model.
func (p *Provider) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	endpoint, parse := detailsEndpoint, parseDetails
	if p.apiMode == APIModeXTTS {
		endpoint, parse = studioSpeakersEndpoint, parseStudioSpeakers
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	body, err := p.fetch(req)
	if err != nil {
		return nil, err
	}
	return parse(body)
}

func profile(id, lang string, meta map[string]string) types.VoiceProfile {
	return types.VoiceProfile{ID: id, Name: id, Provider: providerName, Language: lang, Metadata: meta}
}

func parseStudioSpeakers(body []byte) ([]types.VoiceProfile, error) {
	var speakers map[string]json.RawMessage
	if err := json.Unmarshal(body, &speakers); err != nil {
		return nil, fmt.Errorf("coqui: decode studio speakers: %w", err)
	}
	out := make([]types.VoiceProfile, 0, len(speakers))
	for _, name := range slices.Sorted(maps.Keys(speakers)) {
		out = append(out, profile(name, "", map[string]string{"type": "studio"}))
	}
	return out, nil
}

func parseDetails(body []byte) ([]types.VoiceProfile, error) {
	var d detailsResponse
	if err := json.Unmarshal(body, &d); err != nil {
		return nil, fmt.Errorf("coqui: decode details: %w", err)
	}
	if len(d.Speakers) == 0 {
		name := cmp.Or(d.ModelName, "default")
		return []types.VoiceProfile{
			profile(name, d.Language, map[string]string{"type": "single-speaker", "model_name": name}),
		}, nil
	}
	out := make([]types.VoiceProfile, 0, len(d.Speakers))
	for _, spk := range slices.Sorted(slices.Values(d.Speakers)) {
		out = append(out, profile(spk, d.Language, map[string]string{"type": "speaker", "model_name": d.ModelName}))
	}
	return out, nil
}
