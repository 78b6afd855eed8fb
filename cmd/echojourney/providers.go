package main

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/echojourney/internal/app"
	"github.com/MrWong99/echojourney/internal/config"
	"github.com/MrWong99/echojourney/pkg/provider/llm"
	"github.com/MrWong99/echojourney/pkg/provider/llm/anyllm"
	oallm "github.com/MrWong99/echojourney/pkg/provider/llm/openai"
	"github.com/MrWong99/echojourney/pkg/provider/scorer"
	azurescorer "github.com/MrWong99/echojourney/pkg/provider/scorer/azure"
	"github.com/MrWong99/echojourney/pkg/provider/stt"
	azurestt "github.com/MrWong99/echojourney/pkg/provider/stt/azure"
	"github.com/MrWong99/echojourney/pkg/provider/stt/whisper"
	"github.com/MrWong99/echojourney/pkg/provider/tts"
	"github.com/MrWong99/echojourney/pkg/provider/tts/coqui"
	"github.com/MrWong99/echojourney/pkg/provider/tts/elevenlabs"
	"github.com/MrWong99/echojourney/pkg/types"
)

// anyllmBackends are the chat backends reached through any-llm. openai has
// its own client for server-side JSON mode.
var anyllmBackends = []string{
	"anthropic", "deepseek", "gemini", "groq", "llamacpp", "llamafile", "mistral", "ollama",
}

// providerOptions reads the free-form options block of one provider entry.
type providerOptions map[string]any

func (o providerOptions) str(key string) string {
	s, _ := o[key].(string)
	return s
}

// duration parses values like "30s". Anything unparsable is zero.
func (o providerOptions) duration(key string) time.Duration {
	d, _ := time.ParseDuration(o.str(key))
	return d
}

func newRegistry() *config.Registry {
	reg := config.NewRegistry()

	reg.RegisterLLM("openai", func(e config.ProviderEntry) (llm.Provider, error) {
		o := providerOptions(e.Options)
		return oallm.New(e.APIKey, e.Model,
			oallm.WithBaseURL(e.BaseURL),
			oallm.WithOrganization(o.str("organization")),
			oallm.WithTimeout(o.duration("timeout")),
		)
	})
	for _, backend := range anyllmBackends {
		reg.RegisterLLM(backend, func(e config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if e.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(e.APIKey))
			}
			if e.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(e.BaseURL))
			}
			return anyllm.New(backend, e.Model, opts...)
		})
	}

	reg.RegisterSTT("whisper", func(e config.ProviderEntry) (stt.Provider, error) {
		o := providerOptions(e.Options)
		opts := []whisper.Option{}
		if e.Model != "" {
			opts = append(opts, whisper.WithModel(e.Model))
		}
		if lang := o.str("language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		if d := o.duration("timeout"); d > 0 {
			opts = append(opts, whisper.WithTimeout(d))
		}
		return whisper.New(e.BaseURL, opts...)
	})
	reg.RegisterSTT("azure", func(e config.ProviderEntry) (stt.Provider, error) {
		o := providerOptions(e.Options)
		opts := []azurestt.Option{}
		if locale := o.str("locale"); locale != "" {
			opts = append(opts, azurestt.WithLocale(locale))
		}
		if e.BaseURL != "" {
			opts = append(opts, azurestt.WithEndpoint(e.BaseURL))
		}
		if d := o.duration("timeout"); d > 0 {
			opts = append(opts, azurestt.WithTimeout(d))
		}
		return azurestt.New(e.APIKey, o.str("region"), opts...)
	})

	reg.RegisterTTS("elevenlabs", func(e config.ProviderEntry) (tts.Provider, error) {
		o := providerOptions(e.Options)
		opts := []elevenlabs.Option{}
		if e.Model != "" {
			opts = append(opts, elevenlabs.WithModel(e.Model))
		}
		if e.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(e.BaseURL))
		}
		for _, p := range []types.Platform{types.PlatformWeb, types.PlatformAndroid, types.PlatformIOS} {
			if f := o.str("output_format_" + string(p)); f != "" {
				opts = append(opts, elevenlabs.WithOutputFormat(p, f))
			}
		}
		return elevenlabs.New(e.APIKey, opts...)
	})
	reg.RegisterTTS("coqui", func(e config.ProviderEntry) (tts.Provider, error) {
		o := providerOptions(e.Options)
		opts := []coqui.Option{}
		if lang := o.str("language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := o.str("api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		if d := o.duration("timeout"); d > 0 {
			opts = append(opts, coqui.WithTimeout(d))
		}
		return coqui.New(e.BaseURL, opts...)
	})

	reg.RegisterScorer("azure", func(e config.ProviderEntry) (scorer.Provider, error) {
		o := providerOptions(e.Options)
		opts := []azurescorer.Option{}
		if lang := o.str("language"); lang != "" {
			opts = append(opts, azurescorer.WithLanguage(lang))
		}
		if e.BaseURL != "" {
			opts = append(opts, azurescorer.WithEndpoint(e.BaseURL))
		}
		if d := o.duration("timeout"); d > 0 {
			opts = append(opts, azurescorer.WithTimeout(d))
		}
		return azurescorer.New(e.APIKey, o.str("region"), opts...)
	})
	return reg
}

// buildProviders fills every configured slot and reports all broken entries
// at once. Slots without a name stay nil; app.New decides which are required.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	p := cfg.Providers
	var errs []error
	ps := &app.Providers{
		LLM:         build(&errs, "llm", p.LLM, reg.CreateLLM),
		LLMFallback: build(&errs, "llm_fallback", p.LLMFallback, reg.CreateLLM),
		STT:         build(&errs, "stt", p.STT, reg.CreateSTT),
		STTFallback: build(&errs, "stt_fallback", p.STTFallback, reg.CreateSTT),
		TTS:         build(&errs, "tts", p.TTS, reg.CreateTTS),
		Scorer:      build(&errs, "scorer", p.Scorer, reg.CreateScorer),
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return ps, nil
}

func build[T any](errs *[]error, slot string, e config.ProviderEntry, create func(config.ProviderEntry) (T, error)) T {
	var zero T
	if e.Name == "" {
		return zero
	}
	v, err := create(e)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s provider %q: %w", slot, e.Name, err))
		return zero
	}
	slog.Info("provider created", "slot", slot, "name", e.Name, "model", e.Model)
	return v
}
