//go:build whispercpp

package main

import (
	"github.com/MrWong99/thakkir/internal/config"
	"github.com/MrWong99/thakkir/pkg/provider/stt"
	"github.com/MrWong99/thakkir/pkg/provider/stt/whisper"
)

func init() {
	nativeProviders = append(nativeProviders, func(reg *config.Registry) {
		reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Provider, error) {
			modelPath := entry.Model
			if modelPath == "" {
				modelPath = entry.Option("model_path")
			}
			var opts []whisper.NativeOption
			if lang := entry.Option("language"); lang != "" {
				opts = append(opts, whisper.WithNativeLanguage(lang))
			}
			return whisper.NewNative(modelPath, opts...)
		})
	})
}
