// Package config loads engine-wide tunables through viper, the config
// library grafana/tempo uses for its per-component config structs. Defaults
// match spec.md section 6; callers may override with a config file or
// DSPGRAPH_* environment variables.
package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Engine holds the tunables spec.md leaves as implementation-defined
// constants: default sample format/rate/control rate, page sizes for both
// sample pools, the vector-file growth chunk, and the expression compiler's
// page quanta for registers/variables/instructions.
type Engine struct {
	DefaultSampleFormat uint8 `mapstructure:"default_sample_format"`
	DefaultSampleRate   int   `mapstructure:"default_sample_rate"`
	MinSampleRate       int   `mapstructure:"min_sample_rate"`
	MaxSampleRate       int   `mapstructure:"max_sample_rate"`
	ControlRate         int   `mapstructure:"control_rate"`

	TransientPageSamples  int `mapstructure:"transient_page_samples"`
	PersistentPageBlocks  int `mapstructure:"persistent_page_blocks"`
	PersistentBlockSize   int `mapstructure:"persistent_block_size"`
	VectorFileChunk       int `mapstructure:"vector_file_chunk"`
	ExprRegisterPageQuant int `mapstructure:"expr_register_page_quant"`
	ExprVariablePageQuant int `mapstructure:"expr_variable_page_quant"`
	ExprInstrPageQuant    int `mapstructure:"expr_instr_page_quant"`
}

// Default returns the spec.md section 6 defaults: PCM-1 format, 48kHz
// sample rate, 100Hz control rate, and conservative pool/page sizes.
func Default() Engine {
	return Engine{
		DefaultSampleFormat:   0x10, // PCM, 1 channel
		DefaultSampleRate:     48_000,
		MinSampleRate:         256,
		MaxSampleRate:         192_000,
		ControlRate:           100,
		TransientPageSamples:  16384,
		PersistentPageBlocks:  1024,
		PersistentBlockSize:   64,
		VectorFileChunk:       64,
		ExprRegisterPageQuant: 16,
		ExprVariablePageQuant: 16,
		ExprInstrPageQuant:    32,
	}
}

// Load reads Default() overridden by an optional config file at path (may
// be empty to skip) and DSPGRAPH_* environment variables.
func Load(path string) (Engine, error) {
	v := viper.New()
	cfg := Default()

	v.SetEnvPrefix("DSPGRAPH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("default_sample_format", cfg.DefaultSampleFormat)
	v.SetDefault("default_sample_rate", cfg.DefaultSampleRate)
	v.SetDefault("min_sample_rate", cfg.MinSampleRate)
	v.SetDefault("max_sample_rate", cfg.MaxSampleRate)
	v.SetDefault("control_rate", cfg.ControlRate)
	v.SetDefault("transient_page_samples", cfg.TransientPageSamples)
	v.SetDefault("persistent_page_blocks", cfg.PersistentPageBlocks)
	v.SetDefault("persistent_block_size", cfg.PersistentBlockSize)
	v.SetDefault("vector_file_chunk", cfg.VectorFileChunk)
	v.SetDefault("expr_register_page_quant", cfg.ExprRegisterPageQuant)
	v.SetDefault("expr_variable_page_quant", cfg.ExprVariablePageQuant)
	v.SetDefault("expr_instr_page_quant", cfg.ExprInstrPageQuant)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return cfg, err
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
