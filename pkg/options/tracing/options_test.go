package tracing

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledOptionsAlwaysValid(t *testing.T) {
	o := NewOptions()
	o.ExporterType = "carrier-pigeon"
	o.SamplerRatio = 7
	assert.Empty(t, o.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(o *Options)
		errs   int
	}{
		{"defaults", func(*Options) {}, 0},
		{"stdout needs no endpoint", func(o *Options) { o.ExporterType = ExporterStdout; o.Endpoint = "" }, 0},
		{"otlp needs endpoint", func(o *Options) { o.Endpoint = "" }, 1},
		{"unknown exporter", func(o *Options) { o.ExporterType = "zipkin" }, 1},
		{"unknown sampler", func(o *Options) { o.SamplerType = "sometimes" }, 1},
		{"ratio out of range", func(o *Options) { o.SamplerRatio = 1.5 }, 1},
		{"missing service name", func(o *Options) { o.ServiceName = "" }, 1},
		{"bad queue", func(o *Options) { o.MaxQueueSize = 0 }, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := NewOptions()
			o.Enabled = true
			tt.mutate(o)
			assert.Len(t, o.Validate(), tt.errs)
		})
	}
}

func TestAddFlags(t *testing.T) {
	o := NewOptions()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	o.AddFlags(fs)

	require.NoError(t, fs.Parse([]string{
		"--tracing.enabled",
		"--tracing.exporter-type=otlp_http",
		"--tracing.endpoint=collector:4318",
		"--tracing.sampler-ratio=0.25",
		"--tracing.headers=authorization=Bearer x",
	}))
	assert.True(t, o.Enabled)
	assert.Equal(t, ExporterOTLPHTTP, o.ExporterType)
	assert.Equal(t, "collector:4318", o.Endpoint)
	assert.InDelta(t, 0.25, o.SamplerRatio, 1e-9)
	assert.Equal(t, "Bearer x", o.Headers["authorization"])
	assert.Empty(t, o.Validate())
}
