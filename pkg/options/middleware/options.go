// Package middleware provides middleware configuration options.
package middleware

import (
	"github.com/spf13/pflag"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	"github.com/kart-io/sentinel-rag/pkg/options"
)

var _ options.IOptions = (*Options)(nil)

// Options 聚合 HTTP 中间件配置。
// Recovery、RequestID、Logger 始终启用；CORS 和 BodyLimit 由各自的 Enabled 控制。
type Options struct {
	Recovery  *RecoveryOptions  `json:"recovery" mapstructure:"recovery"`
	RequestID *RequestIDOptions `json:"request-id" mapstructure:"request-id"`
	Logger    *LoggerOptions    `json:"logger" mapstructure:"logger"`
	BodyLimit *BodyLimitOptions `json:"body-limit" mapstructure:"body-limit"`
	CORS      *CORSOptions      `json:"cors" mapstructure:"cors"`
}

// NewOptions 创建默认中间件选项。
func NewOptions() *Options {
	return &Options{
		Recovery:  NewRecoveryOptions(),
		RequestID: NewRequestIDOptions(),
		Logger:    NewLoggerOptions(),
		BodyLimit: NewBodyLimitOptions(),
		CORS:      NewCORSOptions(),
	}
}

// AddFlags adds flags for all middleware options.
func (o *Options) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	o.Recovery.AddFlags(fs, prefixes...)
	o.RequestID.AddFlags(fs, prefixes...)
	o.Logger.AddFlags(fs, prefixes...)
	o.BodyLimit.AddFlags(fs, prefixes...)
	o.CORS.AddFlags(fs, prefixes...)
}

// Validate validates all middleware options.
func (o *Options) Validate() []error {
	if o == nil {
		return nil
	}
	var errs []error
	errs = append(errs, o.RequestID.Validate()...)
	errs = append(errs, o.BodyLimit.Validate()...)
	errs = append(errs, o.CORS.Validate()...)
	return errs
}

// Complete fills in defaults for sections missing from the config file.
func (o *Options) Complete() error {
	if o.Recovery == nil {
		o.Recovery = NewRecoveryOptions()
	}
	if o.RequestID == nil {
		o.RequestID = NewRequestIDOptions()
	}
	if o.Logger == nil {
		o.Logger = NewLoggerOptions()
	}
	if o.BodyLimit == nil {
		o.BodyLimit = NewBodyLimitOptions()
	}
	if o.CORS == nil {
		o.CORS = NewCORSOptions()
	}
	return utilerrors.NewAggregate([]error{o.CORS.Complete()})
}
