// Package device is the public Device API that orchestrates the cipher,
// codec, discovery, and session components behind
// get/set/refresh/toggle/find/connect/disconnect and the event stream.
package device

import (
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"

	"github.com/tuyago/localtuya/internal/logger"
	"github.com/tuyago/localtuya/pkg/protocol"
	"github.com/tuyago/localtuya/pkg/tuyaerr"
)

var validate = validator.New()

// Options configures a Device.
type Options struct {
	ID   string `validate:"required_without=IP"`
	IP   string `validate:"required_without=ID"`
	GwID string

	// Cid addresses a sub-device behind a gateway (GLOSSARY "cid").
	Cid string

	Key     []byte           `validate:"len=16"`
	Version protocol.Version `default:"3.1"`
	Port    int              `default:"6668"`

	NullPayloadOnJSONError bool
	IssueGetOnConnect      bool `default:"true"`
	IssueRefreshOnConnect  bool
	IssueRefreshOnPing     bool

	ConnectTimeout    time.Duration `default:"5s"`
	HeartbeatInterval time.Duration `default:"10s"`
	PongTimeout       time.Duration `default:"2s"`
	ResponseTimeout   float64       `default:"2"`

	Log *logger.Logger
}

func (o *Options) applyDefaults() error {
	if err := defaults.Set(o); err != nil {
		return tuyaerr.Wrap(tuyaerr.ConfigError, "apply option defaults", err)
	}
	if o.GwID == "" {
		o.GwID = o.ID
	}
	return nil
}

func (o Options) validate() error {
	if err := validate.Struct(o); err != nil {
		return tuyaerr.Wrap(tuyaerr.ConfigError, "invalid device options", err)
	}
	if len(o.Key) != 16 {
		return tuyaerr.New(tuyaerr.ConfigError, "local key must be 16 bytes")
	}
	return nil
}
