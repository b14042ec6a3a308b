package transport

import (
	"go.uber.org/zap"

	"wirebus/auth"
	"wirebus/config"
)

// OptionsFromConfig maps endpoint settings onto connection options.
// Unrecognized mechanism names are skipped.
func OptionsFromConfig(cfg config.Config, log *zap.Logger) Options {
	var mechs []auth.Mechanism
	for _, name := range cfg.Mechanisms {
		switch name {
		case "EXTERNAL":
			mechs = append(mechs, auth.External{})
		case "DBUS_COOKIE_SHA1":
			mechs = append(mechs, auth.CookieSHA1{Keyring: auth.Keyring{Dir: cfg.KeyringDir}})
		}
	}
	return Options{
		Mechanisms:         mechs,
		DefaultCallTimeout: cfg.DefaultCallTimeout,
		OutboundQueue:      cfg.OutboundQueue,
		Logger:             log,
	}
}
