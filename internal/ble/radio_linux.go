//go:build linux

package ble

import "fmt"

// NewRadio opens the backend named by cfg.Backend.
func NewRadio(cfg RadioConfig) (Radio, error) {
	switch cfg.Backend {
	case BackendHCI, "":
		opts := DefaultHCIOptions()
		opts.DeviceID = cfg.HCIDevice
		opts.CheckLE = cfg.CheckLE
		if cfg.MaxConnections > 0 {
			opts.MaxConnections = cfg.MaxConnections
		}
		if cfg.Logger != nil {
			opts.Logger = cfg.Logger
		}
		return NewHCIRadio(opts), nil
	case BackendBlueZ:
		return NewBlueZRadio(cfg.Logger), nil
	}
	return nil, &RadioError{Kind: Unsupported, Op: "open radio", Err: fmt.Errorf("unknown backend %q", cfg.Backend)}
}
