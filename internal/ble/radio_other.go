//go:build !linux

package ble

// NewRadio fails: peripheral backends exist only for Linux.
func NewRadio(cfg RadioConfig) (Radio, error) {
	return nil, &RadioError{Kind: Unsupported, Op: "open " + cfg.Backend + " radio"}
}
