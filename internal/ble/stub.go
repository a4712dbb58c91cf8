//go:build no_ble

package ble

import (
	"context"
	"errors"
	"log/slog"
)

// ErrNoBLE is returned by every operation when built with the no_ble tag.
var ErrNoBLE = errors.New("built without BLE support")

// HostAdapter is a stub used on hosts without a Bluetooth stack.
type HostAdapter struct{}

// NewHostAdapter returns the stub adapter.
func NewHostAdapter(_ *slog.Logger) *HostAdapter { return &HostAdapter{} }

func (a *HostAdapter) Enable() error { return ErrNoBLE }

func (a *HostAdapter) Scan(_ context.Context, _ func(Advertisement)) error { return ErrNoBLE }

func (a *HostAdapter) Connect(_ context.Context, _ string) (Connection, error) {
	return nil, ErrNoBLE
}

var _ Adapter = (*HostAdapter)(nil)
