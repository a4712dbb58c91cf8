//go:build !no_ble

package main

import (
	"log/slog"

	"firelink/internal/ble"
)

func newBLEAdapter(logger *slog.Logger) (ble.Adapter, error) {
	logger.Info("using BLE transport")
	return ble.NewHostAdapter(logger), nil
}
