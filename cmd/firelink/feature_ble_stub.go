//go:build no_ble

package main

import (
	"fmt"
	"log/slog"

	"firelink/internal/ble"
)

func newBLEAdapter(_ *slog.Logger) (ble.Adapter, error) {
	return nil, fmt.Errorf("this build has no BLE support; set transport to \"serial\"")
}
