//go:build !linux && !darwin && !windows

package security

import (
	"context"
	"fmt"
	"os"
	"strings"
)

func platformMachineID(_ context.Context) (string, error) {
	data, err := os.ReadFile("/etc/hostid")
	if err != nil {
		return "", fmt.Errorf("failed to read hostid: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func platformCPUModel(_ context.Context) string {
	return ""
}
