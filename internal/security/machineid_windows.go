package security

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sys/windows/registry"
)

func platformMachineID(_ context.Context) (string, error) {
	key, err := registry.OpenKey(registry.LOCAL_MACHINE,
		`SOFTWARE\Microsoft\Cryptography`, registry.QUERY_VALUE|registry.WOW64_64KEY)
	if err != nil {
		return "", fmt.Errorf("failed to open cryptography key: %w", err)
	}
	defer key.Close()

	guid, _, err := key.GetStringValue("MachineGuid")
	if err != nil {
		return "", fmt.Errorf("failed to read MachineGuid: %w", err)
	}
	return guid, nil
}

func platformCPUModel(_ context.Context) string {
	return os.Getenv("PROCESSOR_IDENTIFIER")
}
