package security

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrFingerprintUnavailable is returned when no stable machine identifier
// can be read.
var ErrFingerprintUnavailable = errors.New("machine fingerprint unavailable")

// defaultFingerprintSalt keys the fingerprint HMAC so the value is useless
// to other applications on the same machine.
var defaultFingerprintSalt = []byte("aichemist-transmutations/fingerprint/v1")

// Component names, in hashing order
const (
	ComponentMachineID = "machine_id"
	ComponentCPU       = "cpu"
	ComponentOS        = "os"
	ComponentArch      = "arch"
	ComponentMAC       = "mac"
)

// Sources reads the raw identifiers. Tests replace them; production uses
// DefaultSources.
type Sources struct {
	MachineID  func(ctx context.Context) (string, error)
	CPUModel   func(ctx context.Context) string
	MACAddress func() (string, error)
	GOOS       string
	GOARCH     string
}

// DefaultSources reads identifiers from the running OS
func DefaultSources() Sources {
	return Sources{
		MachineID:  platformMachineID,
		CPUModel:   platformCPUModel,
		MACAddress: primaryMACAddress,
		GOOS:       runtime.GOOS,
		GOARCH:     runtime.GOARCH,
	}
}

// Component is one labelled input to the fingerprint. Value is redacted
// when returned from Components.
type Component struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// FingerprintManager derives the machine fingerprint. Only stable local
// identifiers are used; hostname, user name and addresses are not. The
// first successful result is cached for the life of the manager.
type FingerprintManager struct {
	salt    []byte
	sources Sources
	logger  *slog.Logger

	mu     sync.Mutex
	cached string
}

// FingerprintOption configures a FingerprintManager
type FingerprintOption func(*FingerprintManager)

// WithSalt overrides the HMAC key
func WithSalt(salt []byte) FingerprintOption {
	return func(m *FingerprintManager) {
		m.salt = append([]byte(nil), salt...)
	}
}

// WithSources overrides the identifier readers
func WithSources(s Sources) FingerprintOption {
	return func(m *FingerprintManager) {
		m.sources = s
	}
}

// WithFingerprintLogger sets the logger
func WithFingerprintLogger(logger *slog.Logger) FingerprintOption {
	return func(m *FingerprintManager) {
		m.logger = logger
	}
}

// NewFingerprintManager creates a manager reading from the local OS
func NewFingerprintManager(opts ...FingerprintOption) *FingerprintManager {
	m := &FingerprintManager{
		salt:    defaultFingerprintSalt,
		sources: DefaultSources(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Fingerprint returns the lowercase hex fingerprint of this machine
func (m *FingerprintManager) Fingerprint(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cached != "" {
		return m.cached, nil
	}

	start := time.Now()
	components, err := m.collect(ctx)
	if err != nil {
		m.logger.WarnContext(ctx, "Device fingerprint unavailable",
			slog.String("error", err.Error()))
		return "", err
	}

	m.cached = digest(m.salt, components)

	names := make([]string, 0, len(components))
	for _, c := range components {
		names = append(names, c.Name)
	}
	m.logger.DebugContext(ctx, "Device fingerprint generated",
		slog.String("fingerprint_prefix", m.cached[:12]),
		slog.String("components", strings.Join(names, ",")),
		slog.Duration("generation_time", time.Since(start)))

	return m.cached, nil
}

// Components lists the inputs that would be hashed, with values redacted.
// It is meant for support diagnostics.
func (m *FingerprintManager) Components(ctx context.Context) ([]Component, error) {
	components, err := m.collect(ctx)
	if err != nil {
		return nil, err
	}
	for i := range components {
		components[i].Value = redact(components[i].Value)
	}
	return components, nil
}

func (m *FingerprintManager) collect(ctx context.Context) ([]Component, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var machineID string
	if m.sources.MachineID != nil {
		id, err := m.sources.MachineID(ctx)
		if err != nil {
			m.logger.DebugContext(ctx, "Machine id not available", slog.String("error", err.Error()))
		}
		machineID = normalize(id)
	}

	var cpu string
	if m.sources.CPUModel != nil {
		cpu = strings.TrimSpace(m.sources.CPUModel(ctx))
	}

	components := make([]Component, 0, 5)
	if machineID != "" {
		components = append(components, Component{Name: ComponentMachineID, Value: machineID})
	}
	components = append(components,
		Component{Name: ComponentCPU, Value: cpu},
		Component{Name: ComponentOS, Value: m.sources.GOOS},
		Component{Name: ComponentArch, Value: m.sources.GOARCH},
	)

	if machineID == "" {
		var mac string
		if m.sources.MACAddress != nil {
			addr, err := m.sources.MACAddress()
			if err != nil {
				m.logger.DebugContext(ctx, "MAC address not available", slog.String("error", err.Error()))
			}
			mac = normalize(addr)
		}
		if mac == "" {
			return nil, ErrFingerprintUnavailable
		}
		components = append(components, Component{Name: ComponentMAC, Value: mac})
	}

	return components, nil
}

func digest(salt []byte, components []Component) string {
	lines := make([]string, len(components))
	for i, c := range components {
		lines[i] = c.Name + "=" + c.Value
	}
	mac := hmac.New(sha256.New, salt)
	mac.Write([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(mac.Sum(nil))
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func redact(v string) string {
	if v == "" {
		return ""
	}
	if len(v) <= 4 {
		return "****"
	}
	return "****" + v[len(v)-4:]
}

// primaryMACAddress returns the lowest hardware address among non-loopback
// interfaces so the choice does not depend on enumeration order.
func primaryMACAddress() (string, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("failed to get network interfaces: %w", err)
	}

	var macs []string
	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		mac := iface.HardwareAddr.String()
		if mac == "" || mac == "00:00:00:00:00:00" {
			continue
		}
		macs = append(macs, mac)
	}
	if len(macs) == 0 {
		return "", fmt.Errorf("no valid MAC address found")
	}
	sort.Strings(macs)
	return macs[0], nil
}
