// Package security is the enforcement point for the three things the core
// will not trust to configuration alone: which address it binds to, what
// gets persisted when debug mode is off, and who may invoke destructive
// control operations. Its values are sampled once per flow, never locked
// on the hot path; a change only takes effect on the next flow.
package security

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"

	"github.com/tokentap/tokentap/internal/store"
)

// NetworkMode controls which address the proxy, dashboard, and store
// listeners bind to.
type NetworkMode string

const (
	NetworkLocal   NetworkMode = "local"
	NetworkNetwork NetworkMode = "network"
)

const (
	networkModeFilename = "network_mode"
	debugModeFilename   = "debug_mode"
	adminTokenFilename  = "admin.token"

	AdminTokenHeader = "X-Admin-Token"
)

// ErrSecurity is returned when the gate refuses to start: a state file is
// malformed, or the admin token file has permissions looser than
// owner-read-write-only.
type ErrSecurity struct {
	Reason string
}

func (e *ErrSecurity) Error() string { return "security: " + e.Reason }

// Gate holds the process-wide network/debug mode flags and the admin
// token, all sampled from state files under stateDir.
type Gate struct {
	stateDir    string
	logger      *slog.Logger
	networkMode atomic.Value // NetworkMode
	debugMode   atomic.Bool
	adminToken  []byte
}

// Load reads (or initialises) network_mode, debug_mode, and admin.token
// under stateDir, and refuses to start if the token file's permissions
// are looser than owner-read-write.
func Load(stateDir string, logger *slog.Logger) (*Gate, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, &ErrSecurity{Reason: fmt.Sprintf("creating state dir: %v", err)}
	}

	g := &Gate{stateDir: stateDir, logger: logger}

	mode, err := readNetworkMode(stateDir)
	if err != nil {
		return nil, err
	}
	g.networkMode.Store(mode)
	if mode == NetworkNetwork {
		logger.Warn("tokentap is binding to 0.0.0.0: proxy, dashboard, and store listeners are reachable from the network")
	}

	debug, err := readDebugMode(stateDir)
	if err != nil {
		return nil, err
	}
	g.debugMode.Store(debug)
	if debug {
		logger.Warn("debug mode is on: message content and raw request/response bodies will be persisted unredacted")
	}

	token, err := loadOrCreateAdminToken(stateDir)
	if err != nil {
		return nil, err
	}
	g.adminToken = token

	return g, nil
}

func readNetworkMode(stateDir string) (NetworkMode, error) {
	path := filepath.Join(stateDir, networkModeFilename)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return NetworkLocal, os.WriteFile(path, []byte(NetworkLocal), 0600)
	}
	if err != nil {
		return "", &ErrSecurity{Reason: fmt.Sprintf("reading %s: %v", path, err)}
	}
	switch mode := NetworkMode(strings.TrimSpace(string(data))); mode {
	case NetworkLocal, NetworkNetwork:
		return mode, nil
	default:
		return "", &ErrSecurity{Reason: fmt.Sprintf("%s: invalid network_mode %q", path, mode)}
	}
}

func readDebugMode(stateDir string) (bool, error) {
	path := filepath.Join(stateDir, debugModeFilename)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, os.WriteFile(path, []byte("off"), 0600)
	}
	if err != nil {
		return false, &ErrSecurity{Reason: fmt.Sprintf("reading %s: %v", path, err)}
	}
	switch v := strings.TrimSpace(string(data)); v {
	case "on":
		return true, nil
	case "off":
		return false, nil
	default:
		return false, &ErrSecurity{Reason: fmt.Sprintf("%s: invalid debug_mode %q", path, v)}
	}
}

func loadOrCreateAdminToken(stateDir string) ([]byte, error) {
	path := filepath.Join(stateDir, adminTokenFilename)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		raw := make([]byte, 32)
		if _, err := rand.Read(raw); err != nil {
			return nil, &ErrSecurity{Reason: fmt.Sprintf("generating admin token: %v", err)}
		}
		token := []byte(hex.EncodeToString(raw))
		if err := os.WriteFile(path, token, 0600); err != nil {
			return nil, &ErrSecurity{Reason: fmt.Sprintf("writing admin token: %v", err)}
		}
		return token, nil
	}

	if err := checkOwnerOnlyPermissions(path); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ErrSecurity{Reason: fmt.Sprintf("reading admin token: %v", err)}
	}
	return []byte(strings.TrimSpace(string(data))), nil
}

func checkOwnerOnlyPermissions(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return &ErrSecurity{Reason: fmt.Sprintf("stat admin token: %v", err)}
	}
	if info.Mode().Perm() != 0600 {
		return &ErrSecurity{Reason: fmt.Sprintf("%s has permissions %04o, want 0600", path, info.Mode().Perm())}
	}
	return nil
}

// NetworkMode returns the sampled network mode.
func (g *Gate) NetworkMode() NetworkMode {
	return g.networkMode.Load().(NetworkMode)
}

// DebugMode returns the sampled debug mode.
func (g *Gate) DebugMode() bool {
	return g.debugMode.Load()
}

// BindHost returns the address listeners should bind to for the current
// network mode.
func (g *Gate) BindHost() string {
	if g.NetworkMode() == NetworkNetwork {
		return "0.0.0.0"
	}
	return "127.0.0.1"
}

// RedactEvent overwrites messages[*].content with "[REDACTED]" and drops
// raw_request/raw_response, unless the event's own capture mode is
// "full" -- set per-flow from either global debug mode or the
// provider's capture_full_request override, not from debug mode alone.
// Role and array shape are preserved either way.
func (g *Gate) RedactEvent(ev *store.Event) {
	if ev.CaptureMode == "full" {
		return
	}
	for i := range ev.Messages {
		ev.Messages[i].Content = "[REDACTED]"
	}
	ev.RawRequest = nil
	ev.RawResponse = nil
}

// VerifyAdminToken reports whether the request's X-Admin-Token header
// matches the stored token, using a constant-time comparison.
func (g *Gate) VerifyAdminToken(r *http.Request) bool {
	supplied := r.Header.Get(AdminTokenHeader)
	if supplied == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(supplied), g.adminToken) == 1
}

// SetNetworkMode persists a new network mode, effective on the next flow.
func (g *Gate) SetNetworkMode(mode NetworkMode) error {
	if mode != NetworkLocal && mode != NetworkNetwork {
		return &ErrSecurity{Reason: fmt.Sprintf("invalid network_mode %q", mode)}
	}
	if err := os.WriteFile(filepath.Join(g.stateDir, networkModeFilename), []byte(mode), 0600); err != nil {
		return &ErrSecurity{Reason: fmt.Sprintf("writing network_mode: %v", err)}
	}
	g.networkMode.Store(mode)
	if mode == NetworkNetwork {
		g.logger.Warn("tokentap is now binding to 0.0.0.0")
	}
	return nil
}

// SetDebugMode persists a new debug mode, effective on the next flow.
func (g *Gate) SetDebugMode(on bool) error {
	v := "off"
	if on {
		v = "on"
	}
	if err := os.WriteFile(filepath.Join(g.stateDir, debugModeFilename), []byte(v), 0600); err != nil {
		return &ErrSecurity{Reason: fmt.Sprintf("writing debug_mode: %v", err)}
	}
	g.debugMode.Store(on)
	if on {
		g.logger.Warn("debug mode is now on: future events will persist unredacted message content")
	}
	return nil
}
