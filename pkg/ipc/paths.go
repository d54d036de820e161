// Package ipc implements the IPC Broker (spec §4.C): a file-based
// request/response transport between the host and sandboxed agent
// workers. Directory layout, atomic tmp-then-rename writes, and
// timestamp-ordered filenames are specified directly by spec.md §4.C; the
// dispatch-table-over-switch-statement shape for routing request types to
// handlers follows spec §9's anti-switch guidance, grounded the same way
// pkg/dispatcher routes worker selection.
package ipc

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Paths resolves the fixed subdirectory layout rooted at one group's IPC
// directory (spec §4.C).
type Paths struct {
	Root string
}

func (p Paths) Tasks() string     { return filepath.Join(p.Root, "tasks") }
func (p Paths) Messages() string  { return filepath.Join(p.Root, "messages") }
func (p Paths) Responses() string { return filepath.Join(p.Root, "responses") }
func (p Paths) Input() string     { return filepath.Join(p.Root, "input") }
func (p Paths) Errors() string    { return filepath.Join(p.Root, "errors") }

func (p Paths) ResponseFile(requestID string) string {
	return filepath.Join(p.Responses(), requestID+".json")
}

func (p Paths) CurrentTasksSnapshot() string  { return filepath.Join(p.Root, "current_tasks.json") }
func (p Paths) GovPipelineSnapshot() string   { return filepath.Join(p.Root, "gov_pipeline.json") }
func (p Paths) ExtCapabilitiesSnapshot() string { return filepath.Join(p.Root, "ext_capabilities.json") }

// closeSentinel is the terminate-session file name within input/.
const closeSentinel = "_close"

func (p Paths) CloseSentinel() string { return filepath.Join(p.Input(), closeSentinel) }

// secretFilename is the per-group HMAC secret agents use to authenticate
// their own IPC writes to the host (spec.md:210).
const secretFilename = ".ipc_secret"

func (p Paths) SecretFile() string { return filepath.Join(p.Root, secretFilename) }

// EnsureSecret returns the group's .ipc_secret, creating a fresh 32-byte
// hex value (64 chars) on first access and never overwriting it
// afterwards (spec.md:210). O_EXCL makes the create-if-absent race safe
// across concurrent first accesses: the loser of the race simply reads
// back what the winner wrote.
func (p Paths) EnsureSecret() (string, error) {
	path := p.SecretFile()

	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("ipc: generate secret: %w", err)
	}
	secret := hex.EncodeToString(b[:])

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err == nil {
		defer f.Close()
		if _, err := f.WriteString(secret); err != nil {
			return "", fmt.Errorf("ipc: write secret: %w", err)
		}
		return secret, nil
	}
	if !os.IsExist(err) {
		return "", fmt.Errorf("ipc: create secret file: %w", err)
	}

	existing, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("ipc: read existing secret: %w", err)
	}
	return string(existing), nil
}

// EnsureDirs creates every subdirectory a group's IPC root needs.
func (p Paths) EnsureDirs() error {
	for _, dir := range []string{p.Tasks(), p.Messages(), p.Responses(), p.Input(), p.Errors()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("ipc: create %s: %w", dir, err)
		}
	}
	return nil
}

// newFilename builds a "<ms>-<rand>.json" name: a monotonic time component
// (the file's own mtime would do, but embedding it in the name means
// readers can order a directory listing without stat-ing every file) plus
// an 8-hex-digit random suffix to break ties from same-millisecond writes
// (spec §4.C).
func newFilename() string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("%d-%s.json", time.Now().UnixMilli(), hex.EncodeToString(b[:]))
}

// writeAtomic implements spec §4.C's write protocol: write to "<path>.tmp",
// then rename onto path. Readers that list a directory must ignore
// "*.tmp" entries, since a rename can be observed mid-flight.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
