// Package addressbook loads and persists the gateway's claimed GM3 bus
// address: the one piece of state this system writes through to disk.
package addressbook

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/librescoot/gm3-gateway/pkg/address"
)

const fileName = "paired_address"

// Book loads/persists the claimed address at a configured state
// directory. The claimed address is written at most once per process
// lifetime, so no lock file is required.
type Book struct {
	mu    sync.Mutex
	path  string
	claim *uint16
}

// Open loads any previously persisted claim from stateDir. A missing
// file is not an error: Claimed() returns (0, false) and the caller
// (the Bus Arbiter) runs auto-claim.
func Open(stateDir string) (*Book, error) {
	path := filepath.Join(stateDir, fileName)

	b := &Book{path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return b, nil
		}
		return nil, fmt.Errorf("addressbook: reading %s: %w", path, err)
	}

	line := strings.TrimSpace(string(data))
	n, err := strconv.ParseUint(line, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("addressbook: parsing %s contents %q: %w", path, line, err)
	}
	addr := uint16(n)
	if address.IsReserved(addr) {
		return nil, fmt.Errorf("addressbook: persisted address %d is reserved", addr)
	}
	b.claim = &addr
	return b, nil
}

// Claimed returns the persisted address, if any.
func (b *Book) Claimed() (uint16, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.claim == nil {
		return 0, false
	}
	return *b.claim, true
}

// Persist writes addr as the claimed address, atomically, and rejects
// any address in the reserved set. Persist is expected to be called
// exactly once per successful auto-claim; subsequent calls overwrite.
func (b *Book) Persist(addr uint16) error {
	if address.IsReserved(addr) {
		return fmt.Errorf("addressbook: refusing to persist reserved address %d", addr)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("addressbook: creating state dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, fileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("addressbook: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := fmt.Fprintf(tmp, "%d\n", addr); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("addressbook: writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("addressbook: closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, b.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("addressbook: renaming into place: %w", err)
	}

	claimed := addr
	b.claim = &claimed
	return nil
}
