// Package persist keeps one device shell alive in a background process
// and serves it over a unix socket.
package persist

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/zeebo/blake3"
)

// Identity names the remote endpoint a daemon is bound to. Two callers
// with the same identity share one daemon.
type Identity struct {
	Host string
	Port int
	User string
}

func (id Identity) String() string {
	return fmt.Sprintf("%s@%s:%d", id.User, id.Host, id.Port)
}

// Key is a short digest of the identity. It keeps socket paths well
// under the unix socket path limit.
func (id Identity) Key() string {
	sum := blake3.Sum256([]byte(fmt.Sprintf("%s|%d|%s", id.Host, id.Port, id.User)))
	return hex.EncodeToString(sum[:8])
}

func (id Identity) SocketPath(dir string) string { return filepath.Join(dir, "pc-"+id.Key()) }
func (id Identity) LockPath(dir string) string   { return id.SocketPath(dir) + ".lock" }
func (id Identity) PidPath(dir string) string    { return id.SocketPath(dir) + ".pid" }

// ReadPid returns the pid recorded in path, or 0.
func ReadPid(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

func ProcessAlive(pid int) bool {
	return pid > 0 && syscall.Kill(pid, 0) == nil
}
