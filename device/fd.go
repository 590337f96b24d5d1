package device

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/voyage-core/voyage/errs"
)

// AdoptFd duplicates an externally-owned TUN file descriptor (e.g. handed
// down by a mobile VPN framework or a daemon's --tun-fd flag) and wraps the
// duplicate in an *os.File the caller can read/write packets through. The
// dup, not the original fd, is what gets closed when the returned file is
// closed, so ownership of the caller's original fd is untouched — the same
// unix.Dup-before-adopting idiom as tunnel/tunnel.go's TUN fd handoff.
func AdoptFd(fd int) (*os.File, error) {
	dup, err := unix.Dup(fd)
	if err != nil {
		return nil, errs.Wrap(errs.IoError, "dup tun fd", err)
	}
	return os.NewFile(uintptr(dup), "tun"), nil
}
