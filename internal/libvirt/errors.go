package libvirt

import (
	"errors"
	"fmt"

	"github.com/digitalocean/go-libvirt"

	"github.com/jbweber/corral/internal/errdefs"
)

// IsNotFound reports whether err is a libvirt "no such domain/network/pool/volume" error.
func IsNotFound(err error) bool {
	return err != nil && libvirt.IsNotFound(err)
}

// IsRPCError reports whether err came back from the daemon as a libvirt
// error, as opposed to a broken or missing connection.
func IsRPCError(err error) bool {
	var lerr libvirt.Error
	return errors.As(err, &lerr)
}

// Classify wraps err from a libvirt call made during op. Errors the daemon
// returned are wrapped as "failed to <op>"; anything else means the RPC never
// completed and becomes a HypervisorTransportError.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsRPCError(err) {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	return &errdefs.HypervisorTransportError{Op: op, Err: err}
}
