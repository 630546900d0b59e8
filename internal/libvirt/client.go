package libvirt

import (
	"context"
	"fmt"
	"time"

	"github.com/digitalocean/go-libvirt"
	"github.com/digitalocean/go-libvirt/socket/dialers"

	"github.com/jbweber/corral/internal/errdefs"
)

const (
	// DefaultSocket is the qemu:///system daemon socket.
	DefaultSocket = "/var/run/libvirt/libvirt-sock"

	// DefaultDialTimeout bounds socket connection setup.
	DefaultDialTimeout = 5 * time.Second
)

// Client wraps a go-libvirt connection.
type Client struct {
	libvirt *libvirt.Libvirt
}

// Connect establishes a connection to the local libvirt daemon.
// It returns a Client that must be closed via Close() when done.
//
// Empty socketPath and zero timeout select DefaultSocket and
// DefaultDialTimeout. Failure to reach the daemon is a
// HypervisorTransportError.
func Connect(socketPath string, timeout time.Duration) (*Client, error) {
	if socketPath == "" {
		socketPath = DefaultSocket
	}
	if timeout == 0 {
		timeout = DefaultDialTimeout
	}

	dialer := dialers.NewLocal(
		dialers.WithSocket(socketPath),
		dialers.WithLocalTimeout(timeout),
	)

	l := libvirt.NewWithDialer(dialer)
	if err := l.Connect(); err != nil {
		return nil, &errdefs.HypervisorTransportError{
			Op:  "connect",
			Err: fmt.Errorf("failed to connect to libvirt at %s: %w", socketPath, err),
		}
	}

	return &Client{libvirt: l}, nil
}

// ConnectWithContext is Connect that gives up when ctx is done.
func ConnectWithContext(ctx context.Context, socketPath string, timeout time.Duration) (*Client, error) {
	type result struct {
		client *Client
		err    error
	}
	resultCh := make(chan result, 1)

	go func() {
		c, err := Connect(socketPath, timeout)
		resultCh <- result{client: c, err: err}
	}()

	select {
	case <-ctx.Done():
		// close a connection that completes after we stopped waiting
		go func() {
			if res := <-resultCh; res.client != nil {
				_ = res.client.Close()
			}
		}()
		return nil, &errdefs.HypervisorTransportError{Op: "connect", Err: fmt.Errorf("connection cancelled: %w", ctx.Err())}
	case res := <-resultCh:
		return res.client, res.err
	}
}

// Close closes the libvirt connection. It is safe to call Close multiple times.
func (c *Client) Close() error {
	if c.libvirt == nil {
		return nil
	}

	if err := c.libvirt.Disconnect(); err != nil {
		return fmt.Errorf("failed to disconnect from libvirt: %w", err)
	}
	c.libvirt = nil

	return nil
}

// Libvirt returns the underlying go-libvirt client. Consumer packages accept
// it through their own narrow interfaces.
func (c *Client) Libvirt() *libvirt.Libvirt {
	return c.libvirt
}

// Ping verifies the connection is still alive and returns the daemon version.
func (c *Client) Ping() (uint64, error) {
	if c.libvirt == nil {
		return 0, &errdefs.HypervisorTransportError{Op: "ping", Err: fmt.Errorf("client not connected")}
	}

	version, err := c.libvirt.ConnectGetLibVersion()
	if err != nil {
		return 0, Classify("ping", err)
	}

	return version, nil
}
