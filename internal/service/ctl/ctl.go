// Package ctl implements the arrivalctl commands on top of the daemon's control API.
package ctl

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/oshokin/arrival-alarm/internal/config"
	"github.com/oshokin/arrival-alarm/internal/logger"
	"github.com/oshokin/arrival-alarm/internal/service/common"
)

// DefaultRetryInterval defines the delay between attempts of arm and dismiss.
const DefaultRetryInterval = 1 * time.Second

// Options configures how arrivalctl reaches the daemon.
type Options struct {
	// ConfigPath to YAML settings file, defaults to standard filename if empty.
	ConfigPath string
	// ServerAddress overrides the daemon address from config when specified.
	ServerAddress string
	// RetryInterval is the delay between attempts, DefaultRetryInterval when zero.
	RetryInterval time.Duration
	// Out receives command output, os.Stdout when nil.
	Out io.Writer
}

func (o *Options) out() io.Writer {
	if o.Out == nil {
		return os.Stdout
	}

	return o.Out
}

func (o *Options) retryInterval() time.Duration {
	if o.RetryInterval <= 0 {
		return DefaultRetryInterval
	}

	return o.RetryInterval
}

// connect loads the settings and dials the daemon on behalf of the current user.
func connect(ctx context.Context, opts *Options) (*common.Client, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	// Use server address from options if provided, otherwise use config.
	serverAddress := cfg.GRPCAddress
	if opts.ServerAddress != "" {
		serverAddress = opts.ServerAddress
	}

	// Identify current user and hostname for the daemon's audit log.
	actor, err := common.DetectActor("arrivalctl")
	if err != nil {
		return nil, fmt.Errorf("detect actor: %w", err)
	}

	client, err := common.Dial(ctx, serverAddress,
		common.WithCallTimeout(cfg.Timeout),
		common.WithActor(actor),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}

	logger.DebugKV(ctx, "Connected to daemon", "server_address", serverAddress)

	return client, nil
}

// withClient runs fn with a connected client and closes it afterwards.
func withClient(ctx context.Context, opts *Options, fn func(*common.Client) error) error {
	client, err := connect(ctx, opts)
	if err != nil {
		return err
	}

	defer func() {
		_ = client.Close()
	}()

	return fn(client)
}

// retry calls attempt immediately and then every interval until it reports done,
// fails, or ctx is canceled.
func retry(ctx context.Context, interval time.Duration, attempt func() (bool, error)) error {
	// Attempt immediately before starting retry loop.
	if done, err := attempt(); err != nil || done {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			done, err := attempt()
			if err != nil {
				return err
			}

			if done {
				return nil
			}
		}
	}
}

// transient reports errors worth another attempt: the daemon is down, starting or stopping.
func transient(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded:
		return true
	default:
		return false
	}
}
