//nolint:revive,nolintlint // Package name "common" is intentional for shared helpers.
package common

import (
	"errors"
	"fmt"
	"os"
	"os/user"

	grpcapi "github.com/oshokin/arrival-alarm/internal/api/grpc/arrival"
	"github.com/oshokin/arrival-alarm/internal/version"
)

// errUnknownUser is returned when neither the user database nor the environment names the user.
var errUnknownUser = errors.New("cannot determine current user")

// DetectActor describes who is calling the daemon: host, user and the client tool.
func DetectActor(client string) (*grpcapi.Actor, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("hostname: %w", err)
	}

	username, err := currentUsername(user.Current, os.Getenv)
	if err != nil {
		return nil, err
	}

	return &grpcapi.Actor{
		Hostname: hostname,
		Username: username,
		Client:   client + "/" + version.Short(),
	}, nil
}

// currentUsername asks the user database first and falls back to $USER,
// which is all a minimal container usually has.
func currentUsername(lookup func() (*user.User, error), getenv func(string) string) (string, error) {
	u, err := lookup()
	if err == nil && u.Username != "" {
		return u.Username, nil
	}

	if name := getenv("USER"); name != "" {
		return name, nil
	}

	if err != nil {
		return "", fmt.Errorf("%w: %w", errUnknownUser, err)
	}

	return "", errUnknownUser
}
