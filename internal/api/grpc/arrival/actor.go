package arrival

import (
	"context"

	"google.golang.org/grpc/metadata"
)

const (
	metadataHostname = "x-actor-hostname"
	metadataUsername = "x-actor-username"
	metadataClient   = "x-actor-client"
)

// Actor identifies the host and user behind a control call for the audit log.
type Actor struct {
	Hostname string
	Username string
	// Client is the calling tool and its version, for example "arrivalctl/0.1.0".
	Client string
}

// OutgoingContext attaches the actor to the metadata of outgoing calls.
func (a *Actor) OutgoingContext(ctx context.Context) context.Context {
	if a == nil {
		return ctx
	}

	return metadata.AppendToOutgoingContext(ctx,
		metadataHostname, a.Hostname,
		metadataUsername, a.Username,
		metadataClient, a.Client,
	)
}

// ActorFromContext reads the actor of an incoming call.
func ActorFromContext(ctx context.Context) (*Actor, bool) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, false
	}

	actor := &Actor{
		Hostname: first(md.Get(metadataHostname)),
		Username: first(md.Get(metadataUsername)),
		Client:   first(md.Get(metadataClient)),
	}

	if actor.Hostname == "" && actor.Username == "" {
		return nil, false
	}

	return actor, true
}

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}

	return values[0]
}
