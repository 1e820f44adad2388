package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/glimte/queuegate/broker"
)

// DestinationResolver maps a destination name to a destination handle.
type DestinationResolver interface {
	ResolveDestinationName(ctx context.Context, session broker.Session, name string, pubSub bool) (broker.Destination, error)
}

// DynamicDestinationResolver resolves names through the session itself.
// It holds no state.
type DynamicDestinationResolver struct{}

// ResolveDestinationName implements DestinationResolver.
func (DynamicDestinationResolver) ResolveDestinationName(ctx context.Context, session broker.Session, name string, pubSub bool) (broker.Destination, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty destination name", broker.ErrUnresolvableDestination)
	}

	var (
		dest broker.Destination
		err  error
	)
	if pubSub {
		dest, err = session.CreateTopic(ctx, name)
	} else {
		dest, err = session.CreateQueue(ctx, name)
	}
	if err != nil {
		if errors.Is(err, broker.ErrUnresolvableDestination) || broker.IsInfrastructure(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %v", broker.ErrUnresolvableDestination, name, err)
	}
	if dest == nil {
		return nil, fmt.Errorf("%w: %s", broker.ErrUnresolvableDestination, name)
	}
	return dest, nil
}
