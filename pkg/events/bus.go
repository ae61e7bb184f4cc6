package events

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	gochannel "github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
)

// Bus carries lifecycle envelopes from the supervisor to the registered sinks
// inside one process.
type Bus struct {
	router *message.Router
	pubsub *gochannel.GoChannel
	ran    sync.Once
}

func NewInMemoryBus() (*Bus, error) {
	logger := watermill.NopLogger{}
	// Publishing waits for the sinks so the events log is complete when a run returns.
	pubsub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            1024,
		BlockPublishUntilSubscriberAck: true,
	}, logger)

	r, err := message.NewRouter(message.RouterConfig{}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "new lifecycle router")
	}
	return &Bus{router: r, pubsub: pubsub}, nil
}

func (b *Bus) Publisher() message.Publisher { return b.pubsub }

// Subscribe attaches a named sink to the lifecycle topic. Sinks must be added
// before Run.
func (b *Bus) Subscribe(name string, handler func(*message.Message) error) {
	b.router.AddConsumerHandler(name, TopicLifecycle, b.pubsub, handler)
}

// Run delivers messages until ctx is done. Only the first call runs the router.
func (b *Bus) Run(ctx context.Context) error {
	err := errors.New("lifecycle bus already ran")
	b.ran.Do(func() {
		stop := context.AfterFunc(ctx, func() { _ = b.router.Close() })
		defer stop()
		err = b.router.Run(ctx)
	})
	return err
}

// Running is closed once every sink is subscribed.
func (b *Bus) Running() chan struct{} {
	return b.router.Running()
}
