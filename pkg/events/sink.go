package events

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
)

// RegisterJSONLSink appends every lifecycle envelope to w, one JSON object
// per line.
func RegisterJSONLSink(bus *Bus, w io.Writer) {
	var mu sync.Mutex
	bus.Subscribe("events-jsonl", func(msg *message.Message) error {
		defer msg.Ack()

		var env Envelope
		if err := json.Unmarshal(msg.Payload, &env); err != nil {
			return errors.Wrap(err, "unmarshal lifecycle envelope")
		}
		b, err := env.MarshalJSONBytes()
		if err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		if _, err := w.Write(append(b, '\n')); err != nil {
			return errors.Wrap(err, "write lifecycle event")
		}
		return nil
	})
}
