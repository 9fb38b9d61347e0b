package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/tiancaiamao/acp/pkg/protocol"
	"github.com/tiancaiamao/acp/pkg/tools"
)

// EchoEngine answers every prompt with its own text. A text block starting
// with "!" is run as a bash command and the output is echoed instead.
// It makes the runtime usable end to end without a model.
type EchoEngine struct{}

// Start implements Engine.
func (EchoEngine) Start(ctx context.Context, req Request) (Run, error) {
	r := &echoRun{}
	for _, block := range req.Prompt {
		switch block.Type {
		case protocol.ContentText:
			text := strings.TrimSpace(block.Text)
			if cmd, ok := strings.CutPrefix(text, "!"); ok && strings.TrimSpace(cmd) != "" {
				args, err := json.Marshal(map[string]string{"command": strings.TrimSpace(cmd)})
				if err != nil {
					return nil, err
				}
				r.events = append(r.events, NewToolCallEvent(tools.Intent{ID: uuid.NewString(), Name: "bash", Arguments: args}))
				continue
			}
			r.events = append(r.events, NewTextEvent(block.Text))
		case protocol.ContentResource, protocol.ContentResourceLink:
			uri := block.URI
			if block.Resource != nil {
				uri = block.Resource.URI
			}
			r.events = append(r.events, NewTextEvent(fmt.Sprintf("[%s %s]", block.Type, uri)))
		default:
			r.events = append(r.events, NewTextEvent(fmt.Sprintf("[%s]", block.Type)))
		}
	}
	return r, nil
}

type echoRun struct {
	events []Event
}

func (r *echoRun) Next(ctx context.Context) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}
	if len(r.events) == 0 {
		return Event{}, io.EOF
	}
	ev := r.events[0]
	r.events = r.events[1:]
	return ev, nil
}

func (r *echoRun) Observe(ctx context.Context, obs tools.Observation) error {
	text := obs.Output
	if obs.Error != "" {
		text = strings.TrimSpace(text + "\n" + obs.Error)
	}
	r.events = append([]Event{NewTextEvent(text)}, r.events...)
	return nil
}

func (r *echoRun) Close() error { return nil }
