package events

import (
	"context"
	"fmt"
	"log/slog"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/querypipe/pkg/commsutil"
)

const commsPublisherLogPrefix = "events:comms_publisher"

// CommsPublisherOpts configures CommsPublisher. Nil or zero values use defaults.
type CommsPublisherOpts struct {
	// ChangeSubject overrides the base change event subject (e.g. from
	// QUERYPIPE_CHANGE_EVENT_SUBJECT). Granular subjects hang below it.
	ChangeSubject string
}

// CommsPublisher publishes store change events to COMMS subjects.
type CommsPublisher struct {
	nc            *comms.Conn
	changeSubject string
}

// NewCommsPublisher creates a new CommsPublisher. Pass nil for opts to use defaults.
func NewCommsPublisher(nc *comms.Conn, opts *CommsPublisherOpts) *CommsPublisher {
	subject := commsutil.SubjectChangeEvent
	if opts != nil && opts.ChangeSubject != "" {
		subject = opts.ChangeSubject
	}
	return &CommsPublisher{nc: nc, changeSubject: subject}
}

// PublishChanged publishes a StoreChangedEvent to both the granular
// (<base>.<table>.<id>) and global (<base>) change event subjects.
func (p *CommsPublisher) PublishChanged(_ context.Context, event *StoreChangedEvent) error {
	data, err := commsutil.EncodePayload(event)
	if err != nil {
		return fmt.Errorf("%s - failed to encode event: %w", commsPublisherLogPrefix, err)
	}

	granularSubject := commsutil.BuildChangeSubject(p.changeSubject, event.Table, event.ID)
	if err := p.nc.Publish(granularSubject, data); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to publish to %s: %v", commsPublisherLogPrefix, granularSubject, err))
		return err
	}

	if err := p.nc.Publish(p.changeSubject, data); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to publish to %s: %v", commsPublisherLogPrefix, p.changeSubject, err))
		return err
	}

	slog.Debug(fmt.Sprintf("%s - Published %s event for %s/%s", commsPublisherLogPrefix, event.Op, event.Table, event.ID))
	return nil
}
