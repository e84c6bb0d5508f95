package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/EventStore/EventStore-Client-Go/v4/esdb"
	"github.com/google/uuid"
)

// EntryEventType is the event type of audit entries in the stream.
const EntryEventType = "AuditEntry"

// EventStoreSink appends entries to an EventStoreDB stream.
type EventStoreSink struct {
	client *esdb.Client
	stream string
}

// NewEventStoreSink connects to EventStoreDB using a connection string
// such as esdb://localhost:2113?tls=false.
func NewEventStoreSink(connectionString, stream string) (*EventStoreSink, error) {
	settings, err := esdb.ParseConnectionString(connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse eventstore connection string: %w", err)
	}

	client, err := esdb.NewClient(settings)
	if err != nil {
		return nil, fmt.Errorf("failed to create eventstore client: %w", err)
	}

	return &EventStoreSink{client: client, stream: stream}, nil
}

func (s *EventStoreSink) Name() string { return "eventstore" }

// Close closes the underlying client
func (s *EventStoreSink) Close() error {
	return s.client.Close()
}

func (s *EventStoreSink) Head(ctx context.Context) (int64, string, error) {
	stream, err := s.client.ReadStream(ctx, s.stream, esdb.ReadStreamOptions{
		Direction: esdb.Backwards,
		From:      esdb.End{},
	}, 1)
	if err != nil {
		if isStreamNotFound(err) {
			return 0, "", nil
		}
		return 0, "", fmt.Errorf("failed to read audit stream: %w", err)
	}
	defer stream.Close()

	event, err := stream.Recv()
	if errors.Is(err, io.EOF) || isStreamNotFound(err) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("failed to read audit stream: %w", err)
	}

	entry, ok := decodeEvent(event)
	if !ok {
		return 0, "", fmt.Errorf("last event in %s is not an audit entry", s.stream)
	}
	return entry.Sequence, entry.Hash, nil
}

func (s *EventStoreSink) Append(ctx context.Context, entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	eventID, err := uuid.Parse(entry.ID.String())
	if err != nil {
		eventID = uuid.New()
	}

	metadata, _ := json.Marshal(map[string]any{"sequence": entry.Sequence, "hash": entry.Hash})

	_, err = s.client.AppendToStream(ctx, s.stream, esdb.AppendToStreamOptions{}, esdb.EventData{
		EventID:     eventID,
		EventType:   EntryEventType,
		ContentType: esdb.ContentTypeJson,
		Data:        data,
		Metadata:    metadata,
	})
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// Entries returns up to limit entries oldest first, all of them when
// limit <= 0.
func (s *EventStoreSink) Entries(ctx context.Context, limit int) ([]Entry, error) {
	return readPages(ctx, limit, s.page)
}

// page reads n events starting at stream revision from.
func (s *EventStoreSink) page(ctx context.Context, from uint64, n int) ([]Entry, int, uint64, error) {
	stream, err := s.client.ReadStream(ctx, s.stream, esdb.ReadStreamOptions{
		Direction: esdb.Forwards,
		From:      esdb.Revision(from),
	}, uint64(n))
	if err != nil {
		if isStreamNotFound(err) {
			return nil, 0, from, nil
		}
		return nil, 0, 0, fmt.Errorf("failed to read audit stream: %w", err)
	}
	defer stream.Close()

	var (
		entries []Entry
		read    int
		next    = from
	)
	for {
		event, err := stream.Recv()
		if errors.Is(err, io.EOF) || isStreamNotFound(err) {
			break
		}
		if err != nil {
			return nil, 0, 0, fmt.Errorf("failed to read audit stream: %w", err)
		}
		read++
		if recorded := event.OriginalEvent(); recorded != nil {
			next = recorded.EventNumber + 1
		}
		if entry, ok := decodeEvent(event); ok {
			entries = append(entries, entry)
		}
	}
	return entries, read, next, nil
}

func decodeEvent(event *esdb.ResolvedEvent) (Entry, bool) {
	if event == nil || event.Event == nil || event.Event.EventType != EntryEventType {
		return Entry{}, false
	}
	var entry Entry
	if err := json.Unmarshal(event.Event.Data, &entry); err != nil {
		return Entry{}, false
	}
	return entry, true
}

func isStreamNotFound(err error) bool {
	var esdbErr *esdb.Error
	return errors.As(err, &esdbErr) && esdbErr.Code() == esdb.ErrorCodeResourceNotFound
}
