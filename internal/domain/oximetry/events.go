package oximetry

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/iotrest/iotrest/internal/platform/websocket"
)

// TopicAll receives every change; TopicPatient narrows to one patient.
const TopicAll = "measurements"

func TopicPatient(patient string) string {
	return "patient/" + patient
}

// Publisher delivers change events, typically to a websocket.Hub.
type Publisher interface {
	Publish(ctx context.Context, event websocket.Event) error
}

// Publishers fans an event out to each publisher in turn. Every publisher
// is attempted; the errors are joined.
type Publishers []Publisher

func (ps Publishers) Publish(ctx context.Context, event websocket.Event) error {
	var errs []error
	for _, p := range ps {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// publishingStore announces successful writes. Reads pass straight through.
type publishingStore struct {
	MeasurementStore
	pub    Publisher
	logger zerolog.Logger
	now    func() time.Time
}

// NewPublishingStore wraps next so that every create, update and delete it
// commits is published. Publishing failures are logged, never returned: the
// write has already happened.
func NewPublishingStore(next MeasurementStore, pub Publisher, logger zerolog.Logger) MeasurementStore {
	return &publishingStore{MeasurementStore: next, pub: pub, logger: logger, now: time.Now}
}

func (s *publishingStore) Create(ctx context.Context, m *Measurement) error {
	if err := s.MeasurementStore.Create(ctx, m); err != nil {
		return err
	}
	s.announce(ctx, websocket.EventCreated, m.ID, m)
	return nil
}

func (s *publishingStore) Update(ctx context.Context, m *Measurement, expectedVersion int) (SaveOutcome, error) {
	outcome, err := s.MeasurementStore.Update(ctx, m, expectedVersion)
	if err == nil && outcome == Saved {
		s.announce(ctx, websocket.EventUpdated, m.ID, m)
	}
	return outcome, err
}

func (s *publishingStore) Delete(ctx context.Context, id int64) (bool, error) {
	deleted, err := s.MeasurementStore.Delete(ctx, id)
	if err == nil && deleted {
		s.announce(ctx, websocket.EventDeleted, id, nil)
	}
	return deleted, err
}

func (s *publishingStore) announce(ctx context.Context, kind string, id int64, m *Measurement) {
	event := websocket.Event{
		Type:      kind,
		EntitySet: Schema.EntitySet,
		Key:       id,
		Timestamp: s.now().UTC(),
	}
	topics := []string{TopicAll}
	if m != nil {
		data, err := json.Marshal(m)
		if err != nil {
			s.logger.Error().Err(err).Int64("id", id).Msg("encode change event")
			return
		}
		event.Data = data
		if m.PatientIdentification != "" {
			topics = append(topics, TopicPatient(m.PatientIdentification))
		}
	}
	for _, topic := range topics {
		event.Topic = topic
		if err := s.pub.Publish(ctx, event); err != nil {
			s.logger.Warn().Err(err).Str("topic", topic).Int64("id", id).Msg("publish change event")
		}
	}
}
