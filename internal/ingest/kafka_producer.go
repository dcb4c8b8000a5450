package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/gf5-dispatch/internal/models"
)

// LocationMessage is the wire record for one driver position/status sample.
// Messages are keyed by driver ID so per-driver ordering survives partitioning.
type LocationMessage struct {
	DriverID  string              `json:"driver_id"`
	Position  models.Position     `json:"position"`
	Status    models.DriverStatus `json:"status,omitempty"`
	Name      string              `json:"name,omitempty"`
	Rating    float64             `json:"rating,omitempty"`
	Vehicle   models.Vehicle      `json:"vehicle,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}

type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &KafkaProducer{writer: w}
}

// PublishDriver publishes a full driver snapshot (ingest endpoint path).
func (k *KafkaProducer) PublishDriver(ctx context.Context, d models.Driver) error {
	msg := LocationMessage{
		DriverID:  d.ID,
		Position:  models.Position{Coord: d.Loc, Timestamp: time.Now()},
		Status:    d.Status,
		Name:      d.Name,
		Rating:    d.Rating,
		Vehicle:   d.Vehicle,
		Timestamp: time.Now(),
	}
	return k.publish(ctx, d.ID, msg)
}

// PublishPosition publishes a bare position sample (tracker loop path).
func (k *KafkaProducer) PublishPosition(ctx context.Context, driverID string, pos models.Position) error {
	msg := LocationMessage{DriverID: driverID, Position: pos, Timestamp: time.Now()}
	return k.publish(ctx, driverID, msg)
}

func (k *KafkaProducer) publish(ctx context.Context, key string, msg LocationMessage) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, _ := json.Marshal(msg)
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
