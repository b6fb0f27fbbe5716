package events

import (
	"context"

	"github.com/segmentio/kafka-go"
)

//go:generate mockgen -destination=mock/mock_kafka.go -package=mock github.com/mqy/minichat/events IKafkaWriter

type IKafkaWriter interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}
