package stream

import (
	"encoding/json"
	"regexp"
	"time"

	"github.com/Shopify/sarama"
	"github.com/twinj/uuid"

	"github.com/janelia-flyem/ngstream/ngstream"
)

// ActivityMaxMessageSize is the max message size in bytes for an activity
// message.
const ActivityMaxMessageSize = 980 * ngstream.Kilo

// ActivityConfig describes the kafka servers receiving chunk lifecycle
// activity and an optional override of the topic name.
type ActivityConfig struct {
	Topic   string
	Servers []string
}

// ActivitySink publishes chunk lifecycle transitions to kafka through an
// async producer.  Sends never block the dispatcher: if the producer's
// input buffer is full the event is dropped.
type ActivitySink struct {
	topic    string
	session  string
	producer sarama.AsyncProducer
}

var topicCleaner = regexp.MustCompile(`[^a-zA-Z0-9\\._\\-]+`)

// NewActivitySink connects the async producer and starts its error-drain
// goroutine.  Returns nil with no error when no servers are configured.
func NewActivitySink(config ActivityConfig, hostID string) (*ActivitySink, error) {
	if len(config.Servers) == 0 {
		return nil, nil
	}
	topic := config.Topic
	if topic == "" {
		topic = "ngstream-activity-" + hostID
	}
	topic = topicCleaner.ReplaceAllString(topic, "-")

	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.MaxMessageBytes = ActivityMaxMessageSize
	producer, err := sarama.NewAsyncProducer(config.Servers, saramaConfig)
	if err != nil {
		return nil, err
	}
	sink := &ActivitySink{
		topic:    topic,
		session:  uuid.NewV4().String(),
		producer: producer,
	}
	go func() {
		for err := range producer.Errors() {
			ngstream.Errorf("error on kafka activity send: %v\n", err)
		}
	}()
	ngstream.Infof("Kafka topic for chunk activity: %s (session %s)\n", topic, sink.session)
	return sink, nil
}

// Publish sends one lifecycle transition.  Nil-safe so callers need not
// branch on whether activity logging is configured.
func (sink *ActivitySink) Publish(event Event) {
	if sink == nil {
		return
	}
	activity := map[string]interface{}{
		"session":  sink.session,
		"time":     time.Now().Format(time.RFC3339Nano),
		"source":   uint32(event.Key.Source),
		"level":    event.Key.Level,
		"coord":    event.Key.Coord,
		"encoding": event.Key.Encoding.String(),
		"state":    event.State.String(),
		"priority": event.Priority,
		"epoch":    event.Epoch,
		"bytes":    event.Bytes,
	}
	if event.Err != nil {
		activity["error"] = event.Err.Error()
	}
	value, err := json.Marshal(activity)
	if err != nil {
		ngstream.Errorf("unable to marshal chunk activity for kafka: %v\n", err)
		return
	}
	msg := &sarama.ProducerMessage{
		Topic: sink.topic,
		Value: sarama.ByteEncoder(value),
	}
	select {
	case sink.producer.Input() <- msg:
	default:
		ngstream.Debugf("kafka activity buffer full; dropped %s event for chunk %s\n",
			event.State, event.Key)
	}
}

// Close flushes buffered activity before shutdown.
func (sink *ActivitySink) Close() {
	if sink == nil {
		return
	}
	if err := sink.producer.Close(); err != nil {
		ngstream.Errorf("Kafka activity producer had error on close: %v\n", err)
	}
}
