package transport

import (
	"context"
	"fmt"

	sarama "github.com/IBM/sarama"
	warperrors "github.com/mirkobrombin/go-warp-cluster/v1/errors"
	"github.com/mirkobrombin/go-warp-cluster/v1/protocol"
)

// KafkaChannel implements Channel over two single-partition topics, one per
// direction. Producer and consumer are owned by the caller.
//
// The receive side starts at the newest offset, so both ends must be
// created before the first request is sent.
type KafkaChannel struct {
	producer sarama.SyncProducer
	pc       sarama.PartitionConsumer
	send     string
	in       *inbox
}

// NewKafkaChannel starts consuming partition 0 of the receive topic of side
// for workerID.
func NewKafkaChannel(producer sarama.SyncProducer, consumer sarama.Consumer, workerID string, side Side) (*KafkaChannel, error) {
	send, recv := Names(DefaultPrefix, workerID, side)
	pc, err := consumer.ConsumePartition(recv, 0, sarama.OffsetNewest)
	if err != nil {
		return nil, fmt.Errorf("kafka channel: consume %s: %w", recv, err)
	}
	c := &KafkaChannel{producer: producer, pc: pc, send: send, in: newInbox()}
	go c.dispatch()
	return c, nil
}

func (c *KafkaChannel) dispatch() {
	for msg := range c.pc.Messages() {
		if !c.in.push(msg.Value) {
			return
		}
	}
	c.in.close()
}

// Send implements Channel.Send.
func (c *KafkaChannel) Send(ctx context.Context, m protocol.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.in.isClosed() {
		return warperrors.ErrConnectionClosed
	}
	packet, err := protocol.Marshal(m)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{Topic: c.send, Partition: 0, Value: sarama.ByteEncoder(packet)}
	if _, _, err := c.producer.SendMessage(msg); err != nil {
		return err
	}
	c.in.sent.Add(1)
	return nil
}

// Recv implements Channel.Recv.
func (c *KafkaChannel) Recv(ctx context.Context) (protocol.Message, error) {
	return c.in.recv(ctx)
}

// Close stops consuming; producer and consumer stay open.
func (c *KafkaChannel) Close() error {
	c.in.close()
	return c.pc.Close()
}

// Metrics returns the sent and received counts.
func (c *KafkaChannel) Metrics() Metrics {
	return c.in.metrics()
}

// NewKafkaConfig returns a sarama configuration suitable for worker links:
// synchronous producers need successes reported and a manual partitioner
// keeps every message on partition 0.
func NewKafkaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Partitioner = sarama.NewManualPartitioner
	cfg.Consumer.Return.Errors = false
	return cfg
}
