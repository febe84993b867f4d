package chain

import (
	"context"
	"encoding/hex"
	"fmt"
	"syscall"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/bardlex/bridgepool/pkg/log"
)

// ZMQNotifier receives block notifications from a node's ZMQ publisher.
type ZMQNotifier struct {
	socket   *zmq.Socket
	endpoint string
	logger   *log.Logger
}

// NewZMQNotifier creates a SUB socket for endpoint.
func NewZMQNotifier(endpoint string, logger *log.Logger) (*ZMQNotifier, error) {
	socket, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZMQ socket: %w", err)
	}
	// bounded receive so Listen notices cancellation
	if err := socket.SetRcvtimeo(500 * time.Millisecond); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("failed to set ZMQ receive timeout: %w", err)
	}

	return &ZMQNotifier{
		socket:   socket,
		endpoint: endpoint,
		logger:   logger.WithComponent("zmq"),
	}, nil
}

// Subscribe subscribes to a specific topic
func (z *ZMQNotifier) Subscribe(topic string) error {
	if err := z.socket.SetSubscribe(topic); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
	}
	z.logger.Info("subscribed to ZMQ topic", "topic", topic)
	return nil
}

// Connect connects to the ZMQ endpoint
func (z *ZMQNotifier) Connect() error {
	if err := z.socket.Connect(z.endpoint); err != nil {
		return fmt.Errorf("failed to connect to ZMQ endpoint %s: %w", z.endpoint, err)
	}
	z.logger.Info("connected to ZMQ endpoint", "endpoint", z.endpoint)
	return nil
}

// Listen delivers messages to handler until ctx ends.
func (z *ZMQNotifier) Listen(ctx context.Context, handler func(topic string, data []byte) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg, err := z.socket.RecvMessageBytes(0)
		if err != nil {
			if zmq.AsErrno(err) == zmq.Errno(syscall.EAGAIN) {
				continue
			}
			z.logger.WithError(err).Error("failed to receive ZMQ message")
			continue
		}

		if len(msg) < 2 {
			z.logger.Warn("received malformed ZMQ message", "parts", len(msg))
			continue
		}

		if err := handler(string(msg[0]), msg[1]); err != nil {
			z.logger.WithError(err).Error("failed to handle ZMQ message", "topic", string(msg[0]))
		}
	}
}

// Close closes the ZMQ socket
func (z *ZMQNotifier) Close() error {
	if z.socket != nil {
		return z.socket.Close()
	}
	return nil
}

// BlockHandler turns "hashblock" notifications into non-blocking wakeups on
// a channel. Bursts collapse into a single pending wakeup.
type BlockHandler struct {
	wake   chan string
	logger *log.Logger
}

// NewBlockHandler creates a handler with a one-slot wake channel.
func NewBlockHandler(logger *log.Logger) *BlockHandler {
	return &BlockHandler{wake: make(chan string, 1), logger: logger}
}

// Wake is signalled with the new block hash.
func (h *BlockHandler) Wake() <-chan string { return h.wake }

// HandleMessage is a ZMQNotifier handler.
func (h *BlockHandler) HandleMessage(topic string, data []byte) error {
	if topic != "hashblock" {
		return nil
	}
	if len(data) != 32 {
		return fmt.Errorf("invalid block hash length: %d", len(data))
	}

	blockHash := reverseHex(data)
	h.logger.Debug("new block notification", "hash", blockHash)

	select {
	case h.wake <- blockHash:
	default:
	}
	return nil
}

// reverseHex converts a little-endian hash to its display form
func reverseHex(data []byte) string {
	reversed := make([]byte, len(data))
	for i := range data {
		reversed[i] = data[len(data)-1-i]
	}
	return hex.EncodeToString(reversed)
}
