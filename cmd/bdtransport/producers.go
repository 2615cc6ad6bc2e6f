package main

import (
	"log/slog"

	"github.com/bitdust-io/reliable-udp/internal/transport"
)

// fileProducer feeds a single in-memory buffer to a SendStream, signaling
// doneCh once the stream reaches a terminal outcome.
type fileProducer struct {
	logger *slog.Logger
	data   []byte
	sent   int
	doneCh chan struct{}
}

func newFileProducer(logger *slog.Logger, data []byte, doneCh chan struct{}) *fileProducer {
	return &fileProducer{logger: logger, data: data, doneCh: doneCh}
}

func (p *fileProducer) OnSentRawData(n int) bool {
	p.sent += n
	return p.sent >= len(p.data)
}

func (p *fileProducer) OnCompletion(status transport.Status, errMsg string, timedOut bool) {
	if status == transport.StatusFinished {
		p.logger.Info("transfer finished", "bytes", p.sent)
	} else {
		p.logger.Error("transfer failed", "error", errMsg, "timed_out", timedOut, "bytes_sent", p.sent)
	}
	close(p.doneCh)
}

// discardConsumer accepts an inbound stream and throws its bytes away,
// logging a summary when the stream completes. Useful as the default "listen" handler until a real
// application wires in its own Consumer.
type discardConsumer struct {
	logger    *slog.Logger
	streamID  uint32
	totalSize uint32
	received  int
}

func newDiscardConsumer(logger *slog.Logger, streamID uint32, totalSize uint32) *discardConsumer {
	return &discardConsumer{logger: logger, streamID: streamID, totalSize: totalSize}
}

func (c *discardConsumer) OnReceivedRawData(b []byte) bool {
	c.received += len(b)
	return uint32(c.received) >= c.totalSize
}

func (c *discardConsumer) OnCompletion(status transport.Status, errMsg string, timedOut bool) {
	c.logger.Info("inbound stream complete",
		"stream", c.streamID, "status", status.String(), "bytes", c.received, "error", errMsg, "timed_out", timedOut)
}
