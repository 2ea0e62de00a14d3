package network

import (
	"errors"
	"time"

	"github.com/blockfort/blockfort/internal/config"
)

// ErrTransferFailed is returned when a batch exhausts its resend budget.
var ErrTransferFailed = errors.New("asset transfer retries exhausted")

// ChunkSender writes one chunk to the client.
type ChunkSender func(index int, chunk []byte)

// ChunkTransfer streams an asset in fixed-size chunks with a bounded
// number of unacknowledged chunks in flight. A batch of up to window
// chunks is sent; the next batch goes out only when every chunk of the
// current one has been acknowledged.
type ChunkTransfer struct {
	data       []byte
	chunkSize  int
	window     int
	total      int
	next       int
	batch      []int
	pending    map[int]struct{}
	sentAt     time.Time
	ackTimeout time.Duration
	retries    int
	maxRetries int
	sends      int
	done       bool
}

// NewChunkTransfer prepares a transfer of data. Nothing is sent until Start.
func NewChunkTransfer(data []byte, cfg config.TransferConfig) *ChunkTransfer {
	chunkSize := cfg.ChunkSize
	if chunkSize < 1 {
		chunkSize = 1024
	}
	window := cfg.Window
	if window < 1 {
		window = 1
	}
	return &ChunkTransfer{
		data:       data,
		chunkSize:  chunkSize,
		window:     window,
		total:      (len(data) + chunkSize - 1) / chunkSize,
		pending:    make(map[int]struct{}, window),
		ackTimeout: cfg.AckTimeout(),
		maxRetries: cfg.MaxRetries,
	}
}

// Start sends the first batch. It returns true when the transfer is
// already complete, which only happens for an empty asset.
func (t *ChunkTransfer) Start(now time.Time, send ChunkSender) bool {
	if t.total == 0 {
		t.done = true
		return true
	}
	t.sendBatch(now, send)
	return false
}

// Ack records the acknowledgement of one chunk. It returns true exactly
// once, on the ack that completes the whole asset. Acks for chunks outside
// the current batch or already acknowledged are ignored.
func (t *ChunkTransfer) Ack(index int, now time.Time, send ChunkSender) bool {
	if t.done {
		return false
	}
	if _, ok := t.pending[index]; !ok {
		return false
	}
	delete(t.pending, index)
	if len(t.pending) > 0 {
		return false
	}

	if t.next < t.total {
		t.retries = 0
		t.sendBatch(now, send)
		return false
	}
	t.done = true
	t.batch = nil
	return true
}

// Tick resends the whole current batch once it has gone unacknowledged for
// the ack timeout. It fails after maxRetries resends of the same batch.
func (t *ChunkTransfer) Tick(now time.Time, send ChunkSender) error {
	if t.done || len(t.pending) == 0 {
		return nil
	}
	if now.Sub(t.sentAt) < t.ackTimeout {
		return nil
	}
	if t.retries >= t.maxRetries {
		return ErrTransferFailed
	}
	t.retries++
	for _, idx := range t.batch {
		t.pending[idx] = struct{}{}
		send(idx, t.chunk(idx))
		t.sends++
	}
	t.sentAt = now
	return nil
}

func (t *ChunkTransfer) sendBatch(now time.Time, send ChunkSender) {
	t.batch = t.batch[:0]
	for len(t.batch) < t.window && t.next < t.total {
		t.batch = append(t.batch, t.next)
		t.pending[t.next] = struct{}{}
		t.next++
	}
	for _, idx := range t.batch {
		send(idx, t.chunk(idx))
		t.sends++
	}
	t.sentAt = now
}

func (t *ChunkTransfer) chunk(index int) []byte {
	start := index * t.chunkSize
	end := start + t.chunkSize
	if end > len(t.data) {
		end = len(t.data)
	}
	return t.data[start:end]
}

// Remaining returns the number of asset bytes not yet acknowledged.
func (t *ChunkTransfer) Remaining() int {
	if t.done {
		return 0
	}
	acked := 0
	if len(t.batch) > 0 {
		acked = t.batch[0] * t.chunkSize
	} else {
		acked = t.next * t.chunkSize
	}
	for _, idx := range t.batch {
		if _, ok := t.pending[idx]; !ok {
			acked += len(t.chunk(idx))
		}
	}
	return len(t.data) - acked
}

// InFlight returns the number of sent but unacknowledged chunks.
func (t *ChunkTransfer) InFlight() int { return len(t.pending) }

// TotalChunks returns ceil(size / chunk size).
func (t *ChunkTransfer) TotalChunks() int { return t.total }

// Size returns the asset size in bytes.
func (t *ChunkTransfer) Size() int { return len(t.data) }

// Sends returns the number of chunk writes including resends.
func (t *ChunkTransfer) Sends() int { return t.sends }

// Retries returns the resend count of the current batch.
func (t *ChunkTransfer) Retries() int { return t.retries }

// Done reports whether every chunk has been acknowledged.
func (t *ChunkTransfer) Done() bool { return t.done }
