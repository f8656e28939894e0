// Copyright (c) 2025 Basalt Security
// Licensed under the MIT License. See LICENSE file in the project root for details.

package service

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/basaltsec/recon/backend/internal/kvb"
	"github.com/basaltsec/recon/backend/internal/models"
	"github.com/basaltsec/recon/backend/internal/pkg/logger"
	"github.com/basaltsec/recon/backend/internal/repository"
)

const (
	// Gateway output flushing: buffered lines go to the scan row at 20
	// lines or 200ms since the last flush, whichever comes first.
	outputFlushLines    = 20
	outputFlushInterval = 200 * time.Millisecond

	// Per-connection output dedupe table bounds.
	dedupeCapacity = 5000
	dedupeKeep     = 2000

	// Scan-list heartbeat period; the first pass runs immediately.
	scanListInterval = 5 * time.Second
)

// SendFunc delivers one frame to the connected client. It is called from a
// single goroutine per stream.
type SendFunc func(frame interface{}) error

// StreamService feeds the WebSocket endpoints: the per-scan live stream and
// the scan-list heartbeat.
type StreamService interface {
	// StreamScan relays one scan's bus traffic as tagged frames until ctx is
	// cancelled or a send fails. Output lines are deduplicated per
	// connection and mirrored into the scan row in buffered flushes.
	StreamScan(ctx context.Context, scanID int64, scanUUID string, send SendFunc)

	// StreamScanList periodically emits one scan_update frame per active
	// scan of the user until ctx is cancelled or a send fails.
	StreamScanList(ctx context.Context, userID int64, send SendFunc)
}

// streamServiceImpl implements StreamService.
type streamServiceImpl struct {
	repos  *repository.Repositories
	bus    kvb.Bus
	logger logger.Logger
}

// NewStreamService creates a new stream gateway service.
func NewStreamService(repos *repository.Repositories, bus kvb.Bus, log logger.Logger) StreamService {
	return &streamServiceImpl{
		repos:  repos,
		bus:    bus,
		logger: log,
	}
}

// StreamScan relays one scan's bus traffic to the client.
func (s *streamServiceImpl) StreamScan(ctx context.Context, scanID int64, scanUUID string, send SendFunc) {
	sub := s.bus.Subscribe(ctx,
		kvb.OutputChannel(scanUUID),
		kvb.ProgressChannel(scanUUID),
		kvb.StatusChannel(scanUUID),
	)
	defer sub.Close()

	pump := &scanPump{
		scanID:   scanID,
		scanUUID: scanUUID,
		repos:    s.repos,
		bus:      s.bus,
		logger:   s.logger,
		send:     send,
		seen:     make(map[string]int64),
	}
	defer pump.finalFlush()

	ticker := time.NewTicker(outputFlushInterval)
	defer ticker.Stop()

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pump.flush(ctx)
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			if err := pump.relay(ctx, msg); err != nil {
				// The client write failed; the read pump tears the
				// connection down.
				return
			}
		}
	}
}

// StreamScanList periodically emits summaries of the user's active scans.
func (s *streamServiceImpl) StreamScanList(ctx context.Context, userID int64, send SendFunc) {
	ticker := time.NewTicker(scanListInterval)
	defer ticker.Stop()

	if err := s.emitScanList(ctx, userID, send); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.emitScanList(ctx, userID, send); err != nil {
				return
			}
		}
	}
}

// emitScanList sends one scan_update frame per scan whose status is neither
// pending nor completed. Query errors skip the pass; send errors stop the
// stream.
func (s *streamServiceImpl) emitScanList(ctx context.Context, userID int64, send SendFunc) error {
	scans, err := s.repos.Scans.ListByUserExcludingStatuses(ctx, userID, []models.ScanStatus{
		models.ScanStatusPending,
		models.ScanStatusCompleted,
	})
	if err != nil {
		s.logger.Error("Scan-list stream: query failed: %v", err)
		return nil
	}

	for _, scan := range scans {
		frame := models.ScanUpdateFrame{
			Type:       models.FrameTypeScanUpdate,
			ScanUUID:   scan.UUID,
			Status:     string(scan.Status),
			StartedAt:  rfc3339(scan.StartedAt),
			FinishedAt: rfc3339(scan.FinishedAt),
			Name:       scan.Name,
		}

		// The live envelope is fresher than the row while the scanner is
		// still driving transitions.
		if raw, ok, err := s.bus.Get(ctx, kvb.ScanKey(scan.UUID)); err == nil && ok {
			var env models.ScanEnvelope
			if json.Unmarshal([]byte(raw), &env) == nil && env.Status != "" {
				frame.Status = env.Status
			}
		}
		if val, ok, err := s.bus.Get(ctx, kvb.ProgressKey(scan.UUID)); err == nil && ok {
			progress := val
			frame.Progress = &progress
		}

		if err := send(frame); err != nil {
			return err
		}
	}
	return nil
}

// scanPump holds the per-connection state of one scan stream: the output
// dedupe table and the flush buffer.
type scanPump struct {
	scanID   int64
	scanUUID string
	repos    *repository.Repositories
	bus      kvb.Bus
	logger   logger.Logger
	send     SendFunc

	seen map[string]int64 // Output line → last-seen sequence number
	seq  int64
	buf  []string // Output lines awaiting a flush
}

// relay tags one bus message as a frame and sends it. Malformed payloads are
// dropped with a log line; only send failures propagate.
func (p *scanPump) relay(ctx context.Context, msg *kvb.Message) error {
	switch msg.Channel {
	case kvb.ProgressChannel(p.scanUUID):
		val, err := strconv.ParseFloat(strings.TrimSpace(msg.Payload), 64)
		if err != nil {
			p.logger.Error("Stream %s: dropping non-numeric progress %q", p.scanUUID, msg.Payload)
			return nil
		}
		return p.send(models.ProgressFrame{Type: models.FrameTypeProgress, Value: val})

	case kvb.StatusChannel(p.scanUUID):
		var evt models.StatusEvent
		if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
			p.logger.Error("Stream %s: dropping malformed status event %q: %v", p.scanUUID, msg.Payload, err)
			return nil
		}
		return p.send(models.StatusFrame{
			Type:       models.FrameTypeStatus,
			Value:      evt.Status,
			StartedAt:  evt.StartedAt,
			FinishedAt: evt.FinishedAt,
		})

	default: // Output channel {S}
		if p.seenLine(msg.Payload) {
			return nil
		}
		if err := p.send(models.OutputFrame{Type: models.FrameTypeOutput, Value: msg.Payload}); err != nil {
			return err
		}
		p.buf = append(p.buf, msg.Payload)
		if len(p.buf) >= outputFlushLines {
			p.flush(ctx)
		}
		return nil
	}
}

// seenLine records the line and reports whether it was already relayed on
// this connection. The table is bounded: past capacity it halves down to
// the most recently seen lines.
func (p *scanPump) seenLine(line string) bool {
	p.seq++
	_, dup := p.seen[line]
	p.seen[line] = p.seq
	if !dup && len(p.seen) > dedupeCapacity {
		p.compactSeen()
	}
	return dup
}

// compactSeen drops all but the dedupeKeep most recently seen lines.
func (p *scanPump) compactSeen() {
	seqs := make([]int64, 0, len(p.seen))
	for _, seq := range p.seen {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] > seqs[j] })
	cut := seqs[dedupeKeep-1]
	for line, seq := range p.seen {
		if seq < cut {
			delete(p.seen, line)
		}
	}
}

// flush appends the buffered lines to the scan row. The write is skipped
// once scan:{S} is terminal: past that point the watcher's final flush owns
// the output column.
func (p *scanPump) flush(ctx context.Context) {
	if len(p.buf) == 0 {
		return
	}
	chunk := strings.Join(p.buf, "\n") + "\n"
	p.buf = p.buf[:0]

	if p.scanTerminal(ctx) {
		return
	}
	if err := p.repos.Scans.AppendOutput(ctx, p.scanID, chunk); err != nil {
		p.logger.Error("Stream %s: output flush failed: %v", p.scanUUID, err)
	}
}

// finalFlush drains the buffer after the stream context is gone.
func (p *scanPump) finalFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	p.flush(ctx)
}

// scanTerminal reads the scan:{S} envelope and reports whether the scan has
// reached a terminal state. Unknown is treated as live.
func (p *scanPump) scanTerminal(ctx context.Context) bool {
	raw, ok, err := p.bus.Get(ctx, kvb.ScanKey(p.scanUUID))
	if err != nil || !ok {
		return false
	}
	var env models.ScanEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return false
	}
	return models.ScanStatus(env.Status).IsTerminal()
}
