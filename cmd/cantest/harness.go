package main

import (
	"bytes"
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"time"

	"github.com/kstaniek/go-mcp2515/internal/can"
)

// Identifiers of the two-node transfer test.
const (
	idPing     = 0x007
	idPong     = 0x123
	idEnd      = 0x7FF
	idSumHigh  = 0x01
	idSumLow   = 0x02
	busyRetry  = 500 * time.Microsecond
	bitsFrame  = 111 // full standard frame on the wire
	bitsUseful = 64  // payload bits in that frame
)

var errChecksum = errors.New("checksum mismatch")

type sendParams struct {
	frames int
	delay  time.Duration // pause after every frame
	settle time.Duration // pause between ping and transfer
	seed   int64
}

type sendReport struct {
	rtt     time.Duration
	elapsed time.Duration
	waiting time.Duration
	sum     [md5.Size]byte
	peerSum [md5.Size]byte
}

// randomFrames returns n-1 random standard frames with 8 data bytes followed
// by the 0x7FF end marker carrying eight 0xFF bytes.
func randomFrames(r *rand.Rand, n int) []can.Frame {
	if n < 1 {
		n = 1
	}
	out := make([]can.Frame, 0, n)
	for i := 0; i < n-1; i++ {
		var data [8]byte
		r.Read(data[:])
		out = append(out, can.MustFrame(false, false, uint32(r.Intn(idEnd)), data[:]...))
	}
	return append(out, can.MustFrame(false, false, idEnd, bytes.Repeat([]byte{0xFF}, 8)...))
}

// payloadSum is the MD5 of all payloads in order.
func payloadSum(frames []can.Frame) [md5.Size]byte {
	h := md5.New()
	for _, f := range frames {
		h.Write(f.Data())
	}
	var sum [md5.Size]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

// sendRetry sends f, retrying while the bus reports errBusy. It returns the
// time spent waiting.
func sendRetry(ctx context.Context, bus Bus, f can.Frame) (time.Duration, error) {
	err := bus.Send(ctx, f)
	if !errors.Is(err, errBusy) {
		return 0, err
	}
	start := time.Now()
	for errors.Is(err, errBusy) {
		select {
		case <-ctx.Done():
			return time.Since(start), ctx.Err()
		case <-time.After(busyRetry):
		}
		err = bus.Send(ctx, f)
	}
	return time.Since(start), err
}

// runSend pings the peer, streams random frames and checks the checksum the
// peer answers with.
func runSend(ctx context.Context, bus Bus, p sendParams, w io.Writer) (sendReport, error) {
	var rep sendReport
	frames := randomFrames(rand.New(rand.NewSource(p.seed)), p.frames)
	rep.sum = payloadSum(frames)

	start := time.Now()
	if _, err := sendRetry(ctx, bus, can.MustFrame(false, false, idPing, 'P', 'i', 'n', 'g')); err != nil {
		return rep, fmt.Errorf("ping: %w", err)
	}
	if _, err := bus.Recv(ctx); err != nil {
		return rep, fmt.Errorf("pong: %w", err)
	}
	rep.rtt = time.Since(start)
	fmt.Fprintf(w, "Round trip time: %s\n", rep.rtt)
	if p.settle > 0 {
		select {
		case <-ctx.Done():
			return rep, ctx.Err()
		case <-time.After(p.settle):
		}
	}

	fmt.Fprintf(w, "Sending %d frames\n", len(frames))
	start = time.Now()
	for i, f := range frames {
		waited, err := sendRetry(ctx, bus, f)
		rep.waiting += waited
		if err != nil {
			return rep, fmt.Errorf("frame %d: %w", i, err)
		}
		if p.delay > 0 {
			time.Sleep(p.delay)
		}
	}
	rep.elapsed = time.Since(start)
	n := float64(len(frames))
	secs := rep.elapsed.Seconds()
	fmt.Fprintf(w, "Sent %d frames in %s\n", len(frames), rep.elapsed)
	fmt.Fprintf(w, "Spent %s waiting for TX buffer to clear (average %s per frame)\n",
		rep.waiting, rep.waiting/time.Duration(len(frames)))
	if secs > 0 {
		fmt.Fprintf(w, "Nominal TX bitrate:   %d bits/second\n", int(bitsFrame*n/secs))
		fmt.Fprintf(w, "Effective TX bitrate: %d bits/second\n", int(bitsUseful*n/secs))
	}

	high, err := bus.Recv(ctx)
	if err != nil {
		return rep, fmt.Errorf("checksum: %w", err)
	}
	low, err := bus.Recv(ctx)
	if err != nil {
		return rep, fmt.Errorf("checksum: %w", err)
	}
	copy(rep.peerSum[:], append(high.Data(), low.Data()...))
	fmt.Fprintf(w, "True checksum: %x\n", rep.sum)
	fmt.Fprintf(w, "Received checksum: %x\n", rep.peerSum)
	if rep.sum != rep.peerSum {
		fmt.Fprintln(w, "Checksum mismatch, FAIL")
		return rep, errChecksum
	}
	fmt.Fprintln(w, "Checksums match, PASS")
	return rep, nil
}

// runReceive answers the ping, collects frames up to the end marker and
// replies with their checksum split over two frames.
func runReceive(ctx context.Context, bus Bus, gap time.Duration, w io.Writer) ([md5.Size]byte, error) {
	var sum [md5.Size]byte
	fmt.Fprintln(w, "Listening...")
	if _, err := bus.Recv(ctx); err != nil {
		return sum, fmt.Errorf("ping: %w", err)
	}
	if _, err := sendRetry(ctx, bus, can.MustFrame(false, false, idPong, 'P', 'o', 'n', 'g')); err != nil {
		return sum, fmt.Errorf("pong: %w", err)
	}
	fmt.Fprintln(w, "Received ping, listening for transmission...")
	var got []can.Frame
	for {
		f, err := bus.Recv(ctx)
		if err != nil {
			return sum, fmt.Errorf("after %d frames: %w", len(got), err)
		}
		got = append(got, f)
		if f.ID() == idEnd && !f.Extended() {
			break
		}
	}
	fmt.Fprintf(w, "Received %d frames\n", len(got))
	sum = payloadSum(got)
	fmt.Fprintf(w, "MD5 Checksum: %x\n", sum)
	if _, err := sendRetry(ctx, bus, can.MustFrame(false, false, idSumHigh, sum[:8]...)); err != nil {
		return sum, err
	}
	if gap > 0 {
		time.Sleep(gap)
	}
	_, err := sendRetry(ctx, bus, can.MustFrame(false, false, idSumLow, sum[8:]...))
	return sum, err
}

// runSpeed queues n random frames on a local controller, flushes once and
// measures how long the interrupt path takes to drain the queue.
func runSpeed(ctx context.Context, b *controllerBus, n int, seed int64, w io.Writer) (time.Duration, error) {
	for _, f := range randomFrames(rand.New(rand.NewSource(seed)), n) {
		b.ctrl.QueueFrame(f)
	}
	fmt.Fprintln(w, "Start transmitting frames")
	start := time.Now()
	if _, err := b.ctrl.FlushTxQueue(); err != nil {
		return 0, err
	}
	t := time.NewTicker(time.Millisecond)
	defer t.Stop()
	for b.ctrl.Pending() > 0 {
		select {
		case <-ctx.Done():
			return time.Since(start), ctx.Err()
		case <-t.C:
		}
	}
	elapsed := time.Since(start)
	fmt.Fprintf(w, "Transmitted %d frames in %.4f seconds\n", n, elapsed.Seconds())
	return elapsed, nil
}
