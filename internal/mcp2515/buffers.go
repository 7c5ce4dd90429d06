package mcp2515

import (
	"fmt"

	"github.com/kstaniek/go-mcp2515/internal/metrics"
)

// Pass summarizes one service pass over the chip buffers.
type Pass struct {
	Status   Status // status byte read at the start of the pass
	Received int    // frames decoded into the RX queue
	Sent     int    // frames loaded into TX buffers and requested
	Dropped  int    // malformed RX captures discarded
}

// HandleInterrupt services the chip after its interrupt line fired: drains
// full RX buffers, clears the transmit-complete flags it observed and refills
// free TX buffers from the TX queue.
func (c *Controller) HandleInterrupt() (Pass, error) {
	metrics.IncInterrupt()
	return c.service(true)
}

// FlushTxQueue runs a single pass without waiting for an interrupt. It loads
// as many queued frames as there are free TX buffers; the rest stay queued.
func (c *Controller) FlushTxQueue() (Pass, error) {
	metrics.IncFlush()
	return c.service(false)
}

// service is the one algorithm behind both entry points. Passes are
// serialized so two of them never claim the same free TX buffer.
func (c *Controller) service(irq bool) (p Pass, err error) {
	c.passMu.Lock()
	defer c.passMu.Unlock()
	if c.closed.Load() {
		return p, ErrClosed
	}
	defer func() {
		metrics.SetQueueDepths(c.rx.Len(), c.tx.Len())
		if p.Received > 0 {
			c.notify()
		}
	}()

	st, err := c.proto.Status()
	if err != nil {
		return p, err
	}
	p.Status = st

	for n := 0; n < rxBuffers; n++ {
		if !st.RxFull(n) {
			continue
		}
		raw, err := c.proto.ReadRxBuffer(n)
		if err != nil {
			return p, err
		}
		f, err := Decode(raw)
		if err != nil {
			p.Dropped++
			c.log.Warn("rx_malformed", "buffer", n, "raw", fmt.Sprintf("% X", raw), "error", err)
			continue
		}
		c.rx.Push(f)
		metrics.IncChipRx()
		p.Received++
	}

	// Clear the completion flags seen in st before reloading those buffers,
	// otherwise a reloaded buffer that completes quickly loses its new flag.
	if irq {
		if flags := st.txDoneFlags(); flags != 0 {
			if err := c.proto.BitModify(CANINTF, flags, 0); err != nil {
				return p, err
			}
		}
	}

	for n := 0; n < txBuffers; n++ {
		if !st.TxAvailable(n) {
			continue
		}
		f, ok := c.tx.Pop()
		if !ok {
			break
		}
		if err := c.proto.LoadTxBuffer(n, Encode(f)); err != nil {
			c.log.Error("tx_load_failed", "buffer", n, "frame", f.String(), "error", err)
			return p, err
		}
		if err := c.proto.RequestToSend(n); err != nil {
			c.log.Error("tx_rts_failed", "buffer", n, "frame", f.String(), "error", err)
			return p, err
		}
		metrics.IncChipTx()
		p.Sent++
	}

	if p.Received > 0 || p.Sent > 0 {
		c.log.Debug("pass", "irq", irq, "status", st.String(), "rx", p.Received, "tx", p.Sent)
	}
	return p, nil
}

func (c *Controller) notify() {
	select {
	case c.received <- struct{}{}:
	default:
	}
}
