package mcp2515

import "fmt"

// Status is the byte returned by the READ STATUS instruction.
//
//	bit 0 RX0IF   bit 1 RX1IF
//	bit 2 TXB0 TXREQ   bit 3 TX0IF
//	bit 4 TXB1 TXREQ   bit 5 TX1IF
//	bit 6 TXB2 TXREQ   bit 7 TX2IF
type Status byte

// RxFull reports whether RX buffer n holds an unread frame.
func (s Status) RxFull(n int) bool { return s&(1<<n) != 0 }

// TxDone reports whether TX buffer n latched its transmit-complete flag.
func (s Status) TxDone(n int) bool { return s&(1<<(3+2*n)) != 0 }

// TxPending reports whether TX buffer n still has a transmit request outstanding.
func (s Status) TxPending(n int) bool { return s&(1<<(2+2*n)) != 0 }

// TxAvailable reports whether TX buffer n may be loaded: its transmit request
// has been cleared, either by a completed transmission (TXnIF set alongside)
// or because none was ever made. TXnIF alone is not enough; it stays latched
// after the buffer is reloaded until something clears it.
func (s Status) TxAvailable(n int) bool { return !s.TxPending(n) }

// txDoneFlags returns the CANINTF bits matching the TXnIF flags set in s.
func (s Status) txDoneFlags() byte {
	var f byte
	for n := 0; n < txBuffers; n++ {
		if s.TxDone(n) {
			f |= TX0IF << n
		}
	}
	return f
}

func (s Status) String() string { return fmt.Sprintf("0b%08b", byte(s)) }
