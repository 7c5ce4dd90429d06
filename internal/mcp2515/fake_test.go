package mcp2515

import (
	"sync"
)

// fakeConn records every transaction and answers through reply.
type fakeConn struct {
	mu    sync.Mutex
	txs   [][]byte
	reply func(w []byte) []byte
	err   error
}

func (f *fakeConn) Tx(w, r []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txs = append(f.txs, append([]byte(nil), w...))
	if f.err != nil {
		return f.err
	}
	if f.reply != nil {
		copy(r, f.reply(w))
	}
	return nil
}

func (f *fakeConn) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.txs)
}

func (f *fakeConn) log() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.txs...)
}

// regReply answers READ from regs and READ STATUS with status.
func regReply(regs map[byte]byte, status byte) func([]byte) []byte {
	return func(w []byte) []byte {
		r := make([]byte, len(w))
		switch w[0] {
		case OpRead:
			r[2] = regs[w[1]]
		case OpReadStatus:
			r[1] = status
		}
		return r
	}
}
