package mcp2515

// SPI instruction set.
const (
	OpReset       = 0xC0
	OpWrite       = 0x02
	OpRead        = 0x03
	OpBitModify   = 0x05
	OpReadStatus  = 0xA0
	OpRTS         = 0x80 // | 1<<n for TXBn
	OpReadRxBuf   = 0x90 // | n<<2 for RXBn, starting at RXBnSIDH
	OpReadRxData  = 0x92 // | n<<2 for RXBn, starting at RXBnD0
	OpLoadTxBuf   = 0x40
	OpReadRxState = 0xB0
)

// Register addresses.
const (
	CANSTAT  = 0x0E
	CANCTRL  = 0x0F
	CNF3     = 0x28
	CNF2     = 0x29
	CNF1     = 0x2A
	CANINTE  = 0x2B
	CANINTF  = 0x2C
	EFLG     = 0x2D
	TXB0CTRL = 0x30
	TXB0SIDH = 0x31
	TXB1CTRL = 0x40
	TXB1SIDH = 0x41
	TXB2CTRL = 0x50
	TXB2SIDH = 0x51
	RXB0CTRL = 0x60
	RXB0SIDH = 0x61
	RXB1CTRL = 0x70
	RXB1SIDH = 0x71
)

// Bits.
const (
	// CANINTF / CANINTE
	RX0IF = 1 << 0
	RX1IF = 1 << 1
	TX0IF = 1 << 2
	TX1IF = 1 << 3
	TX2IF = 1 << 4
	ERRIF = 1 << 5
	WAKIF = 1 << 6
	MERRF = 1 << 7

	// TXBnCTRL
	TXREQ = 1 << 3

	// RXB0CTRL
	BUKT = 1 << 2

	// EFLG
	RX0OVR = 1 << 6
	RX1OVR = 1 << 7

	// TXBnSIDL / RXBnSIDL
	EXIDE = 1 << 3
	SRR   = 1 << 4

	// TXBnDLC / RXBnDLC
	RTR     = 1 << 6
	DLCMask = 0x0F

	// CANCTRL / CANSTAT
	ModeMask = 7 << 5
)

const (
	rxBuffers = 2
	txBuffers = 3
	// bufferLen is SIDH, SIDL, EID8, EID0, DLC and eight data bytes.
	bufferLen = headerLen + 8
)

// DefaultInterrupts enables RX0, RX1, TX0, TX1 and TX2 interrupts.
const DefaultInterrupts = RX0IF | RX1IF | TX0IF | TX1IF | TX2IF

// TxBufferBase returns the SIDH address of TX buffer n.
func TxBufferBase(n int) int { return TXB0SIDH + n*0x10 }

// TxBufferCtrl returns the TXBnCTRL address of TX buffer n.
func TxBufferCtrl(n int) int { return TXB0CTRL + n*0x10 }

// RxBufferBase returns the SIDH address of RX buffer n.
func RxBufferBase(n int) int { return RXB0SIDH + n*0x10 }
