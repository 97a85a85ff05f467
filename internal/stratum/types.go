// Package stratum implements the mining session layer: newline-delimited
// JSON framing, per-connection state machine, and subscribe/authorize/submit
// dispatch into the shares manager.
package stratum

import (
	"bufio"
	"net"
	"sync"
	"time"
)

// maxInboundLine bounds one inbound request line; oversize disconnects the
// session as a flood-control measure.
const maxInboundLine = 512

// State is a session's position in the Stratum state machine.
type State int

const (
	StateConnected State = iota
	StateSubscribed
	StateAuthorized
	StateClosed
)

// asicFamily distinguishes the header-encoding variant a session expects.
type asicFamily int

const (
	familyDefault asicFamily = iota
	familyBitmain
)

// workerSession is one authorized (address, workerName) pair on a
// connection; a single connection may authorize more than one worker name.
type workerSession struct {
	address string
	worker  string
}

// Session is one miner TCP connection.
type Session struct {
	id   uint64
	conn net.Conn

	mu             sync.Mutex
	state          State
	family         asicFamily
	extraNonce1    string
	extraNonce2Len int
	workers        []workerSession

	writeMu sync.Mutex

	portCfg PortConfig

	remoteAddr   string
	connectedAt  time.Time
	lastActivity time.Time
}

// PortConfig is the subset of a configured Stratum port a session needs at
// runtime.
type PortConfig struct {
	Port                int
	InitialDifficulty   uint64
	MinDifficulty       uint64
	MaxDifficulty       uint64
	SharesPerMinute     float64
	VarDiffEnabled      bool
	ClampPow2           bool
	ExtraNonceSize      int
	AllowUserDifficulty bool
}

func newSession(id uint64, conn net.Conn, extraNonce1 string, portCfg PortConfig) *Session {
	now := time.Now()
	return &Session{
		id:             id,
		conn:           conn,
		state:          StateConnected,
		extraNonce1:    extraNonce1,
		extraNonce2Len: 16 - len(extraNonce1), // padded to a 16-hex-digit full nonce
		portCfg:        portCfg,
		remoteAddr:     conn.RemoteAddr().String(),
		connectedAt:    now,
		lastActivity:   now,
	}
}

// request is an inbound Stratum line: either a call (has ID) or a
// notification.
type request struct {
	ID     interface{}   `json:"id"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

// response replies to a call by ID.
type response struct {
	ID     interface{} `json:"id"`
	Result interface{} `json:"result,omitempty"`
	Error  interface{} `json:"error,omitempty"`
}

// notify pushes a server-initiated message (ID is always null on the wire).
type notify struct {
	ID     interface{}   `json:"id"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

func bufReaderFor(conn net.Conn) *bufio.Reader {
	return bufio.NewReaderSize(conn, maxInboundLine+64)
}
