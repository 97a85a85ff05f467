package stratum

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kaspa-pool/kaspool/internal/config"
	"github.com/kaspa-pool/kaspool/internal/jobs"
	"github.com/kaspa-pool/kaspool/internal/policy"
	"github.com/kaspa-pool/kaspool/internal/shares"
	"github.com/kaspa-pool/kaspool/internal/templates"
	"github.com/kaspa-pool/kaspool/internal/util"
)

// ShareSink receives classified shares; the wiring layer plugs in
// shares.Manager.AddShare plus whatever side-effects (block-found alerts)
// ride along with it.
type ShareSink interface {
	Authorize(identity shares.WorkerIdentity, asicType string, initial, min, max uint64, clampPow2, varDiffEnabled bool, expectedPerMinute float64) *shares.WorkerStats
	AddShare(identity shares.WorkerIdentity, jobID string, headerHash [32]byte, nonce uint64, daaScore uint64) (shares.Classification, error)
	RemoveWorker(key string)
	OnDifficultyChange(fn shares.DifficultyChangeFunc)
	Worker(key string) (*shares.WorkerStats, bool)
}

// BlockFoundFunc is invoked when a submitted share also meets the network
// target, carrying everything the wiring layer needs to forward the solved
// block to the upstream node.
type BlockFoundFunc func(identity shares.WorkerIdentity, headerHash [32]byte, nonce uint64)

// ShareEventFunc is invoked after every classified submission, for ambient
// observability (APM counters, etc.) that has no business in the share
// classification path itself.
type ShareEventFunc func(identity shares.WorkerIdentity, class shares.Classification, difficulty uint64)

// SessionEventFunc is invoked when a worker authorizes or disconnects.
type SessionEventFunc func(address, worker, ip string, connected bool)

// Server listens on every configured Stratum port and dispatches mining
// sessions into the shares manager.
type Server struct {
	cfg      config.StratumConfig
	registry *jobs.Registry
	cache    *templates.Cache
	sink     ShareSink
	pol      *policy.PolicyServer

	listeners   []net.Listener
	sessions    sync.Map // uint64 -> *Session
	sessionSeq  uint64
	extraNonceSeq uint64

	currentMu       sync.RWMutex
	currentJobID    string
	currentTemplate *templates.Template

	blockFoundMu sync.RWMutex
	blockFound   BlockFoundFunc

	shareEventMu sync.RWMutex
	shareEvent   ShareEventFunc

	sessionEventMu sync.RWMutex
	sessionEvent   SessionEventFunc

	quit chan struct{}
	wg   sync.WaitGroup
}

// OnBlockFound registers the callback the wiring layer uses to submit a
// block to the upstream node. Not required at construction time since it
// closes over the template cache and upstream client, both assembled after
// the Server itself.
func (s *Server) OnBlockFound(fn BlockFoundFunc) {
	s.blockFoundMu.Lock()
	s.blockFound = fn
	s.blockFoundMu.Unlock()
}

// OnShareEvent registers a callback fired after every classified submission.
func (s *Server) OnShareEvent(fn ShareEventFunc) {
	s.shareEventMu.Lock()
	s.shareEvent = fn
	s.shareEventMu.Unlock()
}

// OnSessionEvent registers a callback fired when a worker authorizes or
// disconnects.
func (s *Server) OnSessionEvent(fn SessionEventFunc) {
	s.sessionEventMu.Lock()
	s.sessionEvent = fn
	s.sessionEventMu.Unlock()
}

// NewServer builds a Stratum server bound to every port in cfg.Ports. jobs
// and cache resolve job IDs to templates; sink classifies submitted shares
// and drives difficulty for authorized workers; pol applies IP ban/rate
// policy at accept and submit time.
func NewServer(cfg config.StratumConfig, registry *jobs.Registry, cache *templates.Cache, sink ShareSink, pol *policy.PolicyServer) *Server {
	s := &Server{
		cfg:      cfg,
		registry: registry,
		cache:    cache,
		sink:     sink,
		pol:      pol,
		quit:     make(chan struct{}),
	}
	sink.OnDifficultyChange(s.pushDifficulty)
	return s
}

// Start binds every configured port and begins accepting connections.
func (s *Server) Start() error {
	var tlsConfig *tls.Config
	if s.cfg.TLSCert != "" && s.cfg.TLSKey != "" {
		cert, err := tls.LoadX509KeyPair(s.cfg.TLSCert, s.cfg.TLSKey)
		if err != nil {
			return fmt.Errorf("stratum: loading TLS keypair: %w", err)
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	for _, portCfg := range s.cfg.Ports {
		addr := fmt.Sprintf(":%d", portCfg.Port)
		var ln net.Listener
		var err error
		if tlsConfig != nil {
			ln, err = tls.Listen("tcp", addr, tlsConfig)
		} else {
			ln, err = net.Listen("tcp", addr)
		}
		if err != nil {
			s.Stop()
			return fmt.Errorf("stratum: listen %s: %w", addr, err)
		}
		util.Infof("stratum: listening on %s (vardiff=%v initial=%d)", addr, portCfg.VarDiff, portCfg.InitialDifficulty)
		s.listeners = append(s.listeners, ln)

		port := toPortConfig(portCfg)
		s.wg.Add(1)
		go s.acceptLoop(ln, port)
	}
	return nil
}

// Stop closes every listener and every live session.
func (s *Server) Stop() {
	close(s.quit)
	for _, ln := range s.listeners {
		ln.Close()
	}
	s.sessions.Range(func(_, v interface{}) bool {
		v.(*Session).conn.Close()
		return true
	})
	s.wg.Wait()
}

func toPortConfig(p config.StratumPort) PortConfig {
	return PortConfig{
		Port:                p.Port,
		InitialDifficulty:   p.InitialDifficulty,
		MinDifficulty:       p.MinDifficulty,
		MaxDifficulty:       p.MaxDifficulty,
		SharesPerMinute:     p.SharesPerMinute,
		VarDiffEnabled:      p.VarDiff,
		ClampPow2:           p.ClampPow2,
		ExtraNonceSize:      p.ExtraNonceSize,
		AllowUserDifficulty: p.AllowUserDifficulty,
	}
}

func (s *Server) acceptLoop(ln net.Listener, portCfg PortConfig) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
				util.Warnf("stratum: accept error on port %d: %v", portCfg.Port, err)
				continue
			}
		}

		ip := extractIP(conn.RemoteAddr().String())
		if s.pol != nil && s.pol.IsBanned(ip) {
			conn.Close()
			continue
		}
		if s.pol != nil && !s.pol.ApplyConnectionLimit(ip) {
			conn.Close()
			continue
		}

		id := atomic.AddUint64(&s.sessionSeq, 1)
		extraNonce1 := s.allocateExtraNonce1(portCfg.ExtraNonceSize)
		sess := newSession(id, conn, extraNonce1, portCfg)
		s.sessions.Store(id, sess)

		s.wg.Add(1)
		go s.handleSession(sess)
	}
}

// allocateExtraNonce1 renders a sequential counter as 2*size hex digits,
// guaranteeing every session on this server gets a distinct search space.
func (s *Server) allocateExtraNonce1(size int) string {
	if size <= 0 {
		size = 2
	}
	n := atomic.AddUint64(&s.extraNonceSeq, 1)
	return fmt.Sprintf("%0*x", size*2, n)
}

func (s *Server) handleSession(sess *Session) {
	defer s.wg.Done()
	defer func() {
		s.sessions.Delete(sess.id)
		sess.conn.Close()
		sess.mu.Lock()
		workers := append([]workerSession(nil), sess.workers...)
		sess.state = StateClosed
		sess.mu.Unlock()
		s.sessionEventMu.RLock()
		sessionFn := s.sessionEvent
		s.sessionEventMu.RUnlock()
		for _, w := range workers {
			s.sink.RemoveWorker(shares.WorkerIdentity{PayoutAddress: w.address, WorkerName: w.worker}.Key())
			if sessionFn != nil {
				sessionFn(w.address, w.worker, extractIP(sess.remoteAddr), false)
			}
		}
	}()

	ip := extractIP(sess.remoteAddr)
	reader := bufReaderFor(sess.conn)

	idleTimeout := s.cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = 5 * time.Minute
	}

	sess.conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	for {
		line, isPrefix, err := reader.ReadLine()
		if err != nil {
			return
		}
		if isPrefix {
			if s.pol != nil {
				s.pol.ApplyMalformedPolicy(ip)
			}
			s.sendError(sess, nil, -1, "request too large")
			return
		}
		if len(line) == 0 {
			continue
		}
		if len(line) > maxInboundLine {
			if s.pol != nil {
				s.pol.ApplyMalformedPolicy(ip)
			}
			s.sendError(sess, nil, -1, "request too large")
			return
		}

		sess.conn.SetReadDeadline(time.Now().Add(idleTimeout))
		sess.mu.Lock()
		sess.lastActivity = time.Now()
		sess.mu.Unlock()

		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			if s.pol != nil && !s.pol.ApplyMalformedPolicy(ip) {
				return
			}
			s.sendError(sess, nil, -1, "malformed request")
			continue
		}

		s.handleRequest(sess, ip, req)
	}
}

func (s *Server) handleRequest(sess *Session, ip string, req request) {
	switch req.Method {
	case "mining.subscribe":
		s.handleSubscribe(sess, req)
	case "mining.authorize":
		s.handleAuthorize(sess, ip, req)
	case "mining.submit":
		s.handleSubmit(sess, ip, req)
	case "mining.extranonce.subscribe":
		s.sendResult(sess, req.ID, true)
	default:
		s.sendError(sess, req.ID, 20, "unknown method "+req.Method)
	}
}

func (s *Server) handleSubscribe(sess *Session, req request) {
	sess.mu.Lock()
	if sess.state != StateConnected {
		sess.mu.Unlock()
		s.sendError(sess, req.ID, 20, "already subscribed")
		return
	}
	sess.state = StateSubscribed
	var agent string
	if len(req.Params) > 0 {
		agent, _ = req.Params[0].(string)
	}
	sess.family = detectFamily(agent)
	family := sess.family
	extraNonce1 := sess.extraNonce1
	extraNonce2Len := sess.extraNonce2Len
	sess.mu.Unlock()

	if family == familyBitmain {
		// Bitmain firmware expects the extranonce tuple directly rather than
		// the EthereumStratum handshake string.
		s.sendResult(sess, req.ID, []interface{}{extraNonce1, extraNonce2Len})
		return
	}
	s.sendResult(sess, req.ID, []interface{}{true, "EthereumStratum/1.0.0"})
}

// detectFamily infers the header-encoding variant from a miner's declared
// user agent. Bitmain firmware (Antminer KS-series) appends the timestamp
// to mining.notify and parses the submitted nonce as decimal; everything
// else gets the default big-header encoding.
func detectFamily(userAgent string) asicFamily {
	lower := strings.ToLower(userAgent)
	if strings.Contains(lower, "bitmain") || strings.Contains(lower, "antminer") {
		return familyBitmain
	}
	return familyDefault
}

func (s *Server) handleAuthorize(sess *Session, ip string, req request) {
	if len(req.Params) < 1 {
		s.sendError(sess, req.ID, 20, "missing worker parameter")
		return
	}
	full, ok := req.Params[0].(string)
	if !ok {
		s.sendError(sess, req.ID, 20, "invalid worker parameter")
		return
	}
	address, worker := parseWorkerID(full)
	if !util.ValidateAddress(address) {
		s.sendError(sess, req.ID, 21, "invalid address")
		return
	}
	if s.pol != nil && !s.pol.ApplyLoginPolicy(address, ip) {
		s.sendError(sess, req.ID, 24, "unauthorized")
		return
	}

	sess.mu.Lock()
	for _, w := range sess.workers {
		if w.address == address && w.worker == worker {
			sess.mu.Unlock()
			s.sendError(sess, req.ID, 24, "duplicate worker name")
			return
		}
	}
	portCfg := sess.portCfg
	sess.workers = append(sess.workers, workerSession{address: address, worker: worker})
	sess.state = StateAuthorized
	sess.mu.Unlock()

	initialDifficulty := portCfg.InitialDifficulty
	if portCfg.AllowUserDifficulty && len(req.Params) > 1 {
		if requested, ok := toUint64(req.Params[1]); ok && requested >= portCfg.MinDifficulty && requested <= portCfg.MaxDifficulty {
			initialDifficulty = requested
		}
	}

	identity := shares.WorkerIdentity{PayoutAddress: address, WorkerName: worker}
	ws := s.sink.Authorize(identity, sessFamilyName(sess), initialDifficulty, portCfg.MinDifficulty,
		portCfg.MaxDifficulty, portCfg.ClampPow2, portCfg.VarDiffEnabled, portCfg.SharesPerMinute)

	s.sessionEventMu.RLock()
	sessionFn := s.sessionEvent
	s.sessionEventMu.RUnlock()
	if sessionFn != nil {
		sessionFn(address, worker, ip, true)
	}

	s.sendResult(sess, req.ID, true)
	s.sendDifficulty(sess, ws.Difficulty)
	s.sendCurrentJob(sess)
}

// toUint64 converts a loosely-typed JSON numeric parameter (float64 after
// unmarshal, or a numeric string) to uint64.
func toUint64(v interface{}) (uint64, bool) {
	switch n := v.(type) {
	case float64:
		return uint64(n), true
	case string:
		parsed, err := strconv.ParseUint(n, 10, 64)
		return parsed, err == nil
	default:
		return 0, false
	}
}

func sessFamilyName(sess *Session) string {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.family == familyBitmain {
		return "bitmain"
	}
	return "default"
}

func (s *Server) handleSubmit(sess *Session, ip string, req request) {
	if len(req.Params) < 3 {
		s.sendError(sess, req.ID, 20, "malformed submit")
		return
	}
	full, _ := req.Params[0].(string)
	address, worker := parseWorkerID(full)

	sess.mu.Lock()
	authorized := sess.state == StateAuthorized
	known := false
	for _, w := range sess.workers {
		if w.address == address && w.worker == worker {
			known = true
			break
		}
	}
	sess.mu.Unlock()

	if !authorized || !known {
		s.sendError(sess, req.ID, 24, "unauthorized")
		return
	}
	identity := shares.WorkerIdentity{PayoutAddress: address, WorkerName: worker}

	jobID, _ := req.Params[1].(string)
	extranonce2, _ := req.Params[2].(string)

	headerHash, ok := s.registry.Hash(jobID)
	if !ok {
		if s.pol != nil {
			s.pol.ApplySharePolicy(ip, false)
		}
		s.sendError(sess, req.ID, 21, "job-not-found")
		return
	}
	daaScore, _ := s.registry.DaaScore(jobID)

	nonce, err := sess.composeNonce(extranonce2)
	if err != nil {
		s.sendError(sess, req.ID, 20, "invalid nonce")
		return
	}

	class, err := s.sink.AddShare(identity, jobID, headerHash, nonce, daaScore)

	s.shareEventMu.RLock()
	shareFn := s.shareEvent
	s.shareEventMu.RUnlock()
	if shareFn != nil {
		var difficulty uint64
		if ws, ok := s.sink.Worker(identity.Key()); ok {
			difficulty = ws.Difficulty
		}
		go shareFn(identity, class, difficulty)
	}

	valid := class == shares.ClassValid || class == shares.ClassBlock
	if s.pol != nil {
		if !s.pol.ApplySharePolicy(ip, valid) {
			s.sendError(sess, req.ID, 23, "too many invalid shares")
			return
		}
	}

	switch class {
	case shares.ClassValid, shares.ClassBlock, shares.ClassDuplicate:
		s.sendResult(sess, req.ID, true)
		if class == shares.ClassBlock {
			s.blockFoundMu.RLock()
			fn := s.blockFound
			s.blockFoundMu.RUnlock()
			if fn != nil {
				go fn(identity, headerHash, nonce)
			}
		}
	case shares.ClassStale:
		s.sendError(sess, req.ID, 21, "job-not-found")
	default:
		msg := "unknown"
		if errors.Is(err, shares.ErrLowDifficulty) {
			msg = "low-difficulty-share"
		}
		s.sendError(sess, req.ID, 23, msg)
	}
}

// composeNonce builds the full 64-bit nonce from the session's assigned
// extranonce1 prefix and the miner-supplied extranonce2. The default path
// pads extranonce2 to the remaining hex digits and parses the concatenation
// as hex; the Bitmain path instead parses extranonce2 directly as decimal,
// ignoring the extranonce1 prefix (Bitmain firmware searches the full nonce
// space rather than a server-assigned sub-space).
func (sess *Session) composeNonce(extranonce2 string) (uint64, error) {
	sess.mu.Lock()
	family := sess.family
	extraNonce1 := sess.extraNonce1
	extraNonce2Len := sess.extraNonce2Len
	sess.mu.Unlock()

	if family == familyBitmain {
		return strconv.ParseUint(extranonce2, 10, 64)
	}

	padded := extranonce2
	if len(padded) < extraNonce2Len {
		padded = strings.Repeat("0", extraNonce2Len-len(padded)) + padded
	}
	full := extraNonce1 + padded
	if len(full) < 16 {
		full = full + strings.Repeat("0", 16-len(full))
	}
	return strconv.ParseUint(full, 16, 64)
}

func parseWorkerID(full string) (address, worker string) {
	parts := strings.SplitN(full, ".", 2)
	address = parts[0]
	worker = "default"
	if len(parts) == 2 && parts[1] != "" {
		worker = parts[1]
	}
	return address, worker
}

func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return strings.Trim(host, "[]")
}
