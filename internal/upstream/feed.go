package upstream

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kaspa-pool/kaspool/internal/util"
)

// BlockAddedNotification is kaspad's notifyBlockAdded push message: a new
// tip was added to the DAG, meaning the current template is stale.
type BlockAddedNotification struct {
	Block struct {
		Header struct {
			DAAScore uint64 `json:"daaScore"`
			Hash     string `json:"hash"`
		} `json:"header"`
	} `json:"block"`
}

type wsEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Feed maintains a persistent websocket subscription to a node's
// notifyBlockAdded stream, reconnecting after a fixed retryInterval (the
// delay does not grow between failed attempts), and invokes onBlock for
// every push.
type Feed struct {
	url           string
	dialTimeout   time.Duration
	retryInterval time.Duration
	onBlock       func(BlockAddedNotification)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewFeed creates an event feed against a node's websocket endpoint.
func NewFeed(url string, dialTimeout, retryInterval time.Duration, onBlock func(BlockAddedNotification)) *Feed {
	ctx, cancel := context.WithCancel(context.Background())
	return &Feed{
		url:           url,
		dialTimeout:   dialTimeout,
		retryInterval: retryInterval,
		onBlock:       onBlock,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start launches the reconnect loop in the background.
func (f *Feed) Start() {
	f.wg.Add(1)
	go f.run()
}

// Stop halts the feed and waits for its goroutine to exit.
func (f *Feed) Stop() {
	f.cancel()
	f.wg.Wait()
}

func (f *Feed) run() {
	defer f.wg.Done()

	for {
		select {
		case <-f.ctx.Done():
			return
		default:
		}

		if err := f.connectAndListen(); err != nil {
			util.Warnf("upstream: event feed disconnected: %v", err)
		}

		select {
		case <-f.ctx.Done():
			return
		case <-time.After(f.retryInterval):
		}
	}
}

func (f *Feed) connectAndListen() error {
	dialer := websocket.Dialer{HandshakeTimeout: f.dialTimeout}
	conn, _, err := dialer.DialContext(f.ctx, f.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	sub := map[string]string{"type": "NotifyBlockAddedRequest"}
	if err := conn.WriteJSON(sub); err != nil {
		return err
	}
	util.Infof("upstream: event feed connected to %s", f.url)

	closed := make(chan struct{})
	go func() {
		<-f.ctx.Done()
		conn.Close()
		close(closed)
	}()

	for {
		var env wsEnvelope
		if err := conn.ReadJSON(&env); err != nil {
			select {
			case <-closed:
				return nil
			default:
			}
			return err
		}
		if env.Type != "BlockAddedNotification" {
			continue
		}
		var note BlockAddedNotification
		if err := json.Unmarshal(env.Payload, &note); err != nil {
			util.Warnf("upstream: malformed block-added payload: %v", err)
			continue
		}
		if f.onBlock != nil {
			f.onBlock(note)
		}
	}
}
