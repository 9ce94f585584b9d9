// Package notifier fans chain and mempool events out to subscribers. Every
// subscriber gets its own unbounded queue, so a slow reader never blocks the
// chain.
package notifier

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/lightningnetwork/lnd/queue"
	"github.com/thanhnp/ledger-core/internal/models"
)

// ErrServerShuttingDown is returned once the server is stopping.
var ErrServerShuttingDown = errors.New("notification server shutting down")

// Event is one of NewBestBlock, NewPendingTx or ChainReorg.
type Event interface {
	event()
}

// NewBestBlock is sent for every block that becomes the best tip, including
// the last block attached by a reorg.
type NewBestBlock struct {
	Block  *models.Block
	Height uint32
}

// NewPendingTx is sent for every transaction admitted to the mempool.
type NewPendingTx struct {
	Tx *models.Transaction
}

// ChainReorg is sent before the NewBestBlock of a reorg.
type ChainReorg struct {
	OldTip *models.Block
	NewTip *models.Block

	// Detached left the best chain, newest first. Attached joined it,
	// oldest first.
	Detached []*models.Block
	Attached []*models.Block
}

func (NewBestBlock) event() {}
func (NewPendingTx) event() {}
func (ChainReorg) event()   {}

// Client receives the events sent after it subscribed.
type Client struct {
	cancel func()

	updates *queue.ConcurrentQueue
	quit    chan struct{}
}

// Updates delivers events in the order they were sent.
func (c *Client) Updates() <-chan interface{} {
	return c.updates.ChanOut()
}

// Quit is closed once the server stops delivering to this client.
func (c *Client) Quit() <-chan struct{} {
	return c.quit
}

// Cancel ends the subscription.
func (c *Client) Cancel() {
	c.cancel()
}

// Server manages the subscriptions. Every event is delivered to all clients
// active when it was sent.
type Server struct {
	clientCounter uint64 // To be used atomically.

	started uint32 // To be used atomically.
	stopped uint32 // To be used atomically.

	queueSize int

	clients       map[uint64]*Client
	clientUpdates chan *clientUpdate
	updates       chan Event

	quit chan struct{}
	wg   sync.WaitGroup
}

type clientUpdate struct {
	cancel   bool
	clientID uint64
	client   *Client
}

// NewServer returns a server whose client queues start with room for
// queueSize events.
func NewServer(queueSize int) *Server {
	if queueSize <= 0 {
		queueSize = 20
	}
	return &Server{
		queueSize:     queueSize,
		clients:       make(map[uint64]*Client),
		clientUpdates: make(chan *clientUpdate),
		updates:       make(chan Event),
		quit:          make(chan struct{}),
	}
}

// Start starts the dispatch loop.
func (s *Server) Start() error {
	if !atomic.CompareAndSwapUint32(&s.started, 0, 1) {
		return nil
	}

	s.wg.Add(1)
	go s.dispatch()

	log.Debugf("Notification server started")
	return nil
}

// Stop stops the server and closes the quit channel of every client.
func (s *Server) Stop() error {
	if !atomic.CompareAndSwapUint32(&s.stopped, 0, 1) {
		return nil
	}

	close(s.quit)
	s.wg.Wait()

	log.Debugf("Notification server stopped")
	return nil
}

// Subscribe registers a new client.
func (s *Server) Subscribe() (*Client, error) {
	clientID := atomic.AddUint64(&s.clientCounter, 1)

	client := &Client{
		updates: queue.NewConcurrentQueue(s.queueSize),
		quit:    make(chan struct{}),
		cancel: func() {
			select {
			case s.clientUpdates <- &clientUpdate{
				cancel:   true,
				clientID: clientID,
			}:
			case <-s.quit:
			}
		},
	}

	select {
	case s.clientUpdates <- &clientUpdate{
		clientID: clientID,
		client:   client,
	}:
	case <-s.quit:
		return nil, ErrServerShuttingDown
	}

	return client, nil
}

// Send delivers ev to every active client. It returns once the event has
// been queued for all of them.
func (s *Server) Send(ev Event) error {
	select {
	case s.updates <- ev:
		return nil
	case <-s.quit:
		return ErrServerShuttingDown
	}
}

// dispatch owns the client set.
//
// NOTE: MUST be run as a goroutine.
func (s *Server) dispatch() {
	defer s.wg.Done()

	for {
		select {
		case update := <-s.clientUpdates:
			if update.cancel {
				client, ok := s.clients[update.clientID]
				if ok {
					client.updates.Stop()
					close(client.quit)
					delete(s.clients, update.clientID)
					log.Tracef("Client %d unsubscribed", update.clientID)
				}
				continue
			}

			update.client.updates.Start()
			s.clients[update.clientID] = update.client
			log.Tracef("Client %d subscribed", update.clientID)

		case ev := <-s.updates:
			for _, client := range s.clients {
				select {
				case client.updates.ChanIn() <- ev:
				case <-client.quit:
				case <-s.quit:
					return
				}
			}

		case <-s.quit:
			for _, client := range s.clients {
				client.updates.Stop()
				close(client.quit)
			}
			return
		}
	}
}
