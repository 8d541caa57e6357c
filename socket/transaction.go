package socket

import (
	"context"
	"errors"
	"time"
)

// Transaction pairs a request that asks for an acknowledgement with the
// ack packet the server answers with.
type Transaction struct {
	client *Client

	Request Packet
	Timeout time.Duration

	reply chan Packet
}

// CreateTransaction registers request as awaiting an ack. The request is
// marked as requiring an acknowledgement; when it carries no id it is given
// the next free one. Only one transaction per id may be outstanding.
func (c *Client) CreateTransaction(request Packet, timeout time.Duration) (*Transaction, error) {
	request.Ack = true

	tx := &Transaction{
		client:  c,
		Timeout: timeout,
		reply:   make(chan Packet, 1),
	}

	err := c.call(func() error {
		if request.HasID {
			if _, dup := c.transactions[request.ID]; dup {
				return ErrDuplicateTransactionID
			}
		} else {
			request.ID = c.allocID()
			request.HasID = true
		}

		tx.Request = request
		c.transactions[request.ID] = tx
		return nil
	})
	if err != nil {
		return nil, err
	}

	return tx, nil
}

func (t *Transaction) ID() uint64 {
	return t.Request.ID
}

// Send writes the request packet.
func (t *Transaction) Send() (int, error) {
	return t.client.Send(t.Request)
}

// Wait blocks until the matching ack arrives, the timeout elapses or ctx is
// done. An elapsed timeout returns ErrTimeout and releases the id.
func (t *Transaction) Wait(ctx context.Context) (Packet, error) {
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}

	select {
	case p := <-t.reply:
		return p, nil
	case <-ctx.Done():
		t.Cancel()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Packet{}, ErrTimeout
		}
		return Packet{}, ctx.Err()
	}
}

// Do sends the request and waits for its ack.
func (t *Transaction) Do(ctx context.Context) (Packet, error) {
	if _, err := t.Send(); err != nil {
		t.Cancel()
		return Packet{}, err
	}
	return t.Wait(ctx)
}

// Cancel releases the transaction id without waiting.
func (t *Transaction) Cancel() {
	t.client.post(func() { t.client.releaseTransaction(t) })
}

func (c *Client) releaseTransaction(t *Transaction) {
	if cur, ok := c.transactions[t.Request.ID]; ok && cur == t {
		delete(c.transactions, t.Request.ID)
	}
}

func (c *Client) completeTransaction(p Packet) {
	if p.Type != PacketAck {
		return
	}

	id, _, ok := p.AckID()
	if !ok {
		return
	}

	tx, found := c.transactions[id]
	if !found {
		c.logger.Debug("ack without pending transaction", "id", id)
		return
	}

	delete(c.transactions, id)
	tx.reply <- p
}
