// Package remote accesses the registers of a target over a byte stream
// such as a serial line. Requests and responses are CBOR arrays, one per
// register access.
package remote

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"stm32xpd.dev/driver/mmio"
	"stm32xpd.dev/internal/logging"
)

var ErrRemote = errors.New("remote: target error")

type op uint8

const (
	opLoad op = iota + 1
	opStore
)

type request struct {
	_     struct{} `cbor:",toarray"`
	Seq   uint32
	Op    op
	Addr  uint32
	Value uint32
}

type response struct {
	_     struct{} `cbor:",toarray"`
	Seq   uint32
	Value uint32
	Err   string
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	encMode = em
	dm, err := cbor.DecOptions{
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		panic(err)
	}
	decMode = dm
}

// Client is a [mmio.Bus] whose registers live on the other end of a
// stream. The first transport or target error is latched and reported by
// Err; after it, loads return zero and stores are dropped.
type Client struct {
	mu  sync.Mutex
	enc *cbor.Encoder
	dec *cbor.Decoder
	seq uint32
	err error
}

func NewClient(rw io.ReadWriter) *Client {
	return &Client{
		enc: encMode.NewEncoder(rw),
		dec: decMode.NewDecoder(rw),
	}
}

func (c *Client) Load32(addr uint32) uint32 {
	v, _ := c.do(opLoad, addr, 0)
	return v
}

func (c *Client) Store32(addr, v uint32) {
	c.do(opStore, addr, v)
}

// Err returns the latched error.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) do(o op, addr, v uint32) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return 0, c.err
	}
	c.seq++
	req := request{Seq: c.seq, Op: o, Addr: addr, Value: v}
	if err := c.enc.Encode(req); err != nil {
		return 0, c.fail(fmt.Errorf("remote: send: %w", err))
	}
	var resp response
	if err := c.dec.Decode(&resp); err != nil {
		return 0, c.fail(fmt.Errorf("remote: receive: %w", err))
	}
	switch {
	case resp.Seq != req.Seq:
		return 0, c.fail(fmt.Errorf("remote: response %d to request %d", resp.Seq, req.Seq))
	case resp.Err != "":
		return 0, c.fail(fmt.Errorf("%w: %s", ErrRemote, resp.Err))
	}
	return resp.Value, nil
}

func (c *Client) fail(err error) error {
	c.err = err
	logging.Error(logging.Remote, "register access failed", "err", err)
	return err
}

// Serve answers register requests from rw on b until rw reaches EOF.
func Serve(rw io.ReadWriter, b mmio.Bus) error {
	enc := encMode.NewEncoder(rw)
	dec := decMode.NewDecoder(rw)
	for {
		var req request
		if err := dec.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("remote: receive: %w", err)
		}
		resp := response{Seq: req.Seq}
		switch req.Op {
		case opLoad:
			resp.Value = b.Load32(req.Addr)
		case opStore:
			b.Store32(req.Addr, req.Value)
		default:
			resp.Err = fmt.Sprintf("unknown operation %d", req.Op)
		}
		v := resp.Value
		if req.Op == opStore {
			v = req.Value
		}
		logging.Debug(logging.Remote, "serve", "op", req.Op, "addr", fmt.Sprintf("%#08x", req.Addr), "value", fmt.Sprintf("%#x", v))
		if err := enc.Encode(resp); err != nil {
			return fmt.Errorf("remote: send: %w", err)
		}
	}
}
