package redis

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
)

// Error is an error reply sent by the server. The connection that received
// it is still usable.
type Error string

func (e Error) Error() string { return "redis: " + string(e) }

type dialFunc func(context.Context, Options) (net.Conn, error)

type clientConn struct {
	net.Conn
	reader *bufio.Reader
}

type pool struct {
	opts   Options
	dialFn dialFunc
	conns  chan *clientConn
}

func newPool(opts Options) *pool {
	return &pool{opts: opts, dialFn: defaultDial, conns: make(chan *clientConn, opts.PoolSize)}
}

// withConn runs fn on a pooled connection. The connection is discarded
// unless fn succeeded or failed with a server Error reply.
func (p *pool) withConn(ctx context.Context, fn func(*clientConn) error) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	conn, err := p.acquire(ctx)
	if err != nil {
		return err
	}
	err = fn(conn)
	var reply Error
	p.release(conn, err != nil && !errors.As(err, &reply))
	return err
}

// do sends one command and reads its reply.
func (p *pool) do(ctx context.Context, conn *clientConn, parts ...string) (any, error) {
	if err := p.send(ctx, conn, parts...); err != nil {
		return nil, err
	}
	return p.read(ctx, conn)
}

// exec writes all commands before reading any reply. Every reply is read
// even when one of them is an error, so the connection stays in sync; the
// first error is returned.
func (p *pool) exec(ctx context.Context, conn *clientConn, cmds [][]string) ([]any, error) {
	if err := deadline(ctx, conn.SetWriteDeadline, p.opts.WriteTimeout); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	for _, cmd := range cmds {
		writeCommand(&buf, cmd...)
	}
	if _, err := conn.Write(buf.Bytes()); err != nil {
		return nil, err
	}

	replies := make([]any, 0, len(cmds))
	var first error
	for range cmds {
		resp, err := p.read(ctx, conn)
		var reply Error
		switch {
		case err == nil:
		case errors.As(err, &reply):
			if first == nil {
				first = err
			}
		default:
			return nil, err
		}
		replies = append(replies, resp)
	}
	return replies, first
}

func (p *pool) send(ctx context.Context, conn *clientConn, parts ...string) error {
	if err := deadline(ctx, conn.SetWriteDeadline, p.opts.WriteTimeout); err != nil {
		return err
	}
	var buf bytes.Buffer
	writeCommand(&buf, parts...)
	_, err := conn.Write(buf.Bytes())
	return err
}

func (p *pool) read(ctx context.Context, conn *clientConn) (any, error) {
	if err := deadline(ctx, conn.SetReadDeadline, p.opts.ReadTimeout); err != nil {
		return nil, err
	}
	resp, err := decodeRESP(conn.reader)
	if err != nil {
		return nil, err
	}
	if e, ok := resp.(Error); ok {
		return nil, e
	}
	return resp, nil
}

func (p *pool) acquire(ctx context.Context) (*clientConn, error) {
	select {
	case conn := <-p.conns:
		return conn, nil
	default:
		return p.newConn(ctx)
	}
}

func (p *pool) release(conn *clientConn, broken bool) {
	if conn == nil {
		return
	}
	if broken {
		_ = conn.Close()
		return
	}
	select {
	case p.conns <- conn:
	default:
		_ = conn.Close()
	}
}

// drain closes every idle connection.
func (p *pool) drain() {
	for {
		select {
		case conn := <-p.conns:
			_ = conn.Close()
		default:
			return
		}
	}
}

func (p *pool) newConn(ctx context.Context) (*clientConn, error) {
	nc, err := p.dialFn(ctx, p.opts)
	if err != nil {
		return nil, err
	}
	conn := &clientConn{Conn: nc, reader: bufio.NewReader(nc)}
	if err := p.handshake(ctx, conn); err != nil {
		_ = nc.Close()
		return nil, err
	}
	return conn, nil
}

func (p *pool) handshake(ctx context.Context, conn *clientConn) error {
	if p.opts.Password != "" {
		if err := p.expectOK(p.do(ctx, conn, "AUTH", p.opts.Password)); err != nil {
			return err
		}
	}
	if p.opts.DB > 0 {
		if err := p.expectOK(p.do(ctx, conn, "SELECT", strconv.Itoa(p.opts.DB))); err != nil {
			return err
		}
	}
	return nil
}

func (p *pool) expectOK(resp any, err error) error {
	if err != nil {
		return err
	}
	if msg, ok := resp.(string); ok && strings.EqualFold(msg, "OK") {
		return nil
	}
	return fmt.Errorf("redis: expected OK, got %v", resp)
}

func defaultDial(ctx context.Context, opts Options) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: opts.DialTimeout}
	return dialer.DialContext(ctx, "tcp", opts.Addr)
}

func writeCommand(buf *bytes.Buffer, parts ...string) {
	fmt.Fprintf(buf, "*%d\r\n", len(parts))
	for _, part := range parts {
		fmt.Fprintf(buf, "$%d\r\n%s\r\n", len(part), part)
	}
}

// decodeRESP reads one reply. Error replies are returned as Error values so
// that an error nested in an array does not leave the rest unread.
func decodeRESP(r *bufio.Reader) (any, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	line = strings.TrimSuffix(line, "\r\n")
	switch prefix {
	case '+':
		return line, nil
	case '-':
		return Error(line), nil
	case ':':
		return strconv.ParseInt(line, 10, 64)
	case '$':
		n, err := strconv.ParseInt(line, 10, 64)
		if err != nil {
			return nil, err
		}
		if n == -1 {
			return nil, nil
		}
		data := make([]byte, n)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, err
		}
		if err := consumeCRLF(r); err != nil {
			return nil, err
		}
		return data, nil
	case '*':
		n, err := strconv.ParseInt(line, 10, 64)
		if err != nil {
			return nil, err
		}
		if n == -1 {
			return nil, nil
		}
		arr := make([]any, n)
		for i := range arr {
			if arr[i], err = decodeRESP(r); err != nil {
				return nil, err
			}
		}
		return arr, nil
	default:
		return nil, fmt.Errorf("redis: unsupported RESP prefix %q", prefix)
	}
}

func consumeCRLF(r *bufio.Reader) error {
	b1, err := r.ReadByte()
	if err != nil {
		return err
	}
	b2, err := r.ReadByte()
	if err != nil {
		return err
	}
	if b1 != '\r' || b2 != '\n' {
		return errors.New("redis: malformed RESP terminator")
	}
	return nil
}

// deadline applies the earlier of ctx's deadline and now+timeout.
func deadline(ctx context.Context, setter func(time.Time) error, timeout time.Duration) error {
	var at time.Time
	if timeout > 0 {
		at = time.Now().Add(timeout)
	}
	if d, ok := ctx.Deadline(); ok && (at.IsZero() || d.Before(at)) {
		at = d
	}
	if at.IsZero() {
		return nil
	}
	return setter(at)
}

func ctxErr(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// hashReply converts an HGETALL reply into a field map.
func hashReply(resp any) (map[string][]byte, error) {
	if resp == nil {
		return map[string][]byte{}, nil
	}
	arr, ok := resp.([]any)
	if !ok || len(arr)%2 != 0 {
		return nil, fmt.Errorf("redis: unexpected HGETALL reply %T", resp)
	}
	out := make(map[string][]byte, len(arr)/2)
	for i := 0; i < len(arr); i += 2 {
		field, ok1 := arr[i].([]byte)
		value, ok2 := arr[i+1].([]byte)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("redis: unexpected HGETALL element %T", arr[i])
		}
		out[string(field)] = value
	}
	return out, nil
}
