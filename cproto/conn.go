package cproto

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/nickyhof/rxbind/api"
)

// Scheme is the DSN scheme served by the remote engine
const Scheme = "cproto://"

const (
	defaultPort    = "6534"
	defaultTimeout = 60 * time.Second
)

// conn is one session with a server. Calls are serialized: a request is
// written and its response read before the next request starts.
type conn struct {
	cfg   api.Config
	log   *slog.Logger
	codec Codec
	addr  string
	login LoginArgs

	mu      sync.Mutex
	nc      net.Conn
	reader  *bufio.Reader
	seq     uint64
	session string
}

// parseDSN splits cproto://[user[:password]@]host[:port][/database]
func parseDSN(dsn string) (addr string, login LoginArgs, err error) {
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme+"://" != Scheme {
		return "", LoginArgs{}, api.Errorf(api.ErrParams, "Invalid cproto DSN: %s", dsn)
	}
	if u.Host == "" {
		return "", LoginArgs{}, api.Errorf(api.ErrParams, "Missing host in DSN: %s", dsn)
	}
	addr = u.Host
	if u.Port() == "" {
		addr = net.JoinHostPort(u.Hostname(), defaultPort)
	}
	if u.User != nil {
		login.User = u.User.Username()
		login.Password, _ = u.User.Password()
	}
	login.Database = strings.Trim(u.Path, "/")
	return addr, login, nil
}

func (c *conn) timeout() time.Duration {
	if c.cfg.NetTimeout > 0 {
		return c.cfg.NetTimeout
	}
	return defaultTimeout
}

// dial opens the socket and logs in. Callers hold c.mu.
func (c *conn) dial(ctx context.Context) error {
	attempts := c.cfg.ReconnectAttempts + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return api.FromError(err)
		}
		d := net.Dialer{Timeout: c.timeout()}
		nc, err := d.DialContext(ctx, "tcp", c.addr)
		if err != nil {
			lastErr = err
			c.log.Debug("dial failed", "addr", c.addr, "attempt", i+1, "error", err)
			continue
		}
		c.nc = nc
		c.reader = bufio.NewReader(nc)

		var res LoginResult
		if err := c.exchange(ctx, CmdLogin, c.login, &res); err != nil {
			c.drop()
			return err
		}
		c.session = res.Session
		c.log.Info("session opened", "addr", c.addr, "session", res.Session, "server_version", res.Version)
		return nil
	}
	return api.Errorf(api.ErrNetwork, "Failed to connect to %s: %v", c.addr, lastErr)
}

// drop closes the socket; the next call redials
func (c *conn) drop() {
	if c.nc != nil {
		_ = c.nc.Close()
	}
	c.nc = nil
	c.reader = nil
	c.session = ""
}

func (c *conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drop()
}

// call runs one round trip, dialing first when the session is down
func (c *conn) call(ctx context.Context, cmd Command, args, out any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return api.FromError(err)
	}
	if c.nc == nil {
		if err := c.dial(ctx); err != nil {
			return err
		}
	}
	return c.exchange(ctx, cmd, args, out)
}

// exchange writes one request and reads its response. Callers hold c.mu.
func (c *conn) exchange(ctx context.Context, cmd Command, args, out any) error {
	req := Request{Cmd: cmd}
	if args != nil {
		data, err := Encode(args)
		if err != nil {
			return api.Errorf(api.ErrParseJSON, "failed to encode %s arguments: %v", cmd, err)
		}
		req.Args = data
	}
	c.seq++
	req.ID = c.seq

	deadline := time.Now().Add(c.timeout())
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.nc.SetDeadline(deadline); err != nil {
		c.drop()
		return api.Errorf(api.ErrNetwork, "failed to set deadline: %v", err)
	}
	nc := c.nc
	stop := context.AfterFunc(ctx, func() { _ = nc.SetDeadline(time.Now()) })
	defer stop()

	payload, err := Encode(req)
	if err != nil {
		return api.Errorf(api.ErrParseJSON, "failed to encode request: %v", err)
	}
	if err := WriteFrame(c.nc, c.codec, payload); err != nil {
		return c.netError(ctx, err)
	}
	_, data, err := ReadFrame(c.reader)
	if err != nil {
		return c.netError(ctx, err)
	}

	var resp Response
	if err := Decode(data, &resp); err != nil {
		c.drop()
		return api.Errorf(api.ErrParseJSON, "failed to decode response: %v", err)
	}
	if resp.ID != req.ID {
		c.drop()
		return api.Errorf(api.ErrNetwork, "Response %d does not match request %d", resp.ID, req.ID)
	}
	if err := resp.Err(); err != nil {
		return err
	}
	if out != nil && len(resp.Result) > 0 {
		if err := Decode(resp.Result, out); err != nil {
			return api.Errorf(api.ErrParseJSON, "failed to decode %s result: %v", cmd, err)
		}
	}
	return nil
}

// netError drops the session and maps a socket failure to an engine error
func (c *conn) netError(ctx context.Context, err error) error {
	c.drop()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return api.FromError(ctxErr)
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return api.Errorf(api.ErrTimeout, "Request to %s timed out", c.addr)
	}
	return api.Errorf(api.ErrNetwork, "Connection to %s failed: %v", c.addr, err)
}
