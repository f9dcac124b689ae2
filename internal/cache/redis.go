package cache

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RedisConfig captures the connection parameters for the shared counter store.
type RedisConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	TLS      bool
	Timeout  time.Duration
}

const defaultRedisTimeout = 5 * time.Second
const redisKeyPrefix = "dealerpulse:"

// RedisClient speaks just enough RESP to back the Store interface: INCR plus
// PEXPIRE/PTTL for the fixed-window rate counters, and GET/SET PX/DEL for the
// byte cache. Replies are status lines, integers or bulk strings only; no
// exercised command returns an array. A single connection guarded by a mutex
// is enough for the call rate the engine generates.
type RedisClient struct {
	cfg    RedisConfig
	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
}

// NewRedisClient dials the server eagerly so misconfiguration surfaces at
// startup rather than on the first rate-limit check.
func NewRedisClient(cfg RedisConfig) (*RedisClient, error) {
	cfg.Address = strings.TrimSpace(cfg.Address)
	if cfg.Address == "" {
		return nil, errors.New("redis: address is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRedisTimeout
	}

	client := &RedisClient{cfg: cfg}

	client.mu.Lock()
	err := client.connectLocked(context.Background())
	client.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Close closes the underlying network connection.
func (c *RedisClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.reader = nil
	return err
}

// IncrementWithTTL bumps a window counter, arming the expiry when the key is
// fresh, and reports the count plus the remaining window.
func (c *RedisClient) IncrementWithTTL(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	counterKey := c.prefixed(key)
	count, err := c.commandInt(ctx, "INCR", counterKey)
	if err != nil {
		return 0, 0, err
	}

	if count == 1 {
		if _, err := c.commandInt(ctx, "PEXPIRE", counterKey, formatMillis(window)); err != nil {
			return 0, 0, err
		}
	}

	remaining, err := c.commandInt(ctx, "PTTL", counterKey)
	if err != nil || remaining < 0 {
		// PTTL of -1/-2 means the expiry raced away; report a full window.
		return count, window, nil
	}
	return count, time.Duration(remaining) * time.Millisecond, nil
}

// Set stores a value with PX expiry semantics.
func (c *RedisClient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := c.commandStatus(ctx, "SET", c.prefixed(key), string(value), "PX", formatMillis(ttl))
	return err
}

// Get retrieves the value associated with a key.
func (c *RedisClient) Get(ctx context.Context, key string) ([]byte, bool, error) {
	reply, err := c.command(ctx, "GET", c.prefixed(key))
	if err != nil {
		return nil, false, err
	}
	if reply.nilBulk {
		return nil, false, nil
	}
	if reply.kind != replyBulk {
		return nil, false, fmt.Errorf("redis: GET returned %s reply", reply.kind)
	}
	return reply.bulk, true, nil
}

// Delete removes one or more keys, ignoring missing keys.
func (c *RedisClient) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	args := make([]string, 0, len(keys)+1)
	args = append(args, "DEL")
	for _, key := range keys {
		args = append(args, c.prefixed(key))
	}
	_, err := c.command(ctx, args...)
	return err
}

func (c *RedisClient) prefixed(key string) string {
	normalized := normalizeKey(key)
	if strings.HasPrefix(normalized, redisKeyPrefix) {
		return normalized
	}
	return normalizeKey(redisKeyPrefix + normalized)
}

func (c *RedisClient) commandStatus(ctx context.Context, args ...string) (string, error) {
	reply, err := c.command(ctx, args...)
	if err != nil {
		return "", err
	}
	if reply.kind != replyStatus {
		return "", fmt.Errorf("redis: %s returned %s reply", args[0], reply.kind)
	}
	return reply.status, nil
}

func (c *RedisClient) commandInt(ctx context.Context, args ...string) (int64, error) {
	reply, err := c.command(ctx, args...)
	if err != nil {
		return 0, err
	}
	if reply.kind != replyInteger {
		return 0, fmt.Errorf("redis: %s returned %s reply", args[0], reply.kind)
	}
	return reply.integer, nil
}

// command runs one request/reply exchange, dropping the connection on any
// transport error so the next call redials.
func (c *RedisClient) command(ctx context.Context, args ...string) (reply, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectLocked(ctx); err != nil {
		return reply{}, err
	}

	if err := c.conn.SetDeadline(deadlineFromContext(ctx, c.cfg.Timeout)); err != nil {
		c.dropLocked()
		return reply{}, err
	}

	if _, err := c.conn.Write(encodeCommand(args)); err != nil {
		c.dropLocked()
		return reply{}, err
	}

	r, err := readReply(c.reader)
	if err != nil {
		var serverErr *redisServerError
		if errors.As(err, &serverErr) {
			// The connection is still in sync after a server error.
			return reply{}, err
		}
		c.dropLocked()
		return reply{}, err
	}
	return r, nil
}

func (c *RedisClient) connectLocked(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var (
		conn net.Conn
		err  error
	)
	if c.cfg.TLS {
		dialer := &tls.Dialer{NetDialer: &net.Dialer{}}
		conn, err = dialer.DialContext(ctx, "tcp", c.cfg.Address)
	} else {
		dialer := &net.Dialer{}
		conn, err = dialer.DialContext(ctx, "tcp", c.cfg.Address)
	}
	if err != nil {
		return err
	}

	reader := bufio.NewReader(conn)
	if err := conn.SetDeadline(deadlineFromContext(ctx, c.cfg.Timeout)); err != nil {
		conn.Close()
		return err
	}

	if err := c.handshake(conn, reader); err != nil {
		conn.Close()
		return err
	}

	// Clear deadlines; runtime commands set per-call deadlines.
	if err := conn.SetDeadline(time.Time{}); err != nil {
		conn.Close()
		return err
	}

	c.conn = conn
	c.reader = reader
	return nil
}

// handshake authenticates and selects the configured database before the
// connection is handed to callers.
func (c *RedisClient) handshake(conn net.Conn, reader *bufio.Reader) error {
	if c.cfg.Password != "" || c.cfg.Username != "" {
		authArgs := []string{"AUTH"}
		if c.cfg.Username != "" {
			authArgs = append(authArgs, c.cfg.Username, c.cfg.Password)
		} else {
			authArgs = append(authArgs, c.cfg.Password)
		}
		if err := expectOK(conn, reader, authArgs); err != nil {
			return fmt.Errorf("redis: AUTH: %w", err)
		}
	}

	if c.cfg.DB > 0 {
		if err := expectOK(conn, reader, []string{"SELECT", strconv.Itoa(c.cfg.DB)}); err != nil {
			return fmt.Errorf("redis: SELECT: %w", err)
		}
	}
	return nil
}

func (c *RedisClient) dropLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = nil
	c.reader = nil
}

func deadlineFromContext(ctx context.Context, fallback time.Duration) time.Time {
	if deadline, ok := ctx.Deadline(); ok {
		return deadline
	}
	return time.Now().Add(fallback)
}

func expectOK(conn net.Conn, reader *bufio.Reader, args []string) error {
	if _, err := conn.Write(encodeCommand(args)); err != nil {
		return err
	}
	r, err := readReply(reader)
	if err != nil {
		return err
	}
	if r.kind != replyStatus || !strings.EqualFold(r.status, "OK") {
		return fmt.Errorf("unexpected reply %q", r.status)
	}
	return nil
}

type replyKind int

const (
	replyStatus replyKind = iota
	replyInteger
	replyBulk
)

func (k replyKind) String() string {
	switch k {
	case replyStatus:
		return "status"
	case replyInteger:
		return "integer"
	case replyBulk:
		return "bulk"
	default:
		return "unknown"
	}
}

type reply struct {
	kind    replyKind
	status  string
	integer int64
	bulk    []byte
	nilBulk bool
}

// redisServerError marks a well-formed -ERR reply, as opposed to a transport
// failure that poisons the connection.
type redisServerError struct {
	message string
}

func (e *redisServerError) Error() string {
	return e.message
}

func encodeCommand(args []string) []byte {
	var builder strings.Builder
	builder.Grow(16 + len(args)*8)
	builder.WriteByte('*')
	builder.WriteString(strconv.Itoa(len(args)))
	builder.WriteString("\r\n")
	for _, arg := range args {
		builder.WriteByte('$')
		builder.WriteString(strconv.Itoa(len(arg)))
		builder.WriteString("\r\n")
		builder.WriteString(arg)
		builder.WriteString("\r\n")
	}
	return []byte(builder.String())
}

func readReply(r *bufio.Reader) (reply, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return reply{}, err
	}

	line, err := readLine(r)
	if err != nil {
		return reply{}, err
	}

	switch prefix {
	case '+':
		return reply{kind: replyStatus, status: line}, nil
	case '-':
		return reply{}, &redisServerError{message: line}
	case ':':
		n, err := strconv.ParseInt(line, 10, 64)
		if err != nil {
			return reply{}, err
		}
		return reply{kind: replyInteger, integer: n}, nil
	case '$':
		length, err := strconv.Atoi(line)
		if err != nil {
			return reply{}, err
		}
		if length < 0 {
			return reply{kind: replyBulk, nilBulk: true}, nil
		}
		buf := make([]byte, length+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return reply{}, err
		}
		if buf[length] != '\r' || buf[length+1] != '\n' {
			return reply{}, errors.New("redis: bulk reply missing CRLF")
		}
		return reply{kind: replyBulk, bulk: buf[:length]}, nil
	default:
		return reply{}, fmt.Errorf("redis: unexpected reply prefix %q", prefix)
	}
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	line = strings.TrimSuffix(line, "\n")
	return strings.TrimSuffix(line, "\r"), nil
}

func normalizeKey(key string) string {
	if key == "" {
		return key
	}
	var builder strings.Builder
	builder.Grow(len(key))
	prevColon := false
	for i := 0; i < len(key); i++ {
		ch := key[i]
		if ch == ':' {
			if prevColon {
				continue
			}
			prevColon = true
		} else {
			prevColon = false
		}
		builder.WriteByte(ch)
	}
	return builder.String()
}

func formatMillis(duration time.Duration) string {
	if duration <= 0 {
		return "0"
	}
	return strconv.FormatInt(duration.Milliseconds(), 10)
}
