package cache

import (
	"bufio"
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type commandLog struct {
	mu   sync.Mutex
	cmds [][]string
}

func (l *commandLog) add(cmd []string) {
	l.mu.Lock()
	l.cmds = append(l.cmds, cmd)
	l.mu.Unlock()
}

func (l *commandLog) all() [][]string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][]string(nil), l.cmds...)
}

// startRedisStub serves one connection, answering each parsed command with the
// next scripted reply and recording what it saw.
func startRedisStub(t *testing.T, replies []string) (string, *commandLog) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	log := &commandLog{}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		reader := bufio.NewReader(conn)
		for _, reply := range replies {
			cmd, err := readStubCommand(reader)
			if err != nil {
				return
			}
			log.add(cmd)
			if _, err := conn.Write([]byte(reply)); err != nil {
				return
			}
		}
	}()
	return ln.Addr().String(), log
}

func readStubCommand(r *bufio.Reader) ([]string, error) {
	header, err := readLine(r)
	if err != nil {
		return nil, err
	}
	count, err := strconv.Atoi(header[1:])
	if err != nil {
		return nil, err
	}

	args := make([]string, 0, count)
	for i := 0; i < count; i++ {
		sizeLine, err := readLine(r)
		if err != nil {
			return nil, err
		}
		size, err := strconv.Atoi(sizeLine[1:])
		if err != nil {
			return nil, err
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		args = append(args, string(buf[:size]))
	}
	return args, nil
}

func stubClient(t *testing.T, addr string) *RedisClient {
	t.Helper()

	client, err := NewRedisClient(RedisConfig{Address: addr, Timeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestIncrementWithTTLArmsExpiryOnFirstHit(t *testing.T) {
	addr, log := startRedisStub(t, []string{":1\r\n", ":1\r\n", ":60000\r\n"})
	client := stubClient(t, addr)

	count, ttl, err := client.IncrementWithTTL(context.Background(), "rate:user-1:sms:hour", time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
	require.Equal(t, time.Minute, ttl)

	cmds := log.all()
	require.Len(t, cmds, 3)
	require.Equal(t, []string{"INCR", "dealerpulse:rate:user-1:sms:hour"}, cmds[0])
	require.Equal(t, []string{"PEXPIRE", "dealerpulse:rate:user-1:sms:hour", "60000"}, cmds[1])
	require.Equal(t, "PTTL", cmds[2][0])
}

func TestIncrementWithTTLSkipsExpireAfterFirstHit(t *testing.T) {
	addr, log := startRedisStub(t, []string{":4\r\n", ":31000\r\n"})
	client := stubClient(t, addr)

	count, ttl, err := client.IncrementWithTTL(context.Background(), "rate:user-1:sms:hour", time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, 4, count)
	require.Equal(t, 31*time.Second, ttl)

	cmds := log.all()
	require.Len(t, cmds, 2)
	require.Equal(t, "INCR", cmds[0][0])
	require.Equal(t, "PTTL", cmds[1][0])
}

func TestGetDistinguishesMissFromHit(t *testing.T) {
	addr, _ := startRedisStub(t, []string{"$5\r\nhello\r\n", "$-1\r\n"})
	client := stubClient(t, addr)

	value, found, err := client.Get(context.Background(), "greeting")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("hello"), value)

	_, found, err = client.Get(context.Background(), "missing")
	require.NoError(t, err)
	require.False(t, found)
}

func TestSetWritesPXExpiry(t *testing.T) {
	addr, log := startRedisStub(t, []string{"+OK\r\n"})
	client := stubClient(t, addr)

	require.NoError(t, client.Set(context.Background(), "greeting", []byte("hello"), 2*time.Second))

	cmds := log.all()
	require.Len(t, cmds, 1)
	require.Equal(t, []string{"SET", "dealerpulse:greeting", "hello", "PX", "2000"}, cmds[0])
}

func TestServerErrorKeepsConnection(t *testing.T) {
	// The stub accepts a single connection; the second command succeeding
	// proves an -ERR reply does not force a redial.
	addr, _ := startRedisStub(t, []string{"-ERR wrong kind of value\r\n", ":2\r\n"})
	client := stubClient(t, addr)

	_, _, err := client.IncrementWithTTL(context.Background(), "greeting", time.Minute)
	require.ErrorContains(t, err, "wrong kind of value")

	count, _, err := client.IncrementWithTTL(context.Background(), "rate:x:hour", time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, 2, count)
}

func TestHandshakeAuthenticatesAndSelects(t *testing.T) {
	addr, log := startRedisStub(t, []string{"+OK\r\n", "+OK\r\n", ":1\r\n"})

	client, err := NewRedisClient(RedisConfig{Address: addr, Password: "hunter2", DB: 2, Timeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	_, err = client.commandInt(context.Background(), "INCR", client.prefixed("rate:x"))
	require.NoError(t, err)

	cmds := log.all()
	require.Len(t, cmds, 3)
	require.Equal(t, []string{"AUTH", "hunter2"}, cmds[0])
	require.Equal(t, []string{"SELECT", "2"}, cmds[1])
}
