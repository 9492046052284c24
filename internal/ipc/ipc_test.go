package ipc_test

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/jroosing/hydracurve/internal/ipc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, flush ipc.FlushFunc) string {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "test.sock")
	s := ipc.NewServer(sock, flush, nil)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return sock
}

func sendCommand(t *testing.T, sock, cmd string) string {
	t.Helper()
	var conn net.Conn
	var err error
	for i := 0; i < 20; i++ {
		conn, err = net.Dial("unix", sock)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, err)
	defer conn.Close()

	fmt.Fprintln(conn, cmd)
	reply, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	return reply
}

func TestIPC_FlushAll(t *testing.T) {
	var gotName string
	sock := startServer(t, func(name string) int {
		gotName = name
		return 3
	})

	reply := sendCommand(t, sock, "flush")
	assert.Contains(t, reply, "OK flushed 3")
	assert.Equal(t, "", gotName)
}

func TestIPC_FlushByName(t *testing.T) {
	var gotName string
	sock := startServer(t, func(name string) int {
		gotName = name
		return 1
	})

	reply := sendCommand(t, sock, "flush example.com")
	assert.Contains(t, reply, "OK flushed 1")
	assert.Equal(t, "example.com", gotName)
}

func TestIPC_UnknownCommand(t *testing.T) {
	sock := startServer(t, func(name string) int { return 0 })
	reply := sendCommand(t, sock, "bogus")
	assert.Contains(t, reply, "ERR unknown command")
}

func TestIPC_FlushUnsupportedWhenNilFunc(t *testing.T) {
	sock := startServer(t, nil)
	reply := sendCommand(t, sock, "flush")
	assert.Contains(t, reply, "ERR flush not supported")
}
