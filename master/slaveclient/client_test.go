package slaveclient_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toxicbuild/master/master/slaveclient"
)

// fakeSlave is a minimal stand-in for the worker daemon: it accepts one connection, reads one
// request line, and writes back whatever frames the test configured.
func fakeSlave(t *testing.T, handle func(req map[string]interface{}, w *bufio.Writer)) (host string, port int, stop func()) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		scanner := bufio.NewScanner(conn)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		if !scanner.Scan() {
			return
		}
		var req map[string]interface{}
		_ = json.Unmarshal(scanner.Bytes(), &req)
		w := bufio.NewWriter(conn)
		handle(req, w)
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port, func() { ln.Close() }
}

func writeFrame(t *testing.T, w *bufio.Writer, body map[string]interface{}) {
	data, err := json.Marshal(map[string]interface{}{"body": body})
	require.NoError(t, err)
	_, err = w.Write(append(data, '\n'))
	require.NoError(t, err)
	require.NoError(t, w.Flush())
}

func writeEmptyFrame(t *testing.T, w *bufio.Writer) {
	_, err := w.Write([]byte("\n"))
	require.NoError(t, err)
	require.NoError(t, w.Flush())
}

func TestHealthcheckSuccess(t *testing.T) {
	host, port, stop := fakeSlave(t, func(req map[string]interface{}, w *bufio.Writer) {
		assert.Equal(t, "healthcheck", req["action"])
		writeFrame(t, w, map[string]interface{}{"ok": true})
	})
	defer stop()

	client := slaveclient.New(slaveclient.Config{Host: host, Port: port})
	err := client.Healthcheck(context.Background())
	require.NoError(t, err)
}

func TestHealthcheckEmptyResponseIsClientProtocolError(t *testing.T) {
	host, port, stop := fakeSlave(t, func(req map[string]interface{}, w *bufio.Writer) {
		writeEmptyFrame(t, w)
	})
	defer stop()

	client := slaveclient.New(slaveclient.Config{Host: host, Port: port})
	err := client.Healthcheck(context.Background())
	require.Error(t, err)
}

func TestListBuilders(t *testing.T) {
	host, port, stop := fakeSlave(t, func(req map[string]interface{}, w *bufio.Writer) {
		assert.Equal(t, "list_builders", req["action"])
		writeFrame(t, w, map[string]interface{}{"builders": []string{"build", "test"}})
	})
	defer stop()

	client := slaveclient.New(slaveclient.Config{Host: host, Port: port})
	builders, err := client.ListBuilders(context.Background(), slaveclient.ListBuildersRequest{
		RepoURL: "https://example.com/repo.git",
		Branch:  "master",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"build", "test"}, builders)
}

func TestBuildStreamsFramesUntilEmpty(t *testing.T) {
	host, port, stop := fakeSlave(t, func(req map[string]interface{}, w *bufio.Writer) {
		assert.Equal(t, "build", req["action"])
		writeFrame(t, w, map[string]interface{}{"info_type": "build_info", "status": "running"})
		writeFrame(t, w, map[string]interface{}{"info_type": "step_info", "uuid": "s1", "status": "running"})
		writeEmptyFrame(t, w)
	})
	defer stop()

	client := slaveclient.New(slaveclient.Config{Host: host, Port: port})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	frames, err := client.Build(ctx, slaveclient.BuildRequest{BuildUUID: "b1"})
	require.NoError(t, err)

	var got []slaveclient.InfoType
	for f := range frames {
		got = append(got, f.InfoType)
	}
	assert.Equal(t, []slaveclient.InfoType{slaveclient.InfoTypeBuildInfo, slaveclient.InfoTypeStepInfo}, got)
}
