package outswitch

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSelector struct {
	err        error
	delay      time.Duration
	substrings []string
	lock       sync.Mutex
}

func (s *recordingSelector) SelectByName(_ context.Context, substring string) (AudioDevice, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	s.substrings = append(s.substrings, substring)
	if s.err != nil {
		return AudioDevice{}, s.err
	}

	return AudioDevice{ID: "{id}", Name: substring}, nil
}

func (s *recordingSelector) calls() []string {
	s.lock.Lock()
	defer s.lock.Unlock()

	return append([]string(nil), s.substrings...)
}

func startTestToolServer(t *testing.T, selector remoteSelector) *ToolServer {
	t.Helper()

	srv := NewToolServer(testLogger(), selector, DefaultAliases(), "127.0.0.1:0")
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)

	return srv
}

type testClient struct {
	conn    net.Conn
	scanner *bufio.Scanner
	nextID  int
}

func dialToolServer(t *testing.T, srv *ToolServer) *testClient {
	t.Helper()

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	return &testClient{conn: conn, scanner: bufio.NewScanner(conn)}
}

func (c *testClient) sendRaw(t *testing.T, line string) {
	t.Helper()

	_, err := fmt.Fprintln(c.conn, line)
	require.NoError(t, err)
}

func (c *testClient) readResponse(t *testing.T) JSONRPCResponse {
	t.Helper()

	require.True(t, c.scanner.Scan(), "expected a response line: %v", c.scanner.Err())

	var response JSONRPCResponse
	require.NoError(t, json.Unmarshal(c.scanner.Bytes(), &response))
	assert.Equal(t, jsonRPCVersion, response.JSONRPC)

	return response
}

func (c *testClient) call(t *testing.T, method string, params any) JSONRPCResponse {
	t.Helper()

	c.nextID++
	request := map[string]any{"jsonrpc": "2.0", "id": c.nextID, "method": method}
	if params != nil {
		request["params"] = params
	}

	line, err := json.Marshal(request)
	require.NoError(t, err)

	c.sendRaw(t, string(line))
	response := c.readResponse(t)
	assert.JSONEq(t, fmt.Sprintf("%d", c.nextID), string(response.ID))

	return response
}

func (c *testClient) changeAudioDevice(t *testing.T, option string) ToolOutcome {
	t.Helper()

	response := c.call(t, "tools/call", map[string]any{
		"name":      toolChangeAudioDevice,
		"arguments": map[string]any{"tool": "audio", "option": option},
	})
	require.Nil(t, response.Error)

	return decodeOutcome(t, response)
}

func decodeOutcome(t *testing.T, response JSONRPCResponse) ToolOutcome {
	t.Helper()

	raw, err := json.Marshal(response.Result)
	require.NoError(t, err)

	var result struct {
		Content []MCPContentBlock `json:"content"`
		IsError bool              `json:"isError"`
	}
	require.NoError(t, json.Unmarshal(raw, &result))
	require.Len(t, result.Content, 1)

	var outcome ToolOutcome
	require.NoError(t, json.Unmarshal([]byte(result.Content[0].Text), &outcome))
	assert.Equal(t, outcome.Error != "", result.IsError)

	return outcome
}

func TestToolServerInitialize(t *testing.T) {
	srv := NewToolServer(testLogger(), &recordingSelector{}, DefaultAliases(), "127.0.0.1:0")
	srv.SetVersion("1.2.3")
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)

	client := dialToolServer(t, srv)

	response := client.call(t, "initialize", map[string]any{"protocolVersion": mcpProtocolVersion})
	require.Nil(t, response.Error)

	raw, err := json.Marshal(response.Result)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"protocolVersion":"2024-11-05","serverInfo":{"name":"outswitch","version":"1.2.3"},"capabilities":{"tools":{}}}`,
		string(raw))
}

func TestToolServerListsTool(t *testing.T) {
	client := dialToolServer(t, startTestToolServer(t, &recordingSelector{}))

	response := client.call(t, "tools/list", nil)
	require.Nil(t, response.Error)

	raw, err := json.Marshal(response.Result)
	require.NoError(t, err)

	var result MCPToolsListResult
	require.NoError(t, json.Unmarshal(raw, &result))
	require.Len(t, result.Tools, 1)
	assert.Equal(t, toolChangeAudioDevice, result.Tools[0].Name)

	properties := result.Tools[0].InputSchema["properties"].(map[string]any)
	option := properties["option"].(map[string]any)
	assert.ElementsMatch(t, []any{"headphones", "usb speaker"}, option["enum"])
	assert.Equal(t, []any{"option"}, result.Tools[0].InputSchema["required"])
}

func TestToolServerChangesDeviceByAlias(t *testing.T) {
	selector := &recordingSelector{}
	client := dialToolServer(t, startTestToolServer(t, selector))

	assert.Equal(t, ToolOutcome{Result: "ok"}, client.changeAudioDevice(t, "headphones"))
	assert.Equal(t, ToolOutcome{Result: "ok"}, client.changeAudioDevice(t, "usb speaker"))

	assert.Equal(t, []string{"headphone", "usb speaker"}, selector.calls())
}

func TestToolServerRejectsUnknownOption(t *testing.T) {
	selector := &recordingSelector{}
	client := dialToolServer(t, startTestToolServer(t, selector))

	assert.Equal(t, ToolOutcome{Error: errInvalidToolOrOption}, client.changeAudioDevice(t, "bogus"))
	assert.Equal(t, ToolOutcome{Error: errInvalidToolOrOption}, client.changeAudioDevice(t, ""))
	assert.Equal(t, ToolOutcome{Error: errInvalidToolOrOption}, client.changeAudioDevice(t, "HEADPHONES"))
	assert.Empty(t, selector.calls())
}

func TestToolServerReportsSelectorError(t *testing.T) {
	selector := &recordingSelector{err: fmt.Errorf("%w: name or id contains \"headphone\"", ErrNoMatchFound)}
	client := dialToolServer(t, startTestToolServer(t, selector))

	outcome := client.changeAudioDevice(t, "headphones")

	assert.Empty(t, outcome.Result)
	assert.Contains(t, outcome.Error, ErrNoMatchFound.Error())
}

func TestToolServerUnknownTool(t *testing.T) {
	selector := &recordingSelector{}
	client := dialToolServer(t, startTestToolServer(t, selector))

	response := client.call(t, "tools/call", map[string]any{"name": "format_disk", "arguments": map[string]any{"option": "headphones"}})

	require.NotNil(t, response.Error)
	assert.Equal(t, jsonRPCInvalidParams, response.Error.Code)
	assert.Empty(t, selector.calls())
}

func TestToolServerUnknownMethod(t *testing.T) {
	client := dialToolServer(t, startTestToolServer(t, &recordingSelector{}))

	response := client.call(t, "resources/list", nil)

	require.NotNil(t, response.Error)
	assert.Equal(t, jsonRPCMethodNotFound, response.Error.Code)
}

func TestToolServerSurvivesMalformedInput(t *testing.T) {
	selector := &recordingSelector{}
	client := dialToolServer(t, startTestToolServer(t, selector))

	client.sendRaw(t, `{"jsonrpc": "2.0", "id": 1, "method": `)
	response := client.readResponse(t)
	require.NotNil(t, response.Error)
	assert.Equal(t, jsonRPCParseError, response.Error.Code)
	assert.Equal(t, "null", string(response.ID))

	assert.Equal(t, ToolOutcome{Result: "ok"}, client.changeAudioDevice(t, "headphones"))
}

func TestToolServerSurvivesOversizedRequest(t *testing.T) {
	selector := &recordingSelector{}
	client := dialToolServer(t, startTestToolServer(t, selector))

	client.sendRaw(t, strings.Repeat("x", maxRequestSize+10))
	response := client.readResponse(t)
	require.NotNil(t, response.Error)
	assert.Equal(t, jsonRPCParseError, response.Error.Code)

	// the connection keeps serving after the oversized line was discarded
	ping := client.call(t, "ping", nil)
	assert.Nil(t, ping.Error)

	assert.Equal(t, ToolOutcome{Result: "ok"}, client.changeAudioDevice(t, "headphones"))
	assert.Equal(t, []string{"headphone"}, selector.calls())
}

func TestReadRequestLine(t *testing.T) {
	input := "first\n" + strings.Repeat("y", maxRequestSize+1) + "\nsecond\nlast"
	reader := bufio.NewReaderSize(strings.NewReader(input), 16)

	line, err := readRequestLine(reader)
	require.NoError(t, err)
	assert.Equal(t, "first\n", string(line))

	_, err = readRequestLine(reader)
	assert.ErrorIs(t, err, bufio.ErrTooLong)

	line, err = readRequestLine(reader)
	require.NoError(t, err)
	assert.Equal(t, "second\n", string(line))

	line, err = readRequestLine(reader)
	require.NoError(t, err)
	assert.Equal(t, "last", string(line))

	_, err = readRequestLine(reader)
	assert.ErrorIs(t, err, io.EOF)
}

func TestToolServerIgnoresNotifications(t *testing.T) {
	client := dialToolServer(t, startTestToolServer(t, &recordingSelector{}))

	client.sendRaw(t, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)

	// the next response must belong to the ping, not the notification
	response := client.call(t, "ping", nil)
	assert.Nil(t, response.Error)
}

func TestToolServerServesConcurrentConnections(t *testing.T) {
	selector := &recordingSelector{delay: 20 * time.Millisecond}
	srv := startTestToolServer(t, selector)

	const clients = 8

	var wg sync.WaitGroup
	outcomes := make([]ToolOutcome, clients)

	for i := 0; i < clients; i++ {
		client := dialToolServer(t, srv)

		wg.Add(1)
		go func(i int, client *testClient) {
			defer wg.Done()

			line, err := json.Marshal(map[string]any{
				"jsonrpc": "2.0", "id": i, "method": "tools/call",
				"params": map[string]any{"name": toolChangeAudioDevice, "arguments": map[string]any{"option": "headphones"}},
			})
			if err != nil {
				return
			}

			if _, err := fmt.Fprintln(client.conn, string(line)); err != nil {
				return
			}

			if !client.scanner.Scan() {
				return
			}

			var response JSONRPCResponse
			if err := json.Unmarshal(client.scanner.Bytes(), &response); err != nil {
				return
			}

			raw, err := json.Marshal(response.Result)
			if err != nil {
				return
			}

			var result struct {
				StructuredContent ToolOutcome `json:"structuredContent"`
			}
			if json.Unmarshal(raw, &result) == nil {
				outcomes[i] = result.StructuredContent
			}
		}(i, client)
	}

	wg.Wait()

	for i, outcome := range outcomes {
		assert.Equal(t, ToolOutcome{Result: "ok"}, outcome, "client %d", i)
	}
	assert.Len(t, selector.calls(), clients)
}

func TestToolServerStop(t *testing.T) {
	srv := NewToolServer(testLogger(), &recordingSelector{}, DefaultAliases(), "127.0.0.1:0")
	require.NoError(t, srv.Start())
	assert.True(t, srv.IsRunning())

	client := dialToolServer(t, srv)
	client.call(t, "ping", nil)

	address := srv.Addr().String()
	srv.Stop()

	assert.False(t, srv.IsRunning())
	select {
	case <-srv.Done():
	default:
		t.Fatal("accept loop still running after Stop")
	}

	// idle connections are closed
	assert.False(t, client.scanner.Scan())

	_, err := net.DialTimeout("tcp", address, 200*time.Millisecond)
	assert.Error(t, err)

	// stopping twice is harmless
	srv.Stop()
}

func TestToolServerStopLetsInFlightRequestFinish(t *testing.T) {
	selector := &recordingSelector{delay: 200 * time.Millisecond}
	srv := NewToolServer(testLogger(), selector, DefaultAliases(), "127.0.0.1:0")
	require.NoError(t, srv.Start())

	client := dialToolServer(t, srv)
	client.sendRaw(t, `{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"change_audio_device","arguments":{"option":"headphones"}}}`)

	// give the handler time to pick the request up
	time.Sleep(50 * time.Millisecond)
	srv.Stop()

	response := client.readResponse(t)
	assert.Equal(t, ToolOutcome{Result: "ok"}, decodeOutcome(t, response))
}

func TestToolServerBindFailure(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer occupied.Close()

	srv := NewToolServer(testLogger(), &recordingSelector{}, DefaultAliases(), occupied.Addr().String())

	assert.Error(t, srv.Start())
	assert.False(t, srv.IsRunning())
}
