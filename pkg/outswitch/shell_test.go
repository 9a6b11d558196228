package outswitch

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestShell() (*Shell, *fakeBridge, *bytes.Buffer) {
	selector, _, bridge := newTestSelector(testDevices)
	out := &bytes.Buffer{}

	return NewShell(testLogger(), selector, out), bridge, out
}

func TestShellList(t *testing.T) {
	shell, _, out := newTestShell()

	quit, err := shell.Execute(context.Background(), "list")
	require.NoError(t, err)
	assert.False(t, quit)

	assert.Contains(t, out.String(), "{0.0.0.00000000}.{bbb}: Headphones (USB Headphone Set)\n")
}

func TestShellListJSON(t *testing.T) {
	shell, _, out := newTestShell()

	_, err := shell.Execute(context.Background(), "ls --json")
	require.NoError(t, err)

	assert.Contains(t, out.String(), `"name": "Headphones (USB Headphone Set)"`)
}

func TestShellUseQuotedSubstring(t *testing.T) {
	shell, bridge, out := newTestShell()

	_, err := shell.Execute(context.Background(), `use "bluetooth headphone"`)
	require.NoError(t, err)

	assert.Equal(t, []string{testDevices[2].ID}, bridge.commits())
	assert.Contains(t, out.String(), "default output is now")
}

func TestShellUseJoinsWords(t *testing.T) {
	shell, bridge, _ := newTestShell()

	_, err := shell.Execute(context.Background(), "use usb headphone")
	require.NoError(t, err)

	assert.Equal(t, []string{testDevices[1].ID}, bridge.commits())
}

func TestShellSelectByID(t *testing.T) {
	shell, bridge, _ := newTestShell()

	_, err := shell.Execute(context.Background(), "id {0.0.0.00000000}.{ccc}")
	require.NoError(t, err)

	assert.Equal(t, []string{testDevices[2].ID}, bridge.commits())
}

func TestShellDefault(t *testing.T) {
	shell, _, out := newTestShell()

	_, err := shell.Execute(context.Background(), "default")
	require.NoError(t, err)

	assert.Equal(t, testDevices[0].ID+"\n", out.String())
}

func TestShellErrors(t *testing.T) {
	shell, bridge, _ := newTestShell()

	for _, line := range []string{"use", "id", "id a b", "use hdmi", "frobnicate", `use "unterminated`} {
		_, err := shell.Execute(context.Background(), line)
		assert.Error(t, err, line)
	}

	assert.Empty(t, bridge.commits())
}

func TestShellExit(t *testing.T) {
	shell, _, _ := newTestShell()

	for _, line := range []string{"exit", "QUIT"} {
		quit, err := shell.Execute(context.Background(), line)
		require.NoError(t, err)
		assert.True(t, quit, line)
	}

	quit, err := shell.Execute(context.Background(), "   ")
	require.NoError(t, err)
	assert.False(t, quit)
}
