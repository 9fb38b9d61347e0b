package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tiancaiamao/acp/pkg/config"
	"github.com/tiancaiamao/acp/pkg/protocol"
	"github.com/tiancaiamao/acp/pkg/session"
)

func TestSessionsCommand(t *testing.T) {
	dir := t.TempDir()
	store := session.NewStore(dir, nil)
	_, err := store.Create(t.TempDir(), nil)
	require.NoError(t, err)

	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"sessions", "--json", "--sessions-dir", dir, "--config", filepath.Join(t.TempDir(), "none.toml")})
	require.NoError(t, cmd.ExecuteContext(context.Background()))

	var got []session.Summary
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.Len(t, got, 1)

	out.Reset()
	cmd = newRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"sessions", "--sessions-dir", t.TempDir(), "--config", filepath.Join(t.TempDir(), "none.toml")})
	require.NoError(t, cmd.ExecuteContext(context.Background()))
	assert.Equal(t, "no sessions\n", out.String())
}

func TestSessionsDeleteCommand(t *testing.T) {
	dir := t.TempDir()
	sess, err := session.NewStore(dir, nil).Create(t.TempDir(), nil)
	require.NoError(t, err)
	configPath := filepath.Join(t.TempDir(), "none.toml")

	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"sessions", "delete", sess.ID(), "--sessions-dir", dir, "--config", configPath})
	require.NoError(t, cmd.ExecuteContext(context.Background()))
	assert.Equal(t, "deleted "+sess.ID()+"\n", out.String())
	assert.NoFileExists(t, filepath.Join(dir, sess.ID()+".json"))

	cmd = newRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"sessions", "delete", sess.ID(), "--sessions-dir", dir, "--config", configPath})
	assert.ErrorIs(t, cmd.ExecuteContext(context.Background()), session.ErrNotFound)
}

func TestSessionsDirFromFileAndFlag(t *testing.T) {
	fromFile := t.TempDir()
	_, err := session.NewStore(fromFile, nil).Create(t.TempDir(), nil)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("sessions_dir = \""+fromFile+"\"\n[log]\nlevel = \"warn\"\n"), 0o644))

	list := func(args ...string) []session.Summary {
		var out bytes.Buffer
		cmd := newRootCommand()
		cmd.SetOut(&out)
		cmd.SetArgs(append([]string{"sessions", "--json", "--config", path}, args...))
		require.NoError(t, cmd.ExecuteContext(context.Background()))
		var got []session.Summary
		require.NoError(t, json.Unmarshal(out.Bytes(), &got))
		return got
	}
	assert.Len(t, list(), 1)
	assert.Empty(t, list("--sessions-dir", t.TempDir()))
}

func TestServeEndsOnEOF(t *testing.T) {
	cfg := config.Default()
	cfg.SessionsDir = t.TempDir()
	cfg.Log.File = filepath.Join(t.TempDir(), "acp.log")

	req := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":1,"clientCapabilities":{"fs":{}}}}` + "\n"
	var out bytes.Buffer
	require.NoError(t, serve(context.Background(), cfg, "", strings.NewReader(req), &out))

	var resp struct {
		ID     int                       `json:"id"`
		Result protocol.InitializeResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	assert.Equal(t, 1, resp.ID)
	assert.Equal(t, protocol.Version, resp.Result.ProtocolVersion)

	logs, err := os.ReadFile(cfg.Log.File)
	require.NoError(t, err)
	assert.Contains(t, string(logs), "shutdown complete")
}
