package deltachat

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectAccountPicksFirstConfigured(t *testing.T) {
	client, server := newTestClient(t)
	server.results["get_all_account_ids"] = []int64{3}
	server.results["is_configured"] = true

	id, err := client.SelectAccount(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), id)
}

func TestSelectAccountNoneConfigured(t *testing.T) {
	client, server := newTestClient(t)
	server.results["get_all_account_ids"] = []int64{}

	_, err := client.SelectAccount(context.Background(), 0)
	require.ErrorIs(t, err, ErrNoAccount)
}

func TestSelectAccountExplicitUnconfigured(t *testing.T) {
	client, server := newTestClient(t)
	server.results["is_configured"] = false

	_, err := client.SelectAccount(context.Background(), 5)
	require.ErrorIs(t, err, ErrNoAccount)

	var accountID int64
	decodeParam(t, server.last(t, "is_configured").Params[0], &accountID)
	assert.Equal(t, int64(5), accountID)
}

func TestInitAccount(t *testing.T) {
	client, server := newTestClient(t)
	server.results["add_account"] = 4

	id, err := client.InitAccount(context.Background(), "dcaccount:example.org", "Bridge")
	require.NoError(t, err)
	assert.Equal(t, int64(4), id)
	assert.Equal(t, []string{"add_account", "set_config", "set_config", "add_transport_from_qr"}, server.methods())

	var qr string
	decodeParam(t, server.last(t, "add_transport_from_qr").Params[1], &qr)
	assert.Equal(t, "dcaccount:example.org", qr)

	var key, value string
	call := server.last(t, "set_config")
	decodeParam(t, call.Params[1], &key)
	decodeParam(t, call.Params[2], &value)
	assert.Equal(t, "displayname", key)
	assert.Equal(t, "Bridge", value)
}

func TestConfigureWithoutDisplayName(t *testing.T) {
	client, server := newTestClient(t)

	require.NoError(t, client.Configure(context.Background(), 1, ""))
	assert.Equal(t, []string{"set_config"}, server.methods())
}

func TestStartRequiresAccountsDir(t *testing.T) {
	_, err := Start(context.Background(), Config{RPCServer: "deltachat-rpc-server"})
	require.Error(t, err)
}
