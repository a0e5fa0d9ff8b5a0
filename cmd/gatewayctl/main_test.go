package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"querygate/pkg/tenants"
)

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(strings.NewReader(stdin), &out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return strings.TrimSpace(out.String()), err
}

func TestKeygenEncryptDecrypt(t *testing.T) {
	key, err := run(t, "", "keygen")
	require.NoError(t, err)
	require.NotEmpty(t, key)

	sealed, err := run(t, "", "encrypt", "--key", key, "client-secret")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "client-secret")

	plain, err := run(t, sealed+"\n", "decrypt", "--key", key)
	require.NoError(t, err)
	assert.Equal(t, "client-secret", plain)

	other, err := run(t, "", "keygen")
	require.NoError(t, err)
	_, err = run(t, "", "decrypt", "--key", other, sealed)
	assert.Error(t, err)
}

func TestEncryptRequiresKey(t *testing.T) {
	t.Setenv("VAULT_MASTER_KEY", "")
	_, err := run(t, "", "encrypt", "--key", "", "x")
	assert.Error(t, err)
}

func TestHashSecret(t *testing.T) {
	h, err := run(t, "", "hash-secret", "SK1")
	require.NoError(t, err)
	assert.True(t, tenants.VerifySecret("SK1", h))
}

func TestParse(t *testing.T) {
	out, err := run(t, "", "parse", "SELECT * FROM Orders WHERE Status = 'Open' AND Qty > 5 LIMIT 10")
	require.NoError(t, err)
	var doc struct {
		Conditions []map[string]any `json:"conditions"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &doc))
	assert.Len(t, doc.Conditions, 2)

	out, err = run(t, "", "parse", "--params", "Status = 'Open'")
	require.NoError(t, err)
	var params map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &params))
	assert.Equal(t, "Open", params["Status"])
}
