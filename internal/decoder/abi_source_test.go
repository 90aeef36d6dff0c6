package decoder

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	notaryerrors "notary/internal/errors"
)

const transferABI = `[{"type":"event","name":"Transfer","anonymous":false,"inputs":[` +
	`{"name":"from","type":"address","indexed":true},` +
	`{"name":"to","type":"address","indexed":true},` +
	`{"name":"value","type":"uint256","indexed":false}]}]`

func TestNormalizeABI(t *testing.T) {
	got, err := NormalizeABI("  " + transferABI + "\n")
	require.NoError(t, err)
	assert.Equal(t, transferABI, got)

	got, err = NormalizeABI(`{"contractName":"Token","abi":` + transferABI + `}`)
	require.NoError(t, err)
	assert.Equal(t, transferABI, got)

	codec, err := NewEventCodec(got)
	require.NoError(t, err)
	_, err = codec.Event("Transfer")
	assert.NoError(t, err)

	for _, bad := range []string{"", "Transfer(address,address,uint256)", `{"bytecode":"0x00"}`, `{broken`} {
		_, err := NormalizeABI(bad)
		assert.True(t, notaryerrors.IsType(err, notaryerrors.ErrorTypeInvalidInput), "input %q", bad)
	}
}

func TestLoadABI(t *testing.T) {
	got, err := LoadABI(transferABI)
	require.NoError(t, err)
	assert.Equal(t, transferABI, got)

	path := filepath.Join(t.TempDir(), "Token.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"abi":`+transferABI+`}`), 0o644))
	got, err = LoadABI(path)
	require.NoError(t, err)
	assert.Equal(t, transferABI, got)

	_, err = LoadABI(filepath.Join(t.TempDir(), "missing.json"))
	assert.True(t, notaryerrors.IsType(err, notaryerrors.ErrorTypeInvalidInput))
}
