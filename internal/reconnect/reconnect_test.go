package reconnect

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mydia/remoteaccess/internal/crypto"
	"github.com/mydia/remoteaccess/internal/wire"
)

func TestDecodeKey32RejectsWrongLength(t *testing.T) {
	_, err := decodeKey32(base64.StdEncoding.EncodeToString([]byte("short")))
	require.Error(t, err)
}

func TestDecodeKey32RejectsMalformedBase64(t *testing.T) {
	_, err := decodeKey32("not valid base64!!")
	require.Error(t, err)
}

func TestProcessKeyExchangeMalformedPayload(t *testing.T) {
	serverKeys, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	h := &Handler{deps: Deps{ServerKeys: serverKeys}}

	_, reason, err := h.processKeyExchange(json.RawMessage(`not json`))
	require.Error(t, err)
	require.Equal(t, wire.ReasonInvalidMessage, reason)
}

func TestNewHandlerGeneratesDistinctEphemeralKeys(t *testing.T) {
	serverKeys, err := crypto.GenerateKeypair()
	require.NoError(t, err)

	h1, err := NewHandler(Deps{ServerKeys: serverKeys})
	require.NoError(t, err)
	h2, err := NewHandler(Deps{ServerKeys: serverKeys})
	require.NoError(t, err)

	require.NotEqual(t, h1.ephemeral.Private, h2.ephemeral.Private)
}
