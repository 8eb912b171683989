package carrier

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func init() {
	// Shrink the retry backoff for the test run; production behavior is
	// unaffected since this package is only ever imported by tests here.
	retryBackoff = []time.Duration{time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond}
}

type retryableErr struct{ msg string }

func (e retryableErr) Error() string   { return e.msg }
func (e retryableErr) Retryable() bool { return true }

type fakeTransport struct {
	calls            int
	failUntilAttempt int
	ensureCalls      int
	lastToken        string
	respond          []byte
	finalErr         error
}

func (f *fakeTransport) Do(ctx context.Context, body []byte, token string) ([]byte, error) {
	f.calls++
	f.lastToken = token
	if f.calls <= f.failUntilAttempt {
		return nil, retryableErr{msg: "connection dropped"}
	}
	if f.finalErr != nil {
		return nil, f.finalErr
	}
	return f.respond, nil
}

func (f *fakeTransport) EnsureConnected(ctx context.Context) error {
	f.ensureCalls++
	return nil
}

func TestExecuteAttachesCurrentToken(t *testing.T) {
	transport := &fakeTransport{respond: []byte(`{"data":{"library":[]}}`)}
	c := New(transport, func() string { return "media-token-1" })

	resp, err := c.Execute(context.Background(), Operation{Query: "query { library { id } }"})
	require.NoError(t, err)
	require.NotNil(t, resp.Data)
	require.Equal(t, "media-token-1", transport.lastToken)
	require.Equal(t, 1, transport.calls)
}

func TestExecuteRetriesTransportErrorsAndSucceeds(t *testing.T) {
	transport := &fakeTransport{failUntilAttempt: 2, respond: []byte(`{"data":{"ok":true}}`)}
	c := New(transport, func() string { return "tok" })

	resp, err := c.Execute(context.Background(), Operation{Query: "query { ok }"})
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(resp.Data))
	require.Equal(t, 3, transport.calls)
	require.Equal(t, 2, transport.ensureCalls)
}

func TestExecuteDoesNotRetryApplicationErrors(t *testing.T) {
	payload, _ := json.Marshal(Response{Errors: []ResponseError{{Message: "not found"}}})
	transport := &fakeTransport{respond: payload}
	c := New(transport, func() string { return "tok" })

	resp, err := c.Execute(context.Background(), Operation{Query: "query { missing }"})
	require.NoError(t, err)
	require.Len(t, resp.Errors, 1)
	require.Equal(t, "not found", resp.Errors[0].Message)
	require.Equal(t, 1, transport.calls)
}

func TestExecuteGivesUpAfterExhaustingRetries(t *testing.T) {
	transport := &fakeTransport{failUntilAttempt: 10}
	c := New(transport, func() string { return "tok" })

	_, err := c.Execute(context.Background(), Operation{Query: "query { ok }"})
	require.Error(t, err)
	require.Equal(t, maxRetries+1, transport.calls)
}

func TestExecuteDoesNotRetryNonRetryableTransportError(t *testing.T) {
	transport := &fakeTransport{finalErr: errors.New("malformed request rejected")}
	c := New(transport, func() string { return "tok" })

	_, err := c.Execute(context.Background(), Operation{Query: "query { ok }"})
	require.Error(t, err)
	require.Equal(t, 1, transport.calls)
}
