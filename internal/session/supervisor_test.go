// ABOUTME: Tests for the per-tenant supervisor state machine
// ABOUTME: Drives the fake driver through pairing, open, close reasons, messages and commands

package session

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relay-gateway/internal/credstore"
	"github.com/2389/relay-gateway/internal/protocol"
)

func TestStart_OpensAndRegistersHandle(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.m.Start(t.Context(), "u1", h.client))
	conn := h.nextConn(t)
	assert.Empty(t, conn.Creds, "first start has no stored credentials")

	_, ok := h.m.Registry().Get("u1")
	assert.False(t, ok, "handle must not be registered before it opens")

	conn.Emit(protocol.Opened{SelfID: "u1@net"})
	h.client.waitFor(t, "connected")

	got, ok := h.m.Registry().Get("u1")
	require.True(t, ok)
	assert.Same(t, conn, got)

	rec, ok := h.m.Session("u1")
	require.True(t, ok)
	assert.Equal(t, StateOpen, rec.State)
	assert.Equal(t, "u1@net", rec.SelfID)
}

func TestPairingArtifactsAreForwardedEachTime(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.m.Start(t.Context(), "u1", h.client))
	conn := h.nextConn(t)

	conn.Emit(protocol.PairingArtifact{Code: "code-1"})
	first := h.client.waitFor(t, "qr").(PairingCode)
	assert.Equal(t, "code-1", first.Code)
	assert.True(t, strings.HasPrefix(first.Image, "data:image/png;base64,"))

	rec, _ := h.m.Session("u1")
	assert.Equal(t, StateAwaitingPairing, rec.State)
	assert.Equal(t, "code-1", rec.LastPairingCode)

	conn.Emit(protocol.PairingArtifact{Code: "code-2"})
	second := h.client.waitFor(t, "qr").(PairingCode)
	assert.Equal(t, "code-2", second.Code)
	assert.Equal(t, 2, h.client.count("qr"))
}

func TestCredentialsUpdatedArePersisted(t *testing.T) {
	h := newHarness(t)
	conn := h.startOpen(t, "u1")

	conn.Emit(protocol.CredentialsUpdated{Material: protocol.Credentials("creds-v1")})
	conn.Emit(protocol.CredentialsUpdated{Material: protocol.Credentials("creds-v2")})

	require.Eventually(t, func() bool {
		got, err := h.creds.Load("u1")
		return err == nil && string(got) == "creds-v2"
	}, waitTimeout, 5*time.Millisecond)
}

func TestClose_LoggedOutIsTerminalAndDeletesCredentials(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.creds.Save("u1", []byte("material")))
	conn := h.startOpen(t, "u1")

	conn.Emit(protocol.Closed{Reason: protocol.ReasonLoggedOut})
	ev := h.client.waitFor(t, "disconnected").(Disconnected)
	assert.Equal(t, DisconnectLoggedOut, ev.Reason)

	h.sessionGone(t, "u1")

	_, ok := h.m.Registry().Get("u1")
	assert.False(t, ok, "registry must not hold a handle after logout")

	_, err := h.creds.Load("u1")
	assert.ErrorIs(t, err, credstore.ErrNotFound)
	assert.Equal(t, 1, h.driver.PurgeCount("u1"))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.driver.OpenCount("u1"), "no reconnect after logout")
}

func TestOpen_UndecodableCredentialsRestartPairing(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.creds.Save("u1", []byte("garbage")))
	h.driver.RejectCredentials(true)

	require.NoError(t, h.m.Start(t.Context(), "u1", h.client))
	conn := h.nextConn(t)
	assert.Empty(t, conn.Creds, "pairing restarts without the rejected material")

	_, err := h.creds.Load("u1")
	assert.ErrorIs(t, err, credstore.ErrNotFound)
	assert.Equal(t, 1, h.driver.PurgeCount("u1"))

	rec, ok := h.m.Session("u1")
	require.True(t, ok)
	assert.Zero(t, rec.Attempts, "rejected credentials must not use the reconnect budget")

	conn.Emit(protocol.PairingArtifact{Code: "fresh-qr"})
	h.client.waitFor(t, "qr")
	assert.Equal(t, 0, h.client.count("disconnected"))
}

func TestClose_ReplacedKeepsCredentialsAndStops(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.creds.Save("u1", []byte("material")))
	conn := h.startOpen(t, "u1")

	conn.Emit(protocol.Closed{Reason: protocol.ReasonReplaced})
	h.client.waitFor(t, "replaced")
	h.sessionGone(t, "u1")

	got, err := h.creds.Load("u1")
	require.NoError(t, err)
	assert.Equal(t, "material", string(got))

	_, ok := h.m.Registry().Get("u1")
	assert.False(t, ok)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.driver.OpenCount("u1"), "no reconnect after replacement")
	assert.Equal(t, 0, h.client.count("disconnected"))
}

func TestClose_TransientReconnectsWithStoredCredentials(t *testing.T) {
	h := newHarness(t)
	conn := h.startOpen(t, "u1")

	conn.Emit(protocol.CredentialsUpdated{Material: protocol.Credentials("persisted")})
	conn.Emit(protocol.Closed{Reason: protocol.ReasonConnectionLost, Err: errors.New("read: connection reset")})

	next := h.nextConn(t)
	assert.Equal(t, "persisted", string(next.Creds))
	assert.True(t, conn.IsClosed())

	_, ok := h.m.Registry().Get("u1")
	assert.False(t, ok, "closed handle must be gone before the new one opens")

	next.Emit(protocol.Opened{})
	h.client.waitFor(t, "connected")

	got, ok := h.m.Registry().Get("u1")
	require.True(t, ok)
	assert.Same(t, next, got)

	_, err := h.creds.Load("u1")
	assert.NoError(t, err)
}

func TestClose_UnknownReasonReconnects(t *testing.T) {
	for _, reason := range []protocol.CloseReason{
		protocol.ReasonUnknown,
		protocol.ReasonRestartRequired,
		protocol.ReasonPairingTimeout,
	} {
		t.Run(reason.String(), func(t *testing.T) {
			h := newHarness(t)
			conn := h.startOpen(t, "u1")

			conn.Emit(protocol.Closed{Reason: reason})
			h.nextConn(t)
			assert.Equal(t, 2, h.driver.OpenCount("u1"))
		})
	}
}

func TestEventStreamEndWithoutCloseReconnects(t *testing.T) {
	h := newHarness(t)
	conn := h.startOpen(t, "u1")

	// Closing locally from the outside ends the stream without a Closed event.
	require.NoError(t, conn.Close())

	h.nextConn(t)
	assert.Equal(t, 2, h.driver.OpenCount("u1"))
}

func TestReconnect_ExhaustionIsTerminal(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Reconnect.MaxAttempts = 2 })
	require.NoError(t, h.creds.Save("u1", []byte("material")))
	conn := h.startOpen(t, "u1")

	h.driver.SetOpenError(errors.New("network unreachable"))
	conn.Emit(protocol.Closed{Reason: protocol.ReasonConnectionLost})

	ev := h.client.waitFor(t, "disconnected").(Disconnected)
	assert.Equal(t, DisconnectExhausted, ev.Reason)
	h.sessionGone(t, "u1")

	_, err := h.creds.Load("u1")
	assert.NoError(t, err, "exhaustion keeps credentials for a later start")
}

func TestReconnect_OpenResetsAttempts(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Reconnect.MaxAttempts = 1 })
	conn := h.startOpen(t, "u1")

	for i := 0; i < 3; i++ {
		conn.Emit(protocol.Closed{Reason: protocol.ReasonConnectionLost})
		conn = h.nextConn(t)
		conn.Emit(protocol.Opened{})
		h.client.waitFor(t, "connected")
	}

	rec, ok := h.m.Session("u1")
	require.True(t, ok)
	assert.Equal(t, StateOpen, rec.State)
	assert.Equal(t, 0, rec.Attempts)
}

func TestInbound_PersistsAndPushes(t *testing.T) {
	h := newHarness(t)
	conn := h.startOpen(t, "u1")

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	conn.Emit(protocol.MessageReceived{Message: protocol.InboundMessage{
		ID:             "m1",
		CounterpartyID: "alice@net",
		SenderName:     "Alice",
		Text:           "hi there",
		Timestamp:      ts,
		Direct:         true,
	}})

	ev := h.client.waitFor(t, "new_message").(NewMessage)
	assert.Equal(t, "alice@net", ev.ContactID)
	assert.Equal(t, "hi there", ev.Message.Text)
	assert.False(t, ev.Message.FromMe)
	assert.True(t, ev.Message.Timestamp.Equal(ts))

	msgs := h.store.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "u1", msgs[0].TenantID)
	assert.Equal(t, "alice@net", msgs[0].ChatID)
	assert.False(t, msgs[0].FromMe)

	chat, err := h.store.GetChat(t.Context(), "u1", "alice@net")
	require.NoError(t, err)
	assert.Equal(t, 1, chat.UnreadCount)
	assert.Equal(t, "Alice", chat.DisplayName)
	assert.Equal(t, "hi there", chat.LastMessage)
}

func TestInbound_SkipsSelfGroupAndDuplicates(t *testing.T) {
	h := newHarness(t)
	conn := h.startOpen(t, "u1")

	msg := func(id string, fromSelf, direct bool) protocol.Event {
		return protocol.MessageReceived{Message: protocol.InboundMessage{
			ID:             id,
			CounterpartyID: "bob@net",
			Text:           id,
			FromSelf:       fromSelf,
			Direct:         direct,
		}}
	}

	conn.Emit(msg("first", false, true))
	conn.Emit(msg("mine", true, true))
	conn.Emit(msg("group", false, false))
	conn.Emit(msg("first", false, true)) // redelivery
	conn.Emit(msg("second", false, true))

	h.client.waitFor(t, "new_message")
	second := h.client.waitFor(t, "new_message").(NewMessage)
	assert.Equal(t, "second", second.Message.Text)

	assert.Len(t, h.store.Messages(), 2)
	assert.Equal(t, 2, h.store.UpsertCount())

	chat, err := h.store.GetChat(t.Context(), "u1", "bob@net")
	require.NoError(t, err)
	assert.Equal(t, 2, chat.UnreadCount)
	assert.Equal(t, "bob", chat.DisplayName, "falls back to the id's local part")
}

func TestInbound_PersistenceFailureStillPushes(t *testing.T) {
	h := newHarness(t)
	conn := h.startOpen(t, "u1")

	h.store.SetAppendError(errors.New("disk full"))
	h.store.SetUpsertError(errors.New("disk full"))

	conn.Emit(protocol.MessageReceived{Message: protocol.InboundMessage{
		ID: "m1", CounterpartyID: "carol@net", Text: "still here", Direct: true,
	}})

	ev := h.client.waitFor(t, "new_message").(NewMessage)
	assert.Equal(t, "still here", ev.Message.Text)

	rec, _ := h.m.Session("u1")
	assert.Equal(t, StateOpen, rec.State, "persistence failures do not affect the connection")
}

func TestSend_Success(t *testing.T) {
	h := newHarness(t)
	conn := h.startOpen(t, "u1")

	require.NoError(t, h.m.SendMessage(t.Context(), "u1", "dave@net", "hello"))

	sent := conn.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "dave@net", sent[0].CounterpartyID)
	assert.Equal(t, "hello", sent[0].Text)

	msgs := h.store.Messages()
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].FromMe)
	assert.Equal(t, "hello", msgs[0].Text)

	chat, err := h.store.GetChat(t.Context(), "u1", "dave@net")
	require.NoError(t, err)
	assert.Equal(t, 0, chat.UnreadCount)
	assert.Equal(t, "hello", chat.LastMessage)
	assert.Equal(t, 0, h.client.count("send_error"))
}

func TestSend_FailureEmitsSendErrorAndPersistsNothing(t *testing.T) {
	h := newHarness(t)
	conn := h.startOpen(t, "u1")
	conn.SetSendError(errors.New("not delivered"))

	err := h.m.SendMessage(t.Context(), "u1", "dave@net", "hello")
	require.Error(t, err)

	ev := h.client.waitFor(t, "send_error").(SendFailed)
	assert.Equal(t, "dave@net", ev.ContactID)
	assert.Empty(t, h.store.Messages())
	assert.Equal(t, 0, h.store.UpsertCount())
	assert.Equal(t, 1, h.client.count("send_error"))
}

func TestSend_RequiresOpenAndText(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.m.Start(t.Context(), "u1", h.client))
	conn := h.nextConn(t)

	err := h.m.SendMessage(t.Context(), "u1", "dave@net", "too early")
	assert.ErrorIs(t, err, ErrNotConnected)
	h.client.waitFor(t, "send_error")

	conn.Emit(protocol.Opened{})
	h.client.waitFor(t, "connected")

	err = h.m.SendMessage(t.Context(), "u1", "dave@net", "")
	assert.ErrorIs(t, err, ErrEmptyMessage)
	ev := h.client.waitFor(t, "send_error").(SendFailed)
	assert.Equal(t, "dave@net", ev.ContactID)

	assert.Empty(t, conn.Sent())
}

func TestCheckRecipient_ValidNumber(t *testing.T) {
	h := newHarness(t)
	conn := h.startOpen(t, "u1")
	conn.SetLookup("15550001111", protocol.LookupResult{Exists: true, CanonicalID: "15550001111@net"})

	res, err := h.m.CheckRecipient(t.Context(), "u1", "+1 (555) 000-1111")
	require.NoError(t, err)
	assert.Equal(t, RecipientCheckResult{Valid: true, JID: "15550001111@net", Number: "15550001111"}, res)

	ev := h.client.waitFor(t, "number_check_result").(RecipientCheckResult)
	assert.Equal(t, res, ev)

	chat, err := h.store.GetChat(t.Context(), "u1", "15550001111@net")
	require.NoError(t, err)
	assert.Equal(t, "15550001111", chat.DisplayName)
}

func TestCheckRecipient_Idempotent(t *testing.T) {
	h := newHarness(t)
	conn := h.startOpen(t, "u1")
	conn.SetLookup("15550001111", protocol.LookupResult{Exists: true, CanonicalID: "15550001111@net"})

	for i := 0; i < 2; i++ {
		res, err := h.m.CheckRecipient(t.Context(), "u1", "+1 (555) 000-1111")
		require.NoError(t, err)
		assert.True(t, res.Valid)
	}

	assert.Equal(t, 1, h.store.ChatCount("u1"))
	chat, err := h.store.GetChat(t.Context(), "u1", "15550001111@net")
	require.NoError(t, err)
	assert.Equal(t, 0, chat.UnreadCount)
}

func TestCheckRecipient_KeepsExistingName(t *testing.T) {
	h := newHarness(t)
	conn := h.startOpen(t, "u1")
	conn.SetLookup("15550001111", protocol.LookupResult{Exists: true, CanonicalID: "15550001111@net"})

	conn.Emit(protocol.MessageReceived{Message: protocol.InboundMessage{
		ID: "m1", CounterpartyID: "15550001111@net", SenderName: "Erin", Text: "yo", Direct: true,
	}})
	h.client.waitFor(t, "new_message")

	_, err := h.m.CheckRecipient(t.Context(), "u1", "15550001111")
	require.NoError(t, err)

	chat, err := h.store.GetChat(t.Context(), "u1", "15550001111@net")
	require.NoError(t, err)
	assert.Equal(t, "Erin", chat.DisplayName)
	assert.Equal(t, 1, chat.UnreadCount)
}

func TestCheckRecipient_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		phone  string
		setup  func(h *harness, conn *fakeConn)
		reason string
	}{
		{
			name:   "no digits",
			phone:  "call me",
			reason: ReasonInvalidNumber,
		},
		{
			name:   "not registered",
			phone:  "+44 20 7946 0000",
			reason: ReasonNotRegistered,
		},
		{
			name:  "lookup error",
			phone: "5551234",
			setup: func(h *harness, conn *fakeConn) {
				conn.SetLookupError(errors.New("timeout"))
			},
			reason: ReasonLookupFailed,
		},
		{
			name:  "upsert error",
			phone: "5551234",
			setup: func(h *harness, conn *fakeConn) {
				conn.SetLookup("5551234", protocol.LookupResult{Exists: true, CanonicalID: "5551234@net"})
				h.store.SetUpsertError(errors.New("locked"))
			},
			reason: ReasonChatNotSaved,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			conn := h.startOpen(t, "u1")
			if tt.setup != nil {
				tt.setup(h, conn)
			}

			res, err := h.m.CheckRecipient(t.Context(), "u1", tt.phone)
			require.NoError(t, err)
			assert.False(t, res.Valid)
			assert.Equal(t, tt.reason, res.Error)
			assert.Empty(t, res.JID)

			ev := h.client.waitFor(t, "number_check_result").(RecipientCheckResult)
			assert.False(t, ev.Valid)
		})
	}
}

func TestCheckRecipient_NotConnected(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Start(t.Context(), "u1", h.client))
	h.nextConn(t)

	res, err := h.m.CheckRecipient(t.Context(), "u1", "15550001111")
	require.NoError(t, err)
	assert.Equal(t, RecipientCheckResult{Error: ReasonNotConnected}, res)
}

func TestLogout_CleansUpEvenWhenRemoteFails(t *testing.T) {
	for _, remoteErr := range []error{nil, errors.New("server unreachable")} {
		name := "remote ok"
		if remoteErr != nil {
			name = "remote fails"
		}
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			require.NoError(t, h.creds.Save("u1", []byte("material")))
			conn := h.startOpen(t, "u1")
			conn.SetLogoutError(remoteErr)

			require.NoError(t, h.m.Logout(t.Context(), "u1"))

			ev := h.client.waitFor(t, "disconnected").(Disconnected)
			assert.Equal(t, DisconnectLoggedOut, ev.Reason)
			assert.Equal(t, 1, conn.LogoutCalls())
			assert.True(t, conn.IsClosed())

			h.sessionGone(t, "u1")
			_, ok := h.m.Registry().Get("u1")
			assert.False(t, ok)

			_, err := h.creds.Load("u1")
			assert.ErrorIs(t, err, credstore.ErrNotFound)
			assert.Equal(t, 1, h.driver.OpenCount("u1"))
		})
	}
}

func TestLogout_DiscardsTrailingCloseEvent(t *testing.T) {
	h := newHarness(t)
	conn := h.startOpen(t, "u1")

	require.NoError(t, h.m.Logout(t.Context(), "u1"))
	h.client.waitFor(t, "disconnected")

	// The connection is already closed locally; nothing further reaches the client.
	conn.Emit(protocol.Closed{Reason: protocol.ReasonLoggedOut})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, h.client.count("disconnected"))
}

func TestRequestNewPairing_ReplacesConnection(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.creds.Save("u1", []byte("material")))
	old := h.startOpen(t, "u1")

	require.NoError(t, h.m.RequestNewPairing(t.Context(), "u1", nil))

	next := h.nextConn(t)
	assert.True(t, old.IsClosed())
	assert.Equal(t, "material", string(next.Creds), "credentials are kept")

	_, ok := h.m.Registry().Get("u1")
	assert.False(t, ok, "old handle leaves the registry immediately")

	next.Emit(protocol.PairingArtifact{Code: "fresh"})
	ev := h.client.waitFor(t, "qr").(PairingCode)
	assert.Equal(t, "fresh", ev.Code)

	rec, _ := h.m.Session("u1")
	assert.Equal(t, StateAwaitingPairing, rec.State)
}

func TestRequestNewPairing_WhilePairing(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Start(t.Context(), "u1", h.client))
	first := h.nextConn(t)
	first.Emit(protocol.PairingArtifact{Code: "a"})
	h.client.waitFor(t, "qr")

	require.NoError(t, h.m.RequestNewPairing(t.Context(), "u1", nil))
	second := h.nextConn(t)
	assert.True(t, first.IsClosed())

	second.Emit(protocol.Opened{})
	h.client.waitFor(t, "connected")
	assert.Equal(t, 2, h.driver.OpenCount("u1"))
}

func TestSupervisorPanicIsContained(t *testing.T) {
	h := newHarness(t)

	bad := newRecordingClient("bad")
	bad.panicOn = "connected"
	require.NoError(t, h.m.Start(t.Context(), "u1", bad))
	conn := h.nextConn(t)
	conn.Emit(protocol.Opened{})

	h.sessionGone(t, "u1")
	assert.True(t, conn.IsClosed())
	_, ok := h.m.Registry().Get("u1")
	assert.False(t, ok)

	// Other tenants keep working.
	h.startOpen(t, "u2")
}
