// ABOUTME: One tenant's Matrix connection: SSO pairing, sync loop and message I/O
// ABOUTME: Maps mautrix sync outcomes and timeline events onto protocol events

package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto/cryptohelper"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/relay-gateway/internal/protocol"
)

const (
	// maxSyncFailures is how many consecutive failed syncs are retried in place
	// before the connection reports itself lost.
	maxSyncFailures = 3
	syncRetryDelay  = 2 * time.Second
)

// Conn is a protocol.Connection backed by a mautrix client.
type Conn struct {
	driver   *Driver
	tenantID string
	logger   *slog.Logger

	// ctx ends on Close; syncCtx also ends when the driver terminates the connection.
	ctx        context.Context
	cancel     context.CancelFunc
	syncCtx    context.Context
	syncCancel context.CancelFunc

	events chan protocol.Event
	logins chan string

	mu        sync.Mutex
	client    *mautrix.Client
	crypto    *cryptohelper.CryptoHelper
	opened    bool
	closed    bool
	endReason *protocol.CloseReason
	since     time.Time
	members   map[id.RoomID]map[id.UserID]string
	dmRooms   map[id.UserID]id.RoomID
}

func newConn(parent context.Context, d *Driver, tenantID string) *Conn {
	ctx, cancel := context.WithCancel(parent)
	syncCtx, syncCancel := context.WithCancel(ctx)
	return &Conn{
		driver:     d,
		tenantID:   tenantID,
		logger:     d.logger.With("tenant_id", tenantID),
		ctx:        ctx,
		cancel:     cancel,
		syncCtx:    syncCtx,
		syncCancel: syncCancel,
		events:     make(chan protocol.Event, 16),
		logins:     make(chan string, 1),
		members:    make(map[id.RoomID]map[id.UserID]string),
		dmRooms:    make(map[id.UserID]id.RoomID),
	}
}

// Events implements protocol.Connection.
func (c *Conn) Events() <-chan protocol.Event {
	return c.events
}

func (c *Conn) run(stored *credentials) {
	defer close(c.events)
	defer c.driver.release(c)
	defer c.closeCrypto()

	if stored == nil {
		var ok bool
		if stored, ok = c.pair(); !ok {
			return
		}
	}

	cli, err := c.connect(stored)
	if err != nil {
		c.logger.Error("failed to set up matrix client", "error", err)
		c.finish(closeReasonFor(err), err)
		return
	}

	c.logger.Info("starting matrix sync", "user_id", stored.UserID)
	err = cli.SyncWithContext(c.syncCtx)
	c.finish(closeReasonFor(err), err)
}

// pair runs the SSO flow: publish a login URL, wait for the callback, refresh
// the URL a bounded number of times.
func (c *Conn) pair() (*credentials, bool) {
	cfg := c.driver.cfg
	cli, err := mautrix.NewClient(cfg.Homeserver, "", "")
	if err != nil {
		c.finish(protocol.ReasonConnectionLost, fmt.Errorf("creating matrix client: %w", err))
		return nil, false
	}

	for attempt := 1; attempt <= cfg.PairingAttempts; attempt++ {
		nonce := uuid.NewString()
		code, err := ssoURL(cli, cfg.CallbackURL, nonce)
		if err != nil {
			c.finish(protocol.ReasonConnectionLost, err)
			return nil, false
		}

		c.driver.addPending(nonce, c)
		c.logger.Info("waiting for pairing", "attempt", attempt, "max_attempts", cfg.PairingAttempts)
		if !c.emit(protocol.PairingArtifact{Code: code}) {
			return nil, false
		}

		timer := time.NewTimer(cfg.PairingRefresh)
		select {
		case token := <-c.logins:
			timer.Stop()
			creds, err := c.login(cli, token)
			if err != nil {
				c.logger.Error("token login failed", "error", err)
				c.finish(closeReasonFor(err), err)
				return nil, false
			}
			if !c.emit(protocol.CredentialsUpdated{Material: creds.encode()}) {
				return nil, false
			}
			return creds, true
		case <-timer.C:
			c.driver.removePending(nonce)
		case <-c.syncCtx.Done():
			timer.Stop()
			c.finish(protocol.ReasonUnknown, nil)
			return nil, false
		}
	}

	c.logger.Warn("pairing timed out", "attempts", cfg.PairingAttempts)
	c.finish(protocol.ReasonPairingTimeout, nil)
	return nil, false
}

// ssoURL builds the homeserver's SSO redirect URL pointing back at callbackURL.
func ssoURL(cli *mautrix.Client, callbackURL, nonce string) (string, error) {
	u, err := url.Parse(callbackURL)
	if err != nil {
		return "", fmt.Errorf("parsing callback url: %w", err)
	}
	q := u.Query()
	q.Set("nonce", nonce)
	u.RawQuery = q.Encode()

	return cli.BuildURLWithQuery(mautrix.ClientURLPath{"v3", "login", "sso", "redirect"}, map[string]string{
		"redirectUrl": u.String(),
	}), nil
}

func (c *Conn) login(cli *mautrix.Client, token string) (*credentials, error) {
	resp, err := cli.Login(c.syncCtx, &mautrix.ReqLogin{
		Type:                     mautrix.AuthTypeToken,
		Token:                    token,
		InitialDeviceDisplayName: c.driver.cfg.DeviceName,
	})
	if err != nil {
		return nil, fmt.Errorf("logging in with token: %w", err)
	}
	c.logger.Info("paired", "user_id", resp.UserID.String(), "device_id", resp.DeviceID.String())
	return &credentials{
		Homeserver:  c.driver.cfg.Homeserver,
		UserID:      resp.UserID.String(),
		AccessToken: resp.AccessToken,
		DeviceID:    resp.DeviceID.String(),
	}, nil
}

// deliverLoginToken hands a callback's token to a connection waiting in pair.
func (c *Conn) deliverLoginToken(token string) bool {
	select {
	case c.logins <- token:
		return true
	default:
		return false
	}
}

func (c *Conn) connect(creds *credentials) (*mautrix.Client, error) {
	cli, err := mautrix.NewClient(creds.Homeserver, id.UserID(creds.UserID), creds.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	cli.DeviceID = id.DeviceID(creds.DeviceID)

	s := &syncer{DefaultSyncer: mautrix.NewDefaultSyncer()}
	s.OnSync(func(ctx context.Context, resp *mautrix.RespSync, since string) bool {
		s.failures = 0
		c.markOpened(cli.UserID)
		return true
	})
	s.OnEventType(event.EventMessage, c.handleMessage)
	cli.Syncer = s

	// Crypto registers its own handlers on the syncer, so it goes after it.
	var helper *cryptohelper.CryptoHelper
	if c.driver.cfg.Encryption {
		helper, err = setupCrypto(c.syncCtx, cli, cryptoDBPath(c.driver.cfg.DataDir, c.tenantID), c.logger)
		if err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	c.client = cli
	c.crypto = helper
	c.since = time.Now()
	c.mu.Unlock()
	return cli, nil
}

// syncer retries a few failed syncs in place and then gives up, so the
// session layer's reconnect policy takes over.
type syncer struct {
	*mautrix.DefaultSyncer
	failures int
}

func (s *syncer) OnFailedSync(res *mautrix.RespSync, err error) (time.Duration, error) {
	s.failures++
	if errors.Is(err, mautrix.MUnknownToken) || s.failures >= maxSyncFailures {
		return 0, err
	}
	return syncRetryDelay, nil
}

func (c *Conn) markOpened(self id.UserID) {
	c.mu.Lock()
	first := !c.opened
	c.opened = true
	c.mu.Unlock()

	if first {
		c.logger.Info("matrix connection open", "user_id", self.String())
		c.emit(protocol.Opened{SelfID: self.String()})
	}
}

func (c *Conn) handleMessage(ctx context.Context, evt *event.Event) {
	content := evt.Content.AsMessage()
	if content == nil || (content.MsgType != event.MsgText && content.MsgType != event.MsgNotice) {
		return
	}

	c.mu.Lock()
	cli, since := c.client, c.since
	c.mu.Unlock()

	// The first sync replays room history; only live traffic is delivered.
	sent := time.UnixMilli(evt.Timestamp)
	if sent.Before(since) {
		return
	}

	members, err := c.roomMembers(ctx, cli, evt.RoomID, evt.Sender)
	if err != nil {
		c.logger.Warn("failed to load room members", "room_id", evt.RoomID.String(), "error", err)
	}
	direct := len(members) == 2
	fromSelf := evt.Sender == cli.UserID
	if direct && !fromSelf {
		c.mu.Lock()
		c.dmRooms[evt.Sender] = evt.RoomID
		c.mu.Unlock()
	}

	c.logger.Debug("received message", "room_id", evt.RoomID.String(), "sender", evt.Sender.String(), "direct", direct)
	c.emit(protocol.MessageReceived{Message: protocol.InboundMessage{
		ID:             evt.ID.String(),
		CounterpartyID: evt.Sender.String(),
		SenderName:     members[evt.Sender],
		Text:           content.Body,
		Timestamp:      sent,
		FromSelf:       fromSelf,
		Direct:         direct,
	}})
}

// roomMembers returns joined members and their display names, refetching when
// the sender is not in the cached list.
func (c *Conn) roomMembers(ctx context.Context, cli *mautrix.Client, roomID id.RoomID, sender id.UserID) (map[id.UserID]string, error) {
	c.mu.Lock()
	cached, ok := c.members[roomID]
	c.mu.Unlock()
	if ok {
		if _, known := cached[sender]; known {
			return cached, nil
		}
	}

	resp, err := cli.JoinedMembers(ctx, roomID)
	if err != nil {
		return nil, err
	}
	members := make(map[id.UserID]string, len(resp.Joined))
	for userID, m := range resp.Joined {
		members[userID] = m.DisplayName
	}

	c.mu.Lock()
	c.members[roomID] = members
	c.mu.Unlock()
	return members, nil
}

// openClient returns the client once the connection has synced at least once.
func (c *Conn) openClient() (*mautrix.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, protocol.ErrClosed
	}
	if !c.opened || c.client == nil {
		return nil, protocol.ErrNotOpen
	}
	return c.client, nil
}

// Send implements protocol.Connection. A counterparty starting with "!" is a
// room id; anything else is a user id reached through a direct room.
func (c *Conn) Send(ctx context.Context, counterpartyID, text string) error {
	cli, err := c.openClient()
	if err != nil {
		return err
	}
	roomID, err := c.resolveRoom(ctx, cli, counterpartyID)
	if err != nil {
		return err
	}
	if _, err := cli.SendText(ctx, roomID, text); err != nil {
		return fmt.Errorf("sending to %s: %w", roomID, err)
	}
	return nil
}

func (c *Conn) resolveRoom(ctx context.Context, cli *mautrix.Client, target string) (id.RoomID, error) {
	if strings.HasPrefix(target, "!") {
		return id.RoomID(target), nil
	}
	userID := id.UserID(target)

	c.mu.Lock()
	roomID, ok := c.dmRooms[userID]
	c.mu.Unlock()
	if ok {
		return roomID, nil
	}

	resp, err := cli.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Invite:   []id.UserID{userID},
		IsDirect: true,
		Preset:   "trusted_private_chat",
	})
	if err != nil {
		return "", fmt.Errorf("creating direct room with %s: %w", userID, err)
	}
	c.logger.Info("created direct room", "room_id", resp.RoomID.String(), "counterparty", userID.String())

	c.mu.Lock()
	c.dmRooms[userID] = resp.RoomID
	c.mu.Unlock()
	return resp.RoomID, nil
}

// Lookup implements protocol.Connection by probing the profile of
// @<number>:<own server>.
func (c *Conn) Lookup(ctx context.Context, number string) (protocol.LookupResult, error) {
	cli, err := c.openClient()
	if err != nil {
		return protocol.LookupResult{}, err
	}
	_, server, err := cli.UserID.Parse()
	if err != nil {
		return protocol.LookupResult{}, fmt.Errorf("parsing own user id: %w", err)
	}

	candidate := id.NewUserID(number, server)
	if _, err := cli.GetProfile(ctx, candidate); err != nil {
		if errors.Is(err, mautrix.MNotFound) {
			return protocol.LookupResult{}, nil
		}
		return protocol.LookupResult{}, fmt.Errorf("looking up %s: %w", candidate, err)
	}
	return protocol.LookupResult{Exists: true, CanonicalID: candidate.String()}, nil
}

// Logout implements protocol.Connection.
func (c *Conn) Logout(ctx context.Context) error {
	cli, err := c.openClient()
	if err != nil {
		return err
	}
	if _, err := cli.Logout(ctx); err != nil {
		return fmt.Errorf("matrix logout: %w", err)
	}
	return nil
}

// Close implements protocol.Connection.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	return nil
}

// terminate stops the connection from the driver's side; the reason is
// reported in the final Closed event.
func (c *Conn) terminate(reason protocol.CloseReason) {
	c.mu.Lock()
	if c.endReason == nil {
		c.endReason = &reason
	}
	c.mu.Unlock()
	c.syncCancel()
}

// finish emits the final Closed event unless the connection was closed locally.
func (c *Conn) finish(reason protocol.CloseReason, err error) {
	if c.ctx.Err() != nil {
		return
	}
	c.mu.Lock()
	if c.endReason != nil {
		reason, err = *c.endReason, nil
	}
	c.mu.Unlock()

	c.logger.Info("matrix connection closed", "reason", reason.String(), "error", err)
	c.emit(protocol.Closed{Reason: reason, Err: err})
}

func (c *Conn) emit(ev protocol.Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *Conn) closeCrypto() {
	c.mu.Lock()
	helper := c.crypto
	c.crypto = nil
	c.mu.Unlock()
	if helper != nil {
		if err := helper.Close(); err != nil {
			c.logger.Warn("failed to close crypto store", "error", err)
		}
	}
}

func closeReasonFor(err error) protocol.CloseReason {
	if errors.Is(err, mautrix.MUnknownToken) {
		return protocol.ReasonLoggedOut
	}
	return protocol.ReasonConnectionLost
}

var _ protocol.Connection = (*Conn)(nil)
