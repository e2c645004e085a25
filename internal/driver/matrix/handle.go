// ABOUTME: A live Matrix session for one branch: login or restore, pairing, sync and send
// ABOUTME: Every outcome is reported through the sink; nothing is emitted after Destroy

package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/branchline/internal/driver"
	"github.com/2389/branchline/internal/vault"
)

// ErrNotPaired is returned by Send before the session is paired and synced.
var ErrNotPaired = errors.New("matrix session not ready")

const networkTimeout = 10 * time.Second

type handle struct {
	d        *Driver
	branchID string
	acct     Account
	sink     driver.Sink
	logger   *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	started time.Time

	mu        sync.Mutex
	client    *mautrix.Client
	pending   *credentials
	code      string
	paired    bool
	ready     bool
	destroyed bool
}

func newHandle(d *Driver, branchID string, acct Account, sink driver.Sink) *handle {
	ctx, cancel := context.WithCancel(context.Background())
	return &handle{
		d:        d,
		branchID: branchID,
		acct:     acct,
		sink:     sink,
		logger:   d.logger.With("branch_id", branchID),
		ctx:      ctx,
		cancel:   cancel,
		started:  time.Now(),
	}
}

// emit forwards ev unless the handle was destroyed.
func (h *handle) emit(ev driver.Event) {
	h.mu.Lock()
	dead := h.destroyed
	h.mu.Unlock()
	if dead {
		return
	}
	h.sink.Emit(ev)
}

func (h *handle) run() {
	var creds credentials
	err := h.d.vault.Open(h.branchID, credentialsRecord, &creds)
	switch {
	case err == nil && creds.AccessToken != "":
		if err := h.restore(creds); err != nil {
			h.emit(driver.Disconnected(err.Error()))
			return
		}
	case err == nil, errors.Is(err, vault.ErrNotFound):
		if err := h.login(); err != nil {
			h.emit(classify(err))
			return
		}
	default:
		h.emit(driver.Disconnected(fmt.Sprintf("reading credentials: %v", err)))
		return
	}
	h.sync()
}

func (h *handle) restore(creds credentials) error {
	client, err := mautrix.NewClient(creds.Homeserver, id.UserID(creds.UserID), creds.AccessToken)
	if err != nil {
		return fmt.Errorf("creating matrix client: %w", err)
	}
	client.DeviceID = id.DeviceID(creds.DeviceID)

	h.mu.Lock()
	h.client = client
	h.paired = true
	h.mu.Unlock()

	h.logger.Info("restored matrix credentials", "user_id", creds.UserID, "operator", creds.Operator)
	h.emit(driver.Authenticated())
	return nil
}

// login signs the bot in with its password and opens a pairing window. The
// session only counts as authenticated once an operator claims the code.
func (h *handle) login() error {
	client, err := mautrix.NewClient(h.d.cfg.Homeserver, "", "")
	if err != nil {
		return fmt.Errorf("creating matrix client: %w", err)
	}

	ctx, cancel := context.WithTimeout(h.ctx, networkTimeout)
	defer cancel()
	resp, err := client.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: h.acct.UserID,
		},
		Password:                 h.acct.Password,
		InitialDeviceDisplayName: h.d.cfg.DeviceName,
		StoreCredentials:         true,
	})
	if err != nil {
		return fmt.Errorf("matrix login: %w", err)
	}

	h.mu.Lock()
	h.client = client
	h.pending = &credentials{
		Homeserver:  h.d.cfg.Homeserver,
		UserID:      resp.UserID.String(),
		DeviceID:    string(resp.DeviceID),
		AccessToken: resp.AccessToken,
	}
	h.mu.Unlock()

	h.logger.Info("matrix login succeeded, awaiting pairing", "user_id", resp.UserID.String())
	if err := h.issueCode(); err != nil {
		return err
	}
	go h.rotateCodes()
	return nil
}

func (h *handle) issueCode() error {
	code, err := newPairingCode()
	if err != nil {
		return fmt.Errorf("generating pairing code: %w", err)
	}
	h.mu.Lock()
	h.code = code
	h.mu.Unlock()
	h.emit(driver.Pairing(code))
	return nil
}

// rotateCodes re-issues the pairing code every PairingTTL until paired.
func (h *handle) rotateCodes() {
	ticker := time.NewTicker(h.d.cfg.PairingTTL)
	defer ticker.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.mu.Lock()
			paired := h.paired
			h.mu.Unlock()
			if paired {
				return
			}
			if err := h.issueCode(); err != nil {
				h.logger.Error("failed to rotate pairing code", "error", err)
			}
		}
	}
}

func (h *handle) sync() {
	h.mu.Lock()
	client := h.client
	h.mu.Unlock()

	syncer, ok := client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		h.emit(driver.Disconnected(fmt.Sprintf("unexpected syncer type: %T", client.Syncer)))
		return
	}
	syncer.OnSync(h.onSync)
	syncer.OnEventType(event.StateMember, h.onMember)
	syncer.OnEventType(event.EventMessage, h.onMessage)

	err := client.SyncWithContext(h.ctx)
	if h.ctx.Err() != nil {
		return
	}
	if err == nil {
		err = errors.New("sync stopped")
	}
	h.logger.Warn("matrix sync ended", "error", err)
	h.emit(classify(err))
}

func (h *handle) onSync(ctx context.Context, resp *mautrix.RespSync, since string) bool {
	h.mu.Lock()
	fire := h.paired && !h.ready
	if fire {
		h.ready = true
	}
	h.mu.Unlock()
	if fire {
		h.logger.Info("matrix session ready")
		h.emit(driver.Ready())
	}
	return true
}

// onMember auto-joins rooms the bot is invited to; customers reach the
// branch by opening a DM.
func (h *handle) onMember(ctx context.Context, evt *event.Event) {
	h.mu.Lock()
	client := h.client
	h.mu.Unlock()

	if evt.GetStateKey() != client.UserID.String() || evt.Content.AsMember().Membership != event.MembershipInvite {
		return
	}
	joinCtx, cancel := context.WithTimeout(h.ctx, networkTimeout)
	defer cancel()
	if _, err := client.JoinRoomByID(joinCtx, evt.RoomID); err != nil {
		h.logger.Warn("failed to join room", "room", evt.RoomID.String(), "error", err)
		return
	}
	h.logger.Debug("joined room", "room", evt.RoomID.String(), "inviter", evt.Sender.String())
}

func (h *handle) onMessage(ctx context.Context, evt *event.Event) {
	h.mu.Lock()
	client, paired, code := h.client, h.paired, h.code
	h.mu.Unlock()

	msg, ok := messageFromEvent(evt, client.UserID)
	if !ok {
		return
	}
	if !paired {
		if matchesCode(msg.Text, code) {
			h.completePairing(evt.Sender, evt.RoomID)
		}
		return
	}
	// The first sync replays room history; only answer what arrived after start.
	if msg.ReceivedAt.Before(h.started) {
		return
	}
	h.emit(driver.Inbound(msg))
}

func (h *handle) completePairing(operator id.UserID, room id.RoomID) {
	h.mu.Lock()
	if h.paired || h.pending == nil {
		h.mu.Unlock()
		return
	}
	creds := *h.pending
	creds.Operator = operator.String()
	creds.PairedAt = time.Now()
	client := h.client
	h.mu.Unlock()

	if err := h.d.vault.Seal(h.branchID, credentialsRecord, &creds); err != nil {
		h.logger.Error("failed to seal matrix credentials", "error", err)
		h.emit(driver.Disconnected(fmt.Sprintf("sealing credentials: %v", err)))
		return
	}

	h.mu.Lock()
	h.paired = true
	h.pending = nil
	h.code = ""
	h.mu.Unlock()

	h.logger.Info("pairing claimed", "operator", operator.String())
	h.emit(driver.Authenticated())

	ctx, cancel := context.WithTimeout(h.ctx, networkTimeout)
	defer cancel()
	if _, err := client.SendNotice(ctx, room, fmt.Sprintf("Paired with branch %s.", h.branchID)); err != nil {
		h.logger.Debug("failed to acknowledge pairing", "error", err)
	}
	// Ready follows on the next completed sync.
}

// Send implements driver.Handle. to is the Matrix room ID of the customer's DM.
func (h *handle) Send(ctx context.Context, to, text string) error {
	h.mu.Lock()
	client, ready := h.client, h.ready && !h.destroyed
	h.mu.Unlock()
	if !ready {
		return ErrNotPaired
	}

	content := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    text,
	}
	if formatted, err := renderHTML(text); err == nil && formatted != "" {
		content.Format = event.FormatHTML
		content.FormattedBody = formatted
	}
	if _, err := client.SendMessageEvent(ctx, id.RoomID(to), event.EventMessage, content); err != nil {
		return fmt.Errorf("matrix send to %s: %w", to, err)
	}
	return nil
}

// Logout implements driver.Handle. It revokes the access token server-side.
func (h *handle) Logout(ctx context.Context) error {
	h.mu.Lock()
	client := h.client
	h.mu.Unlock()
	if client == nil || client.AccessToken == "" {
		return nil
	}
	if _, err := client.Logout(ctx); err != nil {
		return fmt.Errorf("matrix logout: %w", err)
	}
	return nil
}

// Destroy implements driver.Handle. Idempotent.
func (h *handle) Destroy(ctx context.Context) error {
	h.mu.Lock()
	if h.destroyed {
		h.mu.Unlock()
		return nil
	}
	h.destroyed = true
	client := h.client
	h.mu.Unlock()

	h.cancel()
	if client != nil {
		client.StopSync()
	}
	return nil
}
