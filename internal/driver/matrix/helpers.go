package matrix

import (
	"bytes"
	"crypto/rand"
	"errors"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/branchline/internal/driver"
)

// Pairing codes avoid 0/O and 1/I so they survive being read aloud.
const (
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	codeLength   = 8
)

func newPairingCode() (string, error) {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(buf), nil
}

func matchesCode(body, code string) bool {
	return code != "" && strings.EqualFold(strings.TrimSpace(body), code)
}

// classify maps a login or sync failure to a driver event. Rejected
// credentials are terminal; anything else is worth a reconnect.
func classify(err error) driver.Event {
	if errors.Is(err, mautrix.MForbidden) || errors.Is(err, mautrix.MUnknownToken) {
		return driver.AuthFailed(err.Error())
	}
	return driver.Disconnected(err.Error())
}

var markdown = goldmark.New(
	goldmark.WithExtensions(extension.Strikethrough, extension.Linkify),
	goldmark.WithRendererOptions(gmhtml.WithHardWraps()),
)

// renderHTML converts a Markdown reply into Matrix's formatted_body.
func renderHTML(text string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(text), &buf); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}

// messageFromEvent converts a room message. The room ID is the customer
// address because replies go back to the same DM. Own messages are dropped.
func messageFromEvent(evt *event.Event, self id.UserID) (driver.Message, bool) {
	if evt.Sender == self {
		return driver.Message{}, false
	}
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return driver.Message{}, false
	}

	kind := driver.KindOther
	switch content.MsgType {
	case event.MsgText, event.MsgEmote:
		kind = driver.KindText
	case event.MsgImage:
		kind = driver.KindImage
	case event.MsgAudio:
		kind = driver.KindAudio
	case event.MsgVideo:
		kind = driver.KindVideo
	case event.MsgFile:
		kind = driver.KindFile
	case event.MsgLocation:
		kind = driver.KindLocation
	}

	return driver.Message{
		ID:         evt.ID.String(),
		From:       evt.RoomID.String(),
		Text:       content.Body,
		Kind:       kind,
		HasMedia:   content.URL != "" || content.File != nil,
		ReceivedAt: time.UnixMilli(evt.Timestamp),
	}, true
}
