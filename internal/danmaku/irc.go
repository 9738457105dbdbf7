package danmaku

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// IRCMessage is one parsed line of IRCv3 with tags.
type IRCMessage struct {
	Tags    map[string]string
	Prefix  string
	Command string
	Params  []string
}

var errMalformedIRC = errors.New("malformed irc line")

var tagUnescaper = strings.NewReplacer(`\:`, ";", `\s`, " ", `\\`, `\`, `\r`, "\r", `\n`, "\n")

func ParseIRC(line string) (IRCMessage, error) {
	var msg IRCMessage
	rest := strings.TrimRight(line, "\r\n")

	if strings.HasPrefix(rest, "@") {
		idx := strings.IndexByte(rest, ' ')
		if idx < 0 {
			return msg, errMalformedIRC
		}
		msg.Tags = make(map[string]string)
		for _, tag := range strings.Split(rest[1:idx], ";") {
			key, value, _ := strings.Cut(tag, "=")
			if key != "" {
				msg.Tags[key] = tagUnescaper.Replace(value)
			}
		}
		rest = strings.TrimLeft(rest[idx+1:], " ")
	}

	if strings.HasPrefix(rest, ":") {
		idx := strings.IndexByte(rest, ' ')
		if idx < 0 {
			return msg, errMalformedIRC
		}
		msg.Prefix = rest[1:idx]
		rest = strings.TrimLeft(rest[idx+1:], " ")
	}

	command, params, _ := strings.Cut(rest, " ")
	if command == "" {
		return msg, errMalformedIRC
	}
	msg.Command = strings.ToUpper(command)

	for params != "" {
		params = strings.TrimLeft(params, " ")
		if params == "" {
			break
		}
		if params[0] == ':' {
			msg.Params = append(msg.Params, params[1:])
			break
		}
		var p string
		p, params, _ = strings.Cut(params, " ")
		msg.Params = append(msg.Params, p)
	}
	return msg, nil
}

// Nick is the nickname part of the prefix.
func (m IRCMessage) Nick() string {
	nick, _, _ := strings.Cut(m.Prefix, "!")
	return nick
}

// ChatMessage converts a PRIVMSG into a chat Message. ok is false for any
// other command.
func (m IRCMessage) ChatMessage() (Message, bool) {
	if m.Command != "PRIVMSG" || len(m.Params) < 2 {
		return Message{}, false
	}
	msg := Message{
		ID:       m.Tags["id"],
		Platform: PlatformTwitch,
		Room:     strings.ToLower(strings.TrimPrefix(m.Params[0], "#")),
		Sender:   m.Tags["display-name"],
		SenderID: m.Tags["user-id"],
		Text:     m.Params[1],
		Color:    m.Tags["color"],
	}
	if msg.Sender == "" {
		msg.Sender = m.Nick()
	}
	if msg.Sender == "" {
		msg.Sender = "unknown"
	}
	// ACTION messages (/me) arrive wrapped in CTCP markers.
	if strings.HasPrefix(msg.Text, "\x01ACTION ") {
		msg.Text = strings.TrimSuffix(strings.TrimPrefix(msg.Text, "\x01ACTION "), "\x01")
	}
	if ts, err := strconv.ParseInt(m.Tags["tmi-sent-ts"], 10, 64); err == nil {
		msg.ReceivedAt = time.UnixMilli(ts).UTC()
	}
	return msg, true
}
