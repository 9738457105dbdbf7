package danmaku

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"strings"
	"time"

	"github.com/loqalabs/loqa-cast/internal/config"
)

const (
	twitchReconnectDelay = 5 * time.Second
	twitchDialTimeout    = 10 * time.Second
)

// TwitchWatcher reads a channel's chat over Twitch IRC. Without credentials
// it joins anonymously as a justinfan user.
type TwitchWatcher struct {
	server   string
	username string
	token    string
	delay    time.Duration
	logger   *slog.Logger
}

func NewTwitchWatcher(cfg config.TwitchConfig, log *slog.Logger) *TwitchWatcher {
	server := cfg.Server
	if server == "" {
		server = "irc.chat.twitch.tv:6667"
	}
	return &TwitchWatcher{
		server:   server,
		username: strings.ToLower(cfg.Username),
		token:    cfg.OAuthToken,
		delay:    twitchReconnectDelay,
		logger:   log.With(slog.String("component", "twitch")),
	}
}

// Watch joins channel and reconnects until ctx ends.
func (w *TwitchWatcher) Watch(ctx context.Context, channel string, sink func(Message)) error {
	for {
		err := w.session(ctx, channel, sink)
		if ctx.Err() != nil {
			return nil
		}
		w.logger.Warn("twitch connection lost, reconnecting",
			slog.String("channel", channel),
			slog.String("error", errString(err)),
			slog.Duration("delay", w.delay))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(w.delay):
		}
	}
}

func (w *TwitchWatcher) session(ctx context.Context, channel string, sink func(Message)) error {
	dialer := net.Dialer{Timeout: twitchDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", w.server)
	if err != nil {
		return fmt.Errorf("dial %s: %w", w.server, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	nick, pass := w.username, w.token
	if nick == "" || pass == "" {
		nick = fmt.Sprintf("justinfan%d", 10000+rand.IntN(89999))
		pass = "SCHMOOPIIE"
	} else if !strings.HasPrefix(pass, "oauth:") {
		pass = "oauth:" + pass
	}
	for _, line := range []string{
		"CAP REQ :twitch.tv/membership twitch.tv/tags twitch.tv/commands",
		"PASS " + pass,
		"NICK " + nick,
		"USER " + nick + " 8 * :" + nick,
		"JOIN #" + channel,
	} {
		if _, err := fmt.Fprintf(conn, "%s\r\n", line); err != nil {
			return err
		}
	}
	w.logger.Info("joined twitch channel", slog.String("channel", channel), slog.String("nick", nick))

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		msg, err := ParseIRC(scanner.Text())
		if err != nil {
			continue
		}
		switch msg.Command {
		case "PING":
			token := "tmi.twitch.tv"
			if len(msg.Params) > 0 {
				token = msg.Params[0]
			}
			if _, err := fmt.Fprintf(conn, "PONG :%s\r\n", token); err != nil {
				return err
			}
		case "RECONNECT":
			return errors.New("server requested reconnect")
		case "NOTICE":
			if len(msg.Params) > 1 && strings.Contains(strings.ToLower(msg.Params[1]), "login authentication failed") {
				return errors.New("twitch login failed")
			}
		case "PRIVMSG":
			if chat, ok := msg.ChatMessage(); ok {
				sink(chat)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return errors.New("connection closed")
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
