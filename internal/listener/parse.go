package listener

import "strings"

// IRC numeric replies the listener cares about.
const (
	cmdNamesReply    = "353"
	cmdEndOfNames    = "366"
	cmdJoin          = "JOIN"
	cmdPing          = "PING"
	cmdNotice        = "NOTICE"
	cmdReconnect     = "RECONNECT"
	cmdAuthFailed    = "464"
	cmdUnknownDenied = "421"
)

// message is one parsed IRC line.
type message struct {
	Prefix   string
	Command  string
	Params   []string
	Trailing string
}

// splitFrames breaks one websocket frame into IRC lines. Twitch batches
// multiple CRLF-terminated lines per frame.
func splitFrames(frame string) []string {
	var lines []string
	for _, line := range strings.Split(frame, "\r\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// parseLine splits an IRC line into prefix, command, middle params and the
// trailing parameter. Lines that don't parse return ok=false and are skipped.
func parseLine(line string) (message, bool) {
	var msg message

	if strings.HasPrefix(line, ":") {
		idx := strings.Index(line, " ")
		if idx < 0 {
			return msg, false
		}
		msg.Prefix = line[1:idx]
		line = line[idx+1:]
	}

	if idx := strings.Index(line, " :"); idx >= 0 {
		msg.Trailing = line[idx+2:]
		line = line[:idx]
	}

	parts := strings.Fields(line)
	if len(parts) == 0 {
		return msg, false
	}
	msg.Command = parts[0]
	msg.Params = parts[1:]
	return msg, true
}

// channelOf finds the "#channel" parameter and returns it without the hash,
// lowercased. Twitch channel names are case-insensitive.
func (m message) channelOf() string {
	for _, p := range m.Params {
		if strings.HasPrefix(p, "#") {
			return strings.ToLower(strings.TrimPrefix(p, "#"))
		}
	}
	return ""
}

// senderNick extracts the nick from a "nick!user@host" prefix.
func (m message) senderNick() string {
	if idx := strings.Index(m.Prefix, "!"); idx >= 0 {
		return strings.ToLower(m.Prefix[:idx])
	}
	return strings.ToLower(m.Prefix)
}

// namesFrom returns the chatter logins in a 353 trailing parameter,
// lowercased. A degenerate reply with no names yields an empty slice.
func (m message) namesFrom() []string {
	fields := strings.Fields(m.Trailing)
	names := make([]string, 0, len(fields))
	for _, f := range fields {
		// Strip op/mod sigils some servers prepend.
		f = strings.TrimLeft(f, "@+%")
		if f != "" {
			names = append(names, strings.ToLower(f))
		}
	}
	return names
}
