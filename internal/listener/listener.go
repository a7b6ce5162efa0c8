// Package listener collects chatter name lists from Twitch chat. It speaks
// enough IRC-over-websocket to join a batch of channels, harvest the NAMES
// replies and live JOIN notices, and leave. Joins are paced against the
// platform's per-window join limit; every joined channel is bounded by a
// fixed collection deadline so one silent channel can't stall a batch.
package listener

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lurkerhound/lurkerhound/internal/logger"
)

// JoinError means a channel could not be joined.
type JoinError struct {
	Channel string
	Err     error
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("listener: join #%s: %v", e.Channel, e.Err)
}

func (e *JoinError) Unwrap() error {
	return e.Err
}

// OvertimeError means the channel never sent its end-of-names marker before
// the collection deadline. Names gathered up to that point are kept.
type OvertimeError struct {
	Channel string
	Elapsed time.Duration
}

func (e *OvertimeError) Error() string {
	return fmt.Sprintf("listener: #%s did not finish within %s", e.Channel, e.Elapsed)
}

// AuthError means the server rejected the bot's credentials.
type AuthError struct {
	Detail string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("listener: authentication rejected: %s", e.Detail)
}

// BatchError means every channel in a batch failed.
type BatchError struct {
	Errs []error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("listener: all %d channels in batch failed", len(e.Errs))
}

// ChannelResult is the outcome of listening on one channel.
type ChannelResult struct {
	Channel   string
	Names     map[string]struct{}
	StartedAt time.Time
	EndedAt   time.Time
	Done      bool
	Err       error
}

// DurationSeconds is how long the channel was listened to.
func (r *ChannelResult) DurationSeconds() float64 {
	if r.EndedAt.IsZero() || r.StartedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt).Seconds()
}

// Config sets up a chat listener.
type Config struct {
	URL             string
	Nick            string
	AccessToken     string
	ChannelTimeout  time.Duration
	JoinLimitCount  int
	JoinLimitWindow time.Duration
}

// wsConn is the slice of *websocket.Conn the listener uses; tests substitute
// a scripted connection.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Client owns one websocket connection per batch.
type Client struct {
	cfg    Config
	logger *logger.Logger
	dial   func(ctx context.Context, url string) (wsConn, error)
}

func NewClient(cfg Config, log *logger.Logger) *Client {
	if cfg.ChannelTimeout <= 0 {
		cfg.ChannelTimeout = 10 * time.Second
	}
	if cfg.JoinLimitCount <= 0 {
		cfg.JoinLimitCount = 20
	}
	if cfg.JoinLimitWindow <= 0 {
		cfg.JoinLimitWindow = 10 * time.Second
	}
	return &Client{
		cfg:    cfg,
		logger: log.WithComponent("listener"),
		dial: func(ctx context.Context, url string) (wsConn, error) {
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
			return conn, err
		},
	}
}

// joinLimiter paces joins to at most count per window.
type joinLimiter struct {
	count  int
	window time.Duration
	issued []time.Time
}

func (l *joinLimiter) wait(ctx context.Context) error {
	for {
		cutoff := time.Now().Add(-l.window)
		live := l.issued[:0]
		for _, t := range l.issued {
			if t.After(cutoff) {
				live = append(live, t)
			}
		}
		l.issued = live

		if len(l.issued) < l.count {
			l.issued = append(l.issued, time.Now())
			return nil
		}

		sleep := l.issued[0].Sub(cutoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// session is the per-batch shared state between the reader goroutine and the
// control loop.
type session struct {
	mu      sync.Mutex
	conn    wsConn
	results map[string]*ChannelResult
	authErr error
	readErr error
	closed  chan struct{}
}

func (s *session) write(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, []byte(line+"\r\n"))
}

func (s *session) readLoop() {
	defer close(s.closed)
	for {
		_, frame, err := s.conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			s.readErr = err
			s.mu.Unlock()
			return
		}
		for _, line := range splitFrames(string(frame)) {
			msg, ok := parseLine(line)
			if !ok {
				continue
			}
			s.handle(msg)
		}
	}
}

func (s *session) handle(msg message) {
	switch msg.Command {
	case cmdPing:
		s.write("PONG :" + msg.Trailing)

	case cmdAuthFailed:
		s.mu.Lock()
		s.authErr = &AuthError{Detail: msg.Trailing}
		s.mu.Unlock()

	case cmdNotice:
		if strings.Contains(msg.Trailing, "authentication failed") {
			s.mu.Lock()
			s.authErr = &AuthError{Detail: msg.Trailing}
			s.mu.Unlock()
		}

	case cmdNamesReply:
		channel := msg.channelOf()
		names := msg.namesFrom()
		s.mu.Lock()
		if r, ok := s.results[channel]; ok && !r.Done {
			for _, n := range names {
				r.Names[n] = struct{}{}
			}
		}
		s.mu.Unlock()

	case cmdJoin:
		// A JOIN notice from another user is a sighting too.
		channel := msg.channelOf()
		nick := msg.senderNick()
		s.mu.Lock()
		if r, ok := s.results[channel]; ok && !r.Done && nick != "" {
			r.Names[nick] = struct{}{}
		}
		s.mu.Unlock()

	case cmdEndOfNames:
		channel := msg.channelOf()
		s.mu.Lock()
		finished := false
		if r, ok := s.results[channel]; ok && !r.Done {
			r.Done = true
			r.EndedAt = time.Now().UTC()
			finished = true
		}
		s.mu.Unlock()
		// The name list is complete; leave right away so the join budget
		// frees up while the rest of the batch is still collecting.
		if finished {
			s.write("PART #" + channel)
		}
	}
}

// FetchForChannels joins every channel in the batch, collects names until
// each channel's end-of-names marker or the collection deadline, and returns
// per-channel results keyed by lowercased channel name. The returned error is
// non-nil only when the whole batch failed.
func (c *Client) FetchForChannels(ctx context.Context, channels []string) (map[string]*ChannelResult, error) {
	conn, err := c.dial(ctx, c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("listener: dial %s: %w", c.cfg.URL, err)
	}
	defer conn.Close()

	sess := &session{
		conn:    conn,
		results: make(map[string]*ChannelResult),
		closed:  make(chan struct{}),
	}

	// Normalize and dedupe up front so results are keyed consistently.
	ordered := make([]string, 0, len(channels))
	for _, ch := range channels {
		ch = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ch), "#"))
		if ch == "" {
			continue
		}
		if _, ok := sess.results[ch]; ok {
			continue
		}
		sess.results[ch] = &ChannelResult{Channel: ch, Names: make(map[string]struct{})}
		ordered = append(ordered, ch)
	}
	if len(ordered) == 0 {
		return map[string]*ChannelResult{}, nil
	}

	if err := sess.write("PASS oauth:" + c.cfg.AccessToken); err != nil {
		return nil, fmt.Errorf("listener: send credentials: %w", err)
	}
	if err := sess.write("NICK " + strings.ToLower(c.cfg.Nick)); err != nil {
		return nil, fmt.Errorf("listener: send nick: %w", err)
	}
	// Membership capability is what makes the server send full NAMES lists
	// and per-user JOIN notices.
	if err := sess.write("CAP REQ :twitch.tv/membership"); err != nil {
		return nil, fmt.Errorf("listener: request membership capability: %w", err)
	}

	go sess.readLoop()

	limiter := &joinLimiter{count: c.cfg.JoinLimitCount, window: c.cfg.JoinLimitWindow}
	for _, ch := range ordered {
		if err := limiter.wait(ctx); err != nil {
			c.failRemaining(sess, err)
			break
		}
		sess.mu.Lock()
		authErr := sess.authErr
		sess.mu.Unlock()
		if authErr != nil {
			c.failRemaining(sess, authErr)
			break
		}

		if err := sess.write("JOIN #" + ch); err != nil {
			sess.mu.Lock()
			r := sess.results[ch]
			r.Err = &JoinError{Channel: ch, Err: err}
			r.Done = true
			r.EndedAt = time.Now().UTC()
			sess.mu.Unlock()
			continue
		}
		sess.mu.Lock()
		sess.results[ch].StartedAt = time.Now().UTC()
		sess.mu.Unlock()
		c.logger.WithContext(ctx).Debug("Joined channel", "channel", ch)
	}

	c.collect(ctx, sess)

	// Channels that finished via their end-of-names marker were parted as it
	// arrived; part the rest before the connection closes. Failures here are
	// not per-channel errors.
	sess.mu.Lock()
	var leftovers []string
	for _, r := range sess.results {
		if r.Err != nil {
			leftovers = append(leftovers, r.Channel)
		}
	}
	sess.mu.Unlock()
	for _, ch := range leftovers {
		sess.write("PART #" + ch)
	}

	return c.finish(sess)
}

// collect waits until every joined channel is done or past its deadline.
func (c *Client) collect(ctx context.Context, sess *session) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.failRemaining(sess, ctx.Err())
			return
		case <-sess.closed:
			sess.mu.Lock()
			readErr := sess.readErr
			sess.mu.Unlock()
			c.failRemaining(sess, fmt.Errorf("listener: connection closed: %w", readErr))
			return
		case <-ticker.C:
		}

		now := time.Now().UTC()
		pending := 0
		sess.mu.Lock()
		for _, r := range sess.results {
			if r.Done {
				continue
			}
			if r.StartedAt.IsZero() {
				pending++
				continue
			}
			if elapsed := now.Sub(r.StartedAt); elapsed > c.cfg.ChannelTimeout {
				r.Err = &OvertimeError{Channel: r.Channel, Elapsed: elapsed}
				r.Done = true
				r.EndedAt = now
				continue
			}
			pending++
		}
		sess.mu.Unlock()

		if pending == 0 {
			return
		}
	}
}

// failRemaining marks every unfinished channel errored with the given cause.
func (c *Client) failRemaining(sess *session, cause error) {
	now := time.Now().UTC()
	sess.mu.Lock()
	defer sess.mu.Unlock()
	for _, r := range sess.results {
		if !r.Done {
			r.Err = cause
			r.Done = true
			r.EndedAt = now
		}
	}
}

// finish snapshots results and collapses an all-failed batch into BatchError.
func (c *Client) finish(sess *session) (map[string]*ChannelResult, error) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	var errs []error
	for _, r := range sess.results {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	if len(errs) == len(sess.results) && len(errs) > 0 {
		return sess.results, &BatchError{Errs: errs}
	}
	return sess.results, nil
}

// ErrIsOvertime reports whether err is a per-channel deadline miss. Overtime
// results still carry usable names.
func ErrIsOvertime(err error) bool {
	var overtime *OvertimeError
	return errors.As(err, &overtime)
}
