// Package session turns connection-level frames into conversation state:
// the ordered message list, the typing-user set and the mutation
// operations with optimistic local application.
package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"relaychat/connection"
	"relaychat/models"
)

// Defaults for the session timers and paging.
const (
	DefaultTypingTimeout = 3 * time.Second
	DefaultSweepInterval = 1 * time.Second
	DefaultAckTimeout    = 10 * time.Second
	DefaultPageSize      = 50
)

// Conn is the slice of the connection manager the session needs. The
// session never touches the transport directly.
type Conn interface {
	Send(models.Frame) error
	SubscribeMessages(connection.MessageHandler) func()
	SubscribeState(connection.StateHandler) func()
}

// HistoryFetcher loads older message pages. Owned by the HTTP client
// layer; see the history package for the real implementation.
type HistoryFetcher interface {
	FetchMessages(ctx context.Context, conversationID string, page, limit int) (*models.MessagePage, error)
}

// Options configures a Session. Zero durations fall back to defaults.
type Options struct {
	Conn         Conn
	Self         models.Identity
	Conversation models.Conversation
	History      HistoryFetcher
	Logger       *zap.Logger

	TypingTimeout time.Duration
	SweepInterval time.Duration
	AckTimeout    time.Duration
	PageSize      int
}

// Session owns the in-memory conversation state for one conversation.
// The message list is ordered most-recent-first. All exported methods
// are safe for concurrent use; Messages and TypingUsers return
// snapshots.
type Session struct {
	conn         Conn
	self         models.Identity
	conversation models.Conversation
	history      HistoryFetcher
	log          *zap.Logger

	typingTimeout time.Duration
	sweepInterval time.Duration
	ackTimeout    time.Duration
	pageSize      int

	mu          sync.Mutex
	messages    []*models.Message
	typing      map[string]*models.TypingUser
	acks        map[string]*time.Timer
	typingTimer *time.Timer
	selfTyping  bool
	connected   bool
	page        int
	hasMore     bool
	loading     bool
	closed      bool

	cancelMsgs  func()
	cancelState func()
	sweepStop   chan struct{}
}

// New creates a Session, subscribes it to the connection manager and
// starts the typing sweep.
func New(opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.TypingTimeout <= 0 {
		opts.TypingTimeout = DefaultTypingTimeout
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = DefaultAckTimeout
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	s := &Session{
		conn:          opts.Conn,
		self:          opts.Self,
		conversation:  opts.Conversation,
		history:       opts.History,
		log:           opts.Logger,
		typingTimeout: opts.TypingTimeout,
		sweepInterval: opts.SweepInterval,
		ackTimeout:    opts.AckTimeout,
		pageSize:      opts.PageSize,
		typing:        make(map[string]*models.TypingUser),
		acks:          make(map[string]*time.Timer),
		page:          1,
		hasMore:       true,
		sweepStop:     make(chan struct{}),
	}
	s.cancelMsgs = s.conn.SubscribeMessages(s.handleFrame)
	s.cancelState = s.conn.SubscribeState(s.handleState)
	go s.sweep()
	return s
}

// Close unsubscribes from the connection manager and stops all timers.
// It does not close the connection manager itself.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.sweepStop)
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	for id, t := range s.acks {
		t.Stop()
		delete(s.acks, id)
	}
	s.mu.Unlock()

	s.cancelMsgs()
	s.cancelState()
}

// SendMessage optimistically prepends a message and emits it. Empty or
// whitespace-only content is a no-op. replyToID, when it names a message
// known locally, is resolved into a value-copy reply reference.
func (s *Session) SendMessage(content, replyToID string) {
	if strings.TrimSpace(content) == "" {
		return
	}
	id := uuid.NewString()
	now := time.Now()
	msg := &models.Message{
		ID:             id,
		Content:        content,
		AuthorID:       s.self.UserID,
		AuthorDisplay:  s.self.DisplayName,
		CreatedAt:      now,
		DeliveryStatus: models.StatusSending,
	}

	var replyRef string
	s.mu.Lock()
	if replyToID != "" {
		if target := s.findLocked(replyToID); target != nil {
			msg.RepliedTo = &models.ReplyRef{
				ID:      target.ID,
				Content: target.Content,
				Author:  target.AuthorDisplay,
			}
			replyRef = target.ID
		}
	}
	s.messages = append([]*models.Message{msg}, s.messages...)
	s.clearSelfTypingLocked()
	s.acks[id] = time.AfterFunc(s.ackTimeout, func() { s.ackExpired(id) })
	s.mu.Unlock()

	frame := models.Frame{
		"type":        models.FrameTypeMessage,
		"id":          id,
		"content":     content,
		"userId":      s.self.UserID,
		"displayName": s.self.DisplayName,
		"timestamp":   now.UnixMilli(),
	}
	if replyRef != "" {
		frame["replyTo"] = replyRef
	}
	s.emit(frame)
}

// EditMessage rewrites a local message's content and emits the edit.
// No-op when the new content is empty or the message is unknown.
func (s *Session) EditMessage(id, newContent string) {
	if strings.TrimSpace(newContent) == "" {
		return
	}
	s.mu.Lock()
	msg := s.findLocked(id)
	if msg == nil {
		s.mu.Unlock()
		return
	}
	msg.Content = newContent
	msg.IsEdited = true
	s.mu.Unlock()

	s.emit(models.Frame{
		"type":      models.FrameTypeEditMessage,
		"messageId": id,
		"content":   newContent,
		"timestamp": time.Now().UnixMilli(),
	})
}

// DeleteMessage removes the message from the local list and emits the
// deletion.
func (s *Session) DeleteMessage(id string) {
	s.mu.Lock()
	if !s.removeLocked(id) {
		s.mu.Unlock()
		return
	}
	if t := s.acks[id]; t != nil {
		t.Stop()
		delete(s.acks, id)
	}
	s.mu.Unlock()

	s.emit(models.Frame{
		"type":      models.FrameTypeDelete,
		"messageId": id,
		"timestamp": time.Now().UnixMilli(),
	})
}

// ReactToMessage toggles the current user's reaction and emits it.
func (s *Session) ReactToMessage(id, emoji string) {
	s.mu.Lock()
	msg := s.findLocked(id)
	if msg == nil {
		s.mu.Unlock()
		return
	}
	msg.ToggleReaction(emoji, s.self.UserID)
	s.mu.Unlock()

	s.emit(models.Frame{
		"type":      models.FrameTypeReact,
		"messageId": id,
		"emoji":     emoji,
		"userId":    s.self.UserID,
		"timestamp": time.Now().UnixMilli(),
	})
}

// TogglePinMessage flips the pin flag locally and emits the toggle.
func (s *Session) TogglePinMessage(id string) {
	s.mu.Lock()
	msg := s.findLocked(id)
	if msg == nil {
		s.mu.Unlock()
		return
	}
	msg.IsPinned = !msg.IsPinned
	s.mu.Unlock()

	s.emit(models.Frame{
		"type":      models.FrameTypeTogglePin,
		"messageId": id,
		"timestamp": time.Now().UnixMilli(),
	})
}

// SetTyping emits a typing indicator. Emitted only while connected; a
// true value arms a timer that clears the local flag after the typing
// timeout unless refreshed.
func (s *Session) SetTyping(isTyping bool) {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return
	}
	s.selfTyping = isTyping
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	if isTyping {
		s.typingTimer = time.AfterFunc(s.typingTimeout, func() {
			s.mu.Lock()
			s.selfTyping = false
			s.typingTimer = nil
			s.mu.Unlock()
		})
	}
	s.mu.Unlock()

	s.emit(models.Frame{
		"type":        models.FrameTypeTyping,
		"userId":      s.self.UserID,
		"displayName": s.self.DisplayName,
		"isTyping":    isTyping,
		"timestamp":   time.Now().UnixMilli(),
	})
}

// LoadMoreMessages fetches the next page of older history and appends it
// to the end of the list. Guarded by the in-flight and has-more flags.
func (s *Session) LoadMoreMessages(ctx context.Context) error {
	s.mu.Lock()
	if s.loading || !s.hasMore || s.history == nil {
		s.mu.Unlock()
		return nil
	}
	s.loading = true
	page := s.page
	s.mu.Unlock()

	result, err := s.history.FetchMessages(ctx, s.conversation.ID, page, s.pageSize)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.loading = false
	if err != nil {
		return err
	}
	for i := range result.Messages {
		msg := result.Messages[i].Clone()
		s.messages = append(s.messages, &msg)
	}
	s.page++
	s.hasMore = result.HasMore
	return nil
}

// Messages returns a most-recent-first snapshot of the message list.
func (s *Session) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = m.Clone()
	}
	return out
}

// TypingUsers returns the participants currently considered typing.
func (s *Session) TypingUsers() []models.TypingUser {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.TypingUser, 0, len(s.typing))
	for _, tu := range s.typing {
		out = append(out, *tu)
	}
	return out
}

// Typing reports whether the local typing flag is currently set.
func (s *Session) Typing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selfTyping
}

// Connected reports whether the underlying connection is ready.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Conversation returns the conversation handle this session is scoped
// to, including the current unread count.
func (s *Session) Conversation() models.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversation
}

// MarkRead resets the conversation's unread counter. The rendering
// layer calls it when the conversation comes into view.
func (s *Session) MarkRead() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversation.UnreadCount = 0
}

func (s *Session) handleState(st connection.State) {
	s.mu.Lock()
	s.connected = st == connection.StateConnected
	if !s.connected {
		s.clearSelfTypingLocked()
	}
	s.mu.Unlock()
	s.log.Debug("connection state changed", zap.Stringer("state", st))
}

func (s *Session) handleFrame(f models.Frame) {
	switch f.Type() {
	case models.FrameTypeMessage:
		s.handleMessage(f)
	case models.FrameTypeTyping:
		s.handleTyping(f)
	case models.FrameTypeEditMessage:
		s.handleEdit(f)
	case models.FrameTypeDelete:
		s.handleDelete(f)
	case models.FrameTypeReact:
		s.handleReact(f)
	case models.FrameTypeTogglePin:
		s.handlePin(f)
	default:
		// Not a conversation frame; other listeners may care.
	}
}

// handleMessage reconciles the server echo of an own message by its
// correlation id, or inserts a message from another participant.
func (s *Session) handleMessage(f models.Frame) {
	id := f.Str("id")
	userID := f.Str("userId")
	if id == "" || userID == "" {
		s.log.Warn("message frame missing id or userId")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing := s.findLocked(id); existing != nil {
		if existing.AuthorID == s.self.UserID && existing.DeliveryStatus == models.StatusSending {
			existing.DeliveryStatus = models.StatusDelivered
			if t := s.acks[id]; t != nil {
				t.Stop()
				delete(s.acks, id)
			}
		}
		return
	}
	if userID == s.self.UserID {
		// Echo of an own message that is no longer in the list: it was
		// deleted before the echo arrived. Do not resurrect it.
		return
	}

	display := f.Str("displayName")
	if display == "" {
		display = userID
	}
	created := time.Now()
	if ts := f.Int64("timestamp"); ts > 0 {
		created = time.UnixMilli(ts)
	}
	msg := &models.Message{
		ID:             id,
		Content:        f.Str("content"),
		AuthorID:       userID,
		AuthorDisplay:  display,
		CreatedAt:      created,
		DeliveryStatus: models.StatusDelivered,
	}
	s.messages = append([]*models.Message{msg}, s.messages...)
	s.conversation.UnreadCount++

	// A participant who just sent a message is no longer typing.
	delete(s.typing, userID)
}

func (s *Session) handleTyping(f models.Frame) {
	userID := f.Str("userId")
	if userID == "" || userID == s.self.UserID {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !f.Bool("isTyping") {
		delete(s.typing, userID)
		return
	}
	display := f.Str("displayName")
	if display == "" {
		display = userID
	}
	if tu := s.typing[userID]; tu != nil {
		tu.LastTypingAt = time.Now()
		tu.DisplayName = display
		return
	}
	s.typing[userID] = &models.TypingUser{
		UserID:       userID,
		DisplayName:  display,
		LastTypingAt: time.Now(),
	}
}

func (s *Session) handleEdit(f models.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg := s.findLocked(f.Str("messageId")); msg != nil {
		msg.Content = f.Str("content")
		msg.IsEdited = true
	}
}

func (s *Session) handleDelete(f models.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(f.Str("messageId"))
}

func (s *Session) handleReact(f models.Frame) {
	userID := f.Str("userId")
	if userID == s.self.UserID {
		// Own toggle was applied optimistically.
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg := s.findLocked(f.Str("messageId")); msg != nil {
		msg.ToggleReaction(f.Str("emoji"), userID)
	}
}

func (s *Session) handlePin(f models.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg := s.findLocked(f.Str("messageId")); msg != nil {
		msg.IsPinned = !msg.IsPinned
	}
}

// ackExpired marks a message Failed when no echo arrived in time.
func (s *Session) ackExpired(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.acks, id)
	if msg := s.findLocked(id); msg != nil && msg.DeliveryStatus == models.StatusSending {
		msg.DeliveryStatus = models.StatusFailed
		s.log.Warn("message not acknowledged", zap.String("id", id))
	}
}

// sweep evicts typing users whose last indicator is older than the
// typing timeout.
func (s *Session) sweep() {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.sweepStop:
			return
		case <-ticker.C:
			s.mu.Lock()
			for id, tu := range s.typing {
				if time.Since(tu.LastTypingAt) > s.typingTimeout {
					delete(s.typing, id)
				}
			}
			s.mu.Unlock()
		}
	}
}

func (s *Session) emit(f models.Frame) {
	if err := s.conn.Send(f); err != nil {
		s.log.Warn("emit failed", zap.String("type", f.Type()), zap.Error(err))
	}
}

func (s *Session) clearSelfTypingLocked() {
	s.selfTyping = false
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
}

func (s *Session) findLocked(id string) *models.Message {
	if id == "" {
		return nil
	}
	for _, m := range s.messages {
		if m.ID == id {
			return m
		}
	}
	return nil
}

func (s *Session) removeLocked(id string) bool {
	for i, m := range s.messages {
		if m.ID == id {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			return true
		}
	}
	return false
}
