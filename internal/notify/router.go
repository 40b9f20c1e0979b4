// Package notify turns comment events into notifications. Each record is
// written to the inbox, announced on the bus for live sessions, and handed to
// the configured delivery channels from a bounded background queue.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"tangled.org/arabica.social/murmur/internal/content"
	"tangled.org/arabica.social/murmur/internal/events"
	"tangled.org/arabica.social/murmur/internal/metrics"
	"tangled.org/arabica.social/murmur/internal/models"
)

// Inbox persists notifications. Create reports false for a duplicate.
type Inbox interface {
	Create(ctx context.Context, n *models.Notification) (bool, error)
}

// Purger is implemented by inboxes that can drop every notification
// pointing at a deleted comment
type Purger interface {
	DeleteForComment(ctx context.Context, commentID string)
}

// CommentLoader resolves parent comments for reply notifications
type CommentLoader interface {
	Get(ctx context.Context, id string) (*models.Comment, error)
}

// Subscriber is the part of the event bus the router attaches to
type Subscriber interface {
	Subscribe(name string, t events.Type, handler events.Handler) func()
}

// Config tunes the router
type Config struct {
	QueueSize       int
	Workers         int
	DeliveryTimeout time.Duration
}

// DefaultConfig returns the router defaults
func DefaultConfig() Config {
	return Config{
		QueueSize:       256,
		Workers:         2,
		DeliveryTimeout: 10 * time.Second,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.QueueSize < 1 {
		return &models.ConfigError{Field: "notify.queue_size", Message: "must be at least 1"}
	}
	if c.Workers < 1 {
		return &models.ConfigError{Field: "notify.workers", Message: "must be at least 1"}
	}
	if c.DeliveryTimeout <= 0 {
		return &models.ConfigError{Field: "notify.delivery_timeout", Message: "must be positive"}
	}
	return nil
}

// Router consumes comment events and fans out notifications
type Router struct {
	cfg        Config
	inbox      Inbox
	comments   CommentLoader
	directory  Directory
	moderators func() []string
	bus        events.Publisher
	deliverer  Deliverer
	now        func() time.Time

	queue    chan models.Notification
	quit     chan struct{}
	wg       sync.WaitGroup
	start    sync.Once
	stopOnce sync.Once
}

// Deps are the router's collaborators. Only Comments is required.
type Deps struct {
	Inbox      Inbox
	Comments   CommentLoader
	Directory  Directory
	Moderators func() []string
	Bus        events.Publisher
	Deliverer  Deliverer
}

// NewRouter creates a router. Call Start to run the delivery workers.
func NewRouter(cfg Config, deps Deps) *Router {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = def.DeliveryTimeout
	}
	if deps.Directory == nil {
		deps.Directory = IdentityDirectory{}
	}
	if deps.Moderators == nil {
		deps.Moderators = func() []string { return nil }
	}
	if deps.Deliverer == nil {
		deps.Deliverer = LogDeliverer{}
	}
	return &Router{
		cfg:        cfg,
		inbox:      deps.Inbox,
		comments:   deps.Comments,
		directory:  deps.Directory,
		moderators: deps.Moderators,
		bus:        deps.Bus,
		deliverer:  deps.Deliverer,
		now:        time.Now,
		queue:      make(chan models.Notification, cfg.QueueSize),
		quit:       make(chan struct{}),
	}
}

// SetClock overrides the time source
func (r *Router) SetClock(now func() time.Time) {
	r.now = now
}

// Attach subscribes the router to the events it turns into notifications
func (r *Router) Attach(bus Subscriber) func() {
	unsubs := []func(){
		bus.Subscribe("notify", events.CommentCreated, r.Handle),
		bus.Subscribe("notify", events.CommentApproved, r.Handle),
		bus.Subscribe("notify", events.CommentRejected, r.Handle),
		bus.Subscribe("notify", events.CommentReported, r.Handle),
		bus.Subscribe("notify", events.CommentDeleted, r.Handle),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Start launches the delivery workers
func (r *Router) Start() {
	r.start.Do(func() {
		for i := 0; i < r.cfg.Workers; i++ {
			r.wg.Add(1)
			go r.worker()
		}
		log.Info().Int("workers", r.cfg.Workers).Int("queue", r.cfg.QueueSize).Msg("notify: router started")
	})
}

// Stop drains the queue and waits for the workers to exit
func (r *Router) Stop() {
	r.stopOnce.Do(func() {
		close(r.quit)
	})
	r.wg.Wait()
}

// Pending returns the number of queued deliveries
func (r *Router) Pending() int {
	return len(r.queue)
}

func (r *Router) worker() {
	defer r.wg.Done()
	for {
		select {
		case n := <-r.queue:
			r.deliver(n)
		case <-r.quit:
			for {
				select {
				case n := <-r.queue:
					r.deliver(n)
				default:
					return
				}
			}
		}
	}
}

func (r *Router) deliver(n models.Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.DeliveryTimeout)
	defer cancel()
	if err := r.deliverer.Deliver(ctx, n); err != nil {
		log.Warn().
			Err(err).
			Str("type", string(n.Type)).
			Str("target", n.TargetUserID).
			Msg("notify: delivery failed")
	}
}

// Handle is the router's bus handler. Notification failures are logged and
// never returned.
func (r *Router) Handle(ctx context.Context, e events.Event) error {
	c := e.Comment()
	if c == nil {
		return nil
	}

	switch e.Type {
	case events.CommentCreated:
		r.notifyThread(ctx, c)
	case events.CommentDeleted:
		if p, ok := r.inbox.(Purger); ok {
			p.DeleteForComment(ctx, c.ID)
		}
	case events.CommentApproved:
		// pending comments were not announced when created
		r.notifyThread(ctx, c)
		r.emit(ctx, models.Notification{
			Type:         models.NotificationCommentApproved,
			TargetUserID: c.AuthorID,
			ActorID:      e.ActorID,
			PostID:       c.PostID,
			CommentID:    c.ID,
			Message:      "Your comment was approved",
		})
	case events.CommentRejected:
		r.emit(ctx, models.Notification{
			Type:         models.NotificationCommentRejected,
			TargetUserID: c.AuthorID,
			ActorID:      e.ActorID,
			PostID:       c.PostID,
			CommentID:    c.ID,
			Message:      "Your comment was rejected",
		})
	case events.CommentReported:
		reporter := e.ActorID
		reason := ""
		if p, ok := e.Payload.(*events.ReportPayload); ok && p.Report != nil {
			reporter = p.Report.ReporterID
			reason = p.Report.Reason
		}
		msg := "A comment was reported"
		if reason != "" {
			msg = fmt.Sprintf("A comment was reported: %s", reason)
		}
		for _, modID := range r.moderators() {
			r.emit(ctx, models.Notification{
				Type:         models.NotificationCommentReported,
				TargetUserID: modID,
				ActorID:      reporter,
				PostID:       c.PostID,
				CommentID:    c.ID,
				Message:      msg,
			})
		}
	}
	return nil
}

// notifyThread notifies the parent's author and every mentioned user
func (r *Router) notifyThread(ctx context.Context, c *models.Comment) {
	notified := map[string]bool{}

	if c.ParentID != nil {
		parent, err := r.comments.Get(ctx, *c.ParentID)
		switch {
		case err != nil:
			log.Warn().Err(err).Str("comment", c.ID).Msg("notify: failed to load parent comment")
		case !parent.Deleted:
			notified[parent.AuthorID] = true
			r.emit(ctx, models.Notification{
				Type:         models.NotificationReply,
				TargetUserID: parent.AuthorID,
				ActorID:      c.AuthorID,
				PostID:       c.PostID,
				CommentID:    c.ID,
				Message:      "New reply to your comment",
			})
		}
	}

	for _, handle := range content.Mentions(c.Content.Raw) {
		userID, ok := r.directory.ResolveHandle(ctx, handle)
		if !ok || notified[userID] {
			continue
		}
		notified[userID] = true
		r.emit(ctx, models.Notification{
			Type:         models.NotificationMention,
			TargetUserID: userID,
			ActorID:      c.AuthorID,
			PostID:       c.PostID,
			CommentID:    c.ID,
			Message:      "You were mentioned in a comment",
		})
	}
}

// emit records, announces and queues one notification. Self-notifications
// and duplicates are skipped.
func (r *Router) emit(ctx context.Context, n models.Notification) {
	if n.TargetUserID == "" || n.TargetUserID == n.ActorID {
		return
	}
	n.ID = uuid.Must(uuid.NewV7()).String()
	n.CreatedAt = r.now().UTC()

	if r.inbox != nil {
		created, err := r.inbox.Create(ctx, &n)
		if err != nil {
			metrics.DeliveryFailuresTotal.WithLabelValues("inbox").Inc()
			log.Warn().Err(err).Str("target", n.TargetUserID).Msg("notify: failed to store notification")
		} else if !created {
			return
		}
	}

	metrics.NotificationsTotal.WithLabelValues(string(n.Type)).Inc()

	if r.bus != nil {
		r.bus.Publish(ctx, events.Event{
			Type:         events.NewNotification,
			PostID:       n.PostID,
			CommentID:    n.CommentID,
			ActorID:      n.ActorID,
			TargetUserID: n.TargetUserID,
			Visibility:   events.VisibilityUser,
			Payload:      &n,
		})
	}

	select {
	case r.queue <- n:
	default:
		metrics.NotificationQueueDropped.Inc()
		log.Warn().Str("type", string(n.Type)).Str("target", n.TargetUserID).Msg("notify: delivery queue full, dropping")
	}
}
