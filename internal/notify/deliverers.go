package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"slices"
	"strings"
	"time"

	shoutrrr "github.com/nicholas-fedor/shoutrrr"
	"github.com/nicholas-fedor/shoutrrr/pkg/router"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"tangled.org/arabica.social/murmur/internal/metrics"
	"tangled.org/arabica.social/murmur/internal/models"
)

// Deliverer pushes a stored notification to an out-of-band channel
type Deliverer interface {
	Deliver(ctx context.Context, n models.Notification) error
}

// DeliverFunc adapts a function to Deliverer
type DeliverFunc func(ctx context.Context, n models.Notification) error

func (f DeliverFunc) Deliver(ctx context.Context, n models.Notification) error {
	return f(ctx, n)
}

// LogDeliverer writes notifications to the application log
type LogDeliverer struct{}

func (LogDeliverer) Deliver(_ context.Context, n models.Notification) error {
	zlog.Debug().
		Str("id", n.ID).
		Str("type", string(n.Type)).
		Str("target", n.TargetUserID).
		Str("comment", n.CommentID).
		Msg("notify: notification")
	return nil
}

// Mailer sends a single email
type Mailer interface {
	Enabled() bool
	Send(ctx context.Context, to, subject, body string) error
}

// EmailDeliverer mails users whose address the directory knows
type EmailDeliverer struct {
	mailer    Mailer
	directory Directory
	baseURL   string
}

// NewEmailDeliverer creates an email channel. baseURL prefixes comment links.
func NewEmailDeliverer(mailer Mailer, directory Directory, baseURL string) *EmailDeliverer {
	if directory == nil {
		directory = IdentityDirectory{}
	}
	return &EmailDeliverer{
		mailer:    mailer,
		directory: directory,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
	}
}

func (d *EmailDeliverer) Deliver(ctx context.Context, n models.Notification) error {
	if !d.mailer.Enabled() {
		return nil
	}
	to, ok := d.directory.Email(ctx, n.TargetUserID)
	if !ok {
		return nil
	}
	subject, body := d.render(n)
	return d.mailer.Send(ctx, to, subject, body)
}

func (d *EmailDeliverer) render(n models.Notification) (string, string) {
	var b strings.Builder
	b.WriteString(n.Message)
	b.WriteString("\r\n")
	if n.ActorID != "" {
		fmt.Fprintf(&b, "\r\nFrom: %s\r\n", n.ActorID)
	}
	if d.baseURL != "" && n.PostID != "" {
		fmt.Fprintf(&b, "\r\n%s/posts/%s#comment-%s\r\n", d.baseURL, n.PostID, n.CommentID)
	}
	return "[Murmur] " + n.Message, b.String()
}

// ShoutrrrDeliverer forwards selected notification types to shoutrrr
// service URLs such as slack://, discord:// or generic webhooks.
type ShoutrrrDeliverer struct {
	sender *router.ServiceRouter
	types  []models.NotificationType
}

// NewShoutrrrDeliverer parses the service URLs. An empty types list
// forwards only moderator report notifications.
func NewShoutrrrDeliverer(urls []string, types []models.NotificationType, timeout time.Duration) (*ShoutrrrDeliverer, error) {
	if len(urls) == 0 {
		return nil, &models.ConfigError{Field: "notify.push_urls", Message: "at least one url is required"}
	}
	sender, err := shoutrrr.CreateSender(urls...)
	if err != nil {
		return nil, &models.ConfigError{Field: "notify.push_urls", Message: err.Error()}
	}
	if timeout > 0 {
		sender.Timeout = timeout
	}
	sender.SetLogger(log.New(io.Discard, "", 0))
	if len(types) == 0 {
		types = []models.NotificationType{models.NotificationCommentReported}
	}
	return &ShoutrrrDeliverer{sender: sender, types: types}, nil
}

// Accepts reports whether notifications of type t are forwarded
func (d *ShoutrrrDeliverer) Accepts(t models.NotificationType) bool {
	return slices.Contains(d.types, t)
}

func (d *ShoutrrrDeliverer) Deliver(ctx context.Context, n models.Notification) error {
	if !d.Accepts(n.Type) {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	params := stypes.Params{}
	params.SetTitle("Murmur: " + string(n.Type))
	body := fmt.Sprintf("%s (post %s, comment %s, user %s)", n.Message, n.PostID, n.CommentID, n.TargetUserID)

	for _, err := range d.sender.Send(body, &params) {
		if err != nil {
			return fmt.Errorf("shoutrrr send: %w", err)
		}
	}
	return nil
}

// Channel is a named deliverer
type Channel struct {
	Name      string
	Deliverer Deliverer
}

// Multi fans a notification out to every channel concurrently. Each channel
// failure is counted and logged; the joined error is returned.
type Multi []Channel

func (m Multi) Deliver(ctx context.Context, n models.Notification) error {
	errs := make([]error, len(m))
	var g errgroup.Group
	for i, ch := range m {
		g.Go(func() error {
			if err := ch.Deliverer.Deliver(ctx, n); err != nil {
				metrics.DeliveryFailuresTotal.WithLabelValues(ch.Name).Inc()
				zlog.Warn().Err(err).Str("channel", ch.Name).Str("target", n.TargetUserID).Msg("notify: channel failed")
				errs[i] = fmt.Errorf("%s: %w", ch.Name, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
