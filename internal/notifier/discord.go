// Package notifier tells an operator how requests ended.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/dustin/go-humanize"

	"github.com/italolelis/audio_fetcher/internal/logctx"
	"github.com/italolelis/audio_fetcher/internal/media"
	"github.com/italolelis/audio_fetcher/internal/orchestrator"
)

const (
	colorSuccess = 0x9f7fed
	colorFailure = 0xed4245
)

var webhookPattern = regexp.MustCompile(`/api/webhooks/(\d+)/([\w-]+)`)

type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// Message is one notification.
type Message struct {
	Title        string
	Description  string
	ThumbnailURL string
	Fields       map[string]string
	Failed       bool
}

// DiscordNotifier posts embeds to a channel webhook.
type DiscordNotifier struct {
	session *discordgo.Session
	id      string
	token   string
}

// NewDiscordNotifier parses a webhook URL of the form https://discord.com/api/webhooks/{id}/{token}.
func NewDiscordNotifier(webhookURL string) (*DiscordNotifier, error) {
	m := webhookPattern.FindStringSubmatch(webhookURL)
	if m == nil {
		return nil, errors.New("webhook URL is not a discord webhook")
	}

	session, err := discordgo.New("")
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}

	session.MaxRestRetries = 1

	return &DiscordNotifier{session: session, id: m[1], token: m[2]}, nil
}

func (d *DiscordNotifier) Notify(ctx context.Context, msg Message) error {
	embed := &discordgo.MessageEmbed{
		Title:       msg.Title,
		Description: msg.Description,
		Color:       colorSuccess,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}

	if msg.Failed {
		embed.Color = colorFailure
	}

	if msg.ThumbnailURL != "" {
		embed.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: msg.ThumbnailURL}
	}

	for _, name := range []string{"Platform", "Format", "Size", "Attempts", "Error"} {
		if v, ok := msg.Fields[name]; ok {
			embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: name, Value: v, Inline: name != "Error"})
		}
	}

	_, err := d.session.WebhookExecute(d.id, d.token, false, &discordgo.WebhookParams{
		Embeds: []*discordgo.MessageEmbed{embed},
	}, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to execute webhook: %w", err)
	}

	return nil
}

// FromFinished renders the outcome of a request.
func FromFinished(ev orchestrator.Finished) Message {
	msg := Message{
		Description: ev.Request.Input,
		Fields:      map[string]string{"Format": ev.Request.Format.String()},
	}

	if ev.Ref != nil {
		msg.Description = ev.Ref.Title
		if ev.Ref.Artist != "" {
			msg.Description = ev.Ref.Artist + " - " + ev.Ref.Title
		}

		msg.ThumbnailURL = ev.Ref.ThumbnailURL
		msg.Fields["Platform"] = ev.Ref.Platform.String()
	}

	if ev.Attempts > 0 {
		msg.Fields["Attempts"] = fmt.Sprint(ev.Attempts)
	}

	if ev.Err != nil {
		msg.Title = "❌ Download failed"
		msg.Failed = true
		msg.Fields["Error"] = ev.Err.Error()

		return msg
	}

	msg.Title = "✅ Download finished"
	msg.Fields["Size"] = humanize.Bytes(uint64(ev.Artifact.Size))

	return msg
}

// Forward notifies n about every finished request until ctx is done. Withdrawn requests are skipped.
func Forward(ctx context.Context, events <-chan orchestrator.Finished, n Notifier) {
	logger := logctx.LoggerFromContext(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			if errors.Is(ev.Err, media.ErrCancelled) {
				continue
			}

			if err := n.Notify(ctx, FromFinished(ev)); err != nil {
				logger.ErrorContext(ctx, "failed to send notification", "request_id", ev.Request.ID, "err", err)
			}
		}
	}
}
