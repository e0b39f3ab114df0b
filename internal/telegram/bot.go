// Package telegram is the chat-platform boundary. It converts the SDK's
// update objects into arrival events for the aggregator, materializes
// attachments, and reports each batch's terminal status back to the chat.
package telegram

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nostrpub/mediabotd/internal/aggregator"
	"github.com/nostrpub/mediabotd/internal/config"
	"github.com/nostrpub/mediabotd/internal/journal"
	"github.com/nostrpub/mediabotd/internal/metrics"
	"github.com/nostrpub/mediabotd/internal/retry"
	"github.com/nostrpub/mediabotd/internal/uploader"
)

const downloadTimeout = 5 * time.Minute

type Options struct {
	Token        string
	OwnerID      int64
	DownloadDir  string
	PollTimeout  int // long-poll timeout in seconds
	SendAttempts int
	Logger       *zap.Logger
	Uploader     *uploader.Uploader
	Journal      *journal.Journal
	Metrics      *metrics.Metrics
}

type Bot struct {
	api  *tgbotapi.BotAPI
	opts Options
	log  *zap.Logger

	// set after construction, before Run
	agg *aggregator.Aggregator

	httpClient *http.Client
}

func NewBot(opts Options) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(opts.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to authorize bot: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 30
	}
	if opts.SendAttempts <= 0 {
		opts.SendAttempts = retry.DefaultAttempts
	}
	opts.Logger.Info("bot authorized", zap.String("username", api.Self.UserName))

	return &Bot{
		api:        api,
		opts:       opts,
		log:        opts.Logger,
		httpClient: &http.Client{Timeout: downloadTimeout},
	}, nil
}

// SetAggregator wires the arrival sink. Must be called before Run.
func (b *Bot) SetAggregator(a *aggregator.Aggregator) { b.agg = a }

// Run consumes updates until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = b.opts.PollTimeout
	u.AllowedUpdates = []string{"message", "edited_message", "channel_post", "edited_channel_post"}

	updates := b.api.GetUpdatesChan(u)
	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			b.handleUpdate(update)
		}
	}
}

func (b *Bot) handleUpdate(update tgbotapi.Update) {
	msg := messageOf(update)
	if msg == nil {
		return
	}
	if !b.allowed(msg) {
		b.log.Info("ignoring message from unauthorized sender",
			zap.Int64("chat_id", msg.Chat.ID),
			zap.Int("message_id", msg.MessageID))
		return
	}
	b.agg.OnArrival(toArrival(msg))
}

// messageOf picks whichever message variant the update carries. Edits are
// treated as fresh arrivals.
func messageOf(update tgbotapi.Update) *tgbotapi.Message {
	switch {
	case update.Message != nil:
		return update.Message
	case update.EditedMessage != nil:
		return update.EditedMessage
	case update.ChannelPost != nil:
		return update.ChannelPost
	case update.EditedChannelPost != nil:
		return update.EditedChannelPost
	default:
		return nil
	}
}

// allowed accepts posts from the configured owner and anonymous channel
// posts (those are filtered by chat id further in). Everyone else is
// dropped.
func (b *Bot) allowed(msg *tgbotapi.Message) bool {
	if msg.From == nil {
		return true
	}
	if b.opts.OwnerID != 0 && msg.From.ID == b.opts.OwnerID {
		return true
	}
	// Channel posts surface a synthetic sender matching the chat itself.
	if msg.SenderChat != nil && msg.SenderChat.ID == msg.Chat.ID {
		return true
	}
	return false
}

// toArrival narrows the SDK message to the aggregator's boundary type.
func toArrival(msg *tgbotapi.Message) aggregator.ArrivalEvent {
	caption := msg.Caption
	if caption == "" {
		caption = msg.Text
	}
	return aggregator.ArrivalEvent{
		GroupID:     msg.MediaGroupID,
		ChatID:      msg.Chat.ID,
		MessageID:   msg.MessageID,
		Caption:     caption,
		Attachments: attachmentRefs(msg),
		ReceivedAt:  time.Now(),
	}
}

func attachmentRefs(msg *tgbotapi.Message) []aggregator.AttachmentRef {
	var refs []aggregator.AttachmentRef
	if len(msg.Photo) > 0 {
		// Sizes are ordered smallest first; take the original.
		best := msg.Photo[len(msg.Photo)-1]
		refs = append(refs, aggregator.AttachmentRef{FileID: best.FileID, FileName: "photo.jpg"})
	}
	if msg.Video != nil {
		refs = append(refs, aggregator.AttachmentRef{FileID: msg.Video.FileID, FileName: orDefault(msg.Video.FileName, "video.mp4")})
	}
	if msg.Animation != nil {
		refs = append(refs, aggregator.AttachmentRef{FileID: msg.Animation.FileID, FileName: orDefault(msg.Animation.FileName, "animation.mp4")})
	}
	if msg.Document != nil {
		refs = append(refs, aggregator.AttachmentRef{FileID: msg.Document.FileID, FileName: orDefault(msg.Document.FileName, "document.bin")})
	}
	if msg.Audio != nil {
		refs = append(refs, aggregator.AttachmentRef{FileID: msg.Audio.FileID, FileName: orDefault(msg.Audio.FileName, "audio.mp3")})
	}
	if msg.Voice != nil {
		refs = append(refs, aggregator.AttachmentRef{FileID: msg.Voice.FileID, FileName: "voice.ogg"})
	}
	if msg.VideoNote != nil {
		refs = append(refs, aggregator.AttachmentRef{FileID: msg.VideoNote.FileID, FileName: "note.mp4"})
	}
	return refs
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// Submit is the aggregator's submission callback: one call per sealed
// logical batch, ending in exactly one terminal status message.
func (b *Bot) Submit(profile config.ChannelConfig, messages []aggregator.ArrivalEvent) {
	chatID := messages[0].ChatID

	var urls []string
	freeText := ""
	for _, m := range messages {
		found := ExtractURLs(m.Caption)
		urls = append(urls, found...)
		if freeText == "" {
			freeText = StripURLs(m.Caption, found)
		}
	}

	files := b.materialize(messages)
	if len(urls) == 0 && len(files) == 0 {
		b.log.Warn("batch had no usable inputs, dropping",
			zap.Int64("chat_id", chatID),
			zap.Int("messages", len(messages)))
		return
	}

	status, err := b.send(tgbotapi.NewMessage(chatID,
		fmt.Sprintf("Processing %d input(s)...", len(urls)+len(files))))
	if err != nil {
		b.log.Error("failed to send status message", zap.Int64("chat_id", chatID), zap.Error(err))
	}

	outcome := b.opts.Uploader.Process(uploader.Request{
		Profile:  profile.Profile,
		NSFW:     profile.NSFW,
		URLs:     urls,
		Files:    files,
		FreeText: freeText,
	})

	b.record(chatID, profile.Profile, len(urls)+len(files), outcome)
	b.cleanup(files)

	if status.MessageID != 0 {
		edit := tgbotapi.NewEditMessageText(chatID, status.MessageID, outcome.Message)
		if _, err := b.send(edit); err != nil {
			b.log.Error("failed to edit status message", zap.Int64("chat_id", chatID), zap.Error(err))
		}
		return
	}
	// The acknowledgment never went out; fall back to a fresh message so
	// the batch still gets its one terminal status.
	if _, err := b.send(tgbotapi.NewMessage(chatID, outcome.Message)); err != nil {
		b.log.Error("failed to send terminal status", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

// materialize downloads every attachment to the download directory.
// Individual failures are logged and skipped.
func (b *Bot) materialize(messages []aggregator.ArrivalEvent) []string {
	var files []string
	for _, m := range messages {
		for _, ref := range m.Attachments {
			path, err := b.download(ref)
			if err != nil {
				b.log.Warn("attachment download failed",
					zap.String("file_id", ref.FileID),
					zap.Error(err))
				continue
			}
			files = append(files, path)
		}
	}
	return files
}

func (b *Bot) download(ref aggregator.AttachmentRef) (string, error) {
	file, err := b.api.GetFile(tgbotapi.FileConfig{FileID: ref.FileID})
	if err != nil {
		return "", fmt.Errorf("failed to resolve file: %w", err)
	}

	if err := os.MkdirAll(b.opts.DownloadDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create download directory: %w", err)
	}
	dest := filepath.Join(b.opts.DownloadDir, uuid.NewString()[:8]+"-"+filepath.Base(ref.FileName))

	resp, err := b.httpClient.Get(file.Link(b.api.Token))
	if err != nil {
		return "", fmt.Errorf("failed to fetch file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d fetching file", resp.StatusCode)
	}

	out, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(dest)
		return "", fmt.Errorf("failed to write %s: %w", dest, err)
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	return dest, nil
}

func (b *Bot) cleanup(files []string) {
	for _, f := range files {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			b.log.Warn("failed to remove downloaded file", zap.String("path", f), zap.Error(err))
		}
	}
}

// send delivers one API call with bounded backoff on transient failures.
func (b *Bot) send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	var msg tgbotapi.Message
	attempt := 0
	err := retry.Do(context.Background(), b.opts.SendAttempts, retry.DefaultBase, func() error {
		attempt++
		if attempt > 1 && b.opts.Metrics != nil {
			b.opts.Metrics.SendRetries.Inc()
		}
		var err error
		msg, err = b.api.Send(c)
		return err
	})
	return msg, err
}

func (b *Bot) record(chatID int64, profile string, inputs int, outcome uploader.Outcome) {
	if b.opts.Journal == nil {
		return
	}
	entry := journal.Entry{
		JobID:   outcome.JobID,
		ChatID:  chatID,
		Profile: profile,
		Inputs:  inputs,
		Success: outcome.Success,
		EventID: outcome.EventID,
		Nevent:  outcome.Nevent,
	}
	if outcome.Result != nil {
		entry.ExitCode = outcome.Result.ExitCode
		entry.TimedOut = outcome.Result.TimedOut
		entry.DurationMs = outcome.Result.Duration.Milliseconds()
	}
	if err := b.opts.Journal.Record(entry); err != nil {
		b.log.Warn("failed to record job in journal", zap.Error(err))
	}
}
