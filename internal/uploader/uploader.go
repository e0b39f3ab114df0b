// Package uploader builds and drives uploader-script invocations: argv
// assembly with cookie gating and path translation, execution through the
// supervisor, event-id extraction, and user-facing result formatting.
package uploader

import (
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nostrpub/mediabotd/internal/eventid"
	"github.com/nostrpub/mediabotd/internal/metrics"
	"github.com/nostrpub/mediabotd/internal/supervisor"
)

// MaxStatusLen bounds the user-facing status message; longer output keeps
// its tail.
const MaxStatusLen = 3500

const neventTimeout = 10 * time.Second

// CookieSource reports whether an exported cookie file is currently usable
// and where it lives.
type CookieSource interface {
	Available() bool
	Path() string
}

// Request is one submission ready to execute: attachments already
// materialized to local paths, URLs and free text already extracted.
type Request struct {
	Profile  string
	NSFW     bool
	URLs     []string
	Files    []string
	FreeText string
}

// Outcome is what the chat boundary reports back to the user.
type Outcome struct {
	JobID   string
	Success bool
	Message string
	EventID string
	Nevent  string
	Result  *supervisor.Result
}

type Options struct {
	Interpreter     string
	ScriptPath      string
	NakPath         string
	Timeout         time.Duration
	WorkDir         string
	UsePTY          bool
	UseFirefox      bool
	DisabledDomains []string
	Cookies         CookieSource
	// Translate rewrites local paths for the execution environment before
	// argv is frozen. Identity when nil.
	Translate func(string) string

	Supervisor *supervisor.Supervisor
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

type Uploader struct {
	opts Options
	log  *zap.Logger
}

func New(opts Options) *Uploader {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Translate == nil {
		opts.Translate = func(s string) string { return s }
	}
	if opts.NakPath == "" {
		opts.NakPath = "nak"
	}
	return &Uploader{opts: opts, log: opts.Logger}
}

// BuildCommand freezes the argv for one request.
func (u *Uploader) BuildCommand(req Request) []string {
	argv := []string{
		u.opts.Interpreter,
		u.opts.Translate(u.opts.ScriptPath),
		"-p", req.Profile,
	}

	if !u.cookiesDisabled(req.URLs) {
		if u.opts.Cookies != nil && u.opts.Cookies.Available() {
			argv = append(argv, "--cookies", u.opts.Translate(u.opts.Cookies.Path()))
		} else if u.opts.UseFirefox {
			argv = append(argv, "--firefox")
		}
	}

	if req.NSFW {
		argv = append(argv, "--nsfw")
	}
	if req.FreeText != "" {
		argv = append(argv, "--nocomment")
	}

	argv = append(argv, req.URLs...)
	for _, f := range req.Files {
		argv = append(argv, u.opts.Translate(f))
	}
	if req.FreeText != "" {
		argv = append(argv, req.FreeText)
	}
	return argv
}

// cookiesDisabled reports whether any URL in the request targets a domain
// on the disable list. One match disables cookies for the whole request.
func (u *Uploader) cookiesDisabled(urls []string) bool {
	if len(u.opts.DisabledDomains) == 0 {
		return false
	}
	for _, raw := range urls {
		parsed, err := url.Parse(raw)
		if err != nil {
			continue
		}
		host := strings.ToLower(parsed.Hostname())
		for _, domain := range u.opts.DisabledDomains {
			if domainMatches(host, strings.ToLower(domain)) {
				return true
			}
		}
	}
	return false
}

// domainMatches is true on an exact host match or a suffix match at a dot
// boundary, so "example.com" covers "cdn.example.com" but never
// "notexample.com".
func domainMatches(host, domain string) bool {
	if host == domain {
		return true
	}
	return strings.HasSuffix(host, "."+domain)
}

// Process runs one request end to end and formats the terminal status.
func (u *Uploader) Process(req Request) Outcome {
	jobID := uuid.NewString()
	argv := u.BuildCommand(req)

	u.log.Info("starting upload",
		zap.String("job_id", jobID),
		zap.String("profile", req.Profile),
		zap.Int("urls", len(req.URLs)),
		zap.Int("files", len(req.Files)))

	res, err := u.opts.Supervisor.Run(supervisor.Job{
		ID:      jobID,
		Argv:    argv,
		Dir:     u.opts.WorkDir,
		Timeout: u.opts.Timeout,
		UsePTY:  u.opts.UsePTY,
	})
	if err != nil {
		u.log.Error("upload could not be spawned", zap.String("job_id", jobID), zap.Error(err))
		u.countJob("spawn_error", 0)
		return Outcome{
			JobID:   jobID,
			Message: TruncateTail(fmt.Sprintf("Upload failed to start: %v", err), MaxStatusLen),
		}
	}

	outcome := Outcome{JobID: jobID, Success: res.Success, Result: res}

	if !res.Success {
		label := "failed"
		if res.TimedOut {
			label = "timeout"
		}
		u.countJob(label, res.Duration)
		header := fmt.Sprintf("Upload failed (exit %d):\n", res.ExitCode)
		outcome.Message = header + TruncateTail(combinedOutput(res), MaxStatusLen-len(header))
		return outcome
	}

	u.countJob("success", res.Duration)

	id := eventid.Extract(res.Stdout)
	if id == "" {
		id = eventid.Extract(res.Stderr)
	}
	outcome.EventID = id
	if id == "" {
		u.log.Warn("upload succeeded but no event id found", zap.String("job_id", jobID))
		outcome.Message = "Upload completed, but no event id was found in the output."
		return outcome
	}

	if nevent := u.encodeNevent(id); nevent != "" {
		outcome.Nevent = nevent
		outcome.Message = "Published: https://njump.me/" + nevent
	} else {
		outcome.Message = "Published event " + id
	}
	return outcome
}

// encodeNevent shells out to nak for the bech32 encoding. Any failure
// degrades the message, never the job.
func (u *Uploader) encodeNevent(id string) string {
	res, err := u.opts.Supervisor.Run(supervisor.Job{
		Argv:    []string{u.opts.NakPath, "encode", "nevent", id},
		Timeout: neventTimeout,
	})
	if err != nil || !res.Success {
		u.log.Warn("nevent encoding failed", zap.String("event_id", id), zap.Error(err))
		return ""
	}
	out := strings.TrimSpace(res.Stdout)
	if !strings.HasPrefix(out, "nevent1") {
		u.log.Warn("unexpected nak output", zap.String("output", TruncateTail(out, 120)))
		return ""
	}
	return out
}

func (u *Uploader) countJob(outcome string, d time.Duration) {
	if u.opts.Metrics == nil {
		return
	}
	u.opts.Metrics.JobsTotal.WithLabelValues(outcome).Inc()
	if d > 0 {
		u.opts.Metrics.JobDuration.Observe(d.Seconds())
	}
}

func combinedOutput(res *supervisor.Result) string {
	switch {
	case res.Stdout != "" && res.Stderr != "":
		return res.Stderr + "\n" + res.Stdout
	case res.Stderr != "":
		return res.Stderr
	default:
		return res.Stdout
	}
}

// TruncateTail bounds s to max bytes by keeping the tail. The cut prefers
// a newline boundary when one falls early in the kept region, so the
// result starts on a whole line; failing that it lands on a rune boundary.
func TruncateTail(s string, max int) string {
	if len(s) <= max || max <= 0 {
		return s
	}
	tail := s[len(s)-max:]
	if idx := strings.IndexByte(tail, '\n'); idx >= 0 && idx < max/5 {
		return tail[idx+1:]
	}
	for len(tail) > 0 && !utf8.RuneStart(tail[0]) {
		tail = tail[1:]
	}
	return tail
}
