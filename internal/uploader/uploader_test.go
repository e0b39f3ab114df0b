package uploader

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nostrpub/mediabotd/internal/supervisor"
)

type fakeCookies struct {
	available bool
	path      string
}

func (f fakeCookies) Available() bool { return f.available }
func (f fakeCookies) Path() string    { return f.path }

func TestBuildCommand(t *testing.T) {
	base := Options{
		Interpreter: "bash",
		ScriptPath:  "/opt/upload.sh",
		UseFirefox:  true,
	}

	t.Run("cookie file present", func(t *testing.T) {
		opts := base
		opts.Cookies = fakeCookies{available: true, path: "/var/cookies.txt"}
		u := New(opts)

		argv := u.BuildCommand(Request{
			Profile: "main",
			URLs:    []string{"https://example.com/v/1"},
		})
		assert.Equal(t, []string{
			"bash", "/opt/upload.sh", "-p", "main",
			"--cookies", "/var/cookies.txt",
			"https://example.com/v/1",
		}, argv)
	})

	t.Run("firefox fallback", func(t *testing.T) {
		opts := base
		opts.Cookies = fakeCookies{available: false}
		u := New(opts)

		argv := u.BuildCommand(Request{Profile: "main", URLs: []string{"https://example.com/v/1"}})
		assert.Contains(t, argv, "--firefox")
		assert.NotContains(t, argv, "--cookies")
	})

	t.Run("disabled domain omits both", func(t *testing.T) {
		opts := base
		opts.Cookies = fakeCookies{available: true, path: "/var/cookies.txt"}
		opts.DisabledDomains = []string{"example.com"}
		u := New(opts)

		argv := u.BuildCommand(Request{
			Profile: "main",
			URLs:    []string{"https://ok.net/a", "https://cdn.example.com/v/1"},
		})
		assert.NotContains(t, argv, "--cookies")
		assert.NotContains(t, argv, "--firefox")
	})

	t.Run("nsfw and free text", func(t *testing.T) {
		u := New(base)

		argv := u.BuildCommand(Request{
			Profile:  "art",
			NSFW:     true,
			URLs:     []string{"https://a.example/1", "https://b.example/2"},
			Files:    []string{"/tmp/dl/img.jpg"},
			FreeText: "check this out",
		})
		assert.Equal(t, []string{
			"bash", "/opt/upload.sh", "-p", "art",
			"--firefox", "--nsfw", "--nocomment",
			"https://a.example/1", "https://b.example/2",
			"/tmp/dl/img.jpg",
			"check this out",
		}, argv)
	})

	t.Run("no free text means no nocomment", func(t *testing.T) {
		u := New(base)
		argv := u.BuildCommand(Request{Profile: "main", Files: []string{"/tmp/a.mp4"}})
		assert.NotContains(t, argv, "--nocomment")
	})

	t.Run("path translation applies to script and files", func(t *testing.T) {
		opts := base
		opts.Translate = func(p string) string { return "/cygdrive/c" + p }
		u := New(opts)

		argv := u.BuildCommand(Request{Profile: "main", Files: []string{"/tmp/a.mp4"}})
		assert.Equal(t, "/cygdrive/c/opt/upload.sh", argv[1])
		assert.Contains(t, argv, "/cygdrive/c/tmp/a.mp4")
	})
}

func TestDomainMatches(t *testing.T) {
	assert.True(t, domainMatches("example.com", "example.com"))
	assert.True(t, domainMatches("cdn.example.com", "example.com"))
	assert.False(t, domainMatches("notexample.com", "example.com"))
	assert.False(t, domainMatches("example.com.evil.net", "example.com"))
}

func TestTruncateTail(t *testing.T) {
	t.Run("short passes through", func(t *testing.T) {
		assert.Equal(t, "hello", TruncateTail("hello", 10))
	})

	t.Run("keeps the tail", func(t *testing.T) {
		s := strings.Repeat("x", 100) + "END"
		got := TruncateTail(s, 20)
		assert.LessOrEqual(t, len(got), 20)
		assert.True(t, strings.HasSuffix(got, "END"))
	})

	t.Run("cuts at a nearby newline", func(t *testing.T) {
		s := "old line one\nold line two\nline three\nline four"
		got := TruncateTail(s, len(s)-5)
		assert.True(t, strings.HasPrefix(got, "line "), "got %q", got)
	})

	t.Run("never cuts mid rune", func(t *testing.T) {
		s := strings.Repeat("é", 50)
		got := TruncateTail(s, 21)
		assert.True(t, utf8.ValidString(got), "got %q", got)
		assert.True(t, strings.HasPrefix(got, "é"))
		assert.Equal(t, 20, len(got))
	})
}

func writeScript(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestProcessSuccessWithNevent(t *testing.T) {
	sup := supervisor.New(supervisor.Options{})

	id := strings.Repeat("ab", 32)
	script := writeScript(t, "upload.sh", `echo "Successfully published event"
echo "`+id+`"`)
	nak := writeScript(t, "nak", `echo nevent1qqstestvalue`)

	u := New(Options{
		Interpreter: "/bin/sh",
		ScriptPath:  script,
		NakPath:     nak,
		Timeout:     10 * time.Second,
		Supervisor:  sup,
	})

	out := u.Process(Request{Profile: "main", URLs: []string{"https://example.com/a"}})
	assert.True(t, out.Success)
	assert.Equal(t, id, out.EventID)
	assert.Equal(t, "nevent1qqstestvalue", out.Nevent)
	assert.Equal(t, "Published: https://njump.me/nevent1qqstestvalue", out.Message)
}

func TestProcessSuccessDegradedWithoutID(t *testing.T) {
	sup := supervisor.New(supervisor.Options{})
	script := writeScript(t, "upload.sh", `echo "done, nothing to report"`)

	u := New(Options{
		Interpreter: "/bin/sh",
		ScriptPath:  script,
		Timeout:     10 * time.Second,
		Supervisor:  sup,
	})

	out := u.Process(Request{Profile: "main", URLs: []string{"https://example.com/a"}})
	assert.True(t, out.Success)
	assert.Empty(t, out.EventID)
	assert.Contains(t, out.Message, "no event id")
}

func TestProcessFailureTruncatesTail(t *testing.T) {
	sup := supervisor.New(supervisor.Options{})
	script := writeScript(t, "upload.sh", `i=0
while [ $i -lt 500 ]; do echo "noise line $i"; i=$((i+1)); done
echo "final error detail"
exit 2`)

	u := New(Options{
		Interpreter: "/bin/sh",
		ScriptPath:  script,
		Timeout:     10 * time.Second,
		Supervisor:  sup,
	})

	out := u.Process(Request{Profile: "main", URLs: []string{"https://example.com/a"}})
	assert.False(t, out.Success)
	assert.LessOrEqual(t, len(out.Message), MaxStatusLen)
	assert.Contains(t, out.Message, "final error detail")
	assert.NotContains(t, out.Message, "noise line 0\n")
}

func TestProcessSpawnFailure(t *testing.T) {
	sup := supervisor.New(supervisor.Options{})
	u := New(Options{
		Interpreter: "/no/such/interpreter",
		ScriptPath:  "/opt/upload.sh",
		Supervisor:  sup,
	})

	out := u.Process(Request{Profile: "main", URLs: []string{"https://example.com/a"}})
	assert.False(t, out.Success)
	assert.Contains(t, out.Message, "failed to start")
}
