package eventid

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func hexID(seed byte) string {
	return strings.Repeat(fmt.Sprintf("%02x", seed), 32)
}

func TestExtract(t *testing.T) {
	idA := hexID(0xaa)
	idB := hexID(0xbb)
	idC := hexID(0xcc)

	t.Run("empty input", func(t *testing.T) {
		assert.Equal(t, "", Extract(""))
	})

	t.Run("no hex at all", func(t *testing.T) {
		assert.Equal(t, "", Extract("uploading...\ndone\n"))
	})

	t.Run("full event record wins", func(t *testing.T) {
		out := `some noise ` + idC + `
{"id":"` + idA + `","pubkey":"x","kind":1,"content":"hi"}
trailing`
		assert.Equal(t, idA, Extract(out))
	})

	t.Run("last event record wins", func(t *testing.T) {
		out := `{"id":"` + idA + `","kind":1}
{"id":"` + idB + `","kind":1}`
		assert.Equal(t, idB, Extract(out))
	})

	t.Run("id field without kind", func(t *testing.T) {
		out := `result: "id":"` + idA + `" saved`
		assert.Equal(t, idA, Extract(out))
	})

	t.Run("id field beats later url hash", func(t *testing.T) {
		out := `"id":"` + idA + `","kind":1
https://media.example.com/` + idB + `.mp4`
		assert.Equal(t, idA, Extract(out))
	})

	t.Run("success phrase line", func(t *testing.T) {
		out := `Successfully published event
` + idA + `
bye`
		assert.Equal(t, idA, Extract(out))
	})

	t.Run("tail scan skips url lines", func(t *testing.T) {
		out := `step one
` + idA + `
uploaded to https://cdn.example.com/` + idB + `.bin`
		assert.Equal(t, idA, Extract(out))
	})

	t.Run("url only hex is absent", func(t *testing.T) {
		out := `fetched https://cdn.example.com/` + idA + `.mp4
done`
		assert.Equal(t, "", Extract(out))
	})

	t.Run("same token in url and bare", func(t *testing.T) {
		// The token also appears in a URL, so every occurrence is suspect.
		out := `https://cdn.example.com/` + idA + `
` + idA
		assert.Equal(t, "", Extract(out))
	})

	t.Run("fallback last bare token", func(t *testing.T) {
		longHead := strings.Repeat("line\n", 50)
		out := longHead + idA + "\n" + strings.Repeat("x\n", 40) +
			"https://cdn.example.com/" + idB + "\n" + strings.Repeat("y\n", 40)
		assert.Equal(t, idA, Extract(out))
	})

	t.Run("case preserved", func(t *testing.T) {
		upper := strings.ToUpper(hexID(0xab))
		assert.Equal(t, upper, Extract("result\n"+upper+"\n"))
	})
}
