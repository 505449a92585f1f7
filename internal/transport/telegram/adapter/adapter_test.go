package adapter

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kit "fxalert/internal/transport"
	logx "fxalert/pkg/logx"
)

func TestParseCommand(t *testing.T) {
	cases := []struct {
		in   string
		name string
		args string
		ok   bool
	}{
		{"/start", "start", "", true},
		{"/Start@fxalert_bot", "start", "", true},
		{"/digest 07:30  Europe/Prague ", "digest", "07:30  Europe/Prague", true},
		{"hello", "", "", false},
		{"/", "", "", false},
		{"/@bot", "", "", false},
	}
	for _, tc := range cases {
		cmd, ok := ParseCommand(tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
		assert.Equal(t, tc.name, cmd.Name, tc.in)
		assert.Equal(t, tc.args, cmd.Args, tc.in)
	}
}

func TestSplitTelegramTextShortIsUntouched(t *testing.T) {
	assert.Equal(t, []string{"abc"}, splitTelegramText("abc", 10, ""))
}

func TestSplitTelegramTextPrefersNewlines(t *testing.T) {
	line := strings.Repeat("x", 30)
	text := strings.Join([]string{line, line, line, line}, "\n")
	chunks := splitTelegramText(text, 70, "")
	require.Len(t, chunks, 2)
	for _, c := range chunks {
		assert.LessOrEqual(t, len([]rune(c)), 70)
		assert.False(t, strings.HasPrefix(c, "\n"))
		assert.False(t, strings.HasSuffix(c, "\n"))
	}
	assert.Equal(t, strings.ReplaceAll(text, "\n", ""), strings.ReplaceAll(strings.Join(chunks, ""), "\n", ""))
}

func TestSplitTelegramTextKeepsHTMLTagsWhole(t *testing.T) {
	text := strings.Repeat("a", 18) + "<b>bold</b>" + strings.Repeat("c", 10)
	chunks := splitTelegramText(text, 20, "HTML")
	require.GreaterOrEqual(t, len(chunks), 2)
	assert.Equal(t, strings.Repeat("a", 18), chunks[0])
	assert.True(t, strings.HasPrefix(chunks[1], "<b>"))
}

func TestSplitTelegramTextCountsRunes(t *testing.T) {
	text := strings.Repeat("🔴", 25)
	chunks := splitTelegramText(text, 10, "")
	require.Len(t, chunks, 3)
	assert.Equal(t, 10, len([]rune(chunks[0])))
	assert.Equal(t, 5, len([]rune(chunks[2])))
}

func TestChainRecoversPanicsAndAppliesTimeout(t *testing.T) {
	h := Chain(func(ctx context.Context, cmd kit.Command) (string, error) {
		if cmd.Name == "boom" {
			panic("kaboom")
		}
		dl, ok := ctx.Deadline()
		require.True(t, ok)
		assert.WithinDuration(t, time.Now().Add(time.Second), dl, 200*time.Millisecond)
		return "ok", nil
	}, MWRequestLog(logx.Nop()), MWPanicRecover(logx.Nop()), MWTimeout(time.Second))

	reply, err := h(context.Background(), kit.Command{Name: "start"})
	require.NoError(t, err)
	assert.Equal(t, "ok", reply)

	reply, err = h(context.Background(), kit.Command{Name: "boom"})
	assert.Error(t, err)
	assert.Empty(t, reply)
}

func TestRequestLogPassesErrorsThrough(t *testing.T) {
	want := errors.New("store down")
	h := Chain(func(context.Context, kit.Command) (string, error) { return "", want }, MWRequestLog(logx.Nop()))
	_, err := h(context.Background(), kit.Command{Name: "start"})
	assert.ErrorIs(t, err, want)
}
