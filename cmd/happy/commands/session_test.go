package commands

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFeedLinesClaimsBeforeFirstSend(t *testing.T) {
	var order []string
	feedLines(context.Background(), strings.NewReader("hello\nworld\n"), nil, false,
		func() { order = append(order, "claim") },
		func(s string) { order = append(order, "send:"+s) })
	require.Equal(t, []string{"claim", "send:hello", "send:world"}, order)
}

func TestFeedLinesCarriesRawModePrefix(t *testing.T) {
	var sent []string
	feedLines(context.Background(), strings.NewReader("ello\n"), []byte("h"), true,
		func() { t.Fatal("control was already claimed") },
		func(s string) { sent = append(sent, s) })
	require.Equal(t, []string{"hello"}, sent)
}

func TestFeedLinesSkipsBlankLines(t *testing.T) {
	claims := 0
	var sent []string
	feedLines(context.Background(), strings.NewReader("\n\nhi\n"), nil, false,
		func() { claims++ },
		func(s string) { sent = append(sent, s) })
	require.Equal(t, 1, claims)
	require.Equal(t, []string{"hi"}, sent)
}
