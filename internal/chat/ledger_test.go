package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"market-chat/internal/apperr"
)

func TestConversationScenario(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)

	c1, err := f.svc.Store.GetOrCreate(ctx, f.listing, f.alice, f.bob, CategoryOther)
	req.NoError(err)
	same, err := f.svc.Store.GetOrCreate(ctx, f.listing, f.bob, f.alice, CategoryOther)
	req.NoError(err)
	req.Equal(c1.ID, same.ID)

	_, err = f.svc.Ledger.Append(ctx, c1.ID, f.alice, "hello")
	req.NoError(err)
	_, err = f.svc.Ledger.Append(ctx, c1.ID, f.bob, "hi")
	req.NoError(err)

	page, err := f.svc.Ledger.Page(ctx, c1.ID, 1, 50)
	req.NoError(err)
	req.Len(page.Items, 2)
	req.Equal("hello", page.Items[0].Content)
	req.Equal("hi", page.Items[1].Content)
	req.Equal("alice", page.Items[0].Sender.Username)

	unread, err := f.svc.Ledger.UnreadCountFor(ctx, c1.ID, f.alice)
	req.NoError(err)
	req.Equal(1, unread)

	n, err := f.svc.Ledger.MarkRead(ctx, c1.ID, f.alice)
	req.NoError(err)
	req.Equal(1, n)

	unread, err = f.svc.Ledger.UnreadCountFor(ctx, c1.ID, f.alice)
	req.NoError(err)
	req.Equal(0, unread)
	unread, err = f.svc.Ledger.UnreadCountFor(ctx, c1.ID, f.bob)
	req.NoError(err)
	req.Equal(1, unread)
}

func TestAppendRejectsBlankContent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.chat(t)

	for _, content := range []string{"", "   ", "\n\t "} {
		_, err := f.svc.Ledger.Append(ctx, c.ID, f.alice, content)
		require.True(t, apperr.Is(err, apperr.CodeInvalidContent), "content %q: %v", content, err)
	}

	page, err := f.svc.Ledger.Page(ctx, c.ID, 1, 50)
	require.NoError(t, err)
	require.Empty(t, page.Items)
	require.NotNil(t, page.Items)

	got, err := f.svc.Store.GetByID(ctx, c.ID)
	require.NoError(t, err)
	require.Nil(t, got.LastMessageAt)
}

func TestAppendEnforcesContentLimitInRunes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.chat(t)

	_, err := f.svc.Ledger.Append(ctx, c.ID, f.alice, strings.Repeat("é", 20))
	require.NoError(t, err)
	_, err = f.svc.Ledger.Append(ctx, c.ID, f.alice, strings.Repeat("a", 21))
	require.True(t, apperr.Is(err, apperr.CodeInvalidContent))
}

func TestAppendTrimsContent(t *testing.T) {
	f := newFixture(t)
	c := f.chat(t)

	m, err := f.svc.Ledger.Append(context.Background(), c.ID, f.alice, "  padded  ")
	require.NoError(t, err)
	require.Equal(t, "padded", m.Content)
	require.False(t, m.IsRead)
}

func TestAppendRequiresParticipant(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.chat(t)

	_, err := f.svc.Ledger.Append(ctx, c.ID, f.carol, "let me in")
	require.True(t, apperr.Is(err, apperr.CodeNotFound))

	_, err = f.svc.Ledger.Append(ctx, c.ID, "not-a-uuid", "hello")
	require.True(t, apperr.Is(err, apperr.CodeInvalidReference))

	_, err = f.svc.Ledger.Append(ctx, "not-a-uuid", f.alice, "hello")
	require.True(t, apperr.Is(err, apperr.CodeInvalidReference))
}

func TestAppendUpdatesPreview(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	c := f.chat(t)

	m, err := f.svc.Ledger.Append(ctx, c.ID, f.bob, "preview text")
	req.NoError(err)

	got, err := f.svc.Store.GetByID(ctx, c.ID)
	req.NoError(err)
	req.Equal("previ", got.LastMessage)
	req.NotNil(got.LastMessageAt)
	req.True(got.LastMessageAt.Equal(m.Timestamp))
}

func TestPagePagesBackwardsFromNewest(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	c := f.chat(t)

	for i := 1; i <= 5; i++ {
		_, err := f.svc.Ledger.Append(ctx, c.ID, f.alice, fmt.Sprintf("m%d", i))
		req.NoError(err)
	}

	contents := func(p *MessagePage) []string {
		out := make([]string, 0, len(p.Items))
		for _, m := range p.Items {
			out = append(out, m.Content)
		}
		return out
	}

	first, err := f.svc.Ledger.Page(ctx, c.ID, 1, 2)
	req.NoError(err)
	req.Equal([]string{"m4", "m5"}, contents(first))

	second, err := f.svc.Ledger.Page(ctx, c.ID, 2, 2)
	req.NoError(err)
	req.Equal([]string{"m2", "m3"}, contents(second))

	third, err := f.svc.Ledger.Page(ctx, c.ID, 3, 2)
	req.NoError(err)
	req.Equal([]string{"m1"}, contents(third))

	beyond, err := f.svc.Ledger.Page(ctx, c.ID, 4, 2)
	req.NoError(err)
	req.Empty(beyond.Items)

	_, err = f.svc.Ledger.Page(ctx, c.ID, 0, 2)
	req.True(apperr.Is(err, apperr.CodeBadRequest))
}

func TestPageClampsSize(t *testing.T) {
	f := newFixture(t)
	c := f.chat(t)

	p, err := f.svc.Ledger.Page(context.Background(), c.ID, 1, 1000)
	require.NoError(t, err)
	require.Equal(t, DefaultOptions().MaxPageSize, p.Limit)

	for _, size := range []int{0, -5} {
		p, err = f.svc.Ledger.Page(context.Background(), c.ID, 1, size)
		require.NoError(t, err)
		require.Equal(t, DefaultOptions().DefaultPageSize, p.Limit, "size %d", size)
	}

	p, err = f.svc.Ledger.Page(context.Background(), c.ID, 1, 1)
	require.NoError(t, err)
	require.Equal(t, 1, p.Limit)
}

func TestPageIsChronologicalUnderConcurrentAppends(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	c := f.chat(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sender := f.alice
			if i%2 == 0 {
				sender = f.bob
			}
			_, err := f.svc.Ledger.Append(ctx, c.ID, sender, fmt.Sprintf("msg %d", i))
			req.NoError(err)
		}(i)
	}
	wg.Wait()

	page, err := f.svc.Ledger.Page(ctx, c.ID, 1, 50)
	req.NoError(err)
	req.Len(page.Items, 20)
	for i := 1; i < len(page.Items); i++ {
		req.False(page.Items[i].Timestamp.Before(page.Items[i-1].Timestamp))
	}
}

func TestMarkReadIsIdempotent(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	c := f.chat(t)

	const sent = 3
	for i := 0; i < sent; i++ {
		_, err := f.svc.Ledger.Append(ctx, c.ID, f.bob, "ping")
		req.NoError(err)
	}
	_, err := f.svc.Ledger.Append(ctx, c.ID, f.alice, "own message")
	req.NoError(err)

	unread, err := f.svc.Ledger.UnreadCountFor(ctx, c.ID, f.alice)
	req.NoError(err)
	req.Equal(sent, unread)

	n, err := f.svc.Ledger.MarkRead(ctx, c.ID, f.alice)
	req.NoError(err)
	req.Equal(sent, n)

	n, err = f.svc.Ledger.MarkRead(ctx, c.ID, f.alice)
	req.NoError(err)
	req.Zero(n)

	// Alice's own message is still unread for Bob.
	unread, err = f.svc.Ledger.UnreadCountFor(ctx, c.ID, f.bob)
	req.NoError(err)
	req.Equal(1, unread)
}

func TestMarkReadConcurrentReadersCountOnce(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	c := f.chat(t)

	for i := 0; i < 10; i++ {
		_, err := f.svc.Ledger.Append(ctx, c.ID, f.bob, "hey")
		req.NoError(err)
	}

	var wg sync.WaitGroup
	counts := make([]int, 4)
	for i := range counts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			n, err := f.svc.Ledger.MarkRead(ctx, c.ID, f.alice)
			req.NoError(err)
			counts[i] = n
		}(i)
	}
	wg.Wait()

	total := 0
	for _, n := range counts {
		total += n
	}
	req.Equal(10, total)
}

func TestMarkReadRequiresParticipant(t *testing.T) {
	f := newFixture(t)
	c := f.chat(t)

	_, err := f.svc.Ledger.MarkRead(context.Background(), c.ID, f.carol)
	require.True(t, apperr.Is(err, apperr.CodeNotFound))
}
