package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"manthrabin-go/internal/model"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConversationService_CreateAndList(t *testing.T) {
	f := newSessionFixture(t, 20)
	svc := NewConversationService(f.convs, f.exchanges)
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, f.owner.ID, " gpt-4o-mini ")
	require.NoError(t, err)
	assert.NotEmpty(t, conv.PublicID)
	assert.Equal(t, model.DefaultConversationTitle, conv.Title)
	assert.Equal(t, "gpt-4o-mini", conv.Model.Name)

	_, err = svc.CreateConversation(ctx, f.owner.ID, "no-such-model")
	assert.ErrorIs(t, err, ErrModelNotFound)

	mine, err := svc.ListConversations(ctx, f.owner.ID)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, conv.PublicID, mine[0].PublicID)

	theirs, err := svc.ListConversations(ctx, f.other.ID)
	require.NoError(t, err)
	assert.NotNil(t, theirs)
	assert.Empty(t, theirs)
}

func TestConversationService_ListExchanges(t *testing.T) {
	f := newSessionFixture(t, 20)
	svc := NewConversationService(f.convs, f.exchanges)
	ctx := context.Background()
	conv := f.newConversation(t, f.owner)

	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	for i := 1; i <= 3; i++ {
		require.NoError(t, f.exchanges.Create(ctx, &model.Exchange{
			PublicID:       uuid.NewString(),
			UserPrompt:     fmt.Sprintf("q%d", i),
			Response:       fmt.Sprintf("a%d", i),
			ConversationID: conv.ID,
			Time:           base.Add(time.Duration(i) * time.Minute),
		}))
	}

	page, err := svc.ListExchanges(ctx, f.owner.ID, conv.PublicID, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), page.Total)
	require.Len(t, page.Results, 2)
	assert.Equal(t, "q3", page.Results[0].UserPrompt)
	assert.Equal(t, "q2", page.Results[1].UserPrompt)
	assert.Equal(t, conv.PublicID, page.Results[0].ConversationID)

	page, err = svc.ListExchanges(ctx, f.owner.ID, conv.PublicID, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, defaultPageSize, page.Limit)
	require.Len(t, page.Results, 1)
	assert.Equal(t, "q1", page.Results[0].UserPrompt)

	_, err = svc.ListExchanges(ctx, f.other.ID, conv.PublicID, 10, 0)
	assert.ErrorIs(t, err, ErrConversationNotFound)
}
