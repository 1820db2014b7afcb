package batch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/voucherd/internal/domain"
)

func TestRegistry_Execute(t *testing.T) {
	r := NewRegistry(0)
	r.RegisterFunc(domain.OperationMintVouchers, func(ctx context.Context, item json.RawMessage) (any, error) {
		return string(item), nil
	})

	v, err := r.Execute(context.Background(), domain.OperationMintVouchers, json.RawMessage(`{"amount":5}`))
	require.NoError(t, err)
	assert.Equal(t, `{"amount":5}`, v, "items are forwarded verbatim")

	_, err = r.Execute(context.Background(), domain.OperationSendNotifications, nil)
	assert.ErrorIs(t, err, ErrInvalidOperationType)
}

func TestRegistry_PropagatesHandlerError(t *testing.T) {
	r := NewRegistry(time.Second)
	want := errors.New("chain rejected mint")
	r.RegisterFunc(domain.OperationMintVouchers, func(ctx context.Context, item json.RawMessage) (any, error) {
		return nil, want
	})

	_, err := r.Execute(context.Background(), domain.OperationMintVouchers, nil)
	assert.ErrorIs(t, err, want)
}

func TestRegistry_RecoversPanic(t *testing.T) {
	for _, timeout := range []time.Duration{0, time.Second} {
		r := NewRegistry(timeout)
		r.RegisterFunc(domain.OperationMintVouchers, func(ctx context.Context, item json.RawMessage) (any, error) {
			panic("nil wallet")
		})

		_, err := r.Execute(context.Background(), domain.OperationMintVouchers, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "nil wallet")
	}
}

func TestRegistry_ItemTimeout(t *testing.T) {
	r := NewRegistry(20 * time.Millisecond)
	block := make(chan struct{})
	defer close(block)
	r.RegisterFunc(domain.OperationSendNotifications, func(ctx context.Context, item json.RawMessage) (any, error) {
		<-block
		return nil, nil
	})

	start := time.Now()
	_, err := r.Execute(context.Background(), domain.OperationSendNotifications, nil)
	assert.ErrorIs(t, err, ErrItemTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRegistry_ParentCancellation(t *testing.T) {
	r := NewRegistry(time.Minute)
	r.RegisterFunc(domain.OperationSendNotifications, func(ctx context.Context, item json.RawMessage) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Execute(ctx, domain.OperationSendNotifications, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRegistry_TypesAndItemInfo(t *testing.T) {
	r := NewRegistry(0)
	r.RegisterFunc(domain.OperationSendNotifications, func(ctx context.Context, item json.RawMessage) (any, error) {
		info, ok := ItemInfoFromContext(ctx)
		if !ok {
			return nil, errors.New("missing item info")
		}
		return info, nil
	})
	r.RegisterFunc(domain.OperationMintVouchers, echoIndex)

	assert.Equal(t, []domain.OperationType{domain.OperationMintVouchers, domain.OperationSendNotifications}, r.Types())
	assert.True(t, r.Has(domain.OperationMintVouchers))
	assert.False(t, r.Has(domain.OperationImportRecipients))

	ctx := WithItemInfo(context.Background(), ItemInfo{OperationID: "op-1", RecordIndex: 4, InitiatedBy: "u"})
	v, err := r.Execute(ctx, domain.OperationSendNotifications, nil)
	require.NoError(t, err)
	assert.Equal(t, ItemInfo{OperationID: "op-1", RecordIndex: 4, InitiatedBy: "u"}, v)

	_, ok := ItemInfoFromContext(context.Background())
	assert.False(t, ok)
}
