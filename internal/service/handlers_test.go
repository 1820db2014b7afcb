package service

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/voucherd/internal/batch"
	"github.com/timmy/voucherd/internal/domain"
)

func TestRegisterHandlers(t *testing.T) {
	_, srv := newFakeGateway(t, http.StatusOK, VoucherResult{VoucherID: "v-7", Status: "issued"})

	t.Run("only backed types are registered", func(t *testing.T) {
		registry := batch.NewRegistry(0)
		RegisterHandlers(registry, Services{Vouchers: NewVoucherService(&GatewayConfig{BaseURL: srv.URL})})

		assert.True(t, registry.Has(domain.OperationMintVouchers))
		assert.True(t, registry.Has(domain.OperationImportRecipients))
		assert.False(t, registry.Has(domain.OperationRegisterMerchants))
		assert.False(t, registry.Has(domain.OperationSendNotifications))
	})

	t.Run("items are decoded and dispatched", func(t *testing.T) {
		registry := batch.NewRegistry(0)
		merchants, _ := newMerchantService(t)
		RegisterHandlers(registry, Services{
			Vouchers:      NewVoucherService(&GatewayConfig{BaseURL: srv.URL}),
			Merchants:     merchants,
			Notifications: NewNotificationService(&NotificationConfig{Gateway: GatewayConfig{BaseURL: srv.URL}}),
		})
		assert.Len(t, registry.Types(), 4)

		out, err := registry.Execute(context.Background(), domain.OperationImportRecipients,
			json.RawMessage(`{"recipient_email":"r@x.io","amount":10}`))
		require.NoError(t, err)
		res, ok := out.(*VoucherResult)
		require.True(t, ok)
		assert.Equal(t, "v-7", res.VoucherID)

		out, err = registry.Execute(context.Background(), domain.OperationRegisterMerchants,
			json.RawMessage(`{"name":"Shop","wallet_address":"`+testWallet+`"}`))
		require.NoError(t, err)
		assert.IsType(t, &domain.Merchant{}, out)

		_, err = registry.Execute(context.Background(), domain.OperationMintVouchers, json.RawMessage(`[1,2]`))
		assert.ErrorContains(t, err, "invalid item")
	})
}
