package payment

import (
	"github.com/smallbiznis/payrelay/internal/config"
	paymentdomain "github.com/smallbiznis/payrelay/internal/payment/domain"
	"github.com/smallbiznis/payrelay/internal/payment/gateway"
	"github.com/smallbiznis/payrelay/internal/payment/repository"
	paymentservice "github.com/smallbiznis/payrelay/internal/payment/service"
	"github.com/smallbiznis/payrelay/internal/payment/webhook"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.service",
	fx.Provide(func(h *config.PicPaySettingsHolder) paymentdomain.Settings { return h }),
	fx.Provide(repository.Provide),
	fx.Provide(
		gateway.NewClient,
		func(c *gateway.Client) paymentdomain.Gateway { return c },
	),
	fx.Provide(paymentservice.NewService),
	fx.Provide(paymentservice.Provide),
	fx.Provide(webhook.NewService),
)
